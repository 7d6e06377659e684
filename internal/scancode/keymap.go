package scancode

// Key indices with special handling.
const (
	IndexEscape    byte = 0x01
	IndexBackspace byte = 0x0E
	IndexR         byte = 0x13
	IndexP         byte = 0x19
	IndexN         byte = 0x31
)

// Layout is a read-only index-to-ASCII table. A zero entry means the key
// produces no character.
type Layout [128]byte

// Lookup returns the character for a key index.
func (l *Layout) Lookup(index byte) (byte, bool) {
	if int(index) >= len(l) {
		return 0, false
	}
	b := l[index]
	return b, b != 0
}

// US layout, PC set-1 make codes. Unlisted indices (modifiers, function
// keys, locks) have no mapping.
var unshifted = Layout{
	0x01: Escape,
	0x02: '1', 0x03: '2', 0x04: '3', 0x05: '4', 0x06: '5',
	0x07: '6', 0x08: '7', 0x09: '8', 0x0A: '9', 0x0B: '0',
	0x0C: '-', 0x0D: '=',
	0x0E: Backspace,
	0x0F: '\t',
	0x10: 'q', 0x11: 'w', 0x12: 'e', 0x13: 'r', 0x14: 't',
	0x15: 'y', 0x16: 'u', 0x17: 'i', 0x18: 'o', 0x19: 'p',
	0x1A: '[', 0x1B: ']',
	0x1C: Newline,
	0x1E: 'a', 0x1F: 's', 0x20: 'd', 0x21: 'f', 0x22: 'g',
	0x23: 'h', 0x24: 'j', 0x25: 'k', 0x26: 'l',
	0x27: ';', 0x28: '\'', 0x29: '`',
	0x2B: '\\',
	0x2C: 'z', 0x2D: 'x', 0x2E: 'c', 0x2F: 'v', 0x30: 'b',
	0x31: 'n', 0x32: 'm',
	0x33: ',', 0x34: '.', 0x35: '/',
	0x37: '*',
	0x39: ' ',
	0x47: '7', 0x48: '8', 0x49: '9', 0x4A: '-',
	0x4B: '4', 0x4C: '5', 0x4D: '6', 0x4E: '+',
	0x4F: '1', 0x50: '2', 0x51: '3',
	0x52: '0', 0x53: '.',
}

var shifted = Layout{
	0x01: Escape,
	0x02: '!', 0x03: '@', 0x04: '#', 0x05: '$', 0x06: '%',
	0x07: '^', 0x08: '&', 0x09: '*', 0x0A: '(', 0x0B: ')',
	0x0C: '_', 0x0D: '+',
	0x0E: Backspace,
	0x0F: '\t',
	0x10: 'Q', 0x11: 'W', 0x12: 'E', 0x13: 'R', 0x14: 'T',
	0x15: 'Y', 0x16: 'U', 0x17: 'I', 0x18: 'O', 0x19: 'P',
	0x1A: '{', 0x1B: '}',
	0x1C: Newline,
	0x1E: 'A', 0x1F: 'S', 0x20: 'D', 0x21: 'F', 0x22: 'G',
	0x23: 'H', 0x24: 'J', 0x25: 'K', 0x26: 'L',
	0x27: ':', 0x28: '"', 0x29: '~',
	0x2B: '|',
	0x2C: 'Z', 0x2D: 'X', 0x2E: 'C', 0x2F: 'V', 0x30: 'B',
	0x31: 'N', 0x32: 'M',
	0x33: '<', 0x34: '>', 0x35: '?',
	0x37: '*',
	0x39: ' ',
	0x47: '7', 0x48: '8', 0x49: '9', 0x4A: '-',
	0x4B: '4', 0x4C: '5', 0x4D: '6', 0x4E: '+',
	0x4F: '1', 0x50: '2', 0x51: '3',
	0x52: '0', 0x53: '.',
}

// Unshifted returns a copy of the unshifted layout.
func Unshifted() Layout { return unshifted }

// Shifted returns a copy of the shifted layout.
func Shifted() Layout { return shifted }
