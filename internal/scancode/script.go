package scancode

import (
	"fmt"
	"strings"
)

// keystroke locates a character on the layouts.
type keystroke struct {
	index byte
	shift bool
}

var reverseLayout = buildReverseLayout()

func buildReverseLayout() map[byte]keystroke {
	m := make(map[byte]keystroke)
	for i := 1; i < len(unshifted); i++ {
		if b := unshifted[i]; b != 0 {
			if _, ok := m[b]; !ok {
				m[b] = keystroke{index: byte(i)}
			}
		}
	}
	for i := 1; i < len(shifted); i++ {
		if b := shifted[i]; b != 0 {
			if _, ok := m[b]; !ok {
				m[b] = keystroke{index: byte(i), shift: true}
			}
		}
	}
	return m
}

// Chord sequences, make to break.
var chords = map[string][]ScanCode{
	"record": {
		CodeLeftControl, ScanCode(IndexR), ScanCode(IndexR).Break(), CodeLeftControl.Break(),
	},
	"reverse": {
		CodeLeftControl, CodeLeftShift, ScanCode(IndexR), ScanCode(IndexR).Break(),
		CodeLeftShift.Break(), CodeLeftControl.Break(),
	},
	"flatten": {
		CodeLeftControl, CodeLeftShift, ScanCode(IndexN), ScanCode(IndexN).Break(),
		CodeLeftShift.Break(), CodeLeftControl.Break(),
	},
	"playback": {
		CodeLeftControl, ScanCode(IndexP), ScanCode(IndexP).Break(), CodeLeftControl.Break(),
	},
	"bs":  {ScanCode(IndexBackspace), ScanCode(IndexBackspace).Break()},
	"esc": {ScanCode(IndexEscape), ScanCode(IndexEscape).Break()},
}

// ForChar returns the make/break sequence that types b, wrapping it in a
// left shift press when the character lives on the shifted layout.
func ForChar(b byte) ([]ScanCode, error) {
	ks, ok := reverseLayout[b]
	if !ok {
		return nil, fmt.Errorf("no key produces %q", rune(b))
	}
	key := ScanCode(ks.index)
	if ks.shift {
		return []ScanCode{CodeLeftShift, key, key.Break(), CodeLeftShift.Break()}, nil
	}
	return []ScanCode{key, key.Break()}, nil
}

// ForScript converts a script into scancodes. Plain characters are typed
// as-is; {record}, {reverse}, {flatten}, {playback}, {bs} and {esc} expand to
// their chords, and "{{" types a literal brace.
func ForScript(script string) ([]ScanCode, error) {
	codes := make([]ScanCode, 0, len(script)*2)
	for i := 0; i < len(script); i++ {
		c := script[i]
		if c == '{' {
			if strings.HasPrefix(script[i:], "{{") {
				seq, err := ForChar('{')
				if err != nil {
					return nil, err
				}
				codes = append(codes, seq...)
				i++
				continue
			}
			end := strings.IndexByte(script[i:], '}')
			if end < 0 {
				return nil, fmt.Errorf("unterminated chord at offset %d", i)
			}
			name := script[i+1 : i+end]
			seq, ok := chords[name]
			if !ok {
				return nil, fmt.Errorf("unknown chord %q", name)
			}
			codes = append(codes, seq...)
			i += end
			continue
		}
		seq, err := ForChar(c)
		if err != nil {
			return nil, fmt.Errorf("offset %d: %w", i, err)
		}
		codes = append(codes, seq...)
	}
	return codes, nil
}
