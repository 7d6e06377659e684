// Package scancode turns raw PC set-1 keyboard bytes into keyrelay tokens.
//
// A scancode is a single byte: bit 7 is the release ("break") flag and the
// low 7 bits identify the physical key. Decoding happens in three steps:
//
//  1. the Tracker updates shift/control state from make/break codes
//  2. the Recognizer turns control chords into command tokens
//  3. the Decoder maps remaining key-downs through one of two fixed layouts
//
// Only key-down events ever produce output.
package scancode

import "fmt"

// ScanCode is a raw byte read from the keyboard controller.
type ScanCode byte

const releaseBit ScanCode = 0x80

// Released reports whether the code is a break (key-up) event.
func (c ScanCode) Released() bool {
	return c&releaseBit != 0
}

// Index returns the key index with the release flag cleared.
func (c ScanCode) Index() byte {
	return byte(c &^ releaseBit)
}

// Break returns the release code for the same key.
func (c ScanCode) Break() ScanCode {
	return c | releaseBit
}

func (c ScanCode) String() string {
	if c.Released() {
		return fmt.Sprintf("break(0x%02x)", c.Index())
	}
	return fmt.Sprintf("make(0x%02x)", c.Index())
}

// Kind discriminates the Token variants.
type Kind uint8

const (
	KindChar Kind = iota
	KindRecordStart
	KindFlatten
	KindReverse
	KindPlayback
)

func (k Kind) String() string {
	switch k {
	case KindChar:
		return "char"
	case KindRecordStart:
		return "record-start"
	case KindFlatten:
		return "flatten"
	case KindReverse:
		return "reverse"
	case KindPlayback:
		return "playback"
	default:
		return "unknown"
	}
}

// Wire values of the command tokens as seen by the consumer.
const (
	ByteRecordStart byte = 0x01
	BytePlayback    byte = 0x02
	ByteFlatten     byte = 0x03
	ByteReverse     byte = 0x04

	Backspace byte = 0x08
	Newline   byte = '\n'
	Escape    byte = 0x1B
)

// Token is one unit of output: a literal character or a command.
type Token struct {
	Kind Kind
	Char byte // valid when Kind == KindChar
}

// Command tokens.
var (
	RecordStart = Token{Kind: KindRecordStart}
	Flatten     = Token{Kind: KindFlatten}
	Reverse     = Token{Kind: KindReverse}
	Playback    = Token{Kind: KindPlayback}
)

// Char returns a literal character token.
func Char(b byte) Token {
	return Token{Kind: KindChar, Char: b}
}

// IsCommand reports whether t is one of the four command tokens.
func (t Token) IsCommand() bool {
	return t.Kind != KindChar
}

// Byte returns the single-byte consumer encoding of t.
func (t Token) Byte() byte {
	switch t.Kind {
	case KindRecordStart:
		return ByteRecordStart
	case KindPlayback:
		return BytePlayback
	case KindFlatten:
		return ByteFlatten
	case KindReverse:
		return ByteReverse
	default:
		return t.Char
	}
}

// FromByte is the inverse of Token.Byte.
func FromByte(b byte) Token {
	switch b {
	case ByteRecordStart:
		return RecordStart
	case BytePlayback:
		return Playback
	case ByteFlatten:
		return Flatten
	case ByteReverse:
		return Reverse
	default:
		return Char(b)
	}
}

func (t Token) String() string {
	if t.Kind == KindChar {
		return fmt.Sprintf("char(%q)", rune(t.Char))
	}
	return t.Kind.String()
}
