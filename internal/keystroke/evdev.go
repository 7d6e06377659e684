package keystroke

import (
	"encoding/binary"
	"log/slog"

	"keyrelay/internal/scancode"
)

// Options configures the platform source.
type Options struct {
	// Devices lists event device paths to read. Empty means every keyboard
	// found in /proc/bus/input/devices.
	Devices []string

	// Grab takes exclusive ownership of each device (EVIOCGRAB) so no other
	// reader sees the keystrokes.
	Grab bool

	Logger *slog.Logger
}

// Linux input_event layout on 64-bit kernels: a 16-byte timeval followed by
// type, code and value.
const (
	inputEventSize = 24

	evKey = 0x01

	keyRelease = 0
	keyPress   = 1
	keyRepeat  = 2
)

// inputEvent is the decoded part of a Linux input_event.
type inputEvent struct {
	Type  uint16
	Code  uint16
	Value int32
}

// parseInputEvent decodes one input_event record. buf must hold at least
// inputEventSize bytes.
func parseInputEvent(buf []byte) inputEvent {
	return inputEvent{
		Type:  binary.LittleEndian.Uint16(buf[16:18]),
		Code:  binary.LittleEndian.Uint16(buf[18:20]),
		Value: int32(binary.LittleEndian.Uint32(buf[20:24])),
	}
}

// toScanCode converts an evdev key event to a set-1 scancode. For the main
// key block evdev KEY_* codes equal set-1 make codes, so only the release
// bit needs adding. Non-key events and codes outside the single-byte make
// range are rejected. Autorepeat counts as another make.
func toScanCode(ev inputEvent) (scancode.ScanCode, bool) {
	if ev.Type != evKey || ev.Code == 0 || ev.Code >= 0x80 {
		return 0, false
	}
	code := scancode.ScanCode(ev.Code)
	switch ev.Value {
	case keyPress, keyRepeat:
		return code, true
	case keyRelease:
		return code | 0x80, true
	default:
		return 0, false
	}
}
