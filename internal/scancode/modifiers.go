package scancode

// Modifier make codes. Break codes are the same value with bit 7 set.
const (
	CodeLeftShift   ScanCode = 0x2A
	CodeRightShift  ScanCode = 0x36
	CodeLeftControl ScanCode = 0x1D
)

// ModifierState tracks the modifier keys that influence decoding.
type ModifierState struct {
	LeftShift   bool
	RightShift  bool
	LeftControl bool
}

// Shifted reports whether either shift key is held.
func (m ModifierState) Shifted() bool {
	return m.LeftShift || m.RightShift
}

// Tracker maintains ModifierState from the raw event stream.
// It is not safe for concurrent use; the engine serializes the production path.
type Tracker struct {
	state ModifierState
}

// Update applies one scancode. Codes other than the six modifier make/break
// values leave the state untouched.
func (t *Tracker) Update(code ScanCode) {
	switch code {
	case CodeLeftShift:
		t.state.LeftShift = true
	case CodeLeftShift.Break():
		t.state.LeftShift = false
	case CodeRightShift:
		t.state.RightShift = true
	case CodeRightShift.Break():
		t.state.RightShift = false
	case CodeLeftControl:
		t.state.LeftControl = true
	case CodeLeftControl.Break():
		t.state.LeftControl = false
	}
}

// State returns a copy of the current modifier state.
func (t *Tracker) State() ModifierState {
	return t.state
}

// Reset releases every modifier.
func (t *Tracker) Reset() {
	t.state = ModifierState{}
}
