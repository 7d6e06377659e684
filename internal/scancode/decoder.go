package scancode

// Decode maps a key-down through the layout selected by the shift state.
// Index 0x0E always yields backspace.
func Decode(code ScanCode, mods ModifierState) (Token, bool) {
	if code.Released() {
		return Token{}, false
	}
	index := code.Index()
	if index == IndexBackspace {
		return Char(Backspace), true
	}

	layout := &unshifted
	if mods.Shifted() {
		layout = &shifted
	}
	b, ok := layout.Lookup(index)
	if !ok {
		return Token{}, false
	}
	return Char(b), true
}

// Recognize detects a command chord. It only fires while left control is
// held and the code is a key-down.
func Recognize(code ScanCode, mods ModifierState) (Token, bool) {
	if !mods.LeftControl || code.Released() {
		return Token{}, false
	}
	switch code.Index() {
	case IndexR:
		if mods.Shifted() {
			return Reverse, true
		}
		return RecordStart, true
	case IndexN:
		if mods.Shifted() {
			return Flatten, true
		}
	case IndexP:
		return Playback, true
	}
	return Token{}, false
}

// Pipeline is the production-side half of the engine: modifier tracking
// followed by chord recognition and literal decoding.
type Pipeline struct {
	tracker Tracker
}

// Translate feeds one scancode and returns the token it produces, if any.
// Modifiers are applied first so a chord sees the state including this code.
func (p *Pipeline) Translate(code ScanCode) (Token, bool) {
	p.tracker.Update(code)
	mods := p.tracker.State()
	if tok, ok := Recognize(code, mods); ok {
		return tok, true
	}
	return Decode(code, mods)
}

// Modifiers returns the current modifier state.
func (p *Pipeline) Modifiers() ModifierState {
	return p.tracker.State()
}
