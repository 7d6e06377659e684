package engine

import "keyrelay/internal/scancode"

// DefaultRecordCapacity is the record buffer size used when none is configured.
const DefaultRecordCapacity = 1024

// RecordBuffer accumulates bytes typed while recording.
// Only the processor goroutine touches it.
type RecordBuffer struct {
	data   []byte
	length int
}

// NewRecordBuffer creates a buffer holding up to capacity bytes.
func NewRecordBuffer(capacity int) *RecordBuffer {
	if capacity <= 0 {
		capacity = DefaultRecordCapacity
	}
	return &RecordBuffer{data: make([]byte, capacity)}
}

// Append stores b. Backspace is never stored and a full buffer drops b;
// both report false.
func (r *RecordBuffer) Append(b byte) bool {
	if b == scancode.Backspace || r.length == len(r.data) {
		return false
	}
	r.data[r.length] = b
	r.length++
	return true
}

// Walk calls fn for each stored byte, newest first when reverse is set.
// A flattening walk substitutes a space for every newline. Walk stops early
// if fn returns false.
func (r *RecordBuffer) Walk(reverse, flatten bool, fn func(byte) bool) {
	for i := 0; i < r.length; i++ {
		idx := i
		if reverse {
			idx = r.length - 1 - i
		}
		b := r.data[idx]
		if flatten && b == scancode.Newline {
			b = ' '
		}
		if !fn(b) {
			return
		}
	}
}

// Len returns the number of stored bytes.
func (r *RecordBuffer) Len() int { return r.length }

// Cap returns the buffer capacity.
func (r *RecordBuffer) Cap() int { return len(r.data) }

// Reset forgets the stored bytes.
func (r *RecordBuffer) Reset() { r.length = 0 }
