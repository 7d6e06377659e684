//go:build !linux

package keystroke

import "context"

// ListKeyboards is only supported on Linux.
func ListKeyboards() ([]KeyboardDevice, error) {
	return nil, ErrNotAvailable
}

// StubSource is used on unsupported platforms.
type StubSource struct {
	BaseSource
}

func newPlatformSource(sink Sink, _ Options) Source {
	s := &StubSource{}
	s.SetSink(sink)
	return s
}

// Available returns false on unsupported platforms.
func (s *StubSource) Available() (bool, string) {
	return false, "keyboard input not implemented for this platform"
}

// Start returns an error on unsupported platforms.
func (s *StubSource) Start(ctx context.Context) error {
	return ErrNotAvailable
}

// Stop is a no-op on unsupported platforms.
func (s *StubSource) Stop() error {
	return nil
}
