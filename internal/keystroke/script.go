package keystroke

import (
	"context"
	"fmt"
	"time"

	"keyrelay/internal/scancode"
)

// DefaultScriptInterval is the gap between scripted scancodes.
const DefaultScriptInterval = 5 * time.Millisecond

// ScriptSource replays a typed script as make/break scancodes at a fixed
// interval. It is the hardware-free way to drive the daemon.
type ScriptSource struct {
	BaseSource
	codes    []scancode.ScanCode
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// NewScript compiles script (see scancode.ForScript) into a source.
func NewScript(sink Sink, script string, interval time.Duration) (*ScriptSource, error) {
	codes, err := scancode.ForScript(script)
	if err != nil {
		return nil, fmt.Errorf("compile script: %w", err)
	}
	if interval <= 0 {
		interval = DefaultScriptInterval
	}
	s := &ScriptSource{codes: codes, interval: interval}
	s.SetSink(sink)
	return s, nil
}

// Start begins replaying in the background.
func (s *ScriptSource) Start(ctx context.Context) error {
	if s.IsRunning() {
		return ErrAlreadyRunning
	}
	if !s.hasSink() {
		return ErrNoSink
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.err = nil
	s.SetRunning(true)

	go s.play(ctx)
	return nil
}

func (s *ScriptSource) play(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for _, code := range s.codes {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := s.Forward(code); err != nil {
			s.err = err
			return
		}
	}
}

// Done is closed when the script has been fully replayed or stopped.
func (s *ScriptSource) Done() <-chan struct{} {
	return s.done
}

// Err returns the sink error that ended replay early, if any. Valid after
// Done is closed.
func (s *ScriptSource) Err() error {
	return s.err
}

// Len returns the number of scancodes in the script.
func (s *ScriptSource) Len() int {
	return len(s.codes)
}

// Stop stops replay and waits for it to exit.
func (s *ScriptSource) Stop() error {
	if !s.IsRunning() {
		return nil
	}
	s.cancel()
	<-s.done
	s.SetRunning(false)
	return nil
}

// Available returns true (a script needs no hardware).
func (s *ScriptSource) Available() (bool, string) {
	return true, fmt.Sprintf("scripted source (%d scancodes)", len(s.codes))
}
