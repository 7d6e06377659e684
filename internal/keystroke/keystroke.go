// Package keystroke provides scancode sources for the keyrelay engine.
//
// A Source produces PC set-1 scancodes (make codes below 0x80, break codes
// with bit 7 set) and forwards each one to a Sink, normally the engine.
// Sources never block on delivery: the sink is expected to return
// promptly and to shed load itself.
//
// Platform support:
//   - Linux: reads /dev/input/event* (requires the input group or root)
//   - Elsewhere: only the simulated and scripted sources are available
package keystroke

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"keyrelay/internal/scancode"
)

// Sink consumes scancodes. *engine.Engine satisfies it.
type Sink interface {
	Feed(code scancode.ScanCode) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(scancode.ScanCode) error

// Feed calls f(code).
func (f SinkFunc) Feed(code scancode.ScanCode) error { return f(code) }

// Source produces scancodes into a Sink.
type Source interface {
	// Start begins producing. Production stops when ctx is cancelled or
	// Stop is called.
	Start(ctx context.Context) error

	// Stop stops producing and waits for background readers to exit.
	Stop() error

	// Count returns the number of scancodes forwarded so far.
	Count() uint64

	// Available reports whether the source can run with current permissions.
	Available() (bool, string)
}

var (
	// ErrNotAvailable is returned when no usable input device exists.
	ErrNotAvailable = errors.New("keyboard input not available on this platform")

	// ErrAlreadyRunning is returned when Start is called while running.
	ErrAlreadyRunning = errors.New("source already running")

	// ErrNoSink is returned when a source is started without a sink.
	ErrNoSink = errors.New("source has no sink")
)

// BaseSource provides the forwarding and run-state bookkeeping shared by
// every source.
type BaseSource struct {
	mu      sync.RWMutex
	sink    Sink
	running bool

	count   atomic.Uint64
	rejects atomic.Uint64
}

// SetSink sets where forwarded scancodes go.
func (b *BaseSource) SetSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sink = s
}

// Forward passes code to the sink. A sink error stops nothing; it is
// counted and returned so the caller can decide whether to keep reading.
func (b *BaseSource) Forward(code scancode.ScanCode) error {
	b.mu.RLock()
	sink := b.sink
	b.mu.RUnlock()
	if sink == nil {
		return ErrNoSink
	}
	if err := sink.Feed(code); err != nil {
		b.rejects.Add(1)
		return err
	}
	b.count.Add(1)
	return nil
}

// Count returns the number of scancodes the sink accepted.
func (b *BaseSource) Count() uint64 {
	return b.count.Load()
}

// Rejected returns the number of scancodes the sink refused.
func (b *BaseSource) Rejected() uint64 {
	return b.rejects.Load()
}

func (b *BaseSource) hasSink() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sink != nil
}

// SetRunning sets the running state.
func (b *BaseSource) SetRunning(running bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.running = running
}

// IsRunning returns the running state.
func (b *BaseSource) IsRunning() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

// New creates the platform keyboard source feeding sink.
func New(sink Sink, opts Options) Source {
	return newPlatformSource(sink, opts)
}

// SimulatedSource is a source for tests and demos that injects scancodes
// directly instead of reading hardware.
type SimulatedSource struct {
	BaseSource
	cancel context.CancelFunc
}

// NewSimulated creates a simulated source feeding sink.
func NewSimulated(sink Sink) *SimulatedSource {
	s := &SimulatedSource{}
	s.SetSink(sink)
	return s
}

// Start begins the simulated source.
func (s *SimulatedSource) Start(ctx context.Context) error {
	if s.IsRunning() {
		return ErrAlreadyRunning
	}
	if !s.hasSink() {
		return ErrNoSink
	}
	_, s.cancel = context.WithCancel(ctx)
	s.SetRunning(true)
	return nil
}

// Stop stops the simulated source.
func (s *SimulatedSource) Stop() error {
	if !s.IsRunning() {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.SetRunning(false)
	return nil
}

// Inject forwards codes while the source is running and returns the first
// sink error.
func (s *SimulatedSource) Inject(codes ...scancode.ScanCode) error {
	for _, c := range codes {
		if !s.IsRunning() {
			return nil
		}
		if err := s.Forward(c); err != nil {
			return err
		}
	}
	return nil
}

// Type injects the make/break sequence for script, see scancode.ForScript.
func (s *SimulatedSource) Type(script string) error {
	codes, err := scancode.ForScript(script)
	if err != nil {
		return err
	}
	return s.Inject(codes...)
}

// Available returns true (simulated is always available).
func (s *SimulatedSource) Available() (bool, string) {
	return true, "simulated source"
}
