package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"keyrelay/internal/scancode"
)

// ErrInterrupted is returned when a mailbox wait is cancelled. The slot is
// left exactly as it was, so the caller may retry.
var ErrInterrupted = errors.New("engine: wait interrupted")

// Mailbox is a single-slot rendezvous between the processor and the one
// consumer. At most one unconsumed token is ever resident.
type Mailbox struct {
	mu       sync.Mutex
	tok      scancode.Token
	full     bool
	claimed  bool // a Deliver callback holds the resident token
	filledAt time.Time
	changed  chan struct{}

	// onHandoff observes how long a token sat in the slot.
	onHandoff func(time.Duration)
}

// NewMailbox creates an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{changed: make(chan struct{})}
}

// broadcast wakes every waiter. Callers hold m.mu.
func (m *Mailbox) broadcast() {
	close(m.changed)
	m.changed = make(chan struct{})
}

// waitLocked blocks until ready() holds. It is entered and left with m.mu held.
func (m *Mailbox) waitLocked(ctx context.Context, ready func() bool) error {
	for !ready() {
		ch := m.changed
		m.mu.Unlock()
		select {
		case <-ch:
			m.mu.Lock()
		case <-ctx.Done():
			m.mu.Lock()
			return fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
		}
	}
	return nil
}

// Emit blocks until the slot is empty, then places tok in it.
func (m *Mailbox) Emit(ctx context.Context, tok scancode.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.waitLocked(ctx, func() bool { return !m.full }); err != nil {
		return err
	}
	m.tok = tok
	m.full = true
	m.filledAt = time.Now()
	m.broadcast()
	return nil
}

// Take blocks until a token is resident, then removes and returns it.
func (m *Mailbox) Take(ctx context.Context) (scancode.Token, error) {
	var got scancode.Token
	err := m.Deliver(ctx, func(tok scancode.Token) error {
		got = tok
		return nil
	})
	return got, err
}

// Deliver blocks until a token is resident and hands it to fn. The slot is
// cleared only when fn returns nil; on error the token stays resident for
// the next Take or Deliver.
func (m *Mailbox) Deliver(ctx context.Context, fn func(scancode.Token) error) error {
	m.mu.Lock()
	if err := m.waitLocked(ctx, func() bool { return m.full && !m.claimed }); err != nil {
		m.mu.Unlock()
		return err
	}
	m.claimed = true
	tok := m.tok
	m.mu.Unlock()

	err := fn(tok)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.claimed = false
	if err == nil {
		if m.onHandoff != nil {
			m.onHandoff(time.Since(m.filledAt))
		}
		m.tok = scancode.Token{}
		m.full = false
	}
	m.broadcast()
	return err
}

// Pending reports whether a token is waiting in the slot.
func (m *Mailbox) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.full
}
