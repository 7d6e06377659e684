// Package engine is the keyrelay capture-and-delivery core.
//
// Scancodes enter through Feed, which never blocks: it decodes the code,
// pushes the resulting token onto a bounded queue and schedules the
// processor. The processor is a single serialized run loop that applies the
// record/playback state machine and hands output to a one-slot mailbox.
// A single consumer drains the mailbox with Take, one token per call.
//
// Ordering is FIFO end to end. A slow consumer stalls the processor inside
// the mailbox, the queue fills, and further tokens are dropped at the
// producer side rather than blocking it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"keyrelay/internal/scancode"
)

// ErrClosed is returned once the engine has been shut down.
var ErrClosed = errors.New("engine: closed")

// State is the record/playback state owned by the processor.
type State struct {
	Recording bool `json:"recording"`
	Flatten   bool `json:"flatten"`
	Reverse   bool `json:"reverse"`
}

func (s State) pack() uint32 {
	var v uint32
	if s.Recording {
		v |= 1
	}
	if s.Flatten {
		v |= 2
	}
	if s.Reverse {
		v |= 4
	}
	return v
}

func unpackState(v uint32) State {
	return State{Recording: v&1 != 0, Flatten: v&2 != 0, Reverse: v&4 != 0}
}

// Options configures an Engine.
type Options struct {
	QueueCapacity  int
	RecordCapacity int
	Logger         *slog.Logger

	// OnHandoff, if set, observes the time each token spent in the mailbox.
	OnHandoff func(time.Duration)
}

// Engine owns every piece of mutable state in the pipeline.
type Engine struct {
	feedMu   sync.Mutex
	pipeline scancode.Pipeline

	queue   *EventQueue
	record  *RecordBuffer
	mailbox *Mailbox
	state   State // processor goroutine only

	lifeMu  sync.Mutex
	closed  bool
	running atomic.Bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc

	stats     counters
	published atomic.Uint32
	recordLen atomic.Int64

	logger *slog.Logger
}

type counters struct {
	fed           atomic.Uint64
	tokens        atomic.Uint64
	queueDropped  atomic.Uint64
	recordDropped atomic.Uint64
	emitted       atomic.Uint64
	delivered     atomic.Uint64
	playbacks     atomic.Uint64
}

// New creates a running engine.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	mb := NewMailbox()
	mb.onHandoff = opts.OnHandoff
	return &Engine{
		queue:   NewEventQueue(opts.QueueCapacity),
		record:  NewRecordBuffer(opts.RecordCapacity),
		mailbox: mb,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.With(slog.String("subsystem", "engine")),
	}
}

// Feed runs the production path for one scancode: modifier update, chord
// recognition or decoding, a non-blocking enqueue and a processor wake-up.
// It never waits on the consumer.
func (e *Engine) Feed(code scancode.ScanCode) error {
	if e.isClosed() {
		return ErrClosed
	}
	e.stats.fed.Add(1)

	// Held through Push so concurrent feeders enqueue in translation order.
	e.feedMu.Lock()
	tok, ok := e.pipeline.Translate(code)
	if !ok {
		e.feedMu.Unlock()
		return nil
	}
	e.stats.tokens.Add(1)
	if !e.queue.Push(tok) {
		e.stats.queueDropped.Add(1)
	}
	e.feedMu.Unlock()

	e.schedule()
	return nil
}

// schedule starts a processor run unless one is already active. The active
// run drains the queue itself, so a skipped wake-up loses nothing.
func (e *Engine) schedule() {
	if !e.running.CompareAndSwap(false, true) {
		return
	}
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.closed {
		e.running.Store(false)
		return
	}
	e.wg.Add(1)
	go e.run()
}

func (e *Engine) run() {
	defer e.wg.Done()
	for {
		e.drain()
		e.running.Store(false)
		// A push that raced with the flag reset would otherwise be stranded.
		if e.queue.Len() == 0 || e.ctx.Err() != nil || !e.running.CompareAndSwap(false, true) {
			return
		}
	}
}

func (e *Engine) drain() {
	for e.ctx.Err() == nil {
		tok, ok := e.queue.Pop()
		if !ok {
			return
		}
		e.process(tok)
		e.published.Store(e.state.pack())
		e.recordLen.Store(int64(e.record.Len()))
	}
}

// process applies the record/playback state machine to one token.
func (e *Engine) process(tok scancode.Token) {
	switch tok.Kind {
	case scancode.KindRecordStart:
		if e.state.Recording {
			e.logger.Debug("record start ignored, already recording")
			return
		}
		e.state = State{Recording: true}
		e.record.Reset()
		e.logger.Debug("recording started")
		e.emit(tok)

	case scancode.KindFlatten:
		e.state.Flatten = true
		e.emit(tok)

	case scancode.KindReverse:
		e.state.Flatten = true
		e.state.Reverse = true
		e.emit(tok)

	case scancode.KindPlayback:
		if !e.emit(tok) || !e.state.Recording {
			return
		}
		e.logger.Debug("playback",
			slog.Int("bytes", e.record.Len()),
			slog.Bool("reverse", e.state.Reverse),
			slog.Bool("flatten", e.state.Flatten),
		)
		e.record.Walk(e.state.Reverse, e.state.Flatten, func(b byte) bool {
			return e.emit(scancode.Char(b))
		})
		e.stats.playbacks.Add(1)
		e.state = State{}
		e.record.Reset()

	case scancode.KindChar:
		if !e.state.Recording {
			e.emit(tok)
			return
		}
		if !e.record.Append(tok.Char) && tok.Char != scancode.Backspace {
			e.stats.recordDropped.Add(1)
		}
	}
}

// emit hands tok to the mailbox, retrying the same token after an
// interruption until the engine shuts down.
func (e *Engine) emit(tok scancode.Token) bool {
	for {
		err := e.mailbox.Emit(e.ctx, tok)
		if err == nil {
			e.stats.emitted.Add(1)
			return true
		}
		if e.ctx.Err() != nil {
			return false
		}
	}
}

// Take blocks until the next token is available and returns it. A cancelled
// ctx yields an error wrapping ErrInterrupted and consumes nothing.
func (e *Engine) Take(ctx context.Context) (scancode.Token, error) {
	var got scancode.Token
	err := e.Deliver(ctx, func(tok scancode.Token) error {
		got = tok
		return nil
	})
	return got, err
}

// Deliver is Take with a commit step: the token is consumed only if fn
// returns nil. Transports use it so a failed write leaves the token in place.
func (e *Engine) Deliver(ctx context.Context, fn func(scancode.Token) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.ctx, cancel)
	defer stop()

	// Counted before the slot clears, so emitted never runs more than one
	// ahead of delivered.
	err := e.mailbox.Deliver(ctx, func(tok scancode.Token) error {
		if err := fn(tok); err != nil {
			return err
		}
		e.stats.delivered.Add(1)
		return nil
	})
	if errors.Is(err, ErrInterrupted) && e.ctx.Err() != nil {
		return ErrClosed
	}
	return err
}

// Close stops the processor and wakes any waiting consumer. A token already
// resident in the mailbox can still be taken.
func (e *Engine) Close() error {
	e.lifeMu.Lock()
	if e.closed {
		e.lifeMu.Unlock()
		return nil
	}
	e.closed = true
	e.lifeMu.Unlock()

	e.cancel()
	e.wg.Wait()
	e.logger.Debug("engine closed", slog.Uint64("delivered", e.stats.delivered.Load()))
	return nil
}

func (e *Engine) isClosed() bool {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	return e.closed
}

// Stats is a point-in-time snapshot of engine counters.
type Stats struct {
	Fed           uint64 `json:"fed"`
	Tokens        uint64 `json:"tokens"`
	QueueDropped  uint64 `json:"queue_dropped"`
	RecordDropped uint64 `json:"record_dropped"`
	Emitted       uint64 `json:"emitted"`
	Delivered     uint64 `json:"delivered"`
	Playbacks     uint64 `json:"playbacks"`
	QueueLen      int    `json:"queue_len"`
	QueueCap      int    `json:"queue_cap"`
	RecordLen     int    `json:"record_len"`
	RecordCap     int    `json:"record_cap"`
	SlotFull      bool   `json:"slot_full"`
	State         State  `json:"state"`
}

// Stats returns current counters. Safe to call from any goroutine. Emitted
// is loaded before Delivered so Emitted-Delivered never exceeds one.
func (e *Engine) Stats() Stats {
	return Stats{
		Fed:           e.stats.fed.Load(),
		Tokens:        e.stats.tokens.Load(),
		QueueDropped:  e.stats.queueDropped.Load(),
		RecordDropped: e.stats.recordDropped.Load(),
		Emitted:       e.stats.emitted.Load(),
		Delivered:     e.stats.delivered.Load(),
		Playbacks:     e.stats.playbacks.Load(),
		QueueLen:      e.queue.Len(),
		QueueCap:      e.queue.Cap(),
		RecordLen:     int(e.recordLen.Load()),
		RecordCap:     e.record.Cap(),
		SlotFull:      e.mailbox.Pending(),
		State:         unpackState(e.published.Load()),
	}
}

func (s Stats) String() string {
	return fmt.Sprintf("fed=%d tokens=%d dropped=%d delivered=%d queue=%d/%d",
		s.Fed, s.Tokens, s.QueueDropped, s.Delivered, s.QueueLen, s.QueueCap)
}
