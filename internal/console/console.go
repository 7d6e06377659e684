// Package console turns engine output units into terminal output.
//
// Characters go to the output stream, backspace erases the previous cell
// and command bytes become bracketed markers on the diagnostic stream.
// ESC ends the session.
package console

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"keyrelay/internal/ipc"
	"keyrelay/internal/scancode"
)

// Erase overwrites the cell left of the cursor.
const Erase = "\b \b"

// Markers printed for command bytes.
var markers = map[byte]string{
	scancode.ByteRecordStart: "[record start]",
	scancode.BytePlayback:    "[playback]",
	scancode.ByteFlatten:     "[flatten on]",
	scancode.ByteReverse:     "[reverse+flatten]",
}

// Marker returns the text shown for a command byte.
func Marker(b byte) (string, bool) {
	m, ok := markers[b]
	return m, ok
}

// UnitSource hands out one unit per call. *ipc.IPCClient satisfies it.
type UnitSource interface {
	NextUnit(ctx context.Context) (ipc.Unit, error)
}

// Notifier is told about every command marker.
type Notifier interface {
	Notify(ctx context.Context, summary, body string) error
}

// Renderer writes units to a terminal.
type Renderer struct {
	out      io.Writer
	diag     io.Writer
	notifier Notifier
	logger   *slog.Logger

	units uint64
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithNotifier forwards markers to n.
func WithNotifier(n Notifier) Option {
	return func(r *Renderer) { r.notifier = n }
}

// WithLogger sets the logger for notifier failures.
func WithLogger(l *slog.Logger) Option {
	return func(r *Renderer) { r.logger = l }
}

// NewRenderer writes characters to out and markers to diag.
func NewRenderer(out, diag io.Writer, opts ...Option) *Renderer {
	r := &Renderer{out: out, diag: diag, logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Units returns how many units were rendered.
func (r *Renderer) Units() uint64 {
	return r.units
}

// Render handles one unit. It returns stop=true for ESC, which is not
// written.
func (r *Renderer) Render(ctx context.Context, b byte) (stop bool, err error) {
	switch b {
	case scancode.Escape:
		return true, nil
	case scancode.Backspace:
		_, err = io.WriteString(r.out, Erase)
	default:
		if m, ok := markers[b]; ok {
			_, err = fmt.Fprintln(r.diag, m)
			r.notify(ctx, m)
		} else {
			_, err = r.out.Write([]byte{b})
		}
	}
	if err == nil {
		r.units++
	}
	return false, err
}

func (r *Renderer) notify(ctx context.Context, marker string) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.Notify(ctx, "keyrelay", marker); err != nil {
		r.logger.Warn("notification failed", slog.String("error", err.Error()))
	}
}

// Run pulls units from src until ESC arrives, ctx ends or src fails.
// ESC returns nil.
func (r *Renderer) Run(ctx context.Context, src UnitSource) error {
	for {
		u, err := src.NextUnit(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("next unit: %w", err)
		}
		stop, err := r.Render(ctx, u.Value)
		if err != nil {
			return fmt.Errorf("render: %w", err)
		}
		if stop {
			return nil
		}
	}
}
