package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"keyrelay/internal/engine"
	"keyrelay/internal/scancode"
)

// ErrConsumerBusy is reported when a second consumer asks for output while
// another one is attached.
var ErrConsumerBusy = errors.New("another consumer is attached")

// Engine is the part of *engine.Engine the handler needs.
type Engine interface {
	Deliver(ctx context.Context, fn func(scancode.Token) error) error
	Stats() engine.Stats
}

// EngineHandler serves engine output to exactly one consumer at a time.
// The first client to ask for a unit becomes the consumer until it
// disconnects.
type EngineHandler struct {
	mu       sync.Mutex
	engine   Engine
	consumer string        // client ID, empty when detached
	turn     chan struct{} // held by the one request allowed to wait

	version     string
	startedAt   time.Time
	source      string
	sourceCount func() uint64
	logger      *slog.Logger
}

// EngineHandlerConfig configures an EngineHandler
type EngineHandlerConfig struct {
	Engine  Engine
	Version string

	// Source names the scancode source for status output and SourceCount,
	// if set, reports how many scancodes it has forwarded.
	Source      string
	SourceCount func() uint64

	Logger *slog.Logger
}

// NewEngineHandler creates a handler serving eng.
func NewEngineHandler(cfg EngineHandlerConfig) *EngineHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &EngineHandler{
		engine:      cfg.Engine,
		turn:        make(chan struct{}, 1),
		version:     cfg.Version,
		startedAt:   time.Now(),
		source:      cfg.Source,
		sourceCount: cfg.SourceCount,
		logger:      logger.With(slog.String("subsystem", "ipc")),
	}
}

// HandleMessage processes an IPC message
func (h *EngineHandler) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgStatusRequest:
		return h.handleStatus(msg)
	case MsgNextUnit:
		return h.handleNextUnit(ctx, client, msg)
	default:
		return NewErrorMessage(msg.Header.RequestID, ErrCodeInvalidRequest,
			fmt.Sprintf("unknown message type: %s", msg.Header.Type)), nil
	}
}

// ConsumerAttached reports whether a consumer currently owns the output.
func (h *EngineHandler) ConsumerAttached() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.consumer != ""
}

func (h *EngineHandler) handleStatus(msg *Message) (*Message, error) {
	resp := &StatusResponse{
		Version:          h.version,
		StartedAt:        h.startedAt,
		Uptime:           time.Since(h.startedAt),
		Source:           h.source,
		ConsumerAttached: h.ConsumerAttached(),
		Engine:           h.engine.Stats(),
	}
	if h.sourceCount != nil {
		resp.SourceCount = h.sourceCount()
	}
	return NewResponse(MsgStatusResponse, msg.Header.RequestID, resp)
}

// claim makes client the consumer and waits for its turn. Requests from
// the attached consumer queue behind each other; anyone else is refused.
func (h *EngineHandler) claim(ctx context.Context, client *Client) error {
	h.mu.Lock()
	if h.consumer != "" && h.consumer != client.ID {
		h.mu.Unlock()
		return ErrConsumerBusy
	}
	if h.consumer == "" {
		h.logger.Info("consumer attached", slog.String("client", client.ID), slog.String("name", client.Name))
	}
	h.consumer = client.ID
	h.mu.Unlock()

	select {
	case h.turn <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", engine.ErrInterrupted, ctx.Err())
	}
}

func (h *EngineHandler) release() {
	<-h.turn
}

// handleNextUnit blocks until the engine has output, then writes it. The
// unit is only consumed once the write succeeds.
func (h *EngineHandler) handleNextUnit(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	reqID := msg.Header.RequestID
	if err := h.claim(ctx, client); err != nil {
		code := ErrCodeConsumerBusy
		if errors.Is(err, engine.ErrInterrupted) {
			code = ErrCodeInterrupted
		}
		return NewErrorMessage(reqID, code, err.Error()), nil
	}
	defer h.release()

	var writeErr error
	err := h.engine.Deliver(ctx, func(tok scancode.Token) error {
		resp, err := NewResponse(MsgUnit, reqID, &Unit{Value: tok.Byte(), Kind: tok.Kind.String()})
		if err != nil {
			return err
		}
		writeErr = client.Send(resp)
		return writeErr
	})

	switch {
	case err == nil:
		return nil, nil
	case writeErr != nil:
		h.logger.Warn("unit write failed, token kept", slog.String("client", client.ID), slog.String("error", writeErr.Error()))
		client.conn.Close()
		return nil, nil
	case errors.Is(err, engine.ErrClosed):
		return NewErrorMessage(reqID, ErrCodeClosed, err.Error()), nil
	case errors.Is(err, engine.ErrInterrupted):
		return NewErrorMessage(reqID, ErrCodeInterrupted, err.Error()), nil
	default:
		return nil, err
	}
}

// ClientDisconnected detaches the consumer when its connection ends.
func (h *EngineHandler) ClientDisconnected(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.consumer == client.ID {
		h.consumer = ""
		h.logger.Info("consumer detached", slog.String("client", client.ID))
	}
}
