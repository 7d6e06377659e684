package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"keyrelay/internal/engine"
)

// Common errors
var (
	ErrNotConnected     = errors.New("not connected to daemon")
	ErrConnectionLost   = errors.New("connection to daemon lost")
	ErrTimeout          = errors.New("request timeout")
	ErrDaemonNotRunning = errors.New("daemon is not running")
)

// abandonWait bounds how long an abandoned request waits for its final frame.
const abandonWait = 2 * time.Second

// RemoteError is an ErrorResponse returned by the daemon. It unwraps to
// the matching local sentinel so callers can use errors.Is.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("daemon error %d: %s", e.Code, e.Message)
}

func (e *RemoteError) Unwrap() error {
	switch e.Code {
	case ErrCodeConsumerBusy:
		return ErrConsumerBusy
	case ErrCodeInterrupted:
		return engine.ErrInterrupted
	case ErrCodeClosed:
		return engine.ErrClosed
	default:
		return nil
	}
}

func remoteError(msg *Message) error {
	var er ErrorResponse
	if err := Decode(msg.Payload, &er); err != nil {
		return fmt.Errorf("decode error response: %w", err)
	}
	return &RemoteError{Code: er.Code, Message: er.Message}
}

// IPCClient is the client for communicating with the keyrelay daemon
type IPCClient struct {
	mu         sync.RWMutex
	conn       net.Conn
	socketPath string
	clientID   string
	version    string

	connected atomic.Bool

	// Request handling
	pending   map[uint32]chan *Message
	pendingMu sync.Mutex
	nextReqID atomic.Uint32

	// units that arrived after their request was abandoned
	stashMu sync.Mutex
	stash   []Unit

	// one NextUnit at a time, so a stashed unit cannot be overtaken
	nextTurn chan struct{}

	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	config ClientConfig
	logger *slog.Logger
}

// ClientConfig configures the IPC client
type ClientConfig struct {
	SocketPath     string
	ClientName     string
	ClientVersion  string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// DefaultClientConfig returns sensible defaults
func DefaultClientConfig(runtimeDir string) ClientConfig {
	return ClientConfig{
		SocketPath:     filepath.Join(runtimeDir, "keyrelay.sock"),
		ClientName:     "keyrelayctl",
		ClientVersion:  "1.0.0",
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// NewClient creates a new IPC client
func NewClient(cfg ClientConfig) *IPCClient {
	ctx, cancel := context.WithCancel(context.Background())
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &IPCClient{
		socketPath: cfg.SocketPath,
		pending:    make(map[uint32]chan *Message),
		nextTurn:   make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
		config:     cfg,
		logger:     logger,
	}
}

// Connect dials the daemon and performs the handshake.
func (c *IPCClient) Connect() error {
	c.mu.Lock()
	if c.connected.Load() {
		c.mu.Unlock()
		return nil
	}

	dialer := net.Dialer{Timeout: c.config.ConnectTimeout}
	conn, err := dialer.Dial("unix", c.socketPath)
	if err != nil {
		c.mu.Unlock()
		if errors.Is(err, os.ErrNotExist) {
			return ErrDaemonNotRunning
		}
		return fmt.Errorf("connect: %w", err)
	}

	c.conn = conn
	c.connected.Store(true)
	c.mu.Unlock()

	c.wg.Add(1)
	go c.readLoop(conn)

	if err := c.handshake(); err != nil {
		c.close()
		return fmt.Errorf("handshake: %w", err)
	}
	return nil
}

// Close closes the connection to the daemon
func (c *IPCClient) Close() error {
	c.cancel()
	c.close()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
	return nil
}

// close drops the connection and fails every pending request
func (c *IPCClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected.Store(false)

	c.pendingMu.Lock()
	for _, ch := range c.pending {
		close(ch)
	}
	c.pending = make(map[uint32]chan *Message)
	c.pendingMu.Unlock()
}

// IsConnected returns whether the client is connected
func (c *IPCClient) IsConnected() bool {
	return c.connected.Load()
}

// ClientID returns the ID assigned by the server
func (c *IPCClient) ClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientID
}

// ServerVersion returns the daemon version reported in the handshake
func (c *IPCClient) ServerVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

func (c *IPCClient) handshake() error {
	ctx, cancel := context.WithTimeout(c.ctx, c.config.RequestTimeout)
	defer cancel()

	resp, err := c.request(ctx, MsgHandshake, &HandshakeRequest{
		ClientVersion:   c.config.ClientVersion,
		ClientName:      c.config.ClientName,
		ProtocolVersion: ProtocolVersion,
	})
	if err != nil {
		return err
	}
	if resp.Header.Type == MsgError {
		return remoteError(resp)
	}
	if resp.Header.Type != MsgHandshakeAck {
		return fmt.Errorf("unexpected response type: %s", resp.Header.Type)
	}

	var ack HandshakeResponse
	if err := Decode(resp.Payload, &ack); err != nil {
		return err
	}

	c.mu.Lock()
	c.clientID = ack.ClientID
	c.version = ack.ServerVersion
	c.mu.Unlock()
	return nil
}

func (c *IPCClient) write(msg *Message) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return msg.Write(conn)
}

// request sends a request and waits for its response or ctx. An abandoned
// request is cancelled on the server.
func (c *IPCClient) request(ctx context.Context, msgType MessageType, payload any) (*Message, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}

	var data []byte
	if payload != nil {
		var err error
		if data, err = Encode(payload); err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
	}

	reqID := c.nextReqID.Add(1)
	respChan := make(chan *Message, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = respChan
	c.pendingMu.Unlock()

	if err := c.write(NewMessage(msgType, reqID, data)); err != nil {
		c.forget(reqID)
		c.close()
		return nil, fmt.Errorf("write message: %w", err)
	}

	select {
	case resp, ok := <-respChan:
		c.forget(reqID)
		if !ok {
			return nil, ErrConnectionLost
		}
		return resp, nil
	case <-ctx.Done():
		c.abandon(reqID, respChan)
		return nil, ctxError(ctx, msgType)
	case <-c.ctx.Done():
		c.forget(reqID)
		return nil, ErrNotConnected
	}
}

func ctxError(ctx context.Context, msgType MessageType) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrTimeout, msgType)
	}
	return ctx.Err()
}

func (c *IPCClient) forget(reqID uint32) {
	c.pendingMu.Lock()
	delete(c.pending, reqID)
	c.pendingMu.Unlock()
}

// abandon tells the server to drop reqID, then waits for the request's final
// frame. The server answers a cancelled request with either the unit it had
// already handed over or an error, so a unit is stashed here before any
// later request can be answered.
func (c *IPCClient) abandon(reqID uint32, respChan chan *Message) {
	defer c.forget(reqID)

	if payload, err := Encode(&CancelRequest{RequestID: reqID}); err == nil {
		if err := c.write(NewMessage(MsgCancel, c.nextReqID.Add(1), payload)); err != nil {
			return
		}
	}

	timer := time.NewTimer(abandonWait)
	defer timer.Stop()
	select {
	case resp, ok := <-respChan:
		if ok {
			c.keep(resp)
		}
	case <-timer.C:
		c.logger.Warn("abandoned request not settled", slog.Uint64("request_id", uint64(reqID)))
	case <-c.ctx.Done():
	}
}

// keep stashes a unit response nobody is waiting for.
func (c *IPCClient) keep(msg *Message) {
	if msg.Header.Type != MsgUnit {
		return
	}
	var u Unit
	if err := Decode(msg.Payload, &u); err != nil {
		return
	}
	c.stashMu.Lock()
	c.stash = append(c.stash, u)
	c.stashMu.Unlock()
}

func (c *IPCClient) popStash() (Unit, bool) {
	c.stashMu.Lock()
	defer c.stashMu.Unlock()
	if len(c.stash) == 0 {
		return Unit{}, false
	}
	u := c.stash[0]
	c.stash = c.stash[1:]
	return u, true
}

func (c *IPCClient) readLoop(conn net.Conn) {
	defer c.wg.Done()

	for {
		msg, err := ReadMessage(conn)
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Debug("connection closed", slog.String("error", err.Error()))
			}
			c.close()
			return
		}
		c.handleMessage(msg)
	}
}

func (c *IPCClient) handleMessage(msg *Message) {
	if msg.Header.Type == MsgPing {
		// server keepalive
		c.write(NewMessage(MsgPong, msg.Header.RequestID, nil))
		return
	}
	c.deliver(msg)
}

func (c *IPCClient) deliver(msg *Message) {
	c.pendingMu.Lock()
	ch, ok := c.pending[msg.Header.RequestID]
	if ok {
		select {
		case ch <- msg:
		default:
		}
	}
	c.pendingMu.Unlock()

	if !ok {
		c.keep(msg)
	}
}

// High-level API methods

// NextUnit blocks until the daemon hands over the next unit of output.
// Calls are served one at a time. Cancelling ctx abandons the request; a
// unit already in flight is kept and returned by the next call.
func (c *IPCClient) NextUnit(ctx context.Context) (Unit, error) {
	select {
	case c.nextTurn <- struct{}{}:
	case <-ctx.Done():
		return Unit{}, ctxError(ctx, MsgNextUnit)
	}
	defer func() { <-c.nextTurn }()

	if u, ok := c.popStash(); ok {
		return u, nil
	}

	resp, err := c.request(ctx, MsgNextUnit, nil)
	if err != nil {
		return Unit{}, err
	}
	switch resp.Header.Type {
	case MsgUnit:
		var u Unit
		if err := Decode(resp.Payload, &u); err != nil {
			return Unit{}, err
		}
		return u, nil
	case MsgError:
		return Unit{}, remoteError(resp)
	default:
		return Unit{}, fmt.Errorf("unexpected response: %s", resp.Header.Type)
	}
}

// Status requests the daemon status
func (c *IPCClient) Status(ctx context.Context) (*StatusResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	resp, err := c.request(ctx, MsgStatusRequest, &StatusRequest{})
	if err != nil {
		return nil, err
	}
	if resp.Header.Type == MsgError {
		return nil, remoteError(resp)
	}

	var status StatusResponse
	if err := Decode(resp.Payload, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Ping checks if the daemon is responsive and returns the round trip time.
func (c *IPCClient) Ping(ctx context.Context) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	resp, err := c.request(ctx, MsgPing, nil)
	if err != nil {
		return 0, err
	}
	if resp.Header.Type != MsgPong {
		return 0, fmt.Errorf("unexpected response: %s", resp.Header.Type)
	}
	return time.Since(start), nil
}
