package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"keyrelay/internal/security"
)

// Handler processes IPC messages. A handler may answer by returning a
// message, or by writing through client.Send itself and returning nil.
type Handler interface {
	HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error)
}

// HandlerFunc is a function that implements Handler
type HandlerFunc func(ctx context.Context, client *Client, msg *Message) (*Message, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	return f(ctx, client, msg)
}

// DisconnectObserver is implemented by handlers that track per-client state.
type DisconnectObserver interface {
	ClientDisconnected(client *Client)
}

// Server is the IPC server that manages client connections
type Server struct {
	mu         sync.RWMutex
	listener   net.Listener
	socketPath string
	handler    Handler
	clients    map[string]*Client
	version    string
	startedAt  time.Time
	cfg        ServerConfig
	logger     *slog.Logger
	limiter    *security.RateLimiter // nil when throttling is off

	// Shutdown coordination
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	nextRequestID atomic.Uint32
}

// Client represents a connected client
type Client struct {
	mu           sync.Mutex
	ID           string
	conn         net.Conn
	Version      string
	Name         string
	ConnectedAt  time.Time
	LastActivity time.Time

	writeMu      sync.Mutex
	writeTimeout time.Duration

	// in-flight handler requests, cancellable by MsgCancel
	inflight map[uint32]context.CancelFunc
	wg       sync.WaitGroup
}

// Send writes msg to the client. Writes are serialized per connection.
func (c *Client) Send(msg *Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return msg.Write(c.conn)
}

func (c *Client) track(reqID uint32, cancel context.CancelFunc) {
	c.mu.Lock()
	c.inflight[reqID] = cancel
	c.mu.Unlock()
}

func (c *Client) untrack(reqID uint32) {
	c.mu.Lock()
	delete(c.inflight, reqID)
	c.mu.Unlock()
}

func (c *Client) cancelRequest(reqID uint32) bool {
	c.mu.Lock()
	cancel, ok := c.inflight[reqID]
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// ServerConfig configures the IPC server
type ServerConfig struct {
	SocketPath      string        // Unix socket path
	Version         string        // Server version
	ReadTimeout     time.Duration // idle time before the server pings
	WriteTimeout    time.Duration
	MaxConnections  int
	RequireSameUser bool        // reject peers running as another uid
	SocketMode      os.FileMode // 0600 when zero
	AcceptRate      float64     // connections per second; 0 disables throttling
	AcceptBurst     int
	RejectBackoff   time.Duration // accepts pause this long after a foreign peer
	Logger          *slog.Logger
}

// DefaultServerConfig returns sensible defaults
func DefaultServerConfig(runtimeDir string) ServerConfig {
	return ServerConfig{
		SocketPath:      filepath.Join(runtimeDir, "keyrelay.sock"),
		Version:         "1.0.0",
		ReadTimeout:     60 * time.Second,
		WriteTimeout:    10 * time.Second,
		MaxConnections:  16,
		RequireSameUser: true,
		AcceptRate:      20,
		AcceptBurst:     8,
		RejectBackoff:   time.Second,
	}
}

// NewServer creates a new IPC server
func NewServer(cfg ServerConfig, handler Handler) (*Server, error) {
	if cfg.SocketPath == "" {
		return nil, errors.New("ipc: socket path required")
	}
	if handler == nil {
		return nil, errors.New("ipc: handler required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 16
	}
	if cfg.SocketMode == 0 {
		cfg.SocketMode = security.PermPrivateFile
	}
	var limiter *security.RateLimiter
	if cfg.AcceptRate > 0 {
		limiter = security.NewRateLimiter(cfg.AcceptRate, cfg.AcceptBurst)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath: cfg.SocketPath,
		handler:    handler,
		version:    cfg.Version,
		clients:    make(map[string]*Client),
		cfg:        cfg,
		limiter:    limiter,
		logger:     logger.With(slog.String("subsystem", "ipc")),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start begins listening for connections
func (s *Server) Start() error {
	socketDir := filepath.Dir(s.socketPath)
	if err := security.EnsurePrivateDir(socketDir); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	if IsSocketListening(s.socketPath) {
		return fmt.Errorf("socket %s already in use", s.socketPath)
	}
	if err := CleanupSocket(s.socketPath); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}

	if err := os.Chmod(s.socketPath, s.cfg.SocketMode); err != nil {
		listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	s.listener = listener
	s.startedAt = time.Now()
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info("ipc server listening", slog.String("socket", s.socketPath))
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for _, client := range s.clients {
		client.conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn("ipc server stop timed out")
	}

	os.Remove(s.socketPath)
	return nil
}

// SocketPath returns the socket path
func (s *Server) SocketPath() string {
	return s.socketPath
}

// StartedAt returns when the server started listening.
func (s *Server) StartedAt() time.Time {
	return s.startedAt
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", slog.String("error", err.Error()))
			continue
		}

		if s.limiter != nil && !s.limiter.Allow() {
			s.logger.Debug("connection throttled")
			NewErrorMessage(0, ErrCodeRateLimited, "too many connections").Write(conn)
			conn.Close()
			continue
		}

		if s.cfg.RequireSameUser {
			if ok, err := VerifyPeerIsCurrentUser(conn); err != nil || !ok {
				s.logger.Warn("rejected peer", slog.Any("error", err))
				NewErrorMessage(0, ErrCodePermission, "peer uid does not match daemon").Write(conn)
				conn.Close()
				if s.limiter != nil && s.cfg.RejectBackoff > 0 {
					s.limiter.Block(s.cfg.RejectBackoff)
				}
				continue
			}
		}

		s.mu.RLock()
		count := len(s.clients)
		s.mu.RUnlock()
		if count >= s.cfg.MaxConnections {
			conn.Close()
			continue
		}

		client := &Client{
			ID:           uuid.NewString(),
			conn:         conn,
			ConnectedAt:  time.Now(),
			LastActivity: time.Now(),
			writeTimeout: s.cfg.WriteTimeout,
			inflight:     make(map[uint32]context.CancelFunc),
		}

		s.mu.Lock()
		s.clients[client.ID] = client
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(client)
	}
}

// handleConnection reads frames until the peer goes away. Handler requests
// run concurrently so a blocking NextUnit does not stop the reader; when the
// reader exits, every in-flight request is cancelled.
func (s *Server) handleConnection(client *Client) {
	defer s.wg.Done()

	connCtx, cancel := context.WithCancel(s.ctx)
	defer func() {
		cancel()
		client.wg.Wait()
		s.mu.Lock()
		delete(s.clients, client.ID)
		s.mu.Unlock()
		if obs, ok := s.handler.(DisconnectObserver); ok {
			obs.ClientDisconnected(client)
		}
		client.conn.Close()
		s.logger.Debug("client disconnected", slog.String("client", client.ID))
	}()

	s.logger.Debug("client connected", slog.String("client", client.ID))

	for {
		if s.cfg.ReadTimeout > 0 {
			client.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}

		msg, err := ReadMessage(client.conn)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				s.sendPing(client)
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && connCtx.Err() == nil {
				s.logger.Debug("read failed", slog.String("client", client.ID), slog.String("error", err.Error()))
			}
			return
		}

		client.mu.Lock()
		client.LastActivity = time.Now()
		client.mu.Unlock()

		if !s.processControl(client, msg) {
			s.dispatch(connCtx, client, msg)
		}
	}
}

// processControl answers protocol-level messages inline. It reports false
// for messages that belong to the handler.
func (s *Server) processControl(client *Client, msg *Message) bool {
	var resp *Message
	switch msg.Header.Type {
	case MsgPing:
		resp = NewMessage(MsgPong, msg.Header.RequestID, nil)
	case MsgPong:
		return true
	case MsgHandshake:
		resp = s.handleHandshake(client, msg)
	case MsgCancel:
		var req CancelRequest
		if err := Decode(msg.Payload, &req); err == nil {
			client.cancelRequest(req.RequestID)
		}
		return true
	default:
		return false
	}
	if err := client.Send(resp); err != nil {
		client.conn.Close()
	}
	return true
}

func (s *Server) dispatch(connCtx context.Context, client *Client, msg *Message) {
	reqCtx, cancel := context.WithCancel(connCtx)
	client.track(msg.Header.RequestID, cancel)

	client.wg.Add(1)
	go func() {
		defer client.wg.Done()
		defer client.untrack(msg.Header.RequestID)
		defer cancel()

		resp, err := s.handler.HandleMessage(reqCtx, client, msg)
		if err != nil {
			resp = NewErrorMessage(msg.Header.RequestID, ErrCodeInternal, err.Error())
		}
		if resp == nil {
			return
		}
		if err := client.Send(resp); err != nil {
			client.conn.Close()
		}
	}()
}

func (s *Server) handleHandshake(client *Client, msg *Message) *Message {
	var req HandshakeRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrCodeInvalidRequest, "invalid handshake")
	}
	if req.ProtocolVersion > ProtocolVersion {
		return NewErrorMessage(msg.Header.RequestID, ErrCodeInvalidRequest,
			fmt.Sprintf("unsupported protocol version %d", req.ProtocolVersion))
	}

	client.mu.Lock()
	client.Version = req.ClientVersion
	client.Name = req.ClientName
	client.mu.Unlock()

	resp, err := NewResponse(MsgHandshakeAck, msg.Header.RequestID, &HandshakeResponse{
		ServerVersion:   s.version,
		ProtocolVersion: ProtocolVersion,
		ClientID:        client.ID,
	})
	if err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrCodeInternal, err.Error())
	}
	return resp
}

// sendPing keeps an idle connection alive
func (s *Server) sendPing(client *Client) {
	client.Send(NewMessage(MsgPing, s.nextRequestID.Add(1), nil))
}
