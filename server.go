package rspc

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/tramston/rspc/internal/ratelimit"
)

// ContextFunc builds the application context for a request. For WebSocket
// connections r is the upgrade request and ctx carries the Conn.
type ContextFunc[TCtx any] func(ctx context.Context, r *http.Request) (TCtx, error)

// ConnectHook is called when a new connection is established.
// Return an error to reject the connection.
type ConnectHook func(ctx context.Context, conn *Conn) error

// DisconnectHook is called when a connection is closed.
type DisconnectHook func(ctx context.Context, conn *Conn)

// Server exposes a Router over HTTP and WebSocket.
type Server[TCtx any] struct {
	router   *Router[TCtx]
	ctxFn    ContextFunc[TCtx]
	upgrader websocket.Upgrader
	options  ServerOptions
	logger   *slog.Logger
	metrics  *Metrics
	limiter  *ratelimit.Limiter

	conns           map[*Conn]struct{}
	mu              sync.RWMutex
	connWg          sync.WaitGroup
	stopping        atomic.Bool
	connectHooks    []ConnectHook
	disconnectHooks []DisconnectHook

	sseStreams map[string]*sseTransport
	sseMu      sync.Mutex
}

// NewServer creates a server dispatching to router. ctxFn builds the
// context handed to the outermost layer of every procedure.
// An optional ServerOptions can be passed to configure server behavior.
func NewServer[TCtx any](router *Router[TCtx], ctxFn ContextFunc[TCtx], opts ...ServerOptions) *Server[TCtx] {
	var opt ServerOptions
	if len(opts) > 0 {
		opt = opts[0]
	}
	options := mergeOptions(opt)

	s := &Server[TCtx]{
		ctxFn: ctxFn,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins by default
			},
		},
		options: options,
		logger:  options.Logger,
		limiter: ratelimit.New(options.RateLimit.RPS, options.RateLimit.Burst, 0),
		conns:   make(map[*Conn]struct{}),

		sseStreams: make(map[string]*sseTransport),
	}
	if options.Registerer != nil {
		s.metrics = NewMetrics(options.Registerer)
		if s.limiter != nil {
			s.metrics.watchRateLimiter(s.limiter.Len)
		}
	}

	exec := ExecuteOptions{
		Logger:        options.Logger,
		ContextPolicy: options.ContextPolicy,
	}
	if s.metrics != nil {
		exec.Observer = s.metrics
	}
	s.router = router.WithOptions(exec)
	return s
}

// Router returns the server's router.
func (s *Server[TCtx]) Router() *Router[TCtx] {
	return s.router
}

// Options returns the effective options after defaults were applied.
func (s *Server[TCtx]) Options() ServerOptions {
	return s.options
}

// OnConnect registers a hook to be called when a new connection is established.
// Hooks are called in the order they are registered.
// If a hook returns an error, the connection is rejected and subsequent hooks are not called.
func (s *Server[TCtx]) OnConnect(hook ConnectHook) {
	s.connectHooks = append(s.connectHooks, hook)
}

// OnDisconnect registers a hook to be called when a connection is closed.
// Hooks are called in the order they are registered.
func (s *Server[TCtx]) OnDisconnect(hook DisconnectHook) {
	s.disconnectHooks = append(s.disconnectHooks, hook)
}

// SetCheckOrigin sets the origin check function for the WebSocket upgrader.
func (s *Server[TCtx]) SetCheckOrigin(f func(r *http.Request) bool) {
	s.upgrader.CheckOrigin = f
}

// runConnectHooks executes all connect hooks in order.
// Returns the first error encountered, or nil if all hooks succeed.
func (s *Server[TCtx]) runConnectHooks(ctx context.Context, conn *Conn) error {
	for _, hook := range s.connectHooks {
		if err := hook(ctx, conn); err != nil {
			return err
		}
	}
	return nil
}

// runDisconnectHooks executes all disconnect hooks in order.
func (s *Server[TCtx]) runDisconnectHooks(conn *Conn) {
	for _, hook := range s.disconnectHooks {
		hook(conn.ctx, conn)
	}
}

func (s *Server[TCtx]) subscriptionObserver() SubscriptionObserver {
	if s.metrics != nil {
		return s.metrics
	}
	return nopObserver{}
}

// ConnectionCount returns the number of active connections.
func (s *Server[TCtx]) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func (s *Server[TCtx]) register(conn *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping.Load() {
		return false
	}
	s.conns[conn] = struct{}{}
	s.connWg.Add(1)
	s.metrics.connectionOpened()
	return true
}

func (s *Server[TCtx]) unregister(conn *Conn) {
	s.mu.Lock()
	_, existed := s.conns[conn]
	delete(s.conns, conn)
	s.mu.Unlock()

	if existed {
		s.runDisconnectHooks(conn)
		s.metrics.connectionClosed()
		conn.cancel()
		s.connWg.Done()
	}
}

// handleConn registers conn, runs it and cleans up after it.
func (s *Server[TCtx]) handleConn(conn *Conn) {
	if err := s.runConnectHooks(conn.ctx, conn); err != nil {
		s.logger.Info("connection rejected", "conn_id", conn.id, "remote_addr", conn.remoteAddr, "error", err)
		conn.Close()
		return
	}
	if !s.register(conn) {
		conn.Close()
		return
	}
	defer s.unregister(conn)

	s.logger.Debug("connection opened", "conn_id", conn.id, "remote_addr", conn.remoteAddr)
	if err := s.serve(conn); err != nil {
		s.logger.Info("connection ended with error", "conn_id", conn.id, "error", err)
		return
	}
	s.logger.Debug("connection closed", "conn_id", conn.id)
}

// Shutdown stops accepting connections, closes the open ones and waits
// for them to finish or for ctx to end.
func (s *Server[TCtx]) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopping.Store(true)
	conns := make([]*Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}

	done := make(chan struct{})
	go func() {
		s.connWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
