package rspc

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tramston/rspc/internal/ratelimit"
)

// Conn represents a single persistent connection.
type Conn struct {
	id         string
	remoteAddr string
	limitKey   string
	request    *http.Request
	transport  transport
	ctx        context.Context
	cancel     context.CancelFunc
	closeOnce  sync.Once
}

func newConn(t transport, r *http.Request, parent context.Context) *Conn {
	c := &Conn{
		id:        uuid.NewString(),
		request:   r,
		transport: t,
	}
	if r != nil {
		c.remoteAddr = r.RemoteAddr
		c.limitKey = ratelimit.ClientKey(r)
	}
	c.ctx, c.cancel = context.WithCancel(withConnection(parent, c))
	return c
}

// ID returns the unique identifier of the connection.
func (c *Conn) ID() string {
	return c.id
}

// RemoteAddr returns the network address of the client.
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

// Request returns the HTTP request that opened the connection.
func (c *Conn) Request() *http.Request {
	return c.request
}

// Context returns the connection's context. It is canceled when the
// connection closes.
func (c *Conn) Context() context.Context {
	return c.ctx
}

// Close closes the connection, notifying the client first.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.transport.CloseGracefully()
		c.cancel()
	})
	return err
}

// session holds the per-connection state of a running connection.
type session[TCtx any] struct {
	server *Server[TCtx]
	conn   *Conn
	out    chan Response
	mux    *multiplexer[TCtx]
}

// serve runs the connection until the client goes away or the connection
// is closed. Inbound frames are handled in receive order by one loop; a
// separate writer drains the outbound queue.
func (s *Server[TCtx]) serve(c *Conn) error {
	g, ctx := errgroup.WithContext(c.ctx)
	out := make(chan Response, s.options.SendQueueSize)
	sess := &session[TCtx]{
		server: s,
		conn:   c,
		out:    out,
		mux: newMultiplexer(s.router, out, ctx.Done(), muxOptions{
			maxSubscriptions: s.options.MaxSubscriptions,
			emitCompletion:   s.options.EmitCompletion,
			logger:           s.logger.With("conn_id", c.id),
			observer:         s.subscriptionObserver(),
		}),
	}
	inbound := make(chan []byte)

	g.Go(func() error {
		for {
			data, err := c.transport.ReadFrame()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			select {
			case inbound <- data:
			case <-ctx.Done():
				return nil
			}
		}
	})
	g.Go(func() error {
		return sess.writeLoop(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		c.transport.Close()
		return nil
	})
	if s.options.HeartbeatInterval > 0 {
		g.Go(func() error {
			return sess.heartbeat(ctx, s.options.HeartbeatInterval)
		})
	}
	g.Go(func() error {
		defer sess.mux.teardown()
		return sess.serveLoop(ctx, inbound)
	})

	err := g.Wait()
	if errors.Is(err, errTransportClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// serveLoop owns the subscription table. Subscriptions that finished are
// reaped before the next inbound frame is taken.
func (sess *session[TCtx]) serveLoop(ctx context.Context, inbound <-chan []byte) error {
	for {
		select {
		case sub := <-sess.mux.Finished():
			sess.mux.reap(sub)
			continue
		default:
		}

		select {
		case sub := <-sess.mux.Finished():
			sess.mux.reap(sub)
		case data := <-inbound:
			sess.handleFrame(ctx, data)
		case <-ctx.Done():
			return nil
		}
	}
}

func (sess *session[TCtx]) handleFrame(ctx context.Context, data []byte) {
	s := sess.server
	reqs, err := decodeRequests(data)
	if err != nil {
		s.metrics.reject("parse_error")
		s.logger.DebugContext(ctx, "invalid frame", "conn_id", sess.conn.id, "error", err)
		sess.mux.enqueue(ctx, errorResponse(NullID(), NewError(CodeParseError, "invalid JSON")))
		return
	}
	if !s.limiter.AllowN(sess.conn.limitKey, len(reqs), time.Now()) {
		s.metrics.reject("rate_limit")
		for _, req := range reqs {
			sess.mux.enqueue(ctx, errorResponse(req.ID, NewError(CodeTooManyRequests, "rate limit exceeded")))
		}
		return
	}

	ctxFn := s.router.batchContext(func() (TCtx, error) {
		return s.ctxFn(ctx, sess.conn.request)
	})
	for _, req := range reqs {
		sess.dispatch(ctx, ctxFn, req)
	}
}

// dispatch hands one request to the multiplexer. A panic in a query or
// mutation answers the request with an internal error.
func (sess *session[TCtx]) dispatch(ctx context.Context, ctxFn func() (TCtx, error), req Request) {
	defer func() {
		if p := recover(); p != nil {
			sess.server.logger.ErrorContext(ctx, "panic while handling request",
				"conn_id", sess.conn.id,
				"kind", req.Kind,
				"path", req.Path,
				"id", req.ID,
				"panic", p,
			)
			sess.mux.enqueue(ctx, errorResponse(req.ID, panicError(p)))
		}
	}()
	sess.mux.handle(ctx, ctxFn, req)
}

func (sess *session[TCtx]) writeLoop(ctx context.Context) error {
	for {
		select {
		case resp := <-sess.out:
			data, err := json.Marshal(resp)
			if err != nil {
				sess.server.logger.ErrorContext(ctx, "encode response", "conn_id", sess.conn.id, "id", resp.ID, "error", err)
				continue
			}
			if err := sess.conn.transport.WriteFrame(data); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (sess *session[TCtx]) heartbeat(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := sess.conn.transport.Ping(); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}
