package rspc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/semaphore"
)

// subscription is one running stream on a connection.
type subscription struct {
	id     RequestID
	meta   RequestMeta
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	stopped   bool
	exhausted bool

	releaseOnce sync.Once
}

// stop cancels the stream. Once stop returns, no further response for the
// subscription can be enqueued.
func (s *subscription) stop() {
	s.cancel()
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

// isExhausted reports whether the stream has ended. Its entry is stale and
// the id may be reused before the entry is reaped.
func (s *subscription) isExhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exhausted
}

type muxOptions struct {
	maxSubscriptions int
	emitCompletion   bool
	logger           *slog.Logger
	observer         SubscriptionObserver
}

// multiplexer runs the subscriptions of one connection. Its table is owned
// by the connection's serve loop: handle, reap and teardown must only be
// called from that loop.
type multiplexer[TCtx any] struct {
	router *Router[TCtx]
	opts   muxOptions

	out      chan<- Response
	closed   <-chan struct{}
	finished chan *subscription
	limit    *semaphore.Weighted

	subs map[string]*subscription
	wg   sync.WaitGroup
}

func newMultiplexer[TCtx any](router *Router[TCtx], out chan<- Response, closed <-chan struct{}, opts muxOptions) *multiplexer[TCtx] {
	if opts.logger == nil {
		opts.logger = slog.Default()
	}
	if opts.observer == nil {
		opts.observer = nopObserver{}
	}
	m := &multiplexer[TCtx]{
		router:   router,
		opts:     opts,
		out:      out,
		closed:   closed,
		finished: make(chan *subscription),
		subs:     make(map[string]*subscription),
	}
	if opts.maxSubscriptions > 0 {
		m.limit = semaphore.NewWeighted(int64(opts.maxSubscriptions))
	}
	return m
}

// Finished delivers subscriptions whose stream ran to completion. The serve
// loop passes them to reap.
func (m *multiplexer[TCtx]) Finished() <-chan *subscription {
	return m.finished
}

// Active returns the number of subscriptions in the table.
func (m *multiplexer[TCtx]) Active() int {
	return len(m.subs)
}

// handle processes one inbound request. Queries and mutations run to
// completion before handle returns; subscriptions are started or stopped.
func (m *multiplexer[TCtx]) handle(ctx context.Context, ctxFn func() (TCtx, error), req Request) {
	if err := req.validate(); err != nil {
		m.enqueue(ctx, errorResponse(req.ID, AsError(err)))
		return
	}
	switch req.Kind {
	case RequestSubscriptionStop:
		m.stop(req.ID)
		return
	}

	c, err := ctxFn()
	if err != nil {
		m.enqueue(ctx, m.router.fail(ctx, req, contextError(err)))
		return
	}
	switch req.Kind {
	case RequestQuery, RequestMutation:
		m.enqueue(ctx, m.router.Execute(ctx, c, req))
	case RequestSubscriptionStart:
		m.start(ctx, c, req)
	}
}

func (m *multiplexer[TCtx]) start(ctx context.Context, c TCtx, req Request) {
	key := req.ID.Key()
	if old, exists := m.subs[key]; exists {
		if !old.isExhausted() {
			m.enqueue(ctx, errorResponse(req.ID, NewError(CodeDuplicateSubscription,
				fmt.Sprintf("subscription %s is already active", key))))
			return
		}
		m.reap(old)
	}
	if m.limit != nil && !m.limit.TryAcquire(1) {
		m.enqueue(ctx, errorResponse(req.ID, NewError(CodeTooManySubscriptions,
			fmt.Sprintf("at most %d subscriptions per connection", m.opts.maxSubscriptions))))
		return
	}

	meta := RequestMeta{Kind: KindSubscription, Key: req.Path}
	subCtx, cancel := context.WithCancel(ctx)
	seq, err := m.router.Invoke(subCtx, c, KindSubscription, req.Path, req.Input)
	if err != nil {
		cancel()
		if m.limit != nil {
			m.limit.Release(1)
		}
		m.enqueue(ctx, m.router.fail(ctx, req, err))
		return
	}

	sub := &subscription{
		id:     req.ID,
		meta:   meta,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.subs[key] = sub
	m.opts.observer.SubscriptionStarted(meta)
	m.opts.logger.DebugContext(ctx, "subscription started", "id", req.ID, "path", req.Path)

	m.wg.Add(1)
	go m.run(subCtx, sub, seq)
}

// run forwards the items of seq as events until the sequence ends or the
// subscription is stopped, then reports the subscription as finished.
func (m *multiplexer[TCtx]) run(ctx context.Context, sub *subscription, seq Sequence) {
	defer m.wg.Done()
	defer close(sub.done)
	defer m.release(sub)
	defer m.opts.observer.SubscriptionEnded(sub.meta)
	defer seq.Close()

	if !m.consume(ctx, sub, seq) {
		return
	}
	select {
	case m.finished <- sub:
	case <-ctx.Done():
	case <-m.closed:
	}
}

// consume reports whether the sequence ran to its end. A panic raised while
// pulling ends the subscription with an internal error.
func (m *multiplexer[TCtx]) consume(ctx context.Context, sub *subscription, seq Sequence) (exhausted bool) {
	defer func() {
		if p := recover(); p != nil {
			m.opts.logger.ErrorContext(ctx, "panic in subscription",
				"id", sub.id,
				"path", sub.meta.Key,
				"panic", p,
				"stack", string(debug.Stack()),
			)
			exhausted = m.emitFinal(ctx, sub, errorResponse(sub.id, panicError(p)))
		}
	}()

	for {
		v, err := seq.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			e := AsError(err)
			if e.IsInternal() {
				m.opts.logger.ErrorContext(ctx, "internal error in subscription",
					"id", sub.id,
					"path", sub.meta.Key,
					"error", err,
				)
			}
			if !m.emit(ctx, sub, errorResponse(sub.id, e)) {
				return false
			}
			continue
		}
		if !m.emit(ctx, sub, eventResponse(sub.id, v)) {
			return false
		}
		m.opts.observer.SubscriptionEvent(sub.meta)
	}

	if m.opts.emitCompletion {
		return m.emitFinal(ctx, sub, completeResponse(sub.id))
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	sub.exhausted = !sub.stopped
	return sub.exhausted
}

// emit enqueues resp unless the subscription was stopped. It blocks while
// the outbound queue is full.
func (m *multiplexer[TCtx]) emit(ctx context.Context, sub *subscription, resp Response) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.stopped {
		return false
	}
	return m.enqueue(ctx, resp)
}

// emitFinal enqueues the last response of a stream. The subscription is
// marked exhausted first, so a client reacting to resp can reuse the id.
func (m *multiplexer[TCtx]) emitFinal(ctx context.Context, sub *subscription, resp Response) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.stopped {
		return false
	}
	sub.exhausted = true
	return m.enqueue(ctx, resp)
}

// enqueue places resp on the outbound queue, waiting for space.
func (m *multiplexer[TCtx]) enqueue(ctx context.Context, resp Response) bool {
	select {
	case m.out <- resp:
		return true
	case <-ctx.Done():
		return false
	case <-m.closed:
		return false
	}
}

// release frees the subscription's slot. It runs once per subscription,
// whichever of stop, reap or the consumer's exit comes first.
func (m *multiplexer[TCtx]) release(sub *subscription) {
	if m.limit == nil {
		return
	}
	sub.releaseOnce.Do(func() { m.limit.Release(1) })
}

// stop cancels and removes the subscription with the given id. Unknown ids
// are ignored.
func (m *multiplexer[TCtx]) stop(id RequestID) {
	key := id.Key()
	sub, ok := m.subs[key]
	if !ok {
		return
	}
	sub.stop()
	delete(m.subs, key)
	m.release(sub)
	m.opts.logger.Debug("subscription stopped", "id", id, "path", sub.meta.Key)
}

// reap removes a subscription whose stream has ended.
func (m *multiplexer[TCtx]) reap(sub *subscription) {
	key := sub.id.Key()
	if m.subs[key] == sub {
		delete(m.subs, key)
	}
	m.release(sub)
}

// teardown stops every subscription and waits for their goroutines.
func (m *multiplexer[TCtx]) teardown() {
	for key, sub := range m.subs {
		sub.stop()
		delete(m.subs, key)
		m.release(sub)
	}
	m.wg.Wait()
}
