package rspc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// ContextPolicy decides how often the context function runs for a batch.
type ContextPolicy string

const (
	// ContextPerRequest builds a fresh context for every batch entry.
	ContextPerRequest ContextPolicy = "per-request"
	// ContextPerBatch builds one context shared by all entries of a batch.
	ContextPerBatch ContextPolicy = "per-batch"
)

// ExecuteOptions configures how a Router dispatches requests.
type ExecuteOptions struct {
	Logger        *slog.Logger
	ContextPolicy ContextPolicy
	Observer      RequestObserver
}

// WithOptions returns a router sharing r's procedures that dispatches with
// opts.
func (r *Router[TCtx]) WithOptions(opts ExecuteOptions) *Router[TCtx] {
	cp := *r
	cp.options = opts
	return &cp
}

func (r *Router[TCtx]) logger() *slog.Logger {
	if r.options.Logger != nil {
		return r.options.Logger
	}
	return slog.Default()
}

func (r *Router[TCtx]) observer() RequestObserver {
	if r.options.Observer != nil {
		return r.options.Observer
	}
	return nopObserver{}
}

// Execute runs a query or mutation and returns its response. Exactly the
// first item of the procedure's sequence is used; the rest is discarded.
// The response always carries the request's ID.
func (r *Router[TCtx]) Execute(ctx context.Context, c TCtx, req Request) Response {
	meta := RequestMeta{Key: req.Path}
	if kind, ok := req.procedureKind(); ok {
		meta.Kind = kind
	}
	obs := r.observer()
	ctx = obs.BeforeRequest(ctx, meta)
	start := time.Now()
	resp := r.execute(ctx, c, req)
	obs.AfterRequest(ctx, meta, resp, time.Since(start))
	return resp
}

func (r *Router[TCtx]) execute(ctx context.Context, c TCtx, req Request) Response {
	if err := req.validate(); err != nil {
		return r.fail(ctx, req, err)
	}
	kind, _ := req.procedureKind()
	if kind != KindQuery && kind != KindMutation {
		return r.fail(ctx, req, NewError(CodeMethodNotSupported, fmt.Sprintf("%s requests are not supported here", req.Kind)))
	}
	seq, err := r.Invoke(ctx, c, kind, req.Path, req.Input)
	if err != nil {
		return r.fail(ctx, req, err)
	}
	v, err := First(ctx, seq)
	if err != nil {
		return r.fail(ctx, req, err)
	}
	return valueResponse(req.ID, v)
}

// fail builds the error response for req. Internal errors are logged with
// their cause, which never reaches the client.
func (r *Router[TCtx]) fail(ctx context.Context, req Request, err error) Response {
	e := AsError(err)
	if e.IsInternal() {
		r.logger().ErrorContext(ctx, "internal error",
			"kind", req.Kind,
			"path", req.Path,
			"id", req.ID,
			"error", err,
		)
	}
	return errorResponse(req.ID, e)
}

// ExecuteBatch executes reqs in order and returns their responses in the
// same order. ctxFn supplies the application context according to the
// router's ContextPolicy. An entry that panics is logged and left out of
// the result; it never affects the other entries.
func (r *Router[TCtx]) ExecuteBatch(ctx context.Context, ctxFn func() (TCtx, error), reqs []Request) []Response {
	ctxFn = r.batchContext(ctxFn)

	out := make([]Response, 0, len(reqs))
	for _, req := range reqs {
		if resp, ok := r.executeIsolated(ctx, ctxFn, req); ok {
			out = append(out, resp)
		}
	}
	return out
}

// batchContext returns the context function for the entries of one batch.
// Under ContextPerBatch the first call runs ctxFn and later calls share its
// result.
func (r *Router[TCtx]) batchContext(ctxFn func() (TCtx, error)) func() (TCtx, error) {
	if r.options.ContextPolicy != ContextPerBatch {
		return ctxFn
	}
	return sync.OnceValues(ctxFn)
}

func (r *Router[TCtx]) executeIsolated(ctx context.Context, ctxFn func() (TCtx, error), req Request) (resp Response, ok bool) {
	defer func() {
		if p := recover(); p != nil {
			r.logger().ErrorContext(ctx, "panic in batch entry",
				"kind", req.Kind,
				"path", req.Path,
				"id", req.ID,
				"panic", p,
				"stack", string(debug.Stack()),
			)
			ok = false
		}
	}()

	c, err := ctxFn()
	if err != nil {
		return r.fail(ctx, req, contextError(err)), true
	}
	return r.Execute(ctx, c, req), true
}

// contextError classifies a failure of the transport's context function.
// Coded errors such as unauthorized pass through.
func contextError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return ErrInternal(fmt.Errorf("create request context: %w", err))
}
