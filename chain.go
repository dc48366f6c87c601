package rspc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"slices"

	"github.com/go-json-experiment/json/jsontext"
)

// Layer is one step of a composed procedure. lctx is the application
// context for this layer; its dynamic type must match what the layer
// expects.
type Layer interface {
	Call(ctx context.Context, lctx any, input jsontext.Value, meta RequestMeta) (Sequence, error)
}

// LayerFunc adapts a function to the Layer interface.
type LayerFunc func(ctx context.Context, lctx any, input jsontext.Value, meta RequestMeta) (Sequence, error)

func (f LayerFunc) Call(ctx context.Context, lctx any, input jsontext.Value, meta RequestMeta) (Sequence, error) {
	return f(ctx, lctx, input, meta)
}

type middlewareFunc func(ctx context.Context, lctx any, mw MiddlewareContext) (outcome, error)

type outcome struct {
	ctx          any
	input        jsontext.Value
	resp         RespHandler
	respond      bool
	value        jsontext.Value
	recoverInner bool
}

// Chain accumulates middleware for procedures whose router context is TCtx
// and whose resolvers see TLayer.
type Chain[TCtx, TLayer any] struct {
	mws []middlewareFunc
}

// NewChain starts an empty chain.
func NewChain[TCtx any]() Chain[TCtx, TCtx] {
	return Chain[TCtx, TCtx]{}
}

// With appends mw to the chain. Middleware added first runs outermost.
func With[TCtx, TIn, TOut any](c Chain[TCtx, TIn], mw Middleware[TIn, TOut]) Chain[TCtx, TOut] {
	mws := slices.Clone(c.mws)
	return Chain[TCtx, TOut]{mws: append(mws, mw.erase())}
}

// Query defines a query procedure.
func (c Chain[TCtx, TLayer]) Query(r Resolver[TLayer]) Procedure[TCtx] {
	return c.procedure(KindQuery, r)
}

// Mutation defines a mutation procedure.
func (c Chain[TCtx, TLayer]) Mutation(r Resolver[TLayer]) Procedure[TCtx] {
	return c.procedure(KindMutation, r)
}

// Subscription defines a subscription procedure.
func (c Chain[TCtx, TLayer]) Subscription(r Resolver[TLayer]) Procedure[TCtx] {
	return c.procedure(KindSubscription, r)
}

func (c Chain[TCtx, TLayer]) procedure(kind ProcedureKind, r Resolver[TLayer]) Procedure[TCtx] {
	return Procedure[TCtx]{
		kind:     kind,
		shape:    r.shape,
		input:    r.input,
		output:   r.output,
		mws:      c.mws,
		terminal: resolverLayer[TLayer]{r: r},
	}
}

// Procedure is an unregistered procedure definition: its kind, resolver and
// the middleware wrapping it.
type Procedure[TCtx any] struct {
	kind     ProcedureKind
	shape    ResolverShape
	input    reflect.Type
	output   reflect.Type
	mws      []middlewareFunc
	terminal Layer
}

// Kind returns the procedure's kind.
func (p Procedure[TCtx]) Kind() ProcedureKind {
	return p.kind
}

// compose wraps the resolver layer in the procedure's middleware, global
// middleware outermost.
func (p Procedure[TCtx]) compose(global []middlewareFunc) Layer {
	all := append(slices.Clone(global), p.mws...)
	layer := p.terminal
	for i := len(all) - 1; i >= 0; i-- {
		layer = &middlewareLayer{mw: all[i], next: layer}
	}
	return layer
}

// resolverLayer is the innermost layer. It deserializes the input and runs
// the resolver.
type resolverLayer[TLayer any] struct {
	r Resolver[TLayer]
}

func (l resolverLayer[TLayer]) Call(ctx context.Context, lctx any, input jsontext.Value, meta RequestMeta) (Sequence, error) {
	c, ok := contextAs[TLayer](lctx)
	if !ok {
		return nil, contextMismatch[TLayer](lctx)
	}
	return l.r.call(ctx, c, input)
}

type middlewareLayer struct {
	mw   middlewareFunc
	next Layer
}

func (l *middlewareLayer) Call(ctx context.Context, lctx any, input jsontext.Value, meta RequestMeta) (Sequence, error) {
	return &middlewareSequence{
		layer: l,
		lctx:  lctx,
		mwc:   MiddlewareContext{Input: input, Meta: meta},
	}, nil
}

type sequenceState int

const (
	stateAwaitingMiddleware sequenceState = iota
	stateRunningInner
	statePostProcessing
	stateDone
)

// middlewareSequence drives one call through a middleware layer. The
// middleware runs on the first pull; afterwards items of the inner sequence
// pass through the optional response handler.
type middlewareSequence struct {
	layer *middlewareLayer
	state sequenceState
	lctx  any
	mwc   MiddlewareContext

	nextCtx      any
	nextInput    jsontext.Value
	inner        Sequence
	resp         RespHandler
	recoverInner bool

	pendingValue jsontext.Value
	pendingErr   error
}

func (s *middlewareSequence) Next(ctx context.Context) (v jsontext.Value, err error) {
	if s.recoverInner {
		defer func() {
			if r := recover(); r != nil {
				s.finish()
				v, err = nil, panicError(r)
			}
		}()
	}
	for {
		switch s.state {
		case stateAwaitingMiddleware:
			out, err := s.layer.mw(ctx, s.lctx, s.mwc)
			s.lctx = nil
			if err != nil {
				s.state = stateDone
				return nil, err
			}
			if out.respond {
				s.state = stateDone
				return out.value, nil
			}
			s.nextCtx, s.nextInput = out.ctx, out.input
			s.resp = out.resp
			s.recoverInner = out.recoverInner
			s.state = stateRunningInner
			if s.recoverInner {
				// Re-enter so the inner layers run under recover.
				return s.Next(ctx)
			}

		case stateRunningInner:
			if s.inner == nil {
				inner, err := s.layer.next.Call(ctx, s.nextCtx, s.nextInput, s.mwc.Meta)
				s.nextCtx, s.nextInput = nil, nil
				if err != nil {
					inner = ErrorSequence(err)
				}
				s.inner = inner
			}
			v, err := s.inner.Next(ctx)
			if errors.Is(err, io.EOF) {
				s.finish()
				return nil, io.EOF
			}
			if s.resp == nil || isCancellation(ctx, err) {
				return v, err
			}
			s.pendingValue, s.pendingErr = v, err
			s.state = statePostProcessing

		case statePostProcessing:
			v, err := s.resp(ctx, s.pendingValue, s.pendingErr)
			s.pendingValue, s.pendingErr = nil, nil
			s.state = stateRunningInner
			return v, err

		case stateDone:
			return nil, io.EOF
		}
	}
}

func (s *middlewareSequence) finish() {
	s.state = stateDone
	if s.inner != nil {
		s.inner.Close()
	}
}

func (s *middlewareSequence) Close() error {
	s.finish()
	return nil
}

// isCancellation reports whether err comes from ctx ending rather than from
// the procedure.
func isCancellation(ctx context.Context, err error) bool {
	return err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err())
}

// contextAs asserts the dynamic type of a layer context. A nil context is
// accepted when T is an interface type.
func contextAs[T any](v any) (T, bool) {
	if c, ok := v.(T); ok {
		return c, true
	}
	var zero T
	if v == nil {
		return zero, reflect.TypeOf((*T)(nil)).Elem().Kind() == reflect.Interface
	}
	return zero, false
}

func contextMismatch[T any](got any) *Error {
	return ErrInternal(fmt.Errorf("context chain mismatch: layer expects %s, got %T", reflect.TypeOf((*T)(nil)).Elem(), got))
}
