package rspc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-json-experiment/json/jsontext"
)

// MiddlewareContext describes the call a middleware is wrapping.
type MiddlewareContext struct {
	Input jsontext.Value // Raw input as it will be handed downstream
	Meta  RequestMeta    // Kind and key of the invoked procedure
}

// RespHandler transforms every item the inner layers produce. It receives
// either a value or an error and returns the item sent upstream in its place.
type RespHandler func(ctx context.Context, v jsontext.Value, err error) (jsontext.Value, error)

// Middleware maps a context of type TIn to a context of type TOut for the
// layers below it, or short-circuits the call.
//
// A middleware returns Next to continue, Respond to answer without running
// the inner layers, or a non-nil error to fail the call.
type Middleware[TIn, TOut any] func(ctx context.Context, c TIn, mw MiddlewareContext) (Outcome[TOut], error)

// Outcome is the decision a middleware makes about a call.
type Outcome[T any] struct {
	next         bool
	ctx          T
	input        jsontext.Value
	resp         RespHandler
	respond      bool
	value        any
	recoverInner bool
}

// Next continues down the chain with c as the context of the next layer.
func Next[T any](mw MiddlewareContext, c T) Outcome[T] {
	return Outcome[T]{next: true, ctx: c, input: mw.Input}
}

// Respond short-circuits the chain with v as the only item.
func Respond[T any](v any) Outcome[T] {
	return Outcome[T]{respond: true, value: v}
}

// Resp attaches a handler applied to every item of the inner layers.
func (o Outcome[T]) Resp(h RespHandler) Outcome[T] {
	o.resp = h
	return o
}

// WithInput replaces the input handed to the inner layers.
func (o Outcome[T]) WithInput(input jsontext.Value) Outcome[T] {
	o.input = input
	return o
}

// erase converts the outcome into its untyped form.
func (o Outcome[T]) erase() (outcome, error) {
	switch {
	case o.respond:
		v, err := encodeOutput(o.value)
		if err != nil {
			return outcome{}, err
		}
		return outcome{respond: true, value: v}, nil
	case o.next:
		return outcome{ctx: o.ctx, input: o.input, resp: o.resp, recoverInner: o.recoverInner}, nil
	}
	return outcome{}, ErrInternal(errors.New("middleware returned an empty outcome"))
}

// erase converts the typed middleware into a function over untyped contexts.
func (m Middleware[TIn, TOut]) erase() middlewareFunc {
	return func(ctx context.Context, lctx any, mwc MiddlewareContext) (outcome, error) {
		c, ok := contextAs[TIn](lctx)
		if !ok {
			return outcome{}, contextMismatch[TIn](lctx)
		}
		o, err := m(ctx, c, mwc)
		if err != nil {
			return outcome{}, err
		}
		return o.erase()
	}
}

// MapInput decodes the input as A, maps it with fn and hands the encoded
// result downstream. The context passes through unchanged.
func MapInput[TCtx, A, B any](fn func(ctx context.Context, c TCtx, in A) (B, error)) Middleware[TCtx, TCtx] {
	return func(ctx context.Context, c TCtx, mw MiddlewareContext) (Outcome[TCtx], error) {
		in, err := decodeInput[A](mw.Input)
		if err != nil {
			return Outcome[TCtx]{}, err
		}
		out, err := fn(ctx, c, in)
		if err != nil {
			return Outcome[TCtx]{}, err
		}
		mapped, err := encodeOutput(out)
		if err != nil {
			return Outcome[TCtx]{}, err
		}
		return Next(mw, c).WithInput(mapped), nil
	}
}

// LoggingMiddleware logs the outcome and latency of every item a procedure
// produces.
func LoggingMiddleware[TCtx any](logger *slog.Logger) Middleware[TCtx, TCtx] {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, c TCtx, mw MiddlewareContext) (Outcome[TCtx], error) {
		start := time.Now()
		return Next(mw, c).Resp(func(ctx context.Context, v jsontext.Value, err error) (jsontext.Value, error) {
			attrs := []any{
				"kind", mw.Meta.Kind,
				"path", mw.Meta.Key,
				"latency_ms", time.Since(start).Milliseconds(),
			}
			if err != nil {
				logger.InfoContext(ctx, "procedure failed", append(attrs, "code", AsError(err).Code, "error", err)...)
			} else {
				logger.DebugContext(ctx, "procedure item", attrs...)
			}
			return v, err
		}), nil
	}
}

// RecoverMiddleware converts panics raised by the inner layers into internal
// errors.
func RecoverMiddleware[TCtx any]() Middleware[TCtx, TCtx] {
	return func(ctx context.Context, c TCtx, mw MiddlewareContext) (Outcome[TCtx], error) {
		o := Next(mw, c)
		o.recoverInner = true
		return o, nil
	}
}

func panicError(r any) *Error {
	return ErrInternal(fmt.Errorf("panic: %v", r))
}
