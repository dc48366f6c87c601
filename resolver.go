package rspc

import (
	"context"
	"fmt"
	"reflect"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
)

// ResolverShape tags the return shape of a resolver. It is fixed when the
// resolver is constructed and drives how its result is normalized.
type ResolverShape int

const (
	// ShapeImmediate resolvers return their value directly.
	ShapeImmediate ResolverShape = iota
	// ShapeDeferred resolvers return a Future of their value.
	ShapeDeferred
	// ShapeStreaming resolvers return a channel of values.
	ShapeStreaming
	// ShapeDeferredStreaming resolvers return a Future of a channel of values.
	ShapeDeferredStreaming
)

func (s ResolverShape) String() string {
	switch s {
	case ShapeImmediate:
		return "immediate"
	case ShapeDeferred:
		return "deferred"
	case ShapeStreaming:
		return "streaming"
	case ShapeDeferredStreaming:
		return "deferred-streaming"
	}
	return fmt.Sprintf("ResolverShape(%d)", int(s))
}

// Streams reports whether the shape may yield more than one item.
func (s ResolverShape) Streams() bool {
	return s == ShapeStreaming || s == ShapeDeferredStreaming
}

// Future is a value that becomes available later. Calling it blocks until
// the value is ready or ctx is done.
type Future[T any] func(ctx context.Context) (T, error)

// Resolver is the innermost unit of a procedure, operating on the context
// type TLayer produced by the last middleware of its chain.
type Resolver[TLayer any] struct {
	shape  ResolverShape
	input  reflect.Type
	output reflect.Type
	call   func(ctx context.Context, c TLayer, input jsontext.Value) (Sequence, error)
}

// Shape returns the resolver's return shape.
func (r Resolver[TLayer]) Shape() ResolverShape {
	return r.shape
}

// Immediate builds a resolver that computes its value when called.
func Immediate[TLayer, In, Out any](fn func(ctx context.Context, c TLayer, in In) (Out, error)) Resolver[TLayer] {
	return Resolver[TLayer]{
		shape:  ShapeImmediate,
		input:  reflect.TypeOf((*In)(nil)).Elem(),
		output: reflect.TypeOf((*Out)(nil)).Elem(),
		call: func(ctx context.Context, c TLayer, input jsontext.Value) (Sequence, error) {
			in, err := decodeInput[In](input)
			if err != nil {
				return nil, err
			}
			out, err := fn(ctx, c, in)
			if err != nil {
				return ErrorSequence(AsError(err)), nil
			}
			v, err := encodeOutput(out)
			if err != nil {
				return ErrorSequence(err), nil
			}
			return SequenceOf(v), nil
		},
	}
}

// Deferred builds a resolver returning a Future. The future is awaited when
// the first item is pulled.
func Deferred[TLayer, In, Out any](fn func(ctx context.Context, c TLayer, in In) Future[Out]) Resolver[TLayer] {
	return Resolver[TLayer]{
		shape:  ShapeDeferred,
		input:  reflect.TypeOf((*In)(nil)).Elem(),
		output: reflect.TypeOf((*Out)(nil)).Elem(),
		call: func(ctx context.Context, c TLayer, input jsontext.Value) (Sequence, error) {
			in, err := decodeInput[In](input)
			if err != nil {
				return nil, err
			}
			fctx, cancel := context.WithCancel(ctx)
			fut := fn(fctx, c, in)
			return &onceSequence{
				cancel: cancel,
				fn: func(ctx context.Context) (jsontext.Value, error) {
					defer cancel()
					out, err := fut(ctx)
					if err != nil {
						return nil, AsError(err)
					}
					return encodeOutput(out)
				},
			}, nil
		},
	}
}

// Stream builds a resolver whose values arrive on a channel. The sequence
// ends when the channel is closed. The context handed to fn is canceled when
// the sequence is closed, and producers must stop on it.
func Stream[TLayer, In, Out any](fn func(ctx context.Context, c TLayer, in In) (<-chan Out, error)) Resolver[TLayer] {
	return Resolver[TLayer]{
		shape:  ShapeStreaming,
		input:  reflect.TypeOf((*In)(nil)).Elem(),
		output: reflect.TypeOf((*Out)(nil)).Elem(),
		call: func(ctx context.Context, c TLayer, input jsontext.Value) (Sequence, error) {
			in, err := decodeInput[In](input)
			if err != nil {
				return nil, err
			}
			sctx, cancel := context.WithCancel(ctx)
			ch, err := fn(sctx, c, in)
			if err != nil {
				cancel()
				return ErrorSequence(AsError(err)), nil
			}
			return newChanSequence(ch, cancel), nil
		},
	}
}

// DeferredStream builds a resolver returning a Future of a channel.
func DeferredStream[TLayer, In, Out any](fn func(ctx context.Context, c TLayer, in In) Future[<-chan Out]) Resolver[TLayer] {
	return Resolver[TLayer]{
		shape:  ShapeDeferredStreaming,
		input:  reflect.TypeOf((*In)(nil)).Elem(),
		output: reflect.TypeOf((*Out)(nil)).Elem(),
		call: func(ctx context.Context, c TLayer, input jsontext.Value) (Sequence, error) {
			in, err := decodeInput[In](input)
			if err != nil {
				return nil, err
			}
			sctx, cancel := context.WithCancel(ctx)
			fut := fn(sctx, c, in)
			return &deferredSequence{
				cancel: cancel,
				open: func(ctx context.Context) (Sequence, error) {
					ch, err := fut(ctx)
					if err != nil {
						return nil, AsError(err)
					}
					return newChanSequence(ch, nil), nil
				},
			}, nil
		},
	}
}

// decodeInput decodes raw input into In. Absent or null input yields the
// zero value.
func decodeInput[In any](input jsontext.Value) (In, error) {
	var in In
	if len(input) == 0 || input.Kind() == 'n' {
		return in, nil
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return in, ErrDeserializeInput(err)
	}
	return in, nil
}

func encodeOutput[Out any](out Out) (jsontext.Value, error) {
	b, err := json.Marshal(out)
	if err != nil {
		return nil, ErrInternal(fmt.Errorf("encode result: %w", err))
	}
	return b, nil
}
