package rspc

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/go-json-experiment/json/jsontext"
)

// Sequence is a lazy producer of encoded results. Next returns io.EOF once
// the sequence is exhausted; any other error is an error item. A sequence is
// single-consumer and cannot be restarted once consumed or closed.
type Sequence interface {
	Next(ctx context.Context) (jsontext.Value, error)
	// Close stops the sequence and releases whatever its producer holds.
	// It is safe to call more than once.
	Close() error
}

// SequenceOf returns a sequence yielding the given values in order.
func SequenceOf(values ...jsontext.Value) Sequence {
	var idx int
	return &funcSequence{next: func(ctx context.Context) (jsontext.Value, error) {
		if idx >= len(values) {
			return nil, io.EOF
		}
		v := values[idx]
		idx++
		return v, nil
	}}
}

// ErrorSequence returns a sequence whose single item is err.
func ErrorSequence(err error) Sequence {
	return &onceSequence{fn: func(context.Context) (jsontext.Value, error) {
		return nil, err
	}}
}

// EmptySequence returns a sequence with no items.
func EmptySequence() Sequence {
	return SequenceOf()
}

// First consumes exactly one item from seq and closes it. An empty sequence
// is an internal error.
func First(ctx context.Context, seq Sequence) (jsontext.Value, error) {
	defer seq.Close()
	v, err := seq.Next(ctx)
	if errors.Is(err, io.EOF) {
		return nil, ErrInternal(errors.New("procedure produced no result"))
	}
	return v, err
}

// Collect drains seq. It stops at the first error item.
func Collect(ctx context.Context, seq Sequence) ([]jsontext.Value, error) {
	defer seq.Close()
	var out []jsontext.Value
	for {
		v, err := seq.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
}

// funcSequence adapts an iterator function.
type funcSequence struct {
	next   func(ctx context.Context) (jsontext.Value, error)
	closed bool
}

func (s *funcSequence) Next(ctx context.Context) (jsontext.Value, error) {
	if s.closed {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.next(ctx)
}

func (s *funcSequence) Close() error {
	s.closed = true
	return nil
}

// onceSequence evaluates fn on the first pull and then ends. An error from
// fn is the terminal item.
type onceSequence struct {
	fn     func(ctx context.Context) (jsontext.Value, error)
	done   bool
	cancel context.CancelFunc
}

func (s *onceSequence) Next(ctx context.Context) (jsontext.Value, error) {
	if s.done {
		return nil, io.EOF
	}
	s.done = true
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.fn(ctx)
}

func (s *onceSequence) Close() error {
	s.done = true
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

// chanSequence mirrors a channel. Items are encoded as they are pulled.
// After the first error item the sequence ends.
type chanSequence[T any] struct {
	ch        <-chan T
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      bool
}

func newChanSequence[T any](ch <-chan T, cancel context.CancelFunc) *chanSequence[T] {
	return &chanSequence[T]{ch: ch, cancel: cancel}
}

func (s *chanSequence[T]) Next(ctx context.Context) (jsontext.Value, error) {
	if s.done {
		return nil, io.EOF
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case v, ok := <-s.ch:
		if !ok {
			s.done = true
			return nil, io.EOF
		}
		out, err := encodeOutput(v)
		if err != nil {
			s.done = true
			return nil, err
		}
		return out, nil
	}
}

func (s *chanSequence[T]) Close() error {
	s.done = true
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
	return nil
}

// deferredSequence awaits open on the first pull and then delegates to the
// sequence it returns.
type deferredSequence struct {
	open   func(ctx context.Context) (Sequence, error)
	inner  Sequence
	cancel context.CancelFunc
	done   bool
}

func (s *deferredSequence) Next(ctx context.Context) (jsontext.Value, error) {
	if s.done {
		return nil, io.EOF
	}
	if s.inner == nil {
		inner, err := s.open(ctx)
		if err != nil {
			s.done = true
			return nil, err
		}
		s.inner = inner
	}
	v, err := s.inner.Next(ctx)
	if errors.Is(err, io.EOF) {
		s.done = true
	}
	return v, err
}

func (s *deferredSequence) Close() error {
	s.done = true
	if s.inner != nil {
		s.inner.Close()
	}
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}
