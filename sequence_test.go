package rspc

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/go-json-experiment/json/jsontext"
)

func TestSequenceOfYieldsInOrder(t *testing.T) {
	seq := SequenceOf(jsontext.Value("1"), jsontext.Value("2"))
	got, err := Collect(context.Background(), seq)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(got) != 2 || string(got[0]) != "1" || string(got[1]) != "2" {
		t.Errorf("Unexpected items: %q", got)
	}
	if _, err := seq.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("Expected EOF after Close, got %v", err)
	}
}

func TestFirstOfEmptySequenceIsInternal(t *testing.T) {
	_, err := First(context.Background(), EmptySequence())
	if AsError(err).Code != CodeInternal {
		t.Errorf("Expected internal error, got %v", err)
	}
}

func TestErrorSequenceYieldsOnce(t *testing.T) {
	seq := ErrorSequence(ErrBadRequest("nope"))
	if _, err := seq.Next(context.Background()); AsError(err).Code != CodeBadRequest {
		t.Fatalf("Expected bad_request, got %v", err)
	}
	if _, err := seq.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("Expected EOF, got %v", err)
	}
}

func TestChanSequenceCloseCancelsProducer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan int, 1)
	ch <- 7
	seq := newChanSequence((<-chan int)(ch), cancel)

	v, err := seq.Next(context.Background())
	if err != nil || string(v) != "7" {
		t.Fatalf("Expected 7, got %s %v", v, err)
	}
	seq.Close()
	seq.Close()
	if ctx.Err() == nil {
		t.Error("Expected producer context to be canceled")
	}
	if _, err := seq.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("Expected EOF after Close, got %v", err)
	}
}

func TestChanSequenceStopsOnContext(t *testing.T) {
	seq := newChanSequence(make(<-chan int), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := seq.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
