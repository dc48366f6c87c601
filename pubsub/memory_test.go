package pubsub

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryBrokerFanOut(t *testing.T) {
	b := NewMemoryBroker(MemoryConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, err := b.Subscribe(ctx, "orders")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	second, err := b.Subscribe(ctx, "orders")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	other, err := b.Subscribe(ctx, "users")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.Publish(ctx, "orders", []byte(`"o1"`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for i, ch := range []<-chan []byte{first, second} {
		select {
		case got := <-ch:
			if string(got) != `"o1"` {
				t.Errorf("subscriber %d got %s", i, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d received nothing", i)
		}
	}
	select {
	case got := <-other:
		t.Errorf("unrelated topic received %s", got)
	default:
	}
}

func TestMemoryBrokerUnsubscribeOnCancel(t *testing.T) {
	b := NewMemoryBroker(MemoryConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := b.Subscribe(ctx, "t")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if b.Subscribers("t") != 1 {
		t.Fatalf("expected 1 subscriber, got %d", b.Subscribers("t"))
	}
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
	if b.Subscribers("t") != 0 {
		t.Errorf("expected no subscribers, got %d", b.Subscribers("t"))
	}
}

func TestMemoryBrokerDropsForSlowSubscriber(t *testing.T) {
	b := NewMemoryBroker(MemoryConfig{BufferSize: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := b.Subscribe(ctx, "t")

	for i := 0; i < 3; i++ {
		if err := b.Publish(ctx, "t", []byte("1")); err != nil {
			t.Fatalf("Publish must not block or fail: %v", err)
		}
	}
	if len(ch) != 1 {
		t.Errorf("expected 1 buffered payload, got %d", len(ch))
	}
}

func TestMemoryBrokerClose(t *testing.T) {
	b := NewMemoryBroker(MemoryConfig{})
	ch, _ := b.Subscribe(context.Background(), "t")
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Error("expected subscription to be closed")
	}
	if err := b.Publish(context.Background(), "t", nil); !errors.Is(err, ErrBrokerClosed) {
		t.Errorf("expected ErrBrokerClosed, got %v", err)
	}
	if _, err := b.Subscribe(context.Background(), "t"); !errors.Is(err, ErrBrokerClosed) {
		t.Errorf("expected ErrBrokerClosed, got %v", err)
	}
}

type tick struct {
	N int `json:"n"`
}

func TestStreamDecodesPayloads(t *testing.T) {
	b := NewMemoryBroker(MemoryConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticks, err := Stream[tick](ctx, b, "ticks")
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if err := b.Publish(ctx, "ticks", []byte("not json")); err != nil {
		t.Fatal(err)
	}
	if err := PublishJSON(ctx, b, "ticks", tick{N: 7}); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-ticks:
		if got.N != 7 {
			t.Errorf("expected n=7, got %d", got.N)
		}
	case <-time.After(time.Second):
		t.Fatal("no tick received")
	}

	cancel()
	select {
	case _, ok := <-ticks:
		if ok {
			t.Error("expected stream to end after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("stream not closed after cancel")
	}
}
