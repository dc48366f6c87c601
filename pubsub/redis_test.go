package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisBroker(t *testing.T) *RedisBroker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := NewRedisBroker(client, "rspc:")
	t.Cleanup(func() { b.Close() })
	return b
}

func TestRedisBrokerDelivers(t *testing.T) {
	b := newTestRedisBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Subscribe(ctx, "orders")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := b.Publish(ctx, "orders", []byte(`{"id":1}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-ch:
		if string(got) != `{"id":1}` {
			t.Errorf("got %s", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no payload received")
	}
}

func TestRedisBrokerStream(t *testing.T) {
	b := newTestRedisBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticks, err := Stream[tick](ctx, b, "ticks")
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if err := PublishJSON(ctx, b, "ticks", tick{N: 3}); err != nil {
		t.Fatalf("PublishJSON: %v", err)
	}
	select {
	case got := <-ticks:
		if got.N != 3 {
			t.Errorf("expected n=3, got %d", got.N)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no tick received")
	}

	cancel()
	select {
	case _, ok := <-ticks:
		if ok {
			t.Error("expected stream to end after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed after cancel")
	}
}
