// Package pubsub provides topic-based event sources for subscriptions.
//
// A Broker fans published payloads out to every current subscriber of a
// topic. Stream adapts a topic into a typed channel that a streaming
// resolver can return directly.
package pubsub

import (
	"context"
	"errors"
	"log/slog"

	"github.com/go-json-experiment/json"
)

// ErrBrokerClosed is returned when operations are attempted on a closed broker.
var ErrBrokerClosed = errors.New("broker is closed")

// Publisher publishes payloads to topics.
type Publisher interface {
	// Publish delivers payload to the current subscribers of topic.
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Subscriber consumes payloads from topics.
type Subscriber interface {
	// Subscribe returns a channel of payloads published to topic after the
	// call. The channel is closed when ctx ends or the broker closes.
	Subscribe(ctx context.Context, topic string) (<-chan []byte, error)
}

// Broker combines Publisher and Subscriber.
type Broker interface {
	Publisher
	Subscriber
	Close() error
}

// PublishJSON encodes v and publishes it to topic.
func PublishJSON(ctx context.Context, p Publisher, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.Publish(ctx, topic, payload)
}

// Stream subscribes to topic and decodes every payload as T. Payloads that
// do not decode are logged and skipped. The returned channel is closed when
// the subscription ends.
func Stream[T any](ctx context.Context, s Subscriber, topic string) (<-chan T, error) {
	payloads, err := s.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}
	out := make(chan T)
	go func() {
		defer close(out)
		for payload := range payloads {
			var v T
			if err := json.Unmarshal(payload, &v); err != nil {
				slog.Warn("pubsub: dropping undecodable payload", "topic", topic, "error", err)
				continue
			}
			select {
			case out <- v:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
