package pubsub

import (
	"context"
	"log/slog"
	"sync"
)

// MemoryConfig configures the in-memory broker behavior.
type MemoryConfig struct {
	// BufferSize is the channel buffer of each subscriber.
	// Default: 100.
	BufferSize int
	// Logger reports payloads dropped for slow subscribers.
	// Default: slog.Default().
	Logger *slog.Logger
}

func (c MemoryConfig) defaults() MemoryConfig {
	cfg := c
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

type memorySub struct {
	ch   chan []byte
	once sync.Once
}

func (s *memorySub) close() {
	s.once.Do(func() { close(s.ch) })
}

// MemoryBroker is an in-process Broker. A subscriber whose buffer is full
// misses the payload rather than blocking the publisher.
type MemoryBroker struct {
	config MemoryConfig

	mu     sync.RWMutex
	topics map[string]map[*memorySub]struct{}
	closed bool
}

// NewMemoryBroker creates a new in-memory broker with the given configuration.
func NewMemoryBroker(config MemoryConfig) *MemoryBroker {
	return &MemoryBroker{
		config: config.defaults(),
		topics: make(map[string]map[*memorySub]struct{}),
	}
}

// Publish delivers payload to every subscriber of topic.
func (b *MemoryBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBrokerClosed
	}
	for sub := range b.topics[topic] {
		select {
		case sub.ch <- payload:
		default:
			b.config.Logger.Warn("pubsub: subscriber buffer full, dropping payload", "topic", topic)
		}
	}
	return nil
}

// Subscribe registers a subscriber on topic until ctx ends.
func (b *MemoryBroker) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	sub := &memorySub{ch: make(chan []byte, b.config.BufferSize)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBrokerClosed
	}
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[*memorySub]struct{})
	}
	b.topics[topic][sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		if subs, ok := b.topics[topic]; ok {
			delete(subs, sub)
			if len(subs) == 0 {
				delete(b.topics, topic)
			}
		}
		b.mu.Unlock()
		sub.close()
	}()
	return sub.ch, nil
}

// Subscribers returns the number of subscribers of topic.
func (b *MemoryBroker) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Close closes every subscription. Further calls fail with ErrBrokerClosed.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	b.closed = true
	for topic, subs := range b.topics {
		for sub := range subs {
			sub.close()
		}
		delete(b.topics, topic)
	}
	return nil
}
