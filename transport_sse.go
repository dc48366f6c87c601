package rspc

import (
	"context"
	"fmt"
	"net/http"
	"sync"
)

// sseTransport carries outbound frames as Server-Sent Events. Inbound frames
// arrive through separate POST requests and are handed over with deliver.
type sseTransport struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu     sync.Mutex
	closed bool

	inbound   chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newSSETransport(w http.ResponseWriter, flusher http.Flusher, queue int) *sseTransport {
	return &sseTransport{
		w:       w,
		flusher: flusher,
		inbound: make(chan []byte, queue),
		done:    make(chan struct{}),
	}
}

func (t *sseTransport) ReadFrame() ([]byte, error) {
	select {
	case data := <-t.inbound:
		return data, nil
	case <-t.done:
		return nil, errTransportClosed
	}
}

func (t *sseTransport) WriteFrame(data []byte) error {
	return t.write("", data)
}

// Ping sends a comment line as keep-alive.
func (t *sseTransport) Ping() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errTransportClosed
	}
	if _, err := fmt.Fprint(t.w, ": ping\n\n"); err != nil {
		return err
	}
	t.flusher.Flush()
	return nil
}

func (t *sseTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

func (t *sseTransport) CloseGracefully() error {
	_ = t.write("close", []byte(`{"reason":"server shutting down"}`))
	return t.Close()
}

// write emits one event. An empty name leaves the event field out.
func (t *sseTransport) write(event string, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errTransportClosed
	}
	if event != "" {
		if _, err := fmt.Fprintf(t.w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(t.w, "data: %s\n\n", data); err != nil {
		return err
	}
	t.flusher.Flush()
	return nil
}

// deliver queues an inbound frame, waiting while the queue is full.
func (t *sseTransport) deliver(ctx context.Context, data []byte) error {
	select {
	case t.inbound <- data:
		return nil
	case <-t.done:
		return errTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}
