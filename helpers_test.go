package rspc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
)

type testCtx struct {
	User string
}

type EchoInput struct {
	Message string `json:"message"`
}

type EchoOutput struct {
	Message string `json:"message"`
	User    string `json:"user,omitzero"`
}

func testContextFunc(ctx context.Context, r *http.Request) (testCtx, error) {
	return testCtx{User: r.Header.Get("X-User")}, nil
}

// pipeTransport is an in-memory transport driven by the test. A non-nil
// gate holds every write until it is closed, like a client that stopped
// reading.
type pipeTransport struct {
	in     chan []byte
	out    chan []byte
	gate   chan struct{}
	closed chan struct{}
	once   sync.Once
}

func newPipeTransport() *pipeTransport {
	return &pipeTransport{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (p *pipeTransport) ReadFrame() ([]byte, error) {
	select {
	case data := <-p.in:
		return data, nil
	case <-p.closed:
		return nil, errTransportClosed
	}
}

func (p *pipeTransport) WriteFrame(data []byte) error {
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-p.closed:
			return errTransportClosed
		}
	}
	select {
	case p.out <- data:
		return nil
	case <-p.closed:
		return errTransportClosed
	}
}

func (p *pipeTransport) Ping() error { return nil }

func (p *pipeTransport) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *pipeTransport) CloseGracefully() error {
	return p.Close()
}

func (p *pipeTransport) send(frame string) {
	p.in <- []byte(frame)
}

func (p *pipeTransport) recv(t *testing.T) Response {
	t.Helper()
	select {
	case data := <-p.out:
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			t.Fatalf("Failed to decode response %s: %v", data, err)
		}
		return resp
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for response")
	}
	return Response{}
}

// expectSilence fails if a frame arrives within d.
func (p *pipeTransport) expectSilence(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case data := <-p.out:
		t.Fatalf("Unexpected frame: %s", data)
	case <-time.After(d):
	}
}

// startConn runs a connection of s over an in-memory transport. The
// connection is closed when the test ends.
func startConn[TCtx any](t *testing.T, s *Server[TCtx]) (*pipeTransport, *Conn) {
	t.Helper()
	tr := newPipeTransport()
	return tr, startConnWith(t, s, tr)
}

func startConnWith[TCtx any](t *testing.T, s *Server[TCtx], tr *pipeTransport) *Conn {
	t.Helper()
	conn := newConn(tr, httptest.NewRequest(http.MethodGet, "/ws", nil), context.Background())
	done := make(chan struct{})
	go func() {
		s.handleConn(conn)
		close(done)
	}()
	t.Cleanup(func() {
		conn.Close()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("Connection did not shut down")
		}
	})
	return conn
}

func decodeData[T any](t *testing.T, v jsontext.Value) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(v, &out); err != nil {
		t.Fatalf("Failed to decode %s: %v", v, err)
	}
	return out
}

func expectCode(t *testing.T, resp Response, code ErrorCode) {
	t.Helper()
	if resp.Result.Type != ResultError {
		t.Fatalf("Expected error %s, got %s %s", code, resp.Result.Type, resp.Result.Data)
	}
	if resp.Result.Code != code {
		t.Fatalf("Expected code %s, got %s (%s)", code, resp.Result.Code, resp.Result.Message)
	}
}
