package rspc

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-json-experiment/json"
)

const ssePath = "sse"

// connectedEvent is the first event of an SSE stream. Clients post their
// frames to sse/{connectionId}.
type connectedEvent struct {
	ConnectionID string `json:"connectionId"`
}

func (s *Server[TCtx]) serveSSE(w http.ResponseWriter, r *http.Request) {
	if s.stopping.Load() {
		http.Error(w, "server stopping", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	t := newSSETransport(w, flusher, s.options.SendQueueSize)
	conn := newConn(t, r, r.Context())
	defer t.Close()

	data, _ := json.Marshal(connectedEvent{ConnectionID: conn.id})
	if err := t.write("connected", data); err != nil {
		return
	}

	s.sseMu.Lock()
	s.sseStreams[conn.id] = t
	s.sseMu.Unlock()
	defer func() {
		s.sseMu.Lock()
		delete(s.sseStreams, conn.id)
		s.sseMu.Unlock()
	}()

	s.handleConn(conn)
}

// serveSSEFrame hands a posted frame to the stream it belongs to. Responses
// are delivered on the stream, never in the POST response.
func (s *Server[TCtx]) serveSSEFrame(w http.ResponseWriter, r *http.Request, connID string) {
	s.sseMu.Lock()
	t, ok := s.sseStreams[connID]
	s.sseMu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse(NullID(), NewError(CodeNotFound, "unknown connection")))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.options.MaxMessageBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge,
			errorResponse(NullID(), NewError(CodeBadRequest, "request body too large")))
		return
	}
	if err := t.deliver(r.Context(), body); err != nil {
		if errors.Is(err, errTransportClosed) {
			writeJSON(w, http.StatusGone, errorResponse(NullID(), NewError(CodeNotFound, "connection closed")))
		}
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
