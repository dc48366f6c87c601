package rspc

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"

	"github.com/tramston/rspc/internal/ratelimit"
)

const (
	wsPath    = "ws"
	batchPath = "_batch"
)

// ServeHTTP routes requests relative to the handler's mount point:
//
//	GET  /ws               WebSocket connection
//	GET  /sse              Server-Sent Events connection
//	POST /sse/{connID}     frame for an SSE connection
//	GET  /{key}?input=...  query
//	POST /_batch           batch of requests
//	POST /{key}            mutation, body is the input
//
// Mount it with http.StripPrefix when serving below the root.
func (s *Server[TCtx]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/")
	switch {
	case path == wsPath && r.Method == http.MethodGet:
		s.serveWS(w, r)
	case path == ssePath && r.Method == http.MethodGet:
		s.serveSSE(w, r)
	case strings.HasPrefix(path, ssePath+"/") && r.Method == http.MethodPost:
		s.serveSSEFrame(w, r, strings.TrimPrefix(path, ssePath+"/"))
	case path == batchPath && r.Method == http.MethodPost:
		s.serveBatch(w, r)
	case r.Method == http.MethodGet:
		s.serveProcedure(w, r, RequestQuery, path)
	case r.Method == http.MethodPost:
		s.serveProcedure(w, r, RequestMutation, path)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeJSON(w, http.StatusMethodNotAllowed,
			errorResponse(NullID(), NewError(CodeMethodNotSupported, "method not allowed")))
	}
}

func (s *Server[TCtx]) serveWS(w http.ResponseWriter, r *http.Request) {
	if s.stopping.Load() {
		http.Error(w, "server stopping", http.StatusServiceUnavailable)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := newConn(newWSTransport(ws, s.options), r, context.WithoutCancel(r.Context()))
	s.handleConn(conn)
}

// serveProcedure executes a single query or mutation. Results and
// procedure errors are answered with 200 and the response envelope;
// failures before dispatch use an error status.
func (s *Server[TCtx]) serveProcedure(w http.ResponseWriter, r *http.Request, kind RequestKind, key string) {
	if !s.allow(r, 1) {
		writeJSON(w, http.StatusTooManyRequests,
			errorResponse(NullID(), NewError(CodeTooManyRequests, "rate limit exceeded")))
		return
	}

	pk := KindQuery
	if kind == RequestMutation {
		pk = KindMutation
	}
	if _, ok := s.router.Get(pk, key); !ok && s.isSubscription(key) {
		writeJSON(w, http.StatusBadRequest, errorResponse(NullID(),
			NewError(CodeMethodNotSupported, "subscriptions require a WebSocket connection")))
		return
	}

	input, err := s.readInput(w, r)
	if err != nil {
		s.metrics.reject("parse_error")
		s.logger.DebugContext(r.Context(), "invalid input", "kind", kind, "path", key, "error", err)
		writeJSON(w, http.StatusBadRequest, errorResponse(NullID(), NewError(CodeParseError, "invalid input JSON")))
		return
	}

	req := Request{ID: NullID(), Kind: kind, Path: key, Input: input}
	c, err := s.ctxFn(r.Context(), r)
	if err != nil {
		resp := s.router.fail(r.Context(), req, contextError(err))
		writeJSON(w, httpStatus(resp.Result.Code), resp)
		return
	}

	start := time.Now()
	resp := s.router.Execute(r.Context(), c, req)
	s.logger.DebugContext(r.Context(), "http request",
		"kind", kind,
		"path", key,
		"code", resp.Result.Code,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server[TCtx]) serveBatch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.options.MaxMessageBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge,
			errorResponse(NullID(), NewError(CodeBadRequest, "request body too large")))
		return
	}
	var reqs []Request
	if err := json.Unmarshal(body, &reqs); err != nil {
		s.metrics.reject("parse_error")
		writeJSON(w, http.StatusBadRequest, errorResponse(NullID(), NewError(CodeParseError, "invalid batch JSON")))
		return
	}
	if !s.allow(r, len(reqs)) {
		writeJSON(w, http.StatusTooManyRequests,
			errorResponse(NullID(), NewError(CodeTooManyRequests, "rate limit exceeded")))
		return
	}

	ctxFn := func() (TCtx, error) {
		return s.ctxFn(r.Context(), r)
	}
	writeJSON(w, http.StatusOK, s.router.ExecuteBatch(r.Context(), ctxFn, reqs))
}

// readInput extracts the raw input of a query from the input parameter or
// of a mutation from the body. No input yields nil.
func (s *Server[TCtx]) readInput(w http.ResponseWriter, r *http.Request) (jsontext.Value, error) {
	var raw []byte
	if r.Method == http.MethodGet {
		v := r.URL.Query().Get("input")
		if v == "" {
			return nil, nil
		}
		raw = []byte(v)
	} else {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.options.MaxMessageBytes))
		if err != nil {
			return nil, err
		}
		raw = body
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, nil
	}
	v := jsontext.Value(raw)
	if !v.IsValid() {
		return nil, errors.New("input is not valid JSON")
	}
	return v, nil
}

func (s *Server[TCtx]) isSubscription(key string) bool {
	_, ok := s.router.Get(KindSubscription, key)
	return ok
}

func (s *Server[TCtx]) allow(r *http.Request, n int) bool {
	if s.limiter.AllowN(ratelimit.ClientKey(r), n, time.Now()) {
		return true
	}
	s.metrics.reject("rate_limit")
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.MarshalWrite(w, v)
}

// httpStatus maps an error code onto the status used for failures that
// happen before a procedure runs.
func httpStatus(code ErrorCode) int {
	switch code {
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeBadRequest, CodeParseError, CodeInvalidRequest, CodeDeserializeInput:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeTooManyRequests:
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}
