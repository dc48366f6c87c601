package rspc

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
)

// RequestKind is the kind tag of an incoming request envelope.
type RequestKind string

const (
	RequestQuery             RequestKind = "query"
	RequestMutation          RequestKind = "mutation"
	RequestSubscriptionStart RequestKind = "subscriptionStart"
	RequestSubscriptionStop  RequestKind = "subscriptionStop"
)

// ResultType is the type tag of a response result.
type ResultType string

const (
	ResultValue    ResultType = "value"
	ResultError    ResultType = "error"
	ResultEvent    ResultType = "event"
	ResultComplete ResultType = "complete"
)

// RequestID is the client-supplied correlation token. It is a JSON number,
// a JSON string or null. The zero value is null.
type RequestID struct {
	raw jsontext.Value
}

// NullID returns the null request ID.
func NullID() RequestID {
	return RequestID{}
}

// NumberID returns a numeric request ID.
func NumberID(n int64) RequestID {
	return RequestID{raw: jsontext.Value(strconv.FormatInt(n, 10))}
}

// StringID returns a string request ID.
func StringID(s string) RequestID {
	b, _ := json.Marshal(s)
	return RequestID{raw: b}
}

// IsNull reports whether the ID is null.
func (id RequestID) IsNull() bool {
	return len(id.raw) == 0 || id.raw.Kind() == 'n'
}

// Key returns the canonical form of the ID. Two IDs with the same key
// identify the same subscription; a number and a string never collide.
func (id RequestID) Key() string {
	if id.IsNull() {
		return "null"
	}
	return string(id.raw)
}

func (id RequestID) String() string {
	return id.Key()
}

// Equal reports whether both IDs have the same canonical form.
func (id RequestID) Equal(other RequestID) bool {
	return id.Key() == other.Key()
}

// MarshalJSON implements json.Marshaler.
func (id RequestID) MarshalJSON() ([]byte, error) {
	if id.IsNull() {
		return []byte("null"), nil
	}
	return id.raw, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	v := jsontext.Value(bytes.TrimSpace(data))
	switch v.Kind() {
	case 'n':
		id.raw = nil
		return nil
	case '"', '0':
	default:
		return fmt.Errorf("request id must be a number, a string or null, got %s", v.Kind())
	}
	v = v.Clone()
	if err := v.Canonicalize(); err != nil {
		return fmt.Errorf("invalid request id: %w", err)
	}
	id.raw = v
	return nil
}

// Request is an incoming request envelope.
type Request struct {
	ID    RequestID      `json:"id"`
	Kind  RequestKind    `json:"kind"`
	Path  string         `json:"path,omitzero"`
	Input jsontext.Value `json:"input,omitzero"`
}

// validate checks the envelope shape independently of the router.
func (r *Request) validate() error {
	switch r.Kind {
	case RequestQuery, RequestMutation, RequestSubscriptionStart:
		if r.Path == "" {
			return ErrInvalidRequest(fmt.Sprintf("%s request is missing a path", r.Kind))
		}
	case RequestSubscriptionStop:
	case "":
		return ErrInvalidRequest("request is missing a kind")
	default:
		return ErrInvalidRequest(fmt.Sprintf("unknown request kind %q", r.Kind))
	}
	return nil
}

// procedureKind maps a request kind onto the kind of procedure it invokes.
func (r *Request) procedureKind() (ProcedureKind, bool) {
	switch r.Kind {
	case RequestQuery:
		return KindQuery, true
	case RequestMutation:
		return KindMutation, true
	case RequestSubscriptionStart:
		return KindSubscription, true
	}
	return "", false
}

// Result is the outcome carried by a response.
type Result struct {
	Type    ResultType     `json:"type"`
	Data    jsontext.Value `json:"data,omitzero"`
	Code    ErrorCode      `json:"code,omitzero"`
	Message string         `json:"message,omitzero"`
}

// Response is an outgoing response envelope.
type Response struct {
	ID     RequestID `json:"id"`
	Result Result    `json:"result"`
}

// IsError reports whether the response carries an error result.
func (r Response) IsError() bool {
	return r.Result.Type == ResultError
}

func valueResponse(id RequestID, data jsontext.Value) Response {
	return Response{ID: id, Result: Result{Type: ResultValue, Data: nullIfEmpty(data)}}
}

func eventResponse(id RequestID, data jsontext.Value) Response {
	return Response{ID: id, Result: Result{Type: ResultEvent, Data: nullIfEmpty(data)}}
}

func completeResponse(id RequestID) Response {
	return Response{ID: id, Result: Result{Type: ResultComplete}}
}

func errorResponse(id RequestID, e *Error) Response {
	return Response{ID: id, Result: Result{Type: ResultError, Code: e.Code, Message: e.publicMessage()}}
}

func nullIfEmpty(v jsontext.Value) jsontext.Value {
	if len(v) == 0 {
		return jsontext.Value("null")
	}
	return v
}

// decodeRequests parses a frame holding either one request object or an
// array of them.
func decodeRequests(data []byte) ([]Request, error) {
	if jsontext.Value(data).Kind() == '[' {
		var reqs []Request
		if err := json.Unmarshal(data, &reqs); err != nil {
			return nil, err
		}
		return reqs, nil
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	return []Request{req}, nil
}
