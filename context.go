package rspc

import "context"

type contextKey int

const (
	connectionKey contextKey = iota
	requestMetaKey
)

// Connection returns the Conn a request arrived on.
// Returns nil if not present, for example for plain HTTP requests.
func Connection(ctx context.Context) *Conn {
	if c, ok := ctx.Value(connectionKey).(*Conn); ok {
		return c
	}
	return nil
}

// withConnection returns a context with the given connection.
func withConnection(ctx context.Context, c *Conn) context.Context {
	return context.WithValue(ctx, connectionKey, c)
}

// RequestMetaFromContext returns the metadata of the procedure being
// executed.
func RequestMetaFromContext(ctx context.Context) (RequestMeta, bool) {
	meta, ok := ctx.Value(requestMetaKey).(RequestMeta)
	return meta, ok
}

// withRequestMeta returns a context with the given request metadata.
func withRequestMeta(ctx context.Context, meta RequestMeta) context.Context {
	return context.WithValue(ctx, requestMetaKey, meta)
}
