package rspc

import (
	"context"

	"github.com/google/uuid"
)

// WithTestConnection returns a context carrying a minimal [Conn] with the
// given ID, or a random one if id is empty. The connection has no
// functioning transport and is intended exclusively for use in tests.
func WithTestConnection(ctx context.Context, id string) context.Context {
	if id == "" {
		id = uuid.NewString()
	}
	c := &Conn{id: id}
	c.ctx, c.cancel = context.WithCancel(withConnection(ctx, c))
	return c.ctx
}
