// Package correlation stamps every inbound lock operation with an identifier
// that follows it through log entries on all daemons it touches.
package correlation

import (
	"context"

	"github.com/rs/xid"
)

type contextKey struct{}

// Generate returns a fresh correlation identifier.
func Generate() string {
	return xid.New().String()
}

// Set records id on the returned context.
func Set(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, id)
}

// ID returns the correlation identifier on ctx, or "".
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Ensure returns ctx carrying a correlation identifier, generating one when
// absent, along with the identifier itself.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := ID(ctx); id != "" {
		return ctx, id
	}
	id := Generate()
	return Set(ctx, id), id
}
