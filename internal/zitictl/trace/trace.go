// Package trace provides request-id generation and context propagation. The
// transport layer stamps every request with an id from GenerateID, sends it
// as X-Request-Id, and logs it through zlog.WithRequest.
package trace

import (
	"context"

	"github.com/google/uuid"
)

// idKey is the unexported context key used to store the request id.
type idKey struct{}

// GenerateID returns a new collision-resistant request id, prefixed so it
// reads unambiguously in logs next to other id-shaped strings (session
// tokens, service ids, ...).
func GenerateID() string {
	return "req_" + uuid.NewString()
}

// WithRequestID returns a child context carrying id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, idKey{}, id)
}

// FromContext extracts the request id from ctx, returning "" if absent.
func FromContext(ctx context.Context) string {
	if v, ok := ctx.Value(idKey{}).(string); ok {
		return v
	}
	return ""
}
