// Package auth carries the authenticated operator through a request.
package auth

import (
	"context"
	"strings"
)

// OperatorHeader lets a client name the operator acting behind the shared
// API token. It is recorded, not trusted for access decisions.
const OperatorHeader = "X-Upkeep-Operator"

const maxIdentityLen = 255

// Authentication methods.
const (
	MethodBearer = "bearer"
	MethodQuery  = "query"
)

type contextKey struct{}

type Operator struct {
	// Identity is empty when the client did not name itself.
	Identity string
	Method   string
}

func WithOperator(ctx context.Context, op Operator) context.Context {
	return context.WithValue(ctx, contextKey{}, op)
}

func FromContext(ctx context.Context) (Operator, bool) {
	op, ok := ctx.Value(contextKey{}).(Operator)
	return op, ok
}

// Identity returns the operator identity, or "" for anonymous and
// unauthenticated requests.
func Identity(ctx context.Context) string {
	op, ok := FromContext(ctx)
	if !ok {
		return ""
	}
	return op.Identity
}

// CleanIdentity trims a header value and rejects control characters and
// oversized values.
func CleanIdentity(v string) string {
	v = strings.TrimSpace(v)
	if len(v) > maxIdentityLen {
		return ""
	}
	for _, r := range v {
		if r < 0x20 || r == 0x7f {
			return ""
		}
	}
	return v
}
