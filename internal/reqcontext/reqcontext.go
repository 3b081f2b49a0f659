// Package reqcontext carries the request origin through a call tree: the
// logical source of an outbound MCP call (external, internal, debugger).
// WithOrigin scopes an override to one call tree via context.Context.
package reqcontext

import (
	"context"

	"github.com/catkins/mcp-bouncer/internal/eventlog"
)

type originKey struct{}

// WithOrigin returns a derived context carrying origin, overriding any
// previously scoped value.
func WithOrigin(ctx context.Context, origin eventlog.Origin) context.Context {
	return context.WithValue(ctx, originKey{}, origin)
}

// Origin reads the scoped origin, defaulting to OriginInternal.
func Origin(ctx context.Context) eventlog.Origin {
	if v, ok := ctx.Value(originKey{}).(eventlog.Origin); ok {
		return v
	}
	return eventlog.OriginInternal
}
