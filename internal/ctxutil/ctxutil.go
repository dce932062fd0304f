// Package ctxutil provides shared context key accessors.
//
// The server, the orchestrator and the engine bridge all log on behalf of
// one request. They tag their records from the context instead of passing
// request identity through every call.
package ctxutil

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	keySessionID  contextKey = "session_id"
	keyRemoteAddr contextKey = "remote_addr"
)

// WithSessionID returns a new context carrying the simulation session id.
func WithSessionID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, keySessionID, id)
}

// SessionIDFromContext extracts the session id from the context.
func SessionIDFromContext(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(keySessionID).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}

// WithRemoteAddr returns a new context carrying the client address.
func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, keyRemoteAddr, addr)
}

// RemoteAddrFromContext extracts the client address from the context.
func RemoteAddrFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyRemoteAddr).(string); ok {
		return v
	}
	return ""
}
