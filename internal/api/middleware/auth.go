// Package middleware provides the HTTP middleware stack for the gateway:
// structured request logging, constant-time API key auth, owner context,
// OpenTelemetry tracing, and the Authorization shim for the
// OpenAI-compatible namespace.
package middleware

import "context"

type contextKey string

const ownerKey contextKey = "owner"

// WithOwner stores the authenticated owner key on the context.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey, owner)
}

// GetOwner returns the authenticated owner key, or "" on unauthenticated
// routes.
func GetOwner(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey).(string)
	return owner
}
