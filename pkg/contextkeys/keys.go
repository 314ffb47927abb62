// Package contextkeys provides centralized context key definitions
//
// All context keys used across the application are defined here. Keys are
// only set at the HTTP boundary; domain code receives values as parameters.
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// PrincipalKey contains principal.Principal
	// Set by: auth.Authenticator (pkg/auth/middleware.go)
	// Read by: HTTP handlers, which pass it on explicitly
	PrincipalKey Key = "principal"

	// RequestIDKey contains request ID string (UUID)
	// Set by: httputil.RequestID middleware
	// Used by: Logger, error responses
	RequestIDKey Key = "request_id"
)

// WithPrincipal adds the acting principal to the context
func WithPrincipal(ctx context.Context, p interface{}) context.Context {
	return context.WithValue(ctx, PrincipalKey, p)
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}
