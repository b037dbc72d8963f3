package observability

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	correlationIDContextKey contextKey = "correlation_id"
	requestIDContextKey     contextKey = "request_id"

	// CorrelationIDKey is the log attribute key for correlation IDs.
	CorrelationIDKey = "correlation_id"
	// RequestIDKey is the log attribute key for request IDs.
	RequestIDKey = "request_id"
)

// WithCorrelationID returns a context carrying the given correlation ID.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDContextKey, id)
}

// WithNewCorrelationID returns a context carrying a fresh correlation ID.
func WithNewCorrelationID(ctx context.Context) context.Context {
	return WithCorrelationID(ctx, uuid.NewString())
}

// CorrelationIDFromContext extracts the correlation ID, or "" if absent.
func CorrelationIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(correlationIDContextKey).(string); ok {
		return v
	}
	return ""
}

// WithRequestID returns a context carrying the given request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDContextKey, id)
}

// RequestIDFromContext extracts the request ID, or "" if absent.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDContextKey).(string); ok {
		return v
	}
	return ""
}
