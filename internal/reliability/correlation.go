// Package reliability provides the cross-cutting resilience toolkit:
// correlation IDs, error classification, retry and circuit breaker
// policies for outbound calls, and database backup plumbing.
package reliability

import (
	"context"
	"fmt"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

type correlationKey struct{}

// WithCorrelationID returns a context carrying the given correlation ID.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID extracts the correlation ID from the context. HTTP
// requests fall back to the chi request ID; background work that never
// set one gets "".
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok && id != "" {
		return id
	}
	return middleware.GetReqID(ctx)
}

// NewTaskCorrelationID mints a correlation ID for a scheduler task run.
func NewTaskCorrelationID(taskName string) string {
	return fmt.Sprintf("task-%s-%s", taskName, uuid.NewString()[:8])
}

// EnsureCorrelationID returns the context's correlation ID, minting and
// attaching one when absent.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	if id := CorrelationID(ctx); id != "" {
		return ctx, id
	}
	id := uuid.NewString()
	return WithCorrelationID(ctx, id), id
}
