package reliability

import (
	"context"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
)

func TestCorrelationIDRoundTrip(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "corr-1")
	assert.Equal(t, "corr-1", CorrelationID(ctx))
}

func TestCorrelationIDFallsBackToRequestID(t *testing.T) {
	ctx := context.WithValue(context.Background(), middleware.RequestIDKey, "req-42")
	assert.Equal(t, "req-42", CorrelationID(ctx))

	// An explicit correlation ID outranks the request ID.
	ctx = WithCorrelationID(ctx, "corr-1")
	assert.Equal(t, "corr-1", CorrelationID(ctx))
}

func TestCorrelationIDEmptyWithoutSource(t *testing.T) {
	assert.Equal(t, "", CorrelationID(context.Background()))
}

func TestEnsureCorrelationIDMintsOnce(t *testing.T) {
	ctx, id := EnsureCorrelationID(context.Background())
	assert.NotEmpty(t, id)
	assert.Equal(t, id, CorrelationID(ctx))

	again, sameID := EnsureCorrelationID(ctx)
	assert.Equal(t, id, sameID)
	assert.Equal(t, ctx, again)
}

func TestNewTaskCorrelationID(t *testing.T) {
	id := NewTaskCorrelationID("reconcile_orders")
	assert.True(t, strings.HasPrefix(id, "task-reconcile_orders-"))
	assert.Len(t, strings.TrimPrefix(id, "task-reconcile_orders-"), 8)
}
