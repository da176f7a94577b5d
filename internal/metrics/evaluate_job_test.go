package metrics

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/monetahq/moneta/internal/domain"
	"github.com/monetahq/moneta/internal/events"
	testhelpers "github.com/monetahq/moneta/internal/testing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluationJob_OpensIncidentAndRaisesAlertOnce(t *testing.T) {
	conn, cleanup := testhelpers.NewTestConn(t, "operational")
	defer cleanup()

	incidents := NewIncidentRepository(conn, zerolog.Nop())
	bus := events.NewBus(zerolog.Nop())
	defer bus.Close()
	manager := events.NewManager(bus, zerolog.Nop())

	var alerts atomic.Int32
	received := make(chan *events.Event, 4)
	bus.Subscribe(events.AlertRaised, func(e *events.Event) {
		alerts.Add(1)
		received <- e
	})

	tripped := atomic.Bool{}
	tripped.Store(true)
	rule := Rule{
		ID:       "test_rule",
		Severity: domain.SeverityHigh,
		Evaluate: func(ctx context.Context) (bool, string) {
			return tripped.Load(), "threshold exceeded"
		},
	}

	job := NewEvaluationJob([]Rule{rule}, incidents, manager, "", zerolog.Nop())
	require.Equal(t, "evaluate_alert_rules", job.Name())

	// First run trips: one incident, one alert event.
	require.NoError(t, job.Run(context.Background()))
	select {
	case e := <-received:
		data, ok := e.GetTypedData().(*events.AlertData)
		require.True(t, ok)
		assert.Equal(t, "test_rule", data.RuleID)
		assert.Equal(t, "HIGH", data.Severity)
	case <-time.After(time.Second):
		t.Fatal("expected an alert event")
	}

	// Second run while still tripped: deduplicated, no second alert.
	require.NoError(t, job.Run(context.Background()))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), alerts.Load())

	// Recovery resolves the incident, allowing a future re-alert.
	tripped.Store(false)
	require.NoError(t, job.Run(context.Background()))

	open, err := incidents.ListOpen()
	require.NoError(t, err)
	assert.Empty(t, open)

	tripped.Store(true)
	require.NoError(t, job.Run(context.Background()))
	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("expected a second alert after recovery")
	}
}
