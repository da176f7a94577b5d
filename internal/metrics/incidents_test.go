package metrics

import (
	"testing"
	"time"

	testhelpers "github.com/monetahq/moneta/internal/testing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIncidentRepo(t *testing.T) (*IncidentRepository, func()) {
	t.Helper()
	conn, cleanup := testhelpers.NewTestConn(t, "operational")
	return NewIncidentRepository(conn, zerolog.Nop()), cleanup
}

func TestIncidentRepository_OpenDedupesWhileOpen(t *testing.T) {
	repo, cleanup := newIncidentRepo(t)
	defer cleanup()

	opened, err := repo.Open("latency_p95", "HIGH", "p95 latency 6000ms")
	require.NoError(t, err)
	assert.True(t, opened)

	// Second trip while the incident is open is absorbed.
	opened, err = repo.Open("latency_p95", "HIGH", "p95 latency 7000ms")
	require.NoError(t, err)
	assert.False(t, opened)

	open, err := repo.ListOpen()
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "latency_p95", open[0].RuleID)
	assert.Equal(t, "p95 latency 6000ms", open[0].Message)
}

func TestIncidentRepository_ReopensAfterResolve(t *testing.T) {
	repo, cleanup := newIncidentRepo(t)
	defer cleanup()

	opened, err := repo.Open("error_rate", "HIGH", "error rate 8%")
	require.NoError(t, err)
	assert.True(t, opened)

	resolved, err := repo.Resolve("error_rate")
	require.NoError(t, err)
	assert.True(t, resolved)

	// Resolving again is a no-op.
	resolved, err = repo.Resolve("error_rate")
	require.NoError(t, err)
	assert.False(t, resolved)

	// A fresh trip opens a new incident.
	opened, err = repo.Open("error_rate", "HIGH", "error rate 9%")
	require.NoError(t, err)
	assert.True(t, opened)

	recent, err := repo.ListRecent(10)
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}

func TestIncidentRepository_IndependentRules(t *testing.T) {
	repo, cleanup := newIncidentRepo(t)
	defer cleanup()

	opened, err := repo.Open("latency_p95", "HIGH", "slow")
	require.NoError(t, err)
	assert.True(t, opened)

	opened, err = repo.Open("cpu_utilization", "MEDIUM", "hot")
	require.NoError(t, err)
	assert.True(t, opened)

	open, err := repo.ListOpen()
	require.NoError(t, err)
	assert.Len(t, open, 2)
}

func TestIncidentRepository_PruneKeepsOpenIncidents(t *testing.T) {
	repo, cleanup := newIncidentRepo(t)
	defer cleanup()

	_, err := repo.Open("latency_p95", "HIGH", "slow")
	require.NoError(t, err)
	_, err = repo.Open("error_rate", "HIGH", "failing")
	require.NoError(t, err)
	_, err = repo.Resolve("error_rate")
	require.NoError(t, err)

	// Everything resolved before now-0 is prunable.
	time.Sleep(5 * time.Millisecond)
	pruned, err := repo.PruneResolved(0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	open, err := repo.ListOpen()
	require.NoError(t, err)
	assert.Len(t, open, 1)
}
