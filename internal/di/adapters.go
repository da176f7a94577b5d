// Package di provides small adapters that glue modules together without
// introducing package dependencies between them.
package di

import (
	"context"

	"github.com/monetahq/moneta/internal/modules/orders"
	"github.com/monetahq/moneta/internal/modules/portfolio"
	"github.com/monetahq/moneta/internal/scheduler"
)

// UserSyncLauncher submits per-user sync jobs to the scheduler. The
// reconcile endpoint uses it so a sync already in flight for the user is
// reported as coalesced instead of queued twice; the runner keys
// in-flight runs by job name, and the job name carries the user id.
type UserSyncLauncher struct {
	runner *scheduler.Runner
	syncs  *portfolio.SyncService
}

// NewUserSyncLauncher creates the launcher.
func NewUserSyncLauncher(runner *scheduler.Runner, syncs *portfolio.SyncService) *UserSyncLauncher {
	return &UserSyncLauncher{runner: runner, syncs: syncs}
}

// LaunchUserSync enqueues one sync pass for the user and returns the task
// id to poll. coalesced reports that a pass was already queued or running.
func (l *UserSyncLauncher) LaunchUserSync(userID string) (taskID string, coalesced bool, err error) {
	return l.runner.Submit(portfolio.NewUserSyncJob(l.syncs, userID))
}

// symbolUnion merges held symbols with symbols referenced by open orders,
// so the market data refresher quotes both.
type symbolUnion struct {
	holdings *portfolio.HoldingRepository
	orders   *orders.Service
}

func (u *symbolUnion) ActiveSymbols(ctx context.Context) ([]string, error) {
	held, err := u.holdings.ActiveSymbols(ctx)
	if err != nil {
		return nil, err
	}
	open, err := u.orders.ActiveSymbols(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(held)+len(open))
	merged := make([]string, 0, len(held)+len(open))
	for _, symbol := range append(held, open...) {
		if _, ok := seen[symbol]; ok {
			continue
		}
		seen[symbol] = struct{}{}
		merged = append(merged, symbol)
	}
	return merged, nil
}
