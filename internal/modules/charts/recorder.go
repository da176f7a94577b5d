package charts

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/monetahq/moneta/internal/domain"
	"github.com/monetahq/moneta/internal/modules/portfolio"
)

// SummarySource produces current portfolio totals. Satisfied by the
// portfolio view service.
type SummarySource interface {
	Summary(ctx context.Context, userID string) (*portfolio.Summary, error)
}

// UserSource lists the users whose values get snapshotted. Satisfied by
// the user repository.
type UserSource interface {
	ListActive(ctx context.Context) ([]domain.User, error)
}

// Recorder appends portfolio value snapshots to the history store. It
// runs after account syncs and market refreshes so charts track both
// custodian data and price moves.
type Recorder struct {
	history   *HistoryRepository
	summaries SummarySource
	users     UserSource
	log       zerolog.Logger
}

// NewRecorder creates a snapshot recorder.
func NewRecorder(history *HistoryRepository, summaries SummarySource, users UserSource, log zerolog.Logger) *Recorder {
	return &Recorder{
		history:   history,
		summaries: summaries,
		users:     users,
		log:       log.With().Str("component", "history_recorder").Logger(),
	}
}

// Record snapshots one user's current portfolio value.
func (r *Recorder) Record(ctx context.Context, userID string) error {
	summary, err := r.summaries.Summary(ctx, userID)
	if err != nil {
		return err
	}
	return r.history.Append(ctx, userID, HistoryPoint{
		Ts:            summary.AsOf,
		TotalValue:    summary.TotalValue,
		InvestedValue: summary.InvestedValue,
		CashValue:     summary.CashValue,
	})
}

// RecordAll snapshots every active user, continuing past individual
// failures. Returns how many snapshots landed.
func (r *Recorder) RecordAll(ctx context.Context) (int, error) {
	users, err := r.users.ListActive(ctx)
	if err != nil {
		return 0, err
	}

	recorded := 0
	for i := range users {
		if ctx.Err() != nil {
			return recorded, ctx.Err()
		}
		if err := r.Record(ctx, users[i].ID); err != nil {
			r.log.Warn().Err(err).Str("user_id", users[i].ID).Msg("Failed to record portfolio snapshot")
			continue
		}
		recorded++
	}
	return recorded, nil
}
