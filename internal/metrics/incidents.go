package metrics

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Incident is one tripped alert rule. At most one open incident exists
// per rule; re-trips while open are absorbed by the dedup index.
type Incident struct {
	OpenedAt   time.Time  `json:"opened_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	ID         string     `json:"id"`
	RuleID     string     `json:"rule_id"`
	Severity   string     `json:"severity"`
	Message    string     `json:"message"`
}

// IncidentRepository persists incidents in the operational store.
type IncidentRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewIncidentRepository creates an incident repository.
func NewIncidentRepository(db *sql.DB, log zerolog.Logger) *IncidentRepository {
	return &IncidentRepository{
		db:  db,
		log: log.With().Str("repo", "incidents").Logger(),
	}
}

// Open records a tripped rule. Returns true when a new incident was
// opened, false when one is already open for the rule.
func (r *IncidentRepository) Open(ruleID, severity, message string) (bool, error) {
	res, err := r.db.Exec(`
		INSERT OR IGNORE INTO incidents (id, rule_id, severity, message, opened_at)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), ruleID, severity, message, time.Now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to open incident for rule %s: %w", ruleID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	return n == 1, nil
}

// Resolve closes the open incident for a rule, if any. Returns true
// when an incident was actually resolved.
func (r *IncidentRepository) Resolve(ruleID string) (bool, error) {
	res, err := r.db.Exec(`
		UPDATE incidents SET resolved_at = ?
		WHERE rule_id = ? AND resolved_at IS NULL`,
		time.Now().UnixMilli(), ruleID)
	if err != nil {
		return false, fmt.Errorf("failed to resolve incident for rule %s: %w", ruleID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read update result: %w", err)
	}
	return n > 0, nil
}

// ListOpen returns all currently open incidents, oldest first.
func (r *IncidentRepository) ListOpen() ([]Incident, error) {
	rows, err := r.db.Query(`
		SELECT id, rule_id, severity, message, opened_at, resolved_at
		FROM incidents WHERE resolved_at IS NULL ORDER BY opened_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list open incidents: %w", err)
	}
	defer rows.Close()
	return scanIncidents(rows)
}

// ListRecent returns the most recent incidents regardless of state.
func (r *IncidentRepository) ListRecent(limit int) ([]Incident, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(`
		SELECT id, rule_id, severity, message, opened_at, resolved_at
		FROM incidents ORDER BY opened_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	defer rows.Close()
	return scanIncidents(rows)
}

// PruneResolved deletes resolved incidents older than the retention
// window. Open incidents are never pruned.
func (r *IncidentRepository) PruneResolved(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := r.db.Exec(`
		DELETE FROM incidents WHERE resolved_at IS NOT NULL AND resolved_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune incidents: %w", err)
	}
	return res.RowsAffected()
}

func scanIncidents(rows *sql.Rows) ([]Incident, error) {
	var incidents []Incident
	for rows.Next() {
		var (
			inc        Incident
			openedAt   int64
			resolvedAt sql.NullInt64
		)
		if err := rows.Scan(&inc.ID, &inc.RuleID, &inc.Severity, &inc.Message, &openedAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		inc.OpenedAt = time.UnixMilli(openedAt)
		if resolvedAt.Valid {
			t := time.UnixMilli(resolvedAt.Int64)
			inc.ResolvedAt = &t
		}
		incidents = append(incidents, inc)
	}
	return incidents, rows.Err()
}
