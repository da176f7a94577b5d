// Package scheduler runs background jobs: cron-scheduled and on-demand,
// executed on a bounded worker pool with at most one run per job name in
// flight. Every run is persisted as a task_run row so API callers can
// poll job progress and fetch results.
package scheduler

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// TaskState is the lifecycle state of one task run.
type TaskState string

const (
	TaskStateQueued    TaskState = "queued"
	TaskStateRunning   TaskState = "running"
	TaskStateSucceeded TaskState = "succeeded"
	TaskStateFailed    TaskState = "failed"
	TaskStateCancelled TaskState = "cancelled"
)

// IsFinal reports whether the state is terminal.
func (s TaskState) IsFinal() bool {
	return s == TaskStateSucceeded || s == TaskStateFailed || s == TaskStateCancelled
}

// TaskRun is one persisted execution of a named job.
type TaskRun struct {
	QueuedAt   time.Time  `json:"queued_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	State      TaskState  `json:"state"`
	LastError  string     `json:"error,omitempty"`
	result     []byte
}

// DecodeResult unmarshals the run's msgpack result payload into out.
// Returns false when the run produced no result.
func (t *TaskRun) DecodeResult(out interface{}) (bool, error) {
	if len(t.result) == 0 {
		return false, nil
	}
	if err := msgpack.Unmarshal(t.result, out); err != nil {
		return false, fmt.Errorf("failed to decode task result: %w", err)
	}
	return true, nil
}

// ResultMap decodes the result payload into a generic map for API
// responses. Returns nil when the run produced no result.
func (t *TaskRun) ResultMap() (map[string]interface{}, error) {
	if len(t.result) == 0 {
		return nil, nil
	}
	var out map[string]interface{}
	if err := msgpack.Unmarshal(t.result, &out); err != nil {
		return nil, fmt.Errorf("failed to decode task result: %w", err)
	}
	return out, nil
}

// TaskStore persists task runs in the operational store.
type TaskStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewTaskStore creates a task store.
func NewTaskStore(db *sql.DB, log zerolog.Logger) *TaskStore {
	return &TaskStore{
		db:  db,
		log: log.With().Str("repo", "task_runs").Logger(),
	}
}

// Create inserts a queued run for the named job.
func (s *TaskStore) Create(name string) (*TaskRun, error) {
	run := &TaskRun{
		ID:       uuid.New().String(),
		Name:     name,
		State:    TaskStateQueued,
		QueuedAt: time.Now(),
	}
	_, err := s.db.Exec(`
		INSERT INTO task_runs (id, name, state, queued_at)
		VALUES (?, ?, ?, ?)`,
		run.ID, run.Name, string(run.State), run.QueuedAt.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to create task run for %s: %w", name, err)
	}
	return run, nil
}

// MarkRunning transitions a run to running.
func (s *TaskStore) MarkRunning(id string) error {
	_, err := s.db.Exec(`
		UPDATE task_runs SET state = ?, started_at = ? WHERE id = ?`,
		string(TaskStateRunning), time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to mark task run %s running: %w", id, err)
	}
	return nil
}

// MarkSucceeded finishes a run with an optional msgpack-encoded result.
func (s *TaskStore) MarkSucceeded(id string, result interface{}) error {
	var payload []byte
	if result != nil {
		var err error
		payload, err = msgpack.Marshal(result)
		if err != nil {
			s.log.Error().Err(err).Str("task_id", id).Msg("Failed to encode task result, storing without it")
			payload = nil
		}
	}
	_, err := s.db.Exec(`
		UPDATE task_runs SET state = ?, finished_at = ?, result = ? WHERE id = ?`,
		string(TaskStateSucceeded), time.Now().UnixMilli(), payload, id)
	if err != nil {
		return fmt.Errorf("failed to mark task run %s succeeded: %w", id, err)
	}
	return nil
}

// MarkFailed finishes a run with an error message.
func (s *TaskStore) MarkFailed(id string, errMsg string) error {
	_, err := s.db.Exec(`
		UPDATE task_runs SET state = ?, finished_at = ?, last_error = ? WHERE id = ?`,
		string(TaskStateFailed), time.Now().UnixMilli(), errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to mark task run %s failed: %w", id, err)
	}
	return nil
}

// MarkCancelled finishes a run that was shed before execution.
func (s *TaskStore) MarkCancelled(id string, reason string) error {
	_, err := s.db.Exec(`
		UPDATE task_runs SET state = ?, finished_at = ?, last_error = ? WHERE id = ?`,
		string(TaskStateCancelled), time.Now().UnixMilli(), reason, id)
	if err != nil {
		return fmt.Errorf("failed to mark task run %s cancelled: %w", id, err)
	}
	return nil
}

// Get returns one run by id, or nil when unknown.
func (s *TaskStore) Get(id string) (*TaskRun, error) {
	row := s.db.QueryRow(`
		SELECT id, name, state, queued_at, started_at, finished_at, result, last_error
		FROM task_runs WHERE id = ?`, id)
	run, err := scanTaskRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// FindRunning returns the in-flight run for a job name, or nil.
func (s *TaskStore) FindRunning(name string) (*TaskRun, error) {
	row := s.db.QueryRow(`
		SELECT id, name, state, queued_at, started_at, finished_at, result, last_error
		FROM task_runs WHERE name = ? AND state IN (?, ?)
		ORDER BY queued_at DESC LIMIT 1`,
		name, string(TaskStateQueued), string(TaskStateRunning))
	run, err := scanTaskRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// ListRecent returns the latest runs, optionally filtered by job name.
func (s *TaskStore) ListRecent(name string, limit int) ([]TaskRun, error) {
	if limit <= 0 {
		limit = 50
	}

	var (
		rows *sql.Rows
		err  error
	)
	if name == "" {
		rows, err = s.db.Query(`
			SELECT id, name, state, queued_at, started_at, finished_at, result, last_error
			FROM task_runs ORDER BY queued_at DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.Query(`
			SELECT id, name, state, queued_at, started_at, finished_at, result, last_error
			FROM task_runs WHERE name = ? ORDER BY queued_at DESC LIMIT ?`, name, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list task runs: %w", err)
	}
	defer rows.Close()

	var runs []TaskRun
	for rows.Next() {
		run, err := scanTaskRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// PruneFinished deletes terminal runs that finished before the retention
// window. Queued and running rows are never pruned.
func (s *TaskStore) PruneFinished(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := s.db.Exec(`
		DELETE FROM task_runs
		WHERE state IN (?, ?, ?) AND finished_at IS NOT NULL AND finished_at < ?`,
		string(TaskStateSucceeded), string(TaskStateFailed), string(TaskStateCancelled), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune task runs: %w", err)
	}
	return res.RowsAffected()
}

// RecoverInterrupted marks queued/running rows left over from a previous
// process as failed. Called once at startup before the runner starts.
func (s *TaskStore) RecoverInterrupted() (int64, error) {
	res, err := s.db.Exec(`
		UPDATE task_runs SET state = ?, finished_at = ?, last_error = ?
		WHERE state IN (?, ?)`,
		string(TaskStateFailed), time.Now().UnixMilli(), "interrupted by restart",
		string(TaskStateQueued), string(TaskStateRunning))
	if err != nil {
		return 0, fmt.Errorf("failed to recover interrupted task runs: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTaskRun(row rowScanner) (*TaskRun, error) {
	var (
		run        TaskRun
		state      string
		queuedAt   int64
		startedAt  sql.NullInt64
		finishedAt sql.NullInt64
		result     []byte
		lastError  sql.NullString
	)
	if err := row.Scan(&run.ID, &run.Name, &state, &queuedAt, &startedAt, &finishedAt, &result, &lastError); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan task run: %w", err)
	}
	run.State = TaskState(state)
	run.QueuedAt = time.UnixMilli(queuedAt)
	if startedAt.Valid {
		t := time.UnixMilli(startedAt.Int64)
		run.StartedAt = &t
	}
	if finishedAt.Valid {
		t := time.UnixMilli(finishedAt.Int64)
		run.FinishedAt = &t
	}
	run.result = result
	run.LastError = lastError.String
	return &run, nil
}
