package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alitto/pond"
	"github.com/monetahq/moneta/internal/domain"
	"github.com/monetahq/moneta/internal/events"
	"github.com/monetahq/moneta/internal/metrics"
	"github.com/monetahq/moneta/internal/reliability"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is the unit of schedulable work. Run must honor ctx cancellation;
// the runner cancels all jobs on shutdown.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// ResultProvider is optionally implemented by jobs that produce a result
// payload worth persisting with the task run.
type ResultProvider interface {
	Result() interface{}
}

// submitQueueCapacity bounds tasks waiting for a worker. On-demand
// submissions beyond it are shed rather than queued unboundedly.
const submitQueueCapacity = 64

// Snapshot is a point-in-time view of the runner for health reporting.
type Snapshot struct {
	RunningWorkers int      `json:"running_workers"`
	WaitingTasks   uint64   `json:"waiting_tasks"`
	InFlight       []string `json:"in_flight"`
	ScheduledJobs  int      `json:"scheduled_jobs"`
}

// Runner executes jobs on a bounded worker pool. Cron entries and
// on-demand submissions share the pool; at most one run per job name is
// in flight at any time.
type Runner struct {
	pool   *pond.WorkerPool
	cron   *cron.Cron
	store  *TaskStore
	events *events.Manager
	mirror *metrics.Mirror
	log    zerolog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	inFlight map[string]string // job name -> running task id
	closed   bool
}

// NewRunner creates the runner. mirror may be nil in tests.
func NewRunner(store *TaskStore, eventManager *events.Manager, mirror *metrics.Mirror, workers int, log zerolog.Logger) *Runner {
	runnerLog := log.With().Str("component", "scheduler").Logger()

	pool := pond.New(
		workers,
		submitQueueCapacity,
		pond.MinWorkers(1),
		pond.IdleTimeout(time.Minute),
		pond.Strategy(pond.Balanced()),
		pond.PanicHandler(func(p interface{}) {
			runnerLog.Error().Interface("panic", p).Msg("Scheduler worker panic recovered")
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		pool:     pool,
		cron:     cron.New(),
		store:    store,
		events:   eventManager,
		mirror:   mirror,
		log:      runnerLog,
		baseCtx:  ctx,
		cancel:   cancel,
		inFlight: make(map[string]string),
	}
}

// Schedule registers a cron entry for the job. The spec uses the
// standard five-field syntax and accepts a CRON_TZ= prefix, e.g.
// "CRON_TZ=America/New_York 5 16 * * 1-5". A tick that finds the job
// already in flight is skipped.
func (r *Runner) Schedule(spec string, job Job) error {
	_, err := r.cron.AddFunc(spec, func() {
		if _, already, err := r.Submit(job); err != nil {
			r.log.Error().Err(err).Str("job", job.Name()).Msg("Failed to enqueue scheduled job")
		} else if already {
			r.log.Debug().Str("job", job.Name()).Msg("Previous run still in flight, skipping tick")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule job %s (%q): %w", job.Name(), spec, err)
	}

	r.log.Info().Str("job", job.Name()).Str("schedule", spec).Msg("Job registered")
	return nil
}

// Submit enqueues one run of the job. When a run for the same name is
// already queued or running, Submit returns its task id with already
// set instead of enqueueing a second one.
func (r *Runner) Submit(job Job) (taskID string, already bool, err error) {
	name := job.Name()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", false, domain.NewError(domain.CodeInternal, "scheduler is shut down", domain.CategorySystem, domain.SeverityHigh)
	}
	if id, ok := r.inFlight[name]; ok {
		r.mu.Unlock()
		return id, true, nil
	}

	run, err := r.store.Create(name)
	if err != nil {
		r.mu.Unlock()
		return "", false, err
	}
	r.inFlight[name] = run.ID
	r.mu.Unlock()

	if !r.pool.TrySubmit(r.execute(run.ID, job)) {
		r.clearInFlight(name)
		if markErr := r.store.MarkCancelled(run.ID, "worker queue full"); markErr != nil {
			r.log.Error().Err(markErr).Str("task_id", run.ID).Msg("Failed to mark shed task cancelled")
		}
		return "", false, domain.NewError(domain.CodeInternal, "scheduler queue is full", domain.CategorySystem, domain.SeverityHigh)
	}

	return run.ID, false, nil
}

func (r *Runner) execute(taskID string, job Job) func() {
	name := job.Name()

	return func() {
		defer r.clearInFlight(name)

		ctx := reliability.WithCorrelationID(r.baseCtx, reliability.NewTaskCorrelationID(name))
		taskLog := r.log.With().Str("task", name).Str("task_id", taskID).Logger()

		if err := r.store.MarkRunning(taskID); err != nil {
			taskLog.Error().Err(err).Msg("Failed to mark task running")
		}
		r.events.EmitTyped(events.TaskStarted, "scheduler", &events.TaskStatusData{
			TaskID:    taskID,
			TaskName:  name,
			Status:    "started",
			Timestamp: time.Now(),
		})

		start := time.Now()
		err := r.runRecovered(ctx, job)
		duration := time.Since(start)

		if err != nil {
			taskLog.Error().Err(err).Dur("duration", duration).Msg("Task failed")
			if markErr := r.store.MarkFailed(taskID, err.Error()); markErr != nil {
				taskLog.Error().Err(markErr).Msg("Failed to mark task failed")
			}
			r.events.EmitTyped(events.TaskFailed, "scheduler", &events.TaskStatusData{
				TaskID:    taskID,
				TaskName:  name,
				Status:    "failed",
				Error:     err.Error(),
				Duration:  duration.Seconds(),
				Timestamp: time.Now(),
			})
			if r.mirror != nil {
				r.mirror.TaskFinished(name, string(TaskStateFailed))
			}
			return
		}

		var result interface{}
		if provider, ok := job.(ResultProvider); ok {
			result = provider.Result()
		}
		if markErr := r.store.MarkSucceeded(taskID, result); markErr != nil {
			taskLog.Error().Err(markErr).Msg("Failed to mark task succeeded")
		}

		taskLog.Info().Dur("duration", duration).Msg("Task completed")
		r.events.EmitTyped(events.TaskCompleted, "scheduler", &events.TaskStatusData{
			TaskID:    taskID,
			TaskName:  name,
			Status:    "completed",
			Duration:  duration.Seconds(),
			Timestamp: time.Now(),
		})
		if r.mirror != nil {
			r.mirror.TaskFinished(name, string(TaskStateSucceeded))
		}
	}
}

// runRecovered turns a job panic into an error so the run is recorded
// as failed instead of burning a pool worker.
func (r *Runner) runRecovered(ctx context.Context, job Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return job.Run(ctx)
}

func (r *Runner) clearInFlight(name string) {
	r.mu.Lock()
	delete(r.inFlight, name)
	r.mu.Unlock()
}

// Start begins firing cron entries. On-demand Submit works before Start.
func (r *Runner) Start() {
	r.cron.Start()
	r.log.Info().Int("scheduled_jobs", len(r.cron.Entries())).Msg("Scheduler started")
}

// Stop drains the runner: no new cron fires, the base context is
// cancelled, and workers get up to timeout to finish.
func (r *Runner) Stop(timeout time.Duration) {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	cronCtx := r.cron.Stop()
	<-cronCtx.Done()

	r.cancel()
	r.pool.StopAndWaitFor(timeout)
	r.log.Info().Msg("Scheduler stopped")
}

// Snapshot reports pool and schedule state for the health endpoint.
func (r *Runner) Snapshot() Snapshot {
	r.mu.Lock()
	inFlight := make([]string, 0, len(r.inFlight))
	for name := range r.inFlight {
		inFlight = append(inFlight, name)
	}
	r.mu.Unlock()
	sort.Strings(inFlight)

	return Snapshot{
		RunningWorkers: r.pool.RunningWorkers(),
		WaitingTasks:   r.pool.WaitingTasks(),
		InFlight:       inFlight,
		ScheduledJobs:  len(r.cron.Entries()),
	}
}
