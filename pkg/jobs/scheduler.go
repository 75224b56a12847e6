// Package jobs implements the Job Scheduler described in spec.md §4.7: a
// cron-like, two-phase (execute then post_execute) runner for named,
// singleton jobs, each tracked by a Job row recording its last execution
// and an append-only JobHistory row per run. cmd/engine registers the
// refresh sweep as such a job; the Cleanup Handler (C8) in this package is
// an event handler on the dispatcher, not a scheduled job.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	apperrors "github.com/maccas-fleet/engine/internal/errors"
	"github.com/maccas-fleet/engine/pkg/metrics"
	"github.com/maccas-fleet/engine/pkg/model"
	"github.com/maccas-fleet/engine/pkg/queue"
)

// Func is one phase of a job's execution.
type Func func(ctx context.Context) error

// Job is a named, independently scheduled unit of work. Execute runs
// first; PostExecute, if set, runs afterward only once Execute has
// succeeded, so a follow-up event is never enqueued for an effect that
// never actually happened.
type Job struct {
	Name        string
	Schedule    cron.Schedule
	Execute     Func
	PostExecute Func
}

// Store tracks each job's last execution time and its run history.
type Store interface {
	EnsureJob(ctx context.Context, name string) error
	GetLastExecution(ctx context.Context, name string) (*time.Time, error)
	SetLastExecution(ctx context.Context, name string, at time.Time) error
	RecordHistory(ctx context.Context, history model.JobHistory) error
}

// SQLStore is the Postgres-backed Store.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore builds a SQLStore over db.
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) EnsureJob(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (name) VALUES ($1)
		ON CONFLICT (name) DO NOTHING`, name)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to register job")
	}
	return nil
}

func (s *SQLStore) GetLastExecution(ctx context.Context, name string) (*time.Time, error) {
	var lastExecution *time.Time
	err := s.db.GetContext(ctx, &lastExecution, `SELECT last_execution FROM jobs WHERE name = $1`, name)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to read job last execution")
	}
	return lastExecution, nil
}

func (s *SQLStore) SetLastExecution(ctx context.Context, name string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET last_execution = $1 WHERE name = $2`, at, name)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to update job last execution")
	}
	return nil
}

func (s *SQLStore) RecordHistory(ctx context.Context, history model.JobHistory) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO job_history (execution_id, job_name, started_at, completed_at, error, error_message)
		VALUES (:execution_id, :job_name, :started_at, :completed_at, :error, :error_message)`,
		history)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to record job history")
	}
	return nil
}

// runJobMessage is the batch_job_queue wire payload: just the job name,
// matching the RunJob{name} shape spec.md §4.7 describes.
type runJobMessage struct {
	Name string `json:"name"`
}

// Scheduler runs every registered Job whose schedule has elapsed since its
// last recorded execution, and also accepts on-demand runs by name. Both
// paths go through the same batch_job_queue: a ticker pushes a RunJob
// message for each due job, and a separate poll loop leases messages off
// that queue and actually executes them, so a scheduled run and an
// operator-triggered run are processed identically.
type Scheduler struct {
	store Store
	queue *queue.Queue
	log   *logrus.Logger

	tickInterval      time.Duration
	pollInterval      time.Duration
	visibilityTimeout time.Duration
	batchSize         int

	jobs   []*Job
	byName map[string]*Job
}

// NewScheduler builds a Scheduler that ticks its schedule at tickInterval
// and polls q (the batch job queue) for RunJob messages.
func NewScheduler(store Store, q *queue.Queue, tickInterval time.Duration, log *logrus.Logger) *Scheduler {
	return &Scheduler{
		store:             store,
		queue:             q,
		tickInterval:      tickInterval,
		pollInterval:      500 * time.Millisecond,
		visibilityTimeout: 5 * time.Minute,
		batchSize:         10,
		byName:            make(map[string]*Job),
		log:               log,
	}
}

// Register adds job to the schedule. Init must be called afterward (or
// again) to upsert its Job row before Run starts ticking.
func (s *Scheduler) Register(job *Job) {
	s.jobs = append(s.jobs, job)
	s.byName[job.Name] = job
}

// Init upserts a Job row for every registered job, so GetLastExecution
// never has to special-case a job that has never run.
func (s *Scheduler) Init(ctx context.Context) error {
	for _, job := range s.jobs {
		if err := s.store.EnsureJob(ctx, job.Name); err != nil {
			return err
		}
	}
	return nil
}

// RunJob is the on-demand entry point (spec.md §4.7's run_job(name)): it
// pushes a RunJob message for name onto the batch job queue with zero
// delay. It returns an error immediately, before the message is even
// pushed, if no job is registered under that name.
func (s *Scheduler) RunJob(ctx context.Context, name string) error {
	if _, ok := s.byName[name]; !ok {
		return apperrors.New(apperrors.ErrorTypeNotFound, fmt.Sprintf("no job registered with name %q", name))
	}
	payload, err := json.Marshal(runJobMessage{Name: name})
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to encode run-job message")
	}
	if _, err := s.queue.Push(ctx, payload, time.Now()); err != nil {
		return err
	}
	return nil
}

// Run starts both the schedule ticker and the queue poll loop, and blocks
// until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	go s.runScheduleLoop(ctx)
	s.runPollLoop(ctx)
}

func (s *Scheduler) runScheduleLoop(ctx context.Context) {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) runPollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollOnce(ctx)
		}
	}
}

// tick pushes a RunJob message for every job whose schedule is due,
// exactly as an operator calling run_job(name) on demand would.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	for _, job := range s.jobs {
		lastExecution, err := s.store.GetLastExecution(ctx, job.Name)
		if err != nil {
			s.log.WithError(err).WithField("job", job.Name).Warn("failed to read job schedule state")
			continue
		}

		// A job that has never run is due on the first tick.
		var from time.Time
		if lastExecution != nil {
			from = *lastExecution
		}

		next := job.Schedule.Next(from)
		if next.After(now) {
			continue
		}

		if err := s.RunJob(ctx, job.Name); err != nil {
			s.log.WithError(err).WithField("job", job.Name).Warn("failed to enqueue scheduled job run")
		}
	}
}

// pollOnce leases ready RunJob messages off the batch job queue and
// processes each in turn. Jobs are expected to be fast or to hand long-
// running work off to the event dispatcher; the scheduler does not run
// more than one job body concurrently with itself.
func (s *Scheduler) pollOnce(ctx context.Context) {
	messages, err := s.queue.Read(ctx, s.batchSize, s.visibilityTimeout)
	if err != nil {
		s.log.WithError(err).Warn("failed to read batch job queue")
		return
	}

	for _, msg := range messages {
		s.processMessage(ctx, msg)
	}
}

func (s *Scheduler) processMessage(ctx context.Context, msg queue.Message) {
	var rjm runJobMessage
	if err := json.Unmarshal(msg.Payload, &rjm); err != nil {
		s.log.WithError(err).Error("failed to decode run-job message, archiving to avoid a poison message loop")
		_ = s.queue.Archive(ctx, msg.ID)
		return
	}

	job, ok := s.byName[rjm.Name]
	if !ok {
		s.log.WithField("job", rjm.Name).Error("no job registered for run-job message, archiving")
		_ = s.queue.Archive(ctx, msg.ID)
		return
	}

	s.runJob(ctx, job)

	if err := s.queue.Archive(ctx, msg.ID); err != nil {
		s.log.WithError(err).WithField("job", job.Name).Warn("failed to archive run-job message")
	}
}

// runJob executes job's two phases (spec.md §4.7's RunJob processing):
// Execute always runs first and its outcome is recorded regardless;
// PostExecute then runs, but only if Execute succeeded, as an opportunity
// to enqueue follow-up events once the main effect is durable.
func (s *Scheduler) runJob(ctx context.Context, job *Job) {
	startedAt := time.Now()
	executionID := uuid.New()

	execErr := s.runGuarded(ctx, job.Execute)

	finalErr := execErr
	if execErr == nil && job.PostExecute != nil {
		finalErr = s.runGuarded(ctx, job.PostExecute)
	}

	completedAt := time.Now()
	history := model.JobHistory{
		ExecutionID: executionID,
		JobName:     job.Name,
		StartedAt:   startedAt,
		CompletedAt: &completedAt,
	}

	outcome := "completed"
	if finalErr != nil {
		outcome = "failed"
		message := finalErr.Error()
		history.Error = true
		history.ErrorMessage = &message
		s.log.WithError(finalErr).WithField("job", job.Name).Error("job run failed")
	}

	if err := s.store.RecordHistory(ctx, history); err != nil {
		s.log.WithError(err).WithField("job", job.Name).Warn("failed to record job history")
	}
	if err := s.store.SetLastExecution(ctx, job.Name, startedAt); err != nil {
		s.log.WithError(err).WithField("job", job.Name).Warn("failed to update job last execution")
	}

	metrics.JobRunsTotal.WithLabelValues(job.Name, outcome).Inc()
}

// runGuarded recovers a panicking job phase into an error so one bad job
// never takes the poll loop down with it.
func (s *Scheduler) runGuarded(ctx context.Context, fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.New(apperrors.ErrorTypeInternal, fmt.Sprintf("job phase panicked: %v", r))
		}
	}()
	return fn(ctx)
}
