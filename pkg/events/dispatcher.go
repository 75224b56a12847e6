package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	apperrors "github.com/maccas-fleet/engine/internal/errors"
	"github.com/maccas-fleet/engine/pkg/metrics"
	"github.com/maccas-fleet/engine/pkg/model"
	"github.com/maccas-fleet/engine/pkg/queue"
	"github.com/maccas-fleet/engine/pkg/resilience"
	"github.com/maccas-fleet/engine/pkg/upstream"
)

// Handler processes one event's data payload. It is looked up by event
// name in the Dispatcher's registry.
type Handler func(ctx context.Context, data json.RawMessage) error

// JobRunner is the narrow seam onto the Job Scheduler (C7) a Dispatcher
// falls back to when an event name has no registered Handler: spec.md
// §4.6's dispatch step treats an unmatched event name as a request to run
// the identically-named job rather than an automatic failure.
type JobRunner interface {
	RunJob(ctx context.Context, name string) error
}

// Dispatcher reads ready messages off the event_processing_queue, runs
// the registered handler for each event's name inside a semaphore-bounded
// worker pool, and moves the event through its status lifecycle.
type Dispatcher struct {
	store     Store
	queue     *queue.Queue
	flags     upstream.FeatureFlags
	jobRunner JobRunner
	log       *logrus.Logger
	backoff   resilience.Backoff
	handlers  map[string]Handler
	sem       chan struct{}

	visibilityTimeout time.Duration
	pollInterval      time.Duration
	batchSize         int
}

// NewDispatcher builds a Dispatcher bounded to maxConcurrency simultaneous
// handler executions. visibilityTimeout is the queue read's lease window
// (spec.md §4.6 specifies 300s); callers that pass zero get that default.
func NewDispatcher(store Store, q *queue.Queue, flags upstream.FeatureFlags, backoff resilience.Backoff, maxConcurrency int, visibilityTimeout time.Duration, log *logrus.Logger) *Dispatcher {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = 300 * time.Second
	}
	return &Dispatcher{
		store:             store,
		queue:             q,
		flags:             flags,
		log:               log,
		backoff:           backoff,
		handlers:          make(map[string]Handler),
		sem:               make(chan struct{}, maxConcurrency),
		visibilityTimeout: visibilityTimeout,
		pollInterval:      500 * time.Millisecond,
		batchSize:         maxConcurrency,
	}
}

// Register binds name to handler. Registering the same name twice replaces
// the previous handler.
func (d *Dispatcher) Register(name string, handler Handler) {
	d.handlers[name] = handler
}

// SetJobRunner wires the Job Scheduler fallback. Optional: a Dispatcher
// with no JobRunner set just fails events whose name matches no Handler,
// same as before this existed.
func (d *Dispatcher) SetJobRunner(runner JobRunner) {
	d.jobRunner = runner
}

// Run polls the queue until ctx is cancelled, dispatching each leased
// message to a worker goroutine bounded by the dispatcher's semaphore.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.pollOnce(ctx)
		}
	}
}

func (d *Dispatcher) pollOnce(ctx context.Context) {
	messages, err := d.queue.Read(ctx, d.batchSize, d.visibilityTimeout)
	if err != nil {
		d.log.WithError(err).Warn("failed to read event queue")
		return
	}

	for _, msg := range messages {
		msg := msg
		select {
		case d.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		metrics.DispatcherInflight.Inc()
		go func() {
			defer func() { <-d.sem; metrics.DispatcherInflight.Dec() }()
			d.dispatchOne(ctx, msg)
		}()
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, msg queue.Message) {
	var qm queueMessage
	if err := json.Unmarshal(msg.Payload, &qm); err != nil {
		d.log.WithError(err).Error("failed to decode queue message, archiving to avoid a poison message loop")
		_ = d.queue.Archive(ctx, msg.ID)
		return
	}

	event, err := d.store.GetByEventID(ctx, qm.EventID)
	if err != nil {
		d.log.WithError(err).WithField("event_id", qm.EventID).Error("failed to load event for dispatch")
		return
	}

	outcome := d.runEvent(ctx, event)
	metrics.EventAttemptsTotal.WithLabelValues(event.Name, outcome).Inc()

	if outcome == "completed" || outcome == "cancelled" || outcome == "duplicate" {
		if err := d.queue.Archive(ctx, msg.ID); err != nil {
			d.log.WithError(err).WithField("event_id", qm.EventID).Warn("failed to archive dispatched queue message")
		}
	}
}

// runEvent executes event's handler, gated by the feature flag for its
// name, guarded against panics, and retried per the dispatcher's backoff
// policy. It returns a short outcome label for metrics. A Duplicate row,
// superseded by a newer identical event, is not run.
func (d *Dispatcher) runEvent(ctx context.Context, event model.Event) string {
	if event.Status == model.EventStatusDuplicate {
		return "duplicate"
	}

	handler, ok := d.handlers[event.Name]
	if !ok {
		if d.jobRunner == nil {
			d.log.WithField("event_name", event.Name).Error("no handler registered for event")
			_ = d.store.MarkFailed(ctx, event.EventID, "no handler registered", event.Attempts)
			return "failed"
		}
		handler = d.runJobHandler(event.Name)
	}

	if d.flags != nil {
		enabled, err := d.flags.IsEnabled(ctx, "event."+event.Name)
		if err == nil && !enabled {
			_ = d.store.MarkCancelled(ctx, event.EventID)
			return "cancelled"
		}
	}

	if err := d.store.MarkRunning(ctx, event.EventID); err != nil {
		d.log.WithError(err).WithField("event_id", event.EventID).Error("failed to mark event running")
		return "failed"
	}

	result := resilience.Do(ctx, d.backoff, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, d.runGuarded(ctx, handler, event)
	})

	if result.Ok() {
		if err := d.store.MarkCompleted(ctx, event.EventID); err != nil {
			d.log.WithError(err).WithField("event_id", event.EventID).Error("failed to mark event completed")
		}
		return "completed"
	}

	if apperrors.GetType(result.Err) == apperrors.ErrorTypeCancelled {
		_ = d.store.MarkCancelled(ctx, event.EventID)
		return "cancelled"
	}

	message := result.Err.Error()
	if err := d.store.MarkFailed(ctx, event.EventID, message, result.Attempts); err != nil {
		d.log.WithError(err).WithField("event_id", event.EventID).Error("failed to mark event failed")
	}
	return "failed"
}

// runJobHandler adapts the Job Scheduler fallback into a Handler so an
// event whose name matches no registered Handler delegates to run_job(name)
// instead of failing outright, per spec.md §4.6.
func (d *Dispatcher) runJobHandler(name string) Handler {
	return func(ctx context.Context, data json.RawMessage) error {
		return d.jobRunner.RunJob(ctx, name)
	}
}

// runGuarded recovers a panicking handler into an error so one bad event
// never takes the dispatcher's worker pool down with it.
func (d *Dispatcher) runGuarded(ctx context.Context, handler Handler, event model.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.New(apperrors.ErrorTypeInternal, fmt.Sprintf("handler panicked: %v", r))
		}
	}()
	return handler(ctx, event.Data)
}
