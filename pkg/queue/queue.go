// Package queue implements the persistent Delay Queue described in
// spec.md §4.1: messages become visible at a ready_at time, are leased to
// a single reader for a visibility timeout while being processed, and are
// archived (never deleted) once handled. Two named instances are used
// throughout the engine: event_processing_queue and batch_job_queue.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/maccas-fleet/engine/internal/errors"
	"github.com/maccas-fleet/engine/pkg/metrics"
)

// Message is one row leased out of a Queue.
type Message struct {
	ID        int64     `db:"id"`
	Payload   []byte    `db:"payload"`
	ReadyAt   time.Time `db:"ready_at"`
	Attempts  int       `db:"attempts"`
	CreatedAt time.Time `db:"created_at"`
}

// Queue is a single named Postgres-backed delay queue.
type Queue struct {
	db   *sqlx.DB
	name string
}

// New binds a Queue to one of the named instances in the queue_messages
// table (queue_name column).
func New(db *sqlx.DB, name string) *Queue {
	return &Queue{db: db, name: name}
}

// Push enqueues payload to become visible at readyAt.
func (q *Queue) Push(ctx context.Context, payload []byte, readyAt time.Time) (int64, error) {
	var id int64
	err := q.db.QueryRowContext(ctx, `
		INSERT INTO queue_messages (queue_name, payload, ready_at)
		VALUES ($1, $2, $3)
		RETURNING id`,
		q.name, payload, readyAt).Scan(&id)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to push queue message")
	}
	return id, nil
}

// Read leases up to limit ready, unarchived, currently-invisible-or-never-
// leased messages, ordered by ready_at then id, making them invisible to
// other readers until visibilityTimeout elapses. Rows are selected with
// FOR UPDATE SKIP LOCKED so concurrent readers never double-lease a
// message.
func (q *Queue) Read(ctx context.Context, limit int, visibilityTimeout time.Duration) ([]Message, error) {
	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to begin queue read transaction")
	}
	defer tx.Rollback()

	var messages []Message
	err = tx.SelectContext(ctx, &messages, `
		SELECT id, payload, ready_at, attempts, created_at
		FROM queue_messages
		WHERE queue_name = $1
		  AND archived_at IS NULL
		  AND ready_at <= now()
		  AND (visible_at IS NULL OR visible_at <= now())
		ORDER BY ready_at, id
		LIMIT $2
		FOR UPDATE SKIP LOCKED`,
		q.name, limit)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to read queue messages")
	}

	if len(messages) > 0 {
		ids := make([]int64, len(messages))
		for i, m := range messages {
			ids[i] = m.ID
		}
		query, args, err := sqlx.In(`
			UPDATE queue_messages
			SET visible_at = $1, attempts = attempts + 1
			WHERE id IN (?)`, time.Now().Add(visibilityTimeout), ids)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to build visibility update")
		}
		query = tx.Rebind(query)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to lease queue messages")
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to commit queue read")
	}

	return messages, nil
}

// Archive marks a message handled. Archived messages are never deleted,
// matching spec.md's append-only audit posture for the queue.
func (q *Queue) Archive(ctx context.Context, id int64) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_messages SET archived_at = now()
		WHERE id = $1 AND queue_name = $2`, id, q.name)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to archive queue message")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to confirm queue archive")
	}
	if rows == 0 {
		return apperrors.NewNotFoundError("queue message")
	}
	return nil
}

// Release returns a leased message to the ready pool immediately, used
// when a handler wants another reader to retry sooner than the visibility
// timeout would otherwise allow.
func (q *Queue) Release(ctx context.Context, id int64, readyAt time.Time) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE queue_messages SET visible_at = NULL, ready_at = $1
		WHERE id = $2 AND queue_name = $3`, readyAt, id, q.name)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to release queue message")
	}
	return nil
}

// Depth reports the number of ready, unarchived messages and records it
// against the queue_depth gauge for this queue's name.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var depth int
	err := q.db.GetContext(ctx, &depth, `
		SELECT count(*) FROM queue_messages
		WHERE queue_name = $1 AND archived_at IS NULL AND ready_at <= now()`, q.name)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to read queue depth")
	}
	metrics.QueueDepth.WithLabelValues(q.name).Set(float64(depth))
	return depth, nil
}

// Named queue instances, per spec.md §4.1.
const (
	EventProcessingQueue = "event_processing_queue"
	BatchJobQueue        = "batch_job_queue"
)
