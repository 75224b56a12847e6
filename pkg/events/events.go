// Package events implements the Event Dispatcher described in spec.md
// §4.6: every event is fingerprinted so that, of identical events still
// Pending, only the newest one runs (the older ones are marked Duplicate
// and skipped at dispatch), dispatched by a semaphore-bounded worker pool,
// gated by a feature flag per event name, and guarded against a panicking
// handler taking the whole dispatcher down with it.
package events

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	apperrors "github.com/maccas-fleet/engine/internal/errors"
	"github.com/maccas-fleet/engine/pkg/model"
	"github.com/maccas-fleet/engine/pkg/queue"
)

// Fingerprint computes the dedup hash spec.md §3 assigns to an event: the
// hex-encoded SHA-256 of the event name concatenated with the data's
// canonical JSON encoding. encoding/json already sorts map keys, so two
// logically identical payloads always hash identically regardless of
// field order at the call site.
func Fingerprint(name string, data any) (string, error) {
	canonical, err := json.Marshal(data)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeValidation, "failed to canonicalize event data")
	}

	h := sha256.New()
	h.Write([]byte(name))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Store is the persistence seam for Event rows.
type Store interface {
	// InsertPending inserts a new Pending event row and, in the same
	// transaction, flips every other Pending row with the same hash to
	// Duplicate. The new row always wins: it is always inserted and
	// always becomes the one later dispatched.
	InsertPending(ctx context.Context, event model.Event) error
	GetByEventID(ctx context.Context, eventID uuid.UUID) (model.Event, error)
	MarkRunning(ctx context.Context, eventID uuid.UUID) error
	MarkCompleted(ctx context.Context, eventID uuid.UUID) error
	MarkFailed(ctx context.Context, eventID uuid.UUID, errMessage string, attempts int) error
	MarkCancelled(ctx context.Context, eventID uuid.UUID) error
}

// SQLStore is the Postgres-backed Store.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore builds a SQLStore over db.
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) InsertPending(ctx context.Context, event model.Event) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to begin event insert transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events (event_id, name, data, hash, status, should_be_completed_at, trace_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
		event.EventID, event.Name, event.Data, event.Hash, model.EventStatusPending,
		event.ShouldBeCompletedAt, event.TraceID); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to insert event")
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE events SET status = $1 WHERE hash = $2 AND status = $3 AND event_id <> $4`,
		model.EventStatusDuplicate, event.Hash, model.EventStatusPending, event.EventID); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to flip superseded events to duplicate")
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to commit event insert transaction")
	}
	return nil
}

func (s *SQLStore) GetByEventID(ctx context.Context, eventID uuid.UUID) (model.Event, error) {
	var event model.Event
	err := s.db.GetContext(ctx, &event, `SELECT * FROM events WHERE event_id = $1`, eventID)
	if err != nil {
		return model.Event{}, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to load event")
	}
	return event, nil
}

func (s *SQLStore) MarkRunning(ctx context.Context, eventID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `UPDATE events SET status = $1, attempts = attempts + 1 WHERE event_id = $2`,
		model.EventStatusRunning, eventID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to mark event running")
	}
	return nil
}

func (s *SQLStore) MarkCompleted(ctx context.Context, eventID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE events SET status = $1, is_completed = true, completed_at = now() WHERE event_id = $2`,
		model.EventStatusCompleted, eventID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to mark event completed")
	}
	return nil
}

func (s *SQLStore) MarkFailed(ctx context.Context, eventID uuid.UUID, errMessage string, attempts int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE events SET status = $1, error = true, error_message = $2, attempts = $3
		WHERE event_id = $4`, model.EventStatusFailed, errMessage, attempts, eventID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to mark event failed")
	}
	return nil
}

func (s *SQLStore) MarkCancelled(ctx context.Context, eventID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `UPDATE events SET status = $1 WHERE event_id = $2`,
		model.EventStatusCancelled, eventID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to mark event cancelled")
	}
	return nil
}

// queueMessage is the payload pushed to the event_processing_queue; it
// carries just enough to look the full row up again at dispatch time.
type queueMessage struct {
	EventID uuid.UUID `json:"event_id"`
}

// CreateEvent fingerprints data, inserts a new Pending Event row, flips any
// existing Pending row with the same hash to Duplicate, and enqueues the
// new row onto q to become visible after delay. The newly inserted row is
// always the one that runs; any event of the same shape still Pending is
// superseded rather than relied upon. One already Running is left as it is.
func CreateEvent(ctx context.Context, store Store, q *queue.Queue, name string, data any, delay time.Duration, traceID *string) (uuid.UUID, error) {
	hash, err := Fingerprint(name, data)
	if err != nil {
		return uuid.Nil, err
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return uuid.Nil, apperrors.Wrap(err, apperrors.ErrorTypeValidation, "failed to marshal event data")
	}

	eventID := uuid.New()
	readyAt := time.Now().Add(delay)

	event := model.Event{
		EventID:             eventID,
		Name:                name,
		Data:                payload,
		Hash:                hash,
		Status:              model.EventStatusPending,
		ShouldBeCompletedAt: readyAt,
		TraceID:             traceID,
	}

	if err := store.InsertPending(ctx, event); err != nil {
		return uuid.Nil, err
	}

	msgPayload, err := json.Marshal(queueMessage{EventID: eventID})
	if err != nil {
		return uuid.Nil, apperrors.Wrap(err, apperrors.ErrorTypeValidation, "failed to marshal queue message")
	}

	if _, err := q.Push(ctx, msgPayload, readyAt); err != nil {
		return uuid.Nil, err
	}

	return eventID, nil
}
