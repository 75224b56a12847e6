// Package audit implements the Audit/Metrics Sink described in spec.md
// §4.10: an append-only log of OfferAudit rows, one per redemption-state
// transition, plus the Prometheus counters that mirror it.
package audit

import (
	"context"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	apperrors "github.com/maccas-fleet/engine/internal/errors"
	"github.com/maccas-fleet/engine/pkg/metrics"
	"github.com/maccas-fleet/engine/pkg/model"
)

// Sink appends OfferAudit rows.
type Sink struct {
	db *sqlx.DB
}

// NewSink builds a Sink over db.
func NewSink(db *sqlx.DB) *Sink {
	return &Sink{db: db}
}

// RecordAdd appends an Add audit row for propositionID under
// transactionID, attributing it to userID when known.
func (s *Sink) RecordAdd(ctx context.Context, propositionID int64, transactionID uuid.UUID, userID *uuid.UUID) error {
	return s.insert(ctx, model.OfferAudit{
		Action:        model.AuditActionAdd,
		PropositionID: propositionID,
		TransactionID: transactionID,
		UserID:        userID,
	})
}

// RecordRemove appends a Remove audit row. The cleanup handler passes a nil
// likelyUsed when it has removed the offer from the account's upstream
// dealstack itself; the case where the offer was already gone is recorded
// on the Add row through MarkLikelyUsed instead.
func (s *Sink) RecordRemove(ctx context.Context, propositionID int64, transactionID uuid.UUID, userID *uuid.UUID, likelyUsed *bool) error {
	return s.insert(ctx, model.OfferAudit{
		Action:        model.AuditActionRemove,
		PropositionID: propositionID,
		TransactionID: transactionID,
		UserID:        userID,
		LikelyUsed:    likelyUsed,
	})
}

func (s *Sink) insert(ctx context.Context, audit model.OfferAudit) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO offer_audits (action, proposition_id, transaction_id, user_id, likely_used, created_at)
		VALUES (:action, :proposition_id, :transaction_id, :user_id, :likely_used, now())`,
		audit)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to record offer audit")
	}
	metrics.OfferAuditTotal.WithLabelValues(string(audit.Action)).Inc()
	return nil
}

// MarkLikelyUsed flips the transaction's existing Add row's likely_used
// flag to true.
// The cleanup handler uses this when it finds the offer already gone from
// the account's dealstack on a later pass, rather than inserting a second
// row for the same transaction.
func (s *Sink) MarkLikelyUsed(ctx context.Context, transactionID uuid.UUID, propositionID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE offer_audits SET likely_used = true
		WHERE transaction_id = $1 AND proposition_id = $2 AND action = $3`,
		transactionID, propositionID, model.AuditActionAdd)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to mark audit row likely used")
	}
	return nil
}
