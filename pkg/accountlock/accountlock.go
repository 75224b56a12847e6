// Package accountlock implements the Account Lock described in spec.md
// §4.3: a row-based advisory lease that serializes every operation which
// mutates a single account's tokens or dealstack. The lease is
// represented by a single row per account_id; its mere presence under an
// unexpired unlock_at is the lock.
package accountlock

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	apperrors "github.com/maccas-fleet/engine/internal/errors"
	"github.com/maccas-fleet/engine/pkg/metrics"
)

// Manager grants and releases account leases backed by Postgres.
type Manager struct {
	db  *sqlx.DB
	log *logrus.Logger
}

// NewManager builds a Manager over db.
func NewManager(db *sqlx.DB, log *logrus.Logger) *Manager {
	return &Manager{db: db, log: log}
}

// Lock attempts to acquire the lease on accountID for ttl. It succeeds
// either when no row exists for accountID, or when an existing row's
// unlock_at has already elapsed — a previous holder that crashed without
// releasing the lock does not block forever. On contention it increments
// the account_lock_contended_total counter and returns a Contention-typed
// *errors.AppError so callers can distinguish it from a hard failure.
func (m *Manager) Lock(ctx context.Context, accountID uuid.UUID, ttl time.Duration) error {
	unlockAt := time.Now().Add(ttl)

	query := `
		INSERT INTO account_locks (account_id, unlock_at)
		VALUES ($1, $2)
		ON CONFLICT (account_id) DO UPDATE
			SET unlock_at = EXCLUDED.unlock_at
			WHERE account_locks.unlock_at < now()
		RETURNING account_id`

	var got uuid.UUID
	err := m.db.QueryRowContext(ctx, query, accountID, unlockAt).Scan(&got)
	if errors.Is(err, sql.ErrNoRows) {
		metrics.AccountLockContendedTotal.Inc()
		return apperrors.NewContentionError(accountID.String())
	}
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to acquire account lock")
	}

	return nil
}

// Unlock releases the lease on accountID. Unlocking an account that holds
// no lease is not an error; cleanup paths call Unlock unconditionally.
func (m *Manager) Unlock(ctx context.Context, accountID uuid.UUID) error {
	_, err := m.db.ExecContext(ctx, `DELETE FROM account_locks WHERE account_id = $1`, accountID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to release account lock")
	}
	return nil
}

// IsLocked reports whether accountID currently holds an unexpired lease.
func (m *Manager) IsLocked(ctx context.Context, accountID uuid.UUID) (bool, error) {
	var unlockAt time.Time
	err := m.db.QueryRowContext(ctx,
		`SELECT unlock_at FROM account_locks WHERE account_id = $1`, accountID).Scan(&unlockAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to read account lock")
	}
	return unlockAt.After(time.Now()), nil
}

// WithLock runs fn while holding accountID's lease, always releasing the
// lease afterward regardless of whether fn returns an error. Token refresh
// and login (pkg/token) and AddDeal (pkg/redemption) use it; the cleanup
// handler calls Unlock directly.
func (m *Manager) WithLock(ctx context.Context, accountID uuid.UUID, ttl time.Duration, fn func(ctx context.Context) error) error {
	if err := m.Lock(ctx, accountID, ttl); err != nil {
		return err
	}
	defer func() {
		if err := m.Unlock(ctx, accountID); err != nil {
			m.log.WithError(err).WithField("account_id", accountID).Warn("failed to release account lock")
		}
	}()

	return fn(ctx)
}
