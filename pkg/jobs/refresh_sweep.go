package jobs

import (
	"context"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	apperrors "github.com/maccas-fleet/engine/internal/errors"
)

// RefreshSweepName is the scheduled job name registered with the Scheduler.
const RefreshSweepName = "refresh_sweep"

// RefreshSweepStore picks the account that has gone longest without a
// token/offer refresh.
type RefreshSweepStore interface {
	NextAccountToRefresh(ctx context.Context) (uuid.UUID, error)
}

// SQLRefreshSweepStore is the Postgres-backed RefreshSweepStore.
type SQLRefreshSweepStore struct {
	db *sqlx.DB
}

// NewSQLRefreshSweepStore builds a SQLRefreshSweepStore over db.
func NewSQLRefreshSweepStore(db *sqlx.DB) *SQLRefreshSweepStore {
	return &SQLRefreshSweepStore{db: db}
}

func (s *SQLRefreshSweepStore) NextAccountToRefresh(ctx context.Context) (uuid.UUID, error) {
	var accountID uuid.UUID
	err := s.db.GetContext(ctx, &accountID, `
		SELECT account_id FROM accounts ORDER BY updated_at ASC LIMIT 1`)
	if err != nil {
		return uuid.Nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to pick next account to refresh")
	}
	return accountID, nil
}

// RefreshPipeline is the narrow seam RefreshSweepJob needs from
// pkg/offers.Pipeline.
type RefreshPipeline interface {
	RefreshAccount(ctx context.Context, accountID uuid.UUID) error
}

// RefreshSweepJob is a Scheduler job that cycles through every account one
// at a time, always picking whichever has gone longest since its last
// refresh, so no account is starved behind a burst of event-driven
// refreshes. Grounded on original_source's
// batch/src/jobs/refresh.rs, which selects accounts ordered by
// updated_at ascending for the same reason.
type RefreshSweepJob struct {
	store    RefreshSweepStore
	pipeline RefreshPipeline
}

// NewRefreshSweepJob builds a RefreshSweepJob.
func NewRefreshSweepJob(store RefreshSweepStore, pipeline RefreshPipeline) *RefreshSweepJob {
	return &RefreshSweepJob{store: store, pipeline: pipeline}
}

// Execute is the Scheduler Func for this job.
func (j *RefreshSweepJob) Execute(ctx context.Context) error {
	accountID, err := j.store.NextAccountToRefresh(ctx)
	if err != nil {
		return err
	}
	return j.pipeline.RefreshAccount(ctx, accountID)
}
