// Package redemption implements the edge-triggered "start a redemption"
// operation spec.md §2's data flow describes: acquire the Account Lock
// (C3), obtain an authenticated client (C4), call upstream to add the
// offer to the account's dealstack, record the Add audit row (C10), and
// enqueue a Cleanup event (C6/C1) so the deal is reversed on expiry even
// if the caller never confirms redemption. The GraphQL/REST edge that
// would invoke this is out of scope per spec.md §1; this package is the
// core operation such an edge calls into.
package redemption

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	apperrors "github.com/maccas-fleet/engine/internal/errors"
	"github.com/maccas-fleet/engine/pkg/accountlock"
	"github.com/maccas-fleet/engine/pkg/audit"
	"github.com/maccas-fleet/engine/pkg/events"
	"github.com/maccas-fleet/engine/pkg/jobs"
	"github.com/maccas-fleet/engine/pkg/model"
	"github.com/maccas-fleet/engine/pkg/offers"
	"github.com/maccas-fleet/engine/pkg/queue"
	"github.com/maccas-fleet/engine/pkg/upstream"
)

// Store is the narrow persistence seam AddDeal needs: the already-
// materialized Offer row (written by C5's last refresh) it is adding to
// the account's dealstack.
type Store interface {
	GetOffer(ctx context.Context, offerID uuid.UUID) (model.Offer, error)
}

// SQLStore is the Postgres-backed Store.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore builds a SQLStore over db.
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) GetOffer(ctx context.Context, offerID uuid.UUID) (model.Offer, error) {
	var offer model.Offer
	if err := s.db.GetContext(ctx, &offer, `SELECT * FROM offers WHERE offer_id = $1`, offerID); err != nil {
		return model.Offer{}, apperrors.Wrap(err, apperrors.ErrorTypeNotFound, "no offer found for this id")
	}
	return offer, nil
}

// Service drives AddDeal end to end.
type Service struct {
	store      Store
	tokens     offers.TokenProvider
	client     upstream.Client
	locks      *accountlock.Manager
	audit      *audit.Sink
	eventStore events.Store
	eventQueue *queue.Queue
	lockTTL    time.Duration
	log        *logrus.Logger
}

// NewService builds a Service. lockTTL is the redemption lock's TTL
// (spec.md §4.3's "redemption add = 15 minutes"), reused as the delay on
// the Cleanup event this schedules so cleanup fires at the same moment
// the lease would otherwise have expired.
func NewService(
	store Store,
	tokens offers.TokenProvider,
	client upstream.Client,
	locks *accountlock.Manager,
	auditSink *audit.Sink,
	eventStore events.Store,
	eventQueue *queue.Queue,
	lockTTL time.Duration,
	log *logrus.Logger,
) *Service {
	return &Service{
		store:      store,
		tokens:     tokens,
		client:     client,
		locks:      locks,
		audit:      auditSink,
		eventStore: eventStore,
		eventQueue: eventQueue,
		lockTTL:    lockTTL,
		log:        log,
	}
}

// AddDeal adds offerID to accountID's upstream dealstack under the
// account lock, records an Add audit row, and schedules a Cleanup event
// at the lock's TTL out so the deal is reversed if it is never redeemed.
// Two concurrent calls for the same account never both reach upstream:
// whichever loses the lock fails with a Contention error before it can
// race the winner's upstream call.
func (s *Service) AddDeal(ctx context.Context, accountID, offerID uuid.UUID, storeID string, transactionID uuid.UUID, userID *uuid.UUID) error {
	return s.locks.WithLock(ctx, accountID, s.lockTTL, func(ctx context.Context) error {
		offer, err := s.store.GetOffer(ctx, offerID)
		if err != nil {
			return err
		}

		accessToken, err := s.tokens.EnsureFresh(ctx, accountID)
		if err != nil {
			return err
		}

		if err := s.client.AddToOffersDealstack(ctx, accessToken, offer.OfferID.String()); err != nil {
			return err
		}

		if err := s.audit.RecordAdd(ctx, offer.OfferPropositionID, transactionID, userID); err != nil {
			return err
		}

		payload := jobs.CleanupPayload{
			OfferID:       offer.OfferID,
			TransactionID: transactionID,
			StoreID:       storeID,
			AccountID:     accountID,
			UserID:        userID,
		}
		if _, err := events.CreateEvent(ctx, s.eventStore, s.eventQueue, jobs.CleanupEvent, payload, s.lockTTL, nil); err != nil {
			s.log.WithError(err).WithField("account_id", accountID).Warn("failed to schedule cleanup after add-deal")
			return err
		}
		return nil
	})
}
