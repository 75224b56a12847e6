package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	apperrors "github.com/maccas-fleet/engine/internal/errors"
	"github.com/maccas-fleet/engine/pkg/accountlock"
	"github.com/maccas-fleet/engine/pkg/audit"
	"github.com/maccas-fleet/engine/pkg/events"
	"github.com/maccas-fleet/engine/pkg/model"
	"github.com/maccas-fleet/engine/pkg/offers"
	"github.com/maccas-fleet/engine/pkg/queue"
	"github.com/maccas-fleet/engine/pkg/upstream"
)

// CleanupEvent is the name the Event Dispatcher (C6) routes to
// CleanupHandler.Handle.
const CleanupEvent = "Cleanup"

// RefreshAccountEvent is the name the cleanup handler re-enqueues once it
// finishes, so the account's offer list picks up the redemption.
const RefreshAccountEvent = "RefreshAccount"

// refreshDelay mirrors original_source's cleanup.rs, which always
// schedules the follow-up refresh ten seconds out regardless of outcome.
const refreshDelay = 10 * time.Second

// CleanupPayload is the wire shape of a Cleanup event: the offer believed
// redeemed, the audit row it was provisionally recorded under, and the
// store it was presented at.
type CleanupPayload struct {
	OfferID       uuid.UUID  `json:"offer_id"`
	AuditID       int64      `json:"audit_id"`
	TransactionID uuid.UUID  `json:"transaction_id"`
	StoreID       string     `json:"store_id"`
	AccountID     uuid.UUID  `json:"account_id"`
	UserID        *uuid.UUID `json:"user_id,omitempty"`
}

// CleanupStore is the narrow persistence seam CleanupHandler needs beyond
// the Account Lock and the Audit Sink.
type CleanupStore interface {
	// GetOfferWithAccount loads the Offer and its owning Account, the way
	// original_source's cleanup.rs joins offers to accounts by id.
	GetOfferWithAccount(ctx context.Context, offerID uuid.UUID) (model.Offer, model.Account, error)
	// DecrementActiveDeals clamps userID's ConcurrentActiveDeals counter at
	// zero, inserting a zeroed row if none exists yet.
	DecrementActiveDeals(ctx context.Context, userID uuid.UUID) error
}

// SQLCleanupStore is the Postgres-backed CleanupStore.
type SQLCleanupStore struct {
	db *sqlx.DB
}

// NewSQLCleanupStore builds a SQLCleanupStore over db.
func NewSQLCleanupStore(db *sqlx.DB) *SQLCleanupStore {
	return &SQLCleanupStore{db: db}
}

func (s *SQLCleanupStore) GetOfferWithAccount(ctx context.Context, offerID uuid.UUID) (model.Offer, model.Account, error) {
	var offer model.Offer
	if err := s.db.GetContext(ctx, &offer, `SELECT * FROM offers WHERE offer_id = $1`, offerID); err != nil {
		return model.Offer{}, model.Account{}, apperrors.Wrap(err, apperrors.ErrorTypeNotFound, "no offer found for this id")
	}

	var account model.Account
	if err := s.db.GetContext(ctx, &account, `SELECT * FROM accounts WHERE account_id = $1`, offer.AccountID); err != nil {
		return model.Offer{}, model.Account{}, apperrors.Wrap(err, apperrors.ErrorTypeNotFound, "no account found for this offer")
	}

	return offer, account, nil
}

func (s *SQLCleanupStore) DecrementActiveDeals(ctx context.Context, userID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO concurrent_active_deals (user_id, count)
		VALUES ($1, 0)
		ON CONFLICT (user_id) DO UPDATE
			SET count = GREATEST(concurrent_active_deals.count - 1, 0)`,
		userID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to decrement active deals")
	}
	return nil
}

// CleanupHandler implements the Cleanup Handler described in spec.md
// §4.8: given an offer just presented at checkout, confirm with upstream
// whether it actually left the account's dealstack, record the audit
// outcome, decrement the user's active-deal counter, and always release
// the account lock and schedule a follow-up refresh — even when the
// dealstack check itself fails. Grounded on
// original_source/api/src/event_manager/handlers/cleanup.rs.
type CleanupHandler struct {
	store      CleanupStore
	tokens     offers.TokenProvider
	client     upstream.Client
	locks      *accountlock.Manager
	audit      *audit.Sink
	eventStore events.Store
	eventQueue *queue.Queue
	log        *logrus.Logger
}

// NewCleanupHandler builds a CleanupHandler.
func NewCleanupHandler(
	store CleanupStore,
	tokens offers.TokenProvider,
	client upstream.Client,
	locks *accountlock.Manager,
	auditSink *audit.Sink,
	eventStore events.Store,
	eventQueue *queue.Queue,
	log *logrus.Logger,
) *CleanupHandler {
	return &CleanupHandler{
		store:      store,
		tokens:     tokens,
		client:     client,
		locks:      locks,
		audit:      auditSink,
		eventStore: eventStore,
		eventQueue: eventQueue,
		log:        log,
	}
}

// Handle is an events.Handler registerable with the Event Dispatcher (C6).
func (h *CleanupHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	var payload CleanupPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeValidation, "invalid cleanup payload")
	}

	innerErr := h.cleanup(ctx, payload)

	if err := h.locks.Unlock(ctx, payload.AccountID); err != nil {
		h.log.WithError(err).WithField("account_id", payload.AccountID).Warn("failed to release account lock after cleanup")
	}

	followUp := map[string]uuid.UUID{"account_id": payload.AccountID}
	if _, err := events.CreateEvent(ctx, h.eventStore, h.eventQueue, RefreshAccountEvent, followUp, refreshDelay, nil); err != nil {
		h.log.WithError(err).WithField("account_id", payload.AccountID).Warn("failed to schedule post-cleanup refresh")
	}

	return innerErr
}

func (h *CleanupHandler) cleanup(ctx context.Context, payload CleanupPayload) error {
	offer, _, err := h.store.GetOfferWithAccount(ctx, payload.OfferID)
	if err != nil {
		return err
	}

	accessToken, err := h.tokens.EnsureFresh(ctx, payload.AccountID)
	if err != nil {
		return err
	}

	dealstack, err := h.client.GetOffersDealstack(ctx, accessToken, payload.StoreID)
	if err != nil {
		return err
	}

	inDealstack := false
	for _, entry := range dealstack {
		if entry.OfferID == offer.OfferID.String() {
			inDealstack = true
			break
		}
	}

	var recordErr error
	if inDealstack {
		if err := h.client.RemoveFromOffersDealstack(ctx, accessToken, offer.OfferID.String()); err != nil {
			h.log.WithError(err).WithField("offer_id", offer.OfferID).Error("error checking dealstack")
		} else {
			recordErr = h.audit.RecordRemove(ctx, offer.OfferPropositionID, payload.TransactionID, payload.UserID, nil)
		}
	} else {
		recordErr = h.audit.MarkLikelyUsed(ctx, payload.TransactionID, offer.OfferPropositionID)
	}

	if payload.UserID != nil {
		if err := h.store.DecrementActiveDeals(ctx, *payload.UserID); err != nil {
			return apperrors.Chain(recordErr, err)
		}
	}

	return recordErr
}
