// Package offers implements the Offer Refresh Pipeline described in
// spec.md §4.5: fetch the current catalog from upstream, fetch and price
// the details of any proposition not already cached, replace an
// account's offer rows transactionally alongside an append-only history
// entry per offer, and fan out the follow-up events (RefreshPoints,
// SaveImage, NewOfferFound) that do the rest of the work off the
// critical path.
package offers

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	apperrors "github.com/maccas-fleet/engine/internal/errors"
	"github.com/maccas-fleet/engine/pkg/events"
	"github.com/maccas-fleet/engine/pkg/model"
	"github.com/maccas-fleet/engine/pkg/offercache"
	"github.com/maccas-fleet/engine/pkg/queue"
	"github.com/maccas-fleet/engine/pkg/upstream"
)

// TokenProvider is the narrow seam Pipeline needs from pkg/token's
// Manager: a fresh access token for an account, logging in or refreshing
// as necessary.
type TokenProvider interface {
	EnsureFresh(ctx context.Context, accountID uuid.UUID) (string, error)
}

// Event names the Event Dispatcher (C6) routes to this package's
// handlers, per spec.md §4.6's handler list.
const (
	RefreshPointsEvent                = "RefreshPoints"
	SaveImageEvent                    = "SaveImage"
	NewOfferFoundEvent                = "NewOfferFound"
	PopulateOfferDetailsCacheEvent    = "PopulateOfferDetailsCache"
	PopulateOfferDetailsCacheForEvent = "PopulateOfferDetailsCacheFor"
)

// RefreshPointsPayload is RefreshPoints{account_id}'s wire shape.
type RefreshPointsPayload struct {
	AccountID uuid.UUID `json:"account_id"`
}

// SaveImagePayload is SaveImage{basename, force}'s wire shape. Force
// mirrors original_source's "force=migrated" fan-out: true for a basename
// just seen for the first time by this refresh.
type SaveImagePayload struct {
	BaseName string `json:"basename"`
	Force    bool   `json:"force"`
}

// NewOfferFoundPayload is NewOfferFound{proposition_id}'s wire shape.
type NewOfferFoundPayload struct {
	PropositionID int64 `json:"proposition_id"`
}

// PopulateOfferDetailsCacheForPayload is
// PopulateOfferDetailsCacheFor{proposition_id}'s wire shape.
type PopulateOfferDetailsCacheForPayload struct {
	PropositionID int64 `json:"proposition_id"`
}

// Store persists the account's current offer set, its history, and the
// shared OfferDetails catalog (C9's durable backing store).
type Store interface {
	// ReplaceAccountOffers upserts detailsList, then atomically deletes
	// accountID's current Offer rows, inserts offerList in their place,
	// appends a history row per offer, and resets the account's refresh
	// counters — all in a single transaction, per spec.md §4.5 step 4.
	ReplaceAccountOffers(ctx context.Context, accountID uuid.UUID, offerList []model.Offer, detailsList []model.OfferDetails) error
	// GetOfferDetails reports whether propositionID already has a cached
	// raw payload, so RefreshAccount only re-fetches details that are
	// missing or stale.
	GetOfferDetails(ctx context.Context, propositionID int64) (model.OfferDetails, bool, error)
	// ListOfferDetails returns every known OfferDetails row, backing
	// PopulateOfferDetailsCache's bulk repopulation of C9.
	ListOfferDetails(ctx context.Context) ([]model.OfferDetails, error)
	// SetAccountPoints persists the account's current loyalty point
	// balance, backing RefreshPoints.
	SetAccountPoints(ctx context.Context, accountID uuid.UUID, points int) error
}

// SQLStore is the Postgres-backed Store.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore builds a SQLStore over db.
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) GetOfferDetails(ctx context.Context, propositionID int64) (model.OfferDetails, bool, error) {
	var details model.OfferDetails
	err := s.db.GetContext(ctx, &details, `SELECT * FROM offer_details WHERE proposition_id = $1`, propositionID)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.OfferDetails{}, false, nil
		}
		return model.OfferDetails{}, false, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to read offer details")
	}
	return details, len(details.RawPayload) > 0, nil
}

func (s *SQLStore) ListOfferDetails(ctx context.Context) ([]model.OfferDetails, error) {
	var details []model.OfferDetails
	if err := s.db.SelectContext(ctx, &details, `SELECT * FROM offer_details`); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to list offer details")
	}
	return details, nil
}

func (s *SQLStore) SetAccountPoints(ctx context.Context, accountID uuid.UUID, points int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE accounts SET points = $1, updated_at = now() WHERE account_id = $2`, points, accountID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to persist account points")
	}
	return nil
}

func (s *SQLStore) ReplaceAccountOffers(ctx context.Context, accountID uuid.UUID, offerList []model.Offer, detailsList []model.OfferDetails) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to begin offer refresh transaction")
	}
	defer tx.Rollback()

	for _, details := range detailsList {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO offer_details (proposition_id, name, description, image_base_name, price, categories, raw_payload, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, now())
			ON CONFLICT (proposition_id) DO UPDATE SET
				raw_payload = EXCLUDED.raw_payload,
				image_base_name = EXCLUDED.image_base_name,
				name = EXCLUDED.name,
				description = EXCLUDED.description,
				price = EXCLUDED.price,
				categories = EXCLUDED.categories,
				updated_at = now()`,
			details.PropositionID, details.Name, details.Description, details.ImageBaseName,
			details.Price, details.Categories, details.RawPayload); err != nil {
			return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to upsert offer details")
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM offers WHERE account_id = $1`, accountID); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to clear existing offers")
	}

	for _, offer := range offerList {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO offers (offer_id, account_id, offer_proposition_id, valid_from, valid_to)
			VALUES ($1, $2, $3, $4, $5)`,
			offer.OfferID, accountID, offer.OfferPropositionID, offer.ValidFrom, offer.ValidTo); err != nil {
			return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to insert offer")
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO offer_history (offer_id, account_id, offer_proposition_id, created_at)
			VALUES ($1, $2, $3, now())`,
			offer.OfferID, accountID, offer.OfferPropositionID); err != nil {
			return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to append offer history")
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE accounts SET refresh_failure_count = 0, offers_refreshed_at = now(), updated_at = now()
		WHERE account_id = $1`, accountID); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to update account refresh state")
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to commit offer refresh transaction")
	}
	return nil
}

// Pipeline drives RefreshAccount end to end. The handlers for the events it
// fans out (ImageHandler, RefreshPointsHandler, CacheHandler) are separate
// types in handlers.go.
type Pipeline struct {
	tokens      TokenProvider
	client      upstream.Client
	store       Store
	cache       *offercache.Cache
	eventStore  events.Store
	eventsQueue *queue.Queue
	log         *logrus.Logger
}

// NewPipeline builds a Pipeline.
func NewPipeline(tokens TokenProvider, client upstream.Client, store Store, cache *offercache.Cache, eventStore events.Store, eventsQueue *queue.Queue, log *logrus.Logger) *Pipeline {
	return &Pipeline{
		tokens:      tokens,
		client:      client,
		store:       store,
		cache:       cache,
		eventStore:  eventStore,
		eventsQueue: eventsQueue,
		log:         log,
	}
}

// RefreshAccount fetches accountID's current catalog from upstream,
// fetches and prices the details of any proposition not already cached,
// replaces the account's offer rows transactionally, and fans out the
// follow-up events spec.md §4.5 step 6 describes: one RefreshPoints, and
// per newly-fetched offer detail one SaveImage and one NewOfferFound.
func (p *Pipeline) RefreshAccount(ctx context.Context, accountID uuid.UUID) error {
	accessToken, err := p.tokens.EnsureFresh(ctx, accountID)
	if err != nil {
		return err
	}

	dtos, err := p.client.GetOffers(ctx, accessToken)
	if err != nil {
		return err
	}

	offerList := make([]model.Offer, 0, len(dtos))
	detailsList := make([]model.OfferDetails, 0)
	newlyFetched := make([]model.OfferDetails, 0)
	seen := make(map[int64]bool)

	for _, dto := range dtos {
		offerList = append(offerList, model.Offer{
			OfferID:            uuid.New(),
			AccountID:          accountID,
			OfferPropositionID: dto.PropositionID,
			ValidFrom:          dto.ValidFrom,
			ValidTo:            dto.ValidTo,
		})

		if seen[dto.PropositionID] {
			continue
		}
		seen[dto.PropositionID] = true

		_, cached, err := p.store.GetOfferDetails(ctx, dto.PropositionID)
		if err != nil {
			p.log.WithError(err).WithField("proposition_id", dto.PropositionID).Warn("failed to check cached offer details")
		}
		if cached {
			continue
		}

		fetched, err := p.client.OfferDetails(ctx, accessToken, dto.PropositionID)
		if err != nil {
			p.log.WithError(err).WithField("proposition_id", dto.PropositionID).Warn("failed to fetch offer details")
			continue
		}

		details := model.OfferDetails{
			PropositionID: fetched.PropositionID,
			Name:          fetched.Name,
			Description:   fetched.Description,
			ImageBaseName: fetched.ImageBaseName,
			Price:         upstream.OfferDetailsPrice(fetched.ProductSets),
			Categories:    joinCategories(fetched.Categories),
			RawPayload:    fetched.Raw,
		}
		detailsList = append(detailsList, details)
		newlyFetched = append(newlyFetched, details)
	}

	if err := p.store.ReplaceAccountOffers(ctx, accountID, offerList, detailsList); err != nil {
		return err
	}

	p.fanOut(ctx, accountID, newlyFetched)
	return nil
}

// fanOut publishes RefreshAccount's follow-up events after the refresh
// transaction has committed, so a consumer reacting to NewOfferFound can
// always read the offer row (spec.md §4.5's ordering guarantee).
func (p *Pipeline) fanOut(ctx context.Context, accountID uuid.UUID, newlyFetched []model.OfferDetails) {
	if _, err := events.CreateEvent(ctx, p.eventStore, p.eventsQueue, RefreshPointsEvent, RefreshPointsPayload{AccountID: accountID}, 0, nil); err != nil {
		p.log.WithError(err).WithField("account_id", accountID).Warn("failed to schedule points refresh")
	}

	for _, details := range newlyFetched {
		if err := p.cache.Set(ctx, details); err != nil {
			p.log.WithError(err).WithField("proposition_id", details.PropositionID).Warn("failed to populate offer details cache")
		}

		if _, err := events.CreateEvent(ctx, p.eventStore, p.eventsQueue, SaveImageEvent, SaveImagePayload{BaseName: details.ImageBaseName, Force: true}, 0, nil); err != nil {
			p.log.WithError(err).WithField("basename", details.ImageBaseName).Warn("failed to schedule image save")
		}
		if _, err := events.CreateEvent(ctx, p.eventStore, p.eventsQueue, NewOfferFoundEvent, NewOfferFoundPayload{PropositionID: details.PropositionID}, 0, nil); err != nil {
			p.log.WithError(err).WithField("proposition_id", details.PropositionID).Warn("failed to schedule new-offer notification")
		}
	}
}

func joinCategories(categories []string) string {
	out := ""
	for i, c := range categories {
		if i > 0 {
			out += ","
		}
		out += c
	}
	return out
}
