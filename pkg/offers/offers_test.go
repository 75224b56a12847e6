package offers

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/maccas-fleet/engine/pkg/model"
	"github.com/maccas-fleet/engine/pkg/offercache"
	"github.com/maccas-fleet/engine/pkg/queue"
	"github.com/maccas-fleet/engine/pkg/upstream"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type fakeTokens struct {
	token string
	err   error
}

func (f *fakeTokens) EnsureFresh(ctx context.Context, accountID uuid.UUID) (string, error) {
	return f.token, f.err
}

type fakeUpstreamClient struct {
	upstream.Client
	offers     []upstream.OfferDTO
	err        error
	details    map[int64]upstream.OfferDTO
	detailsErr error
}

func (f *fakeUpstreamClient) GetOffers(ctx context.Context, accessToken string) ([]upstream.OfferDTO, error) {
	return f.offers, f.err
}

func (f *fakeUpstreamClient) OfferDetails(ctx context.Context, accessToken string, propositionID int64) (upstream.OfferDTO, error) {
	if f.detailsErr != nil {
		return upstream.OfferDTO{}, f.detailsErr
	}
	return f.details[propositionID], nil
}

type fakeOfferStore struct {
	mu         sync.Mutex
	replaced   []model.Offer
	detailList []model.OfferDetails
	called     bool
	cached     map[int64]bool
	points     int
}

func (f *fakeOfferStore) ReplaceAccountOffers(ctx context.Context, accountID uuid.UUID, offerList []model.Offer, detailsList []model.OfferDetails) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.called = true
	f.replaced = offerList
	f.detailList = detailsList
	return nil
}

func (f *fakeOfferStore) GetOfferDetails(ctx context.Context, propositionID int64) (model.OfferDetails, bool, error) {
	if f.cached[propositionID] {
		return model.OfferDetails{PropositionID: propositionID, RawPayload: []byte("x")}, true, nil
	}
	return model.OfferDetails{}, false, nil
}

func (f *fakeOfferStore) ListOfferDetails(ctx context.Context) ([]model.OfferDetails, error) {
	return nil, nil
}

func (f *fakeOfferStore) SetAccountPoints(ctx context.Context, accountID uuid.UUID, points int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points = points
	return nil
}

type fakeEventStore struct {
	mu     sync.Mutex
	events []model.Event
}

func (f *fakeEventStore) InsertPending(ctx context.Context, event model.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeEventStore) GetByEventID(ctx context.Context, eventID uuid.UUID) (model.Event, error) {
	return model.Event{}, nil
}
func (f *fakeEventStore) MarkRunning(ctx context.Context, eventID uuid.UUID) error   { return nil }
func (f *fakeEventStore) MarkCompleted(ctx context.Context, eventID uuid.UUID) error { return nil }
func (f *fakeEventStore) MarkFailed(ctx context.Context, eventID uuid.UUID, msg string, attempts int) error {
	return nil
}
func (f *fakeEventStore) MarkCancelled(ctx context.Context, eventID uuid.UUID) error { return nil }

func (f *fakeEventStore) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, len(f.events))
	for i, e := range f.events {
		names[i] = e.Name
	}
	return names
}

var _ = Describe("Pipeline", func() {
	var (
		logger *logrus.Logger
		cache  *offercache.Cache
		mockDB *sql.DB
		mock   sqlmock.Sqlmock
		q      *queue.Queue
	)

	BeforeEach(func() {
		logger = logrus.New()
		logger.SetLevel(logrus.FatalLevel)
		cache = offercache.New(nil, "", logger)

		var err error
		mockDB, mock, err = sqlmock.New()
		Expect(err).NotTo(HaveOccurred())
		q = queue.New(sqlx.NewDb(mockDB, "pgx"), queue.EventProcessingQueue)
	})

	AfterEach(func() {
		mockDB.Close()
	})

	Describe("RefreshAccount", func() {
		It("replaces the account's offers, deduplicates repeated propositions, and skips detail fetch for already-cached ones", func() {
			mock.ExpectQuery(`INSERT INTO queue_messages`).
				WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))

			tokens := &fakeTokens{token: "at"}
			client := &fakeUpstreamClient{offers: []upstream.OfferDTO{
				{PropositionID: 1, ValidFrom: time.Now(), ValidTo: time.Now().Add(24 * time.Hour)},
				{PropositionID: 1, ValidFrom: time.Now(), ValidTo: time.Now().Add(24 * time.Hour)},
				{PropositionID: 2, ValidFrom: time.Now(), ValidTo: time.Now().Add(24 * time.Hour)},
			}}
			store := &fakeOfferStore{cached: map[int64]bool{1: true, 2: true}}
			eventStore := &fakeEventStore{}

			pipeline := NewPipeline(tokens, client, store, cache, eventStore, q, logger)

			err := pipeline.RefreshAccount(context.Background(), uuid.New())
			Expect(err).NotTo(HaveOccurred())
			Expect(store.called).To(BeTrue())
			Expect(store.replaced).To(HaveLen(3))
			Expect(store.detailList).To(BeEmpty())
			Expect(eventStore.names()).To(ConsistOf(RefreshPointsEvent))
		})

		It("fetches, prices, and upserts details for a proposition not already cached, and fans out SaveImage/NewOfferFound for it", func() {
			mock.ExpectQuery(`INSERT INTO queue_messages`).
				WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
			mock.ExpectQuery(`INSERT INTO queue_messages`).
				WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(2)))
			mock.ExpectQuery(`INSERT INTO queue_messages`).
				WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(3)))

			tokens := &fakeTokens{token: "at"}
			client := &fakeUpstreamClient{
				offers: []upstream.OfferDTO{
					{PropositionID: 3, ValidFrom: time.Now(), ValidTo: time.Now().Add(24 * time.Hour)},
				},
				details: map[int64]upstream.OfferDTO{
					3: {
						PropositionID: 3,
						Name:          "Big Mac",
						ImageBaseName: "big-mac.png",
						ProductSets:   []upstream.ProductSet{{Action: &upstream.Action{Value: 5.5}}},
						Raw:           []byte(`{"offerPropositionId":3}`),
					},
				},
			}
			store := &fakeOfferStore{cached: map[int64]bool{}}
			eventStore := &fakeEventStore{}

			pipeline := NewPipeline(tokens, client, store, cache, eventStore, q, logger)

			err := pipeline.RefreshAccount(context.Background(), uuid.New())
			Expect(err).NotTo(HaveOccurred())
			Expect(store.detailList).To(HaveLen(1))
			Expect(*store.detailList[0].Price).To(Equal(5.5))
			Expect(store.detailList[0].ImageBaseName).To(Equal("big-mac.png"))
			Expect(eventStore.names()).To(ConsistOf(RefreshPointsEvent, SaveImageEvent, NewOfferFoundEvent))

			cached, ok := cache.Get(3)
			Expect(ok).To(BeTrue())
			Expect(cached.Name).To(Equal("Big Mac"))
		})

		It("propagates a token acquisition failure without touching the store", func() {
			tokens := &fakeTokens{err: context.DeadlineExceeded}
			client := &fakeUpstreamClient{}
			store := &fakeOfferStore{}

			pipeline := NewPipeline(tokens, client, store, cache, &fakeEventStore{}, q, logger)

			err := pipeline.RefreshAccount(context.Background(), uuid.New())
			Expect(err).To(HaveOccurred())
			Expect(store.called).To(BeFalse())
		})
	})
})
