package redemption

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	apperrors "github.com/maccas-fleet/engine/internal/errors"
	"github.com/maccas-fleet/engine/pkg/accountlock"
	"github.com/maccas-fleet/engine/pkg/audit"
	"github.com/maccas-fleet/engine/pkg/model"
	"github.com/maccas-fleet/engine/pkg/queue"
	"github.com/maccas-fleet/engine/pkg/upstream"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type fakeAddDealStore struct {
	offer model.Offer
}

func (f *fakeAddDealStore) GetOffer(ctx context.Context, offerID uuid.UUID) (model.Offer, error) {
	return f.offer, nil
}

type fakeAddDealTokens struct{ err error }

func (f *fakeAddDealTokens) EnsureFresh(ctx context.Context, accountID uuid.UUID) (string, error) {
	return "access-token", f.err
}

type fakeAddDealClient struct {
	upstream.Client
	mu        sync.Mutex
	addCalls  int
	addOffers []string
	addErr    error
}

func (f *fakeAddDealClient) AddToOffersDealstack(ctx context.Context, accessToken, offerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addCalls++
	f.addOffers = append(f.addOffers, offerID)
	return f.addErr
}

type fakeAddDealEventStore struct {
	mu     sync.Mutex
	events []model.Event
}

func (f *fakeAddDealEventStore) InsertPending(ctx context.Context, event model.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}
func (f *fakeAddDealEventStore) GetByEventID(ctx context.Context, eventID uuid.UUID) (model.Event, error) {
	return model.Event{}, nil
}
func (f *fakeAddDealEventStore) MarkRunning(ctx context.Context, eventID uuid.UUID) error   { return nil }
func (f *fakeAddDealEventStore) MarkCompleted(ctx context.Context, eventID uuid.UUID) error { return nil }
func (f *fakeAddDealEventStore) MarkFailed(ctx context.Context, eventID uuid.UUID, msg string, attempts int) error {
	return nil
}
func (f *fakeAddDealEventStore) MarkCancelled(ctx context.Context, eventID uuid.UUID) error { return nil }

func (f *fakeAddDealEventStore) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, len(f.events))
	for i, e := range f.events {
		names[i] = e.Name
	}
	return names
}

var _ = Describe("Service.AddDeal", func() {
	var (
		mockDB *sql.DB
		mock   sqlmock.Sqlmock
		locks  *accountlock.Manager
		sink   *audit.Sink
		q      *queue.Queue
		logger *logrus.Logger

		accountID     uuid.UUID
		offerID       uuid.UUID
		transactionID uuid.UUID
	)

	BeforeEach(func() {
		var err error
		mockDB, mock, err = sqlmock.New()
		Expect(err).NotTo(HaveOccurred())

		db := sqlx.NewDb(mockDB, "pgx")
		locks = accountlock.NewManager(db, logrus.New())
		sink = audit.NewSink(db)
		q = queue.New(db, queue.EventProcessingQueue)
		logger = logrus.New()
		logger.SetLevel(logrus.FatalLevel)

		accountID = uuid.New()
		offerID = uuid.New()
		transactionID = uuid.New()
	})

	AfterEach(func() {
		mockDB.Close()
	})

	It("adds the offer upstream, records an Add audit row, and schedules a Cleanup event", func() {
		mock.ExpectQuery(`INSERT INTO account_locks`).
			WithArgs(accountID, sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"account_id"}).AddRow(accountID))
		mock.ExpectExec(`INSERT INTO offer_audits`).WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectQuery(`INSERT INTO queue_messages`).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
		mock.ExpectExec(`DELETE FROM account_locks`).
			WithArgs(accountID).
			WillReturnResult(sqlmock.NewResult(0, 1))

		store := &fakeAddDealStore{offer: model.Offer{OfferID: offerID, AccountID: accountID, OfferPropositionID: 42}}
		client := &fakeAddDealClient{}
		events := &fakeAddDealEventStore{}

		svc := NewService(store, &fakeAddDealTokens{}, client, locks, sink, events, q, 15*time.Minute, logger)

		err := svc.AddDeal(context.Background(), accountID, offerID, "store-1", transactionID, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(client.addCalls).To(Equal(1))
		Expect(client.addOffers).To(ConsistOf(offerID.String()))
		Expect(events.names()).To(ConsistOf("Cleanup"))
	})

	It("rejects a second concurrent add for the same account before calling upstream", func() {
		mock.ExpectQuery(`INSERT INTO account_locks`).
			WithArgs(accountID, sqlmock.AnyArg()).
			WillReturnError(sql.ErrNoRows)

		store := &fakeAddDealStore{offer: model.Offer{OfferID: offerID, AccountID: accountID, OfferPropositionID: 42}}
		client := &fakeAddDealClient{}
		events := &fakeAddDealEventStore{}

		svc := NewService(store, &fakeAddDealTokens{}, client, locks, sink, events, q, 15*time.Minute, logger)

		err := svc.AddDeal(context.Background(), accountID, offerID, "store-1", transactionID, nil)
		Expect(err).To(HaveOccurred())
		Expect(apperrors.GetType(err)).To(Equal(apperrors.ErrorTypeContention))
		Expect(client.addCalls).To(Equal(0))
	})
})
