package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/maccas-fleet/engine/pkg/accountlock"
	"github.com/maccas-fleet/engine/pkg/audit"
	"github.com/maccas-fleet/engine/pkg/model"
	"github.com/maccas-fleet/engine/pkg/queue"
	"github.com/maccas-fleet/engine/pkg/upstream"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type fakeCleanupStore struct {
	mu         sync.Mutex
	offer      model.Offer
	account    model.Account
	decrements []uuid.UUID
}

func (f *fakeCleanupStore) GetOfferWithAccount(ctx context.Context, offerID uuid.UUID) (model.Offer, model.Account, error) {
	return f.offer, f.account, nil
}

func (f *fakeCleanupStore) DecrementActiveDeals(ctx context.Context, userID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decrements = append(f.decrements, userID)
	return nil
}

type fakeCleanupTokens struct{}

func (f *fakeCleanupTokens) EnsureFresh(ctx context.Context, accountID uuid.UUID) (string, error) {
	return "access-token", nil
}

type fakeCleanupClient struct {
	upstream.Client
	dealstack     []upstream.DealstackEntry
	dealstackCall string
	removeCalled  bool
	removeErr     error
}

func (f *fakeCleanupClient) GetOffersDealstack(ctx context.Context, accessToken, storeID string) ([]upstream.DealstackEntry, error) {
	f.dealstackCall = storeID
	return f.dealstack, nil
}

func (f *fakeCleanupClient) RemoveFromOffersDealstack(ctx context.Context, accessToken string, offerID string) error {
	f.removeCalled = true
	return f.removeErr
}

type fakeCleanupEventStore struct {
	mu     sync.Mutex
	events []model.Event
}

func (f *fakeCleanupEventStore) InsertPending(ctx context.Context, event model.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}
func (f *fakeCleanupEventStore) GetByEventID(ctx context.Context, eventID uuid.UUID) (model.Event, error) {
	return model.Event{}, nil
}
func (f *fakeCleanupEventStore) MarkRunning(ctx context.Context, eventID uuid.UUID) error   { return nil }
func (f *fakeCleanupEventStore) MarkCompleted(ctx context.Context, eventID uuid.UUID) error { return nil }
func (f *fakeCleanupEventStore) MarkFailed(ctx context.Context, eventID uuid.UUID, msg string, attempts int) error {
	return nil
}
func (f *fakeCleanupEventStore) MarkCancelled(ctx context.Context, eventID uuid.UUID) error { return nil }

func (f *fakeCleanupEventStore) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, len(f.events))
	for i, e := range f.events {
		names[i] = e.Name
	}
	return names
}

var _ = Describe("CleanupHandler", func() {
	var (
		mockDB *sql.DB
		mock   sqlmock.Sqlmock
		locks  *accountlock.Manager
		sink   *audit.Sink
		q      *queue.Queue
		logger *logrus.Logger

		offerID       uuid.UUID
		accountID     uuid.UUID
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

		offerID = uuid.New()
		accountID = uuid.New()
		transactionID = uuid.New()
	})

	AfterEach(func() {
		mockDB.Close()
	})

	payload := func() []byte {
		p := CleanupPayload{
			OfferID:       offerID,
			TransactionID: transactionID,
			StoreID:       "store-1",
			AccountID:     accountID,
		}
		b, err := json.Marshal(p)
		Expect(err).NotTo(HaveOccurred())
		return b
	}

	It("records a Remove audit row when the offer is still in the dealstack and removal succeeds, then releases the lock and reschedules a refresh", func() {
		store := &fakeCleanupStore{offer: model.Offer{OfferID: offerID, AccountID: accountID}}
		client := &fakeCleanupClient{dealstack: []upstream.DealstackEntry{{OfferID: offerID.String()}}}
		events := &fakeCleanupEventStore{}

		mock.ExpectExec(`INSERT INTO offer_audits`).WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec(`DELETE FROM account_locks`).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(`INSERT INTO queue_messages`).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))

		handler := NewCleanupHandler(store, &fakeCleanupTokens{}, client, locks, sink, events, q, logger)

		err := handler.Handle(context.Background(), payload())
		Expect(err).NotTo(HaveOccurred())
		Expect(client.removeCalled).To(BeTrue())
		Expect(client.dealstackCall).To(Equal("store-1"))
		Expect(events.names()).To(ConsistOf(RefreshAccountEvent))
	})

	It("marks the audit row likely used when the offer is no longer in the dealstack", func() {
		store := &fakeCleanupStore{offer: model.Offer{OfferID: offerID, AccountID: accountID}}
		client := &fakeCleanupClient{dealstack: nil}
		events := &fakeCleanupEventStore{}

		mock.ExpectExec(`UPDATE offer_audits SET likely_used = true`).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`DELETE FROM account_locks`).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(`INSERT INTO queue_messages`).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))

		handler := NewCleanupHandler(store, &fakeCleanupTokens{}, client, locks, sink, events, q, logger)

		err := handler.Handle(context.Background(), payload())
		Expect(err).NotTo(HaveOccurred())
		Expect(client.removeCalled).To(BeFalse())
	})

	It("still releases the lock and reschedules a refresh when the inner cleanup fails", func() {
		store := &fakeCleanupStore{}
		tokens := &failingTokens{}
		events := &fakeCleanupEventStore{}

		mock.ExpectExec(`DELETE FROM account_locks`).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(`INSERT INTO queue_messages`).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))

		handler := NewCleanupHandler(store, tokens, &fakeCleanupClient{}, locks, sink, events, q, logger)

		err := handler.Handle(context.Background(), payload())
		Expect(err).To(HaveOccurred())
		Expect(events.names()).To(ConsistOf(RefreshAccountEvent))
	})
})

type failingTokens struct{}

func (f *failingTokens) EnsureFresh(ctx context.Context, accountID uuid.UUID) (string, error) {
	return "", context.DeadlineExceeded
}
