package service

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avetenim/event-ticketing/internal/cache"
	"github.com/avetenim/event-ticketing/internal/lock"
	"github.com/avetenim/event-ticketing/internal/model"
	"github.com/avetenim/event-ticketing/internal/payment"
	"github.com/avetenim/event-ticketing/internal/queue"
	"github.com/avetenim/event-ticketing/internal/repository"
)

// fakeLocks serializes critical sections with an in-process mutex per
// key, which is exactly the guarantee the Redis lock provides in
// production.
type fakeLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newFakeLocks() *fakeLocks {
	return &fakeLocks{locks: make(map[string]*sync.Mutex)}
}

func (f *fakeLocks) forKey(key string) *sync.Mutex {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.locks[key]
	if !ok {
		m = &sync.Mutex{}
		f.locks[key] = m
	}
	return m
}

func (f *fakeLocks) Acquire(_ context.Context, key string, ttl time.Duration, _ int, _ time.Duration) (*lock.Token, error) {
	f.forKey(key).Lock()
	return &lock.Token{Key: key, Holder: "test", AcquiredAt: time.Now(), TTL: ttl}, nil
}

func (f *fakeLocks) Release(_ context.Context, t *lock.Token) error {
	f.forKey(t.Key).Unlock()
	return nil
}

// busyLocks always reports contention.
type busyLocks struct{}

func (busyLocks) Acquire(context.Context, string, time.Duration, int, time.Duration) (*lock.Token, error) {
	return nil, lock.ErrLockBusy
}
func (busyLocks) Release(context.Context, *lock.Token) error { return nil }

type fakeCapacity struct {
	mu        sync.Mutex
	remaining map[string]int
	tickets   map[string][]model.Ticket
	txns      map[string]model.Transaction
}

func newFakeCapacity() *fakeCapacity {
	return &fakeCapacity{
		remaining: make(map[string]int),
		tickets:   make(map[string][]model.Ticket),
		txns:      make(map[string]model.Transaction),
	}
}

func (f *fakeCapacity) seed(eventID uint64, date string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remaining[cache.OccurrenceKey(eventID, date)] = n
}

func (f *fakeCapacity) GetRemaining(_ context.Context, eventID uint64, date string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.remaining[cache.OccurrenceKey(eventID, date)]
	if !ok {
		return 0, cache.ErrCapacityMiss
	}
	return v, nil
}

func (f *fakeCapacity) DecrementIfAvailable(_ context.Context, eventID uint64, date string, n int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := cache.OccurrenceKey(eventID, date)
	v, ok := f.remaining[key]
	if !ok {
		return 0, cache.ErrCapacityMiss
	}
	if v < n {
		return 0, cache.ErrInsufficientCapacity
	}
	f.remaining[key] = v - n
	return v - n, nil
}

func (f *fakeCapacity) Increment(_ context.Context, eventID uint64, date string, n int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := cache.OccurrenceKey(eventID, date)
	f.remaining[key] += n
	return f.remaining[key], nil
}

func (f *fakeCapacity) AppendUserTicket(_ context.Context, userID string, t model.Ticket) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tickets[userID] = append(f.tickets[userID], t)
	return nil
}

func (f *fakeCapacity) SetTransaction(_ context.Context, txn model.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txns[txn.ID] = txn
	return nil
}

func (f *fakeCapacity) ListUserTickets(_ context.Context, userID string) ([]model.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Ticket(nil), f.tickets[userID]...), nil
}

type fakeLedger struct {
	mu           sync.Mutex
	occurrences  map[string]*model.EventOccurrence
	txns         map[string]*model.Transaction
	tickets      []model.Ticket
	nextTicketID uint64
	commitErr    error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		occurrences: make(map[string]*model.EventOccurrence),
		txns:        make(map[string]*model.Transaction),
	}
}

func occKey(eventID uint64, date string) string {
	return cache.OccurrenceKey(eventID, date)
}

func (f *fakeLedger) addOccurrence(occ model.EventOccurrence) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.occurrences[occKey(occ.EventID, occ.Date)] = &occ
}

func (f *fakeLedger) GetOccurrence(_ context.Context, eventID uint64, date string) (*model.EventOccurrence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	occ, ok := f.occurrences[occKey(eventID, date)]
	if !ok {
		return nil, repository.ErrOccurrenceNotFound
	}
	cp := *occ
	return &cp, nil
}

func (f *fakeLedger) CommitPurchase(_ context.Context, txn *model.Transaction, tickets []model.Ticket) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		return f.commitErr
	}
	if _, exists := f.txns[txn.ID]; exists {
		return repository.ErrDuplicateTransactionID
	}
	cp := *txn
	f.txns[txn.ID] = &cp
	for i := range tickets {
		f.nextTicketID++
		tickets[i].ID = f.nextTicketID
		f.tickets = append(f.tickets, tickets[i])
	}
	return nil
}

func (f *fakeLedger) RecordFailedTransaction(_ context.Context, txn *model.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.txns[txn.ID]; exists {
		return repository.ErrDuplicateTransactionID
	}
	cp := *txn
	f.txns[txn.ID] = &cp
	return nil
}

func (f *fakeLedger) CancelPurchase(_ context.Context, transactionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	txn, ok := f.txns[transactionID]
	if !ok {
		return repository.ErrTransactionNotFound
	}
	txn.Status = model.TxnStatusCancelled
	for i := range f.tickets {
		if f.tickets[i].TransactionID == transactionID {
			f.tickets[i].Cancelled = true
		}
	}
	return nil
}

func (f *fakeLedger) GetTransaction(_ context.Context, transactionID string) (*model.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	txn, ok := f.txns[transactionID]
	if !ok {
		return nil, repository.ErrTransactionNotFound
	}
	cp := *txn
	return &cp, nil
}

func (f *fakeLedger) ListUserTickets(_ context.Context, userID string) ([]model.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Ticket
	for _, t := range f.tickets {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeLedger) ticketCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tickets)
}

func (f *fakeLedger) transactionsByStatus(status string) []model.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Transaction
	for _, txn := range f.txns {
		if txn.Status == status {
			out = append(out, *txn)
		}
	}
	return out
}

type fakeAuthorizer struct {
	declineCode string
	err         error
}

func (f *fakeAuthorizer) Authorize(_ context.Context, _ payment.AuthorizeRequest) (*payment.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.declineCode != "" {
		return &payment.Result{Success: false, Status: "declined", ErrorCode: f.declineCode, ErrorMessage: "declined by test"}, nil
	}
	return &payment.Result{Success: true, PaymentID: "pay-1", Status: "approved"}, nil
}

type fakeChannel struct {
	mu         sync.Mutex
	deltas     []queue.CapacityDeltaEvent
	audits     []queue.TransactionAuditEvent
	publishErr error
}

func (f *fakeChannel) PublishCapacityDelta(_ context.Context, ev queue.CapacityDeltaEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.deltas = append(f.deltas, ev)
	return nil
}

func (f *fakeChannel) PublishTransactionAudit(_ context.Context, ev queue.TransactionAuditEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.audits = append(f.audits, ev)
	return nil
}

func (f *fakeChannel) deltaSum() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	sum := 0
	for _, d := range f.deltas {
		sum += d.DeltaAmount
	}
	return sum
}

type testEnv struct {
	orc      *Orchestrator
	capacity *fakeCapacity
	ledger   *fakeLedger
	payments *fakeAuthorizer
	channel  *fakeChannel
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	env := &testEnv{
		capacity: newFakeCapacity(),
		ledger:   newFakeLedger(),
		payments: &fakeAuthorizer{},
		channel:  &fakeChannel{},
	}
	env.orc = NewOrchestrator(newFakeLocks(), env.capacity, env.ledger, env.payments, env.channel, OrchestratorConfig{
		LockTTL:        15 * time.Second,
		LockMaxRetries: 3,
		LockRetryDelay: time.Millisecond,
		TokenSecret:    []byte("test-secret"),
	}, log)
	return env
}

func (e *testEnv) seedOccurrence(eventID uint64, date string, capacityN int, priceCents uint32) {
	e.ledger.addOccurrence(model.EventOccurrence{
		EventID:       eventID,
		Date:          date,
		Name:          "Test Event",
		TotalCapacity: capacityN,
		PriceCents:    priceCents,
	})
	e.capacity.seed(eventID, date, capacityN)
}

func TestPurchaseHappyPath(t *testing.T) {
	env := newTestEnv(t)
	env.seedOccurrence(7, "2026-09-01", 10, 2500)

	res, err := env.orc.Purchase(context.Background(), "user-1", 7, "2026-09-01", 3, nil)
	require.NoError(t, err)

	assert.Equal(t, model.TxnStatusCompleted, res.Transaction.Status)
	assert.Equal(t, uint32(7500), res.Transaction.AmountCents)
	assert.Equal(t, 7, res.Remaining)
	assert.Len(t, res.Tickets, 3)
	assert.Equal(t, 3, env.ledger.ticketCount())

	require.Len(t, env.channel.deltas, 1)
	assert.Equal(t, -3, env.channel.deltas[0].DeltaAmount)
	assert.Equal(t, res.Transaction.ID, env.channel.deltas[0].TransactionID)
	require.Len(t, env.channel.audits, 1)
	assert.Equal(t, model.TxnStatusCompleted, env.channel.audits[0].Status)

	// The committed rows are mirrored for the read paths.
	tickets, err := env.capacity.ListUserTickets(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Len(t, tickets, 3)
}

func TestPurchaseRejectsInvalidQuantity(t *testing.T) {
	env := newTestEnv(t)
	env.seedOccurrence(7, "2026-09-01", 10, 2500)

	_, err := env.orc.Purchase(context.Background(), "user-1", 7, "2026-09-01", 0, nil)
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = env.orc.Purchase(context.Background(), "user-1", 7, "2026-09-01", -2, nil)
	assert.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestPurchaseUnknownOccurrence(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.orc.Purchase(context.Background(), "user-1", 99, "2026-09-01", 1, nil)
	assert.ErrorIs(t, err, repository.ErrOccurrenceNotFound)
}

func TestPurchaseFailsClosedOnCapacityMiss(t *testing.T) {
	env := newTestEnv(t)
	// Ledger row exists but the cache was never seeded; the purchase
	// must fail rather than fall back to the ledger counter.
	env.ledger.addOccurrence(model.EventOccurrence{EventID: 7, Date: "2026-09-01", TotalCapacity: 10, PriceCents: 2500})

	_, err := env.orc.Purchase(context.Background(), "user-1", 7, "2026-09-01", 1, nil)
	assert.ErrorIs(t, err, cache.ErrCapacityMiss)
	assert.Equal(t, 0, env.ledger.ticketCount())
}

func TestPurchaseInsufficientCapacity(t *testing.T) {
	env := newTestEnv(t)
	env.seedOccurrence(7, "2026-09-01", 2, 2500)

	_, err := env.orc.Purchase(context.Background(), "user-1", 7, "2026-09-01", 3, nil)
	assert.ErrorIs(t, err, cache.ErrInsufficientCapacity)

	// The failed request must not have consumed anything, written any
	// ledger rows or published any message.
	remaining, err := env.capacity.GetRemaining(context.Background(), 7, "2026-09-01")
	require.NoError(t, err)
	assert.Equal(t, 2, remaining)
	assert.Equal(t, 0, env.ledger.ticketCount())
	assert.Empty(t, env.channel.deltas)
	assert.Empty(t, env.channel.audits)
}

func TestPurchaseCapacityOneTwoBuyers(t *testing.T) {
	env := newTestEnv(t)
	env.seedOccurrence(7, "2026-09-01", 1, 2500)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := []string{"user-1", "user-2"}[i]
			_, errs[i] = env.orc.Purchase(context.Background(), user, 7, "2026-09-01", 1, nil)
		}(i)
	}
	wg.Wait()

	// Exactly one wins; the other sees insufficient capacity.
	if errs[0] == nil {
		assert.ErrorIs(t, errs[1], cache.ErrInsufficientCapacity)
	} else {
		require.NoError(t, errs[1])
		assert.ErrorIs(t, errs[0], cache.ErrInsufficientCapacity)
	}
	assert.Equal(t, 1, env.ledger.ticketCount())
	completed := env.ledger.transactionsByStatus(model.TxnStatusCompleted)
	assert.Len(t, completed, 1)
}

func TestPurchaseNeverOversells(t *testing.T) {
	const capacityN = 5
	const buyers = 20

	env := newTestEnv(t)
	env.seedOccurrence(7, "2026-09-01", capacityN, 1000)

	var wg sync.WaitGroup
	errs := make([]error, buyers)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := "user-" + string(rune('a'+i))
			_, errs[i] = env.orc.Purchase(context.Background(), user, 7, "2026-09-01", 1, nil)
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
			continue
		}
		assert.ErrorIs(t, err, cache.ErrInsufficientCapacity)
	}
	assert.Equal(t, capacityN, successes)
	assert.Equal(t, capacityN, env.ledger.ticketCount())

	remaining, err := env.capacity.GetRemaining(context.Background(), 7, "2026-09-01")
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)
	assert.Equal(t, -capacityN, env.channel.deltaSum())
}

func TestPurchaseBusyLock(t *testing.T) {
	env := newTestEnv(t)
	env.seedOccurrence(7, "2026-09-01", 10, 2500)
	env.orc.locks = busyLocks{}

	_, err := env.orc.Purchase(context.Background(), "user-1", 7, "2026-09-01", 1, nil)
	assert.ErrorIs(t, err, ErrEventBusy)
}

func TestPurchasePaymentDeclinedCompensates(t *testing.T) {
	env := newTestEnv(t)
	env.seedOccurrence(7, "2026-09-01", 10, 2500)
	env.payments.declineCode = "card_declined"

	_, err := env.orc.Purchase(context.Background(), "user-1", 7, "2026-09-01", 4, nil)

	var declined *PaymentDeclinedError
	require.ErrorAs(t, err, &declined)
	assert.Equal(t, "card_declined", declined.Code)

	// Reserved capacity was returned.
	remaining, rerr := env.capacity.GetRemaining(context.Background(), 7, "2026-09-01")
	require.NoError(t, rerr)
	assert.Equal(t, 10, remaining)

	// A Failed row exists for audit, no tickets were written and no
	// capacity delta went onto the channel.
	failed := env.ledger.transactionsByStatus(model.TxnStatusFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, uint32(10000), failed[0].AmountCents)
	assert.Equal(t, 0, env.ledger.ticketCount())
	assert.Empty(t, env.channel.deltas)
	require.Len(t, env.channel.audits, 1)
	assert.Equal(t, model.TxnStatusFailed, env.channel.audits[0].Status)
}

func TestPurchaseGatewayErrorCompensates(t *testing.T) {
	env := newTestEnv(t)
	env.seedOccurrence(7, "2026-09-01", 10, 2500)
	env.payments.err = errors.New("connection refused")

	_, err := env.orc.Purchase(context.Background(), "user-1", 7, "2026-09-01", 2, nil)

	var declined *PaymentDeclinedError
	require.ErrorAs(t, err, &declined)
	assert.Equal(t, "gateway_error", declined.Code)

	remaining, rerr := env.capacity.GetRemaining(context.Background(), 7, "2026-09-01")
	require.NoError(t, rerr)
	assert.Equal(t, 10, remaining)
}

func TestPurchaseLedgerFailureCompensates(t *testing.T) {
	env := newTestEnv(t)
	env.seedOccurrence(7, "2026-09-01", 10, 2500)
	env.ledger.commitErr = errors.New("deadlock found")

	_, err := env.orc.Purchase(context.Background(), "user-1", 7, "2026-09-01", 2, nil)
	require.Error(t, err)

	remaining, rerr := env.capacity.GetRemaining(context.Background(), 7, "2026-09-01")
	require.NoError(t, rerr)
	assert.Equal(t, 10, remaining)
	assert.Empty(t, env.channel.deltas)
}

func TestPurchaseRegeneratesTokenOnCollision(t *testing.T) {
	env := newTestEnv(t)
	env.seedOccurrence(7, "2026-09-01", 10, 2500)

	at := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	env.orc.now = func() time.Time { return at }
	nonces := [][]byte{[]byte("nonce-a"), []byte("nonce-b")}
	env.orc.nonce = func() ([]byte, error) {
		n := nonces[0]
		if len(nonces) > 1 {
			nonces = nonces[1:]
		}
		return n, nil
	}

	// Pre-insert the row the first derivation will collide with.
	collidingID := DeriveTransactionID([]byte("test-secret"), "user-1", 7, at, []byte("nonce-a"))
	env.ledger.txns[collidingID] = &model.Transaction{ID: collidingID, Status: model.TxnStatusCompleted}

	res, err := env.orc.Purchase(context.Background(), "user-1", 7, "2026-09-01", 1, nil)
	require.NoError(t, err)

	expected := DeriveTransactionID([]byte("test-secret"), "user-1", 7, at, []byte("nonce-b"))
	assert.Equal(t, expected, res.Transaction.ID)
	assert.NotEqual(t, collidingID, res.Transaction.ID)
}

func TestPurchaseSucceedsWhenPublishFails(t *testing.T) {
	env := newTestEnv(t)
	env.seedOccurrence(7, "2026-09-01", 10, 2500)
	env.channel.publishErr = errors.New("broker down")

	res, err := env.orc.Purchase(context.Background(), "user-1", 7, "2026-09-01", 2, nil)
	require.NoError(t, err)
	assert.Equal(t, model.TxnStatusCompleted, res.Transaction.Status)
	assert.Equal(t, 2, env.ledger.ticketCount())
}

func TestCancelRestoresCapacity(t *testing.T) {
	env := newTestEnv(t)
	env.seedOccurrence(7, "2026-09-01", 10, 2500)

	res, err := env.orc.Purchase(context.Background(), "user-1", 7, "2026-09-01", 3, nil)
	require.NoError(t, err)

	err = env.orc.Cancel(context.Background(), "user-1", res.Transaction.ID)
	require.NoError(t, err)

	remaining, rerr := env.capacity.GetRemaining(context.Background(), 7, "2026-09-01")
	require.NoError(t, rerr)
	assert.Equal(t, 10, remaining)

	txn, terr := env.ledger.GetTransaction(context.Background(), res.Transaction.ID)
	require.NoError(t, terr)
	assert.Equal(t, model.TxnStatusCancelled, txn.Status)

	// The purchase delta and the compensating delta cancel out.
	assert.Equal(t, 0, env.channel.deltaSum())
}

func TestCancelByAnotherUserForbidden(t *testing.T) {
	env := newTestEnv(t)
	env.seedOccurrence(7, "2026-09-01", 10, 2500)

	res, err := env.orc.Purchase(context.Background(), "user-1", 7, "2026-09-01", 1, nil)
	require.NoError(t, err)

	err = env.orc.Cancel(context.Background(), "user-2", res.Transaction.ID)
	assert.ErrorIs(t, err, repository.ErrForbidden)
}

func TestCancelUnknownTransaction(t *testing.T) {
	env := newTestEnv(t)
	err := env.orc.Cancel(context.Background(), "user-1", "no-such-token")
	assert.ErrorIs(t, err, repository.ErrTransactionNotFound)
}

func TestCancelTwiceIsRejected(t *testing.T) {
	env := newTestEnv(t)
	env.seedOccurrence(7, "2026-09-01", 10, 2500)

	res, err := env.orc.Purchase(context.Background(), "user-1", 7, "2026-09-01", 2, nil)
	require.NoError(t, err)

	require.NoError(t, env.orc.Cancel(context.Background(), "user-1", res.Transaction.ID))
	err = env.orc.Cancel(context.Background(), "user-1", res.Transaction.ID)
	assert.ErrorIs(t, err, ErrNotCancellable)

	// Capacity was returned exactly once.
	remaining, rerr := env.capacity.GetRemaining(context.Background(), 7, "2026-09-01")
	require.NoError(t, rerr)
	assert.Equal(t, 10, remaining)
}

func TestListTicketsFallsBackToLedger(t *testing.T) {
	env := newTestEnv(t)
	env.seedOccurrence(7, "2026-09-01", 10, 2500)

	res, err := env.orc.Purchase(context.Background(), "user-1", 7, "2026-09-01", 2, nil)
	require.NoError(t, err)

	// Drop the cache mirror; the listing must still come back from the
	// ledger.
	env.capacity.mu.Lock()
	env.capacity.tickets = make(map[string][]model.Ticket)
	env.capacity.mu.Unlock()

	tickets, err := env.orc.ListTickets(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, tickets, 2)
	assert.Equal(t, res.Transaction.ID, tickets[0].TransactionID)
}

func TestGetOccurrenceStatusUsesCacheRemaining(t *testing.T) {
	env := newTestEnv(t)
	env.seedOccurrence(7, "2026-09-01", 10, 2500)

	_, err := env.orc.Purchase(context.Background(), "user-1", 7, "2026-09-01", 4, nil)
	require.NoError(t, err)

	status, err := env.orc.GetOccurrenceStatus(context.Background(), 7, "2026-09-01")
	require.NoError(t, err)
	assert.Equal(t, 6, status.Remaining)
	assert.Equal(t, uint32(2500), status.Occurrence.PriceCents)
}
