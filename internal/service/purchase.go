// Package service implements the purchase orchestrator: the
// synchronous-path state machine that serializes capacity decisions
// under the occurrence lock, charges the payment gateway, commits
// ticket and transaction rows to the ledger and defers the ledger's
// capacity-counter update to the message channel.
package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/avetenim/event-ticketing/internal/lock"
	"github.com/avetenim/event-ticketing/internal/metrics"
	"github.com/avetenim/event-ticketing/internal/model"
	"github.com/avetenim/event-ticketing/internal/payment"
	"github.com/avetenim/event-ticketing/internal/queue"
	"github.com/avetenim/event-ticketing/internal/repository"
)

// ErrEventBusy is returned when the occurrence lock could not be
// acquired within the retry budget.  The caller should retry later.
var ErrEventBusy = errors.New("event occurrence busy")

// ErrNotCancellable is returned when a cancellation targets a
// transaction that is not in a cancellable state.
var ErrNotCancellable = errors.New("transaction not cancellable")

// ErrInvalidQuantity is returned for non-positive purchase quantities.
var ErrInvalidQuantity = errors.New("quantity must be positive")

// PaymentDeclinedError carries the gateway's decline reason.  It is
// terminal for the request; capacity has already been compensated by
// the time it surfaces.
type PaymentDeclinedError struct {
	Code    string
	Message string
}

func (e *PaymentDeclinedError) Error() string {
	return fmt.Sprintf("payment declined (%s): %s", e.Code, e.Message)
}

// How many times a ledger-level token collision triggers regeneration
// before the purchase fails as an internal error.
const maxTokenAttempts = 3

// LockManager is the slice of the lock package the orchestrator uses.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration, maxRetries int, retryDelay time.Duration) (*lock.Token, error)
	Release(ctx context.Context, t *lock.Token) error
}

// CapacityStore is the slice of the capacity cache the orchestrator
// uses.  All mutations happen while the occurrence lock is held; the
// cache itself does not serialize.
type CapacityStore interface {
	GetRemaining(ctx context.Context, eventID uint64, date string) (int, error)
	DecrementIfAvailable(ctx context.Context, eventID uint64, date string, n int) (int, error)
	Increment(ctx context.Context, eventID uint64, date string, n int) (int, error)
	AppendUserTicket(ctx context.Context, userID string, t model.Ticket) error
	SetTransaction(ctx context.Context, txn model.Transaction) error
	ListUserTickets(ctx context.Context, userID string) ([]model.Ticket, error)
}

// LedgerStore is the slice of the durable ledger the orchestrator
// uses: ticket and transaction rows plus occurrence metadata.  The
// capacity counter is deliberately absent; only the reconciliation
// consumer touches it.
type LedgerStore interface {
	GetOccurrence(ctx context.Context, eventID uint64, date string) (*model.EventOccurrence, error)
	CommitPurchase(ctx context.Context, txn *model.Transaction, tickets []model.Ticket) error
	RecordFailedTransaction(ctx context.Context, txn *model.Transaction) error
	CancelPurchase(ctx context.Context, transactionID string) error
	GetTransaction(ctx context.Context, transactionID string) (*model.Transaction, error)
	ListUserTickets(ctx context.Context, userID string) ([]model.Ticket, error)
}

// ChannelPublisher is the publish side of the message channel.
type ChannelPublisher interface {
	PublishCapacityDelta(ctx context.Context, ev queue.CapacityDeltaEvent) error
	PublishTransactionAudit(ctx context.Context, ev queue.TransactionAuditEvent) error
}

// OrchestratorConfig tunes the critical section.  LockTTL must exceed
// the worst-case payment call plus two store writes with margin.
type OrchestratorConfig struct {
	LockTTL        time.Duration
	LockMaxRetries int
	LockRetryDelay time.Duration
	Currency       string
	TokenSecret    []byte
}

// Orchestrator composes the lock manager, capacity cache, ledger,
// payment collaborator and message channel into the purchase and
// cancellation state machines.
type Orchestrator struct {
	locks    LockManager
	capacity CapacityStore
	ledger   LedgerStore
	payments payment.Authorizer
	channel  ChannelPublisher
	cfg      OrchestratorConfig
	log      *logrus.Entry

	// nonce is injectable so tests can make token derivation
	// deterministic.
	nonce func() ([]byte, error)
	now   func() time.Time
}

// NewOrchestrator wires the collaborators together.  All dependencies
// must be non-nil.
func NewOrchestrator(locks LockManager, capacity CapacityStore, ledger LedgerStore, payments payment.Authorizer, channel ChannelPublisher, cfg OrchestratorConfig, log *logrus.Logger) *Orchestrator {
	if locks == nil || capacity == nil || ledger == nil || payments == nil || channel == nil {
		panic("nil dependency passed to NewOrchestrator")
	}
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	return &Orchestrator{
		locks:    locks,
		capacity: capacity,
		ledger:   ledger,
		payments: payments,
		channel:  channel,
		cfg:      cfg,
		log:      log.WithField("component", "orchestrator"),
		nonce:    randomNonce,
		now:      time.Now,
	}
}

// PurchaseResult is the synchronous answer to a purchase request.
type PurchaseResult struct {
	Transaction model.Transaction
	Tickets     []model.Ticket
	Remaining   int
}

// Purchase runs one purchase attempt through the state machine:
// acquire lock → consume cache capacity → authorize payment → commit
// ledger rows → mirror into cache → publish delta and audit → release
// lock.  Requests for the same occurrence are serialized by the lock;
// requests for different occurrences run concurrently.
func (o *Orchestrator) Purchase(ctx context.Context, userID string, eventID uint64, date string, quantity int, method payment.MethodDetails) (*PurchaseResult, error) {
	metrics.PurchaseRequests.Inc()
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	// Occurrence metadata (price) comes from the ledger; this is a
	// read of immutable fields, not a capacity decision.
	occ, err := o.ledger.GetOccurrence(ctx, eventID, date)
	if err != nil {
		return nil, err
	}

	token, err := o.locks.Acquire(ctx, lock.Key(eventID, date), o.cfg.LockTTL, o.cfg.LockMaxRetries, o.cfg.LockRetryDelay)
	if err != nil {
		if errors.Is(err, lock.ErrLockBusy) {
			metrics.PurchaseFailures.WithLabelValues("event_busy").Inc()
			return nil, ErrEventBusy
		}
		return nil, err
	}
	defer func() {
		if relErr := o.locks.Release(ctx, token); relErr != nil {
			o.log.WithError(relErr).Warn("lock release failed")
		}
	}()

	remaining, err := o.capacity.DecrementIfAvailable(ctx, eventID, date, quantity)
	if err != nil {
		// A cache miss fails the purchase; falling back to the
		// ledger's stale counter could oversell.
		metrics.PurchaseFailures.WithLabelValues("insufficient_capacity").Inc()
		return nil, err
	}
	o.observeRemaining(eventID, date, remaining)

	amount := occ.PriceCents * uint32(quantity)
	result, err := o.payments.Authorize(ctx, payment.AuthorizeRequest{
		AmountCents:    amount,
		Currency:       o.cfg.Currency,
		Method:         method,
		IdempotencyKey: uuid.NewString(),
	})
	if err != nil || !result.Success {
		// Compensate the reservation before surfacing the failure.
		if n, incErr := o.capacity.Increment(ctx, eventID, date, quantity); incErr != nil {
			o.log.WithError(incErr).Error("capacity compensation failed after payment failure")
		} else {
			o.observeRemaining(eventID, date, n)
		}
		declined := &PaymentDeclinedError{Code: "gateway_error", Message: "payment gateway unavailable"}
		if err == nil {
			declined = &PaymentDeclinedError{Code: result.ErrorCode, Message: result.ErrorMessage}
		}
		o.recordFailure(ctx, userID, occ, quantity, amount)
		metrics.PurchaseFailures.WithLabelValues("payment_declined").Inc()
		return nil, declined
	}

	txn := model.Transaction{
		EventID:     eventID,
		UserID:      userID,
		Date:        date,
		Quantity:    quantity,
		AmountCents: amount,
		Status:      model.TxnStatusCompleted,
		PaymentRef:  &result.PaymentID,
	}
	tickets, err := o.commitWithFreshToken(ctx, &txn)
	if err != nil {
		// The charge went through but the ledger write did not.  Undo
		// the reservation so capacity is not leaked; the payment
		// itself is left for the gateway's reconciliation, flagged
		// loudly here.
		if _, incErr := o.capacity.Increment(ctx, eventID, date, quantity); incErr != nil {
			o.log.WithError(incErr).Error("capacity compensation failed after ledger failure")
		}
		o.log.WithError(err).WithField("payment_id", result.PaymentID).Error("ledger commit failed after successful charge")
		metrics.PurchaseFailures.WithLabelValues("ledger_error").Inc()
		return nil, err
	}

	o.mirrorIntoCache(ctx, txn, tickets)
	o.publishPurchase(ctx, txn)
	metrics.PurchaseSuccess.Inc()

	return &PurchaseResult{Transaction: txn, Tickets: tickets, Remaining: remaining}, nil
}

// commitWithFreshToken derives the transaction token and writes the
// ledger rows, regenerating the token on a unique-index collision.  A
// collision is an internal retryable condition, never an overwrite.
func (o *Orchestrator) commitWithFreshToken(ctx context.Context, txn *model.Transaction) ([]model.Ticket, error) {
	purchasedAt := o.now().UTC()
	for attempt := 0; attempt < maxTokenAttempts; attempt++ {
		nonce, err := o.nonce()
		if err != nil {
			return nil, fmt.Errorf("generate nonce: %w", err)
		}
		txn.ID = DeriveTransactionID(o.cfg.TokenSecret, txn.UserID, txn.EventID, purchasedAt, nonce)

		tickets := make([]model.Ticket, 0, txn.Quantity)
		for i := 0; i < txn.Quantity; i++ {
			tickets = append(tickets, model.Ticket{
				UserID:        txn.UserID,
				EventID:       txn.EventID,
				Date:          txn.Date,
				TransactionID: txn.ID,
				PurchasedAt:   purchasedAt,
			})
		}
		err = o.ledger.CommitPurchase(ctx, txn, tickets)
		if errors.Is(err, repository.ErrDuplicateTransactionID) {
			o.log.WithField("transaction_id", txn.ID).Warn("transaction token collision; regenerating")
			continue
		}
		if err != nil {
			return nil, err
		}
		return tickets, nil
	}
	return nil, fmt.Errorf("transaction token collision persisted after %d attempts: %w", maxTokenAttempts, repository.ErrDuplicateTransactionID)
}

// recordFailure persists a Failed transaction row for audit.  Failure
// to record is logged, not surfaced: the user-facing outcome is
// already decided.
func (o *Orchestrator) recordFailure(ctx context.Context, userID string, occ *model.EventOccurrence, quantity int, amount uint32) {
	txn := model.Transaction{
		EventID:     occ.EventID,
		UserID:      userID,
		Date:        occ.Date,
		Quantity:    quantity,
		AmountCents: amount,
		Status:      model.TxnStatusFailed,
	}
	if _, err := o.commitFailedWithFreshToken(ctx, &txn); err != nil {
		o.log.WithError(err).Warn("failed to record declined transaction")
		return
	}
	o.publishAudit(ctx, txn)
}

func (o *Orchestrator) commitFailedWithFreshToken(ctx context.Context, txn *model.Transaction) (string, error) {
	at := o.now().UTC()
	for attempt := 0; attempt < maxTokenAttempts; attempt++ {
		nonce, err := o.nonce()
		if err != nil {
			return "", fmt.Errorf("generate nonce: %w", err)
		}
		txn.ID = DeriveTransactionID(o.cfg.TokenSecret, txn.UserID, txn.EventID, at, nonce)
		err = o.ledger.RecordFailedTransaction(ctx, txn)
		if errors.Is(err, repository.ErrDuplicateTransactionID) {
			continue
		}
		if err != nil {
			return "", err
		}
		return txn.ID, nil
	}
	return "", repository.ErrDuplicateTransactionID
}

// mirrorIntoCache copies the committed rows into the cache's per-user
// indexes.  Mirror failures are logged and tolerated; they only affect
// read paths, never the committed purchase.
func (o *Orchestrator) mirrorIntoCache(ctx context.Context, txn model.Transaction, tickets []model.Ticket) {
	if err := o.capacity.SetTransaction(ctx, txn); err != nil {
		o.log.WithError(err).Warn("transaction mirror failed")
	}
	for _, t := range tickets {
		if err := o.capacity.AppendUserTicket(ctx, txn.UserID, t); err != nil {
			o.log.WithError(err).Warn("ticket mirror failed")
		}
	}
}

// publishPurchase emits the capacity delta and the audit record for a
// committed purchase.  Publish failure does not roll anything back:
// re-driving payment is unsafe, and broker unavailability must not
// make a paid purchase invisible.
func (o *Orchestrator) publishPurchase(ctx context.Context, txn model.Transaction) {
	delta := queue.CapacityDeltaEvent{
		EventID:        txn.EventID,
		OccurrenceDate: txn.Date,
		DeltaAmount:    -txn.Quantity,
		TransactionID:  txn.ID,
		EmittedAt:      o.now().UTC().Format(time.RFC3339),
	}
	if err := o.channel.PublishCapacityDelta(ctx, delta); err != nil {
		metrics.PublishFailures.WithLabelValues(queue.CapacityDeltaQueue).Inc()
		o.log.WithError(err).WithField("transaction_id", txn.ID).Error("capacity delta publish failed; ledger counter will lag until recovered")
	}
	o.publishAudit(ctx, txn)
}

func (o *Orchestrator) publishAudit(ctx context.Context, txn model.Transaction) {
	audit := queue.TransactionAuditEvent{
		TransactionID: txn.ID,
		EventID:       txn.EventID,
		UserID:        txn.UserID,
		Status:        txn.Status,
		AmountCents:   txn.AmountCents,
		Timestamp:     o.now().UTC().Format(time.RFC3339),
	}
	if err := o.channel.PublishTransactionAudit(ctx, audit); err != nil {
		metrics.PublishFailures.WithLabelValues(queue.TransactionAuditQueue).Inc()
		o.log.WithError(err).WithField("transaction_id", txn.ID).Error("transaction audit publish failed")
	}
}

// Cancel reverses a completed purchase.  It is structurally the
// inverse of Purchase: the same lock-bounded critical section, with a
// capacity increment and a positive delta on the channel.
func (o *Orchestrator) Cancel(ctx context.Context, userID, transactionID string) error {
	txn, err := o.ledger.GetTransaction(ctx, transactionID)
	if err != nil {
		return err
	}
	if txn.UserID != userID {
		return repository.ErrForbidden
	}

	token, err := o.locks.Acquire(ctx, lock.Key(txn.EventID, txn.Date), o.cfg.LockTTL, o.cfg.LockMaxRetries, o.cfg.LockRetryDelay)
	if err != nil {
		if errors.Is(err, lock.ErrLockBusy) {
			return ErrEventBusy
		}
		return err
	}
	defer func() {
		if relErr := o.locks.Release(ctx, token); relErr != nil {
			o.log.WithError(relErr).Warn("lock release failed")
		}
	}()

	// Re-validate under the lock; the status may have changed while
	// we were waiting.
	txn, err = o.ledger.GetTransaction(ctx, transactionID)
	if err != nil {
		return err
	}
	if !txn.Cancellable() {
		return ErrNotCancellable
	}

	remaining, err := o.capacity.Increment(ctx, txn.EventID, txn.Date, txn.Quantity)
	if err != nil {
		return fmt.Errorf("return capacity: %w", err)
	}
	o.observeRemaining(txn.EventID, txn.Date, remaining)

	if err := o.ledger.CancelPurchase(ctx, transactionID); err != nil {
		// Undo the capacity return so cache and ledger stay aligned.
		if _, decErr := o.capacity.DecrementIfAvailable(ctx, txn.EventID, txn.Date, txn.Quantity); decErr != nil {
			o.log.WithError(decErr).Error("capacity rollback failed after cancellation error")
		}
		return err
	}

	cancelled := *txn
	cancelled.Status = model.TxnStatusCancelled
	if err := o.capacity.SetTransaction(ctx, cancelled); err != nil {
		o.log.WithError(err).Warn("transaction mirror failed")
	}

	delta := queue.CapacityDeltaEvent{
		EventID:        txn.EventID,
		OccurrenceDate: txn.Date,
		DeltaAmount:    txn.Quantity,
		TransactionID:  txn.ID,
		EmittedAt:      o.now().UTC().Format(time.RFC3339),
	}
	if err := o.channel.PublishCapacityDelta(ctx, delta); err != nil {
		metrics.PublishFailures.WithLabelValues(queue.CapacityDeltaQueue).Inc()
		o.log.WithError(err).WithField("transaction_id", txn.ID).Error("compensating delta publish failed")
	}
	o.publishAudit(ctx, cancelled)
	return nil
}

// ListTickets returns a user's tickets, serving from the cache index
// and falling back to the ledger when the cache is unavailable or
// empty.
func (o *Orchestrator) ListTickets(ctx context.Context, userID string) ([]model.Ticket, error) {
	tickets, err := o.capacity.ListUserTickets(ctx, userID)
	if err == nil && len(tickets) > 0 {
		return tickets, nil
	}
	if err != nil {
		o.log.WithError(err).Warn("cache ticket index unavailable; falling back to ledger")
	}
	return o.ledger.ListUserTickets(ctx, userID)
}

// OccurrenceStatus combines ledger metadata with the cache's
// authoritative remaining value for the read surface.
type OccurrenceStatus struct {
	Occurrence model.EventOccurrence
	Remaining  int
}

// GetOccurrenceStatus loads one occurrence with its live remaining
// capacity.  A cache miss surfaces as cache.ErrCapacityMiss; the
// ledger counter is never substituted.
func (o *Orchestrator) GetOccurrenceStatus(ctx context.Context, eventID uint64, date string) (*OccurrenceStatus, error) {
	occ, err := o.ledger.GetOccurrence(ctx, eventID, date)
	if err != nil {
		return nil, err
	}
	remaining, err := o.capacity.GetRemaining(ctx, eventID, date)
	if err != nil {
		return nil, err
	}
	return &OccurrenceStatus{Occurrence: *occ, Remaining: remaining}, nil
}

func (o *Orchestrator) observeRemaining(eventID uint64, date string, remaining int) {
	metrics.RemainingCapacity.WithLabelValues(strconv.FormatUint(eventID, 10), date).Set(float64(remaining))
}
