package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/avetenim/event-ticketing/internal/cache"
	"github.com/avetenim/event-ticketing/internal/metrics"
	"github.com/avetenim/event-ticketing/internal/model"
)

// How long an applied transaction ID stays in the dedup index.  The
// window only needs to cover the broker's redelivery horizon; a
// restart wipes the index, which is safe because deltas re-applied
// against an already-updated ledger are caught by the audit trail and
// flagged by the consistency sweep.
const dedupWindow = 30 * time.Minute

// Per-message retry policy before dead-lettering.
const (
	maxProcessAttempts = 3
	baseRetryDelay     = time.Second
)

// OccurrenceStore is the slice of the ledger the consumer needs for
// capacity reconciliation.
type OccurrenceStore interface {
	GetByID(ctx context.Context, eventID uint64, date string) (*model.EventOccurrence, error)
	AdjustCapacityCounter(ctx context.Context, eventID uint64, date string, delta int) error
}

// TransactionStore is the slice of the ledger the consumer needs for
// audit reconciliation.
type TransactionStore interface {
	GetByID(ctx context.Context, transactionID string) (*model.Transaction, error)
	UpdateStatus(ctx context.Context, transactionID, status string) error
}

// RemainingReader reads the cache-side remaining capacity for the soft
// consistency check.
type RemainingReader interface {
	GetRemaining(ctx context.Context, eventID uint64, date string) (int, error)
}

// DeadLetterPublisher moves exhausted messages to the dead-letter
// queue.
type DeadLetterPublisher interface {
	PublishDeadLetter(ctx context.Context, ev DeadLetterEvent) error
}

// Reconciler drains the capacity.delta and transaction.audit queues
// and brings the durable ledger back into agreement with the capacity
// cache.  It is the only writer of the ledger's capacity counter.  It
// tolerates duplicate and out-of-order delivery: deltas are
// commutative integer additions keyed by unique transaction IDs, and a
// bounded-time dedup index turns redelivery into a no-op.
type Reconciler struct {
	url          string
	occurrences  OccurrenceStore
	transactions TransactionStore
	remaining    RemainingReader
	deadLetters  DeadLetterPublisher
	tolerance    int
	log          *logrus.Entry

	mu      sync.Mutex
	applied map[string]time.Time // dedup index: "<kind>:<transactionID>" → applied at
	touched map[string]time.Time // occurrences with recent deltas: "<eventID>:<date>"
}

// NewReconciler builds a Reconciler.  tolerance is the divergence
// between ledger counter and cache remaining below which the soft
// consistency check stays silent; transient divergence while deltas
// are in flight is expected and never fatal.
func NewReconciler(url string, occ OccurrenceStore, txns TransactionStore, remaining RemainingReader, dl DeadLetterPublisher, tolerance int, log *logrus.Logger) *Reconciler {
	return &Reconciler{
		url:          url,
		occurrences:  occ,
		transactions: txns,
		remaining:    remaining,
		deadLetters:  dl,
		tolerance:    tolerance,
		log:          log.WithField("component", "reconciler"),
		applied:      make(map[string]time.Time),
		touched:      make(map[string]time.Time),
	}
}

// Run connects to the broker and consumes both streams until the
// context is cancelled.  It runs a reconnect loop with exponential
// backoff so a broker restart never kills the worker.
func (r *Reconciler) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		conn, err := amqp.Dial(r.url)
		if err != nil {
			r.log.WithError(err).Warnf("failed to dial broker; retrying in %s", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second // reset after successful connect

		err = r.consumeLoop(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.log.WithError(err).Warn("consume loop ended; reconnecting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func (r *Reconciler) consumeLoop(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		r.log.WithError(err).Warn("set QoS failed")
	}
	for _, q := range []string{CapacityDeltaQueue, TransactionAuditQueue, DeadLetterQueue} {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			return fmt.Errorf("queue declare %s: %w", q, err)
		}
	}

	deltas, err := ch.Consume(CapacityDeltaQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", CapacityDeltaQueue, err)
	}
	audits, err := ch.Consume(TransactionAuditQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", TransactionAuditQueue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deltas:
			if !ok {
				return errors.New("delta deliveries channel closed")
			}
			r.handleDelivery(ctx, CapacityDeltaQueue, d, r.processDelta)
		case d, ok := <-audits:
			if !ok {
				return errors.New("audit deliveries channel closed")
			}
			r.handleDelivery(ctx, TransactionAuditQueue, d, r.processAudit)
		}
	}
}

// handleDelivery runs a handler with bounded exponential backoff.  A
// message that still fails after the last attempt is copied to the
// dead-letter queue with its last error and acknowledged; it is never
// dropped silently and never requeued into a tight loop.
func (r *Reconciler) handleDelivery(ctx context.Context, queueName string, d amqp.Delivery, process func(context.Context, []byte) error) {
	var lastErr error
	delay := baseRetryDelay
	for attempt := 1; attempt <= maxProcessAttempts; attempt++ {
		lastErr = process(ctx, d.Body)
		if lastErr == nil {
			_ = d.Ack(false)
			return
		}
		if errors.Is(lastErr, errMalformed) {
			break // retrying cannot fix a payload that does not parse
		}
		r.log.WithError(lastErr).WithFields(logrus.Fields{
			"queue":   queueName,
			"attempt": attempt,
		}).Warn("message processing failed")
		if attempt < maxProcessAttempts {
			select {
			case <-ctx.Done():
				_ = d.Nack(false, true) // requeue, shutting down
				return
			case <-time.After(delay):
			}
			delay *= 2
		}
	}

	r.log.WithError(lastErr).WithField("queue", queueName).Error("moving message to dead letter queue")
	metrics.DeadLettered.Inc()
	dl := DeadLetterEvent{
		Queue:     queueName,
		Payload:   json.RawMessage(d.Body),
		LastError: lastErr.Error(),
		FailedAt:  time.Now().UTC().Format(time.RFC3339),
	}
	if err := r.deadLetters.PublishDeadLetter(ctx, dl); err != nil {
		// Keep the message on the broker rather than lose it.
		r.log.WithError(err).Error("dead letter publish failed; requeueing original")
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

// errMalformed marks payloads that cannot be parsed; they go straight
// to the dead-letter queue.
var errMalformed = errors.New("malformed payload")

// processDelta applies one capacity delta to the ledger counter and
// then soft-checks the result against the cache.
func (r *Reconciler) processDelta(ctx context.Context, body []byte) error {
	var ev CapacityDeltaEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	if ev.TransactionID == "" {
		return fmt.Errorf("%w: capacity delta without transaction id", errMalformed)
	}

	if r.alreadyApplied("delta", ev.TransactionID) {
		metrics.DeltasDuplicate.Inc()
		r.log.WithField("transaction_id", ev.TransactionID).Info("duplicate capacity delta skipped")
		return nil
	}

	if err := r.occurrences.AdjustCapacityCounter(ctx, ev.EventID, ev.OccurrenceDate, ev.DeltaAmount); err != nil {
		return fmt.Errorf("apply capacity delta: %w", err)
	}
	r.markApplied("delta", ev.TransactionID)
	r.markTouched(ev.EventID, ev.OccurrenceDate)
	metrics.DeltasApplied.Inc()

	r.checkDivergence(ctx, ev.EventID, ev.OccurrenceDate)
	return nil
}

// processAudit updates a transaction's status for the audit trail.  A
// transaction that already reached a terminal status is left alone so
// a late or reordered audit message cannot regress it.
func (r *Reconciler) processAudit(ctx context.Context, body []byte) error {
	var ev TransactionAuditEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	if ev.TransactionID == "" {
		return fmt.Errorf("%w: audit event without transaction id", errMalformed)
	}

	txn, err := r.transactions.GetByID(ctx, ev.TransactionID)
	if err != nil {
		return fmt.Errorf("load transaction %s: %w", ev.TransactionID, err)
	}
	if txn.Status == ev.Status {
		return nil
	}
	// Cancellation is the one allowed transition out of Completed; it
	// supports the compensation flow where a Cancelled signal arrives
	// after the terminal Completed write.
	if txn.Terminal() && !(txn.Status == model.TxnStatusCompleted && ev.Status == model.TxnStatusCancelled) {
		r.log.WithFields(logrus.Fields{
			"transaction_id": ev.TransactionID,
			"current":        txn.Status,
			"incoming":       ev.Status,
		}).Info("audit update skipped; status already terminal")
		return nil
	}
	if err := r.transactions.UpdateStatus(ctx, ev.TransactionID, ev.Status); err != nil {
		return fmt.Errorf("update transaction %s: %w", ev.TransactionID, err)
	}
	return nil
}

// checkDivergence compares the freshly updated ledger counter with the
// cache's remaining value and warns when the difference exceeds the
// tolerance.  Divergence is expected while deltas are in flight, so
// this is diagnostic, never fatal.
func (r *Reconciler) checkDivergence(ctx context.Context, eventID uint64, date string) {
	occ, err := r.occurrences.GetByID(ctx, eventID, date)
	if err != nil {
		r.log.WithError(err).Warn("consistency check: ledger read failed")
		return
	}
	remaining, err := r.remaining.GetRemaining(ctx, eventID, date)
	if err != nil {
		if !errors.Is(err, cache.ErrCapacityMiss) {
			r.log.WithError(err).Warn("consistency check: cache read failed")
		}
		return
	}
	diff := occ.CapacityCounter - remaining
	if diff < 0 {
		diff = -diff
	}
	if diff > r.tolerance {
		r.log.WithFields(logrus.Fields{
			"event_id":        eventID,
			"occurrence_date": date,
			"ledger_counter":  occ.CapacityCounter,
			"cache_remaining": remaining,
		}).Warn("ledger/cache capacity divergence")
	}
}

// RunSweep periodically re-checks every occurrence that received a
// delta recently.  It catches divergence that the per-message check
// missed because messages were still in flight at the time.
func (r *Reconciler) RunSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, key := range r.recentlyTouched() {
				var eventID uint64
				var date string
				if _, err := fmt.Sscanf(key, "%d:%s", &eventID, &date); err != nil {
					continue
				}
				r.checkDivergence(ctx, eventID, date)
			}
		}
	}
}

func (r *Reconciler) alreadyApplied(kind, transactionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.applied[kind+":"+transactionID]
	return ok
}

func (r *Reconciler) markApplied(kind, transactionID string) {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied[kind+":"+transactionID] = now
	// Prune entries older than the dedup window while we hold the lock.
	for k, at := range r.applied {
		if now.Sub(at) > dedupWindow {
			delete(r.applied, k)
		}
	}
}

func (r *Reconciler) markTouched(eventID uint64, date string) {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touched[fmt.Sprintf("%d:%s", eventID, date)] = now
	for k, at := range r.touched {
		if now.Sub(at) > dedupWindow {
			delete(r.touched, k)
		}
	}
}

func (r *Reconciler) recentlyTouched() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.touched))
	for k := range r.touched {
		keys = append(keys, k)
	}
	return keys
}
