// Package queue defines the message channel between the synchronous
// purchase path and the asynchronous reconciliation path: the payloads
// exchanged over the broker, the publish side used by the orchestrator
// and the consumer that applies deferred capacity deltas to the ledger.
package queue

import "encoding/json"

// Queue names.  capacity.delta and transaction.audit are the two
// logical streams drained by the reconciliation consumer; dead.letter
// receives messages that repeatedly failed processing, for manual
// inspection.
const (
	CapacityDeltaQueue    = "capacity.delta"
	TransactionAuditQueue = "transaction.audit"
	DeadLetterQueue       = "dead.letter"
)

// CapacityDeltaEvent carries a signed change to an occurrence's
// remaining capacity: negative on purchase, positive on cancellation.
// TransactionID is the idempotency key — a redelivered event with an
// already-applied transaction ID must be acknowledged without
// re-applying the delta.
type CapacityDeltaEvent struct {
	EventID        uint64 `json:"event_id"`
	OccurrenceDate string `json:"occurrence_date"`
	DeltaAmount    int    `json:"delta_amount"`
	TransactionID  string `json:"transaction_id"`
	EmittedAt      string `json:"emitted_at"`
}

// TransactionAuditEvent mirrors a transaction status change onto the
// ledger for audit.  Consumers must not regress a transaction that
// already reached a terminal status.
type TransactionAuditEvent struct {
	TransactionID string `json:"transaction_id"`
	EventID       uint64 `json:"event_id"`
	UserID        string `json:"user_id"`
	Status        string `json:"status"`
	AmountCents   uint32 `json:"amount_cents"`
	Timestamp     string `json:"timestamp"`
}

// DeadLetterEvent wraps a message that exhausted its processing
// retries.  The original payload is preserved verbatim together with
// the last error so an operator can replay or discard it.
type DeadLetterEvent struct {
	Queue     string          `json:"queue"`
	Payload   json.RawMessage `json:"payload"`
	LastError string          `json:"last_error"`
	FailedAt  string          `json:"failed_at"`
}
