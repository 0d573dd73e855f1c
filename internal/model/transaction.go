package model

import "time"

// Transaction statuses.  Completed and Failed are terminal for the
// synchronous path; Completed may later move to Cancelled through the
// cancellation flow.  The reconciliation consumer never regresses a
// terminal status when applying audit messages.
const (
	TxnStatusPending   = "PENDING"
	TxnStatusCompleted = "COMPLETED"
	TxnStatusFailed    = "FAILED"
	TxnStatusCancelled = "CANCELLED"
)

// Transaction records one purchase attempt against an event
// occurrence.  The ID is an opaque, collision-resistant token derived
// from the purchase inputs; uniqueness is enforced by a unique index
// on transactions.transaction_id.  The transaction is the unit of
// idempotency for message processing: every capacity delta on the
// channel carries the owning transaction ID so redelivery can be
// detected and skipped.
//
// Fields:
//  ID          – opaque transaction token (transactions.transaction_id).
//  EventID     – event being purchased.
//  UserID      – opaque identifier of the purchasing user.
//  Date        – occurrence date in YYYY-MM-DD form.
//  Quantity    – number of tickets bought in this transaction.
//  AmountCents – total charge in cents (unit price × quantity).
//  Status      – one of the TxnStatus* constants.
//  PaymentRef  – gateway payment reference, if the charge went through.
//  CreatedAt   – creation timestamp.
//  UpdatedAt   – last update timestamp.
type Transaction struct {
	ID          string    // transactions.transaction_id
	EventID     uint64    // transactions.event_id
	UserID      string    // transactions.user_id
	Date        string    // transactions.occurrence_date (YYYY-MM-DD)
	Quantity    int       // transactions.quantity
	AmountCents uint32    // transactions.amount_cents
	Status      string    // transactions.status
	PaymentRef  *string   // transactions.payment_ref (nullable)
	CreatedAt   time.Time // transactions.created_at
	UpdatedAt   time.Time // transactions.updated_at
}

// Cancellable reports whether the transaction may enter the
// cancellation flow.  Only completed purchases can be cancelled.
func (t *Transaction) Cancellable() bool {
	return t.Status == TxnStatusCompleted
}

// Terminal reports whether the status can no longer be changed by a
// late audit message.  Completed and Failed are terminal for audit
// purposes; Cancelled is reached only through the cancellation flow.
func (t *Transaction) Terminal() bool {
	return t.Status == TxnStatusCompleted || t.Status == TxnStatusFailed || t.Status == TxnStatusCancelled
}
