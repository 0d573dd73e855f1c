package model

import "time"

// Ticket is a single admission sold to a user for one event
// occurrence.  Tickets are created in bulk by the purchase
// orchestrator, one row per unit of quantity, all owned by the same
// transaction.  A ticket is immutable after creation except for the
// Cancelled flag, which is flipped when the owning transaction is
// cancelled and a compensating capacity delta is published.
//
// Fields:
//  ID            – primary key identifier.
//  UserID        – opaque identifier of the purchasing user.
//  EventID       – event the ticket admits to.
//  Date          – occurrence date in YYYY-MM-DD form.
//  TransactionID – transaction that paid for this ticket.
//  Cancelled     – set when the purchase was cancelled.
//  PurchasedAt   – creation timestamp.
type Ticket struct {
	ID            uint64    // tickets.id
	UserID        string    // tickets.user_id
	EventID       uint64    // tickets.event_id
	Date          string    // tickets.occurrence_date (YYYY-MM-DD)
	TransactionID string    // tickets.transaction_id
	Cancelled     bool      // tickets.cancelled
	PurchasedAt   time.Time // tickets.purchased_at
}
