package model

import "time"

// EventOccurrence is one scheduled instance of an event with its own
// capacity pool.  The pair (EventID, Date) identifies the occurrence
// everywhere in the system: ledger rows, cache keys and lock keys are
// all derived from it.
//
// CapacityCounter is the ledger's copy of the remaining capacity.  It
// is eventually consistent: only the reconciliation consumer mutates
// it, by applying capacity deltas received over the message channel.
// The authoritative remaining value during a sale lives in the
// capacity cache.
//
// Fields:
//  EventID         – event_occurrences.event_id
//  Date            – occurrence date in YYYY-MM-DD form
//  Name            – human readable event name
//  Location        – venue description
//  TotalCapacity   – number of tickets that may ever be sold
//  CapacityCounter – ledger-side remaining capacity (eventually consistent)
//  PriceCents      – price per ticket in cents
//  StartsAt        – when the occurrence begins
//  EndsAt          – when the occurrence ends
//  CreatedAt       – creation timestamp
//  UpdatedAt       – last update timestamp (stamped by the consumer on reconcile)
type EventOccurrence struct {
	EventID         uint64    // event_occurrences.event_id
	Date            string    // event_occurrences.occurrence_date (YYYY-MM-DD)
	Name            string    // event_occurrences.name
	Location        string    // event_occurrences.location
	TotalCapacity   int       // event_occurrences.total_capacity
	CapacityCounter int       // event_occurrences.capacity_counter
	PriceCents      uint32    // event_occurrences.price_cents
	StartsAt        time.Time // event_occurrences.starts_at
	EndsAt          time.Time // event_occurrences.ends_at
	CreatedAt       time.Time // event_occurrences.created_at
	UpdatedAt       time.Time // event_occurrences.updated_at
}
