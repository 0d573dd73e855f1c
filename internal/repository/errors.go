// Package repository provides data access to the durable ledger: the
// event_occurrences, tickets and transactions tables in MySQL.  The
// ledger is the source of truth for audit; its capacity counter is
// eventually consistent and is only ever adjusted by the
// reconciliation consumer.  This file defines sentinel error values
// reused across the repositories so higher layers can distinguish
// failure scenarios with errors.Is.
package repository

import "errors"

// ErrOccurrenceNotFound is returned when no event occurrence exists
// for the requested (eventID, date) pair.
var ErrOccurrenceNotFound = errors.New("event occurrence not found")

// ErrTransactionNotFound is returned when no transaction row exists
// for the requested transaction ID.
var ErrTransactionNotFound = errors.New("transaction not found")

// ErrDuplicateTransactionID is returned when an insert hits the unique
// index on transactions.transaction_id.  The orchestrator treats this
// as a retryable internal error and regenerates the token; an existing
// row is never silently overwritten.
var ErrDuplicateTransactionID = errors.New("duplicate transaction id")

// ErrForbidden is returned when the caller attempts an operation on a
// transaction they do not own.  Handlers translate this into an HTTP
// 403 response.
var ErrForbidden = errors.New("forbidden")
