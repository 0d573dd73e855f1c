package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/avetenim/event-ticketing/internal/model"
)

// Ledger bundles the three ledger repositories and owns the
// multi-table transactions the purchase orchestrator needs.  Writes
// here cover ticket and transaction rows only; the capacity counter
// stays with the reconciliation consumer.
type Ledger struct {
	db           *sql.DB
	Occurrences  *EventOccurrenceRepo
	Tickets      *TicketRepo
	Transactions *TransactionRepo
}

// NewLedger returns a Ledger with all repositories bound to db.
func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{
		db:           db,
		Occurrences:  NewEventOccurrenceRepo(db),
		Tickets:      NewTicketRepo(db),
		Transactions: NewTransactionRepo(db),
	}
}

// CommitPurchase atomically writes the completed transaction row and
// its ticket rows.  ErrDuplicateTransactionID propagates so the caller
// can regenerate the token and retry.
func (l *Ledger) CommitPurchase(ctx context.Context, txn *model.Transaction, tickets []model.Ticket) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin purchase commit: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := l.Transactions.CreateTx(ctx, tx, txn); err != nil {
		return err
	}
	if err := l.Tickets.CreateBulkTx(ctx, tx, tickets); err != nil {
		return fmt.Errorf("insert tickets: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit purchase: %w", err)
	}
	committed = true
	return nil
}

// RecordFailedTransaction persists a transaction that never produced
// tickets, so declined payments stay auditable.
func (l *Ledger) RecordFailedTransaction(ctx context.Context, txn *model.Transaction) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin failure record: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := l.Transactions.CreateTx(ctx, tx, txn); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failure record: %w", err)
	}
	committed = true
	return nil
}

// CancelPurchase marks the transaction cancelled and flips the
// cancelled flag on all of its tickets in one transaction.
func (l *Ledger) CancelPurchase(ctx context.Context, transactionID string) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cancellation: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := l.Transactions.UpdateStatusTx(ctx, tx, transactionID, model.TxnStatusCancelled); err != nil {
		return fmt.Errorf("mark transaction cancelled: %w", err)
	}
	if _, err := l.Tickets.MarkCancelledTx(ctx, tx, transactionID); err != nil {
		return fmt.Errorf("mark tickets cancelled: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cancellation: %w", err)
	}
	committed = true
	return nil
}

// GetTransaction loads one transaction by token.
func (l *Ledger) GetTransaction(ctx context.Context, transactionID string) (*model.Transaction, error) {
	return l.Transactions.GetByID(ctx, transactionID)
}

// GetOccurrence loads one occurrence's metadata.
func (l *Ledger) GetOccurrence(ctx context.Context, eventID uint64, date string) (*model.EventOccurrence, error) {
	return l.Occurrences.GetByID(ctx, eventID, date)
}

// ListUserTickets returns a user's tickets from the ledger.  Used as
// the fallback when the cache index is unavailable.
func (l *Ledger) ListUserTickets(ctx context.Context, userID string) ([]model.Ticket, error) {
	return l.Tickets.ListByUser(ctx, userID)
}
