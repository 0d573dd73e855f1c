package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/avetenim/event-ticketing/internal/model"
)

// TicketRepo provides data access to the tickets table.  Tickets are
// written in bulk inside the orchestrator's commit transaction, one
// row per unit of purchased quantity.
type TicketRepo struct {
	db *sql.DB
}

// NewTicketRepo returns a repo bound to the provided database.
func NewTicketRepo(db *sql.DB) *TicketRepo { return &TicketRepo{db: db} }

// CreateBulkTx inserts the given tickets within the provided
// transaction.  The caller is responsible for committing or rolling
// back.  Passing an empty slice has no effect and returns nil.
func (r *TicketRepo) CreateBulkTx(ctx context.Context, tx *sql.Tx, tickets []model.Ticket) error {
	if len(tickets) == 0 {
		return nil
	}
	query := `INSERT INTO tickets (user_id, event_id, occurrence_date, transaction_id, purchased_at) VALUES `
	args := make([]interface{}, 0, len(tickets)*5)
	for i, t := range tickets {
		if i > 0 {
			query += ","
		}
		query += "(?, ?, ?, ?, ?)"
		args = append(args, t.UserID, t.EventID, t.Date, t.TransactionID,
			t.PurchasedAt.UTC().Format("2006-01-02 15:04:05"))
	}
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// ListByUser returns all tickets ever sold to a user, oldest first.
// Cancelled tickets are included; callers filter on the flag when it
// matters.
func (r *TicketRepo) ListByUser(ctx context.Context, userID string) ([]model.Ticket, error) {
	const q = `SELECT id, user_id, event_id, occurrence_date, transaction_id, cancelled, purchased_at
	           FROM tickets WHERE user_id = ? ORDER BY purchased_at, id`
	rows, err := r.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tickets []model.Ticket
	for rows.Next() {
		var t model.Ticket
		var date time.Time
		if err := rows.Scan(&t.ID, &t.UserID, &t.EventID, &date, &t.TransactionID, &t.Cancelled, &t.PurchasedAt); err != nil {
			return nil, err
		}
		t.Date = date.Format("2006-01-02")
		tickets = append(tickets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tickets, nil
}

// MarkCancelledTx flips the cancelled flag on every ticket of a
// transaction within the provided transaction.  Returns the number of
// tickets affected.
func (r *TicketRepo) MarkCancelledTx(ctx context.Context, tx *sql.Tx, transactionID string) (int64, error) {
	const q = `UPDATE tickets SET cancelled = 1 WHERE transaction_id = ? AND cancelled = 0`
	res, err := tx.ExecContext(ctx, q, transactionID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
