package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/avetenim/event-ticketing/internal/model"
)

// mysqlDuplicateEntry is the MySQL error number raised when an insert
// violates a unique index.
const mysqlDuplicateEntry = 1062

// TransactionRepo provides data access to the transactions table.
// The unique index on transaction_id is what enforces token
// uniqueness; the orchestrator relies on CreateTx surfacing
// ErrDuplicateTransactionID to regenerate on collision.
type TransactionRepo struct {
	db *sql.DB
}

// NewTransactionRepo returns a repo bound to the provided database.
func NewTransactionRepo(db *sql.DB) *TransactionRepo { return &TransactionRepo{db: db} }

// DB exposes the underlying handle so callers can begin transactions
// spanning multiple repositories.
func (r *TransactionRepo) DB() *sql.DB { return r.db }

// CreateTx inserts a transaction row within the provided database
// transaction.  A duplicate transaction_id maps to
// ErrDuplicateTransactionID.
func (r *TransactionRepo) CreateTx(ctx context.Context, tx *sql.Tx, txn *model.Transaction) error {
	const q = `INSERT INTO transactions
	           (transaction_id, event_id, user_id, occurrence_date, quantity, amount_cents, status, payment_ref)
	           VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := tx.ExecContext(ctx, q,
		txn.ID, txn.EventID, txn.UserID, txn.Date,
		txn.Quantity, txn.AmountCents, txn.Status, txn.PaymentRef,
	)
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
		return ErrDuplicateTransactionID
	}
	return err
}

// GetByID loads one transaction by its token.  Returns
// ErrTransactionNotFound when no row exists.
func (r *TransactionRepo) GetByID(ctx context.Context, transactionID string) (*model.Transaction, error) {
	const q = `SELECT transaction_id, event_id, user_id, occurrence_date, quantity, amount_cents,
	                  status, payment_ref, created_at, updated_at
	           FROM transactions WHERE transaction_id = ?`
	var txn model.Transaction
	var date time.Time
	err := r.db.QueryRowContext(ctx, q, transactionID).Scan(
		&txn.ID, &txn.EventID, &txn.UserID, &date, &txn.Quantity,
		&txn.AmountCents, &txn.Status, &txn.PaymentRef, &txn.CreatedAt, &txn.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	txn.Date = date.Format("2006-01-02")
	return &txn, nil
}

// UpdateStatus sets the status of a transaction and stamps
// updated_at.  Returns ErrTransactionNotFound when no row exists.
func (r *TransactionRepo) UpdateStatus(ctx context.Context, transactionID, status string) error {
	const q = `UPDATE transactions SET status = ?, updated_at = UTC_TIMESTAMP() WHERE transaction_id = ?`
	res, err := r.db.ExecContext(ctx, q, status, transactionID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// UpdateStatusTx is UpdateStatus within a caller-managed transaction.
// RowsAffected is not checked here because MySQL reports zero when the
// status is already the target value.
func (r *TransactionRepo) UpdateStatusTx(ctx context.Context, tx *sql.Tx, transactionID, status string) error {
	const q = `UPDATE transactions SET status = ?, updated_at = UTC_TIMESTAMP() WHERE transaction_id = ?`
	_, err := tx.ExecContext(ctx, q, status, transactionID)
	return err
}
