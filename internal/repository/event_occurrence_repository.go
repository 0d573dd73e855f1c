package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/avetenim/event-ticketing/internal/model"
)

// EventOccurrenceRepo provides data access to the event_occurrences
// table.  Reads here serve metadata and reconciliation only; the
// capacity counter column is intentionally non-authoritative during a
// sale and must never drive a purchase decision.
type EventOccurrenceRepo struct {
	db *sql.DB
}

// NewEventOccurrenceRepo returns a repo bound to the provided database.
func NewEventOccurrenceRepo(db *sql.DB) *EventOccurrenceRepo { return &EventOccurrenceRepo{db: db} }

// DB exposes the underlying handle so callers can begin transactions
// spanning multiple repositories.
func (r *EventOccurrenceRepo) DB() *sql.DB { return r.db }

// Create inserts a new occurrence row.  The capacity counter starts at
// the total capacity; the administrative caller seeds the cache with
// the same value.
func (r *EventOccurrenceRepo) Create(ctx context.Context, occ *model.EventOccurrence) error {
	const q = `INSERT INTO event_occurrences
	           (event_id, occurrence_date, name, location, total_capacity, capacity_counter, price_cents, starts_at, ends_at)
	           VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, q,
		occ.EventID, occ.Date, occ.Name, occ.Location,
		occ.TotalCapacity, occ.TotalCapacity, occ.PriceCents,
		occ.StartsAt.UTC().Format("2006-01-02 15:04:05"),
		occ.EndsAt.UTC().Format("2006-01-02 15:04:05"),
	)
	return err
}

// GetByID loads one occurrence by its (eventID, date) identity.
// Returns ErrOccurrenceNotFound when no row exists.
func (r *EventOccurrenceRepo) GetByID(ctx context.Context, eventID uint64, date string) (*model.EventOccurrence, error) {
	const q = `SELECT event_id, occurrence_date, name, location, total_capacity, capacity_counter,
	                  price_cents, starts_at, ends_at, created_at, updated_at
	           FROM event_occurrences
	           WHERE event_id = ? AND occurrence_date = ?`
	var occ model.EventOccurrence
	var occurrenceDate time.Time
	err := r.db.QueryRowContext(ctx, q, eventID, date).Scan(
		&occ.EventID, &occurrenceDate, &occ.Name, &occ.Location,
		&occ.TotalCapacity, &occ.CapacityCounter, &occ.PriceCents,
		&occ.StartsAt, &occ.EndsAt, &occ.CreatedAt, &occ.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOccurrenceNotFound
	}
	if err != nil {
		return nil, err
	}
	occ.Date = occurrenceDate.Format("2006-01-02")
	return &occ, nil
}

// ListUpcoming returns all occurrences whose date has not passed,
// soonest first.  Serves the browse surface; the remaining counts
// shown to clients still come from the cache.
func (r *EventOccurrenceRepo) ListUpcoming(ctx context.Context) ([]model.EventOccurrence, error) {
	const q = `SELECT event_id, occurrence_date, name, location, total_capacity, capacity_counter,
	                  price_cents, starts_at, ends_at, created_at, updated_at
	           FROM event_occurrences
	           WHERE occurrence_date >= CURDATE()
	           ORDER BY occurrence_date, event_id`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.EventOccurrence
	for rows.Next() {
		var occ model.EventOccurrence
		var occurrenceDate time.Time
		if err := rows.Scan(
			&occ.EventID, &occurrenceDate, &occ.Name, &occ.Location,
			&occ.TotalCapacity, &occ.CapacityCounter, &occ.PriceCents,
			&occ.StartsAt, &occ.EndsAt, &occ.CreatedAt, &occ.UpdatedAt,
		); err != nil {
			return nil, err
		}
		occ.Date = occurrenceDate.Format("2006-01-02")
		out = append(out, occ)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// AdjustCapacityCounter applies a signed delta to the ledger's
// capacity counter and stamps updated_at.  This is the reconciliation
// consumer's write path; no other component may touch the counter.
func (r *EventOccurrenceRepo) AdjustCapacityCounter(ctx context.Context, eventID uint64, date string, delta int) error {
	const q = `UPDATE event_occurrences
	           SET capacity_counter = capacity_counter + ?, updated_at = UTC_TIMESTAMP()
	           WHERE event_id = ? AND occurrence_date = ?`
	res, err := r.db.ExecContext(ctx, q, delta, eventID, date)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrOccurrenceNotFound
	}
	return nil
}
