// Package cache implements the low-latency capacity store.  During a
// sale the remaining-capacity value kept here is the authoritative
// one; the ledger's counter only catches up asynchronously through
// the reconciliation consumer.  The cache performs no serialization
// of its own: every capacity mutation is expected to happen while the
// caller holds the corresponding occurrence lock.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/avetenim/event-ticketing/internal/model"
)

// ErrCapacityMiss is returned when no remaining-capacity value exists
// for an occurrence.  The orchestrator must fail the purchase on a
// miss rather than fall back to the ledger's stale counter.
var ErrCapacityMiss = errors.New("capacity not found in cache")

// ErrInsufficientCapacity is returned by DecrementIfAvailable when
// fewer units remain than were requested.  The stored value is left
// untouched in that case.
var ErrInsufficientCapacity = errors.New("insufficient capacity")

// ErrTransactionMiss is returned when no snapshot exists for a
// transaction ID.
var ErrTransactionMiss = errors.New("transaction not found in cache")

// decrScript checks and decrements in one round trip so the stored
// value can never go negative.  Returns the new remaining count,
// -1 when capacity is insufficient, -2 when the key does not exist.
var decrScript = redis.NewScript(`
    local remaining = redis.call("GET", KEYS[1])
    if not remaining then
        return -2
    end
    local n = tonumber(ARGV[1])
    if tonumber(remaining) < n then
        return -1
    end
    return redis.call("DECRBY", KEYS[1], n)
`)

// OccurrenceKey builds the remaining-capacity key for an occurrence.
func OccurrenceKey(eventID uint64, date string) string {
	return fmt.Sprintf("event:%d:%s", eventID, date)
}

// UserTicketsKey builds the per-user ticket index key.
func UserTicketsKey(userID string) string {
	return "tickets:user:" + userID
}

// TransactionKey builds the transaction snapshot key.
func TransactionKey(transactionID string) string {
	return "transaction:" + transactionID
}

// CapacityCache provides capacity counters and the per-user ticket and
// transaction indexes on top of Redis.
type CapacityCache struct {
	rdb *redis.Client
}

// NewCapacityCache returns a CapacityCache bound to the provided
// Redis client.
func NewCapacityCache(rdb *redis.Client) *CapacityCache {
	return &CapacityCache{rdb: rdb}
}

// GetRemaining returns the current remaining capacity for an
// occurrence, or ErrCapacityMiss when the occurrence has never been
// seeded into the cache.
func (c *CapacityCache) GetRemaining(ctx context.Context, eventID uint64, date string) (int, error) {
	v, err := c.rdb.Get(ctx, OccurrenceKey(eventID, date)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, ErrCapacityMiss
	}
	if err != nil {
		return 0, fmt.Errorf("cache get remaining: %w", err)
	}
	return v, nil
}

// SetRemaining seeds or overwrites the remaining capacity for an
// occurrence.  Used by the administrative surface when an occurrence
// is created; never called on the purchase path.
func (c *CapacityCache) SetRemaining(ctx context.Context, eventID uint64, date string, n int) error {
	if err := c.rdb.Set(ctx, OccurrenceKey(eventID, date), n, 0).Err(); err != nil {
		return fmt.Errorf("cache set remaining: %w", err)
	}
	return nil
}

// DecrementIfAvailable atomically consumes n units of capacity.  It
// returns the new remaining count on success, ErrInsufficientCapacity
// when fewer than n units remain, and ErrCapacityMiss when the
// occurrence is not in the cache at all.
func (c *CapacityCache) DecrementIfAvailable(ctx context.Context, eventID uint64, date string, n int) (int, error) {
	v, err := decrScript.Run(ctx, c.rdb, []string{OccurrenceKey(eventID, date)}, n).Int()
	if err != nil {
		return 0, fmt.Errorf("cache decrement: %w", err)
	}
	switch v {
	case -2:
		return 0, ErrCapacityMiss
	case -1:
		return 0, ErrInsufficientCapacity
	}
	return v, nil
}

// Increment returns n units of capacity to an occurrence.  Used as the
// compensating action after a failed payment and on cancellation.
func (c *CapacityCache) Increment(ctx context.Context, eventID uint64, date string, n int) (int, error) {
	v, err := c.rdb.IncrBy(ctx, OccurrenceKey(eventID, date), int64(n)).Result()
	if err != nil {
		return 0, fmt.Errorf("cache increment: %w", err)
	}
	return int(v), nil
}

// AppendUserTicket mirrors a freshly sold ticket into the per-user
// index so ticket listings never need the ledger on the hot path.
func (c *CapacityCache) AppendUserTicket(ctx context.Context, userID string, t model.Ticket) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("cache marshal ticket: %w", err)
	}
	if err := c.rdb.RPush(ctx, UserTicketsKey(userID), body).Err(); err != nil {
		return fmt.Errorf("cache append ticket: %w", err)
	}
	return nil
}

// ListUserTickets returns all tickets mirrored for a user, oldest
// first.  A user with no tickets yields an empty slice.
func (c *CapacityCache) ListUserTickets(ctx context.Context, userID string) ([]model.Ticket, error) {
	raw, err := c.rdb.LRange(ctx, UserTicketsKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("cache list tickets: %w", err)
	}
	tickets := make([]model.Ticket, 0, len(raw))
	for _, item := range raw {
		var t model.Ticket
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			return nil, fmt.Errorf("cache unmarshal ticket: %w", err)
		}
		tickets = append(tickets, t)
	}
	return tickets, nil
}

// SetTransaction stores a snapshot of the transaction under
// transaction:<id>, overwriting any previous snapshot.
func (c *CapacityCache) SetTransaction(ctx context.Context, txn model.Transaction) error {
	body, err := json.Marshal(txn)
	if err != nil {
		return fmt.Errorf("cache marshal transaction: %w", err)
	}
	if err := c.rdb.Set(ctx, TransactionKey(txn.ID), body, 0).Err(); err != nil {
		return fmt.Errorf("cache set transaction: %w", err)
	}
	return nil
}

// GetTransaction loads a transaction snapshot, or ErrTransactionMiss
// when none exists.
func (c *CapacityCache) GetTransaction(ctx context.Context, transactionID string) (*model.Transaction, error) {
	raw, err := c.rdb.Get(ctx, TransactionKey(transactionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrTransactionMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache get transaction: %w", err)
	}
	var txn model.Transaction
	if err := json.Unmarshal([]byte(raw), &txn); err != nil {
		return nil, fmt.Errorf("cache unmarshal transaction: %w", err)
	}
	return &txn, nil
}
