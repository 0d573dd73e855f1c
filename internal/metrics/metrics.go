// Package metrics defines the Prometheus collectors shared by the
// purchase path and the reconciliation consumer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PurchaseRequests counts every purchase attempt entering the
	// orchestrator, before any lock or capacity decision.
	PurchaseRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "purchase_requests_total",
		Help: "Total number of purchase attempts received",
	})

	// PurchaseSuccess counts purchases that committed.
	PurchaseSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "purchase_success_total",
		Help: "Total number of committed purchases",
	})

	// PurchaseFailures counts failed purchases by terminal reason.
	PurchaseFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "purchase_failures_total",
		Help: "Total number of failed purchases by reason",
	}, []string{"reason"})

	// RemainingCapacity tracks the cache-side remaining capacity per
	// occurrence as last observed by the orchestrator.
	RemainingCapacity = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "occurrence_remaining_capacity",
		Help: "Remaining capacity per event occurrence as seen in the cache",
	}, []string{"event_id", "occurrence_date"})

	// PublishFailures counts messages that could not be handed to the
	// broker.  A failed publish never rolls back a committed purchase;
	// this counter is the observability hook for manual recovery.
	PublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "message_publish_failures_total",
		Help: "Total number of failed publishes to the message channel by queue",
	}, []string{"queue"})

	// DeltasApplied counts capacity deltas the consumer applied to the
	// ledger counter.
	DeltasApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capacity_deltas_applied_total",
		Help: "Total number of capacity deltas applied to the ledger",
	})

	// DeltasDuplicate counts redeliveries skipped by the dedup index.
	DeltasDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capacity_deltas_duplicate_total",
		Help: "Total number of redelivered capacity deltas skipped",
	})

	// DeadLettered counts messages moved to the dead-letter queue.
	DeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconciler_dead_lettered_total",
		Help: "Total number of messages moved to the dead-letter queue",
	})
)
