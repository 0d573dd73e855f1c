package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// Publisher is the publish side of the message channel.  It keeps one
// AMQP connection open and re-dials lazily after a failure.  Publish
// errors are logged and returned; callers on the purchase path treat
// them as non-fatal because a committed purchase must never be rolled
// back for the sake of an unavailable broker.
type Publisher struct {
	url string
	log *logrus.Entry

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewPublisher returns a Publisher that will connect to the given AMQP
// URL on first use.
func NewPublisher(url string, log *logrus.Logger) *Publisher {
	return &Publisher{url: url, log: log.WithField("component", "publisher")}
}

// channel returns a live channel, dialing the broker when needed.
// Must be called with p.mu held.
func (p *Publisher) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.conn.IsClosed() {
		return p.ch, nil
	}
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel open: %w", err)
	}
	// Declare all queues up front (idempotent).  Durable so messages
	// survive broker restarts.
	for _, q := range []string{CapacityDeltaQueue, TransactionAuditQueue, DeadLetterQueue} {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("amqp queue declare %s: %w", q, err)
		}
	}
	p.conn = conn
	p.ch = ch
	return ch, nil
}

// publish marshals the event and sends it as a persistent JSON message
// to the named queue via the default exchange.
func (p *Publisher) publish(ctx context.Context, queueName string, event any) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", queueName, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	ch, err := p.channel()
	if err != nil {
		p.log.WithError(err).WithField("queue", queueName).Error("broker unavailable")
		return err
	}
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, "", queueName, false, false, pub); err != nil {
		// Drop the connection so the next publish re-dials.
		p.reset()
		p.log.WithError(err).WithField("queue", queueName).Error("publish failed")
		return fmt.Errorf("amqp publish %s: %w", queueName, err)
	}
	return nil
}

// reset closes and forgets the current connection.  Must be called
// with p.mu held.
func (p *Publisher) reset() {
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.conn = nil
	p.ch = nil
}

// PublishCapacityDelta publishes a capacity delta for the
// reconciliation consumer to apply to the ledger counter.
func (p *Publisher) PublishCapacityDelta(ctx context.Context, ev CapacityDeltaEvent) error {
	return p.publish(ctx, CapacityDeltaQueue, ev)
}

// PublishTransactionAudit publishes a transaction status change for
// the ledger audit trail.
func (p *Publisher) PublishTransactionAudit(ctx context.Context, ev TransactionAuditEvent) error {
	return p.publish(ctx, TransactionAuditQueue, ev)
}

// PublishDeadLetter moves an unprocessable message to the dead-letter
// queue together with its last error.
func (p *Publisher) PublishDeadLetter(ctx context.Context, ev DeadLetterEvent) error {
	return p.publish(ctx, DeadLetterQueue, ev)
}

// Close tears down the broker connection.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset()
}
