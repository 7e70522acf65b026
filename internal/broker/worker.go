package broker

import (
	"context"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Result is a handler's verdict on a delivery.
type Result int

const (
	// Ack acknowledges the message; work is done (including recorded
	// failures that should not be retried).
	Ack Result = iota

	// NackRequeue returns the message to the queue for redelivery, for
	// transient failures (store unavailable, broker hiccup).
	NackRequeue

	// Reject drops the message without requeueing.
	Reject
)

// Handler processes one message body and reports what to do with it.
type Handler func(ctx context.Context, body []byte) Result

// WorkerOptions tune a worker's queue.
type WorkerOptions struct {
	// Prefetch bounds unacknowledged deliveries per worker. 1 gives crawler
	// backpressure; 0 leaves it unbounded for reconcilers.
	Prefetch int

	// Exclusive requests a private server-named queue instead of the shared
	// durable one. Used for fanout subscriptions where every process must
	// see every message.
	Exclusive bool
}

// Worker binds a queue to exchange:routingKey and feeds deliveries to handler
// until ctx is done. It blocks; run it in its own goroutine.
func (b *Broker) Worker(ctx context.Context, exchange, routingKey string, opts WorkerOptions, handler Handler) error {
	ch, err := b.channel(exchange)
	if err != nil {
		return err
	}
	defer ch.Close()

	if opts.Prefetch > 0 {
		if err := ch.Qos(opts.Prefetch, 0, false); err != nil {
			return fmt.Errorf("set prefetch on %s:%s: %w", exchange, routingKey, err)
		}
	}

	queueName := exchange + "." + routingKey
	durable := true
	if opts.Exclusive {
		queueName = ""
		durable = false
	}

	q, err := ch.QueueDeclare(queueName, durable, opts.Exclusive, opts.Exclusive, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", queueName, err)
	}
	if err := ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
		return fmt.Errorf("bind %s to %s:%s: %w", q.Name, exchange, routingKey, err)
	}

	deliveries, err := ch.Consume(q.Name, "", false, opts.Exclusive, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", q.Name, err)
	}

	logger := b.logger.With(
		slog.String("exchange", exchange),
		slog.String("routing_key", routingKey))
	logger.Info("worker started", slog.String("queue", q.Name))

	for {
		select {
		case <-ctx.Done():
			logger.Info("worker stopping")
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel for %s closed", q.Name)
			}
			b.settle(logger, d, handler(ctx, d.Body))
		}
	}
}

func (b *Broker) settle(logger *slog.Logger, d amqp.Delivery, result Result) {
	var err error
	switch result {
	case NackRequeue:
		err = d.Nack(false, true)
	case Reject:
		err = d.Reject(false)
	default:
		err = d.Ack(false)
	}
	if err != nil {
		logger.Error("failed to settle delivery", slog.Any("error", err))
	}
}
