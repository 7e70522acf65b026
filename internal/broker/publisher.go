package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher sends JSON messages to a single exchange. The routing key names
// the logical method; the body carries its named arguments.
type Publisher struct {
	ch       *amqp.Channel
	exchange string
	logger   *slog.Logger
}

// Publish marshals payload and sends it under routingKey. Messages are
// persistent so queued work survives a broker restart.
func (p *Publisher) Publish(ctx context.Context, routingKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", routingKey, err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s to %s: %w", routingKey, p.exchange, err)
	}

	p.logger.Debug("published message",
		slog.String("exchange", p.exchange),
		slog.String("routing_key", routingKey))
	return nil
}

// Close releases the publisher's channel.
func (p *Publisher) Close() error {
	return p.ch.Close()
}
