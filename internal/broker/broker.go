// Package broker wraps the AMQP message broker behind typed publishers,
// workers, and a request/response RPC pattern. Work rides named exchanges;
// handlers report their outcome as an explicit Result instead of signaling
// through errors or panics.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"newsriver/internal/config"
	"newsriver/internal/resilience/retry"
)

// Broker owns a single AMQP connection. Publishers, workers, and RPC
// endpoints each get their own channel off it.
type Broker struct {
	conn   *amqp.Connection
	cfg    config.BrokerConfig
	logger *slog.Logger
}

// Connect dials the broker, retrying with backoff until the configured
// connection timeout elapses. A refused connection during broker startup is
// the expected case, not an error.
func Connect(ctx context.Context, cfg config.BrokerConfig, logger *slog.Logger) (*Broker, error) {
	var conn *amqp.Connection

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectionTimeout)
	defer cancel()

	err := retry.WithBackoff(connectCtx, retry.BrokerConnectConfig(), func() error {
		var dialErr error
		conn, dialErr = amqp.Dial(cfg.URI)
		return dialErr
	})
	if err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	logger.Info("connected to broker")
	return &Broker{conn: conn, cfg: cfg, logger: logger}, nil
}

// Close shuts down the underlying connection and all channels on it.
func (b *Broker) Close() error {
	return b.conn.Close()
}

// channel opens a new channel and declares the named exchange on it.
func (b *Broker) channel(exchange string) (*amqp.Channel, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if exchange != "" {
		ex, ok := b.cfg.Exchanges[exchange]
		if !ok {
			ex = config.ExchangeConfig{Name: exchange, Type: "direct"}
		}
		if err := ch.ExchangeDeclare(ex.Name, ex.Type, true, false, false, false, nil); err != nil {
			ch.Close()
			return nil, fmt.Errorf("declare exchange %s: %w", ex.Name, err)
		}
	}

	return ch, nil
}

// Publisher returns a publisher bound to the named exchange.
func (b *Broker) Publisher(exchange string) (*Publisher, error) {
	ch, err := b.channel(exchange)
	if err != nil {
		return nil, err
	}
	return &Publisher{ch: ch, exchange: exchange, logger: b.logger}, nil
}

const publishTimeout = 10 * time.Second
