// Package events fans document status changes out to the rest of the
// platform over an AMQP topic exchange. Publishing is fire and forget;
// a broker outage never blocks the transmission pipeline.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// StatusEvent is the message published on every history append
type StatusEvent struct {
	DocumentID string    `json:"documentId"`
	Status     string    `json:"status"`
	Date       time.Time `json:"date"`
	Message    string    `json:"message,omitempty"`
}

// Publisher emits status events
type Publisher interface {
	Publish(ctx context.Context, event StatusEvent) error
	Close() error
}

// AMQPPublisher publishes to a durable topic exchange. Routing keys are
// "document.status.<STATUS>" so consumers can bind on the statuses they
// care about.
type AMQPPublisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	logger   *slog.Logger
}

// Option configures an AMQPPublisher
type Option func(*AMQPPublisher)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *AMQPPublisher) { p.logger = logger }
}

// NewAMQPPublisher connects to the broker and declares the exchange
func NewAMQPPublisher(url, exchange string, opts ...Option) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connecting to broker: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}

	if err := channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("declaring exchange %s: %w", exchange, err)
	}

	p := &AMQPPublisher{
		conn:     conn,
		channel:  channel,
		exchange: exchange,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Publish emits one status event
func (p *AMQPPublisher) Publish(ctx context.Context, event StatusEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	routingKey := "document.status." + event.Status
	err = p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    event.Date,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publishing %s for %s: %w", event.Status, event.DocumentID, err)
	}

	p.logger.Debug("event published", "document", event.DocumentID, "status", event.Status)
	return nil
}

// Close shuts down the channel and connection
func (p *AMQPPublisher) Close() error {
	if err := p.channel.Close(); err != nil {
		p.conn.Close()
		return err
	}
	return p.conn.Close()
}

// NopPublisher discards events. Used when no broker is configured and in
// tests.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, event StatusEvent) error { return nil }
func (NopPublisher) Close() error                                         { return nil }
