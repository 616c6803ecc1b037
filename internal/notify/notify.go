// Package notify publishes booking transition events to a RabbitMQ
// topic exchange. Delivery is best effort: the engine treats every
// publish as fire-and-forget and never rolls a transition back over a
// broker failure.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Publisher implements booking.Notifier over an AMQP topic exchange.
// The event name doubles as the routing key.
type Publisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	logger   *zap.Logger
}

// NewPublisher dials the broker and declares the durable topic exchange.
func NewPublisher(url string, exchange string, logger *zap.Logger) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &Publisher{conn: conn, channel: channel, exchange: exchange, logger: logger}, nil
}

// Publish sends one event. Errors are logged and returned but callers
// are free to ignore them.
func (publisher *Publisher) Publish(ctx context.Context, event string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		publisher.logger.Error("event marshal failed", zap.String("event", event), zap.Error(err))
		return err
	}
	err = publisher.channel.PublishWithContext(ctx, publisher.exchange, event, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		publisher.logger.Error("event publish failed", zap.String("event", event), zap.Error(err))
		return err
	}
	return nil
}

// Close releases the channel and connection.
func (publisher *Publisher) Close() error {
	if publisher.channel != nil {
		_ = publisher.channel.Close()
	}
	if publisher.conn != nil {
		return publisher.conn.Close()
	}
	return nil
}
