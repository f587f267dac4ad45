package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/ifuryst/ripple-publish/internal/service"
)

// Message is the envelope written to the exchange.
type Message struct {
	ID        string        `json:"id"`
	Type      string        `json:"type"`
	Payload   service.Event `json:"payload"`
	Timestamp time.Time     `json:"timestamp"`
}

// RoutingKey is task.<status>, so consumers can bind on e.g. "task.failed"
// or "task.#".
func RoutingKey(e service.Event) string {
	if e.Status == "" {
		return "task.unknown"
	}
	return "task." + string(e.Status)
}

func NewMessage(e service.Event) *Message {
	return &Message{
		ID:        e.ID,
		Type:      string(e.Type),
		Payload:   e,
		Timestamp: e.Timestamp,
	}
}

// EventPublisher forwards bus events to an AMQP topic exchange.
type EventPublisher struct {
	conn     *Connection
	exchange string
	timeout  time.Duration
	logger   *zap.Logger
}

func NewEventPublisher(conn *Connection, exchange string, logger *zap.Logger) *EventPublisher {
	return &EventPublisher{
		conn:     conn,
		exchange: exchange,
		timeout:  5 * time.Second,
		logger:   logger,
	}
}

func (p *EventPublisher) Publish(ctx context.Context, msg *Message, routingKey string) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.ID,
			Type:         msg.Type,
			Timestamp:    msg.Timestamp,
			Body:         body,
		})
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", p.exchange, routingKey, err)
		}
		p.logger.Debug("Published event",
			zap.String("exchange", p.exchange),
			zap.String("routing_key", routingKey),
			zap.String("message_id", msg.ID))
		return nil
	})
}

// Handle is a bus subscriber. Broker failures are logged and the event is
// dropped; the database stays the source of truth.
func (p *EventPublisher) Handle(e service.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	if err := p.Publish(ctx, NewMessage(e), RoutingKey(e)); err != nil {
		p.logger.Warn("Failed to forward event",
			zap.String("event_id", e.ID),
			zap.Uint("task_id", e.TaskID),
			zap.Error(err))
	}
}
