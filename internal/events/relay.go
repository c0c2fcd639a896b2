package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"imghost/internal/model"
)

// Publisher delivers one message to subscribers.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

// Message is the wire form of a relayed event.
type Message struct {
	ID        uint            `json:"id"`
	EventType model.EventType `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// AMQPPublisher publishes to a durable topic exchange; the routing key is the event type.
type AMQPPublisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
}

func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}
	return &AMQPPublisher{conn: conn, channel: ch, exchange: exchange}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, routingKey string, body []byte) error {
	return p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

func (p *AMQPPublisher) Close() error {
	if err := p.channel.Close(); err != nil {
		p.conn.Close()
		return err
	}
	return p.conn.Close()
}

// Relay forwards unprocessed events in order and marks them processed.
type Relay struct {
	log       *Log
	publisher Publisher
	batchSize int
	now       func() time.Time
	logger    *slog.Logger
}

func NewRelay(log *Log, publisher Publisher, batchSize int, logger *slog.Logger) *Relay {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Relay{
		log:       log,
		publisher: publisher,
		batchSize: batchSize,
		now:       time.Now,
		logger:    logger.With("component", "event_relay"),
	}
}

// Flush publishes one batch. It stops at the first publish failure so that
// later events are never delivered ahead of an earlier one.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	evs, err := r.log.List(ctx, Filter{Unprocessed: true, Limit: r.batchSize})
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, ev := range evs {
		body, err := json.Marshal(Message{
			ID:        ev.ID,
			EventType: ev.EventType,
			Payload:   json.RawMessage(ev.Payload),
			CreatedAt: ev.CreatedAt,
		})
		if err != nil {
			return sent, fmt.Errorf("failed to encode event %d: %w", ev.ID, err)
		}
		if err := r.publisher.Publish(ctx, string(ev.EventType), body); err != nil {
			r.logger.Warn("event publish failed", "event_id", ev.ID, "error", err)
			if markErr := r.log.MarkFailed(ctx, ev.ID, err.Error()); markErr != nil {
				return sent, markErr
			}
			return sent, fmt.Errorf("failed to publish event %d: %w", ev.ID, err)
		}
		if _, err := r.log.MarkProcessed(ctx, ev.ID, r.now()); err != nil {
			return sent, err
		}
		sent++
	}
	if sent > 0 {
		r.logger.Debug("events relayed", "count", sent)
	}
	return sent, nil
}
