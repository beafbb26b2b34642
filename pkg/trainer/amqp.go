package trainer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	exchangeName       = "everecho.training"
	ingestedRoutingKey = "audio.ingested"
	verdictQueueName   = "everecho.training.verdicts"
)

// AMQPBus publishes ingest events and consumes training verdicts on a
// RabbitMQ topic exchange.
type AMQPBus struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

func NewAMQPBus(url string) (*AMQPBus, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("amqp url is required")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	err = channel.ExchangeDeclare(exchangeName, "topic", true, false, false, false, nil)
	if err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &AMQPBus{conn: conn, channel: channel}, nil
}

func (b *AMQPBus) NotifyAudioIngested(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal training event: %w", err)
	}
	publishCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err = b.channel.PublishWithContext(publishCtx, exchangeName, ingestedRoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish training event: %w", err)
	}
	return nil
}

// ConsumeVerdicts delivers training verdicts to handle until ctx ends.
// Malformed messages are rejected without requeue; handler errors requeue
// the message once via nack.
func (b *AMQPBus) ConsumeVerdicts(ctx context.Context, handle func(context.Context, Verdict) error) error {
	queue, err := b.channel.QueueDeclare(verdictQueueName, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare verdict queue: %w", err)
	}
	err = b.channel.QueueBind(queue.Name, "training.verdict", exchangeName, false, nil)
	if err != nil {
		return fmt.Errorf("bind verdict queue: %w", err)
	}
	deliveries, err := b.channel.Consume(queue.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume verdicts: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return errors.New("verdict channel closed")
			}
			var verdict Verdict
			if err := json.Unmarshal(delivery.Body, &verdict); err != nil {
				slog.Warn("training_verdict_malformed", "error", err)
				_ = delivery.Reject(false)
				continue
			}
			if err := handle(ctx, verdict); err != nil {
				slog.Error("training_verdict_failed", "user_id", verdict.UserID, "error", err)
				_ = delivery.Nack(false, !delivery.Redelivered)
				continue
			}
			_ = delivery.Ack(false)
		}
	}
}

func (b *AMQPBus) Close() error {
	if b.channel != nil {
		_ = b.channel.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}
