package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

type RabbitMQConsumer struct {
	client   *RabbitMQ
	prefetch int
	logger   *zap.Logger
}

func NewRabbitMQConsumer(client *RabbitMQ, prefetch int, logger *zap.Logger) *RabbitMQConsumer {
	if prefetch < 1 {
		prefetch = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RabbitMQConsumer{
		client:   client,
		prefetch: prefetch,
		logger:   logger,
	}
}

func (c *RabbitMQConsumer) Consume(ctx context.Context, queue string, handler MessageHandler) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("consumer is not initialized")
	}
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}
	if handler == nil {
		return fmt.Errorf("message handler is required")
	}

	backoff := reconnectBackoff
	for {
		err := c.consumeOnce(ctx, queue, handler)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			backoff = reconnectBackoff
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *RabbitMQConsumer) consumeOnce(ctx context.Context, queue string, handler MessageHandler) error {
	ch, err := c.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck // best-effort channel close

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	deliveries, err := ch.Consume(
		queue,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to consume queue %q: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}

			if err := c.handleDelivery(ctx, d, handler); err != nil {
				return err
			}
		}
	}
}

func (c *RabbitMQConsumer) handleDelivery(ctx context.Context, d amqp.Delivery, handler MessageHandler) error {
	msg, err := decodeDelivery(d)
	if err != nil {
		// MessageId carries the campaign id even when the body is unreadable
		c.logger.Warn("dead-lettering malformed execution job",
			zap.Error(err),
			zap.String("campaignId", d.MessageId),
			zap.Int("bodyBytes", len(d.Body)),
		)
		if rejectErr := d.Reject(false); rejectErr != nil {
			return fmt.Errorf("failed to reject malformed job: %w", rejectErr)
		}
		return nil
	}

	disposition := handler(ctx, msg)
	if disposition != Ack {
		c.logger.Warn("execution job not acknowledged",
			zap.String("campaignId", msg.CampaignID),
			zap.String("disposition", disposition.String()),
			zap.Bool("redelivered", d.Redelivered),
		)
	}

	return settle(d, disposition)
}

// decodeDelivery rejects bodies that are not a valid execution job for the campaign named
// in the delivery's MessageId.
func decodeDelivery(d amqp.Delivery) (ExecutionMessage, error) {
	var msg ExecutionMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		return ExecutionMessage{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return ExecutionMessage{}, err
	}
	if d.MessageId != "" && d.MessageId != msg.CampaignID {
		return ExecutionMessage{}, fmt.Errorf("message id %q does not match campaign %q", d.MessageId, msg.CampaignID)
	}
	return msg, nil
}

func settle(d amqp.Delivery, disposition Disposition) error {
	switch disposition {
	case Ack:
		if err := d.Ack(false); err != nil {
			return fmt.Errorf("failed to ack delivery: %w", err)
		}
	case DeadLetter:
		if err := d.Reject(false); err != nil {
			return fmt.Errorf("failed to dead-letter delivery: %w", err)
		}
	default:
		if err := d.Nack(false, true); err != nil {
			return fmt.Errorf("failed to requeue delivery: %w", err)
		}
	}
	return nil
}

func (c *RabbitMQConsumer) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
