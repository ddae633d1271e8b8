package mq

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var ErrNotConfirmed = errors.New("broker did not confirm the message")

// Publish declares queue as durable and publishes body to it as a persistent
// JSON message, waiting for the broker to confirm it.
func (r *rabbitMQImpl) Publish(ctx context.Context, queue string, body []byte) error {
	ch := r.GetChannel()
	if ch == nil {
		return errors.New("no RabbitMQ channel available")
	}
	defer ch.Close()

	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	}
	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, msg)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", queue, err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("waiting for confirm on %s: %w", queue, err)
	}
	if !acked {
		return ErrNotConfirmed
	}
	return nil
}
