// Package queue is the durable at-least-once handoff between the serving
// tier and workers, backed by RabbitMQ.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"ladle/internal/jobs"
)

type Queue struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	name    string
}

// Dial connects to RabbitMQ and declares the durable job queue. Messages
// survive broker restarts; unacked deliveries are redelivered, so
// consumers must be idempotent.
func Dial(url, name string) (*Queue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to RabbitMQ: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open a channel: %w", err)
	}
	if _, err := channel.QueueDeclare(name, true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", name, err)
	}
	return &Queue{conn: conn, channel: channel, name: name}, nil
}

func (q *Queue) Close() {
	q.channel.Close()
	q.conn.Close()
}

// Enqueue publishes a persistent job message. Enqueueing the same job
// twice is safe: the worker's claim check rejects the duplicate delivery.
func (q *Queue) Enqueue(ctx context.Context, msg jobs.QueueMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	err = q.channel.PublishWithContext(ctx, "", q.name, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", msg.JobID, err)
	}
	return nil
}

// Consume returns the delivery stream for a worker. Qos(1) keeps a single
// delivery in flight per consumer; acks are manual.
func (q *Queue) Consume() (<-chan amqp.Delivery, error) {
	if err := q.channel.Qos(1, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := q.channel.Consume(q.name, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume the queue: %w", err)
	}
	return deliveries, nil
}
