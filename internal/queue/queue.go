// Package queue defines the durable queue contract the orchestration loop
// runs on, plus an in-process broker implementing it. Delivery is
// at-least-once: a dequeued message stays leased until acked and is
// redelivered when the lease lapses.
package queue

import (
	"context"
	"time"
)

// Message is one delivery. DeliveryCount starts at 1 and grows on
// redelivery.
type Message struct {
	ID            string
	Body          []byte
	DeliveryCount int
	Enqueued      time.Time
}

// Broker is the transport seam. Implementations must be safe for
// concurrent use.
type Broker interface {
	// Declare creates the named queue if it does not exist. Idempotent.
	Declare(ctx context.Context, name string) error

	// Enqueue appends a message to the named queue.
	Enqueue(ctx context.Context, name string, body []byte) error

	// Dequeue leases the next message, waiting up to wait for one to
	// arrive. Returns (nil, nil) when the wait elapses with no message.
	Dequeue(ctx context.Context, name string, wait time.Duration) (*Message, error)

	// Ack settles a leased message. Unacked messages are redelivered
	// after the lease expires.
	Ack(ctx context.Context, name, messageID string) error

	// BindTopic subscribes the named queue to a topic: every publish to
	// the topic is copied into each bound queue.
	BindTopic(ctx context.Context, topic, queueName string) error

	// Publish fans a message out to every queue bound to the topic.
	Publish(ctx context.Context, topic string, body []byte) error

	// Close releases broker resources.
	Close() error
}
