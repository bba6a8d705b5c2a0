package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stepmesh/stepmesh/pkg/schema"
)

// DefaultLease is how long a dequeued message stays invisible before it is
// redelivered if no ack arrives.
const DefaultLease = 30 * time.Second

type leasedMessage struct {
	msg      *Message
	deadline time.Time
}

type memQueue struct {
	pending []*Message
	leased  map[string]*leasedMessage
	notify  chan struct{}
}

func newMemQueue() *memQueue {
	return &memQueue{
		leased: make(map[string]*leasedMessage),
		notify: make(chan struct{}, 1),
	}
}

// MemoryBroker is an in-process Broker with leased, at-least-once delivery.
// It backs single-node deployments and tests; a networked broker plugs in
// behind the same interface for multi-node ones.
type MemoryBroker struct {
	mu     sync.Mutex
	queues map[string]*memQueue
	topics map[string][]string // topic -> bound queue names
	lease  time.Duration
	closed bool
}

// NewMemoryBroker creates a broker with the default lease duration.
func NewMemoryBroker() *MemoryBroker {
	return NewMemoryBrokerWithLease(DefaultLease)
}

// NewMemoryBrokerWithLease creates a broker with a custom lease duration.
func NewMemoryBrokerWithLease(lease time.Duration) *MemoryBroker {
	return &MemoryBroker{
		queues: make(map[string]*memQueue),
		topics: make(map[string][]string),
		lease:  lease,
	}
}

// Declare creates the named queue if missing.
func (b *MemoryBroker) Declare(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return schema.NewError(schema.ErrCodeQueue, "broker is closed")
	}
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = newMemQueue()
	}
	return nil
}

// Enqueue appends a message to the named queue, declaring it on demand.
func (b *MemoryBroker) Enqueue(_ context.Context, name string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return schema.NewError(schema.ErrCodeQueue, "broker is closed")
	}
	q := b.queue(name)
	q.pending = append(q.pending, &Message{
		ID:            uuid.NewString(),
		Body:          body,
		DeliveryCount: 0,
		Enqueued:      time.Now(),
	})
	signal(q)
	return nil
}

// Dequeue leases the next message, waiting up to wait. Expired leases are
// reclaimed first so unacked messages come back around.
func (b *MemoryBroker) Dequeue(ctx context.Context, name string, wait time.Duration) (*Message, error) {
	deadline := time.Now().Add(wait)
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, schema.NewError(schema.ErrCodeQueue, "broker is closed")
		}
		q := b.queue(name)
		b.reclaimExpired(q)

		if len(q.pending) > 0 {
			msg := q.pending[0]
			q.pending = q.pending[1:]
			msg.DeliveryCount++
			q.leased[msg.ID] = &leasedMessage{msg: msg, deadline: time.Now().Add(b.lease)}
			out := *msg
			b.mu.Unlock()
			return &out, nil
		}
		notify := q.notify
		b.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-notify:
			timer.Stop()
		case <-timer.C:
			return nil, nil
		}
	}
}

// Ack settles a leased message. Acking an unknown ID is a no-op, since the
// lease may already have lapsed and the message been redelivered.
func (b *MemoryBroker) Ack(_ context.Context, name, messageID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(name)
	delete(q.leased, messageID)
	return nil
}

// BindTopic subscribes a queue to a topic.
func (b *MemoryBroker) BindTopic(ctx context.Context, topic, queueName string) error {
	if err := b.Declare(ctx, queueName); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, bound := range b.topics[topic] {
		if bound == queueName {
			return nil
		}
	}
	b.topics[topic] = append(b.topics[topic], queueName)
	return nil
}

// Publish copies the message into every queue bound to the topic.
func (b *MemoryBroker) Publish(ctx context.Context, topic string, body []byte) error {
	b.mu.Lock()
	bound := append([]string(nil), b.topics[topic]...)
	b.mu.Unlock()
	for _, name := range bound {
		if err := b.Enqueue(ctx, name, body); err != nil {
			return err
		}
	}
	return nil
}

// Close marks the broker closed; subsequent operations fail.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// queue returns the named queue, creating it on first touch. Caller holds
// the broker lock.
func (b *MemoryBroker) queue(name string) *memQueue {
	q, ok := b.queues[name]
	if !ok {
		q = newMemQueue()
		b.queues[name] = q
	}
	return q
}

// reclaimExpired moves lapsed leases back to pending. Caller holds the
// broker lock.
func (b *MemoryBroker) reclaimExpired(q *memQueue) {
	now := time.Now()
	for id, lm := range q.leased {
		if now.After(lm.deadline) {
			delete(q.leased, id)
			q.pending = append(q.pending, lm.msg)
		}
	}
}

func signal(q *memQueue) {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

var _ Broker = (*MemoryBroker)(nil)
