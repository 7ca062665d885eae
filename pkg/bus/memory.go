package bus

import (
	"context"
	"strconv"
	"sync"

	"github.com/google/uuid"
)

// MemoryBus is the in-process bus used by tests and local runs. Semantics
// match RedisBus: per-topic ordering, attempt headers, dead-lettering past
// MaxAttempts.
type MemoryBus struct {
	mu     sync.Mutex
	queues map[string]chan *Message
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{queues: map[string]chan *Message{}}
}

func (b *MemoryBus) queue(topic string) chan *Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[topic]
	if !ok {
		q = make(chan *Message, 1024)
		b.queues[topic] = q
	}
	return q
}

// Publish appends to the topic queue.
func (b *MemoryBus) Publish(_ context.Context, topic string, payload []byte, headers map[string]string) error {
	h := make(map[string]string, len(headers))
	for k, v := range headers {
		h[k] = v
	}
	b.queue(topic) <- &Message{
		ID:      uuid.NewString(),
		Topic:   topic,
		Payload: payload,
		Headers: h,
	}
	return nil
}

// Consume drains the topic until ctx is cancelled. Group and consumer names
// are accepted for interface parity and ignored.
func (b *MemoryBus) Consume(ctx context.Context, topic, _, _ string, h Handler, dead DeadHandler) error {
	q := b.queue(topic)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-q:
			err := h(ctx, msg)
			if err == nil {
				continue
			}
			attempt := msg.Attempt()
			if attempt >= MaxAttempts {
				if dead != nil {
					dead(ctx, msg, err)
				}
				continue
			}
			headers := make(map[string]string, len(msg.Headers)+1)
			for k, v := range msg.Headers {
				headers[k] = v
			}
			headers[AttemptHeader] = strconv.Itoa(attempt + 1)
			_ = b.Publish(ctx, topic, msg.Payload, headers)
		}
	}
}

// Pending reports queued messages on a topic, for tests.
func (b *MemoryBus) Pending(topic string) int {
	return len(b.queue(topic))
}
