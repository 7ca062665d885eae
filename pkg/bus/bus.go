// Package bus is the message transport between the ticketing core and the
// chain-sync pipeline. Production runs on Redis Streams with consumer
// groups; tests run on the in-memory bus.
package bus

import (
	"context"
	"strconv"
)

// AttemptHeader tracks redelivery counts across requeues.
const AttemptHeader = "x-attempt"

// MaxAttempts bounds redeliveries before a message is dead-lettered.
const MaxAttempts = 3

// Message is one bus delivery.
type Message struct {
	ID      string
	Topic   string
	Payload []byte
	Headers map[string]string
}

// Attempt reads the delivery attempt, starting at 1.
func (m *Message) Attempt() int {
	if m.Headers == nil {
		return 1
	}
	n, err := strconv.Atoi(m.Headers[AttemptHeader])
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// Handler processes one delivery. A nil return acknowledges the message;
// an error requeues it (or dead-letters it past MaxAttempts).
type Handler func(ctx context.Context, msg *Message) error

// DeadHandler receives messages that exhausted their redeliveries.
type DeadHandler func(ctx context.Context, msg *Message, err error)

// Bus is the publish side.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte, headers map[string]string) error
}

// Consumer is the subscribe side. Consume blocks until ctx is cancelled.
type Consumer interface {
	Consume(ctx context.Context, topic, group, consumer string, h Handler, dead DeadHandler) error
}
