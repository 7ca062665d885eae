package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	payloadField = "payload"
	headerPrefix = "h:"

	readBlock = 5 * time.Second
	readCount = 16
)

// RedisBus carries messages over Redis Streams. Each topic is one stream;
// each consumer group sees every message once.
type RedisBus struct {
	client redis.UniversalClient
	logger *slog.Logger
}

// NewRedisBus wraps a connected client.
func NewRedisBus(client redis.UniversalClient, logger *slog.Logger) *RedisBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{client: client, logger: logger.With("component", "bus.redis")}
}

// Publish appends the message to the topic stream.
func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte, headers map[string]string) error {
	values := map[string]any{payloadField: payload}
	for k, v := range headers {
		values[headerPrefix+k] = v
	}
	err := b.client.XAdd(ctx, &redis.XAddArgs{Stream: topic, Values: values}).Err()
	if err != nil {
		return fmt.Errorf("bus: publish to %s: %w", topic, err)
	}
	return nil
}

// Consume reads the topic through a consumer group until ctx is cancelled.
// Failed deliveries are requeued with a bumped attempt header; deliveries
// past MaxAttempts go to dead.
func (b *RedisBus) Consume(ctx context.Context, topic, group, consumer string, h Handler, dead DeadHandler) error {
	if err := b.ensureGroup(ctx, topic, group); err != nil {
		return err
	}

	for {
		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{topic, ">"},
			Count:    readCount,
			Block:    readBlock,
		}).Result()
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return ctx.Err()
		}
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			b.logger.Warn("stream read failed", "topic", topic, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				b.handle(ctx, topic, group, toMessage(topic, entry), h, dead)
			}
		}
	}
}

func (b *RedisBus) handle(ctx context.Context, topic, group string, msg *Message, h Handler, dead DeadHandler) {
	err := h(ctx, msg)
	if err == nil {
		b.ack(ctx, topic, group, msg.ID)
		return
	}

	attempt := msg.Attempt()
	if attempt >= MaxAttempts {
		b.logger.Error("message exhausted redeliveries",
			"topic", topic, "message_id", msg.ID, "attempts", attempt, "error", err)
		if dead != nil {
			dead(ctx, msg, err)
		}
		b.ack(ctx, topic, group, msg.ID)
		return
	}

	// Requeue as a fresh entry with a bumped attempt count, then ack the
	// original so the group does not redeliver both.
	headers := make(map[string]string, len(msg.Headers)+1)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[AttemptHeader] = strconv.Itoa(attempt + 1)
	if perr := b.Publish(ctx, topic, msg.Payload, headers); perr != nil {
		b.logger.Error("requeue failed, leaving message pending",
			"topic", topic, "message_id", msg.ID, "error", perr)
		return
	}
	b.logger.Warn("message requeued", "topic", topic, "message_id", msg.ID, "attempt", attempt+1, "error", err)
	b.ack(ctx, topic, group, msg.ID)
}

func (b *RedisBus) ack(ctx context.Context, topic, group, id string) {
	if err := b.client.XAck(ctx, topic, group, id).Err(); err != nil {
		b.logger.Warn("ack failed", "topic", topic, "message_id", id, "error", err)
	}
}

func (b *RedisBus) ensureGroup(ctx context.Context, topic, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, topic, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("bus: create group %s on %s: %w", group, topic, err)
	}
	return nil
}

func toMessage(topic string, entry redis.XMessage) *Message {
	msg := &Message{ID: entry.ID, Topic: topic, Headers: map[string]string{}}
	for k, v := range entry.Values {
		s, _ := v.(string)
		if k == payloadField {
			msg.Payload = []byte(s)
			continue
		}
		if strings.HasPrefix(k, headerPrefix) {
			msg.Headers[strings.TrimPrefix(k, headerPrefix)] = s
		}
	}
	return msg
}
