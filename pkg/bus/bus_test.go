package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessage_Attempt(t *testing.T) {
	assert.Equal(t, 1, (&Message{}).Attempt())
	assert.Equal(t, 1, (&Message{Headers: map[string]string{AttemptHeader: "junk"}}).Attempt())
	assert.Equal(t, 1, (&Message{Headers: map[string]string{AttemptHeader: "0"}}).Attempt())
	assert.Equal(t, 3, (&Message{Headers: map[string]string{AttemptHeader: "3"}}).Attempt())
}

func TestMemoryBus_DeliversInOrder(t *testing.T) {
	b := NewMemoryBus()
	require.NoError(t, b.Publish(context.Background(), "sync", []byte("one"), nil))
	require.NoError(t, b.Publish(context.Background(), "sync", []byte("two"), nil))

	ctx, cancel := context.WithCancel(context.Background())
	var got []string
	go func() {
		_ = b.Consume(ctx, "sync", "g", "c", func(_ context.Context, msg *Message) error {
			got = append(got, string(msg.Payload))
			if len(got) == 2 {
				cancel()
			}
			return nil
		}, nil)
	}()

	require.Eventually(t, func() bool { return len(got) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"one", "two"}, got)
}

func TestMemoryBus_RequeueThenDead(t *testing.T) {
	b := NewMemoryBus()
	require.NoError(t, b.Publish(context.Background(), "sync", []byte("poison"), nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts []int
	var deadMsg *Message
	go func() {
		_ = b.Consume(ctx, "sync", "g", "c", func(_ context.Context, msg *Message) error {
			attempts = append(attempts, msg.Attempt())
			return errors.New("handler failure")
		}, func(_ context.Context, msg *Message, _ error) {
			deadMsg = msg
			cancel()
		})
	}()

	require.Eventually(t, func() bool { return deadMsg != nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{1, 2, 3}, attempts)
	assert.Equal(t, []byte("poison"), deadMsg.Payload)
}

func TestRedisBus_PublishRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := NewRedisBus(client, nil)

	err := b.Publish(context.Background(), "sync", []byte(`{"event_id":"ev-1"}`), map[string]string{
		AttemptHeader: "2",
		"x-source":    "ticketing",
	})
	require.NoError(t, err)

	entries, err := client.XRange(context.Background(), "sync", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	msg := toMessage("sync", entries[0])
	assert.Equal(t, []byte(`{"event_id":"ev-1"}`), msg.Payload)
	assert.Equal(t, 2, msg.Attempt())
	assert.Equal(t, "ticketing", msg.Headers["x-source"])
}
