package dlq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type memItemStore struct {
	items map[string]*Item
}

func newMemItemStore() *memItemStore {
	return &memItemStore{items: map[string]*Item{}}
}

func (s *memItemStore) Insert(_ context.Context, item *Item) error {
	cp := *item
	s.items[item.ID] = &cp
	return nil
}

func (s *memItemStore) Due(_ context.Context, now time.Time, limit int) ([]*Item, error) {
	var out []*Item
	for _, it := range s.items {
		if it.Category == CategoryRetryable && !it.Archived && it.NextRetryAt != nil && !it.NextRetryAt.After(now) {
			cp := *it
			out = append(out, &cp)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *memItemStore) Update(_ context.Context, item *Item) error {
	cp := *item
	s.items[item.ID] = &cp
	return nil
}

func (s *memItemStore) Delete(_ context.Context, id string) error {
	delete(s.items, id)
	return nil
}

func (s *memItemStore) ArchiveCandidates(_ context.Context, cutoff time.Time, limit int) ([]*Item, error) {
	var out []*Item
	for _, it := range s.items {
		if it.Category == CategoryNonRetryable && !it.Archived && it.UpdatedAt.Before(cutoff) {
			cp := *it
			out = append(out, &cp)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *memItemStore) MarkArchived(_ context.Context, id string) error {
	s.items[id].Archived = true
	return nil
}

func TestClassify(t *testing.T) {
	cases := []struct {
		message string
		want    Category
	}{
		{"read tcp: connection timeout", CategoryRetryable},
		{"ECONNRESET", CategoryRetryable},
		{"upstream returned 503", CategoryRetryable},
		{"Blockhash not found", CategoryRetryable},
		{"too many requests, slow down", CategoryRetryable},
		{"insufficient funds for rent", CategoryNonRetryable},
		{"Invalid address: abc", CategoryNonRetryable},
		{"transaction has already been processed", CategoryNonRetryable},
		{"401 unauthorized", CategoryNonRetryable},
		{"something inexplicable", CategoryUnknown},
		{"", CategoryUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.message, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.message))
		})
	}
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 30*time.Second, Backoff(0))
	assert.Equal(t, time.Minute, Backoff(1))
	assert.Equal(t, 8*time.Minute, Backoff(4))
	assert.Equal(t, time.Hour, Backoff(7))
	assert.Equal(t, time.Hour, Backoff(40))
	assert.Equal(t, 30*time.Second, Backoff(-1))
}

func processor(store ItemStore, h Handler) *Processor {
	return NewProcessor(store, nil, h, nil).WithClock(func() time.Time { return testNow })
}

func TestAdd_Classification(t *testing.T) {
	store := newMemItemStore()
	p := processor(store, nil)

	retryable, err := p.Add(context.Background(), "job-1", "tk-1", "t1", "ECONNRESET")
	require.NoError(t, err)
	assert.Equal(t, CategoryRetryable, retryable.Category)
	require.NotNil(t, retryable.NextRetryAt)
	assert.Equal(t, testNow.Add(30*time.Second), *retryable.NextRetryAt)

	fatal, err := p.Add(context.Background(), "job-2", "tk-2", "t1", "insufficient funds")
	require.NoError(t, err)
	assert.Equal(t, CategoryNonRetryable, fatal.Category)
	assert.Nil(t, fatal.NextRetryAt)

	unknown, err := p.Add(context.Background(), "job-3", "tk-3", "t1", "mystery")
	require.NoError(t, err)
	assert.Equal(t, CategoryUnknown, unknown.Category)
	assert.Nil(t, unknown.NextRetryAt)
}

func TestProcessOnce_ResolvesOnSuccess(t *testing.T) {
	store := newMemItemStore()
	var handled []string
	p := processor(store, func(_ context.Context, item *Item) error {
		handled = append(handled, item.JobID)
		return nil
	})

	item, err := p.Add(context.Background(), "job-1", "tk-1", "t1", "timeout")
	require.NoError(t, err)

	// Advance past the first backoff.
	p.clock = func() time.Time { return testNow.Add(time.Minute) }
	p.ProcessOnce(context.Background())

	assert.Equal(t, []string{"job-1"}, handled)
	_, exists := store.items[item.ID]
	assert.False(t, exists, "resolved item must leave the queue")
}

func TestProcessOnce_ReschedulesWithBackoff(t *testing.T) {
	store := newMemItemStore()
	p := processor(store, func(context.Context, *Item) error {
		return errors.New("timeout again")
	})

	item, err := p.Add(context.Background(), "job-1", "tk-1", "t1", "timeout")
	require.NoError(t, err)

	later := testNow.Add(time.Minute)
	p.clock = func() time.Time { return later }
	p.ProcessOnce(context.Background())

	got := store.items[item.ID]
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.NextRetryAt)
	assert.Equal(t, later.Add(time.Minute), *got.NextRetryAt)
}

func TestProcessOnce_PromotesAfterMaxRetries(t *testing.T) {
	store := newMemItemStore()
	p := processor(store, func(context.Context, *Item) error {
		return errors.New("timeout")
	})

	item, err := p.Add(context.Background(), "job-1", "tk-1", "t1", "timeout")
	require.NoError(t, err)

	at := testNow
	for i := 0; i < maxRetries; i++ {
		at = at.Add(2 * time.Hour)
		p.clock = func() time.Time { return at }
		p.ProcessOnce(context.Background())
	}

	got := store.items[item.ID]
	assert.Equal(t, CategoryNonRetryable, got.Category)
	assert.Nil(t, got.NextRetryAt)
	assert.Equal(t, maxRetries, got.RetryCount)
}

func TestProcessOnce_ArchivesOldNonRetryable(t *testing.T) {
	store := newMemItemStore()
	archive, err := OpenArchive(":memory:")
	require.NoError(t, err)
	defer func() { _ = archive.Close() }()

	p := NewProcessor(store, archive, nil, nil).WithClock(func() time.Time { return testNow })

	item, err := p.Add(context.Background(), "job-1", "tk-1", "t1", "insufficient funds")
	require.NoError(t, err)

	// Not yet old enough.
	p.ProcessOnce(context.Background())
	n, err := archive.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	p.clock = func() time.Time { return testNow.Add(8 * 24 * time.Hour) }
	p.ProcessOnce(context.Background())

	n, err = archive.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, store.items[item.ID].Archived)
}

func TestStartStop(t *testing.T) {
	p := NewProcessor(newMemItemStore(), nil, nil, nil)
	p.Start()
	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return; ticker goroutine leaked")
	}
}
