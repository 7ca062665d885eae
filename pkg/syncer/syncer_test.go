package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tickettoken/core/pkg/api"
	"github.com/tickettoken/core/pkg/bus"
	"github.com/tickettoken/core/pkg/dlq"
)

var internalSecret = []byte("0123456789abcdef0123456789abcdef")

type fakeCreator struct {
	mu    sync.Mutex
	calls int
	fail  int // fail the first N calls
	errs  error
	last  *SyncRequest
}

func (f *fakeCreator) CreateEvent(_ context.Context, req *SyncRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = req
	if f.errs != nil {
		return f.errs
	}
	if f.calls <= f.fail {
		return errors.New("rpc timeout")
	}
	return nil
}

func (f *fakeCreator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeDeadSink struct {
	mu    sync.Mutex
	items []*dlq.Item
}

func (f *fakeDeadSink) Add(_ context.Context, jobID, ticketID, tenantID, errMessage string) (*dlq.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item := &dlq.Item{JobID: jobID, TicketID: ticketID, TenantID: tenantID, Reason: errMessage}
	f.items = append(f.items, item)
	return item, nil
}

func (f *fakeDeadSink) all() []*dlq.Item {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*dlq.Item(nil), f.items...)
}

func validPayload(t *testing.T) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"event_id":        "ev-1",
		"action":          ActionCreateEvent,
		"schema_version":  "1.2.0",
		"blockchain_data": map[string]any{"name": "Summer Fest", "capacity": 5000},
		"metadata": map[string]any{
			"tenant_id": "t1",
			"user_id":   "u1",
			"timestamp": "2026-03-01T12:00:00Z",
			"source":    "ticketing",
		},
		"requested_at": "2026-03-01T12:00:00Z",
	})
	require.NoError(t, err)
	return raw
}

func runConsumer(t *testing.T, c *Consumer, b *bus.MemoryBus, until func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx, b, "test-consumer") }()
	require.Eventually(t, until, 2*time.Second, 5*time.Millisecond)
}

func TestConsumer_CreatesEvent(t *testing.T) {
	creator := &fakeCreator{}
	dead := &fakeDeadSink{}
	c := NewConsumer(creator, dead, "", nil, nil)

	b := bus.NewMemoryBus()
	require.NoError(t, b.Publish(context.Background(), Topic, validPayload(t), nil))

	runConsumer(t, c, b, func() bool { return creator.callCount() == 1 })

	require.NotNil(t, creator.last)
	assert.Equal(t, "ev-1", creator.last.EventID)
	assert.Equal(t, "t1", creator.last.Metadata.TenantID)
	assert.Empty(t, dead.all())
}

func TestConsumer_RetriesThenDeadLetters(t *testing.T) {
	var mu sync.Mutex
	var callbackBody []byte
	var callbackPath string
	var callbackHeaders http.Header
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		callbackPath = r.URL.Path
		callbackHeaders = r.Header.Clone()
		callbackBody = body
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()
	received := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return callbackBody != nil
	}

	creator := &fakeCreator{errs: errors.New("rpc timeout")}
	dead := &fakeDeadSink{}
	signer := api.NewInternalSigner("chain-sync", internalSecret)
	c := NewConsumer(creator, dead, target.URL, signer, nil)

	b := bus.NewMemoryBus()
	require.NoError(t, b.Publish(context.Background(), Topic, validPayload(t), nil))

	runConsumer(t, c, b, func() bool { return len(dead.all()) == 1 && received() })

	assert.Equal(t, bus.MaxAttempts, creator.callCount())
	item := dead.all()[0]
	assert.Equal(t, "sync:ev-1", item.JobID)
	assert.Equal(t, "t1", item.TenantID)
	assert.Contains(t, item.Reason, "rpc timeout")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/internal/events/ev-1/blockchain-status", callbackPath)

	var cb statusCallback
	require.NoError(t, json.Unmarshal(callbackBody, &cb))
	assert.Equal(t, "failed", cb.Status)

	verifier := api.NewInternalVerifier(internalSecret, []string{"chain-sync"})
	err := verifier.Verify(
		callbackHeaders.Get(api.HeaderInternalService),
		callbackHeaders.Get(api.HeaderInternalTimestamp),
		callbackHeaders.Get(api.HeaderInternalSignature),
		callbackBody,
	)
	assert.NoError(t, err)
}

func TestConsumer_MalformedPayloadIsTerminal(t *testing.T) {
	creator := &fakeCreator{}
	dead := &fakeDeadSink{}
	c := NewConsumer(creator, dead, "", nil, nil)

	b := bus.NewMemoryBus()
	require.NoError(t, b.Publish(context.Background(), Topic, []byte(`{"event_id":"ev-1"}`), nil))

	runConsumer(t, c, b, func() bool { return len(dead.all()) == 1 })

	// Schema failures never reach the creator and never requeue.
	assert.Equal(t, 0, creator.callCount())
	assert.Equal(t, 0, b.Pending(Topic))
}

func TestDecode(t *testing.T) {
	c := NewConsumer(&fakeCreator{}, nil, "", nil, nil)

	t.Run("valid", func(t *testing.T) {
		req, err := c.decode(validPayload(t))
		require.NoError(t, err)
		assert.Equal(t, "ev-1", req.EventID)
		assert.Equal(t, "1.2.0", req.SchemaVersion)
	})

	t.Run("missing schema_version defaults compatible", func(t *testing.T) {
		var m map[string]any
		require.NoError(t, json.Unmarshal(validPayload(t), &m))
		delete(m, "schema_version")
		raw, _ := json.Marshal(m)
		_, err := c.decode(raw)
		assert.NoError(t, err)
	})

	t.Run("future major rejected", func(t *testing.T) {
		var m map[string]any
		require.NoError(t, json.Unmarshal(validPayload(t), &m))
		m["schema_version"] = "2.0.0"
		raw, _ := json.Marshal(m)
		_, err := c.decode(raw)
		assert.ErrorContains(t, err, "unsupported schema_version")
	})

	t.Run("unknown action rejected by schema", func(t *testing.T) {
		var m map[string]any
		require.NoError(t, json.Unmarshal(validPayload(t), &m))
		m["action"] = "DELETE_EVENT"
		raw, _ := json.Marshal(m)
		_, err := c.decode(raw)
		assert.Error(t, err)
	})

	t.Run("not json", func(t *testing.T) {
		_, err := c.decode([]byte("not json"))
		assert.ErrorContains(t, err, "malformed payload")
	})
}
