package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var internalSecret = []byte("0123456789abcdef0123456789abcdef")

func TestInternalAuth_RoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	signer := NewInternalSigner("ticketing-core", internalSecret).WithClock(func() time.Time { return now })
	verifier := NewInternalVerifier(internalSecret, []string{"ticketing-core"}).WithClock(func() time.Time { return now })

	body := []byte(`{"status":"failed","event_id":"ev-1"}`)
	headers, err := signer.Headers(body)
	require.NoError(t, err)

	err = verifier.Verify(
		headers[HeaderInternalService],
		headers[HeaderInternalTimestamp],
		headers[HeaderInternalSignature],
		body,
	)
	require.NoError(t, err)
}

func TestInternalAuth_CanonicalizationIgnoresKeyOrder(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	signer := NewInternalSigner("ticketing-core", internalSecret).WithClock(func() time.Time { return now })
	verifier := NewInternalVerifier(internalSecret, []string{"ticketing-core"}).WithClock(func() time.Time { return now })

	signed := []byte(`{"event_id":"ev-1","status":"failed"}`)
	reordered := []byte(`{  "status": "failed", "event_id": "ev-1"  }`)

	headers, err := signer.Headers(signed)
	require.NoError(t, err)

	err = verifier.Verify(
		headers[HeaderInternalService],
		headers[HeaderInternalTimestamp],
		headers[HeaderInternalSignature],
		reordered,
	)
	require.NoError(t, err)
}

func TestInternalAuth_Rejections(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	signer := NewInternalSigner("ticketing-core", internalSecret).WithClock(func() time.Time { return now })
	body := []byte(`{"a":1}`)
	headers, err := signer.Headers(body)
	require.NoError(t, err)

	t.Run("unknown service", func(t *testing.T) {
		v := NewInternalVerifier(internalSecret, []string{"other-service"}).WithClock(func() time.Time { return now })
		err := v.Verify("ticketing-core", headers[HeaderInternalTimestamp], headers[HeaderInternalSignature], body)
		assert.ErrorContains(t, err, "not allow-listed")
	})

	t.Run("drift past the minute", func(t *testing.T) {
		late := now.Add(61 * time.Second)
		v := NewInternalVerifier(internalSecret, []string{"ticketing-core"}).WithClock(func() time.Time { return late })
		err := v.Verify("ticketing-core", headers[HeaderInternalTimestamp], headers[HeaderInternalSignature], body)
		assert.ErrorContains(t, err, "drift")
	})

	t.Run("drift within the minute", func(t *testing.T) {
		soon := now.Add(59 * time.Second)
		v := NewInternalVerifier(internalSecret, []string{"ticketing-core"}).WithClock(func() time.Time { return soon })
		err := v.Verify("ticketing-core", headers[HeaderInternalTimestamp], headers[HeaderInternalSignature], body)
		assert.NoError(t, err)
	})

	t.Run("tampered body", func(t *testing.T) {
		v := NewInternalVerifier(internalSecret, []string{"ticketing-core"}).WithClock(func() time.Time { return now })
		err := v.Verify("ticketing-core", headers[HeaderInternalTimestamp], headers[HeaderInternalSignature], []byte(`{"a":2}`))
		assert.ErrorContains(t, err, "signature mismatch")
	})

	t.Run("garbage timestamp", func(t *testing.T) {
		v := NewInternalVerifier(internalSecret, []string{"ticketing-core"}).WithClock(func() time.Time { return now })
		err := v.Verify("ticketing-core", "not-a-number", headers[HeaderInternalSignature], body)
		assert.ErrorContains(t, err, "bad timestamp")
	})
}

func TestDriftHistogram(t *testing.T) {
	h := NewDriftHistogram()
	h.Observe(50 * time.Millisecond)
	h.Observe(-50 * time.Millisecond) // sign does not matter
	h.Observe(3 * time.Second)
	h.Observe(2 * time.Minute)

	counts, total := h.Snapshot()
	assert.Equal(t, uint64(4), total)
	assert.Equal(t, uint64(2), counts[0])            // <= 0.1s
	assert.Equal(t, uint64(1), counts[3])            // <= 5s
	assert.Equal(t, uint64(1), counts[len(counts)-1]) // overflow
}

func TestInternalVerifier_RecordsDrift(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	signer := NewInternalSigner("ticketing-core", internalSecret).WithClock(func() time.Time { return now })
	verifier := NewInternalVerifier(internalSecret, []string{"ticketing-core"}).
		WithClock(func() time.Time { return now.Add(400 * time.Millisecond) })

	headers, err := signer.Headers(nil)
	require.NoError(t, err)
	require.NoError(t, verifier.Verify("ticketing-core", headers[HeaderInternalTimestamp], headers[HeaderInternalSignature], nil))

	counts, total := verifier.Drift().Snapshot()
	assert.Equal(t, uint64(1), total)
	assert.Equal(t, uint64(1), counts[1]) // <= 0.5s
}
