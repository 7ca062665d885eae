package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "ticketing-core", cfg.ServiceName)
	assert.Equal(t, 1.0, cfg.SampleRate)
	assert.True(t, cfg.Enabled)
	assert.False(t, cfg.Insecure)
}

func TestDisabledProvider_NoOps(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	// Every recording path must be safe without initialized instruments.
	p.RecordScan(context.Background(), "ALLOW", "OK", 12*time.Millisecond)
	p.RecordMint(context.Background(), "COMPLETED", 800*time.Millisecond)
	p.Event("replayed")
	p.ObserveDrift(-300 * time.Millisecond)
	assert.NotNil(t, p.Tracer())
	assert.NoError(t, p.Shutdown(context.Background()))
}
