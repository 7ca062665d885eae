package treasury

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func TestWhitelist_Builtins(t *testing.T) {
	w, err := NewWhitelist("", nil)
	require.NoError(t, err)

	require.NoError(t, w.Authorize("11111111111111111111111111111111"))
	err = w.Authorize("AttackerAddress11111111111111111")
	require.ErrorIs(t, err, ErrNotWhitelisted)
}

func TestWhitelist_OperatorFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "whitelist.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
destinations:
  - address: TreasuryColdStorage111111111111
    label: cold storage
  - address: PayoutsHotWallet1111111111111111
    label: payouts
`), 0o600))

	w, err := NewWhitelist(path, nil)
	require.NoError(t, err)
	require.NoError(t, w.Authorize("TreasuryColdStorage111111111111"))
	assert.True(t, w.Contains("PayoutsHotWallet1111111111111111"))
	assert.False(t, w.Contains("SomethingElse"))
}

func TestWhitelist_RejectsEmptyAddress(t *testing.T) {
	path := filepath.Join(t.TempDir(), "whitelist.yaml")
	require.NoError(t, os.WriteFile(path, []byte("destinations:\n  - label: oops\n"), 0o600))

	_, err := NewWhitelist(path, nil)
	require.Error(t, err)
}

func monitor() *Monitor {
	return NewMonitor(DefaultThresholds(), "", nil).
		WithClock(func() time.Time { return testNow })
}

func TestMonitor_LargeTransfer(t *testing.T) {
	m := monitor()
	m.Record(context.Background(), Transaction{Signature: "s1", AmountSOL: 0.6})

	alerts := m.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertLargeTransfer, alerts[0].Kind)
	assert.Equal(t, 0.6, alerts[0].AmountSOL)
}

func TestMonitor_SmallTransfersNoAlert(t *testing.T) {
	m := monitor()
	m.Record(context.Background(), Transaction{Signature: "s1", AmountSOL: 0.1})
	assert.Empty(t, m.Alerts())
}

func TestMonitor_HourlyDrain(t *testing.T) {
	m := monitor()
	at := testNow
	for i := 0; i < 5; i++ {
		at = at.Add(6 * time.Minute)
		m.clock = func() time.Time { return at }
		m.Record(context.Background(), Transaction{AmountSOL: 0.45, SentAt: at})
	}

	var kinds []AlertKind
	for _, a := range m.Alerts() {
		kinds = append(kinds, a.Kind)
	}
	assert.Contains(t, kinds, AlertHourlyDrain, "2.25 SOL in an hour must trip the drain alert")
}

func TestMonitor_BalanceThresholds(t *testing.T) {
	m := monitor()

	m.CheckBalance(context.Background(), 5.0)
	assert.Empty(t, m.Alerts())

	m.CheckBalance(context.Background(), 0.8)
	require.Len(t, m.Alerts(), 1)
	assert.Equal(t, AlertBalanceWarning, m.Alerts()[0].Kind)

	m.clock = func() time.Time { return testNow.Add(10 * time.Minute) }
	m.CheckBalance(context.Background(), 0.05)
	alerts := m.Alerts()
	require.Len(t, alerts, 2)
	assert.Equal(t, AlertBalanceCritical, alerts[1].Kind)
}

func TestMonitor_Dedup(t *testing.T) {
	m := monitor()

	m.CheckBalance(context.Background(), 0.8)
	m.clock = func() time.Time { return testNow.Add(2 * time.Minute) }
	m.CheckBalance(context.Background(), 0.7)
	assert.Len(t, m.Alerts(), 1, "same kind within 5 minutes must be deduplicated")

	m.clock = func() time.Time { return testNow.Add(6 * time.Minute) }
	m.CheckBalance(context.Background(), 0.7)
	assert.Len(t, m.Alerts(), 2)
}

func TestMonitor_AlertBound(t *testing.T) {
	m := monitor()
	at := testNow
	for i := 0; i < 120; i++ {
		at = at.Add(6 * time.Minute)
		m.clock = func() time.Time { return at }
		m.CheckBalance(context.Background(), 0.8)
	}
	assert.Len(t, m.Alerts(), maxAlertsKept)
}
