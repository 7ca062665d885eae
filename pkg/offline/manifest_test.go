package offline

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tickettoken/core/pkg/tickets"
)

var testNow = time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)

type fakeSource struct {
	device  *tickets.Device
	tickets []*tickets.Ticket
}

func (f *fakeSource) GetDeviceRegistry(context.Context, string) (*tickets.Device, error) {
	if f.device == nil {
		return nil, tickets.ErrDeviceNotFound
	}
	return f.device, nil
}

func (f *fakeSource) ScannableTickets(context.Context, string, string) ([]*tickets.Ticket, error) {
	return f.tickets, nil
}

func builder(src *fakeSource) *Builder {
	return NewBuilder(src, []byte("root-offline-secret-32-bytes-long"), nil).
		WithClock(func() time.Time { return testNow })
}

func offlineDevice() *tickets.Device {
	return &tickets.Device{
		DeviceID: "dev-1", TenantID: "t1", VenueID: "v1",
		Zone: tickets.ZoneGA, IsActive: true, CanScanOffline: true,
	}
}

func TestGenerate(t *testing.T) {
	src := &fakeSource{
		device: offlineDevice(),
		tickets: []*tickets.Ticket{
			{ID: "tk-1", EventID: "ev-1", Status: tickets.StatusSold, AccessLevel: tickets.AccessGA, ScanCount: 0},
			{ID: "tk-2", EventID: "ev-1", Status: tickets.StatusMinted, AccessLevel: tickets.AccessVIP, ScanCount: 2},
		},
	}
	b := builder(src)

	m, err := b.Generate(context.Background(), "t1", "ev-1", "dev-1")
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(ManifestTTL), m.ExpiresAt)
	require.Len(t, m.Entries, 2)
	assert.Equal(t, 2, m.Entries["tk-2"].ScanCountSnapshot)
	assert.NotEmpty(t, m.Entries["tk-1"].OfflineToken)
	assert.NotEqual(t, m.Entries["tk-1"].OfflineToken, m.Entries["tk-2"].OfflineToken)
}

func TestGenerate_DeviceGates(t *testing.T) {
	t.Run("offline disabled", func(t *testing.T) {
		d := offlineDevice()
		d.CanScanOffline = false
		_, err := builder(&fakeSource{device: d}).Generate(context.Background(), "t1", "ev-1", "dev-1")
		require.ErrorIs(t, err, ErrOfflineNotAllowed)
	})
	t.Run("revoked", func(t *testing.T) {
		d := offlineDevice()
		revoked := testNow.Add(-time.Hour)
		d.RevokedAt = &revoked
		_, err := builder(&fakeSource{device: d}).Generate(context.Background(), "t1", "ev-1", "dev-1")
		require.ErrorIs(t, err, ErrOfflineNotAllowed)
	})
	t.Run("wrong tenant", func(t *testing.T) {
		_, err := builder(&fakeSource{device: offlineDevice()}).Generate(context.Background(), "t2", "ev-1", "dev-1")
		require.ErrorIs(t, err, ErrOfflineNotAllowed)
	})
}

func TestValidate(t *testing.T) {
	b := builder(&fakeSource{})

	token, err := b.Token("ev-1", "tk-1")
	require.NoError(t, err)

	require.NoError(t, b.Validate("tk-1", "ev-1", token, testNow.Add(-time.Hour)))
	require.ErrorIs(t, b.Validate("tk-1", "ev-1", token, testNow.Add(-5*time.Hour)), ErrManifestExpired)
	require.ErrorIs(t, b.Validate("tk-1", "ev-2", token, testNow.Add(-time.Hour)), ErrTokenMismatch)
	require.ErrorIs(t, b.Validate("tk-2", "ev-1", token, testNow.Add(-time.Hour)), ErrTokenMismatch)
}

func TestEventSecretsDiffer(t *testing.T) {
	b := builder(&fakeSource{})

	s1, err := b.eventSecret("ev-1")
	require.NoError(t, err)
	s2, err := b.eventSecret("ev-2")
	require.NoError(t, err)
	assert.NotEqual(t, s1, s2)
	assert.Len(t, s1, derivedSecretLen)
}

func TestTokenProperties(t *testing.T) {
	b := builder(&fakeSource{})
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("recomputed token always validates", prop.ForAll(
		func(ticketID, eventID string) bool {
			token, err := b.Token(eventID, ticketID)
			if err != nil {
				return false
			}
			return b.Validate(ticketID, eventID, token, testNow) == nil
		},
		gen.Identifier(), gen.Identifier(),
	))

	properties.Property("token never validates for another ticket", prop.ForAll(
		func(ticketID, otherID, eventID string) bool {
			if ticketID == otherID {
				return true
			}
			token, err := b.Token(eventID, ticketID)
			if err != nil {
				return false
			}
			return b.Validate(otherID, eventID, token, testNow) != nil
		},
		gen.Identifier(), gen.Identifier(), gen.Identifier(),
	))

	properties.TestingRun(t)
}
