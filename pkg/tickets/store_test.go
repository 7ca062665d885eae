package tickets

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db), mock
}

func expectBind(mock sqlmock.Sqlmock, tenantID string) {
	mock.ExpectExec(`SELECT set_config`).
		WithArgs("app.current_tenant_id", tenantID).
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestGetDeviceRegistry(t *testing.T) {
	store, mock := newMock(t)
	synced := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT device_id, tenant_id, venue_id`).
		WithArgs("dev-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"device_id", "tenant_id", "venue_id", "zone", "is_active", "can_scan_offline", "last_sync_at", "revoked_at",
		}).AddRow("dev-1", "t1", "v1", "GA", true, true, synced, nil))

	d, err := store.GetDeviceRegistry(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "t1", d.TenantID)
	assert.True(t, d.CanScanOffline)
	require.NotNil(t, d.LastSyncAt)
	assert.Nil(t, d.RevokedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetDeviceRegistry_Unknown(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery(`SELECT device_id, tenant_id, venue_id`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"device_id"}))

	_, err := store.GetDeviceRegistry(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestSerializable_BindsTenantBeforeQueries(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectBegin()
	expectBind(mock, "t1")
	mock.ExpectQuery(`SELECT id, tenant_id, event_id`).
		WithArgs("tk-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	err := store.Serializable(context.Background(), "t1", func(tx *Tx) error {
		_, err := tx.GetTicket("tk-1")
		return err
	})
	// Rows hidden by row-level security surface as not-found.
	assert.ErrorIs(t, err, ErrTicketNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSerializable_EmptyTenantRefused(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	err := store.Serializable(context.Background(), "", func(*Tx) error { return nil })
	assert.Error(t, err)
}

func TestRecordAllow_ReturnsNewCount(t *testing.T) {
	store, mock := newMock(t)
	now := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	expectBind(mock, "t1")
	mock.ExpectQuery(`UPDATE tickets SET scan_count = scan_count \+ 1`).
		WithArgs("tk-1", now).
		WillReturnRows(sqlmock.NewRows([]string{"scan_count"}).AddRow(2))
	mock.ExpectCommit()

	var count int
	err := store.Serializable(context.Background(), "t1", func(tx *Tx) error {
		var err error
		count, err = tx.RecordAllow("tk-1", now)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDuplicateWindow(t *testing.T) {
	fallback := 10 * time.Minute

	t.Run("event scoped", func(t *testing.T) {
		store, mock := newMock(t)
		mock.ExpectBegin()
		expectBind(mock, "t1")
		mock.ExpectQuery(`FROM scan_policies`).
			WithArgs("ev-1").
			WillReturnRows(sqlmock.NewRows([]string{"window_minutes"}).AddRow(30))
		mock.ExpectCommit()

		var window time.Duration
		require.NoError(t, store.Serializable(context.Background(), "t1", func(tx *Tx) error {
			var err error
			window, err = tx.DuplicateWindow("ev-1", fallback)
			return err
		}))
		assert.Equal(t, 30*time.Minute, window)
	})

	t.Run("no policy falls back", func(t *testing.T) {
		store, mock := newMock(t)
		mock.ExpectBegin()
		expectBind(mock, "t1")
		mock.ExpectQuery(`FROM scan_policies`).
			WithArgs("ev-1").
			WillReturnRows(sqlmock.NewRows([]string{"window_minutes"}))
		mock.ExpectCommit()

		var window time.Duration
		require.NoError(t, store.Serializable(context.Background(), "t1", func(tx *Tx) error {
			var err error
			window, err = tx.DuplicateWindow("ev-1", fallback)
			return err
		}))
		assert.Equal(t, fallback, window)
	})

	t.Run("out of bounds falls back", func(t *testing.T) {
		store, mock := newMock(t)
		mock.ExpectBegin()
		expectBind(mock, "t1")
		mock.ExpectQuery(`FROM scan_policies`).
			WithArgs("ev-1").
			WillReturnRows(sqlmock.NewRows([]string{"window_minutes"}).AddRow(2000))
		mock.ExpectCommit()

		var window time.Duration
		require.NoError(t, store.Serializable(context.Background(), "t1", func(tx *Tx) error {
			var err error
			window, err = tx.DuplicateWindow("ev-1", fallback)
			return err
		}))
		assert.Equal(t, fallback, window)
	})
}

func TestFinalizeMint(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectBegin()
	expectBind(mock, "t1")
	mock.ExpectExec(`UPDATE tickets`).
		WithArgs("tk-1", "addr-1", "sig-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE blockchain_transactions`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.FinalizeMint(context.Background(), "t1", "tk-1", "addr-1", "sig-1", 120)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalizeMint_MissingTicket(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectBegin()
	expectBind(mock, "t1")
	mock.ExpectExec(`UPDATE tickets`).
		WithArgs("tk-x", "addr-1", "sig-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.FinalizeMint(context.Background(), "t1", "tk-x", "addr-1", "sig-1", 120)
	assert.ErrorIs(t, err, ErrTicketNotFound)
}

func TestStats(t *testing.T) {
	store, mock := newMock(t)
	now := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	expectBind(mock, "t1")
	mock.ExpectQuery(`SELECT COUNT`).
		WillReturnRows(sqlmock.NewRows([]string{"a", "b", "c", "d"}).AddRow(4, 2, 15, 9))
	mock.ExpectCommit()

	stats, err := store.Stats(context.Background(), "t1", "tk-1", "dev-1", now)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.TicketScans5s)
	assert.Equal(t, 2, stats.TicketDevices60s)
	assert.Equal(t, 15, stats.DeviceScans1h)
	assert.Equal(t, 9, stats.DeviceDenials1h)
}
