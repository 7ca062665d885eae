package tenants

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextRoundTrip(t *testing.T) {
	ctx := WithTenant(context.Background(), "t1")
	id, ok := FromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, "t1", id)

	_, ok = FromContext(context.Background())
	assert.False(t, ok)

	_, err := MustFromContext(context.Background())
	assert.ErrorIs(t, err, ErrNoTenant)
}

func TestBindTx(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT set_config`).
		WithArgs(SessionVar, "t1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	tx, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, BindTx(context.Background(), tx, "t1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBindTx_EmptyTenant(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	mock.ExpectBegin()

	tx, err := db.Begin()
	require.NoError(t, err)
	assert.ErrorIs(t, BindTx(context.Background(), tx, ""), ErrNoTenant)
}

func TestGuard(t *testing.T) {
	ctx := WithTenant(context.Background(), "t1")
	assert.NoError(t, Guard(ctx, "t1"))

	err := Guard(ctx, "t2")
	require.Error(t, err)
	assert.True(t, IsViolation(err))
	assert.Contains(t, err.Error(), "cross-tenant")

	assert.ErrorIs(t, Guard(context.Background(), "t1"), ErrNoTenant)
}
