package subscriptions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/starsbot/internal/common"
)

func TestFindPlan(t *testing.T) {
	p, err := FindPlan("month")
	require.NoError(t, err)
	assert.Equal(t, 30, p.Days)
	assert.Equal(t, int64(500), p.Price)

	_, err = FindPlan("forever")
	assert.ErrorIs(t, err, common.ErrUnknownPlan)

	codes := []string{}
	for _, p := range Plans() {
		codes = append(codes, p.Code)
	}
	assert.Equal(t, []string{"week", "month", "year"}, codes)
}

func TestMemoryStoreExtendIsIdempotent(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	store.now = func() time.Time { return now }

	sub, applied, err := store.Extend(ctx, Grant{OperationID: "op-1", Tenant: "main", UserID: 7, Plan: "week", Days: 7})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, now.AddDate(0, 0, 7), sub.ExpiresAt)

	sub, applied, err = store.Extend(ctx, Grant{OperationID: "op-1", Tenant: "main", UserID: 7, Plan: "week", Days: 7})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, now.AddDate(0, 0, 7), sub.ExpiresAt)

	// новое продление считается от текущего окончания, а не от now
	sub, _, err = store.Extend(ctx, Grant{OperationID: "op-2", Tenant: "main", UserID: 7, Plan: "month", Days: 30})
	require.NoError(t, err)
	assert.Equal(t, now.AddDate(0, 0, 37), sub.ExpiresAt)
	assert.Equal(t, "month", sub.Plan)

	// истёкшая подписка продлевается от now
	now = now.AddDate(0, 2, 0)
	sub, _, err = store.Extend(ctx, Grant{OperationID: "op-3", Tenant: "main", UserID: 7, Plan: "week", Days: 7})
	require.NoError(t, err)
	assert.Equal(t, now.AddDate(0, 0, 7), sub.ExpiresAt)
}

func TestMemoryStoreValidation(t *testing.T) {
	store := NewMemoryStore()
	_, _, err := store.Extend(context.Background(), Grant{OperationID: "op", Tenant: "main", UserID: 1, Days: 0})
	assert.ErrorIs(t, err, common.ErrInvalidAmount)
	_, _, err = store.Extend(context.Background(), Grant{Tenant: "main", UserID: 1, Days: 3})
	assert.ErrorIs(t, err, common.ErrInvalidOperation)
}

func TestServiceActive(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	store.now = func() time.Time { return now }
	svc := NewService(store, "main")
	svc.now = func() time.Time { return now }

	sub, err := svc.Active(ctx, 7)
	require.NoError(t, err)
	assert.Nil(t, sub)

	_, err = svc.Extend(ctx, "op-1", 7, "week", 7)
	require.NoError(t, err)
	sub, err = svc.Active(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, "week", sub.Plan)

	now = now.AddDate(0, 0, 8)
	sub, err = svc.Active(ctx, 7)
	require.NoError(t, err)
	assert.Nil(t, sub)
}

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

var subCols = []string{"tenant", "user_id", "plan", "expires_at"}

func TestRepositoryExtend(t *testing.T) {
	mock := newMock(t)
	repo := NewRepository(mock)
	expires := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO subscription_grants`).
		WithArgs("renew-1", "main", int64(7), "month", 30).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`GREATEST\(subscriptions.expires_at, NOW\(\)\)`).
		WithArgs("main", int64(7), "month", 30).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(`FROM subscriptions`).
		WithArgs("main", int64(7)).
		WillReturnRows(pgxmock.NewRows(subCols).AddRow("main", int64(7), "month", expires))
	mock.ExpectCommit()

	sub, applied, err := repo.Extend(context.Background(),
		Grant{OperationID: "renew-1", Tenant: "main", UserID: 7, Plan: "month", Days: 30})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, expires, sub.ExpiresAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryExtendReplay(t *testing.T) {
	mock := newMock(t)
	repo := NewRepository(mock)
	expires := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO subscription_grants`).
		WithArgs("renew-1", "main", int64(7), "month", 30).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery(`FROM subscriptions`).
		WithArgs("main", int64(7)).
		WillReturnRows(pgxmock.NewRows(subCols).AddRow("main", int64(7), "month", expires))
	mock.ExpectCommit()

	_, applied, err := repo.Extend(context.Background(),
		Grant{OperationID: "renew-1", Tenant: "main", UserID: 7, Plan: "month", Days: 30})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryExtendStorageError(t *testing.T) {
	mock := newMock(t)
	repo := NewRepository(mock)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO subscription_grants`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, _, err := repo.Extend(context.Background(),
		Grant{OperationID: "renew-2", Tenant: "main", UserID: 7, Plan: "week", Days: 7})
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrStorage)

	var se *common.StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "renew-2", se.OperationID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryGet(t *testing.T) {
	mock := newMock(t)
	repo := NewRepository(mock)

	mock.ExpectQuery(`FROM subscriptions`).
		WithArgs("main", int64(8)).
		WillReturnError(pgx.ErrNoRows)

	sub, err := repo.Get(context.Background(), "main", 8)
	require.NoError(t, err)
	assert.Nil(t, sub)
	assert.NoError(t, mock.ExpectationsWereMet())
}
