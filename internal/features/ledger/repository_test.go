package ledger

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

var recordCols = []string{
	"id", "tenant", "user_id", "operation_id", "amount_minor", "direction", "status", "category",
	"currency", "currency_amount_minor", "metadata", "noop", "created_at",
}

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func anyArgs(n int) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = pgxmock.AnyArg()
	}
	return out
}

func TestRepositoryAppend(t *testing.T) {
	mock := newMock(t)
	repo := NewRepository(mock)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WithArgs("stars:main:1").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`WHERE operation_id = \$1`).
		WithArgs("gen-1").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`SUM\(CASE WHEN direction = 'INCOME'`).
		WithArgs("main", int64(1)).
		WillReturnRows(pgxmock.NewRows([]string{"balance"}).AddRow(int64(50)))
	mock.ExpectQuery(`INSERT INTO payment_records`).
		WithArgs(anyArgs(12)...).
		WillReturnRows(pgxmock.NewRows([]string{"created_at"}).AddRow(now))
	mock.ExpectCommit()

	rec := outcome(1, "gen-1", 20)
	rec.Metadata = GenerationMeta{Model: "flux"}
	res, err := repo.Append(context.Background(), rec, AppendCheck{RequireFunds: true})
	require.NoError(t, err)

	assert.Equal(t, int64(50), res.BalanceBefore)
	assert.Equal(t, int64(30), res.BalanceAfter)
	assert.Equal(t, now, res.Record.CreatedAt)
	assert.NotEmpty(t, res.Record.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryAppendInsufficientFunds(t *testing.T) {
	mock := newMock(t)
	repo := NewRepository(mock)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WithArgs("stars:main:1").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`WHERE operation_id = \$1`).
		WithArgs("gen-2").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`SUM\(CASE`).
		WithArgs("main", int64(1)).
		WillReturnRows(pgxmock.NewRows([]string{"balance"}).AddRow(int64(5)))
	mock.ExpectRollback()

	_, err := repo.Append(context.Background(), outcome(1, "gen-2", 10), AppendCheck{RequireFunds: true})
	require.ErrorIs(t, err, common.ErrInsufficientFunds)
	assert.False(t, errors.Is(err, common.ErrStorage))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryAppendReplay(t *testing.T) {
	mock := newMock(t)
	repo := NewRepository(mock)
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	meta, err := EncodeMetadata(TopUpMeta{TelegramChargeID: "ch-1"})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WithArgs("stars:main:1").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`WHERE operation_id = \$1`).
		WithArgs("tg-charge-ch-1").
		WillReturnRows(pgxmock.NewRows(recordCols).AddRow(
			"pay_existing", "main", int64(1), "tg-charge-ch-1", int64(100), "INCOME", "COMPLETED", "topup",
			nil, nil, meta, false, created,
		))
	mock.ExpectRollback()

	_, err = repo.Append(context.Background(), income(1, "tg-charge-ch-1", 100), AppendCheck{})
	require.ErrorIs(t, err, common.ErrDuplicateOperation)

	var dup *DuplicateError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "pay_existing", dup.Existing.ID)
	assert.Equal(t, TopUpMeta{TelegramChargeID: "ch-1"}, dup.Existing.Metadata)
	assert.Nil(t, dup.Existing.CurrencyContext)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryAppendBeginFailure(t *testing.T) {
	mock := newMock(t)
	repo := NewRepository(mock)

	mock.ExpectBegin().WillReturnError(errors.New("connection reset"))

	_, err := repo.Append(context.Background(), income(1, "op-1", 10), AppendCheck{})
	require.ErrorIs(t, err, common.ErrStorage)

	var se *common.StorageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "op-1", se.OperationID)
	assert.Equal(t, int64(10), se.Amount)
}

func TestRepositoryAggregateBalance(t *testing.T) {
	mock := newMock(t)
	repo := NewRepository(mock)

	mock.ExpectQuery(`SUM\(CASE WHEN direction = 'INCOME' THEN amount_minor ELSE -amount_minor END\)`).
		WithArgs("main", int64(9)).
		WillReturnRows(pgxmock.NewRows([]string{"balance"}).AddRow(int64(120)))
	mock.ExpectQuery(`SUM\(CASE`).
		WithArgs("main", int64(9)).
		WillReturnError(errors.New("timeout"))

	balance, err := repo.AggregateBalance(context.Background(), "main", 9)
	require.NoError(t, err)
	assert.Equal(t, int64(120), balance)

	_, err = repo.AggregateBalance(context.Background(), "main", 9)
	assert.ErrorIs(t, err, common.ErrStorage)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryGetByOperationIDNotFound(t *testing.T) {
	mock := newMock(t)
	repo := NewRepository(mock)

	mock.ExpectQuery(`WHERE operation_id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := repo.GetByOperationID(context.Background(), "missing")
	assert.ErrorIs(t, err, common.ErrRecordNotFound)
	assert.False(t, errors.Is(err, common.ErrStorage))
}

func TestRepositoryListRecords(t *testing.T) {
	mock := newMock(t)
	repo := NewRepository(mock)
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	currency := "RUB"
	amount := int64(9900)

	mock.ExpectQuery(`category = \$3`).
		WithArgs("main", int64(1), "topup", 5, 0).
		WillReturnRows(pgxmock.NewRows(recordCols).AddRow(
			"pay_a", "main", int64(1), "tg-charge-1", int64(100), "INCOME", "COMPLETED", "topup",
			&currency, &amount, nil, false, created,
		))

	recs, err := repo.ListRecords(context.Background(), Filter{Tenant: "main", UserID: 1, Category: "topup", Limit: 5})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, DirectionIncome, recs[0].Direction)
	assert.Equal(t, &CurrencyContext{Currency: "RUB", AmountMinor: 9900}, recs[0].CurrencyContext)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryStatsAndActiveUsers(t *testing.T) {
	mock := newMock(t)
	repo := NewRepository(mock)
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FILTER \(WHERE direction = 'INCOME'`).
		WithArgs("main", int64(1)).
		WillReturnRows(pgxmock.NewRows([]string{"income", "outcome", "count"}).AddRow(int64(300), int64(120), int64(6)))
	mock.ExpectQuery(`SELECT DISTINCT user_id`).
		WithArgs("main", since).
		WillReturnRows(pgxmock.NewRows([]string{"user_id"}).AddRow(int64(1)).AddRow(int64(5)))

	st, err := repo.Stats(context.Background(), "main", 1)
	require.NoError(t, err)
	assert.Equal(t, Stats{TotalIncome: 300, TotalOutcome: 120, Records: 6}, *st)

	users, err := repo.ActiveUsers(context.Background(), "main", since)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 5}, users)
	assert.NoError(t, mock.ExpectationsWereMet())
}
