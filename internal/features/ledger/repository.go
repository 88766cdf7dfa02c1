// Package ledger — repository.go выполняет все операции с таблицей payment_records.
// Списание и проверка баланса происходят в одной транзакции под
// advisory-блокировкой пользователя: параллельные списания одного пользователя
// выстраиваются в очередь, остальные пользователи не ждут.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"serotonyl.ru/starsbot/internal/common"
	"serotonyl.ru/starsbot/internal/db/postgres"
)

const operationIDConstraint = "payment_records_operation_id_key"

const recordColumns = `id, tenant, user_id, operation_id, amount_minor, direction, status, category,
	currency, currency_amount_minor, metadata, noop, created_at`

const balanceExpr = `COALESCE(SUM(CASE WHEN direction = 'INCOME' THEN amount_minor ELSE -amount_minor END), 0)`

// Repository — хранилище записей в PostgreSQL.
type Repository struct {
	db postgres.DB
}

// NewRepository создаёт репозиторий платёжных записей.
func NewRepository(db postgres.DB) *Repository {
	return &Repository{db: db}
}

// Append вставляет запись атомарно с проверкой баланса.
//
// Порядок внутри транзакции:
//  1. pg_advisory_xact_lock по (tenant, user_id)
//  2. поиск operation_id — повтор возвращает *DuplicateError
//  3. агрегат баланса и проверка средств
//  4. INSERT ... ON CONFLICT (operation_id) DO NOTHING
func (r *Repository) Append(ctx context.Context, rec *PaymentRecord, check AppendCheck) (*AppendResult, error) {
	if err := validate(rec); err != nil {
		return nil, err
	}
	if rec.ID == "" {
		id, err := NewRecordID()
		if err != nil {
			return nil, err
		}
		rec.ID = id
	}
	meta, err := EncodeMetadata(rec.Metadata)
	if err != nil {
		return nil, err
	}
	storageErr := func(step string, err error) error {
		return common.NewStorageError("append", rec.UserID, rec.OperationID, rec.AmountMinor,
			fmt.Errorf("%s: %w", step, err))
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, storageErr("ошибка начала транзакции", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
		lockKey(rec.Tenant, rec.UserID)); err != nil {
		return nil, storageErr("ошибка блокировки пользователя", err)
	}

	existing, err := scanRecord(tx.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM payment_records WHERE operation_id = $1`, rec.OperationID))
	switch {
	case err == nil:
		return nil, &DuplicateError{Existing: existing}
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, storageErr("ошибка поиска операции", err)
	}

	var before int64
	if err := tx.QueryRow(ctx, `
		SELECT `+balanceExpr+`
		FROM payment_records
		WHERE tenant = $1 AND user_id = $2 AND status = 'COMPLETED' AND NOT noop
	`, rec.Tenant, rec.UserID).Scan(&before); err != nil {
		return nil, storageErr("ошибка подсчёта баланса", err)
	}

	if insufficient(rec, check, before) {
		return nil, fmt.Errorf("%w: нужно %d, есть %d", common.ErrInsufficientFunds, rec.AmountMinor, before)
	}

	var currency *string
	var currencyAmount *int64
	if rec.CurrencyContext != nil {
		currency = &rec.CurrencyContext.Currency
		currencyAmount = &rec.CurrencyContext.AmountMinor
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO payment_records (id, tenant, user_id, operation_id, amount_minor, direction,
			status, category, currency, currency_amount_minor, metadata, noop)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (operation_id) DO NOTHING
		RETURNING created_at
	`, rec.ID, rec.Tenant, rec.UserID, rec.OperationID, rec.AmountMinor, string(rec.Direction),
		string(rec.Status), rec.Category, currency, currencyAmount, meta, rec.NoOp,
	).Scan(&rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) || postgres.IsUniqueViolation(err, operationIDConstraint) {
		// Ту же operation_id параллельно вставили под блокировкой другого пользователя.
		_ = tx.Rollback(ctx)
		existing, getErr := r.GetByOperationID(ctx, rec.OperationID)
		if getErr != nil {
			return nil, getErr
		}
		return nil, &DuplicateError{Existing: existing}
	}
	if err != nil {
		return nil, storageErr("ошибка вставки записи", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, storageErr("ошибка фиксации транзакции", err)
	}

	return &AppendResult{
		Record:        rec,
		BalanceBefore: before,
		BalanceAfter:  before + rec.SignedAmount(),
	}, nil
}

// AggregateBalance считает баланс агрегатом на стороне PostgreSQL.
func (r *Repository) AggregateBalance(ctx context.Context, tenant string, userID int64) (int64, error) {
	query := `
		SELECT ` + balanceExpr + `
		FROM payment_records
		WHERE tenant = $1 AND user_id = $2 AND status = 'COMPLETED' AND NOT noop
	`
	var balance int64
	if err := r.db.QueryRow(ctx, query, tenant, userID).Scan(&balance); err != nil {
		return 0, common.NewStorageError("aggregate", userID, "", 0,
			fmt.Errorf("ошибка подсчёта баланса: %w", err))
	}
	return balance, nil
}

// GetByOperationID возвращает запись по ключу идемпотентности.
func (r *Repository) GetByOperationID(ctx context.Context, operationID string) (*PaymentRecord, error) {
	rec, err := scanRecord(r.db.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM payment_records WHERE operation_id = $1`, operationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w (operation_id=%s)", common.ErrRecordNotFound, operationID)
		}
		return nil, common.NewStorageError("lookup", 0, operationID, 0,
			fmt.Errorf("ошибка чтения записи: %w", err))
	}
	return rec, nil
}

// ListRecords возвращает записи пользователя, новые первыми.
func (r *Repository) ListRecords(ctx context.Context, f Filter) ([]*PaymentRecord, error) {
	where := []string{"tenant = $1", "user_id = $2"}
	args := []any{f.Tenant, f.UserID}
	if f.Direction != "" {
		args = append(args, string(f.Direction))
		where = append(where, fmt.Sprintf("direction = $%d", len(args)))
	}
	if f.Category != "" {
		args = append(args, f.Category)
		where = append(where, fmt.Sprintf("category = $%d", len(args)))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	args = append(args, f.limit(), max(f.Offset, 0))

	query := fmt.Sprintf(`
		SELECT %s
		FROM payment_records
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d
	`, recordColumns, strings.Join(where, " AND "), len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, common.NewStorageError("list", f.UserID, "", 0,
			fmt.Errorf("ошибка получения записей: %w", err))
	}
	defer rows.Close()

	var out []*PaymentRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования записи: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, common.NewStorageError("list", f.UserID, "", 0,
			fmt.Errorf("ошибка чтения строк: %w", err))
	}
	return out, nil
}

// Stats возвращает суммарную статистику пользователя.
func (r *Repository) Stats(ctx context.Context, tenant string, userID int64) (*Stats, error) {
	query := `
		SELECT
			COALESCE(SUM(amount_minor) FILTER (WHERE direction = 'INCOME' AND status = 'COMPLETED'), 0),
			COALESCE(SUM(amount_minor) FILTER (WHERE direction = 'OUTCOME' AND status = 'COMPLETED'), 0),
			COUNT(*)
		FROM payment_records
		WHERE tenant = $1 AND user_id = $2
	`
	var s Stats
	if err := r.db.QueryRow(ctx, query, tenant, userID).Scan(&s.TotalIncome, &s.TotalOutcome, &s.Records); err != nil {
		return nil, common.NewStorageError("stats", userID, "", 0,
			fmt.Errorf("ошибка получения статистики: %w", err))
	}
	return &s, nil
}

// ActiveUsers возвращает пользователей, у которых были операции начиная с since.
func (r *Repository) ActiveUsers(ctx context.Context, tenant string, since time.Time) ([]int64, error) {
	query := `
		SELECT DISTINCT user_id
		FROM payment_records
		WHERE tenant = $1 AND created_at >= $2
		ORDER BY user_id
	`
	rows, err := r.db.Query(ctx, query, tenant, since)
	if err != nil {
		return nil, common.NewStorageError("active_users", 0, "", 0,
			fmt.Errorf("ошибка получения активных пользователей: %w", err))
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ошибка сканирования user_id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func lockKey(tenant string, userID int64) string {
	return fmt.Sprintf("stars:%s:%d", tenant, userID)
}

func scanRecord(row pgx.Row) (*PaymentRecord, error) {
	var (
		rec            PaymentRecord
		direction      string
		status         string
		currency       *string
		currencyAmount *int64
		meta           []byte
	)
	err := row.Scan(
		&rec.ID, &rec.Tenant, &rec.UserID, &rec.OperationID, &rec.AmountMinor,
		&direction, &status, &rec.Category, &currency, &currencyAmount, &meta,
		&rec.NoOp, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Direction = Direction(direction)
	rec.Status = Status(status)
	if currency != nil && currencyAmount != nil {
		rec.CurrencyContext = &CurrencyContext{Currency: *currency, AmountMinor: *currencyAmount}
	}
	if rec.Metadata, err = DecodeMetadata(meta); err != nil {
		return nil, err
	}
	return &rec, nil
}
