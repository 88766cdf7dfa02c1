package subscriptions

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"serotonyl.ru/starsbot/internal/common"
	"serotonyl.ru/starsbot/internal/db/postgres"
)

// Repository — подписки в PostgreSQL.
type Repository struct {
	db postgres.DB
}

// NewRepository создаёт репозиторий подписок.
func NewRepository(db postgres.DB) *Repository {
	return &Repository{db: db}
}

// Extend в одной транзакции записывает продление в subscription_grants и,
// только если запись новая, сдвигает expires_at от max(expires_at, NOW()).
func (r *Repository) Extend(ctx context.Context, g Grant) (*Subscription, bool, error) {
	if err := validateGrant(g); err != nil {
		return nil, false, err
	}
	storageErr := func(step string, err error) error {
		return common.NewStorageError("subscription_extend", g.UserID, g.OperationID, int64(g.Days),
			fmt.Errorf("%s: %w", step, err))
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, false, storageErr("ошибка начала транзакции", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO subscription_grants (operation_id, tenant, user_id, plan, days)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (operation_id) DO NOTHING
	`, g.OperationID, g.Tenant, g.UserID, g.Plan, g.Days)
	if err != nil {
		return nil, false, storageErr("ошибка записи продления", err)
	}
	applied := tag.RowsAffected() == 1

	if applied {
		_, err = tx.Exec(ctx, `
			INSERT INTO subscriptions (tenant, user_id, plan, expires_at)
			VALUES ($1, $2, $3, NOW() + make_interval(days => $4))
			ON CONFLICT (tenant, user_id) DO UPDATE SET
				plan = EXCLUDED.plan,
				expires_at = GREATEST(subscriptions.expires_at, NOW()) + make_interval(days => $4),
				updated_at = NOW()
		`, g.Tenant, g.UserID, g.Plan, g.Days)
		if err != nil {
			return nil, false, storageErr("ошибка продления подписки", err)
		}
	}

	sub, err := scanSubscription(tx.QueryRow(ctx, selectSubscription, g.Tenant, g.UserID))
	if err != nil {
		return nil, false, storageErr("ошибка чтения подписки", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, storageErr("ошибка фиксации транзакции", err)
	}
	return sub, applied, nil
}

// Get возвращает подписку пользователя или nil, если её никогда не было.
func (r *Repository) Get(ctx context.Context, tenant string, userID int64) (*Subscription, error) {
	sub, err := scanSubscription(r.db.QueryRow(ctx, selectSubscription, tenant, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, common.NewStorageError("subscription_get", userID, "", 0,
			fmt.Errorf("ошибка чтения подписки: %w", err))
	}
	return sub, nil
}

const selectSubscription = `
	SELECT tenant, user_id, plan, expires_at
	FROM subscriptions
	WHERE tenant = $1 AND user_id = $2
`

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var s Subscription
	if err := row.Scan(&s.Tenant, &s.UserID, &s.Plan, &s.ExpiresAt); err != nil {
		return nil, err
	}
	return &s, nil
}
