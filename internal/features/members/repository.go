// Package members — repository.go отвечает за все операции с таблицей members в БД.
// Каждая функция выполняет один SQL-запрос и возвращает результат или ошибку.
package members

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"serotonyl.ru/starsbot/internal/db/postgres"
)

// ErrNotFound — пользователь не зарегистрирован.
var ErrNotFound = errors.New("пользователь не найден")

type Repository struct {
	db postgres.DB
}

func NewRepository(db postgres.DB) *Repository {
	return &Repository{db: db}
}

// Create добавляет пользователя. На конфликте по user_id ничего не меняет:
// реферер фиксируется только при первом контакте.
func (r *Repository) Create(ctx context.Context, m *Member) (bool, error) {
	query := `
		INSERT INTO members (user_id, username, first_name, last_name, locale, referrer_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO NOTHING
	`
	tag, err := r.db.Exec(ctx, query,
		m.UserID, m.Username, m.FirstName, m.LastName, m.Locale, m.ReferrerID,
	)
	if err != nil {
		return false, fmt.Errorf("ошибка создания участника: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetByUserID: если не найден — ErrNotFound.
func (r *Repository) GetByUserID(ctx context.Context, userID int64) (*Member, error) {
	query := `
		SELECT id, user_id, COALESCE(username, ''), first_name, COALESCE(last_name, ''),
		       locale, referrer_id, referral_paid, is_banned, joined_at, updated_at
		FROM members
		WHERE user_id = $1
	`
	var m Member
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&m.ID, &m.UserID, &m.Username, &m.FirstName, &m.LastName,
		&m.Locale, &m.ReferrerID, &m.ReferralPaid, &m.IsBanned, &m.JoinedAt, &m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w (user_id=%d)", ErrNotFound, userID)
		}
		return nil, fmt.Errorf("ошибка чтения участника (user_id=%d): %w", userID, err)
	}
	return &m, nil
}

func (r *Repository) MarkReferralPaid(ctx context.Context, userID int64) error {
	query := `UPDATE members SET referral_paid = TRUE, updated_at = NOW() WHERE user_id = $1`
	if _, err := r.db.Exec(ctx, query, userID); err != nil {
		return fmt.Errorf("ошибка отметки реферального бонуса: %w", err)
	}
	return nil
}

func (r *Repository) UpdateInfo(ctx context.Context, p Profile) error {
	query := `
		UPDATE members
		SET username = $2, first_name = $3, last_name = $4, locale = $5, updated_at = NOW()
		WHERE user_id = $1
	`
	if _, err := r.db.Exec(ctx, query, p.UserID, p.Username, p.FirstName, p.LastName, p.Locale); err != nil {
		return fmt.Errorf("ошибка обновления данных участника: %w", err)
	}
	return nil
}

// CountReferrals — сколько пользователей пригласил referrerID.
func (r *Repository) CountReferrals(ctx context.Context, referrerID int64) (int64, error) {
	var n int64
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM members WHERE referrer_id = $1`, referrerID).Scan(&n); err != nil {
		return 0, fmt.Errorf("ошибка подсчёта приглашённых: %w", err)
	}
	return n, nil
}
