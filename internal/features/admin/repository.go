// Package admin — repository.go хранит сессии и попытки входа в PostgreSQL
// (таблицы admin_sessions и admin_login_attempts).
package admin

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"serotonyl.ru/starsbot/internal/common"
	"serotonyl.ru/starsbot/internal/db/postgres"
)

// Repository — Store поверх PostgreSQL.
// Отсутствие сессии — common.ErrSessionExpired, сбой базы — *common.StorageError.
type Repository struct {
	db postgres.DB
}

func NewRepository(db postgres.DB) *Repository {
	return &Repository{db: db}
}

// CreateSession открывает сессию и закрывает предыдущие: у админа одна живая сессия.
func (r *Repository) CreateSession(ctx context.Context, session *AdminSession) error {
	query := `
		WITH closed AS (
			UPDATE admin_sessions SET is_active = FALSE
			WHERE user_id = $1 AND is_active
		)
		INSERT INTO admin_sessions (user_id, session_token, expires_at)
		VALUES ($1, $2, $3)
		RETURNING id, authenticated_at, last_activity, is_active
	`
	err := r.db.QueryRow(ctx, query, session.UserID, session.SessionToken, session.ExpiresAt).Scan(
		&session.ID, &session.AuthenticatedAt, &session.LastActivity, &session.IsActive,
	)
	return storageErr("admin_session_create", session.UserID, err)
}

// GetActiveSession — последняя неистёкшая сессия администратора.
func (r *Repository) GetActiveSession(ctx context.Context, userID int64) (*AdminSession, error) {
	query := `
		SELECT id, user_id, session_token, authenticated_at, expires_at, last_activity, is_active
		FROM admin_sessions
		WHERE user_id = $1 AND is_active AND expires_at > NOW()
		ORDER BY authenticated_at DESC
		LIMIT 1
	`
	s := &AdminSession{}
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&s.ID, &s.UserID, &s.SessionToken, &s.AuthenticatedAt,
		&s.ExpiresAt, &s.LastActivity, &s.IsActive,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, common.ErrSessionExpired
	}
	if err != nil {
		return nil, storageErr("admin_session_get", userID, err)
	}
	return s, nil
}

func (r *Repository) DeactivateSession(ctx context.Context, userID int64) error {
	_, err := r.db.Exec(ctx, `UPDATE admin_sessions SET is_active = FALSE WHERE user_id = $1 AND is_active`, userID)
	return storageErr("admin_session_close", userID, err)
}

func (r *Repository) UpdateActivity(ctx context.Context, userID int64) error {
	_, err := r.db.Exec(ctx, `UPDATE admin_sessions SET last_activity = NOW() WHERE user_id = $1 AND is_active`, userID)
	return storageErr("admin_session_touch", userID, err)
}

func (r *Repository) LogAttempt(ctx context.Context, userID int64, success bool) error {
	_, err := r.db.Exec(ctx, `INSERT INTO admin_login_attempts (user_id, success) VALUES ($1, $2)`, userID, success)
	return storageErr("admin_attempt_log", userID, err)
}

// CountFailedAttempts — неудачные входы за последние window. Окно считается
// по часам базы, как и expires_at сессий.
func (r *Repository) CountFailedAttempts(ctx context.Context, userID int64, window time.Duration) (int, error) {
	query := `
		SELECT COUNT(*) FROM admin_login_attempts
		WHERE user_id = $1 AND NOT success
		  AND attempt_time >= NOW() - make_interval(secs => $2)
	`
	var n int
	if err := r.db.QueryRow(ctx, query, userID, window.Seconds()).Scan(&n); err != nil {
		return 0, storageErr("admin_attempt_count", userID, err)
	}
	return n, nil
}

func storageErr(op string, userID int64, err error) error {
	return common.NewStorageError(op, userID, "", 0, err)
}
