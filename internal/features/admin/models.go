// Package admin реализует админку бота с парольной аутентификацией:
// вход по паролю (Argon2id), сессии на 24 часа и ручные операции со звёздами.
// models.go описывает структуры сессий, попыток входа и состояние диалога.
package admin

import (
	"context"
	"time"
)

// AdminSession — активная сессия администратора.
type AdminSession struct {
	ID              int64     `db:"id"`
	UserID          int64     `db:"user_id"`
	SessionToken    string    `db:"session_token"`
	AuthenticatedAt time.Time `db:"authenticated_at"`
	ExpiresAt       time.Time `db:"expires_at"`
	LastActivity    time.Time `db:"last_activity"`
	IsActive        bool      `db:"is_active"`
}

// AdminState — состояние диалога с админом.
type AdminState struct {
	State     string    // Текущее состояние ("", "awaiting_password")
	ExpiresAt time.Time // Когда состояние истекает (5 минут)
}

// Возможные состояния админ-диалога
const (
	StateNone             = ""                  // Нет активного состояния
	StateAwaitingPassword = "awaiting_password" // Ждём пароль
)

// Ограничения входа
const (
	maxFailedAttempts = 3
	attemptsWindow    = time.Hour
	sessionTTL        = 24 * time.Hour
	stateTTL          = 5 * time.Minute
)

// Store — хранилище сессий и попыток входа.
type Store interface {
	CreateSession(ctx context.Context, session *AdminSession) error
	// GetActiveSession без живой сессии возвращает common.ErrSessionExpired.
	GetActiveSession(ctx context.Context, userID int64) (*AdminSession, error)
	DeactivateSession(ctx context.Context, userID int64) error
	UpdateActivity(ctx context.Context, userID int64) error
	LogAttempt(ctx context.Context, userID int64, success bool) error
	CountFailedAttempts(ctx context.Context, userID int64, window time.Duration) (int, error)
}
