// Package members управляет пользователями бота: регистрацией, языком
// интерфейса и реферальными связями.
// models.go описывает структуры данных для работы с таблицей members.
package members

import (
	"context"
	"time"
)

// Member — пользователь бота.
type Member struct {
	ID           int64     `db:"id"`            // Автоинкрементный ID записи в БД
	UserID       int64     `db:"user_id"`       // Telegram user ID (уникальный)
	Username     string    `db:"username"`      // @username (может быть пустым)
	FirstName    string    `db:"first_name"`    // Имя пользователя
	LastName     string    `db:"last_name"`     // Фамилия (может быть пустой)
	Locale       string    `db:"locale"`        // language_code из Telegram
	ReferrerID   *int64    `db:"referrer_id"`   // Кто пригласил (nil — пришёл сам)
	ReferralPaid bool      `db:"referral_paid"` // Бонус пригласившему уже зачислен
	IsBanned     bool      `db:"is_banned"`     // Флаг бана
	JoinedAt     time.Time `db:"joined_at"`     // Первый контакт с ботом
	UpdatedAt    time.Time `db:"updated_at"`    // Последнее обновление записи
}

// Profile — данные пользователя из апдейта Telegram.
// Используется и при регистрации, и при обновлении: имя, username и язык могли измениться.
type Profile struct {
	UserID    int64
	Username  string
	FirstName string
	LastName  string
	Locale    string
}

// DisplayName возвращает отображаемое имя пользователя.
// Если есть @username — возвращает его, иначе — имя + фамилию.
func (m *Member) DisplayName() string {
	if m.Username != "" {
		return "@" + m.Username
	}
	name := m.FirstName
	if m.LastName != "" {
		name += " " + m.LastName
	}
	return name
}

// Store — хранилище пользователей. Реализации: Repository (PostgreSQL) и MemoryStore.
type Store interface {
	// Create регистрирует пользователя. created=false — он уже был, запись не менялась.
	Create(ctx context.Context, m *Member) (created bool, err error)
	GetByUserID(ctx context.Context, userID int64) (*Member, error)
	UpdateInfo(ctx context.Context, p Profile) error
	// MarkReferralPaid отмечает, что бонус за приглашение userID зачислен.
	MarkReferralPaid(ctx context.Context, userID int64) error
	CountReferrals(ctx context.Context, referrerID int64) (int64, error)
}

// ReferralRewarder начисляет бонус пригласившему.
type ReferralRewarder interface {
	RewardReferral(ctx context.Context, referrerID, newUserID int64, locale string) error
}
