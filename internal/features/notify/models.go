// Package notify доставляет пользователям уведомления о движении звёзд.
// Доставка асинхронная: платёж не ждёт Telegram и не падает из-за него.
package notify

import "context"

// Notification — событие об изменении баланса.
type Notification struct {
	Tenant       string
	UserID       int64
	OperationID  string
	Category     string
	Income       bool  // true — начисление, false — списание
	Amount       int64 // Модуль суммы
	AmountBefore int64
	AmountAfter  int64
	Description  string
	Locale       string
	// CopyToAdmins — продублировать администраторам (возвраты, ручные операции)
	CopyToAdmins bool
}

// Sink — получатель уведомлений (Telegram, лог, тестовый стаб).
type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

// SinkFunc позволяет использовать функцию как Sink.
type SinkFunc func(ctx context.Context, n Notification) error

func (f SinkFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }
