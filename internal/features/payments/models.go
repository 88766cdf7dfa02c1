// Package payments — платёжный процессор звёзд: списания, начисления,
// возвраты, админские продления, покупка подписок и пополнения через Telegram.
// Все операции проходят через Processor.Process, который отвечает за
// идемпотентность, проверку средств, инвалидацию кэша и уведомления.
package payments

import (
	"context"

	"serotonyl.ru/starsbot/internal/features/ledger"
	"serotonyl.ru/starsbot/internal/features/notify"
	"serotonyl.ru/starsbot/internal/features/subscriptions"
)

// Operation — запрос на движение звёзд.
type Operation struct {
	UserID          int64
	OperationID     string // Ключ идемпотентности
	AmountMinor     int64  // Модуль суммы, знак задаёт Direction
	Direction       ledger.Direction
	Category        string
	Bypass          bool // Списать без проверки баланса (возвраты, админка)
	Metadata        ledger.Metadata
	CurrencyContext *ledger.CurrencyContext
	Locale          string
	Description     string
	AllowZero       bool // Только для админского продления: нулевая запись-пометка
}

// Result — итог операции. Бизнес-отказ: Success=false и Reason.
// Инфраструктурные сбои возвращаются отдельной ошибкой.
type Result struct {
	Success    bool   `json:"success"`
	NewBalance int64  `json:"new_balance"`
	RecordID   string `json:"record_id,omitempty"`
	Replayed   bool   `json:"replayed"`
	Reason     error  `json:"-"`
}

// RefundRequest — возврат ранее списанной операции.
type RefundRequest struct {
	OriginalOperationID string
	OperatorID          int64 // 0 — автоматический возврат
	Reason              string
	Locale              string
}

// RenewalRequest — админское продление подписки, с начислением звёзд или без.
type RenewalRequest struct {
	UserID      int64
	OperationID string
	Plan        string
	Days        int   // 0 — взять срок из тарифа
	AmountMinor int64 // 0 — только продление
	OperatorID  int64
	Reason      string
}

// GrantRequest — ручное начисление звёзд администратором.
type GrantRequest struct {
	UserID      int64
	OperationID string
	AmountMinor int64
	OperatorID  int64
	Reason      string
}

// TopUpRequest — успешная оплата пакета звёзд в Telegram.
type TopUpRequest struct {
	UserID           int64
	TelegramChargeID string
	ProviderChargeID string
	Pack             string
	Stars            int64
	Currency         string
	TotalAmount      int64
	Locale           string
}

// BalanceResolver — кэш балансов поверх агрегата.
type BalanceResolver interface {
	Get(ctx context.Context, tenant string, userID int64) (int64, error)
	Invalidate(ctx context.Context, tenant string, userID int64) error
	Refresh(ctx context.Context, tenant string, userID int64) (int64, error)
}

// Notifier — неблокирующая очередь уведомлений.
type Notifier interface {
	Enqueue(n notify.Notification) bool
}

// SubscriptionExtender продлевает подписку идемпотентно по operation_id.
type SubscriptionExtender interface {
	Extend(ctx context.Context, operationID string, userID int64, plan string, days int) (*subscriptions.Subscription, error)
}
