// Package ledger хранит неизменяемые платёжные записи (звёзды) и считает
// баланс агрегатом по ним. Баланс нигде не хранится как счётчик: его всегда
// можно пересчитать из записей.
// models.go описывает запись, направления, статусы и фильтры.
package ledger

import (
	"fmt"
	"time"

	"go.jetify.com/typeid/v2"
)

// Direction — направление движения звёзд. Знак суммы определяется только им.
type Direction string

const (
	DirectionIncome  Direction = "INCOME"  // Начисление
	DirectionOutcome Direction = "OUTCOME" // Списание
)

// Valid проверяет, что направление известно.
func (d Direction) Valid() bool {
	return d == DirectionIncome || d == DirectionOutcome
}

// Status — статус записи. В баланс попадают только COMPLETED.
type Status string

const (
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusPending   Status = "PENDING"
)

// Категории операций
const (
	CategoryImageGeneration      = "image_generation"
	CategoryVideoGeneration      = "video_generation"
	CategorySubscriptionPurchase = "subscription_purchase"
	CategoryTopUp                = "topup"
	CategoryReferralBonus        = "referral_bonus"
	CategoryAdminRenewal         = "admin_renewal"
	CategoryAdminGrant           = "admin_grant"
	CategoryRefund               = "refund"
)

// recordIDPrefix — префикс TypeID платёжных записей: pay_01h2xcejqtf2nbrexx3vqjhp41
const recordIDPrefix = "pay"

// CurrencyContext — фиатная сумма, за которую куплены звёзды. Только для истории.
type CurrencyContext struct {
	Currency    string `json:"currency"`
	AmountMinor int64  `json:"amount_minor"`
}

// PaymentRecord — одна платёжная запись. После вставки не меняется и не удаляется.
type PaymentRecord struct {
	ID              string           `json:"id"`
	Tenant          string           `json:"tenant"`
	UserID          int64            `json:"user_id"`
	OperationID     string           `json:"operation_id"` // Ключ идемпотентности, уникален глобально
	AmountMinor     int64            `json:"amount_minor"` // Всегда >= 0
	Direction       Direction        `json:"direction"`
	Status          Status           `json:"status"`
	Category        string           `json:"category"`
	CurrencyContext *CurrencyContext `json:"currency_context,omitempty"`
	Metadata        Metadata         `json:"-"`
	NoOp            bool             `json:"noop"` // Нулевая админская запись, в арифметике не участвует
	CreatedAt       time.Time        `json:"created_at"`
}

// SignedAmount возвращает сумму со знаком для подсчёта баланса.
func (r *PaymentRecord) SignedAmount() int64 {
	if r.Status != StatusCompleted || r.NoOp {
		return 0
	}
	if r.Direction == DirectionOutcome {
		return -r.AmountMinor
	}
	return r.AmountMinor
}

// SameOperation сообщает, описывает ли other ту же бизнес-операцию.
// Используется при повторе operation_id.
func (r *PaymentRecord) SameOperation(other *PaymentRecord) bool {
	return r.Tenant == other.Tenant &&
		r.UserID == other.UserID &&
		r.Direction == other.Direction &&
		r.AmountMinor == other.AmountMinor
}

// AppendCheck — что проверить внутри транзакции вставки.
type AppendCheck struct {
	// RequireFunds — для OUTCOME без bypass: баланс перепроверяется под блокировкой пользователя
	RequireFunds bool
}

// AppendResult — итог вставки. BalanceBefore/After посчитаны в той же транзакции.
type AppendResult struct {
	Record        *PaymentRecord
	BalanceBefore int64
	BalanceAfter  int64
}

// Filter — выборка записей для истории и API.
type Filter struct {
	Tenant    string
	UserID    int64
	Direction Direction // пусто — оба направления
	Category  string    // пусто — все категории
	Since     time.Time // нулевое — без ограничения
	Limit     int
	Offset    int
}

// Stats — сводка по пользователю для команды !история.
type Stats struct {
	TotalIncome  int64
	TotalOutcome int64
	Records      int64
}

// NewRecordID генерирует идентификатор записи.
func NewRecordID() (string, error) {
	tid, err := typeid.Generate(recordIDPrefix)
	if err != nil {
		return "", fmt.Errorf("ошибка генерации id записи: %w", err)
	}
	return tid.String(), nil
}

const (
	defaultListLimit = 20
	maxListLimit     = 200
)

func (f Filter) limit() int {
	switch {
	case f.Limit <= 0:
		return defaultListLimit
	case f.Limit > maxListLimit:
		return maxListLimit
	default:
		return f.Limit
	}
}
