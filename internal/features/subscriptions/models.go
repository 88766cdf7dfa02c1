// Package subscriptions хранит подписки пользователей и историю их продлений.
// Продление идемпотентно по operation_id: повторный вызов с тем же ключом
// не сдвигает дату окончания второй раз.
package subscriptions

import (
	"context"
	"fmt"
	"sort"
	"time"

	"serotonyl.ru/starsbot/internal/common"
)

// Plan — тариф подписки.
type Plan struct {
	Code  string
	Days  int
	Price int64 // Стоимость в звёздах
}

// Тарифы
var plans = map[string]Plan{
	"week":  {Code: "week", Days: 7, Price: 150},
	"month": {Code: "month", Days: 30, Price: 500},
	"year":  {Code: "year", Days: 365, Price: 4500},
}

// FindPlan возвращает тариф по коду или common.ErrUnknownPlan.
func FindPlan(code string) (Plan, error) {
	p, ok := plans[code]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %q", common.ErrUnknownPlan, code)
	}
	return p, nil
}

// Plans возвращает все тарифы, от короткого к длинному.
func Plans() []Plan {
	out := make([]Plan, 0, len(plans))
	for _, p := range plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Days < out[j].Days })
	return out
}

// Subscription — текущая подписка пользователя.
type Subscription struct {
	Tenant    string    `json:"tenant"`
	UserID    int64     `json:"user_id"`
	Plan      string    `json:"plan"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ActiveAt сообщает, действует ли подписка в момент t.
func (s *Subscription) ActiveAt(t time.Time) bool {
	return s != nil && s.ExpiresAt.After(t)
}

// Grant — одно продление.
type Grant struct {
	OperationID string
	Tenant      string
	UserID      int64
	Plan        string
	Days        int
}

// Store — хранилище подписок. Реализации: Repository (PostgreSQL) и MemoryStore.
type Store interface {
	// Extend применяет продление, если operation_id ещё не встречался,
	// и возвращает подписку после него. applied=false — продление уже было.
	Extend(ctx context.Context, g Grant) (sub *Subscription, applied bool, err error)
	// Get возвращает подписку (в том числе истёкшую) или nil.
	Get(ctx context.Context, tenant string, userID int64) (*Subscription, error)
}

func validateGrant(g Grant) error {
	if g.OperationID == "" || g.UserID == 0 || g.Tenant == "" {
		return common.ErrInvalidOperation
	}
	if g.Days <= 0 {
		return fmt.Errorf("%w: срок продления %d дн.", common.ErrInvalidAmount, g.Days)
	}
	return nil
}
