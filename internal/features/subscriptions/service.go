package subscriptions

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// Service — продление и проверка подписок одного тенанта.
type Service struct {
	store  Store
	tenant string
	now    func() time.Time
}

// NewService создаёт сервис подписок.
func NewService(store Store, tenant string) *Service {
	return &Service{store: store, tenant: tenant, now: time.Now}
}

// Extend продлевает подписку на days дней. Повтор с тем же operationID ничего не меняет.
func (s *Service) Extend(ctx context.Context, operationID string, userID int64, plan string, days int) (*Subscription, error) {
	sub, applied, err := s.store.Extend(ctx, Grant{
		OperationID: operationID,
		Tenant:      s.tenant,
		UserID:      userID,
		Plan:        plan,
		Days:        days,
	})
	if err != nil {
		return nil, err
	}

	logger := log.WithFields(log.Fields{
		"user_id":      userID,
		"operation_id": operationID,
		"plan":         plan,
		"days":         days,
	})
	if applied {
		logger.WithField("expires_at", sub.ExpiresAt).Info("Подписка продлена")
	} else {
		logger.Debug("Продление уже применено")
	}
	return sub, nil
}

// Active возвращает действующую подписку или nil.
func (s *Service) Active(ctx context.Context, userID int64) (*Subscription, error) {
	sub, err := s.store.Get(ctx, s.tenant, userID)
	if err != nil {
		return nil, err
	}
	if !sub.ActiveAt(s.now()) {
		return nil, nil
	}
	return sub, nil
}
