package subscriptions

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore — подписки в памяти процесса (STORAGE_DRIVER=memory и тесты).
type MemoryStore struct {
	mu     sync.Mutex
	grants map[string]Grant
	subs   map[string]*Subscription
	now    func() time.Time
}

// NewMemoryStore создаёт пустое хранилище.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		grants: make(map[string]Grant),
		subs:   make(map[string]*Subscription),
		now:    time.Now,
	}
}

func (s *MemoryStore) Extend(ctx context.Context, g Grant) (*Subscription, bool, error) {
	if err := validateGrant(g); err != nil {
		return nil, false, err
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := subKey(g.Tenant, g.UserID)
	_, seen := s.grants[g.OperationID]
	if !seen {
		s.grants[g.OperationID] = g
		sub, ok := s.subs[key]
		if !ok {
			sub = &Subscription{Tenant: g.Tenant, UserID: g.UserID}
			s.subs[key] = sub
		}
		from := s.now()
		if sub.ExpiresAt.After(from) {
			from = sub.ExpiresAt
		}
		sub.Plan = g.Plan
		sub.ExpiresAt = from.AddDate(0, 0, g.Days)
	}

	cp := *s.subs[key]
	return &cp, !seen, nil
}

func (s *MemoryStore) Get(ctx context.Context, tenant string, userID int64) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[subKey(tenant, userID)]
	if !ok {
		return nil, nil
	}
	cp := *sub
	return &cp, nil
}

func subKey(tenant string, userID int64) string {
	return fmt.Sprintf("%s:%d", tenant, userID)
}
