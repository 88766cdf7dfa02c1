package members

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore — пользователи в памяти процесса (STORAGE_DRIVER=memory и тесты).
type MemoryStore struct {
	mu      sync.RWMutex
	members map[int64]*Member
	nextID  int64
}

// NewMemoryStore создаёт пустое хранилище.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{members: make(map[int64]*Member)}
}

func (s *MemoryStore) Create(ctx context.Context, m *Member) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[m.UserID]; ok {
		return false, nil
	}
	s.nextID++
	cp := *m
	cp.ID = s.nextID
	cp.JoinedAt = time.Now().UTC()
	cp.UpdatedAt = cp.JoinedAt
	s.members[m.UserID] = &cp
	return true, nil
}

func (s *MemoryStore) GetByUserID(ctx context.Context, userID int64) (*Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[userID]
	if !ok {
		return nil, fmt.Errorf("%w (user_id=%d)", ErrNotFound, userID)
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) MarkReferralPaid(ctx context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.members[userID]; ok {
		m.ReferralPaid = true
	}
	return nil
}

func (s *MemoryStore) UpdateInfo(ctx context.Context, p Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[p.UserID]
	if !ok {
		return nil
	}
	m.Username, m.FirstName, m.LastName, m.Locale = p.Username, p.FirstName, p.LastName, p.Locale
	m.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) CountReferrals(ctx context.Context, referrerID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, m := range s.members {
		if m.ReferrerID != nil && *m.ReferrerID == referrerID {
			n++
		}
	}
	return n, nil
}
