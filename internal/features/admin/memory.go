package admin

import (
	"context"
	"sync"
	"time"

	"serotonyl.ru/starsbot/internal/common"
)

type loginAttempt struct {
	userID  int64
	at      time.Time
	success bool
}

// MemoryStore — сессии в памяти (STORAGE_DRIVER=memory и тесты). Перезапуск сбрасывает вход.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[int64]*AdminSession
	attempts []loginAttempt
	nextID   int64
	now      func() time.Time
}

// NewMemoryStore создаёт пустое хранилище.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[int64]*AdminSession), now: time.Now}
}

func (s *MemoryStore) CreateSession(ctx context.Context, session *AdminSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	session.ID = s.nextID
	session.AuthenticatedAt = s.now()
	session.LastActivity = session.AuthenticatedAt
	session.IsActive = true
	cp := *session
	s.sessions[session.UserID] = &cp
	return nil
}

func (s *MemoryStore) GetActiveSession(ctx context.Context, userID int64) (*AdminSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[userID]
	if !ok || !sess.IsActive || !sess.ExpiresAt.After(s.now()) {
		return nil, common.ErrSessionExpired
	}
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) DeactivateSession(ctx context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[userID]; ok {
		sess.IsActive = false
	}
	return nil
}

func (s *MemoryStore) UpdateActivity(ctx context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[userID]; ok && sess.IsActive {
		sess.LastActivity = s.now()
	}
	return nil
}

func (s *MemoryStore) LogAttempt(ctx context.Context, userID int64, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, loginAttempt{userID: userID, at: s.now(), success: success})
	return nil
}

func (s *MemoryStore) CountFailedAttempts(ctx context.Context, userID int64, window time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	since := s.now().Add(-window)
	count := 0
	for _, a := range s.attempts {
		if a.userID == userID && !a.success && !a.at.Before(since) {
			count++
		}
	}
	return count, nil
}
