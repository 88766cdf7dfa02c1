package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"serotonyl.ru/starsbot/internal/common"
)

// MemoryStore — хранилище в памяти с той же семантикой, что и Repository.
// Используется в тестах и при STORAGE_DRIVER=memory.
type MemoryStore struct {
	mu       sync.RWMutex
	records  []*PaymentRecord
	byOpID   map[string]*PaymentRecord
	failNext error // для тестов: следующий вызов вернёт эту ошибку
	now      func() time.Time
}

// NewMemoryStore создаёт пустое хранилище.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byOpID: make(map[string]*PaymentRecord),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// FailNext заставляет следующую операцию вернуть StorageError с err.
func (s *MemoryStore) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

func (s *MemoryStore) takeFailure() error {
	err := s.failNext
	s.failNext = nil
	return err
}

// Append — см. Store.Append. Весь шаг выполняется под одной блокировкой.
func (s *MemoryStore) Append(ctx context.Context, rec *PaymentRecord, check AppendCheck) (*AppendResult, error) {
	if err := validate(rec); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, common.NewStorageError("append", rec.UserID, rec.OperationID, rec.AmountMinor, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailure(); err != nil {
		return nil, common.NewStorageError("append", rec.UserID, rec.OperationID, rec.AmountMinor, err)
	}
	if existing, ok := s.byOpID[rec.OperationID]; ok {
		return nil, &DuplicateError{Existing: clone(existing)}
	}

	before := s.balanceLocked(rec.Tenant, rec.UserID)
	if insufficient(rec, check, before) {
		return nil, fmt.Errorf("%w: нужно %d, есть %d", common.ErrInsufficientFunds, rec.AmountMinor, before)
	}

	if rec.ID == "" {
		id, err := NewRecordID()
		if err != nil {
			return nil, err
		}
		rec.ID = id
	}
	rec.CreatedAt = s.now()

	stored := clone(rec)
	s.records = append(s.records, stored)
	s.byOpID[rec.OperationID] = stored

	return &AppendResult{
		Record:        clone(stored),
		BalanceBefore: before,
		BalanceAfter:  before + stored.SignedAmount(),
	}, nil
}

// AggregateBalance считает баланс проходом по записям.
func (s *MemoryStore) AggregateBalance(ctx context.Context, tenant string, userID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return 0, common.NewStorageError("aggregate", userID, "", 0, err)
	}
	return s.balanceLocked(tenant, userID), nil
}

func (s *MemoryStore) balanceLocked(tenant string, userID int64) int64 {
	var sum int64
	for _, r := range s.records {
		if r.Tenant == tenant && r.UserID == userID {
			sum += r.SignedAmount()
		}
	}
	return sum
}

// GetByOperationID возвращает копию записи.
func (s *MemoryStore) GetByOperationID(ctx context.Context, operationID string) (*PaymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, common.NewStorageError("lookup", 0, operationID, 0, err)
	}
	rec, ok := s.byOpID[operationID]
	if !ok {
		return nil, fmt.Errorf("%w (operation_id=%s)", common.ErrRecordNotFound, operationID)
	}
	return clone(rec), nil
}

// ListRecords фильтрует записи так же, как SQL-версия.
func (s *MemoryStore) ListRecords(ctx context.Context, f Filter) ([]*PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*PaymentRecord
	for i := len(s.records) - 1; i >= 0; i-- {
		r := s.records[i]
		if r.Tenant != f.Tenant || r.UserID != f.UserID {
			continue
		}
		if f.Direction != "" && r.Direction != f.Direction {
			continue
		}
		if f.Category != "" && r.Category != f.Category {
			continue
		}
		if !f.Since.IsZero() && r.CreatedAt.Before(f.Since) {
			continue
		}
		out = append(out, clone(r))
	}

	offset := max(f.Offset, 0)
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit := f.limit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Stats — суммы по направлениям.
func (s *MemoryStore) Stats(ctx context.Context, tenant string, userID int64) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Stats
	for _, r := range s.records {
		if r.Tenant != tenant || r.UserID != userID {
			continue
		}
		st.Records++
		if r.Status != StatusCompleted {
			continue
		}
		if r.Direction == DirectionIncome {
			st.TotalIncome += r.AmountMinor
		} else {
			st.TotalOutcome += r.AmountMinor
		}
	}
	return &st, nil
}

// ActiveUsers — уникальные пользователи с записями начиная с since.
func (s *MemoryStore) ActiveUsers(ctx context.Context, tenant string, since time.Time) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[int64]struct{})
	var ids []int64
	for _, r := range s.records {
		if r.Tenant != tenant || r.CreatedAt.Before(since) {
			continue
		}
		if _, ok := seen[r.UserID]; ok {
			continue
		}
		seen[r.UserID] = struct{}{}
		ids = append(ids, r.UserID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func clone(r *PaymentRecord) *PaymentRecord {
	c := *r
	if r.CurrencyContext != nil {
		cc := *r.CurrencyContext
		c.CurrencyContext = &cc
	}
	return &c
}
