package ledger

import (
	"context"
	"fmt"
	"time"

	"serotonyl.ru/starsbot/internal/common"
)

// Store — хранилище платёжных записей. Реализации: Repository (PostgreSQL) и MemoryStore.
type Store interface {
	// Append вставляет запись. Повтор operation_id — *DuplicateError с исходной записью.
	// При check.RequireFunds недостаток средств проверяется в той же транзакции.
	Append(ctx context.Context, rec *PaymentRecord, check AppendCheck) (*AppendResult, error)
	// AggregateBalance считает баланс одним агрегатным запросом.
	AggregateBalance(ctx context.Context, tenant string, userID int64) (int64, error)
	// GetByOperationID возвращает запись или common.ErrRecordNotFound.
	GetByOperationID(ctx context.Context, operationID string) (*PaymentRecord, error)
	// ListRecords возвращает записи пользователя от новых к старым.
	ListRecords(ctx context.Context, f Filter) ([]*PaymentRecord, error)
	// Stats — суммарные начисления и списания пользователя.
	Stats(ctx context.Context, tenant string, userID int64) (*Stats, error)
	// ActiveUsers — пользователи с записями начиная с since.
	ActiveUsers(ctx context.Context, tenant string, since time.Time) ([]int64, error)
}

// DuplicateError — запись с таким operation_id уже есть.
// errors.Is(err, common.ErrDuplicateOperation) == true.
type DuplicateError struct {
	Existing *PaymentRecord
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%s: operation_id=%s", common.ErrDuplicateOperation, e.Existing.OperationID)
}

func (e *DuplicateError) Is(target error) bool { return target == common.ErrDuplicateOperation }

// validate проверяет инварианты записи до похода в хранилище.
func validate(rec *PaymentRecord) error {
	if rec.OperationID == "" || rec.UserID == 0 || rec.Tenant == "" || !rec.Direction.Valid() {
		return common.ErrInvalidOperation
	}
	if rec.Category == "" {
		return fmt.Errorf("%w: пустая категория", common.ErrInvalidOperation)
	}
	if rec.AmountMinor < 0 {
		return common.ErrInvalidAmount
	}
	if rec.AmountMinor == 0 && !rec.NoOp {
		return common.ErrInvalidAmount
	}
	if rec.NoOp && (rec.AmountMinor != 0 || rec.Direction != DirectionIncome) {
		return fmt.Errorf("%w: нулевая запись должна быть INCOME с суммой 0", common.ErrInvalidAmount)
	}
	if rec.Status == "" {
		rec.Status = StatusCompleted
	}
	return nil
}

// insufficient проверяет достаточность средств для списания.
func insufficient(rec *PaymentRecord, check AppendCheck, balance int64) bool {
	return check.RequireFunds && rec.Direction == DirectionOutcome && balance < rec.AmountMinor
}
