package payments

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/starsbot/internal/common"
	"serotonyl.ru/starsbot/internal/features/ledger"
	"serotonyl.ru/starsbot/internal/features/notify"
	"serotonyl.ru/starsbot/internal/metrics"
)

// Deps — зависимости процессора.
type Deps struct {
	Store         ledger.Store
	Balances      BalanceResolver
	Notifier      Notifier
	Subscriptions SubscriptionExtender
}

// Options — настройки процессора.
type Options struct {
	Tenant         string
	StorageTimeout time.Duration
	ReferralBonus  int64
}

// Processor проводит платёжные операции одного тенанта.
type Processor struct {
	store    ledger.Store
	balances BalanceResolver
	notifier Notifier
	subs     SubscriptionExtender
	opts     Options
	metrics  *metrics.Metrics
}

// NewProcessor создаёт процессор.
func NewProcessor(d Deps, opts Options, m *metrics.Metrics) *Processor {
	if opts.StorageTimeout <= 0 {
		opts.StorageTimeout = 5 * time.Second
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Processor{
		store:    d.Store,
		balances: d.Balances,
		notifier: d.Notifier,
		subs:     d.Subscriptions,
		opts:     opts,
		metrics:  m,
	}
}

// Tenant возвращает тенанта, балансы которого ведёт процессор.
func (p *Processor) Tenant() string { return p.opts.Tenant }

// Process проводит операцию.
//
// Порядок:
//  1. валидация суммы и operation_id
//  2. поиск уже проведённой операции (повтор возвращает исходный результат)
//  3. для списания — проверка баланса через кэш, отказ только после пересчёта агрегата
//  4. вставка с повторной проверкой средств в той же транзакции
//  5. инвалидация кэша и новый баланс
//  6. уведомление в очередь
func (p *Processor) Process(ctx context.Context, op Operation) (*Result, error) {
	start := time.Now()
	defer func() {
		p.metrics.PaymentDuration.WithLabelValues(string(op.Direction)).Observe(time.Since(start).Seconds())
	}()

	logger := log.WithFields(log.Fields{
		"user_id":      op.UserID,
		"operation_id": op.OperationID,
		"amount":       op.AmountMinor,
		"direction":    op.Direction,
		"category":     op.Category,
	})

	if reason := validateOperation(op); reason != nil {
		logger.WithError(reason).Info("Операция отклонена")
		return p.reject(op, reason), nil
	}

	existing, err := p.lookup(ctx, op.OperationID)
	if err != nil {
		return p.fail(op, logger, "lookup", err)
	}
	if existing != nil {
		return p.replay(ctx, op, existing, logger)
	}

	if op.Direction == ledger.DirectionOutcome && !op.Bypass {
		ok, err := p.hasFunds(ctx, op)
		if err != nil {
			return p.fail(op, logger, "balance", err)
		}
		if !ok {
			logger.Info("Недостаточно звёзд")
			return p.reject(op, common.ErrInsufficientFunds), nil
		}
	}

	rec := &ledger.PaymentRecord{
		Tenant:          p.opts.Tenant,
		UserID:          op.UserID,
		OperationID:     op.OperationID,
		AmountMinor:     op.AmountMinor,
		Direction:       op.Direction,
		Status:          ledger.StatusCompleted,
		Category:        op.Category,
		CurrencyContext: op.CurrencyContext,
		Metadata:        op.Metadata,
		NoOp:            op.AmountMinor == 0,
	}

	sctx, cancel := context.WithTimeout(ctx, p.opts.StorageTimeout)
	res, err := p.store.Append(sctx, rec, ledger.AppendCheck{
		RequireFunds: op.Direction == ledger.DirectionOutcome && !op.Bypass,
	})
	cancel()

	var dup *ledger.DuplicateError
	switch {
	case errors.As(err, &dup):
		return p.replay(ctx, op, dup.Existing, logger)
	case errors.Is(err, common.ErrInsufficientFunds):
		logger.Info("Недостаточно звёзд (проверка в транзакции)")
		return p.reject(op, common.ErrInsufficientFunds), nil
	case err != nil && common.IsBusiness(err):
		logger.WithError(err).Info("Операция отклонена хранилищем")
		return p.reject(op, err), nil
	case err != nil:
		return p.fail(op, logger, "append", err)
	}

	newBalance, err := p.balances.Refresh(ctx, p.opts.Tenant, op.UserID)
	if err != nil {
		logger.WithError(err).Warn("Не удалось пересчитать баланс после записи, берём значение из транзакции")
		newBalance = res.BalanceAfter
	}

	if op.Bypass && op.Direction == ledger.DirectionOutcome {
		logger.WithFields(log.Fields{
			"balance_before": res.BalanceBefore,
			"balance_after":  res.BalanceAfter,
		}).Warn("Списание без проверки баланса")
	}

	p.notifier.Enqueue(notify.Notification{
		Tenant:       p.opts.Tenant,
		UserID:       op.UserID,
		OperationID:  op.OperationID,
		Category:     op.Category,
		Income:       op.Direction == ledger.DirectionIncome,
		Amount:       op.AmountMinor,
		AmountBefore: res.BalanceBefore,
		AmountAfter:  res.BalanceAfter,
		Description:  describe(op),
		Locale:       op.Locale,
		CopyToAdmins: op.Bypass,
	})

	p.metrics.PaymentsTotal.WithLabelValues(string(op.Direction), op.Category, "success").Inc()
	logger.WithField("new_balance", newBalance).Info("Операция проведена")

	return &Result{
		Success:    true,
		NewBalance: newBalance,
		RecordID:   res.Record.ID,
	}, nil
}

// Balance возвращает текущий баланс пользователя.
func (p *Processor) Balance(ctx context.Context, userID int64) (int64, error) {
	balance, err := p.balances.Get(ctx, p.opts.Tenant, userID)
	if err != nil {
		return 0, storageFailure("balance", userID, "", 0, err)
	}
	return balance, nil
}

// Records возвращает историю операций пользователя.
func (p *Processor) Records(ctx context.Context, f ledger.Filter) ([]*ledger.PaymentRecord, error) {
	f.Tenant = p.opts.Tenant
	sctx, cancel := context.WithTimeout(ctx, p.opts.StorageTimeout)
	defer cancel()
	return p.store.ListRecords(sctx, f)
}

// Stats возвращает сводку по пользователю.
func (p *Processor) Stats(ctx context.Context, userID int64) (*ledger.Stats, error) {
	sctx, cancel := context.WithTimeout(ctx, p.opts.StorageTimeout)
	defer cancel()
	return p.store.Stats(sctx, p.opts.Tenant, userID)
}

// hasFunds проверяет баланс по кэшу. Отказ только после пересчёта агрегата:
// устаревший кэш не должен отклонять платёж.
func (p *Processor) hasFunds(ctx context.Context, op Operation) (bool, error) {
	balance, err := p.balances.Get(ctx, p.opts.Tenant, op.UserID)
	if err != nil {
		return false, err
	}
	if balance >= op.AmountMinor {
		return true, nil
	}
	balance, err = p.balances.Refresh(ctx, p.opts.Tenant, op.UserID)
	if err != nil {
		return false, err
	}
	return balance >= op.AmountMinor, nil
}

func (p *Processor) lookup(ctx context.Context, operationID string) (*ledger.PaymentRecord, error) {
	sctx, cancel := context.WithTimeout(ctx, p.opts.StorageTimeout)
	defer cancel()
	rec, err := p.store.GetByOperationID(sctx, operationID)
	if errors.Is(err, common.ErrRecordNotFound) {
		return nil, nil
	}
	return rec, err
}

// replay отвечает на повтор operation_id исходным результатом.
// Если ключ использован для другой операции — конфликт, чужая запись не раскрывается.
func (p *Processor) replay(ctx context.Context, op Operation, existing *ledger.PaymentRecord, logger *log.Entry) (*Result, error) {
	requested := &ledger.PaymentRecord{
		Tenant:      p.opts.Tenant,
		UserID:      op.UserID,
		Direction:   op.Direction,
		AmountMinor: op.AmountMinor,
	}
	if !existing.SameOperation(requested) {
		logger.WithField("existing_user_id", existing.UserID).Warn("operation_id повторно использован для другой операции")
		p.metrics.PaymentsTotal.WithLabelValues(string(op.Direction), op.Category, "conflict").Inc()
		return &Result{Reason: common.ErrOperationConflict}, nil
	}

	balance, err := p.balances.Get(ctx, p.opts.Tenant, op.UserID)
	if err != nil {
		return p.fail(op, logger, "balance", err)
	}

	p.metrics.PaymentsTotal.WithLabelValues(string(op.Direction), op.Category, "replayed").Inc()
	logger.WithField("record_id", existing.ID).Info("Повтор операции, возвращаем исходный результат")
	return &Result{
		Success:    existing.Status == ledger.StatusCompleted,
		NewBalance: balance,
		RecordID:   existing.ID,
		Replayed:   true,
	}, nil
}

func (p *Processor) reject(op Operation, reason error) *Result {
	p.metrics.PaymentsTotal.WithLabelValues(string(op.Direction), op.Category, "rejected").Inc()
	return &Result{Reason: reason}
}

func (p *Processor) fail(op Operation, logger *log.Entry, step string, err error) (*Result, error) {
	p.metrics.PaymentsTotal.WithLabelValues(string(op.Direction), op.Category, "error").Inc()
	err = storageFailure(step, op.UserID, op.OperationID, op.AmountMinor, err)
	logger.WithError(err).Error("Сбой хранилища при проведении операции")
	return nil, err
}

// storageFailure гарантирует, что инфраструктурная ошибка дойдёт до вызывающего как *StorageError.
func storageFailure(step string, userID int64, operationID string, amount int64, err error) error {
	if errors.Is(err, common.ErrStorage) {
		return err
	}
	return common.NewStorageError(step, userID, operationID, amount, err)
}

func validateOperation(op Operation) error {
	if op.OperationID == "" || op.UserID == 0 || op.Category == "" || !op.Direction.Valid() {
		return common.ErrInvalidOperation
	}
	if op.AmountMinor < 0 {
		return common.ErrInvalidAmount
	}
	if op.AmountMinor == 0 && !(op.AllowZero && op.Direction == ledger.DirectionIncome) {
		return common.ErrInvalidAmount
	}
	return nil
}
