package jobs

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/starsbot/internal/metrics"
)

// Ledger — часть хранилища, нужная сверке.
type Ledger interface {
	ActiveUsers(ctx context.Context, tenant string, since time.Time) ([]int64, error)
	AggregateBalance(ctx context.Context, tenant string, userID int64) (int64, error)
}

// BalanceCache — закэшированные балансы без похода в хранилище.
type BalanceCache interface {
	Cached(ctx context.Context, tenant string, userID int64) (int64, bool, error)
	Invalidate(ctx context.Context, tenant string, userID int64) error
}

// Report — итог одного прохода сверки.
type Report struct {
	Checked    int
	Mismatches int
}

// Reconciler сверяет закэшированные балансы с суммой записей и сбрасывает
// расходящиеся значения.
type Reconciler struct {
	ledger  Ledger
	cache   BalanceCache
	tenant  string
	window  time.Duration
	timeout time.Duration
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewReconciler создаёт сверку для пользователей с записями за последние window.
func NewReconciler(store Ledger, cache BalanceCache, tenant string, window, timeout time.Duration, m *metrics.Metrics) *Reconciler {
	if m == nil {
		m = metrics.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Reconciler{
		ledger:  store,
		cache:   cache,
		tenant:  tenant,
		window:  window,
		timeout: timeout,
		metrics: m,
		now:     time.Now,
	}
}

// Run выполняет один проход. Ошибка по отдельному пользователю не прерывает проход.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	var report Report

	qctx, cancel := context.WithTimeout(ctx, r.timeout)
	users, err := r.ledger.ActiveUsers(qctx, r.tenant, r.now().Add(-r.window))
	cancel()
	if err != nil {
		return report, err
	}

	for _, userID := range users {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		logger := log.WithFields(log.Fields{"component": "reconcile", "user_id": userID})

		cached, ok, err := r.cache.Cached(ctx, r.tenant, userID)
		if err != nil {
			logger.WithError(err).Warn("Не удалось прочитать кэш баланса")
			continue
		}
		if !ok {
			continue
		}

		qctx, cancel := context.WithTimeout(ctx, r.timeout)
		actual, err := r.ledger.AggregateBalance(qctx, r.tenant, userID)
		cancel()
		if err != nil {
			logger.WithError(err).Warn("Не удалось посчитать баланс")
			continue
		}
		report.Checked++

		if cached == actual {
			continue
		}
		report.Mismatches++
		r.metrics.ReconcileMismatches.Inc()
		logger.WithFields(log.Fields{"cached": cached, "actual": actual}).Warn("Кэш баланса расходится с записями, сбрасываем")
		if err := r.cache.Invalidate(ctx, r.tenant, userID); err != nil {
			logger.WithError(err).Error("Не удалось сбросить кэш баланса")
		}
	}

	log.WithFields(log.Fields{
		"component":  "reconcile",
		"users":      len(users),
		"checked":    report.Checked,
		"mismatches": report.Mismatches,
	}).Debug("Сверка балансов завершена")
	return report, nil
}
