package balance

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"serotonyl.ru/starsbot/internal/metrics"
)

// Aggregator — источник истины для баланса.
type Aggregator interface {
	AggregateBalance(ctx context.Context, tenant string, userID int64) (int64, error)
}

// Options — политика кэша.
type Options struct {
	TTL            time.Duration // Сколько живёт закэшированный баланс
	NegativeTTL    time.Duration // Сколько помним неудачную загрузку агрегата (0 — не помним)
	CacheTimeout   time.Duration // Таймаут одного обращения к кэшу
	StorageTimeout time.Duration // Таймаут загрузки агрегата
}

// Resolver отдаёт баланс: сначала кэш, при промахе — агрегат.
// Параллельные промахи по одному пользователю склеиваются через singleflight.
type Resolver struct {
	store   Aggregator
	cache   Cache
	opts    Options
	metrics *metrics.Metrics

	sf singleflight.Group

	mu       sync.Mutex
	gens     map[string]uint64     // Поколение ключа: растёт при каждой инвалидации
	failures map[string]failedLoad // Недавние неудачные загрузки
	now      func() time.Time
}

type failedLoad struct {
	err   error
	until time.Time
}

// NewResolver создаёт резолвер. Нулевые таймауты заменяются значениями по умолчанию.
func NewResolver(store Aggregator, cache Cache, opts Options, m *metrics.Metrics) *Resolver {
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if opts.CacheTimeout <= 0 {
		opts.CacheTimeout = 500 * time.Millisecond
	}
	if opts.StorageTimeout <= 0 {
		opts.StorageTimeout = 5 * time.Second
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Resolver{
		store:    store,
		cache:    cache,
		opts:     opts,
		metrics:  m,
		gens:     make(map[string]uint64),
		failures: make(map[string]failedLoad),
		now:      time.Now,
	}
}

// Get возвращает баланс. Ошибка кэша не фатальна: идём в агрегат.
func (r *Resolver) Get(ctx context.Context, tenant string, userID int64) (int64, error) {
	key := Key(tenant, userID)

	cctx, cancel := context.WithTimeout(ctx, r.opts.CacheTimeout)
	v, ok, err := r.cache.Get(cctx, key)
	cancel()
	switch {
	case err != nil:
		r.metrics.BalanceCache.WithLabelValues("error").Inc()
		log.WithError(err).WithField("user_id", userID).Warn("Кэш баланса недоступен, считаем агрегат")
	case ok:
		r.metrics.BalanceCache.WithLabelValues("hit").Inc()
		return v, nil
	default:
		r.metrics.BalanceCache.WithLabelValues("miss").Inc()
	}

	return r.load(ctx, tenant, userID, key)
}

// Invalidate удаляет закэшированное значение. Загрузки, начатые до вызова,
// не запишут своё значение обратно в кэш.
func (r *Resolver) Invalidate(ctx context.Context, tenant string, userID int64) error {
	key := Key(tenant, userID)

	r.mu.Lock()
	r.gens[key]++
	delete(r.failures, key)
	r.mu.Unlock()
	r.sf.Forget(key)

	cctx, cancel := context.WithTimeout(ctx, r.opts.CacheTimeout)
	defer cancel()
	if err := r.cache.Delete(cctx, key); err != nil {
		log.WithError(err).WithField("user_id", userID).Warn("Не удалось инвалидировать кэш баланса")
		return err
	}
	return nil
}

// Refresh инвалидирует кэш и загружает баланс из агрегата.
func (r *Resolver) Refresh(ctx context.Context, tenant string, userID int64) (int64, error) {
	_ = r.Invalidate(ctx, tenant, userID)
	return r.load(ctx, tenant, userID, Key(tenant, userID))
}

// Cached возвращает значение из кэша без загрузки агрегата. Нужен для сверки.
func (r *Resolver) Cached(ctx context.Context, tenant string, userID int64) (int64, bool, error) {
	cctx, cancel := context.WithTimeout(ctx, r.opts.CacheTimeout)
	defer cancel()
	return r.cache.Get(cctx, Key(tenant, userID))
}

func (r *Resolver) load(ctx context.Context, tenant string, userID int64, key string) (int64, error) {
	r.mu.Lock()
	if f, ok := r.failures[key]; ok {
		if r.now().Before(f.until) {
			r.mu.Unlock()
			r.metrics.BalanceCache.WithLabelValues("negative").Inc()
			return 0, f.err
		}
		delete(r.failures, key)
	}
	gen := r.gens[key]
	r.mu.Unlock()

	v, err, _ := r.sf.Do(key, func() (any, error) {
		// Загрузка общая для всех ожидающих: отмена одного из них её не прерывает.
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.StorageTimeout)
		defer cancel()

		balance, err := r.store.AggregateBalance(lctx, tenant, userID)
		if err != nil {
			r.rememberFailure(key, gen, err)
			return nil, err
		}

		if r.generation(key) == gen {
			r.writeCache(lctx, key, gen, userID, balance)
		}
		return balance, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// writeCache пишет баланс в кэш. Инвалидация могла случиться между проверкой
// поколения и Set: тогда запись удаляется, иначе в кэше остался бы старый баланс
// до истечения TTL. Если поколение сменилось уже после проверки, Delete из
// Invalidate выполняется позже нашего Set.
func (r *Resolver) writeCache(ctx context.Context, key string, gen uint64, userID int64, balance int64) {
	cctx, cancel := context.WithTimeout(ctx, r.opts.CacheTimeout)
	defer cancel()
	if err := r.cache.Set(cctx, key, balance, r.opts.TTL); err != nil {
		log.WithError(err).WithField("user_id", userID).Warn("Не удалось записать баланс в кэш")
		return
	}
	if r.generation(key) == gen {
		return
	}
	if err := r.cache.Delete(cctx, key); err != nil {
		log.WithError(err).WithField("user_id", userID).Warn("Не удалось убрать устаревший баланс из кэша")
	}
}

func (r *Resolver) generation(key string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gens[key]
}

func (r *Resolver) rememberFailure(key string, gen uint64, err error) {
	if r.opts.NegativeTTL <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gens[key] != gen {
		return
	}
	r.failures[key] = failedLoad{err: err, until: r.now().Add(r.opts.NegativeTTL)}
}
