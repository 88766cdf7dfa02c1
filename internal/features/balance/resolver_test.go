package balance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/starsbot/internal/metrics"
)

type stubStore struct {
	mu      sync.Mutex
	balance int64
	err     error
	calls   int
	started chan struct{} // закрывается при первом вызове, если задан
	block   chan struct{} // вызов ждёт закрытия, если задан
}

func (s *stubStore) AggregateBalance(ctx context.Context, tenant string, userID int64) (int64, error) {
	s.mu.Lock()
	s.calls++
	first := s.calls == 1
	started, block := s.started, s.block
	s.mu.Unlock()

	if first && started != nil {
		close(started)
	}
	if block != nil {
		<-block
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance, s.err
}

func (s *stubStore) set(balance int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balance, s.err = balance, err
}

func (s *stubStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type brokenCache struct{}

func (brokenCache) Get(context.Context, string) (int64, bool, error) {
	return 0, false, errors.New("cache down")
}
func (brokenCache) Set(context.Context, string, int64, time.Duration) error {
	return errors.New("cache down")
}
func (brokenCache) Delete(context.Context, string) error { return errors.New("cache down") }

func TestResolverReadThrough(t *testing.T) {
	ctx := context.Background()
	store := &stubStore{balance: 100}
	m := metrics.NewNop()
	r := NewResolver(store, NewMemoryCache(0), Options{TTL: time.Minute}, m)

	v, err := r.Get(ctx, "main", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), v)

	store.set(40, nil)
	v, err = r.Get(ctx, "main", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), v, "значение из кэша до инвалидации")
	assert.Equal(t, 1, store.callCount())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.BalanceCache.WithLabelValues("hit")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.BalanceCache.WithLabelValues("miss")))

	require.NoError(t, r.Invalidate(ctx, "main", 1))
	v, err = r.Get(ctx, "main", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(40), v)
}

func TestResolverRefreshIsAuthoritative(t *testing.T) {
	ctx := context.Background()
	store := &stubStore{balance: 10}
	r := NewResolver(store, NewMemoryCache(0), Options{TTL: time.Hour}, nil)

	_, err := r.Get(ctx, "main", 1)
	require.NoError(t, err)

	store.set(500, nil)
	v, err := r.Refresh(ctx, "main", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(500), v)

	v, err = r.Get(ctx, "main", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(500), v)
}

func TestResolverCacheFailureFallsBackToAggregate(t *testing.T) {
	store := &stubStore{balance: 77}
	r := NewResolver(store, brokenCache{}, Options{}, nil)

	v, err := r.Get(context.Background(), "main", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(77), v)

	assert.Error(t, r.Invalidate(context.Background(), "main", 1))
	v, err = r.Refresh(context.Background(), "main", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(77), v)
}

func TestResolverNegativeCache(t *testing.T) {
	ctx := context.Background()
	dbErr := errors.New("db down")
	store := &stubStore{err: dbErr}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewResolver(store, NewMemoryCache(0), Options{NegativeTTL: 2 * time.Second}, nil)
	r.now = func() time.Time { return now }

	_, err := r.Get(ctx, "main", 1)
	require.ErrorIs(t, err, dbErr)
	_, err = r.Get(ctx, "main", 1)
	require.ErrorIs(t, err, dbErr)
	assert.Equal(t, 1, store.callCount(), "повтор в окне не идёт в базу")

	store.set(5, nil)
	now = now.Add(3 * time.Second)
	v, err := r.Get(ctx, "main", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)
	assert.Equal(t, 2, store.callCount())
}

func TestResolverInvalidateClearsNegativeEntry(t *testing.T) {
	ctx := context.Background()
	store := &stubStore{err: errors.New("db down")}
	r := NewResolver(store, NewMemoryCache(0), Options{NegativeTTL: time.Hour}, nil)

	_, err := r.Get(ctx, "main", 1)
	require.Error(t, err)

	store.set(9, nil)
	v, err := r.Refresh(ctx, "main", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(9), v)
}

func TestResolverCoalescesConcurrentMisses(t *testing.T) {
	store := &stubStore{balance: 3, started: make(chan struct{}), block: make(chan struct{})}
	r := NewResolver(store, NewMemoryCache(0), Options{}, nil)

	var wg sync.WaitGroup
	results := make([]int64, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := r.Get(context.Background(), "main", 1)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}

	<-store.started
	time.Sleep(100 * time.Millisecond)
	close(store.block)
	wg.Wait()

	assert.Equal(t, 1, store.callCount())
	for _, v := range results {
		assert.Equal(t, int64(3), v)
	}
}

func TestResolverStaleLoadDoesNotRepopulate(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache(0)
	store := &stubStore{balance: 100, started: make(chan struct{}), block: make(chan struct{})}
	r := NewResolver(store, cache, Options{}, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = r.Get(ctx, "main", 1)
	}()

	<-store.started
	require.NoError(t, r.Invalidate(ctx, "main", 1))
	close(store.block)
	<-done

	_, ok, err := cache.Get(ctx, Key("main", 1))
	require.NoError(t, err)
	assert.False(t, ok, "загрузка, начатая до инвалидации, не пишет в кэш")
}

// hookCache вызывает beforeSet один раз перед первой записью.
type hookCache struct {
	*MemoryCache
	once      sync.Once
	beforeSet func()
}

func (c *hookCache) Set(ctx context.Context, key string, value int64, ttl time.Duration) error {
	c.once.Do(c.beforeSet)
	return c.MemoryCache.Set(ctx, key, value, ttl)
}

func TestResolverInvalidateBetweenCheckAndSet(t *testing.T) {
	ctx := context.Background()
	store := &stubStore{balance: 100}
	cache := &hookCache{MemoryCache: NewMemoryCache(0)}
	r := NewResolver(store, cache, Options{}, nil)
	cache.beforeSet = func() {
		// поколение уже проверено, баланс меняется до записи в кэш
		store.set(150, nil)
		require.NoError(t, r.Invalidate(ctx, "main", 1))
	}

	v, err := r.Get(ctx, "main", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), v)

	_, ok, err := cache.MemoryCache.Get(ctx, Key("main", 1))
	require.NoError(t, err)
	assert.False(t, ok, "устаревший баланс не должен остаться в кэше")

	v, err = r.Get(ctx, "main", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(150), v)
}

func TestResolversShareRedis(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := &stubStore{balance: 100}
	a := NewResolver(store, NewRedisCache(client), Options{TTL: time.Minute}, nil)
	b := NewResolver(store, NewRedisCache(client), Options{TTL: time.Minute}, nil)

	v, err := a.Get(ctx, "main", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), v)
	assert.True(t, mr.Exists(Key("main", 1)))

	// запись прошла через экземпляр a
	store.set(150, nil)
	require.NoError(t, a.Invalidate(ctx, "main", 1))

	v, err = b.Get(ctx, "main", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(150), v)

	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists(Key("main", 1)), "ключ истекает по TTL")
}

func TestResolverSurvivesRedisOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()

	store := &stubStore{balance: 42}
	r := NewResolver(store, NewRedisCache(client), Options{}, nil)
	mr.Close()

	v, err := r.Get(context.Background(), "main", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)
}
