// Package balance отдаёт баланс пользователя с малой задержкой: кэш перед
// агрегатом по платёжным записям. Кэш никогда не является источником истины.
// cache.go описывает границу кэша и две её реализации.
package balance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Cache — хранилище закэшированных балансов.
type Cache interface {
	// Get возвращает значение и признак попадания.
	Get(ctx context.Context, key string) (int64, bool, error)
	Set(ctx context.Context, key string, value int64, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Key — ключ кэша для пользователя арендатора.
func Key(tenant string, userID int64) string {
	return "stars:balance:" + tenant + ":" + strconv.FormatInt(userID, 10)
}

// RedisCache — кэш в Redis, общий для всех экземпляров бота.
type RedisCache struct {
	client goredis.UniversalClient
}

// NewRedisCache создаёт кэш поверх готового клиента.
func NewRedisCache(client goredis.UniversalClient) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) (int64, bool, error) {
	v, err := c.client.Get(ctx, key).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value int64, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// MemoryCache — кэш в памяти процесса. Для одного экземпляра и тестов.
type MemoryCache struct {
	mu         sync.Mutex
	entries    map[string]memoryEntry
	maxEntries int
	now        func() time.Time
}

type memoryEntry struct {
	value   int64
	expires time.Time
}

// NewMemoryCache создаёт кэш. maxEntries <= 0 — без ограничения.
func NewMemoryCache(maxEntries int) *MemoryCache {
	return &MemoryCache{
		entries:    make(map[string]memoryEntry),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) (int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return 0, false, nil
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, key)
		return 0, false, nil
	}
	return e.value, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, value int64, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists && c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		c.evictLocked()
	}
	c.entries[key] = memoryEntry{value: value, expires: c.now().Add(ttl)}
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

// evictLocked сначала чистит протухшие записи, затем — ту, что истекает раньше всех.
func (c *MemoryCache) evictLocked() {
	now := c.now()
	var victim string
	var earliest time.Time
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
			continue
		}
		if victim == "" || e.expires.Before(earliest) {
			victim, earliest = k, e.expires
		}
	}
	if len(c.entries) >= c.maxEntries && victim != "" {
		delete(c.entries, victim)
	}
}
