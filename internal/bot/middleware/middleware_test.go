package middleware

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterSlidingWindow(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	defer rl.Close()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow(1))
	assert.True(t, rl.Allow(1))
	assert.False(t, rl.Allow(1))
	assert.True(t, rl.Allow(2), "лимит считается на пользователя")

	now = now.Add(61 * time.Second)
	assert.True(t, rl.Allow(1), "окно сдвинулось")

	rl.prune()
	assert.Len(t, rl.requests[1], 1)
	_, ok := rl.requests[2]
	assert.False(t, ok, "пользователь без свежих запросов удалён")
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(0, time.Minute)
	defer rl.Close()
	for i := 0; i < 100; i++ {
		assert.True(t, rl.Allow(1))
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "привет", Truncate("привет", 10))
	assert.Equal(t, "при...", Truncate("привет", 3))
}

func TestRecoverFromPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		defer RecoverFromPanic(7)
		panic("boom")
	})
}
