package common

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPluralizeStars(t *testing.T) {
	cases := map[int64]string{
		0:   "звёзд",
		1:   "звезда",
		2:   "звезды",
		4:   "звезды",
		5:   "звёзд",
		11:  "звёзд",
		12:  "звёзд",
		21:  "звезда",
		22:  "звезды",
		111: "звёзд",
		-1:  "звезда",
	}
	for n, want := range cases {
		assert.Equal(t, want, PluralizeStars(n), "n=%d", n)
	}
}

func TestFormatting(t *testing.T) {
	assert.Equal(t, "2 350", FormatNumber(2350))
	assert.Equal(t, "1 000 000", FormatNumber(1000000))
	assert.Equal(t, "-1 005", FormatNumber(-1005))
	assert.Equal(t, "150 звёзд", FormatBalance(150))
	assert.Equal(t, "+1 звезда", FormatStarsAmount(1))
	assert.Equal(t, "-50 звёзд", FormatStarsAmount(-50))
	assert.Equal(t, "7 stars", FormatBalanceLocale(7, "en"))
	assert.Equal(t, "1 star", FormatBalanceLocale(1, "de"))
	assert.Equal(t, "7 звёзд", FormatBalanceLocale(7, "ru"))
	assert.Equal(t, "7 звёзд", FormatBalanceLocale(7, ""))
}

func TestStorageError(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewStorageError("append", 42, "op-1", 100, cause)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStorage))
	assert.True(t, errors.Is(err, cause))
	assert.False(t, IsBusiness(err))

	var se *StorageError
	require.True(t, errors.As(fmt.Errorf("обёртка: %w", err), &se))
	assert.Equal(t, int64(42), se.UserID)
	assert.Equal(t, "op-1", se.OperationID)

	assert.NoError(t, NewStorageError("append", 1, "x", 1, nil))
}

func TestIsBusiness(t *testing.T) {
	assert.True(t, IsBusiness(ErrInsufficientFunds))
	assert.True(t, IsBusiness(fmt.Errorf("списание: %w", ErrInvalidAmount)))
	assert.False(t, IsBusiness(ErrNotification))
	assert.False(t, IsBusiness(nil))
}
