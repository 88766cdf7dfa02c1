package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUniversalClient(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewUniversalClient(context.Background(), Config{Addrs: []string{mr.Addr()}})
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestNewUniversalClientErrors(t *testing.T) {
	_, err := NewUniversalClient(context.Background(), Config{})
	assert.Error(t, err)

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err = NewUniversalClient(context.Background(), Config{Addrs: []string{addr}})
	assert.Error(t, err)
}
