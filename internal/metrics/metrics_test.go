package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersInOwnRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.PaymentsTotal.WithLabelValues("OUTCOME", "image_generation", "success").Inc()
	m.ReconcileMismatches.Add(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PaymentsTotal.WithLabelValues("OUTCOME", "image_generation", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ReconcileMismatches))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	// Второй экземпляр в отдельном реестре не конфликтует с первым
	assert.NotPanics(t, func() { NewNop() })
	assert.Panics(t, func() { New(reg) }, "повторная регистрация в том же реестре")
}
