// Package metrics содержит Prometheus-метрики бота: платежи, кэш балансов,
// уведомления и сверку.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics — все счётчики и гистограммы приложения.
type Metrics struct {
	PaymentsTotal       *prometheus.CounterVec   // direction, category, result
	PaymentDuration     *prometheus.HistogramVec // direction
	BalanceCache        *prometheus.CounterVec   // result: hit, miss, error, negative
	NotificationsTotal  *prometheus.CounterVec   // result: sent, failed, dropped
	NotifyQueueDepth    prometheus.Gauge
	ReconcileMismatches prometheus.Counter
	HTTPRequestsTotal   *prometheus.CounterVec   // method, endpoint, status
	HTTPRequestDuration *prometheus.HistogramVec // method, endpoint
}

// New регистрирует метрики в reg. В проде reg = prometheus.DefaultRegisterer,
// в тестах — prometheus.NewRegistry(), чтобы не ловить повторную регистрацию.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PaymentsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stars_payments_total",
			Help: "Обработанные платёжные операции",
		}, []string{"direction", "category", "result"}),
		PaymentDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stars_payment_duration_seconds",
			Help:    "Длительность обработки платёжной операции",
			Buckets: prometheus.DefBuckets,
		}, []string{"direction"}),
		BalanceCache: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stars_balance_cache_total",
			Help: "Обращения к кэшу балансов",
		}, []string{"result"}),
		NotificationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stars_notifications_total",
			Help: "Уведомления о движении звёзд",
		}, []string{"result"}),
		NotifyQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "stars_notify_queue_depth",
			Help: "Уведомления в очереди",
		}),
		ReconcileMismatches: f.NewCounter(prometheus.CounterOpts{
			Name: "stars_reconcile_mismatches_total",
			Help: "Расхождения кэша и агрегата, найденные сверкой",
		}),
		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stars_http_requests_total",
			Help: "HTTP-запросы к API",
		}, []string{"method", "endpoint", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stars_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// NewNop — метрики в отдельном реестре, который никто не читает.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
