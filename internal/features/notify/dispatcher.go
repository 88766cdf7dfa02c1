package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/starsbot/internal/common"
	"serotonyl.ru/starsbot/internal/metrics"
)

// Options — параметры очереди уведомлений.
type Options struct {
	QueueSize    int
	Workers      int
	Timeout      time.Duration // Таймаут одной попытки доставки
	MaxRetries   int           // Повторы после первой неудачной попытки
	RetryBackoff time.Duration // Начальная пауза между повторами
}

// Dispatcher — ограниченная очередь с пулом воркеров.
// Enqueue никогда не блокирует: при переполнении уведомление отбрасывается.
type Dispatcher struct {
	sink     Sink
	opts     Options
	executor failsafe.Executor[any]
	metrics  *metrics.Metrics

	mu     sync.RWMutex // защищает queue от отправки после закрытия
	queue  chan Notification
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher создаёт диспетчер. Воркеры запускаются в Start.
func NewDispatcher(sink Sink, opts Options, m *metrics.Metrics) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 500 * time.Millisecond
	}
	if m == nil {
		m = metrics.NewNop()
	}

	retry := retrypolicy.NewBuilder[any]().
		WithBackoff(opts.RetryBackoff, 10*opts.RetryBackoff).
		WithMaxRetries(opts.MaxRetries).
		WithJitterFactor(0.1).
		Build()

	return &Dispatcher{
		sink:     sink,
		opts:     opts,
		executor: failsafe.With(retry),
		metrics:  m,
		queue:    make(chan Notification, opts.QueueSize),
	}
}

// Start запускает воркеров. ctx ограничивает время жизни доставок.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	log.WithFields(log.Fields{
		"workers":    d.opts.Workers,
		"queue_size": d.opts.QueueSize,
	}).Info("Диспетчер уведомлений запущен")
}

// Enqueue ставит уведомление в очередь. false — очередь полна или закрыта.
func (d *Dispatcher) Enqueue(n Notification) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	logger := log.WithFields(log.Fields{
		"user_id":      n.UserID,
		"operation_id": n.OperationID,
	})
	if d.closed {
		logger.Warn("Диспетчер остановлен, уведомление отброшено")
		d.metrics.NotificationsTotal.WithLabelValues("dropped").Inc()
		return false
	}

	select {
	case d.queue <- n:
		d.metrics.NotifyQueueDepth.Set(float64(len(d.queue)))
		return true
	default:
		logger.Warn("Очередь уведомлений переполнена, уведомление отброшено")
		d.metrics.NotificationsTotal.WithLabelValues("dropped").Inc()
		return false
	}
}

// Stop закрывает очередь и ждёт, пока воркеры доставят оставшееся, но не дольше ctx.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("Диспетчер уведомлений остановлен")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("остановка диспетчера уведомлений: %w", ctx.Err())
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for n := range d.queue {
		d.metrics.NotifyQueueDepth.Set(float64(len(d.queue)))
		d.deliver(ctx, n)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, n Notification) {
	err := d.executor.WithContext(ctx).Run(func() error {
		dctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
		defer cancel()
		return d.sink.Notify(dctx, n)
	})
	if err != nil {
		d.metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		log.WithError(fmt.Errorf("%w: %v", common.ErrNotification, err)).WithFields(log.Fields{
			"user_id":      n.UserID,
			"operation_id": n.OperationID,
			"amount":       n.Amount,
		}).Warn("Уведомление не доставлено")
		return
	}
	d.metrics.NotificationsTotal.WithLabelValues("sent").Inc()
}
