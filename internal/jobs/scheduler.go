// Package jobs управляет фоновыми задачами (cron).
// scheduler.go настраивает расписание сверки кэша балансов с агрегатом.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

// Scheduler управляет фоновыми задачами.
type Scheduler struct {
	cron       *cron.Cron
	schedule   string
	reconciler *Reconciler
}

// NewScheduler создаёт планировщик задач в часовом поясе timezone.
func NewScheduler(timezone, schedule string, reconciler *Reconciler) *Scheduler {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		log.WithError(err).Warnf("Не удалось загрузить %s, используем UTC+3", timezone)
		loc = time.FixedZone("MSK", 3*60*60)
	}

	return &Scheduler{
		cron:       cron.New(cron.WithLocation(loc)),
		schedule:   schedule,
		reconciler: reconciler,
	}
}

// Start запускает все фоновые задачи.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.schedule, func() {
		log.Debug("[CRON] Сверка балансов")
		if _, err := s.reconciler.Run(ctx); err != nil {
			log.WithError(err).Error("[CRON] Ошибка сверки балансов")
		}
	})
	if err != nil {
		return fmt.Errorf("некорректное расписание сверки %q: %w", s.schedule, err)
	}

	s.cron.Start()
	log.WithField("schedule", s.schedule).Info("Планировщик задач запущен")
	return nil
}

// Stop останавливает планировщик и ждёт завершения запущенных задач.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Info("Планировщик задач остановлен")
}
