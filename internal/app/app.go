// Package app инициализирует все компоненты приложения.
// app.go — точка сборки: хранилища, кэш, процессор платежей, обработчики,
// очередь уведомлений, HTTP API и планировщик.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/starsbot/internal/api"
	"serotonyl.ru/starsbot/internal/bot"
	"serotonyl.ru/starsbot/internal/bot/filters"
	"serotonyl.ru/starsbot/internal/config"
	"serotonyl.ru/starsbot/internal/db/postgres"
	"serotonyl.ru/starsbot/internal/db/redis"
	"serotonyl.ru/starsbot/internal/features/admin"
	"serotonyl.ru/starsbot/internal/features/balance"
	"serotonyl.ru/starsbot/internal/features/ledger"
	"serotonyl.ru/starsbot/internal/features/members"
	"serotonyl.ru/starsbot/internal/features/notify"
	"serotonyl.ru/starsbot/internal/features/payments"
	"serotonyl.ru/starsbot/internal/features/subscriptions"
	"serotonyl.ru/starsbot/internal/jobs"
	"serotonyl.ru/starsbot/internal/metrics"
)

// App содержит все компоненты приложения.
type App struct {
	Bot        *bot.Bot
	Scheduler  *jobs.Scheduler
	Dispatcher *notify.Dispatcher
	API        *api.Server
	Processor  *payments.Processor

	db    *pgxpool.Pool           // nil при STORAGE_DRIVER=memory
	redis goredis.UniversalClient // nil при CACHE_DRIVER=memory

	botDone chan struct{}
	wg      sync.WaitGroup
}

// stores — хранилища выбранного драйвера.
type stores struct {
	ledger        ledger.Store
	subscriptions subscriptions.Store
	members       members.Store
	admin         admin.Store
}

// New создаёт и инициализирует приложение.
// Порядок инициализации важен — компоненты зависят друг от друга.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{botDone: make(chan struct{})}

	// === 1. Хранилище ===
	st, err := a.openStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// === 2. Кэш балансов ===
	cache, err := a.openCache(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	// === 3. Telegram Bot API ===
	botAPI, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("ошибка создания Telegram API: %w", err)
	}
	botAPI.Debug = cfg.AppEnv == "development"
	log.Infof("Авторизован как @%s", botAPI.Self.UserName)

	// === 4. Баланс, уведомления, процессор ===
	m := metrics.New(prometheus.DefaultRegisterer)

	resolver := balance.NewResolver(st.ledger, cache, balance.Options{
		TTL:            cfg.BalanceCacheTTL,
		NegativeTTL:    cfg.BalanceNegativeTTL,
		CacheTimeout:   cfg.BalanceCacheTimeout,
		StorageTimeout: cfg.StorageTimeout,
	}, m)

	a.Dispatcher = notify.NewDispatcher(notify.NewTelegramSink(botAPI, cfg.AdminIDs), notify.Options{
		QueueSize:  cfg.NotifyQueueSize,
		Workers:    cfg.NotifyWorkers,
		Timeout:    cfg.NotifyTimeout,
		MaxRetries: cfg.NotifyMaxRetries,
	}, m)

	subsService := subscriptions.NewService(st.subscriptions, cfg.BotTenant)
	a.Processor = payments.NewProcessor(payments.Deps{
		Store:         st.ledger,
		Balances:      resolver,
		Notifier:      a.Dispatcher,
		Subscriptions: subsService,
	}, payments.Options{
		Tenant:         cfg.BotTenant,
		StorageTimeout: cfg.StorageTimeout,
		ReferralBonus:  cfg.ReferralBonus,
	}, m)

	// === 5. Сервисы и обработчики ===
	memberService := members.NewService(st.members, a.Processor)
	adminService := admin.NewService(st.admin, cfg)

	a.Bot = bot.New(botAPI, cfg, bot.Handlers{
		MemberService: memberService,
		Members:       members.NewHandler(memberService, botAPI, botAPI.Self.UserName),
		Payments:      payments.NewHandler(a.Processor, subsService, cfg, botAPI),
		Admin:         admin.NewHandler(adminService, a.Processor, botAPI),
	}, filters.NewChatFilter(memberService))

	// === 6. Сверка и HTTP API ===
	reconciler := jobs.NewReconciler(st.ledger, resolver, cfg.BotTenant, cfg.ReconcileWindow, cfg.StorageTimeout, m)
	a.Scheduler = jobs.NewScheduler(cfg.AppTimezone, cfg.ReconcileSchedule, reconciler)

	a.API = api.NewServer(cfg.HTTPAddr, api.Deps{
		Processor: a.Processor,
		Metrics:   m,
		Token:     cfg.APIToken,
	})
	if cfg.APIToken == "" {
		log.Warn("API_TOKEN не задан: /v1 отвечает 401")
	}

	return a, nil
}

func (a *App) openStorage(ctx context.Context, cfg *config.Config) (*stores, error) {
	if cfg.StorageDriver == config.DriverMemory {
		log.Warn("STORAGE_DRIVER=memory: записи живут до перезапуска")
		return &stores{
			ledger:        ledger.NewMemoryStore(),
			subscriptions: subscriptions.NewMemoryStore(),
			members:       members.NewMemoryStore(),
			admin:         admin.NewMemoryStore(),
		}, nil
	}

	pool, err := postgres.NewPool(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("ошибка подключения к БД: %w", err)
	}
	a.db = pool

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ошибка миграций: %w", err)
	}

	return &stores{
		ledger:        ledger.NewRepository(pool),
		subscriptions: subscriptions.NewRepository(pool),
		members:       members.NewRepository(pool),
		admin:         admin.NewRepository(pool),
	}, nil
}

func (a *App) openCache(ctx context.Context, cfg *config.Config) (balance.Cache, error) {
	if cfg.CacheDriver == config.DriverMemory {
		log.Warn("CACHE_DRIVER=memory: кэш балансов не разделяется между экземплярами")
		return balance.NewMemoryCache(cfg.BalanceCacheMaxKeys), nil
	}

	client, err := redis.NewUniversalClient(ctx, redis.Config{
		Addrs:    cfg.RedisAddrs,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка подключения к Redis: %w", err)
	}
	a.redis = client
	return balance.NewRedisCache(client), nil
}

// Start запускает фоновые компоненты и polling бота.
func (a *App) Start(ctx context.Context) error {
	// Доставки переживают отмену ctx: остаток очереди дождётся Shutdown
	a.Dispatcher.Start(context.WithoutCancel(ctx))

	if err := a.Scheduler.Start(ctx); err != nil {
		return err
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.API.Start(); err != nil {
			log.WithError(err).Error("HTTP API остановлен с ошибкой")
		}
	}()

	go func() {
		defer close(a.botDone)
		a.Bot.Start(ctx)
	}()
	return nil
}

// Shutdown останавливает компоненты в обратном порядке. Контекст бота
// к этому моменту должен быть отменён.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error

	if err := a.API.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP API: %w", err))
	}
	a.wg.Wait()

	select {
	case <-a.botDone:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("бот не остановился: %w", ctx.Err()))
	}

	a.Scheduler.Stop()

	// Уведомления, поставленные последними апдейтами, ещё доставляем
	if err := a.Dispatcher.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("очередь уведомлений: %w", err))
	}

	a.Close()
	return errors.Join(errs...)
}

// Close закрывает подключения к БД и Redis.
func (a *App) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			log.WithError(err).Warn("Ошибка закрытия Redis")
		}
		a.redis = nil
	}
	if a.db != nil {
		a.db.Close()
		a.db = nil
	}
}
