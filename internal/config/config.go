// Package config загружает конфигурацию бота из переменных окружения.
// Используется envconfig для маппинга переменных окружения на поля структуры.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Драйверы хранилища и кэша
const (
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMemory   = "memory"
)

// Config содержит ВСЕ настройки приложения.
type Config struct {
	// --- Telegram ---
	AdminIDsRaw      string  `envconfig:"ADMIN_IDS" required:"true"`
	AdminIDs         []int64 `envconfig:"-"` // заполняется в Load
	TelegramBotToken string  `envconfig:"TELEGRAM_BOT_TOKEN" required:"true"`
	// Имя бота-арендатора. Балансы разных ботов не смешиваются.
	BotTenant string `envconfig:"BOT_TENANT" default:"main"`

	// --- Database ---
	// В Docker внутри контейнера "localhost" почти всегда неправильно.
	// Дефолт ставим "postgres" (имя сервиса в docker-compose), а для локалки переопределяй DB_HOST=localhost.
	DBHost     string `envconfig:"DB_HOST" default:"postgres"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" default:"botuser"`
	DBPassword string `envconfig:"DB_PASSWORD"`
	DBName     string `envconfig:"DB_NAME" default:"stars_bot"`
	DBSSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`
	DBMaxConns int32  `envconfig:"DB_MAX_CONNS" default:"25"`
	DBMinConns int32  `envconfig:"DB_MIN_CONNS" default:"5"`

	// --- Storage ---
	StorageDriver  string        `envconfig:"STORAGE_DRIVER" default:"postgres"`
	StorageTimeout time.Duration `envconfig:"STORAGE_TIMEOUT" default:"5s"`

	// --- Redis ---
	CacheDriver   string   `envconfig:"CACHE_DRIVER" default:"redis"`
	RedisAddrsRaw string   `envconfig:"REDIS_ADDRS" default:"redis:6379"`
	RedisAddrs    []string `envconfig:"-"`
	RedisPassword string   `envconfig:"REDIS_PASSWORD"`
	RedisDB       int      `envconfig:"REDIS_DB" default:"0"`

	// --- Balance cache ---
	BalanceCacheTTL     time.Duration `envconfig:"BALANCE_CACHE_TTL" default:"5m"`
	BalanceNegativeTTL  time.Duration `envconfig:"BALANCE_NEGATIVE_TTL" default:"2s"`
	BalanceCacheTimeout time.Duration `envconfig:"BALANCE_CACHE_TIMEOUT" default:"500ms"`
	BalanceCacheMaxKeys int           `envconfig:"BALANCE_CACHE_MAX_KEYS" default:"10000"`

	// --- Notifications ---
	NotifyQueueSize  int           `envconfig:"NOTIFY_QUEUE_SIZE" default:"1024"`
	NotifyWorkers    int           `envconfig:"NOTIFY_WORKERS" default:"4"`
	NotifyTimeout    time.Duration `envconfig:"NOTIFY_TIMEOUT" default:"5s"`
	NotifyMaxRetries int           `envconfig:"NOTIFY_MAX_RETRIES" default:"1"`

	// --- Payments ---
	PaymentsProviderToken string `envconfig:"PAYMENTS_PROVIDER_TOKEN"`
	// Telegram Stars: валюта XTR, provider token пустой
	PaymentsCurrency string `envconfig:"PAYMENTS_CURRENCY" default:"XTR"`
	// Пакеты звёзд для /buy: "код:звёзды:цена" через запятую
	StarsPacksRaw string      `envconfig:"STARS_PACKS" default:"small:100:100,medium:550:500,large:1200:1000"`
	StarsPacks    []StarsPack `envconfig:"-"`
	ReferralBonus int64       `envconfig:"REFERRAL_BONUS" default:"50"`
	// Повторы зачисления после оплаты: Telegram апдейт второй раз не пришлёт
	TopUpMaxRetries   int           `envconfig:"TOPUP_MAX_RETRIES" default:"3"`
	TopUpRetryBackoff time.Duration `envconfig:"TOPUP_RETRY_BACKOFF" default:"1s"`

	// --- HTTP ---
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`
	APIToken string `envconfig:"API_TOKEN"`

	// --- Reconciliation ---
	ReconcileSchedule string        `envconfig:"RECONCILE_SCHEDULE" default:"*/10 * * * *"`
	ReconcileWindow   time.Duration `envconfig:"RECONCILE_WINDOW" default:"24h"`

	// --- Application ---
	AppEnv      string `envconfig:"APP_ENV" default:"development"`
	AppLogLevel string `envconfig:"APP_LOG_LEVEL" default:"debug"`
	AppTimezone string `envconfig:"APP_TIMEZONE" default:"Europe/Moscow"`

	// --- Bot runtime ---
	// Сколько апдейтов обрабатываем параллельно. Иначе "go на каждый апдейт" = утечка памяти при флуде.
	BotMaxInflight int `envconfig:"BOT_MAX_INFLIGHT" default:"64"`
	// Таймаут long polling (секунды)
	BotUpdateTimeoutSeconds int `envconfig:"BOT_UPDATE_TIMEOUT_SECONDS" default:"60"`

	// --- Admin ---
	AdminPasswordHash string `envconfig:"ADMIN_PASSWORD_HASH" required:"true"`

	// --- Rate Limiting ---
	RateLimitRequests int           `envconfig:"RATE_LIMIT_REQUESTS" default:"10"`
	RateLimitWindow   time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`
}

// StarsPack — пакет звёзд, который можно купить через Telegram Payments.
type StarsPack struct {
	Code  string
	Stars int64
	Price int64 // в минимальных единицах валюты (для XTR — в звёздах Telegram)
}

// DatabaseDSN возвращает строку подключения к PostgreSQL в формате DSN.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
}

// FindPack ищет пакет по коду.
func (c *Config) FindPack(code string) (StarsPack, bool) {
	for _, p := range c.StarsPacks {
		if p.Code == code {
			return p, true
		}
	}
	return StarsPack{}, false
}

// IsAdmin проверяет, входит ли пользователь в ADMIN_IDS.
func (c *Config) IsAdmin(userID int64) bool {
	for _, id := range c.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func (c *Config) Validate() error {
	if c.BotMaxInflight <= 0 {
		return fmt.Errorf("BOT_MAX_INFLIGHT должен быть > 0")
	}
	if c.BotUpdateTimeoutSeconds <= 0 {
		return fmt.Errorf("BOT_UPDATE_TIMEOUT_SECONDS должен быть > 0")
	}
	if c.StorageDriver != DriverPostgres && c.StorageDriver != DriverMemory {
		return fmt.Errorf("STORAGE_DRIVER должен быть %q или %q", DriverPostgres, DriverMemory)
	}
	if c.StorageDriver == DriverPostgres {
		if c.DBPassword == "" {
			return fmt.Errorf("DB_PASSWORD не задан")
		}
		if c.DBMaxConns <= 0 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("некорректные DB_MIN_CONNS/DB_MAX_CONNS")
		}
	}
	if c.CacheDriver != DriverRedis && c.CacheDriver != DriverMemory {
		return fmt.Errorf("CACHE_DRIVER должен быть %q или %q", DriverRedis, DriverMemory)
	}
	if c.CacheDriver == DriverRedis && len(c.RedisAddrs) == 0 {
		return fmt.Errorf("REDIS_ADDRS не задан")
	}
	if c.StorageTimeout <= 0 || c.NotifyTimeout <= 0 {
		return fmt.Errorf("STORAGE_TIMEOUT и NOTIFY_TIMEOUT должны быть > 0")
	}
	if c.BalanceCacheTTL <= 0 {
		return fmt.Errorf("BALANCE_CACHE_TTL должен быть > 0")
	}
	if c.BalanceNegativeTTL < 0 {
		return fmt.Errorf("BALANCE_NEGATIVE_TTL не может быть отрицательным")
	}
	if c.NotifyQueueSize <= 0 || c.NotifyWorkers <= 0 {
		return fmt.Errorf("NOTIFY_QUEUE_SIZE и NOTIFY_WORKERS должны быть > 0")
	}
	if c.NotifyMaxRetries < 0 {
		return fmt.Errorf("NOTIFY_MAX_RETRIES не может быть отрицательным")
	}
	if c.ReferralBonus < 0 {
		return fmt.Errorf("REFERRAL_BONUS не может быть отрицательным")
	}
	if c.TopUpMaxRetries < 0 {
		return fmt.Errorf("TOPUP_MAX_RETRIES не может быть отрицательным")
	}
	return nil
}

// Load читает переменные окружения и заполняет структуру Config.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("не удалось загрузить конфигурацию: %w", err)
	}
	if err := cfg.parseLists(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) parseLists() error {
	ids, err := parseInt64CSV(c.AdminIDsRaw)
	if err != nil {
		return fmt.Errorf("ADMIN_IDS parse: %w", err)
	}
	c.AdminIDs = ids

	c.RedisAddrs = nil
	for _, a := range strings.Split(c.RedisAddrsRaw, ",") {
		if a = strings.TrimSpace(a); a != "" {
			c.RedisAddrs = append(c.RedisAddrs, a)
		}
	}

	packs, err := parsePacks(c.StarsPacksRaw)
	if err != nil {
		return fmt.Errorf("STARS_PACKS parse: %w", err)
	}
	c.StarsPacks = packs
	return nil
}

func parseInt64CSV(s string) ([]int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		v, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad int64 %q: %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func parsePacks(s string) ([]StarsPack, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []StarsPack
	for _, item := range strings.Split(s, ",") {
		fields := strings.Split(strings.TrimSpace(item), ":")
		if len(fields) != 3 || fields[0] == "" {
			return nil, fmt.Errorf("bad pack %q, want code:stars:price", item)
		}
		stars, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil || stars <= 0 {
			return nil, fmt.Errorf("bad pack stars %q", item)
		}
		price, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil || price <= 0 {
			return nil, fmt.Errorf("bad pack price %q", item)
		}
		out = append(out, StarsPack{Code: fields[0], Stars: stars, Price: price})
	}
	return out, nil
}
