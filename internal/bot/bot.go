// Package bot содержит главный модуль бота — запуск polling, маршрутизацию
// апдейтов по обработчикам и остановку.
package bot

import (
	"context"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/starsbot/internal/bot/filters"
	"serotonyl.ru/starsbot/internal/bot/middleware"
	"serotonyl.ru/starsbot/internal/config"
	"serotonyl.ru/starsbot/internal/features/admin"
	"serotonyl.ru/starsbot/internal/features/members"
	"serotonyl.ru/starsbot/internal/features/payments"
)

// API — часть tgbotapi.BotAPI, которой пользуется бот.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Handlers — обработчики фич.
type Handlers struct {
	MemberService *members.Service
	Members       *members.Handler
	Payments      *payments.Handler
	Admin         *admin.Handler
}

// Bot — главная структура бота, объединяющая все компоненты.
type Bot struct {
	api API
	cfg *config.Config

	chatFilter  *filters.ChatFilter
	rateLimiter *middleware.RateLimiter

	memberService  *members.Service
	memberHandler  *members.Handler
	paymentHandler *payments.Handler
	adminHandler   *admin.Handler

	parser *CommandParser

	// ограничитель параллелизма обработки апдейтов
	inflight chan struct{}
}

// New создаёт новый экземпляр бота со всеми зависимостями.
func New(api API, cfg *config.Config, h Handlers, chatFilter *filters.ChatFilter) *Bot {
	maxInFlight := cfg.BotMaxInflight
	if maxInFlight <= 0 {
		maxInFlight = 64
	}

	return &Bot{
		api:            api,
		cfg:            cfg,
		chatFilter:     chatFilter,
		rateLimiter:    middleware.NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow),
		memberService:  h.MemberService,
		memberHandler:  h.Members,
		paymentHandler: h.Payments,
		adminHandler:   h.Admin,
		parser:         NewCommandParser(),
		inflight:       make(chan struct{}, maxInFlight),
	}
}

// Start запускает polling обновлений от Telegram. Возвращает управление,
// когда ctx отменён и все начатые апдейты обработаны.
func (b *Bot) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.cfg.BotUpdateTimeoutSeconds
	u.AllowedUpdates = []string{"message", "pre_checkout_query"}

	updates := b.api.GetUpdatesChan(u)

	log.WithFields(log.Fields{
		"max_inflight": cap(b.inflight),
		"timeout_sec":  b.cfg.BotUpdateTimeoutSeconds,
	}).Info("Бот запущен и ожидает сообщения...")

	defer b.rateLimiter.Close()
	for {
		select {
		case <-ctx.Done():
			log.Info("Бот останавливается (ctx done)...")
			b.api.StopReceivingUpdates()
			b.drain()
			return

		case update, ok := <-updates:
			if !ok {
				log.Info("Канал updates закрыт, бот остановлен")
				b.drain()
				return
			}

			// лимит параллелизма
			b.inflight <- struct{}{}
			go func(upd tgbotapi.Update) {
				defer func() { <-b.inflight }()
				b.handleUpdate(ctx, upd)
			}(update)
		}
	}
}

// drain ждёт, пока освободятся все слоты обработки.
func (b *Bot) drain() {
	for i := 0; i < cap(b.inflight); i++ {
		b.inflight <- struct{}{}
	}
}

// handleUpdate обрабатывает одно обновление от Telegram.
func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	defer middleware.RecoverFromPanic(update.UpdateID)

	// Платежи доводим до конца и при остановке бота: Telegram их не повторит
	payCtx := context.WithoutCancel(ctx)

	// Подтверждение перед списанием в Telegram
	if update.PreCheckoutQuery != nil {
		b.paymentHandler.HandlePreCheckout(payCtx, update.PreCheckoutQuery)
		return
	}

	message := update.Message
	if message == nil {
		return
	}

	// Платёж прошёл — зачисляем звёзды, фильтры не применяем
	if message.SuccessfulPayment != nil {
		b.paymentHandler.HandleSuccessfulPayment(payCtx, message)
		return
	}

	if message.Text == "" {
		return
	}

	// Логируем входящее
	middleware.LogMessage(message, message.Chat != nil && message.Chat.IsPrivate() &&
		message.From != nil && b.cfg.IsAdmin(message.From.ID))

	if !b.chatFilter.CheckAccess(ctx, message) {
		return
	}

	// Rate limiting
	if !b.rateLimiter.Allow(message.From.ID) {
		log.WithField("user_id", message.From.ID).Debug("rate limited")
		return
	}

	chatID := message.Chat.ID
	userID := message.From.ID
	locale := message.From.LanguageCode

	cmd, args, isCommand := b.parser.ParseCommand(message.Text)

	// /start регистрирует пользователя сам: реферал нужно увидеть до EnsureMember
	if isCommand && cmd == "start" {
		b.memberHandler.HandleStart(ctx, chatID, message.From, args)
		return
	}

	if err := b.memberService.EnsureMember(ctx, members.ProfileFromUser(message.From)); err != nil {
		log.WithError(err).WithField("user_id", userID).Warn("EnsureMember failed")
	}

	// В личке проверяем админку
	if message.Chat.IsPrivate() && b.adminHandler.HandleAdminMessage(ctx, chatID, userID, message.MessageID, message.Text) {
		return
	}

	if !isCommand {
		return
	}

	log.WithFields(log.Fields{
		"cmd":  cmd,
		"args": args,
	}).Debug("routing command")

	switch cmd {
	case "help", "помощь":
		b.memberHandler.HandleHelp(ctx, chatID, locale)

	case "звезды", "звёзды", "баланс", "balance":
		b.paymentHandler.HandleBalance(ctx, chatID, userID, locale)

	case "история", "history":
		b.paymentHandler.HandleHistory(ctx, chatID, userID, locale)

	case "подписка", "subscribe":
		b.paymentHandler.HandleSubscribe(ctx, chatID, userID, message.MessageID, args, locale)

	case "купить", "buy":
		b.paymentHandler.HandleBuy(ctx, chatID, userID, args, locale)

	case "login":
		if !message.Chat.IsPrivate() {
			b.sendMessage(chatID, "🔐 Вход в админку — только в личных сообщениях боту")
		}
	}
}

// sendMessage — утилита для отправки сообщений.
func (b *Bot) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		log.WithError(err).WithField("chat_id", chatID).Error("Ошибка отправки сообщения")
	}
}

// CommandParser парсит команды с префиксами !, . и /
type CommandParser struct {
	validPrefixes []string
}

// NewCommandParser создаёт парсер команд.
func NewCommandParser() *CommandParser {
	return &CommandParser{
		validPrefixes: []string{"!", ".", "/"},
	}
}

// ParseCommand разбирает текст на команду и аргументы.
// "/balance@stars_bot" в группе — это "balance".
func (p *CommandParser) ParseCommand(text string) (string, []string, bool) {
	text = strings.TrimSpace(text)

	hasPrefix := false
	for _, prefix := range p.validPrefixes {
		if strings.HasPrefix(text, prefix) {
			text = strings.TrimPrefix(text, prefix)
			hasPrefix = true
			break
		}
	}

	if !hasPrefix {
		return "", nil, false
	}

	parts := strings.Fields(text)
	if len(parts) == 0 {
		return "", nil, false
	}

	command := strings.ToLower(parts[0])
	if at := strings.IndexByte(command, '@'); at > 0 {
		command = command[:at]
	}
	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}

	return command, args, true
}
