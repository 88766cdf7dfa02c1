// Package payments — handlers.go обрабатывает команды:
// !звезды (баланс), !история, !подписка <тариф>, /buy <пакет>
// и платёжные апдейты Telegram (pre_checkout_query, successful_payment).
package payments

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/starsbot/internal/common"
	"serotonyl.ru/starsbot/internal/config"
	"serotonyl.ru/starsbot/internal/features/ledger"
	"serotonyl.ru/starsbot/internal/features/subscriptions"
)

// BotAPI — часть tgbotapi.BotAPI, которой пользуются обработчики.
type BotAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// historyLimit — сколько последних операций показывает !история
const historyLimit = 10

// Handler обрабатывает платёжные команды.
type Handler struct {
	processor *Processor
	subs      *subscriptions.Service
	cfg       *config.Config
	bot       BotAPI
	topUp     failsafe.Executor[*Result]
}

// NewHandler создаёт обработчик платёжных команд.
func NewHandler(processor *Processor, subs *subscriptions.Service, cfg *config.Config, bot BotAPI) *Handler {
	backoff := cfg.TopUpRetryBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	// Повторяем только сбои хранилища: ключ tg-charge-<id> не даст зачислить дважды
	retry := retrypolicy.NewBuilder[*Result]().
		HandleIf(func(_ *Result, err error) bool {
			return errors.Is(err, common.ErrStorage)
		}).
		WithBackoff(backoff, 10*backoff).
		WithMaxRetries(cfg.TopUpMaxRetries).
		WithJitterFactor(0.1).
		ReturnLastFailure().
		Build()

	return &Handler{
		processor: processor,
		subs:      subs,
		cfg:       cfg,
		bot:       bot,
		topUp:     failsafe.With(retry),
	}
}

// HandleBalance — !звезды. Показывает баланс и подписку.
//
//	⭐ Баланс: 150 звёзд
//	📅 Подписка month до 01.06.2026 12:00
func (h *Handler) HandleBalance(ctx context.Context, chatID, userID int64, locale string) {
	balance, err := h.processor.Balance(ctx, userID)
	if err != nil {
		log.WithError(err).WithField("user_id", userID).Error("Ошибка получения баланса")
		h.sendMessage(chatID, UserMessage(err, locale))
		return
	}

	en := common.IsEnglish(locale)
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("⭐ %s: %s", pick(en, "Balance", "Баланс"), common.FormatBalanceLocale(balance, locale)))

	if sub, err := h.subs.Active(ctx, userID); err != nil {
		log.WithError(err).WithField("user_id", userID).Warn("Не удалось получить подписку")
	} else if sub != nil {
		sb.WriteString(fmt.Sprintf("\n📅 %s %s %s %s",
			pick(en, "Subscription", "Подписка"), sub.Plan, pick(en, "until", "до"), common.FormatDateTime(sub.ExpiresAt)))
	}
	h.sendMessage(chatID, sb.String())
}

// HandleHistory — !история. Последние операции и итоги.
func (h *Handler) HandleHistory(ctx context.Context, chatID, userID int64, locale string) {
	records, err := h.processor.Records(ctx, ledger.Filter{UserID: userID, Limit: historyLimit})
	if err != nil {
		log.WithError(err).WithField("user_id", userID).Error("Ошибка получения истории")
		h.sendMessage(chatID, UserMessage(err, locale))
		return
	}
	stats, err := h.processor.Stats(ctx, userID)
	if err != nil {
		log.WithError(err).WithField("user_id", userID).Error("Ошибка получения статистики")
		h.sendMessage(chatID, UserMessage(err, locale))
		return
	}

	h.sendMessage(chatID, FormatHistory(records, stats, locale))
}

// FormatHistory собирает текст истории операций.
func FormatHistory(records []*ledger.PaymentRecord, stats *ledger.Stats, locale string) string {
	en := common.IsEnglish(locale)
	if len(records) == 0 {
		return pick(en, "📜 No operations yet", "📜 Операций пока нет")
	}

	var sb strings.Builder
	sb.WriteString(pick(en, "📜 Recent operations:\n", "📜 Последние операции:\n"))
	for _, r := range records {
		amount := r.AmountMinor
		if r.Direction == ledger.DirectionOutcome {
			amount = -amount
		}
		sb.WriteString(fmt.Sprintf("%s  %s  %s\n", common.FormatDateTime(r.CreatedAt), common.FormatStarsAmount(amount), r.Category))
	}
	sb.WriteString(fmt.Sprintf("\n%s: +%s / -%s",
		pick(en, "Total", "Всего"), common.FormatNumber(stats.TotalIncome), common.FormatNumber(stats.TotalOutcome)))
	return sb.String()
}

// HandleSubscribe — !подписка <тариф>. Без аргумента показывает тарифы.
func (h *Handler) HandleSubscribe(ctx context.Context, chatID, userID int64, messageID int, args []string, locale string) {
	en := common.IsEnglish(locale)
	if len(args) == 0 {
		var sb strings.Builder
		sb.WriteString(pick(en, "📅 Plans:\n", "📅 Тарифы:\n"))
		for _, p := range subscriptions.Plans() {
			sb.WriteString(fmt.Sprintf("%s — %d %s, %s\n",
				p.Code, p.Days, common.PluralizeDays(p.Days), common.FormatBalanceLocale(p.Price, locale)))
		}
		sb.WriteString(pick(en, "\nUsage: /subscribe <plan>", "\nФормат: !подписка <тариф>"))
		h.sendMessage(chatID, sb.String())
		return
	}

	opID := CommandOperationID("sub", chatID, messageID)
	res, sub, err := h.processor.PurchaseSubscription(ctx, userID, opID, strings.ToLower(args[0]), locale)
	if err != nil {
		h.sendMessage(chatID, UserMessage(err, locale))
		return
	}
	if !res.Success {
		h.sendMessage(chatID, UserMessage(res.Reason, locale))
		return
	}

	text := fmt.Sprintf("✅ %s %s %s %s\n⭐ %s: %s",
		pick(en, "Subscription", "Подписка"), sub.Plan, pick(en, "until", "до"), common.FormatDateTime(sub.ExpiresAt),
		pick(en, "Balance", "Баланс"), common.FormatBalanceLocale(res.NewBalance, locale))
	h.sendMessage(chatID, text)
}

// HandleBuy — /buy <пакет>. Отправляет счёт Telegram Payments.
func (h *Handler) HandleBuy(ctx context.Context, chatID, userID int64, args []string, locale string) {
	en := common.IsEnglish(locale)
	if len(args) == 0 {
		var sb strings.Builder
		sb.WriteString(pick(en, "🛒 Packs:\n", "🛒 Пакеты звёзд:\n"))
		for _, p := range h.cfg.StarsPacks {
			sb.WriteString(fmt.Sprintf("%s — %s %s %d %s\n",
				p.Code, common.FormatBalanceLocale(p.Stars, locale), pick(en, "for", "за"), p.Price, h.cfg.PaymentsCurrency))
		}
		sb.WriteString(pick(en, "\nUsage: /buy <pack>", "\nФормат: /buy <пакет>"))
		h.sendMessage(chatID, sb.String())
		return
	}

	pack, ok := h.cfg.FindPack(strings.ToLower(args[0]))
	if !ok {
		h.sendMessage(chatID, pick(en, "❌ Unknown pack", "❌ Неизвестный пакет"))
		return
	}

	invoice := tgbotapi.NewInvoice(chatID,
		pick(en, "Stars", "Звёзды")+" "+pack.Code,
		common.FormatBalanceLocale(pack.Stars, locale),
		InvoicePayload(pack.Code, userID),
		h.cfg.PaymentsProviderToken,
		"",
		h.cfg.PaymentsCurrency,
		[]tgbotapi.LabeledPrice{{Label: pack.Code, Amount: int(pack.Price)}},
	)
	if _, err := h.bot.Send(invoice); err != nil {
		log.WithError(err).WithFields(log.Fields{"user_id": userID, "pack": pack.Code}).Error("Ошибка отправки счёта")
		h.sendMessage(chatID, UserMessage(common.ErrStorage, locale))
	}
}

// HandlePreCheckout подтверждает оплату, если пакет и сумма совпадают с конфигом.
func (h *Handler) HandlePreCheckout(ctx context.Context, q *tgbotapi.PreCheckoutQuery) {
	answer := tgbotapi.PreCheckoutConfig{PreCheckoutQueryID: q.ID, OK: true}
	if err := h.checkPayment(q.InvoicePayload, q.Currency, int64(q.TotalAmount)); err != nil {
		log.WithError(err).WithField("payload", q.InvoicePayload).Warn("Оплата отклонена на pre-checkout")
		answer.OK = false
		answer.ErrorMessage = "Пакет недоступен, попробуйте ещё раз"
	}
	if _, err := h.bot.Request(answer); err != nil {
		log.WithError(err).WithField("query_id", q.ID).Error("Ошибка ответа на pre-checkout")
	}
}

// HandleSuccessfulPayment зачисляет звёзды. Ключ идемпотентности — charge id
// Telegram, так что повторная доставка апдейта ничего не начислит. Сбой
// хранилища повторяется с тем же ключом (TOPUP_MAX_RETRIES).
// ctx не должен отменяться при остановке бота.
func (h *Handler) HandleSuccessfulPayment(ctx context.Context, msg *tgbotapi.Message) {
	p := msg.SuccessfulPayment
	if p == nil || msg.From == nil {
		return
	}
	locale := msg.From.LanguageCode
	logger := log.WithFields(log.Fields{
		"user_id":   msg.From.ID,
		"charge_id": p.TelegramPaymentChargeID,
	})

	packCode, _, err := ParseInvoicePayload(p.InvoicePayload)
	if err != nil {
		logger.WithError(err).Error("Оплата с неизвестным payload")
		return
	}
	pack, ok := h.cfg.FindPack(packCode)
	if !ok {
		logger.WithField("pack", packCode).Error("Оплачен неизвестный пакет")
		return
	}

	req := TopUpRequest{
		UserID:           msg.From.ID,
		TelegramChargeID: p.TelegramPaymentChargeID,
		ProviderChargeID: p.ProviderPaymentChargeID,
		Pack:             pack.Code,
		Stars:            pack.Stars,
		Currency:         p.Currency,
		TotalAmount:      int64(p.TotalAmount),
		Locale:           locale,
	}
	attempt := 0
	res, err := h.topUp.WithContext(ctx).Get(func() (*Result, error) {
		attempt++
		if attempt > 1 {
			logger.WithField("attempt", attempt).Warn("Повторяем зачисление оплаченных звёзд")
		}
		return h.processor.TopUp(ctx, req)
	})
	if err != nil {
		// Telegram деньги уже списал и апдейт не повторит: нужен ручной разбор по charge_id
		logger.WithError(err).WithField("attempts", attempt).Error("Не удалось зачислить оплаченные звёзды")
		h.sendMessage(msg.Chat.ID, UserMessage(err, locale))
		return
	}
	if !res.Success {
		logger.WithError(res.Reason).Error("Зачисление отклонено")
		return
	}
	logger.WithField("stars", pack.Stars).Info("Звёзды зачислены после оплаты")
}

func (h *Handler) checkPayment(payload, currency string, total int64) error {
	code, _, err := ParseInvoicePayload(payload)
	if err != nil {
		return err
	}
	pack, ok := h.cfg.FindPack(code)
	if !ok {
		return fmt.Errorf("пакет %q не найден", code)
	}
	if currency != h.cfg.PaymentsCurrency || total != pack.Price {
		return fmt.Errorf("сумма %d %s не совпадает с пакетом %s", total, currency, code)
	}
	return nil
}

// InvoicePayload — "stars:<пакет>:<user_id>"
func InvoicePayload(pack string, userID int64) string {
	return fmt.Sprintf("stars:%s:%d", pack, userID)
}

// ParseInvoicePayload разбирает payload счёта.
func ParseInvoicePayload(payload string) (string, int64, error) {
	parts := strings.Split(payload, ":")
	if len(parts) != 3 || parts[0] != "stars" || parts[1] == "" {
		return "", 0, errors.New("некорректный payload счёта")
	}
	userID, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("некорректный user_id в payload: %w", err)
	}
	return parts[1], userID, nil
}

// sendMessage — утилита для отправки сообщений.
func (h *Handler) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := h.bot.Send(msg); err != nil {
		log.WithError(err).WithField("chat_id", chatID).Error("Ошибка отправки сообщения")
	}
}
