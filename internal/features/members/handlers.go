// Package members — handlers.go обрабатывает /start и /help.
package members

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/starsbot/internal/common"
)

// Sender — часть tgbotapi.BotAPI для ответов.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Handler обрабатывает события пользователей.
type Handler struct {
	service     *Service
	bot         Sender
	botUsername string
}

// NewHandler создаёт новый обработчик.
func NewHandler(service *Service, bot Sender, botUsername string) *Handler {
	return &Handler{service: service, bot: bot, botUsername: botUsername}
}

// HandleStart — /start [ref_<id>]. Регистрирует пользователя и показывает справку.
func (h *Handler) HandleStart(ctx context.Context, chatID int64, from *tgbotapi.User, args []string) {
	var referrerID int64
	if len(args) > 0 {
		referrerID = ParseReferral(args[0])
	}

	p := ProfileFromUser(from)
	created, err := h.service.Register(ctx, p, referrerID)
	if err != nil {
		log.WithError(err).WithField("user_id", from.ID).Error("Ошибка регистрации пользователя")
	}

	text := HelpText(p.Locale)
	if created {
		text = greeting(p.Locale, from.FirstName) + "\n\n" + text
	}
	h.sendMessage(chatID, text+"\n\n"+h.inviteText(ctx, p.Locale, from.ID))
}

// HandleHelp — /help.
func (h *Handler) HandleHelp(ctx context.Context, chatID int64, locale string) {
	h.sendMessage(chatID, HelpText(locale))
}

// ProfileFromUser собирает профиль из пользователя Telegram.
func ProfileFromUser(u *tgbotapi.User) Profile {
	return Profile{
		UserID:    u.ID,
		Username:  u.UserName,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Locale:    u.LanguageCode,
	}
}

// HelpText — список команд.
func HelpText(locale string) string {
	if common.IsEnglish(locale) {
		return "Commands:\n" +
			"/balance — stars balance\n" +
			"/history — recent operations\n" +
			"/subscribe <plan> — buy a subscription\n" +
			"/buy <pack> — buy stars"
	}
	return "Команды:\n" +
		"!звезды — баланс звёзд\n" +
		"!история — последние операции\n" +
		"!подписка <тариф> — купить подписку\n" +
		"/buy <пакет> — купить звёзды"
}

func greeting(locale, name string) string {
	if common.IsEnglish(locale) {
		return fmt.Sprintf("👋 Hi, %s!", name)
	}
	return fmt.Sprintf("👋 Привет, %s!", name)
}

// inviteText — ссылка-приглашение и число уже приглашённых.
func (h *Handler) inviteText(ctx context.Context, locale string, userID int64) string {
	link := ReferralLink(h.botUsername, userID)
	en := common.IsEnglish(locale)
	text := "🎁 Приглашай друзей: " + link
	if en {
		text = "🎁 Invite friends: " + link
	}

	n, err := h.service.CountReferrals(ctx, userID)
	if err != nil {
		log.WithError(err).WithField("user_id", userID).Warn("Не удалось посчитать приглашённых")
		return text
	}
	if n > 0 {
		if en {
			text += fmt.Sprintf("\nInvited: %d", n)
		} else {
			text += fmt.Sprintf("\nПриглашено: %d", n)
		}
	}
	return text
}

func (h *Handler) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := h.bot.Send(msg); err != nil {
		log.WithError(err).WithField("chat_id", chatID).Error("Ошибка отправки сообщения")
	}
}
