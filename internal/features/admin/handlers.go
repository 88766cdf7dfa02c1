// Package admin — handlers.go обрабатывает админские команды в личке бота:
// /login, /logout, /refund, /renew, /grant, /adminhelp.
package admin

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/starsbot/internal/common"
	"serotonyl.ru/starsbot/internal/features/payments"
)

// BotAPI — часть tgbotapi.BotAPI, которой пользуется админка.
type BotAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Handler обрабатывает сообщения администраторов.
type Handler struct {
	service   *Service
	processor *payments.Processor
	bot       BotAPI
}

// NewHandler создаёт обработчик админки.
func NewHandler(service *Service, processor *payments.Processor, bot BotAPI) *Handler {
	return &Handler{service: service, processor: processor, bot: bot}
}

const helpText = `🛠 Админ-команды:
/refund <operation_id> <причина> — вернуть списание
/renew <user_id> <тариф> <причина> — продлить подписку без списания
/grant <user_id> <сумма> <причина> — начислить звёзды
/logout — выйти`

// HandleAdminMessage обрабатывает сообщение в личке. Возвращает true, если
// сообщение было админским и дальше его обрабатывать не нужно.
func (h *Handler) HandleAdminMessage(ctx context.Context, chatID, userID int64, messageID int, text string) bool {
	if !h.service.IsAdmin(userID) {
		return false
	}
	text = strings.TrimSpace(text)

	// Ждём пароль после /login: пароль может начинаться с "/" или "!",
	// поэтому паролем считается любой текст, кроме повторного /login
	if state := h.service.GetState(userID); state != nil && state.State == StateAwaitingPassword && !strings.EqualFold(text, "/login") {
		h.service.ClearState(userID)
		h.deleteMessage(chatID, messageID)
		h.login(ctx, chatID, userID, text)
		return true
	}

	if !isCommand(text) {
		return false
	}
	fields := strings.Fields(text)
	command := strings.ToLower(strings.TrimLeft(fields[0], "/!."))
	args := fields[1:]

	switch command {
	case "login":
		if len(args) == 0 {
			h.service.SetState(userID, StateAwaitingPassword)
			h.sendMessage(chatID, "🔐 Введите пароль администратора")
			return true
		}
		h.deleteMessage(chatID, messageID)
		h.login(ctx, chatID, userID, strings.Join(args, " "))
		return true
	case "logout", "refund", "renew", "grant", "adminhelp":
	default:
		return false
	}

	active, err := h.service.HasActiveSession(ctx, userID)
	if err != nil {
		log.WithError(err).WithField("user_id", userID).Error("Ошибка проверки сессии администратора")
		h.sendMessage(chatID, "⚠️ Что-то пошло не так, попробуйте ещё раз")
		return true
	}
	if !active {
		h.sendMessage(chatID, "🔒 "+common.ErrSessionExpired.Error()+": /login")
		return true
	}
	h.service.Touch(ctx, userID)

	switch command {
	case "logout":
		if err := h.service.Logout(ctx, userID); err != nil {
			log.WithError(err).WithField("user_id", userID).Error("Ошибка выхода из админки")
		}
		h.sendMessage(chatID, "👋 Вы вышли из админки")
	case "refund":
		h.handleRefund(ctx, chatID, userID, args)
	case "renew":
		h.handleRenew(ctx, chatID, userID, messageID, args)
	case "grant":
		h.handleGrant(ctx, chatID, userID, messageID, args)
	case "adminhelp":
		h.sendMessage(chatID, helpText)
	}
	return true
}

func (h *Handler) login(ctx context.Context, chatID, userID int64, password string) {
	err := h.service.VerifyPassword(ctx, userID, password)
	switch {
	case err == nil:
		h.sendMessage(chatID, "✅ Вход выполнен\n\n"+helpText)
	case errors.Is(err, common.ErrWrongPassword), errors.Is(err, common.ErrTooManyAttempts), errors.Is(err, common.ErrNotAdmin):
		h.sendMessage(chatID, "❌ "+err.Error())
	default:
		log.WithError(err).WithField("user_id", userID).Error("Ошибка входа в админку")
		h.sendMessage(chatID, "⚠️ Что-то пошло не так, попробуйте ещё раз")
	}
}

// /refund <operation_id> <причина>
func (h *Handler) handleRefund(ctx context.Context, chatID, operatorID int64, args []string) {
	if len(args) < 2 {
		h.sendMessage(chatID, "Формат: /refund <operation_id> <причина>")
		return
	}
	res, err := h.processor.Refund(ctx, payments.RefundRequest{
		OriginalOperationID: args[0],
		OperatorID:          operatorID,
		Reason:              strings.Join(args[1:], " "),
	})
	h.reply(chatID, "Возврат", res, err)
}

// /renew <user_id> <тариф> <причина>
func (h *Handler) handleRenew(ctx context.Context, chatID, operatorID int64, messageID int, args []string) {
	if len(args) < 3 {
		h.sendMessage(chatID, "Формат: /renew <user_id> <тариф> <причина>")
		return
	}
	userID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		h.sendMessage(chatID, "❌ Некорректный user_id")
		return
	}
	res, err := h.processor.Renew(ctx, payments.RenewalRequest{
		UserID:      userID,
		OperationID: payments.CommandOperationID("renew", chatID, messageID),
		Plan:        strings.ToLower(args[1]),
		OperatorID:  operatorID,
		Reason:      strings.Join(args[2:], " "),
	})
	h.reply(chatID, "Продление", res, err)
}

// /grant <user_id> <сумма> <причина>
func (h *Handler) handleGrant(ctx context.Context, chatID, operatorID int64, messageID int, args []string) {
	if len(args) < 3 {
		h.sendMessage(chatID, "Формат: /grant <user_id> <сумма> <причина>")
		return
	}
	userID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		h.sendMessage(chatID, "❌ Некорректный user_id")
		return
	}
	amount, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		h.sendMessage(chatID, "❌ Некорректная сумма")
		return
	}
	res, err := h.processor.Grant(ctx, payments.GrantRequest{
		UserID:      userID,
		OperationID: payments.CommandOperationID("grant", chatID, messageID),
		AmountMinor: amount,
		OperatorID:  operatorID,
		Reason:      strings.Join(args[2:], " "),
	})
	h.reply(chatID, "Начисление", res, err)
}

func (h *Handler) reply(chatID int64, what string, res *payments.Result, err error) {
	if err != nil {
		log.WithError(err).WithField("action", what).Error("Ошибка админской операции")
		h.sendMessage(chatID, payments.UserMessage(err, "ru"))
		return
	}
	if !res.Success {
		h.sendMessage(chatID, payments.UserMessage(res.Reason, "ru"))
		return
	}
	if res.Replayed {
		h.sendMessage(chatID, fmt.Sprintf("ℹ️ %s: операция уже была проведена (запись %s)", what, res.RecordID))
		return
	}
	h.sendMessage(chatID, fmt.Sprintf("✅ %s: готово\nЗапись: %s\nБаланс: %s",
		what, res.RecordID, common.FormatBalance(res.NewBalance)))
}

func isCommand(text string) bool {
	return strings.HasPrefix(text, "/") || strings.HasPrefix(text, "!") || strings.HasPrefix(text, ".")
}

// deleteMessage убирает из чата сообщение с паролем.
func (h *Handler) deleteMessage(chatID int64, messageID int) {
	if messageID == 0 {
		return
	}
	if _, err := h.bot.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		log.WithError(err).WithField("chat_id", chatID).Debug("Не удалось удалить сообщение с паролем")
	}
}

func (h *Handler) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := h.bot.Send(msg); err != nil {
		log.WithError(err).WithField("chat_id", chatID).Error("Ошибка отправки сообщения")
	}
}
