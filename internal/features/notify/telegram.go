package notify

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"serotonyl.ru/starsbot/internal/common"
)

// Sender — часть tgbotapi.BotAPI, нужная для отправки сообщений.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramSink отправляет уведомления в личку пользователю и, при необходимости, админам.
type TelegramSink struct {
	bot      Sender
	adminIDs []int64
}

// NewTelegramSink создаёт Telegram-получатель уведомлений.
func NewTelegramSink(bot Sender, adminIDs []int64) *TelegramSink {
	return &TelegramSink{bot: bot, adminIDs: adminIDs}
}

// Notify отправляет сообщение. tgbotapi не принимает context, поэтому таймаут
// соблюдается ожиданием результата в select.
func (s *TelegramSink) Notify(ctx context.Context, n Notification) error {
	if err := s.send(ctx, n.UserID, FormatUserMessage(n)); err != nil {
		return fmt.Errorf("уведомление user_id=%d: %w", n.UserID, err)
	}
	if !n.CopyToAdmins {
		return nil
	}
	text := FormatAdminMessage(n)
	for _, adminID := range s.adminIDs {
		if adminID == n.UserID {
			continue
		}
		if err := s.send(ctx, adminID, text); err != nil {
			return fmt.Errorf("копия админу %d: %w", adminID, err)
		}
	}
	return nil
}

func (s *TelegramSink) send(ctx context.Context, chatID int64, text string) error {
	errCh := make(chan error, 1)
	go func() {
		_, err := s.bot.Send(tgbotapi.NewMessage(chatID, text))
		errCh <- err
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FormatUserMessage — текст уведомления на языке пользователя.
func FormatUserMessage(n Notification) string {
	var sb strings.Builder
	en := common.IsEnglish(n.Locale)

	switch {
	case n.Amount == 0 && en:
		sb.WriteString("✅ Subscription updated")
	case n.Amount == 0:
		sb.WriteString("✅ Подписка обновлена")
	case n.Income && en:
		sb.WriteString(fmt.Sprintf("⭐ Credited %s", common.FormatBalanceLocale(n.Amount, n.Locale)))
	case n.Income:
		sb.WriteString(fmt.Sprintf("⭐ Начислено %s", common.FormatStarsAmount(n.Amount)))
	case en:
		sb.WriteString(fmt.Sprintf("💸 Charged %s", common.FormatBalanceLocale(n.Amount, n.Locale)))
	default:
		sb.WriteString(fmt.Sprintf("💸 Списано %s", common.FormatStarsAmount(-n.Amount)))
	}

	if n.Description != "" {
		sb.WriteString("\n")
		sb.WriteString(n.Description)
	}

	if en {
		sb.WriteString(fmt.Sprintf("\nBalance: %d → %d", n.AmountBefore, n.AmountAfter))
	} else {
		sb.WriteString(fmt.Sprintf("\nБаланс: %s → %s",
			common.FormatNumber(n.AmountBefore), common.FormatBalance(n.AmountAfter)))
	}
	return sb.String()
}

// FormatAdminMessage — служебная копия для администраторов.
func FormatAdminMessage(n Notification) string {
	sign := "-"
	if n.Income {
		sign = "+"
	}
	return fmt.Sprintf("🛠 [%s] user_id=%d %s%d (%s)\noperation_id=%s\nбаланс: %d → %d",
		n.Tenant, n.UserID, sign, n.Amount, n.Category, n.OperationID, n.AmountBefore, n.AmountAfter)
}
