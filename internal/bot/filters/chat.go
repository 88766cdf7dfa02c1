// Package filters решает, обрабатывать ли сообщение вообще.
package filters

import (
	"context"
	"errors"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/starsbot/internal/features/members"
)

// ChatFilter пропускает сообщения живых незаблокированных пользователей
// из лички и групп.
type ChatFilter struct {
	memberService *members.Service
}

func NewChatFilter(memberService *members.Service) *ChatFilter {
	return &ChatFilter{memberService: memberService}
}

func (f *ChatFilter) CheckAccess(ctx context.Context, message *tgbotapi.Message) bool {
	if message == nil || message.Chat == nil {
		log.WithField("component", "ChatFilter").Warn("nil message/chat")
		return false
	}
	if message.From == nil {
		log.WithFields(log.Fields{
			"component": "ChatFilter",
			"chat_id":   message.Chat.ID,
			"chat_type": message.Chat.Type,
		}).Warn("nil message.From (service/channel message?)")
		return false
	}

	logger := log.WithFields(log.Fields{
		"component": "ChatFilter",
		"chat_id":   message.Chat.ID,
		"chat_type": message.Chat.Type,
		"user_id":   message.From.ID,
	})

	if message.From.IsBot {
		logger.Debug("deny: bot")
		return false
	}

	// Каналы не обслуживаем
	if message.Chat.IsChannel() {
		logger.Debug("deny: channel")
		return false
	}

	member, err := f.memberService.GetByUserID(ctx, message.From.ID)
	switch {
	case errors.Is(err, members.ErrNotFound):
		// новый пользователь, зарегистрируется дальше
		return true
	case err != nil:
		logger.WithError(err).Warn("member check failed (db), allowing")
		return true
	case member.IsBanned:
		logger.Info("deny: banned")
		return false
	}
	return true
}
