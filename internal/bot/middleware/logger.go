// Package middleware содержит промежуточные обработчики для логирования,
// восстановления после паники и rate-limiting.
package middleware

import (
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	log "github.com/sirupsen/logrus"
)

// maxLoggedText — сколько символов текста попадает в лог
const maxLoggedText = 50

// LogMessage логирует входящее сообщение.
// Записывает: user_id, chat_id, username, текст (первые 50 символов).
// redact прячет текст: в личке админа это может быть пароль.
func LogMessage(message *tgbotapi.Message, redact bool) {
	if message == nil || message.From == nil || message.Chat == nil {
		return
	}

	text := Truncate(message.Text, maxLoggedText)
	if redact {
		text = "***"
	}
	log.WithFields(log.Fields{
		"user_id":  message.From.ID,
		"chat_id":  message.Chat.ID,
		"username": message.From.UserName,
		"text":     text,
	}).Debug("Входящее сообщение")
}

// Truncate обрезает текст по символам, а не байтам: кириллица не бьётся пополам.
func Truncate(text string, n int) string {
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n]) + "..."
}
