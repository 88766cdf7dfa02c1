// Package common содержит общие утилиты, используемые во всём проекте.
// Сюда входят: русская плюрализация, форматирование сумм, работа с временем.
package common

import (
	"fmt"
	"time"
)

// pluralRu выбирает форму слова по правилам русского языка:
//   - n%10==1 И n%100!=11 → one (1, 21, 101)
//   - n%10 в [2,3,4] И n%100 НЕ в [12,13,14] → few (2, 3, 22)
//   - остальные → many (0, 5-20, 25, 100)
func pluralRu(n int64, one, few, many string) string {
	if n < 0 {
		n = -n
	}
	lastDigit := n % 10
	lastTwoDigits := n % 100

	if lastDigit == 1 && lastTwoDigits != 11 {
		return one
	}
	if lastDigit >= 2 && lastDigit <= 4 && (lastTwoDigits < 12 || lastTwoDigits > 14) {
		return few
	}
	return many
}

// PluralizeStars возвращает правильную форму слова «звезда» для числа n.
//
// Примеры:
//
//	PluralizeStars(1)  → "звезда"
//	PluralizeStars(3)  → "звезды"
//	PluralizeStars(5)  → "звёзд"
//	PluralizeStars(11) → "звёзд"
func PluralizeStars(n int64) string {
	return pluralRu(n, "звезда", "звезды", "звёзд")
}

// PluralizeDays возвращает правильную форму слова «день» для числа n.
func PluralizeDays(n int) string {
	return pluralRu(int64(n), "день", "дня", "дней")
}

// FormatBalance форматирует баланс в читабельную строку.
// Пример: FormatBalance(150) → "150 звёзд"
func FormatBalance(balance int64) string {
	return fmt.Sprintf("%s %s", FormatNumber(balance), PluralizeStars(balance))
}

// FormatBalanceLocale форматирует баланс на языке пользователя.
func FormatBalanceLocale(balance int64, locale string) string {
	if IsEnglish(locale) {
		if balance == 1 || balance == -1 {
			return fmt.Sprintf("%d star", balance)
		}
		return fmt.Sprintf("%d stars", balance)
	}
	return FormatBalance(balance)
}

// IsEnglish — для всех не русскоязычных пользователей отвечаем по-английски.
func IsEnglish(locale string) bool {
	return locale != "" && locale != "ru" && locale != "uk" && locale != "be"
}

// MoscowLocation возвращает Europe/Moscow, а при отсутствии tzdata — UTC+3.
func MoscowLocation() *time.Location {
	loc, err := time.LoadLocation("Europe/Moscow")
	if err != nil {
		return time.FixedZone("MSK", 3*60*60)
	}
	return loc
}

// FormatDateTime форматирует время как "02.01.2006 15:04" по Москве.
// Используется для отображения истории операций.
func FormatDateTime(t time.Time) string {
	return t.In(MoscowLocation()).Format("02.01.2006 15:04")
}
