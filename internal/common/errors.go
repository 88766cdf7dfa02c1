// Package common — errors.go определяет ошибки, которые используются во всех
// модулях бота. Бизнес-отказы (недостаточно звёзд, неверная сумма) отличаются
// от инфраструктурных сбоев (StorageError), чтобы обработчики могли выбрать
// правильный ответ пользователю.
package common

import (
	"errors"
	"fmt"
)

// Ошибки платежей
var (
	// ErrInvalidAmount — сумма отрицательная или нулевая там, где ноль запрещён
	ErrInvalidAmount = errors.New("некорректная сумма")
	// ErrInvalidOperation — пустой operation_id или неизвестное направление
	ErrInvalidOperation = errors.New("некорректная операция")
	// ErrInsufficientFunds — на счёте недостаточно звёзд
	ErrInsufficientFunds = errors.New("недостаточно звёзд на счёте")
	// ErrDuplicateOperation — запись с таким operation_id уже существует.
	// Наружу не выходит: процессор превращает её в повтор исходного результата.
	ErrDuplicateOperation = errors.New("операция уже выполнена")
	// ErrOperationConflict — operation_id повторно использован для другой операции
	ErrOperationConflict = errors.New("operation_id уже использован для другой операции")
	// ErrRecordNotFound — платёжная запись не найдена
	ErrRecordNotFound = errors.New("платёжная запись не найдена")
	// ErrNotRefundable — возвращать можно только завершённые списания
	ErrNotRefundable = errors.New("операцию нельзя вернуть")
	// ErrUnknownPlan — неизвестный тариф подписки
	ErrUnknownPlan = errors.New("неизвестный тариф")
)

// Инфраструктурные ошибки
var (
	// ErrStorage — хранилище недоступно или не ответило вовремя
	ErrStorage = errors.New("хранилище недоступно")
	// ErrNotification — не удалось доставить уведомление
	ErrNotification = errors.New("не удалось доставить уведомление")
)

// Ошибки админки
var (
	// ErrNotAdmin — пользователь не является администратором
	ErrNotAdmin = errors.New("у вас нет прав администратора")
	// ErrWrongPassword — неверный пароль
	ErrWrongPassword = errors.New("неверный пароль")
	// ErrTooManyAttempts — слишком много неудачных попыток входа
	ErrTooManyAttempts = errors.New("слишком много попыток, подождите 1 час")
	// ErrSessionExpired — сессия истекла
	ErrSessionExpired = errors.New("сессия истекла, авторизуйтесь заново")
)

// StorageError — сбой хранилища во время платёжной операции.
// Вызывающий может повторить операцию с тем же operation_id.
type StorageError struct {
	Op          string // Что делали: append, aggregate, lookup
	UserID      int64
	OperationID string
	Amount      int64
	Err         error
}

// NewStorageError оборачивает ошибку драйвера. nil остаётся nil.
func NewStorageError(op string, userID int64, operationID string, amount int64, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, UserID: userID, OperationID: operationID, Amount: amount, Err: err}
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("ошибка хранилища (%s, user_id=%d, operation_id=%s, amount=%d): %v",
		e.Op, e.UserID, e.OperationID, e.Amount, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is позволяет проверять errors.Is(err, ErrStorage).
func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// IsBusiness сообщает, что ошибка — ожидаемый бизнес-отказ, а не сбой.
func IsBusiness(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidOperation) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrOperationConflict) ||
		errors.Is(err, ErrNotRefundable) ||
		errors.Is(err, ErrUnknownPlan)
}
