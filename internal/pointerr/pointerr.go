// Package pointerr определяет типизированные ошибки сервиса баллов.
//
// Каждая ошибка несёт машиночитаемый код, HTTP-статус и сообщение с
// конкретными цифрами нарушенного правила. Ошибки сравниваются по коду
// через errors.Is; непредвиденные ошибки хранилища до этого пакета не
// доходят и наружу отдаются как внутренняя ошибка.
package pointerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code — машиночитаемый код ошибки.
type Code string

const (
	CodeInvalidAwardAmount     Code = "INVALID_AWARD_AMOUNT"
	CodeExceedsMaxBalance      Code = "EXCEEDS_MAX_BALANCE"
	CodeInvalidExpiryDays      Code = "INVALID_EXPIRY_DAYS"
	CodeTransactionNotFound    Code = "TRANSACTION_NOT_FOUND"
	CodeBatchNotFound          Code = "BATCH_NOT_FOUND"
	CodeBatchAlreadyUsed       Code = "BATCH_ALREADY_USED"
	CodeInvalidTransactionType Code = "INVALID_TRANSACTION_TYPE"
	CodeInsufficientBalance    Code = "INSUFFICIENT_BALANCE"
	CodeInvalidRedeemAmount    Code = "INVALID_REDEEM_AMOUNT"
	CodeOrderRefRequired       Code = "ORDER_REF_REQUIRED"
	CodeExceedsReversible      Code = "EXCEEDS_REVERSIBLE_AMOUNT"
	CodeInvalidReversalAmount  Code = "INVALID_REVERSAL_AMOUNT"
	CodeConfigNotFound         Code = "CONFIG_NOT_FOUND"
	CodeInvalidConfigValue     Code = "INVALID_CONFIG_VALUE"
	CodeInternal               Code = "INTERNAL_ERROR"
)

// Error — ошибка нарушения бизнес-правила.
type Error struct {
	Code    Code
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is сравнивает ошибки по коду, игнорируя сообщение.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// Validation возвращает ошибку нарушения предусловия операции (HTTP 400).
func Validation(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

// NotFound возвращает ошибку отсутствия сущности (HTTP 404).
func NotFound(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Status: http.StatusNotFound, Message: fmt.Sprintf(format, args...)}
}

// Conflict возвращает ошибку недопустимого состояния (HTTP 409).
func Conflict(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Status: http.StatusConflict, Message: fmt.Sprintf(format, args...)}
}

// ByCode возвращает ошибку-образец для сравнения через errors.Is.
func ByCode(code Code) *Error {
	return &Error{Code: code}
}
