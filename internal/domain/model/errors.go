package model

import (
	"errors"
	"fmt"
)

// ErrorCode — класс ошибки дельты.
type ErrorCode string

const (
	CodeDeltaAlreadyStarted    ErrorCode = "DELTA_ALREADY_STARTED"
	CodeDeltaNotStarted        ErrorCode = "DELTA_NOT_STARTED"
	CodeDeltaAlreadyClosed     ErrorCode = "DELTA_ALREADY_CLOSED"
	CodeDeltaClosed            ErrorCode = "DELTA_CLOSED"
	CodeTableBlocked           ErrorCode = "TABLE_BLOCKED"
	CodeDeltaInvalidNum        ErrorCode = "DELTA_INVALID_NUM"
	CodeDeltaRangeInvalid      ErrorCode = "DELTA_RANGE_INVALID"
	CodeDeltaUnableSetDateTime ErrorCode = "DELTA_UNABLE_SET_DATETIME"
	CodeDeltaNotFound          ErrorCode = "DELTA_NOT_FOUND"
	CodeDeltaBusy              ErrorCode = "DELTA_BUSY"
	CodeDeltaException         ErrorCode = "DELTA_EXCEPTION"
	CodeInvalidRequest         ErrorCode = "INVALID_REQUEST"
)

// DeltaError — ошибка подсистемы дельт.
// errors.Is сравнивает ошибки по коду, поэтому сентинелы ниже подходят
// для проверки класса любой ошибки с тем же кодом.
type DeltaError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *DeltaError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DeltaError) Unwrap() error {
	return e.Err
}

// Is сравнивает ошибки по коду.
func (e *DeltaError) Is(target error) bool {
	t, ok := target.(*DeltaError)
	return ok && t.Code == e.Code
}

// Сентинелы классов ошибок для errors.Is.
var (
	ErrDeltaAlreadyStarted    = &DeltaError{Code: CodeDeltaAlreadyStarted, Message: "дельта уже открыта"}
	ErrDeltaNotStarted        = &DeltaError{Code: CodeDeltaNotStarted, Message: "дельта не открыта"}
	ErrDeltaAlreadyClosed     = &DeltaError{Code: CodeDeltaAlreadyClosed, Message: "дельта уже закрыта"}
	ErrDeltaClosed            = &DeltaError{Code: CodeDeltaClosed, Message: "нет открытой дельты"}
	ErrTableBlocked           = &DeltaError{Code: CodeTableBlocked, Message: "таблица заблокирована"}
	ErrDeltaInvalidNum        = &DeltaError{Code: CodeDeltaInvalidNum, Message: "некорректный номер дельты"}
	ErrDeltaRangeInvalid      = &DeltaError{Code: CodeDeltaRangeInvalid, Message: "некорректный диапазон дельт"}
	ErrDeltaUnableSetDateTime = &DeltaError{Code: CodeDeltaUnableSetDateTime, Message: "невозможно установить дату дельты"}
	ErrDeltaNotFound          = &DeltaError{Code: CodeDeltaNotFound, Message: "дельта не найдена"}
	ErrDeltaBusy              = &DeltaError{Code: CodeDeltaBusy, Message: "дельта изменяется конкурентно, повторите операцию"}
	ErrDeltaException         = &DeltaError{Code: CodeDeltaException, Message: "ошибка подсистемы дельт"}
	ErrInvalidRequest         = &DeltaError{Code: CodeInvalidRequest, Message: "некорректный запрос"}
)

// NewDeltaError создаёт ошибку с кодом и сообщением.
func NewDeltaError(code ErrorCode, format string, args ...any) *DeltaError {
	return &DeltaError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapDeltaException оборачивает причину (ввод-вывод хранилища, повреждённые данные)
// в DeltaException. Уже классифицированные ошибки возвращаются как есть.
func WrapDeltaException(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	var de *DeltaError
	if errors.As(err, &de) {
		return err
	}
	return &DeltaError{Code: CodeDeltaException, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf возвращает код ошибки или пустую строку для неклассифицированных ошибок.
func CodeOf(err error) ErrorCode {
	var de *DeltaError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// IsRetryable возвращает true для ошибок, после которых операцию можно повторить целиком.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrDeltaBusy)
}
