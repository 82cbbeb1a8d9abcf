// Пакет errors — ответы с ошибками в формате Artstore.
// Единый формат: {"error": {"code": "...", "message": "..."}}.
// Все HTTP-ответы с ошибками должны использовать WriteError или WriteDeltaError.
package errors //nolint:revive // имя пакета совпадает со stdlib, импортируется с псевдонимом

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/bigkaa/goartstore/delta-module/internal/domain/model"
)

// Коды ошибок HTTP-уровня. Ошибки дельт передаются с кодом model.ErrorCode.
const (
	CodeValidationError     = "VALIDATION_ERROR"
	CodeNotFound            = "NOT_FOUND"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeForbidden           = "FORBIDDEN"
	CodeReconcileInProgress = "RECONCILE_IN_PROGRESS"
	CodeInternalError       = "INTERNAL_ERROR"
)

// errorBody — структура тела ответа ошибки.
type errorBody struct {
	Error errorDetail `json:"error"`
}

// errorDetail — детали ошибки.
type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// errorCodeSetter реализуется recorder из пакета middleware: код ошибки
// попадает в лог запроса и метрики.
type errorCodeSetter interface {
	SetErrorCode(code string)
}

// WriteError записывает ответ ошибки в стандартном формате Artstore.
// statusCode — HTTP статус-код, code — машиночитаемый код, message — описание.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	if s, ok := w.(errorCodeSetter); ok {
		s.SetErrorCode(code)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// StatusForCode возвращает HTTP-статус для кода ошибки дельты.
func StatusForCode(code model.ErrorCode) int {
	switch code {
	case model.CodeDeltaAlreadyStarted,
		model.CodeDeltaNotStarted,
		model.CodeDeltaAlreadyClosed,
		model.CodeDeltaClosed,
		model.CodeTableBlocked:
		return http.StatusConflict
	case model.CodeDeltaInvalidNum,
		model.CodeDeltaRangeInvalid,
		model.CodeDeltaUnableSetDateTime,
		model.CodeInvalidRequest:
		return http.StatusBadRequest
	case model.CodeDeltaNotFound:
		return http.StatusNotFound
	case model.CodeDeltaBusy:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteDeltaError записывает ошибку сервисного слоя.
// Для DeltaError клиенту уходит код и сообщение без причины из хранилища.
// Неклассифицированные ошибки — 500 INTERNAL_ERROR.
func WriteDeltaError(w http.ResponseWriter, err error) {
	var de *model.DeltaError
	if !stderrors.As(err, &de) {
		InternalError(w, "Внутренняя ошибка сервера")
		return
	}
	WriteError(w, StatusForCode(de.Code), string(de.Code), de.Message)
}

// --- Конструкторы для типичных ошибок ---

// ValidationError — 400 некорректные входные данные.
func ValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeValidationError, message)
}

// NotFound — 404 ресурс не найден.
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message)
}

// Unauthorized — 401 требуется аутентификация.
func Unauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, CodeUnauthorized, message)
}

// Forbidden — 403 недостаточно прав.
func Forbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, CodeForbidden, message)
}

// ReconcileInProgress — 409 сверка уже выполняется.
func ReconcileInProgress(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, CodeReconcileInProgress, message)
}

// InternalError — 500 внутренняя ошибка.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeInternalError, message)
}
