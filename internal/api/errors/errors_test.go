package errors

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bigkaa/goartstore/delta-module/internal/domain/model"
)

func TestWriteDeltaError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"уже открыта", model.NewDeltaError(model.CodeDeltaAlreadyStarted, "x"), http.StatusConflict, "DELTA_ALREADY_STARTED"},
		{"таблица заблокирована", model.NewDeltaError(model.CodeTableBlocked, "x"), http.StatusConflict, "TABLE_BLOCKED"},
		{"конкуренция", model.NewDeltaError(model.CodeDeltaBusy, "x"), http.StatusServiceUnavailable, "DELTA_BUSY"},
		{"неверный номер", model.NewDeltaError(model.CodeDeltaInvalidNum, "x"), http.StatusBadRequest, "DELTA_INVALID_NUM"},
		{"некорректный запрос", model.NewDeltaError(model.CodeInvalidRequest, "x"), http.StatusBadRequest, "INVALID_REQUEST"},
		{"не найдена", model.NewDeltaError(model.CodeDeltaNotFound, "x"), http.StatusNotFound, "DELTA_NOT_FOUND"},
		{"сбой хранилища", model.WrapDeltaException(stderrors.New("io"), "x"), http.StatusInternalServerError, "DELTA_EXCEPTION"},
		{"неклассифицированная", stderrors.New("boom"), http.StatusInternalServerError, CodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteDeltaError(rec, tt.err)

			if rec.Code != tt.wantStatus {
				t.Errorf("статус = %d, ожидался %d", rec.Code, tt.wantStatus)
			}
			var body errorBody
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("тело ответа не JSON: %v", err)
			}
			if body.Error.Code != tt.wantCode {
				t.Errorf("code = %q, ожидался %q", body.Error.Code, tt.wantCode)
			}
		})
	}
}

// TestWriteDeltaError_HidesCause: причина из хранилища не попадает в ответ.
func TestWriteDeltaError_HidesCause(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteDeltaError(rec, model.WrapDeltaException(stderrors.New("password=secret"), "ошибка чтения дельты"))

	var body errorBody
	_ = json.NewDecoder(rec.Body).Decode(&body)
	if body.Error.Message != "ошибка чтения дельты" {
		t.Errorf("message = %q", body.Error.Message)
	}
}

func TestWriteError_ContentType(t *testing.T) {
	rec := httptest.NewRecorder()
	Forbidden(rec, "нет прав")

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if rec.Code != http.StatusForbidden {
		t.Errorf("статус = %d", rec.Code)
	}
}
