package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/goartstore/delta-module/internal/api/errors"
)

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	h := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte("busy"))
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/datamarts/sales/delta/begin", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	id := rec.Header().Get(HeaderRequestID)
	if id == "" {
		t.Fatal("X-Request-ID не выставлен")
	}
	out := buf.String()
	for _, want := range []string{`"level":"WARN"`, `"status":409`, `"bytes":4`, `"request_id":"` + id + `"`} {
		if !strings.Contains(out, want) {
			t.Errorf("в логе нет %s: %s", want, out)
		}
	}
}

func TestRequestLogger_KeepsRequestID(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
	h := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set(HeaderRequestID, "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get(HeaderRequestID); got != "req-42" {
		t.Errorf("X-Request-ID = %q, ожидался req-42", got)
	}
}

func TestRoutePattern(t *testing.T) {
	var got string
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req)
			got = routePattern(req)
		})
	})
	r.Get("/api/v1/datamarts/{datamart}/delta/num/{num}", func(http.ResponseWriter, *http.Request) {})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/datamarts/sales/delta/num/7", nil))
	if got != "/api/v1/datamarts/{datamart}/delta/num/{num}" {
		t.Errorf("шаблон = %q", got)
	}

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", nil))
	if got != "unmatched" {
		t.Errorf("шаблон для неизвестного пути = %q, ожидался unmatched", got)
	}
}

func TestMetricsMiddleware_StatusCapture(t *testing.T) {
	h := MetricsMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("статус = %d", rec.Code)
	}
}

func TestRequestLogger_DatamartAndErrorCode(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	r := chi.NewRouter()
	r.Use(MetricsMiddleware(), RequestLogger(logger))
	r.Post("/api/v1/datamarts/{datamart}/delta/commit", func(w http.ResponseWriter, _ *http.Request) {
		apierrors.WriteError(w, http.StatusConflict, "DELTA_NOT_STARTED", "нет открытой дельты")
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/datamarts/sales/delta/commit", nil))

	out := buf.String()
	for _, want := range []string{
		`"datamart":"sales"`,
		`"error_code":"DELTA_NOT_STARTED"`,
		`"route":"/api/v1/datamarts/{datamart}/delta/commit"`,
		`"level":"WARN"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("в логе нет %s: %s", want, out)
		}
	}
}

func TestRecorder_ErrorCode(t *testing.T) {
	rec := wrapRecorder(httptest.NewRecorder())
	if wrapRecorder(rec) != rec {
		t.Error("повторная обёртка должна возвращать тот же recorder")
	}
	apierrors.WriteError(rec, http.StatusServiceUnavailable, "DELTA_BUSY", "повторите")
	if rec.status != http.StatusServiceUnavailable || rec.errorCode != "DELTA_BUSY" || rec.bytes == 0 {
		t.Errorf("recorder = status %d, code %q, bytes %d", rec.status, rec.errorCode, rec.bytes)
	}
}

func TestLevelFor(t *testing.T) {
	tests := []struct {
		status int
		want   slog.Level
	}{
		{http.StatusOK, slog.LevelInfo},
		{http.StatusCreated, slog.LevelInfo},
		{http.StatusNotFound, slog.LevelWarn},
		{http.StatusServiceUnavailable, slog.LevelError},
	}
	for _, tt := range tests {
		if got := levelFor(tt.status); got != tt.want {
			t.Errorf("levelFor(%d) = %v, ожидался %v", tt.status, got, tt.want)
		}
	}
}
