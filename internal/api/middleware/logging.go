package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// HeaderRequestID — заголовок корреляции запроса.
const HeaderRequestID = "X-Request-ID"

// recorder запоминает, чем закончился запрос: статус, объём тела и код
// ошибки дельты, если обработчик его сообщил. Один recorder разделяется
// всеми middleware цепочки.
type recorder struct {
	http.ResponseWriter
	status    int
	bytes     int64
	errorCode string
}

func wrapRecorder(w http.ResponseWriter) *recorder {
	if rec, ok := w.(*recorder); ok {
		return rec
	}
	return &recorder{ResponseWriter: w, status: http.StatusOK}
}

func (rec *recorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

func (rec *recorder) Write(b []byte) (int, error) {
	n, err := rec.ResponseWriter.Write(b)
	rec.bytes += int64(n)
	return n, err
}

// SetErrorCode вызывается пакетом api/errors при записи ответа с ошибкой.
func (rec *recorder) SetErrorCode(code string) {
	rec.errorCode = code
}

// Unwrap нужен http.ResponseController.
func (rec *recorder) Unwrap() http.ResponseWriter {
	return rec.ResponseWriter
}

// RequestLogger пишет одну запись на запрос. Ответы 4xx идут в WARN, 5xx в ERROR.
// Для маршрутов витрины добавляются имя витрины и код ошибки дельты.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()

			id := r.Header.Get(HeaderRequestID)
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set(HeaderRequestID, id)

			rec := wrapRecorder(w)
			next.ServeHTTP(rec, r)

			attrs := []slog.Attr{
				slog.String("request_id", id),
				slog.String("method", r.Method),
				slog.String("route", routePattern(r)),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Duration("duration", time.Since(started)),
				slog.Int64("bytes", rec.bytes),
			}
			if dm := chi.URLParam(r, "datamart"); dm != "" {
				attrs = append(attrs, slog.String("datamart", dm))
			}
			if rec.errorCode != "" {
				attrs = append(attrs, slog.String("error_code", rec.errorCode))
			}

			logger.LogAttrs(r.Context(), levelFor(rec.status), "HTTP запрос", attrs...)
		})
	}
}

func levelFor(status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
