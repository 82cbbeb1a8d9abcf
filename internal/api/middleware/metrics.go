package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики HTTP API. Лейбл route — шаблон chi, поэтому имена витрин
// и номера дельт не раздувают кардинальность.
var (
	apiRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dm",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Запросы к API дельт по маршруту и статусу",
		},
		[]string{"method", "route", "status"},
	)

	apiLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dm",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Время обработки запросов к API дельт",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"method", "route"},
	)

	apiErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dm",
			Subsystem: "http",
			Name:      "errors_total",
			Help:      "Ответы API с ошибкой по коду из тела ответа",
		},
		[]string{"route", "code"},
	)
)

// MetricsMiddleware считает запросы, их длительность и коды ошибок.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			rec := wrapRecorder(w)
			next.ServeHTTP(rec, r)

			route := routePattern(r)
			apiRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
			apiLatency.WithLabelValues(r.Method, route).Observe(time.Since(started).Seconds())
			if rec.errorCode != "" {
				apiErrors.WithLabelValues(route, rec.errorCode).Inc()
			}
		})
	}
}

// routePattern — шаблон маршрута, по которому chi обработал запрос,
// или "unmatched".
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return "unmatched"
	}
	if p := rctx.RoutePattern(); p != "" {
		return p
	}
	return "unmatched"
}
