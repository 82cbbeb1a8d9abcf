// health.go — обработчики health endpoints Delta Module.
// /health/live — liveness probe (процесс жив)
// /health/ready — readiness probe (хранилище координации и JWKS доступны)
// /metrics — Prometheus метрики
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bigkaa/goartstore/delta-module/internal/config"
)

// Статусы health check.
const (
	statusOK       = "ok"
	statusDegraded = "degraded"
	statusFail     = "fail"
)

// readyTimeout — ограничение на проверку одной зависимости.
const readyTimeout = 3 * time.Second

// ReadinessChecker — проверка готовности зависимости.
type ReadinessChecker interface {
	// CheckReady возвращает статус ("ok", "degraded", "fail") и сообщение.
	CheckReady(ctx context.Context) (status, message string)
}

// Pinger — хранилище, поддерживающее проверку доступности.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreReadinessChecker проверяет хранилище координации.
type StoreReadinessChecker struct {
	store   Pinger
	backend string
}

// NewStoreReadinessChecker создаёт проверку хранилища координации.
func NewStoreReadinessChecker(store Pinger, backend string) *StoreReadinessChecker {
	return &StoreReadinessChecker{store: store, backend: backend}
}

// CheckReady читает корень окружения.
func (c *StoreReadinessChecker) CheckReady(ctx context.Context) (status, message string) {
	if err := c.store.Ping(ctx); err != nil {
		return statusFail, c.backend + ": " + err.Error()
	}
	return statusOK, c.backend + " доступен"
}

// namedChecker — проверка с именем для ответа readiness.
type namedChecker struct {
	name    string
	checker ReadinessChecker
}

// HealthHandler — обработчик health endpoints.
type HealthHandler struct {
	checks      []namedChecker
	promHandler http.Handler
}

// NewHealthHandler создаёт обработчик health endpoints.
func NewHealthHandler() *HealthHandler {
	return &HealthHandler{promHandler: promhttp.Handler()}
}

// AddCheck добавляет зависимость в readiness probe.
func (h *HealthHandler) AddCheck(name string, checker ReadinessChecker) *HealthHandler {
	h.checks = append(h.checks, namedChecker{name: name, checker: checker})
	return h
}

// healthCheckResult — результат проверки одной зависимости.
type healthCheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthLiveResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
	Service   string `json:"service"`
}

type healthReadyResponse struct {
	Status    string                       `json:"status"`
	Timestamp string                       `json:"timestamp"`
	Version   string                       `json:"version"`
	Service   string                       `json:"service"`
	Checks    map[string]healthCheckResult `json:"checks"`
}

// HealthLive — liveness probe. Возвращает 200 если процесс жив.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthLiveResponse{
		Status:    statusOK,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   config.Version,
		Service:   "delta-module",
	})
}

// HealthReady — readiness probe. 200 (ok/degraded) или 503 (fail).
// Без зарегистрированных проверок — fail: хранилище обязательно.
func (h *HealthHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	resp := healthReadyResponse{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   config.Version,
		Service:   "delta-module",
		Checks:    make(map[string]healthCheckResult, len(h.checks)),
	}

	statuses := make([]string, 0, len(h.checks))
	for _, c := range h.checks {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		status, msg := c.checker.CheckReady(ctx)
		cancel()
		resp.Checks[c.name] = healthCheckResult{Status: status, Message: msg}
		statuses = append(statuses, status)
	}
	if len(statuses) == 0 {
		statuses = append(statuses, statusFail)
	}
	resp.Status = overallStatus(statuses...)

	code := http.StatusOK
	if resp.Status == statusFail {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// GetMetrics — Prometheus метрики.
func (h *HealthHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.promHandler.ServeHTTP(w, r)
}

// overallStatus: хотя бы один fail — fail, хотя бы один degraded — degraded, иначе ok.
func overallStatus(statuses ...string) string {
	hasDegraded := false
	for _, s := range statuses {
		if s == statusFail {
			return statusFail
		}
		if s == statusDegraded {
			hasDegraded = true
		}
	}
	if hasDegraded {
		return statusDegraded
	}
	return statusOK
}

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
