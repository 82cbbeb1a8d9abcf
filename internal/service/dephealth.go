// dephealth.go — интеграция с topologymetrics SDK для мониторинга зависимостей.
//
// Delta Module мониторит:
//   - PostgreSQL — при бэкенде хранилища координации postgres (pgcheck через пул, critical)
//   - JWKS endpoint — при включённой JWT-аутентификации (HTTP GET, critical)
//
// Метрики доступны на /metrics вместе с остальными Prometheus-метриками:
//   - app_dependency_health — состояние зависимости (1 = ok, 0 = fail)
//   - app_dependency_latency_seconds — задержка проверки
//   - app_dependency_status — категория статуса
//   - app_dependency_status_detail — детальный статус
package service

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/url"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/httpcheck" // регистрация HTTP checker factory
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/pgcheck"
	"github.com/prometheus/client_golang/prometheus"
)

// DephealthConfig — параметры мониторинга зависимостей.
type DephealthConfig struct {
	// ServiceID — имя вершины графа текущего приложения.
	ServiceID string
	// Group — имя группы в метриках (DM_DEPHEALTH_GROUP).
	Group         string
	CheckInterval time.Duration
	// IsEntry добавляет лейбл isentry=yes ко всем зависимостям (DEPHEALTH_ISENTRY).
	IsEntry bool

	// DB — *sql.DB поверх pgxpool (stdlib.OpenDBFromPool); nil — PostgreSQL не мониторится.
	DB *sql.DB
	// PgConnURL — URL PostgreSQL для лейблов метрик.
	PgConnURL string

	// JWKSURL — пустая строка отключает проверку JWKS.
	JWKSURL string
}

// HasDependencies возвращает true, если есть что мониторить.
func (c DephealthConfig) HasDependencies() bool {
	return c.DB != nil || c.JWKSURL != ""
}

// DephealthService — сервис мониторинга зависимостей через topologymetrics.
type DephealthService struct {
	dh     *dephealth.DepHealth
	logger *slog.Logger
}

// NewDephealthService создаёт сервис мониторинга зависимостей.
// Метрики регистрируются в глобальном Prometheus registry.
func NewDephealthService(cfg DephealthConfig, logger *slog.Logger) (*DephealthService, error) {
	return newDephealthService(cfg, logger)
}

// NewDephealthServiceWithRegisterer создаёт сервис с указанным Prometheus registerer.
// Используется в тестах для изоляции метрик.
func NewDephealthServiceWithRegisterer(
	cfg DephealthConfig,
	logger *slog.Logger,
	registerer prometheus.Registerer,
) (*DephealthService, error) {
	return newDephealthService(cfg, logger, dephealth.WithRegisterer(registerer))
}

func newDephealthService(cfg DephealthConfig, logger *slog.Logger, extraOpts ...dephealth.Option) (*DephealthService, error) {
	if !cfg.HasDependencies() {
		return nil, errors.New("нет зависимостей для мониторинга")
	}

	common := func() []dephealth.DependencyOption {
		opts := []dephealth.DependencyOption{
			dephealth.CheckInterval(cfg.CheckInterval),
			dephealth.Critical(true),
		}
		if cfg.IsEntry {
			opts = append(opts, dephealth.WithLabel("isentry", "yes"))
		}
		return opts
	}

	opts := []dephealth.Option{dephealth.WithLogger(logger)}

	if cfg.DB != nil {
		pgOpts := append(common(), dephealth.FromURL(cfg.PgConnURL))
		opts = append(opts, dephealth.AddDependency("postgresql", dephealth.TypePostgres,
			pgcheck.New(pgcheck.WithDB(cfg.DB)), pgOpts...))
	}

	if cfg.JWKSURL != "" {
		jwksOpts := append(common(), dephealth.FromURL(cfg.JWKSURL))
		if parsed, err := url.Parse(cfg.JWKSURL); err == nil && parsed.Scheme == "https" {
			jwksOpts = append(jwksOpts, dephealth.WithHTTPTLSSkipVerify(false))
		}
		opts = append(opts, dephealth.HTTP("jwks", jwksOpts...))
	}

	opts = append(opts, extraOpts...)

	dh, err := dephealth.New(cfg.ServiceID, cfg.Group, opts...)
	if err != nil {
		return nil, err
	}

	return &DephealthService{
		dh:     dh,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

// Start запускает периодическую проверку зависимостей.
func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Мониторинг зависимостей запущен")
	return ds.dh.Start(ctx)
}

// Stop останавливает мониторинг зависимостей.
func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Мониторинг зависимостей остановлен")
}

// Health возвращает текущее состояние зависимостей.
// Ключ — имя зависимости, значение — true если ok.
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}
