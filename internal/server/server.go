// Пакет server — HTTP-сервер Delta Module с graceful shutdown.
// Без TLS — HTTP внутри кластера, TLS termination на API Gateway.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/goartstore/delta-module/internal/api/handlers"
	"github.com/bigkaa/goartstore/delta-module/internal/api/middleware"
	"github.com/bigkaa/goartstore/delta-module/internal/config"
)

// Server — HTTP-сервер Delta Module.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт HTTP-сервер с маршрутами и middleware.
// auth == nil — аутентификация отключена, RBAC не применяется.
// middlewares — общие middleware (metrics, logging), добавляются в порядке переданного среза.
func New(
	cfg *config.Config,
	logger *slog.Logger,
	api *handlers.APIHandler,
	health *handlers.HealthHandler,
	auth *middleware.JWTAuth,
	middlewares ...func(http.Handler) http.Handler,
) *Server {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewRouter(api, health, auth, middlewares...),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// NewRouter строит маршрутизатор.
// /health/* и /metrics доступны без токена, /api/* — через JWT и RBAC.
func NewRouter(
	api *handlers.APIHandler,
	health *handlers.HealthHandler,
	auth *middleware.JWTAuth,
	middlewares ...func(http.Handler) http.Handler,
) http.Handler {
	router := chi.NewRouter()
	for _, mw := range middlewares {
		router.Use(mw)
	}
	if auth != nil {
		router.Use(JWTAuthWithExclusions(auth.Middleware(), "/health/", "/metrics"))
	}

	read, write := passThrough, passThrough
	if auth != nil {
		read, write = middleware.RequireRead(), middleware.RequireWrite()
	}

	router.Get("/health/live", health.HealthLive)
	router.Get("/health/ready", health.HealthReady)
	router.Get("/metrics", health.GetMetrics)

	router.Route("/api/v1", func(r chi.Router) {
		r.With(read).Get("/datamarts", api.ListDatamarts)
		r.With(write).Post("/admin/reconcile", api.RunReconcile)

		r.Route("/datamarts/{datamart}", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(read)
				r.Get("/delta/hot", api.GetHotDelta)
				r.Get("/delta/ok", api.GetOkDelta)
				r.Get("/delta/num/{num}", api.GetDeltaByNum)
				r.Get("/delta/datetime", api.GetDeltaByDatetime)
				r.Get("/write-ops", api.ListWriteOps)
				r.Post("/preprocess", api.PreprocessQuery)
			})
			r.Group(func(r chi.Router) {
				r.Use(write)
				r.Post("/delta/begin", api.BeginDelta)
				r.Post("/delta/commit", api.CommitDelta)
				r.Post("/delta/rollback", api.RollbackDelta)
				r.Post("/delta/query", api.ExecuteCommand)
				r.Post("/write-ops", api.CreateWriteOp)
				r.Post("/write-ops/{sysCn}/finish", api.FinishWriteOp)
			})
		})
	})

	return router
}

func passThrough(next http.Handler) http.Handler {
	return next
}

// JWTAuthWithExclusions оборачивает middleware, пропуская указанные пути.
// Запросы к путям, начинающимся с любого из excludePrefixes, проходят без middleware.
func JWTAuthWithExclusions(mw func(http.Handler) http.Handler, excludePrefixes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		protected := mw(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, prefix := range excludePrefixes {
				if strings.HasPrefix(r.URL.Path, prefix) {
					next.ServeHTTP(w, r)
					return
				}
			}
			protected.ServeHTTP(w, r)
		})
	}
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM).
// При получении сигнала выполняется graceful shutdown.
func (s *Server) Run() error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
		)

		err := s.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
