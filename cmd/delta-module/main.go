// Точка входа Delta Module — координация дельт витрин.
// Загружает конфигурацию, открывает хранилище координации (memory, PostgreSQL
// или etcd), создаёт сервис дельт, исполнитель DDL и препроцессор запросов,
// запускает фоновую сверку, topologymetrics и HTTP-сервер с JWT middleware
// и graceful shutdown.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/goartstore/delta-module/internal/api/handlers"
	"github.com/bigkaa/goartstore/delta-module/internal/api/middleware"
	"github.com/bigkaa/goartstore/delta-module/internal/config"
	"github.com/bigkaa/goartstore/delta-module/internal/coordination"
	"github.com/bigkaa/goartstore/delta-module/internal/coordination/etcdstore"
	"github.com/bigkaa/goartstore/delta-module/internal/coordination/memstore"
	"github.com/bigkaa/goartstore/delta-module/internal/coordination/pgstore"
	"github.com/bigkaa/goartstore/delta-module/internal/deltacmd"
	"github.com/bigkaa/goartstore/delta-module/internal/repository"
	"github.com/bigkaa/goartstore/delta-module/internal/server"
	"github.com/bigkaa/goartstore/delta-module/internal/service"
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("Delta Module запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("env", cfg.EnvName),
		slog.String("store_backend", cfg.StoreBackend),
	)

	ctx := context.Background()

	// 3. Хранилище координации
	backend, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка открытия хранилища координации", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer backend.close()

	coord := coordination.NewClient(backend.store, cfg.EnvName, cfg.StoreOpTimeout, logger)
	if err := coord.EnsurePath(ctx, "/"); err != nil {
		logger.Error("Ошибка создания корня окружения", slog.String("error", err.Error()))
		backend.close()
		os.Exit(1)
	}

	// 4. Repositories
	deltaRepo := repository.NewDeltaRepository(coord, logger)
	writeOpRepo := repository.NewWriteOpRepository(coord, logger)

	// 5. Публикатор событий статуса
	events, closeEvents := newEventPublisher(cfg, logger)
	defer func() {
		if err := closeEvents.Close(); err != nil {
			logger.Warn("Ошибка закрытия публикатора событий", slog.String("error", err.Error()))
		}
	}()

	// 6. Services
	deltaSvc := service.NewDeltaService(
		deltaRepo,
		writeOpRepo,
		service.NewOkDeltaCache(cfg.CacheMaxSize, cfg.CacheTTL),
		events,
		logger,
	)
	executor := deltacmd.NewExecutor(deltaSvc, logger)
	// Разбор SQL выполняет внешний сервис, здесь доступно только разрешение ссылок.
	preprocessor := service.NewDeltaQueryPreprocessor(nil, nil, deltaSvc, logger)
	reconcileSvc := service.NewReconcileService(deltaSvc, nil, cfg.ReconcileInterval, logger)

	// 7. Readiness checkers
	healthHandler := handlers.NewHealthHandler().
		AddCheck("store", handlers.NewStoreReadinessChecker(coord, cfg.StoreBackend))
	if backend.pgChecker != nil {
		healthHandler.AddCheck("postgres", backend.pgChecker)
	}

	// 8. JWT middleware (опционально)
	var jwtAuth *middleware.JWTAuth
	if cfg.AuthEnabled() {
		jwtAuth, err = middleware.NewJWTAuth(middleware.JWTAuthConfig{
			JWKSURL:         cfg.JWKSURL,
			CACertPath:      cfg.JWKSCACert,
			Issuer:          cfg.JWTIssuer,
			AdminGroups:     cfg.AdminGroups,
			ReadonlyGroups:  cfg.ReadonlyGroups,
			ClientTimeout:   cfg.JWKSClientTimeout,
			RefreshInterval: cfg.JWKSRefreshInterval,
			Leeway:          cfg.JWTLeeway,
		}, logger)
		if err != nil {
			logger.Error("Ошибка создания JWT middleware", slog.String("error", err.Error()))
			_ = closeEvents.Close()
			backend.close()
			os.Exit(1)
		}
		jwksChecker, err := middleware.NewJWKSReadinessChecker(cfg.JWKSURL, cfg.JWKSCACert, cfg.JWKSClientTimeout)
		if err != nil {
			logger.Error("Ошибка создания JWKS readiness checker", slog.String("error", err.Error()))
			_ = closeEvents.Close()
			backend.close()
			os.Exit(1)
		}
		healthHandler.AddCheck("jwks", jwksChecker)
		logger.Info("JWT middleware инициализирован",
			slog.String("jwks_url", cfg.JWKSURL),
			slog.String("issuer", cfg.JWTIssuer),
		)
	} else {
		logger.Warn("DM_JWT_JWKS_URL не задан, аутентификация API отключена")
	}

	// 9. API handler
	apiHandler := handlers.NewAPIHandler(deltaSvc, executor, preprocessor, logger).
		WithReconciler(reconcileSvc)

	// 10. Фоновая сверка
	reconcileSvc.Start(ctx)

	// 10.1 topologymetrics — мониторинг зависимостей (PostgreSQL + JWKS)
	var dephealthSvc *service.DephealthService
	dhCfg := service.DephealthConfig{
		ServiceID:     "delta-module",
		Group:         cfg.DephealthGroup,
		CheckInterval: cfg.DephealthCheckInterval,
		IsEntry:       cfg.DephealthIsEntry,
		DB:            backend.db,
		JWKSURL:       cfg.JWKSURL,
	}
	if backend.db != nil {
		dhCfg.PgConnURL = cfg.DatabaseDSN()
	}
	if dhCfg.HasDependencies() {
		var dhErr error
		dephealthSvc, dhErr = service.NewDephealthService(dhCfg, logger)
		if dhErr != nil {
			logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
				slog.String("error", dhErr.Error()),
			)
			dephealthSvc = nil
		} else if startErr := dephealthSvc.Start(ctx); startErr != nil {
			logger.Warn("Ошибка запуска topologymetrics", slog.String("error", startErr.Error()))
			dephealthSvc = nil
		} else {
			logger.Info("topologymetrics запущен",
				slog.String("group", cfg.DephealthGroup),
				slog.String("check_interval", cfg.DephealthCheckInterval.String()),
			)
		}
	}

	// 11. Создание и запуск HTTP-сервера
	srv := server.New(cfg, logger, apiHandler, healthHandler, jwtAuth,
		middleware.MetricsMiddleware(),
		middleware.RequestLogger(logger),
	)
	runErr := srv.Run()

	// 12. Graceful shutdown фоновых задач
	logger.Info("Останавливаем фоновые задачи...")
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}
	reconcileSvc.Stop()

	if runErr != nil {
		logger.Error("Ошибка сервера", slog.String("error", runErr.Error()))
		_ = closeEvents.Close()
		backend.close()
		os.Exit(1)
	}
	logger.Info("Delta Module остановлен")
}

// --- Вспомогательные типы ---

// storeBackend — открытое хранилище координации и ресурсы, которые нужно закрыть.
type storeBackend struct {
	store coordination.Store
	// db — *sql.DB поверх пула PostgreSQL для topologymetrics, nil для остальных бэкендов.
	db        *sql.DB
	pgChecker *pgstore.ReadinessChecker
	closers   []func()
}

// close освобождает ресурсы в обратном порядке. Повторный вызов ничего не делает.
func (b *storeBackend) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}

// openStore открывает хранилище выбранного бэкенда.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*storeBackend, error) {
	b := &storeBackend{}

	switch cfg.StoreBackend {
	case config.BackendPostgres:
		logger.Info("Применение миграций БД...")
		if err := pgstore.Migrate(cfg.MigrateURL(), logger); err != nil {
			return nil, err
		}
		pool, err := pgstore.Connect(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		// Адаптер pgxpool → *sql.DB: topologymetrics проверяет PostgreSQL через тот же пул.
		b.db = stdlib.OpenDBFromPool(pool)
		b.pgChecker = pgstore.NewReadinessChecker(pool)
		b.store = pgstore.New(pool)
		b.closers = append(b.closers, pool.Close, func() { _ = b.db.Close() })

	case config.BackendEtcd:
		endpoints := cfg.EtcdEndpoints
		if cfg.EtcdEmbedded {
			e, err := etcdstore.StartEmbedded(ctx, etcdstore.EmbeddedConfig{
				Name:      "delta-module",
				Dir:       cfg.EtcdDataDir,
				ClientURL: cfg.EtcdClientURL,
				PeerURL:   cfg.EtcdPeerURL,
				MaxTxnOps: cfg.EtcdMaxTxnOps,
			}, logger)
			if err != nil {
				return nil, err
			}
			b.closers = append(b.closers, e.Close)
			endpoints = e.Endpoints()
		}
		cli, err := etcdstore.Dial(endpoints, cfg.EtcdDialTimeout)
		if err != nil {
			b.close()
			return nil, err
		}
		b.closers = append(b.closers, func() { _ = cli.Close() })
		store, err := etcdstore.New(ctx, cli, cfg.EtcdPrefix, logger, etcdstore.WithMaxTxnOps(cfg.EtcdMaxTxnOps))
		if err != nil {
			b.close()
			return nil, err
		}
		b.store = store
		logger.Info("Подключение к etcd установлено", slog.Any("endpoints", endpoints))

	case config.BackendMemory:
		logger.Warn("Хранилище координации в памяти: состояние дельт не переживёт рестарт")
		b.store = memstore.New()

	default:
		return nil, fmt.Errorf("неизвестный бэкенд хранилища %q", cfg.StoreBackend)
	}
	return b, nil
}

// newEventPublisher создаёт публикатор событий статуса и функцию его закрытия.
func newEventPublisher(cfg *config.Config, logger *slog.Logger) (service.StatusEventPublisher, io.Closer) {
	switch cfg.EventsPublisher {
	case config.PublisherKafka:
		p := service.NewKafkaEventPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		logger.Info("События статуса публикуются в Kafka",
			slog.Any("brokers", cfg.KafkaBrokers),
			slog.String("topic", cfg.KafkaTopic),
		)
		return p, p
	case config.PublisherLog:
		return service.NewLogEventPublisher(logger), nopCloser{}
	default:
		return service.NoopEventPublisher{}, nopCloser{}
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
