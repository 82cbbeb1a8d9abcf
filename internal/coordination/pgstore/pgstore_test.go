package pgstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bigkaa/goartstore/delta-module/internal/coordination"
	"github.com/bigkaa/goartstore/delta-module/internal/coordination/storetest"
)

// setupTestDB запускает PostgreSQL в Docker-контейнере через testcontainers
// и применяет миграции. Возвращает DSN подключения.
func setupTestDB(t *testing.T) string {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("delta_test"),
		postgres.WithUsername("delta"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Не удалось запустить PostgreSQL контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Не удалось получить host контейнера: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Не удалось получить port контейнера: %v", err)
	}

	userinfo := fmt.Sprintf("delta:test-password@%s:%s/delta_test?sslmode=disable", host, port.Port())
	if err := Migrate("pgx5://"+userinfo, slog.Default()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return "postgres://" + userinfo
}

// TestStore_Contract проверяет контракт хранилища на PostgreSQL.
// Каждый подтест работает на чистой таблице.
func TestStore_Contract(t *testing.T) {
	dsn := setupTestDB(t)
	ctx := context.Background()

	storetest.Run(t, func(t *testing.T) coordination.Store {
		pool, err := newPool(ctx, dsn)
		if err != nil {
			t.Fatalf("pgxpool: %v", err)
		}
		if _, err := pool.Exec(ctx, `DELETE FROM coordination_nodes WHERE path <> '/'`); err != nil {
			t.Fatalf("очистка таблицы: %v", err)
		}
		if _, err := pool.Exec(ctx, `UPDATE coordination_nodes SET cversion = 0, num_children = 0 WHERE path = '/'`); err != nil {
			t.Fatalf("сброс корня: %v", err)
		}
		return New(pool)
	})
}

// TestMigrate_Idempotent проверяет повторное применение миграций.
func TestMigrate_Idempotent(t *testing.T) {
	dsn := setupTestDB(t)
	migrateURL := "pgx5" + dsn[len("postgres"):]
	if err := Migrate(migrateURL, slog.Default()); err != nil {
		t.Fatalf("повторный Migrate: %v", err)
	}
}

// TestReadinessChecker проверяет readiness PostgreSQL.
func TestReadinessChecker(t *testing.T) {
	dsn := setupTestDB(t)
	pool, err := newPool(context.Background(), dsn)
	if err != nil {
		t.Fatalf("pgxpool: %v", err)
	}
	defer pool.Close()

	status, msg := NewReadinessChecker(pool).CheckReady(t.Context())
	if status != "ok" {
		t.Errorf("CheckReady = %q (%s), ожидался ok", status, msg)
	}
}

func newPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	return pgxpool.New(ctx, dsn)
}
