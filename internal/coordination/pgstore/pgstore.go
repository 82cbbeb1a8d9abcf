// Пакет pgstore — хранилище координации поверх PostgreSQL.
// Узлы лежат в таблице coordination_nodes; Multi выполняется в одной
// транзакции, строки узлов блокируются через SELECT ... FOR UPDATE.
// Создание дочернего узла всегда блокирует строку родителя, поэтому
// номера последовательных узлов выдаются строго по порядку.
package pgstore

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bigkaa/goartstore/delta-module/internal/config"
	"github.com/bigkaa/goartstore/delta-module/internal/coordination"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Connect создаёт пул подключений к PostgreSQL.
// Выполняет ping для проверки доступности.
func Connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseDSN())
	if err != nil {
		return nil, fmt.Errorf("ошибка парсинга DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания пула подключений: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ошибка подключения к PostgreSQL: %w", err)
	}

	logger.Info("Подключение к PostgreSQL установлено",
		slog.String("host", cfg.DBHost),
		slog.Int("port", cfg.DBPort),
		slog.String("database", cfg.DBName),
	)
	return pool, nil
}

// Migrate применяет SQL-миграции из embedded FS.
func Migrate(migrateURL string, logger *slog.Logger) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("ошибка создания источника миграций: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, migrateURL)
	if err != nil {
		return fmt.Errorf("ошибка инициализации миграций: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("ошибка применения миграций: %w", err)
	}

	version, dirty, _ := m.Version()
	logger.Info("Миграции применены",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// Store — хранилище координации в PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New создаёт хранилище поверх готового пула. Таблица должна быть создана Migrate.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Get возвращает данные и метаданные узла.
func (s *Store) Get(ctx context.Context, p string) ([]byte, coordination.Stat, error) {
	if err := coordination.ValidatePath(p); err != nil {
		return nil, coordination.Stat{}, err
	}

	var n coordination.Node
	err := s.pool.QueryRow(ctx,
		`SELECT data, version, cversion, num_children FROM coordination_nodes WHERE path = $1`, p,
	).Scan(&n.Data, &n.Version, &n.CVersion, &n.NumChildren)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, coordination.Stat{}, coordination.ErrNoNode
	}
	if err != nil {
		return nil, coordination.Stat{}, fmt.Errorf("чтение узла %s: %w", p, err)
	}
	return n.Data, n.Stat(), nil
}

// Children возвращает отсортированные имена дочерних узлов.
func (s *Store) Children(ctx context.Context, p string) ([]string, error) {
	if err := coordination.ValidatePath(p); err != nil {
		return nil, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("начало транзакции: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM coordination_nodes WHERE path = $1)`, p,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("проверка узла %s: %w", p, err)
	}
	if !exists {
		return nil, coordination.ErrNoNode
	}

	rows, err := tx.Query(ctx,
		`SELECT path FROM coordination_nodes WHERE parent = $1 ORDER BY path COLLATE "C"`, p)
	if err != nil {
		return nil, fmt.Errorf("чтение дочерних узлов %s: %w", p, err)
	}
	paths, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("чтение дочерних узлов %s: %w", p, err)
	}

	names := make([]string, 0, len(paths))
	for _, child := range paths {
		names = append(names, coordination.Base(child))
	}
	return names, nil
}

// Multi атомарно применяет операции в одной транзакции.
func (s *Store) Multi(ctx context.Context, ops ...coordination.Op) ([]coordination.OpResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("начало транзакции: %w", mapTxError(err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	results, err := coordination.Apply(ctx, &txView{tx: tx}, ops)
	if err != nil {
		return nil, mapTxError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("фиксация транзакции: %w", mapTxError(err))
	}
	return results, nil
}

// Close закрывает пул подключений.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// mapTxError превращает конфликты сериализации и взаимоблокировки в ErrTxnConflict.
func mapTxError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected, pgerrcode.UniqueViolation:
			return fmt.Errorf("%w: %s", coordination.ErrTxnConflict, pgErr.Message)
		}
	}
	return err
}

// txView — представление узлов внутри транзакции PostgreSQL.
type txView struct {
	tx pgx.Tx
}

func (v *txView) Load(ctx context.Context, p string) (*coordination.Node, error) {
	var n coordination.Node
	err := v.tx.QueryRow(ctx,
		`SELECT data, version, cversion, num_children
		   FROM coordination_nodes WHERE path = $1 FOR UPDATE`, p,
	).Scan(&n.Data, &n.Version, &n.CVersion, &n.NumChildren)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("чтение узла %s: %w", p, err)
	}
	return &n, nil
}

func (v *txView) Put(ctx context.Context, p string, n *coordination.Node) error {
	parent := ""
	if p != "/" {
		parent = coordination.Parent(p)
	}
	_, err := v.tx.Exec(ctx,
		`INSERT INTO coordination_nodes (path, parent, data, version, cversion, num_children, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (path) DO UPDATE SET
		     data = EXCLUDED.data,
		     version = EXCLUDED.version,
		     cversion = EXCLUDED.cversion,
		     num_children = EXCLUDED.num_children,
		     updated_at = EXCLUDED.updated_at`,
		p, parent, n.Data, n.Version, n.CVersion, n.NumChildren, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("запись узла %s: %w", p, err)
	}
	return nil
}

func (v *txView) Remove(ctx context.Context, p string) error {
	if _, err := v.tx.Exec(ctx, `DELETE FROM coordination_nodes WHERE path = $1`, p); err != nil {
		return fmt.Errorf("удаление узла %s: %w", p, err)
	}
	return nil
}

// ReadinessChecker — проверка готовности PostgreSQL для health endpoint.
type ReadinessChecker struct {
	pool *pgxpool.Pool
}

// NewReadinessChecker создаёт проверку готовности PostgreSQL.
func NewReadinessChecker(pool *pgxpool.Pool) *ReadinessChecker {
	return &ReadinessChecker{pool: pool}
}

// CheckReady проверяет подключение к PostgreSQL через ping.
func (c *ReadinessChecker) CheckReady(ctx context.Context) (status, message string) {
	if err := c.pool.Ping(ctx); err != nil {
		return "fail", fmt.Sprintf("PostgreSQL недоступен: %v", err)
	}
	return "ok", "подключение активно"
}
