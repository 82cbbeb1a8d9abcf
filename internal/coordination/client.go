package coordination

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики обращений к хранилищу координации.
var (
	storeOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dm_coordination_ops_total",
		Help: "Количество обращений к хранилищу координации",
	}, []string{"op", "result"})

	storeOpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dm_coordination_op_duration_seconds",
		Help:    "Длительность обращений к хранилищу координации в секундах",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"op"})
)

// Client — обёртка над Store: корневой префикс окружения, таймаут
// на каждый запрос, метрики и логирование.
// Все пути в методах Client относительны корню окружения.
type Client struct {
	store     Store
	root      string
	opTimeout time.Duration
	logger    *slog.Logger
}

// NewClient создаёт клиента. envName — первый сегмент всех путей ("/<env>/...").
// opTimeout <= 0 отключает собственный таймаут клиента.
func NewClient(store Store, envName string, opTimeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		store:     store,
		root:      Join(envName),
		opTimeout: opTimeout,
		logger:    logger.With(slog.String("component", "coordination")),
	}
}

// Root возвращает абсолютный корневой путь окружения.
func (c *Client) Root() string {
	return c.root
}

// Get читает узел.
func (c *Client) Get(ctx context.Context, p string) ([]byte, Stat, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	data, stat, err := c.store.Get(ctx, c.abs(p))
	c.observe("get", p, start, err)
	return data, stat, err
}

// Exists проверяет существование узла.
func (c *Client) Exists(ctx context.Context, p string) (bool, Stat, error) {
	_, stat, err := c.Get(ctx, p)
	if errors.Is(err, ErrNoNode) {
		return false, Stat{}, nil
	}
	if err != nil {
		return false, Stat{}, err
	}
	return true, stat, nil
}

// Children возвращает отсортированные имена дочерних узлов.
func (c *Client) Children(ctx context.Context, p string) ([]string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	names, err := c.store.Children(ctx, c.abs(p))
	c.observe("children", p, start, err)
	return names, err
}

// Multi атомарно применяет операции. Пути в результатах и в *MultiError
// возвращаются относительными.
func (c *Client) Multi(ctx context.Context, ops ...Op) ([]OpResult, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	absOps := make([]Op, len(ops))
	for i, op := range ops {
		op.Path = c.absPrefix(op)
		absOps[i] = op
	}

	start := time.Now()
	results, err := c.store.Multi(ctx, absOps...)
	c.observe("multi", "", start, err)
	if err != nil {
		var me *MultiError
		if errors.As(err, &me) && me.Index >= 0 && me.Index < len(ops) {
			return nil, &MultiError{Index: me.Index, Op: ops[me.Index], Err: me.Err}
		}
		return nil, err
	}

	for i := range results {
		results[i].Path = c.rel(results[i].Path)
	}
	return results, nil
}

// Create создаёт один узел.
func (c *Client) Create(ctx context.Context, p string, data []byte) error {
	_, err := c.Multi(ctx, Create(p, data))
	return unwrapSingle(err)
}

// SetData записывает данные с проверкой версии и возвращает новую версию.
func (c *Client) SetData(ctx context.Context, p string, data []byte, version int64) (int64, error) {
	res, err := c.Multi(ctx, SetData(p, data, version))
	if err != nil {
		return 0, unwrapSingle(err)
	}
	return res[0].Stat.Version, nil
}

// Delete удаляет один узел.
func (c *Client) Delete(ctx context.Context, p string, version int64) error {
	_, err := c.Multi(ctx, Delete(p, version))
	return unwrapSingle(err)
}

// EnsurePath создаёт недостающие узлы пути (включая корень окружения).
// Уже существующие узлы не изменяются.
func (c *Client) EnsurePath(ctx context.Context, p string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	full := c.abs(p)
	cur := ""
	for _, s := range strings.Split(strings.TrimPrefix(full, "/"), "/") {
		cur += "/" + s
		_, _, err := c.store.Get(ctx, cur)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNoNode) {
			return err
		}
		_, err = c.store.Multi(ctx, Create(cur, nil))
		if err != nil && !errors.Is(err, ErrNodeExists) {
			return err
		}
	}
	return nil
}

// Ping проверяет доступность хранилища чтением корня окружения.
// Отсутствие корня не считается ошибкой.
func (c *Client) Ping(ctx context.Context) error {
	_, _, err := c.Exists(ctx, "/")
	return err
}

// Close закрывает хранилище.
func (c *Client) Close() error {
	return c.store.Close()
}

// --- Вспомогательные функции ---

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.opTimeout)
}

// abs превращает относительный путь в абсолютный.
func (c *Client) abs(p string) string {
	if p == "" || p == "/" {
		return c.root
	}
	return c.root + p
}

// absPrefix — как abs, но сохраняет завершающий "/" префикса последовательного узла.
func (c *Client) absPrefix(op Op) string {
	if op.Kind == OpCreateSequential {
		return c.root + op.Path
	}
	return c.abs(op.Path)
}

// rel отрезает корень окружения.
func (c *Client) rel(p string) string {
	if p == c.root {
		return "/"
	}
	return strings.TrimPrefix(p, c.root)
}

func (c *Client) observe(op, p string, start time.Time, err error) {
	storeOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	result := "ok"
	switch {
	case err == nil:
	case IsStateError(err):
		result = "state_error"
	default:
		result = "error"
		c.logger.Error("Ошибка обращения к хранилищу координации",
			slog.String("op", op),
			slog.String("path", p),
			slog.String("error", err.Error()),
		)
	}
	storeOpsTotal.WithLabelValues(op, result).Inc()
}

// unwrapSingle возвращает причину *MultiError для операций из одного шага.
func unwrapSingle(err error) error {
	var me *MultiError
	if errors.As(err, &me) {
		return me.Err
	}
	return err
}
