// reconcile.go — фоновая сверка состояния дельт.
//
// Для каждой витрины:
//   - продолжает откат, прерванный после первой фазы (hot.rollingBack);
//   - считает незавершённые операции записи (gauge);
//   - если настроен LivenessChecker и операция признана брошенной, откатывает дельту.
//
// Таймаут брошенной операции не вводится: решение принимает LivenessChecker.
// Запускается при старте и далее с периодом DM_RECONCILE_INTERVAL.
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/delta-module/internal/domain/model"
	"github.com/bigkaa/goartstore/delta-module/internal/repository"
)

// Prometheus-метрики сверки.
var (
	reconcileRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dm_reconcile_runs_total",
		Help: "Общее количество запусков сверки дельт",
	})

	reconcileUnfinishedWriteOps = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dm_reconcile_unfinished_write_ops",
		Help: "Количество незавершённых операций записи по результатам последней сверки",
	})

	reconcileResumedRollbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dm_reconcile_resumed_rollbacks_total",
		Help: "Количество откатов, завершённых сверкой",
	})

	reconcileDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dm_reconcile_duration_seconds",
		Help:    "Длительность сверки дельт в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	})
)

// LivenessChecker определяет, что за незавершённой операцией записи нет
// живого исполнителя.
type LivenessChecker interface {
	IsAbandoned(ctx context.Context, dm string, op *model.DeltaWriteOp) (bool, error)
}

// DeltaMaintainer — операции над дельтами, нужные сверке. Реализуется *DeltaService.
type DeltaMaintainer interface {
	ListDatamarts(ctx context.Context) ([]string, error)
	GetHot(ctx context.Context, dm string) (*model.HotDelta, error)
	GetWriteOps(ctx context.Context, dm, table string, unfinishedOnly bool) ([]*model.DeltaWriteOp, error)
	Rollback(ctx context.Context, dm string) (*repository.RollbackResult, error)
}

// ReconcileResult — итог одного цикла сверки.
type ReconcileResult struct {
	Datamarts          int           `json:"datamarts"`
	ResumedRollbacks   int           `json:"resumedRollbacks"`
	AbandonedRollbacks int           `json:"abandonedRollbacks"`
	UnfinishedWriteOps int           `json:"unfinishedWriteOps"`
	Errors             int           `json:"errors"`
	Duration           time.Duration `json:"duration"`
}

// ReconcileService — сервис фоновой сверки дельт.
type ReconcileService struct {
	deltas   DeltaMaintainer
	liveness LivenessChecker
	interval time.Duration
	logger   *slog.Logger

	mu        sync.Mutex // защита от параллельного запуска
	inProcess bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewReconcileService создаёт сервис сверки. liveness может быть nil.
func NewReconcileService(
	deltas DeltaMaintainer,
	liveness LivenessChecker,
	interval time.Duration,
	logger *slog.Logger,
) *ReconcileService {
	return &ReconcileService{
		deltas:   deltas,
		liveness: liveness,
		interval: interval,
		logger:   logger.With(slog.String("component", "reconcile")),
	}
}

// Start выполняет сверку сразу и затем периодически. interval <= 0 — только однократно.
func (rs *ReconcileService) Start(ctx context.Context) {
	rsCtx, cancel := context.WithCancel(ctx)
	rs.cancel = cancel
	rs.done = make(chan struct{})

	go rs.run(rsCtx)

	rs.logger.Info("Сверка дельт запущена",
		slog.String("interval", rs.interval.String()),
	)
}

// Stop останавливает фоновую сверку и ждёт завершения текущего цикла.
func (rs *ReconcileService) Stop() {
	if rs.cancel == nil {
		return
	}
	rs.cancel()
	<-rs.done
	rs.logger.Info("Сверка дельт остановлена")
}

// IsInProgress возвращает true, если сверка выполняется.
func (rs *ReconcileService) IsInProgress() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.inProcess
}

func (rs *ReconcileService) run(ctx context.Context) {
	defer close(rs.done)

	rs.RunOnce(ctx)
	if rs.interval <= 0 {
		return
	}

	ticker := time.NewTicker(rs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rs.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один цикл сверки.
// Если сверка уже выполняется, возвращает nil, true.
func (rs *ReconcileService) RunOnce(ctx context.Context) (*ReconcileResult, bool) {
	rs.mu.Lock()
	if rs.inProcess {
		rs.mu.Unlock()
		rs.logger.Warn("Сверка дельт уже выполняется, пропуск")
		return nil, true
	}
	rs.inProcess = true
	rs.mu.Unlock()

	defer func() {
		rs.mu.Lock()
		rs.inProcess = false
		rs.mu.Unlock()
	}()

	start := time.Now()
	result := &ReconcileResult{}

	datamarts, err := rs.deltas.ListDatamarts(ctx)
	if err != nil {
		rs.logger.Error("Ошибка получения списка витрин", slog.String("error", err.Error()))
		result.Errors++
	}
	for _, dm := range datamarts {
		if ctx.Err() != nil {
			break
		}
		result.Datamarts++
		rs.reconcileDatamart(ctx, dm, result)
	}

	result.Duration = time.Since(start)
	reconcileRunsTotal.Inc()
	reconcileDurationSeconds.Observe(result.Duration.Seconds())
	reconcileUnfinishedWriteOps.Set(float64(result.UnfinishedWriteOps))

	rs.logger.Info("Сверка дельт завершена",
		slog.Int("datamarts", result.Datamarts),
		slog.Int("resumed_rollbacks", result.ResumedRollbacks),
		slog.Int("abandoned_rollbacks", result.AbandonedRollbacks),
		slog.Int("unfinished_write_ops", result.UnfinishedWriteOps),
		slog.Int("errors", result.Errors),
		slog.String("duration", result.Duration.String()),
	)
	return result, false
}

func (rs *ReconcileService) reconcileDatamart(ctx context.Context, dm string, result *ReconcileResult) {
	hot, err := rs.deltas.GetHot(ctx, dm)
	if err != nil {
		rs.logError("Ошибка чтения открытой дельты", dm, err)
		result.Errors++
		return
	}
	if hot == nil {
		return
	}

	if hot.RollingBack {
		if _, err := rs.deltas.Rollback(ctx, dm); err != nil {
			rs.logError("Ошибка завершения прерванного отката", dm, err)
			result.Errors++
			return
		}
		result.ResumedRollbacks++
		reconcileResumedRollbacksTotal.Inc()
		rs.logger.Info("Прерванный откат завершён",
			slog.String("datamart", dm),
			slog.Int64("delta_num", hot.DeltaNum),
		)
		return
	}

	unfinished, err := rs.deltas.GetWriteOps(ctx, dm, "", true)
	if err != nil {
		rs.logError("Ошибка чтения операций записи", dm, err)
		result.Errors++
		return
	}
	result.UnfinishedWriteOps += len(unfinished)
	if rs.liveness == nil {
		return
	}

	for _, op := range unfinished {
		abandoned, err := rs.liveness.IsAbandoned(ctx, dm, op)
		if err != nil {
			rs.logError("Ошибка проверки исполнителя операции записи", dm, err)
			result.Errors++
			continue
		}
		if !abandoned {
			continue
		}

		rs.logger.Warn("Операция записи брошена, откат дельты",
			slog.String("datamart", dm),
			slog.String("table", op.TableName),
			slog.Int64("sys_cn", op.SysCn),
		)
		if _, err := rs.deltas.Rollback(ctx, dm); err != nil {
			rs.logError("Ошибка отката дельты с брошенной операцией", dm, err)
			result.Errors++
			return
		}
		result.AbandonedRollbacks++
		result.UnfinishedWriteOps -= len(unfinished)
		return
	}
}

func (rs *ReconcileService) logError(msg, dm string, err error) {
	rs.logger.Error(msg,
		slog.String("datamart", dm),
		slog.String("error", err.Error()),
	)
}
