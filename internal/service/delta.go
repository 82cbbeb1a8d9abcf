// delta.go — жизненный цикл дельты витрины: открытие, операции записи,
// закрытие и откат, чтение истории и разрешение ссылок на дельты в sysCn.
package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/delta-module/internal/domain/model"
	"github.com/bigkaa/goartstore/delta-module/internal/repository"
)

// Prometheus-метрики переходов дельты.
var (
	deltaTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dm_delta_transitions_total",
		Help: "Количество операций над дельтами по результату",
	}, []string{"operation", "result"})

	writeOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dm_write_ops_total",
		Help: "Количество операций записи по результату",
	}, []string{"result"})
)

// DeltaService — конечный автомат дельты витрины.
type DeltaService struct {
	deltas   repository.DeltaRepository
	writeOps repository.WriteOpRepository
	cache    *OkDeltaCache
	events   StatusEventPublisher
	logger   *slog.Logger
}

// NewDeltaService создаёт сервис дельт. cache и events могут быть nil.
func NewDeltaService(
	deltas repository.DeltaRepository,
	writeOps repository.WriteOpRepository,
	cache *OkDeltaCache,
	events StatusEventPublisher,
	logger *slog.Logger,
) *DeltaService {
	if events == nil {
		events = NoopEventPublisher{}
	}
	return &DeltaService{
		deltas:   deltas,
		writeOps: writeOps,
		cache:    cache,
		events:   events,
		logger:   logger.With(slog.String("component", "delta_service")),
	}
}

// --- Переходы ---

// Begin открывает дельту. num, если задан, должен быть следующим номером.
func (s *DeltaService) Begin(ctx context.Context, dm string, num *int64) (*model.HotDelta, error) {
	if err := validateDatamart(dm); err != nil {
		return nil, s.observe("begin", dm, err)
	}
	hot, err := s.deltas.WriteNewHot(ctx, dm, num)
	if err != nil {
		return nil, s.observe("begin", dm, err)
	}
	s.observe("begin", dm, nil)
	s.events.PublishStatus(ctx, EventDeltaOpen, dm, hot)
	return hot, nil
}

// Commit закрывает открытую дельту. Операции записи должны быть завершены.
func (s *DeltaService) Commit(ctx context.Context, dm string, deltaDate *time.Time) (*model.OkDelta, error) {
	if err := validateDatamart(dm); err != nil {
		return nil, s.observe("commit", dm, err)
	}
	ok, err := s.deltas.CommitHot(ctx, dm, deltaDate)
	if err != nil {
		return nil, s.observe("commit", dm, err)
	}
	s.observe("commit", dm, nil)
	if s.cache != nil {
		s.cache.Set(dm, ok)
	}
	s.events.PublishStatus(ctx, EventDeltaClose, dm, ok)
	return ok, nil
}

// Rollback откатывает открытую дельту. Без открытой дельты возвращает
// пустой результат: повторный откат не является ошибкой.
func (s *DeltaService) Rollback(ctx context.Context, dm string) (*repository.RollbackResult, error) {
	if err := validateDatamart(dm); err != nil {
		return nil, s.observe("rollback", dm, err)
	}
	res, err := s.deltas.RollbackHot(ctx, dm)
	if err != nil {
		return nil, s.observe("rollback", dm, err)
	}
	s.observe("rollback", dm, nil)
	if res.Hot != nil {
		s.events.PublishStatus(ctx, EventDeltaCancel, dm, res.Hot)
	}
	return res, nil
}

// --- Операции записи ---

// WriteNewOperation регистрирует операцию записи в открытой дельте и возвращает sysCn.
func (s *DeltaService) WriteNewOperation(ctx context.Context, req model.DeltaWriteOpRequest) (int64, error) {
	if err := validateDatamart(req.Datamart); err != nil {
		writeOpsTotal.WithLabelValues(resultLabel(err)).Inc()
		return 0, err
	}
	sysCn, err := s.writeOps.WriteNewOperation(ctx, req)
	writeOpsTotal.WithLabelValues(resultLabel(err)).Inc()
	if err != nil {
		s.logFailure("write", req.Datamart, err)
		return 0, err
	}
	return sysCn, nil
}

// FinishOperation завершает операцию записи и снимает блокировку таблицы.
func (s *DeltaService) FinishOperation(
	ctx context.Context, dm, table string, sysCn int64, status model.WriteOpStatus,
) (*model.DeltaWriteOp, error) {
	if err := validateDatamart(dm); err != nil {
		return nil, err
	}
	op, err := s.writeOps.FinishOperation(ctx, dm, table, sysCn, status)
	if err != nil {
		s.logFailure("finish", dm, err)
		return nil, err
	}
	writeOpsTotal.WithLabelValues(status.String()).Inc()
	return op, nil
}

// GetWriteOps возвращает операции записи открытой дельты, при необходимости
// только по таблице и только незавершённые.
func (s *DeltaService) GetWriteOps(ctx context.Context, dm, table string, unfinishedOnly bool) ([]*model.DeltaWriteOp, error) {
	if err := validateDatamart(dm); err != nil {
		return nil, err
	}

	var (
		ops []*model.DeltaWriteOp
		err error
	)
	switch {
	case table != "":
		ops, err = s.writeOps.GetWriteOpsByTable(ctx, dm, table)
	case unfinishedOnly:
		return s.writeOps.GetAllUnfinished(ctx, dm)
	default:
		return s.writeOps.GetAll(ctx, dm)
	}
	if err != nil || !unfinishedOnly {
		return ops, err
	}

	result := ops[:0]
	for _, op := range ops {
		if op.Status == model.WriteOpCreated {
			result = append(result, op)
		}
	}
	return result, nil
}

// --- Чтение ---

// ListDatamarts возвращает витрины окружения.
func (s *DeltaService) ListDatamarts(ctx context.Context) ([]string, error) {
	return s.deltas.ListDatamarts(ctx)
}

// GetDelta возвращает документ дельты витрины.
func (s *DeltaService) GetDelta(ctx context.Context, dm string) (*model.Delta, error) {
	if err := validateDatamart(dm); err != nil {
		return nil, err
	}
	return s.deltas.GetDelta(ctx, dm)
}

// GetHot возвращает открытую дельту или nil.
func (s *DeltaService) GetHot(ctx context.Context, dm string) (*model.HotDelta, error) {
	if err := validateDatamart(dm); err != nil {
		return nil, err
	}
	return s.deltas.GetHot(ctx, dm)
}

// GetOk возвращает последнюю закрытую дельту или nil.
func (s *DeltaService) GetOk(ctx context.Context, dm string) (*model.OkDelta, error) {
	if err := validateDatamart(dm); err != nil {
		return nil, err
	}
	return s.deltas.GetOk(ctx, dm)
}

// GetByNum возвращает закрытую дельту по номеру или nil.
func (s *DeltaService) GetByNum(ctx context.Context, dm string, num int64) (*model.OkDelta, error) {
	if err := validateDatamart(dm); err != nil {
		return nil, err
	}
	if s.cache != nil {
		if ok, hit := s.cache.Get(dm, num); hit {
			return ok, nil
		}
	}
	ok, err := s.deltas.GetOkByNum(ctx, dm, num)
	if err != nil || ok == nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Set(dm, ok)
	}
	return ok, nil
}

// GetByDatetime возвращает последнюю закрытую дельту с датой не позже t или nil.
func (s *DeltaService) GetByDatetime(ctx context.Context, dm string, t time.Time) (*model.OkDelta, error) {
	if err := validateDatamart(dm); err != nil {
		return nil, err
	}
	return s.deltas.GetOkByDatetime(ctx, dm, t)
}

// --- Разрешение ссылок на дельты ---

// GetCnFromDeltaHot возвращает cnFrom открытой дельты.
func (s *DeltaService) GetCnFromDeltaHot(ctx context.Context, dm string) (int64, error) {
	hot, err := s.GetHot(ctx, dm)
	if err != nil {
		return 0, err
	}
	if hot == nil {
		return 0, model.NewDeltaError(model.CodeDeltaClosed, "у витрины %s нет открытой дельты", dm)
	}
	return hot.CnFrom, nil
}

// GetCnToByDeltaNum возвращает cnTo закрытой дельты с номером num.
func (s *DeltaService) GetCnToByDeltaNum(ctx context.Context, dm string, num int64) (int64, error) {
	ok, err := s.GetByNum(ctx, dm, num)
	if err != nil {
		return 0, err
	}
	if ok == nil {
		return 0, model.NewDeltaError(model.CodeDeltaNotFound, "дельта %d витрины %s не найдена", num, dm)
	}
	return ok.CnTo, nil
}

// GetCnToByDeltaDatetime возвращает cnTo последней дельты, закрытой не позже t.
func (s *DeltaService) GetCnToByDeltaDatetime(ctx context.Context, dm string, t time.Time) (int64, error) {
	ok, err := s.GetByDatetime(ctx, dm, t)
	if err != nil {
		return 0, err
	}
	if ok == nil {
		return 0, model.NewDeltaError(model.CodeDeltaNotFound,
			"у витрины %s нет дельт, закрытых не позже %s", dm, model.FormatDeltaDate(t))
	}
	return ok.CnTo, nil
}

// GetCnToLatest возвращает cnTo последней закрытой дельты или -1 для витрины без истории.
func (s *DeltaService) GetCnToLatest(ctx context.Context, dm string) (int64, error) {
	ok, err := s.GetOk(ctx, dm)
	if err != nil {
		return 0, err
	}
	if ok == nil {
		return -1, nil
	}
	return ok.CnTo, nil
}

// GetCnFromCnToByDeltaNums возвращает интервал sysCn дельт from..to:
// cnFrom дельты from и cnTo дельты to.
func (s *DeltaService) GetCnFromCnToByDeltaNums(ctx context.Context, dm string, from, to int64) (model.SelectOnInterval, error) {
	if from > to {
		return model.SelectOnInterval{}, model.NewDeltaError(model.CodeDeltaRangeInvalid,
			"начало интервала дельт %d больше конца %d", from, to)
	}
	start, err := s.GetByNum(ctx, dm, from)
	if err != nil {
		return model.SelectOnInterval{}, err
	}
	if start == nil {
		return model.SelectOnInterval{}, model.NewDeltaError(model.CodeDeltaNotFound,
			"дельта %d витрины %s не найдена", from, dm)
	}
	end := start
	if to != from {
		if end, err = s.GetByNum(ctx, dm, to); err != nil {
			return model.SelectOnInterval{}, err
		}
		if end == nil {
			return model.SelectOnInterval{}, model.NewDeltaError(model.CodeDeltaNotFound,
				"дельта %d витрины %s не найдена", to, dm)
		}
	}
	return model.SelectOnInterval{SelectOnFrom: start.CnFrom, SelectOnTo: end.CnTo}, nil
}

// --- Вспомогательные функции ---

func validateDatamart(dm string) error {
	if err := model.ValidateName("витрины", dm); err != nil {
		return model.NewDeltaError(model.CodeInvalidRequest, "%s", err.Error())
	}
	return nil
}

// observe учитывает результат перехода в метриках и логирует отказ.
func (s *DeltaService) observe(operation, dm string, err error) error {
	deltaTransitionsTotal.WithLabelValues(operation, resultLabel(err)).Inc()
	if err != nil {
		s.logFailure(operation, dm, err)
	}
	return err
}

// logFailure: отказы из-за состояния — Warn, сбои хранилища — Error.
func (s *DeltaService) logFailure(operation, dm string, err error) {
	attrs := []any{
		slog.String("operation", operation),
		slog.String("datamart", dm),
		slog.String("error", err.Error()),
	}
	if errors.Is(err, model.ErrDeltaException) {
		s.logger.Error("Ошибка операции над дельтой", attrs...)
		return
	}
	s.logger.Warn("Операция над дельтой отклонена", attrs...)
}

// resultLabel — значение метки result: ok или код ошибки в нижнем регистре.
func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if code := model.CodeOf(err); code != "" {
		return strings.ToLower(string(code))
	}
	return "error"
}
