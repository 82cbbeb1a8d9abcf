package repository

import (
	"context"
	"errors"
	"log/slog"

	"github.com/bigkaa/goartstore/delta-module/internal/coordination"
	"github.com/bigkaa/goartstore/delta-module/internal/domain/model"
)

// WriteOpRepository — журнал операций записи открытой дельты.
type WriteOpRepository interface {
	// WriteNewOperation регистрирует операцию записи и блокирует таблицу.
	// Возвращает sysCn операции.
	WriteNewOperation(ctx context.Context, req model.DeltaWriteOpRequest) (int64, error)
	// FinishOperation переводит операцию в конечный статус и снимает блокировку таблицы.
	FinishOperation(ctx context.Context, dm, table string, sysCn int64, status model.WriteOpStatus) (*model.DeltaWriteOp, error)
	// GetWriteOpsByTable возвращает операции записи таблицы.
	GetWriteOpsByTable(ctx context.Context, dm, table string) ([]*model.DeltaWriteOp, error)
	// GetAllUnfinished возвращает операции в статусе CREATED.
	GetAllUnfinished(ctx context.Context, dm string) ([]*model.DeltaWriteOp, error)
	// GetAll возвращает все операции открытой дельты.
	GetAll(ctx context.Context, dm string) ([]*model.DeltaWriteOp, error)
}

type writeOpRepo struct {
	coord  Coordinator
	logger *slog.Logger
}

// NewWriteOpRepository создаёт журнал операций записи.
func NewWriteOpRepository(coord Coordinator, logger *slog.Logger) WriteOpRepository {
	return &writeOpRepo{
		coord:  coord,
		logger: logger.With(slog.String("component", "write_op_repository")),
	}
}

// WriteNewOperation одним Multi проверяет версию документа дельты,
// создаёт блокировку таблицы и последовательный узел операции.
// Номер последовательности назначает хранилище.
func (r *writeOpRepo) WriteNewOperation(ctx context.Context, req model.DeltaWriteOpRequest) (int64, error) {
	dm := req.Datamart
	if err := model.ValidateName("таблицы", req.TableName); err != nil {
		return 0, model.NewDeltaError(model.CodeInvalidRequest, "%s", err.Error())
	}

	var lastErr error
	for attempt := range maxAttempts {
		data, stat, err := r.coord.Get(ctx, deltaPath(dm))
		if errors.Is(err, coordination.ErrNoNode) {
			return 0, model.NewDeltaError(model.CodeDeltaClosed, "у витрины %s нет открытой дельты", dm)
		}
		if err != nil {
			return 0, storeError(err, "ошибка чтения дельты витрины %s", dm)
		}
		d, err := decodeDelta(data)
		if err != nil {
			return 0, model.WrapDeltaException(err, "витрина %s", dm)
		}
		if d.Hot == nil {
			return 0, model.NewDeltaError(model.CodeDeltaClosed, "у витрины %s нет открытой дельты", dm)
		}
		if d.Hot.RollingBack {
			return 0, model.NewDeltaError(model.CodeDeltaClosed,
				"дельта %d витрины %s откатывается", d.Hot.DeltaNum, dm)
		}

		op := model.NewDeltaWriteOp(req, d.Hot.CnFrom)
		opData, err := encode(op)
		if err != nil {
			return 0, model.WrapDeltaException(err, "витрина %s", dm)
		}
		marker, err := encode(blockMarker{SysCnBase: d.Hot.CnFrom, Query: req.Query})
		if err != nil {
			return 0, model.WrapDeltaException(err, "витрина %s", dm)
		}

		results, err := r.coord.Multi(ctx,
			coordination.Check(deltaPath(dm), stat.Version),
			coordination.Create(blockPath(dm, req.TableName), marker),
			coordination.CreateSequential(runSeqPrefix(dm), opData),
		)
		if err == nil {
			seq, err := coordination.SequenceOf(results[2].Path)
			if err != nil {
				return 0, model.WrapDeltaException(err, "витрина %s", dm)
			}
			sysCn := d.Hot.CnFrom + seq
			r.logger.Debug("Операция записи создана",
				slog.String("datamart", dm),
				slog.String("table", req.TableName),
				slog.Int64("sys_cn", sysCn),
			)
			return sysCn, nil
		}

		if coordination.FailedOp(err) == 1 && errors.Is(err, coordination.ErrNodeExists) {
			return 0, model.NewDeltaError(model.CodeTableBlocked,
				"таблица %s.%s заблокирована незавершённой операцией записи", dm, req.TableName)
		}
		if !coordination.IsStateError(err) {
			return 0, storeError(err, "ошибка создания операции записи витрины %s", dm)
		}
		lastErr = err
		r.logger.Debug("Конфликт создания операции записи",
			slog.String("datamart", dm),
			slog.String("table", req.TableName),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}

	return 0, &model.DeltaError{
		Code:    model.CodeDeltaBusy,
		Message: "дельта витрины " + dm + " изменяется конкурентно, повторите операцию",
		Err:     lastErr,
	}
}

// FinishOperation одним Multi записывает статус операции (с проверкой версии)
// и удаляет блокировку таблицы.
func (r *writeOpRepo) FinishOperation(
	ctx context.Context, dm, table string, sysCn int64, status model.WriteOpStatus,
) (*model.DeltaWriteOp, error) {
	if !status.IsTerminal() {
		return nil, model.NewDeltaError(model.CodeInvalidRequest,
			"недопустимый конечный статус операции записи: %s", status)
	}

	var lastErr error
	for attempt := range maxAttempts {
		data, _, err := r.coord.Get(ctx, deltaPath(dm))
		if errors.Is(err, coordination.ErrNoNode) {
			return nil, model.NewDeltaError(model.CodeDeltaClosed, "у витрины %s нет открытой дельты", dm)
		}
		if err != nil {
			return nil, storeError(err, "ошибка чтения дельты витрины %s", dm)
		}
		d, err := decodeDelta(data)
		if err != nil {
			return nil, model.WrapDeltaException(err, "витрина %s", dm)
		}
		if d.Hot == nil {
			return nil, model.NewDeltaError(model.CodeDeltaClosed, "у витрины %s нет открытой дельты", dm)
		}

		seq := sysCn - d.Hot.CnFrom
		if seq < 0 {
			return nil, model.NewDeltaError(model.CodeDeltaException,
				"операция записи %d не принадлежит открытой дельте витрины %s", sysCn, dm)
		}
		opData, opStat, err := r.coord.Get(ctx, runPath(dm, seq))
		if errors.Is(err, coordination.ErrNoNode) {
			return nil, model.NewDeltaError(model.CodeDeltaException,
				"операция записи %d витрины %s не найдена", sysCn, dm)
		}
		if err != nil {
			return nil, storeError(err, "ошибка чтения операции записи %d витрины %s", sysCn, dm)
		}
		op, err := decodeWriteOp(opData)
		if err != nil {
			return nil, model.WrapDeltaException(err, "витрина %s, операция %d", dm, sysCn)
		}
		op.Sequence = seq
		op.SysCn = op.CnFrom + seq

		if op.TableName != table {
			return nil, model.NewDeltaError(model.CodeDeltaException,
				"операция записи %d относится к таблице %s, а не %s", sysCn, op.TableName, table)
		}
		if !model.CanTransition(op.Status, status) {
			return nil, model.NewDeltaError(model.CodeDeltaException,
				"операция записи %d уже в конечном статусе %s", sysCn, op.Status)
		}

		op.Status = status
		newData, err := encode(op)
		if err != nil {
			return nil, model.WrapDeltaException(err, "витрина %s", dm)
		}

		_, err = r.coord.Multi(ctx,
			coordination.SetData(runPath(dm, seq), newData, opStat.Version),
			coordination.Delete(blockPath(dm, table), coordination.AnyVersion),
		)
		if err == nil {
			r.logger.Debug("Операция записи завершена",
				slog.String("datamart", dm),
				slog.String("table", table),
				slog.Int64("sys_cn", sysCn),
				slog.String("status", status.String()),
			)
			return op, nil
		}
		if coordination.FailedOp(err) == 1 && errors.Is(err, coordination.ErrNoNode) {
			return nil, model.NewDeltaError(model.CodeDeltaException,
				"блокировка таблицы %s.%s отсутствует", dm, table)
		}
		if !coordination.IsStateError(err) {
			return nil, storeError(err, "ошибка завершения операции записи %d витрины %s", sysCn, dm)
		}
		lastErr = err
		r.logger.Debug("Конфликт завершения операции записи",
			slog.String("datamart", dm),
			slog.Int64("sys_cn", sysCn),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}

	return nil, &model.DeltaError{
		Code:    model.CodeDeltaBusy,
		Message: "операция записи витрины " + dm + " изменяется конкурентно, повторите операцию",
		Err:     lastErr,
	}
}

func (r *writeOpRepo) GetWriteOpsByTable(ctx context.Context, dm, table string) ([]*model.DeltaWriteOp, error) {
	return r.filter(ctx, dm, func(op *model.DeltaWriteOp) bool {
		return op.TableName == table
	})
}

func (r *writeOpRepo) GetAllUnfinished(ctx context.Context, dm string) ([]*model.DeltaWriteOp, error) {
	return r.filter(ctx, dm, func(op *model.DeltaWriteOp) bool {
		return op.Status == model.WriteOpCreated
	})
}

func (r *writeOpRepo) GetAll(ctx context.Context, dm string) ([]*model.DeltaWriteOp, error) {
	return r.filter(ctx, dm, func(*model.DeltaWriteOp) bool { return true })
}

func (r *writeOpRepo) filter(ctx context.Context, dm string, keep func(*model.DeltaWriteOp) bool) ([]*model.DeltaWriteOp, error) {
	entries, err := readRun(ctx, r.coord, dm)
	if err != nil {
		return nil, storeError(err, "ошибка чтения операций записи витрины %s", dm)
	}
	result := make([]*model.DeltaWriteOp, 0, len(entries))
	for _, e := range entries {
		if keep(e.op) {
			result = append(result, e.op)
		}
	}
	return result, nil
}
