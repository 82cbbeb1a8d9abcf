package deltacmd

import (
	"context"
	"log/slog"
	"time"

	"github.com/bigkaa/goartstore/delta-module/internal/domain/model"
	"github.com/bigkaa/goartstore/delta-module/internal/repository"
)

// DeltaOperations — операции над дельтами, нужные командам. Реализуется *service.DeltaService.
type DeltaOperations interface {
	Begin(ctx context.Context, dm string, num *int64) (*model.HotDelta, error)
	Commit(ctx context.Context, dm string, deltaDate *time.Time) (*model.OkDelta, error)
	Rollback(ctx context.Context, dm string) (*repository.RollbackResult, error)
	GetOk(ctx context.Context, dm string) (*model.OkDelta, error)
	GetHot(ctx context.Context, dm string) (*model.HotDelta, error)
	GetByNum(ctx context.Context, dm string, num int64) (*model.OkDelta, error)
	GetByDatetime(ctx context.Context, dm string, t time.Time) (*model.OkDelta, error)
}

type handlerFunc func(ctx context.Context, dm string, cmd *Command) (*Result, error)

// Executor выполняет команды дельты через таблицу обработчиков по виду команды.
type Executor struct {
	deltas   DeltaOperations
	handlers map[Kind]handlerFunc
	logger   *slog.Logger
}

// NewExecutor создаёт исполнитель команд.
func NewExecutor(deltas DeltaOperations, logger *slog.Logger) *Executor {
	e := &Executor{
		deltas: deltas,
		logger: logger.With(slog.String("component", "delta_executor")),
	}
	e.handlers = map[Kind]handlerFunc{
		KindBegin:         e.begin,
		KindCommit:        e.commit,
		KindRollback:      e.rollback,
		KindGetOk:         e.getOk,
		KindGetHot:        e.getHot,
		KindGetByNum:      e.getByNum,
		KindGetByDatetime: e.getByDatetime,
	}
	return e
}

// ExecuteSQL разбирает и выполняет команду.
func (e *Executor) ExecuteSQL(ctx context.Context, dm, sql string) (*Result, error) {
	cmd, err := Parse(sql)
	if err != nil {
		return nil, err
	}
	return e.Execute(ctx, dm, cmd)
}

// Execute выполняет разобранную команду в контексте витрины dm.
func (e *Executor) Execute(ctx context.Context, dm string, cmd *Command) (*Result, error) {
	h, ok := e.handlers[cmd.Kind]
	if !ok {
		return nil, model.NewDeltaError(model.CodeInvalidRequest, "команда %s не поддерживается", cmd.Kind)
	}
	res, err := h(ctx, dm, cmd)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("Команда дельты выполнена",
		slog.String("datamart", dm),
		slog.String("kind", string(cmd.Kind)),
		slog.Int("rows", len(res.Rows)),
	)
	return res, nil
}

func (e *Executor) begin(ctx context.Context, dm string, cmd *Command) (*Result, error) {
	hot, err := e.deltas.Begin(ctx, dm, cmd.Num)
	if err != nil {
		return nil, err
	}
	return hotResult(cmd.Kind, hot)
}

func (e *Executor) commit(ctx context.Context, dm string, cmd *Command) (*Result, error) {
	ok, err := e.deltas.Commit(ctx, dm, cmd.DateTime)
	if err != nil {
		return nil, err
	}
	return okResult(cmd.Kind, ok)
}

func (e *Executor) rollback(ctx context.Context, dm string, cmd *Command) (*Result, error) {
	res, err := e.deltas.Rollback(ctx, dm)
	if err != nil {
		return nil, err
	}
	return hotResult(cmd.Kind, res.Hot)
}

func (e *Executor) getOk(ctx context.Context, dm string, cmd *Command) (*Result, error) {
	ok, err := e.deltas.GetOk(ctx, dm)
	if err != nil {
		return nil, err
	}
	return okResult(cmd.Kind, ok)
}

func (e *Executor) getHot(ctx context.Context, dm string, cmd *Command) (*Result, error) {
	hot, err := e.deltas.GetHot(ctx, dm)
	if err != nil {
		return nil, err
	}
	return hotResult(cmd.Kind, hot)
}

func (e *Executor) getByNum(ctx context.Context, dm string, cmd *Command) (*Result, error) {
	if cmd.Num == nil {
		return nil, model.NewDeltaError(model.CodeInvalidRequest, "не задан номер дельты")
	}
	ok, err := e.deltas.GetByNum(ctx, dm, *cmd.Num)
	if err != nil {
		return nil, err
	}
	return okResult(cmd.Kind, ok)
}

func (e *Executor) getByDatetime(ctx context.Context, dm string, cmd *Command) (*Result, error) {
	if cmd.DateTime == nil {
		return nil, model.NewDeltaError(model.CodeInvalidRequest, "не задана дата-время дельты")
	}
	ok, err := e.deltas.GetByDatetime(ctx, dm, *cmd.DateTime)
	if err != nil {
		return nil, err
	}
	return okResult(cmd.Kind, ok)
}
