package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/bigkaa/goartstore/delta-module/internal/coordination"
	"github.com/bigkaa/goartstore/delta-module/internal/domain/model"
)

// RollbackResult — откаченная дельта и её операции записи.
// Пустой результат (Hot == nil) означает, что откатывать было нечего.
type RollbackResult struct {
	Hot      *model.HotDelta
	WriteOps []*model.DeltaWriteOp
}

// DeltaRepository — документ дельты витрины: открытая и закрытые дельты.
type DeltaRepository interface {
	// EnsureDatamart создаёт узлы витрины, если их нет.
	EnsureDatamart(ctx context.Context, dm string) error
	// ListDatamarts возвращает витрины окружения.
	ListDatamarts(ctx context.Context) ([]string, error)
	// GetDelta читает документ дельты. Витрина без истории — пустой документ.
	GetDelta(ctx context.Context, dm string) (*model.Delta, error)
	// GetHot возвращает открытую дельту или nil.
	GetHot(ctx context.Context, dm string) (*model.HotDelta, error)
	// GetOk возвращает последнюю закрытую дельту или nil.
	GetOk(ctx context.Context, dm string) (*model.OkDelta, error)
	// GetOkByNum возвращает закрытую дельту по номеру или nil.
	GetOkByNum(ctx context.Context, dm string, num int64) (*model.OkDelta, error)
	// GetOkByDatetime возвращает последнюю закрытую дельту с deltaDate <= t или nil.
	GetOkByDatetime(ctx context.Context, dm string, t time.Time) (*model.OkDelta, error)
	// WriteNewHot открывает дельту. num, если задан, должен совпасть со следующим номером.
	WriteNewHot(ctx context.Context, dm string, num *int64) (*model.HotDelta, error)
	// CommitHot закрывает открытую дельту. deltaDate nil — текущее время.
	CommitHot(ctx context.Context, dm string, deltaDate *time.Time) (*model.OkDelta, error)
	// RollbackHot откатывает открытую дельту вместе с операциями записи.
	RollbackHot(ctx context.Context, dm string) (*RollbackResult, error)
}

type deltaRepo struct {
	coord  Coordinator
	now    func() time.Time
	logger *slog.Logger
}

// NewDeltaRepository создаёт репозиторий дельт.
func NewDeltaRepository(coord Coordinator, logger *slog.Logger) DeltaRepository {
	return &deltaRepo{
		coord:  coord,
		now:    time.Now,
		logger: logger.With(slog.String("component", "delta_repository")),
	}
}

// EnsureDatamart создаёт /<dm>/delta/num, /<dm>/block и /<dm>/run.
func (r *deltaRepo) EnsureDatamart(ctx context.Context, dm string) error {
	if err := model.ValidateName("витрины", dm); err != nil {
		return model.NewDeltaError(model.CodeInvalidRequest, "%s", err.Error())
	}
	for _, p := range []string{deltaNumDir(dm), blockDir(dm), runDir(dm)} {
		if err := r.coord.EnsurePath(ctx, p); err != nil {
			return storeError(err, "ошибка создания узлов витрины %s", dm)
		}
	}
	return nil
}

// ListDatamarts возвращает отсортированные имена витрин.
func (r *deltaRepo) ListDatamarts(ctx context.Context) ([]string, error) {
	names, err := r.coord.Children(ctx, "/")
	if errors.Is(err, coordination.ErrNoNode) {
		return []string{}, nil
	}
	if err != nil {
		return nil, storeError(err, "ошибка получения списка витрин")
	}
	result := make([]string, 0, len(names))
	for _, n := range names {
		if model.ValidateName("витрины", n) == nil {
			result = append(result, n)
		}
	}
	return result, nil
}

// GetDelta читает документ дельты. У открытой дельты cnMax вычисляется
// по счётчику созданных узлов run, завершённые операции — по самим узлам.
func (r *deltaRepo) GetDelta(ctx context.Context, dm string) (*model.Delta, error) {
	d, _, err := r.readDelta(ctx, dm)
	if err != nil {
		return nil, err
	}
	if d.Hot == nil {
		return d, nil
	}

	_, stat, err := r.coord.Get(ctx, runDir(dm))
	switch {
	case err == nil:
		d.Hot.CnMax = d.Hot.CnFrom + stat.CVersion - 1
	case errors.Is(err, coordination.ErrNoNode):
	default:
		return nil, storeError(err, "ошибка чтения операций записи витрины %s", dm)
	}

	entries, err := readRun(ctx, r.coord, dm)
	if err != nil {
		return nil, storeError(err, "ошибка чтения операций записи витрины %s", dm)
	}
	d.Hot.WriteOperationsFinished = model.GroupFinished(entryOps(entries))
	return d, nil
}

func (r *deltaRepo) GetHot(ctx context.Context, dm string) (*model.HotDelta, error) {
	d, err := r.GetDelta(ctx, dm)
	if err != nil {
		return nil, err
	}
	return d.Hot, nil
}

func (r *deltaRepo) GetOk(ctx context.Context, dm string) (*model.OkDelta, error) {
	d, _, err := r.readDelta(ctx, dm)
	if err != nil {
		return nil, err
	}
	return d.Ok, nil
}

// GetOkByNum читает архив закрытой дельты.
func (r *deltaRepo) GetOkByNum(ctx context.Context, dm string, num int64) (*model.OkDelta, error) {
	if num < 1 {
		return nil, nil
	}
	data, _, err := r.coord.Get(ctx, deltaNumPath(dm, num))
	if errors.Is(err, coordination.ErrNoNode) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError(err, "ошибка чтения дельты %d витрины %s", num, dm)
	}
	ok, err := decodeOk(data)
	if err != nil {
		return nil, model.WrapDeltaException(err, "витрина %s, дельта %d", dm, num)
	}
	return ok, nil
}

// GetOkByDatetime ищет дельту двоичным поиском по архиву:
// даты закрытых дельт строго возрастают вместе с номерами.
func (r *deltaRepo) GetOkByDatetime(ctx context.Context, dm string, t time.Time) (*model.OkDelta, error) {
	last, err := r.GetOk(ctx, dm)
	if err != nil || last == nil {
		return nil, err
	}
	if !last.DeltaDate.After(t) {
		return last, nil
	}

	var (
		found  *model.OkDelta
		lo, hi = int64(1), last.DeltaNum - 1
	)
	for lo <= hi {
		mid := lo + (hi-lo)/2
		ok, err := r.GetOkByNum(ctx, dm, mid)
		if err != nil {
			return nil, err
		}
		if ok == nil {
			return nil, model.NewDeltaError(model.CodeDeltaException,
				"в архиве витрины %s отсутствует дельта %d", dm, mid)
		}
		if ok.DeltaDate.After(t) {
			hi = mid - 1
		} else {
			found = ok
			lo = mid + 1
		}
	}
	return found, nil
}

// WriteNewHot открывает новую дельту.
func (r *deltaRepo) WriteNewHot(ctx context.Context, dm string, num *int64) (*model.HotDelta, error) {
	if err := r.EnsureDatamart(ctx, dm); err != nil {
		return nil, err
	}

	var hot *model.HotDelta
	err := r.update(ctx, dm, "begin", func(_ context.Context, d *model.Delta, _ int) ([]coordination.Op, error) {
		if d.Hot != nil {
			return nil, model.NewDeltaError(model.CodeDeltaAlreadyStarted,
				"дельта %d витрины %s уже открыта", d.Hot.DeltaNum, dm)
		}
		next := model.NewHotDelta(d.Ok)
		if num != nil && *num != next.DeltaNum {
			return nil, model.NewDeltaError(model.CodeDeltaInvalidNum,
				"номер дельты %d не совпадает со следующим номером %d", *num, next.DeltaNum)
		}
		d.Hot = next
		hot = next
		return nil, nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("Дельта открыта",
		slog.String("datamart", dm),
		slog.Int64("delta_num", hot.DeltaNum),
		slog.Int64("cn_from", hot.CnFrom),
	)
	return hot, nil
}

// CommitHot закрывает открытую дельту одним Multi: документ, архив,
// пересоздание run. Незавершённые и прерванные операции блокируют закрытие.
func (r *deltaRepo) CommitHot(ctx context.Context, dm string, deltaDate *time.Time) (*model.OkDelta, error) {
	var (
		committing int64
		result     *model.OkDelta
	)
	err := r.update(ctx, dm, "commit", func(ctx context.Context, d *model.Delta, attempt int) ([]coordination.Op, error) {
		// Повтор закрывает только ту дельту, что была открыта при первой попытке.
		if attempt > 0 && committing > 0 && (d.Hot == nil || d.Hot.DeltaNum != committing) {
			if d.Ok != nil && d.Ok.DeltaNum >= committing {
				return nil, model.NewDeltaError(model.CodeDeltaAlreadyClosed,
					"дельта %d витрины %s уже закрыта", committing, dm)
			}
			return nil, model.NewDeltaError(model.CodeDeltaNotStarted,
				"дельта %d витрины %s откачена", committing, dm)
		}
		if d.Hot == nil {
			return nil, model.NewDeltaError(model.CodeDeltaNotStarted, "у витрины %s нет открытой дельты", dm)
		}
		hot := d.Hot
		committing = hot.DeltaNum
		if hot.RollingBack {
			return nil, model.NewDeltaError(model.CodeDeltaNotStarted,
				"дельта %d витрины %s откатывается", hot.DeltaNum, dm)
		}

		entries, err := readRun(ctx, r.coord, dm)
		if err != nil {
			return nil, err
		}
		ops := entryOps(entries)
		if err := checkCommitReady(ops); err != nil {
			return nil, err
		}

		date, err := r.commitDate(d.Ok, deltaDate)
		if err != nil {
			return nil, err
		}

		cnTo := hot.CnFrom
		for _, op := range ops {
			cnTo = max(cnTo, op.SysCn)
		}
		ok := &model.OkDelta{
			DeltaNum:                hot.DeltaNum,
			DeltaDate:               date,
			CnFrom:                  hot.CnFrom,
			CnTo:                    cnTo,
			WriteOperationsFinished: model.GroupFinished(ops),
		}
		archive, err := encode(ok)
		if err != nil {
			return nil, model.WrapDeltaException(err, "витрина %s", dm)
		}

		extra := []coordination.Op{coordination.Create(deltaNumPath(dm, ok.DeltaNum), archive)}
		for _, e := range entries {
			extra = append(extra, coordination.Delete(runPath(dm, e.op.Sequence), e.version))
		}
		extra = append(extra,
			coordination.Delete(runDir(dm), coordination.AnyVersion),
			coordination.Create(runDir(dm), nil),
		)

		d.Hot = nil
		d.Ok = ok
		result = ok
		return extra, nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("Дельта закрыта",
		slog.String("datamart", dm),
		slog.Int64("delta_num", result.DeltaNum),
		slog.Int64("cn_from", result.CnFrom),
		slog.Int64("cn_to", result.CnTo),
	)
	return result, nil
}

// checkCommitReady отклоняет закрытие при незавершённых или прерванных операциях.
func checkCommitReady(ops []*model.DeltaWriteOp) error {
	var inProgress, aborted []string
	for _, op := range ops {
		switch op.Status {
		case model.WriteOpCreated:
			inProgress = appendUnique(inProgress, op.TableName)
		case model.WriteOpAborted:
			aborted = appendUnique(aborted, op.TableName)
		}
	}
	if len(inProgress) > 0 {
		return model.NewDeltaError(model.CodeDeltaRangeInvalid,
			"в дельте есть незавершённые операции записи по таблицам: %s", strings.Join(inProgress, ", "))
	}
	if len(aborted) > 0 {
		return model.NewDeltaError(model.CodeDeltaRangeInvalid,
			"в дельте есть прерванные операции записи по таблицам: %s, требуется откат", strings.Join(aborted, ", "))
	}
	return nil
}

// commitDate выбирает дату закрытия. Явная дата должна быть строго позже
// даты предыдущей дельты; текущее время при совпадении сдвигается на секунду.
func (r *deltaRepo) commitDate(prev *model.OkDelta, requested *time.Time) (time.Time, error) {
	if requested != nil {
		date := requested.UTC()
		if prev != nil && !date.After(prev.DeltaDate) {
			return time.Time{}, model.NewDeltaError(model.CodeDeltaUnableSetDateTime,
				"дата %s должна быть позже даты предыдущей дельты %s",
				model.FormatDeltaDate(date), model.FormatDeltaDate(prev.DeltaDate))
		}
		return date, nil
	}

	date := r.now().UTC().Truncate(time.Second)
	if prev != nil && !date.After(prev.DeltaDate) {
		date = prev.DeltaDate.Add(time.Second).Truncate(time.Second)
	}
	return date, nil
}

// RollbackHot откатывает дельту в две фазы. Первая помечает дельту
// rollingBack и прерывает незавершённые операции, вторая удаляет открытую
// дельту, операции записи и блокировки. Прерванный откат продолжается со второй фазы.
func (r *deltaRepo) RollbackHot(ctx context.Context, dm string) (*RollbackResult, error) {
	var hot *model.HotDelta

	err := r.update(ctx, dm, "rollback_mark", func(ctx context.Context, d *model.Delta, _ int) ([]coordination.Op, error) {
		hot = nil
		if d.Hot == nil {
			return nil, errNoChange
		}
		h := *d.Hot
		hot = &h
		if d.Hot.RollingBack {
			return nil, errNoChange
		}

		entries, err := readRun(ctx, r.coord, dm)
		if err != nil {
			return nil, err
		}
		var extra []coordination.Op
		for _, e := range entries {
			if e.op.Status != model.WriteOpCreated {
				continue
			}
			e.op.Status = model.WriteOpAborted
			data, err := encode(e.op)
			if err != nil {
				return nil, model.WrapDeltaException(err, "витрина %s", dm)
			}
			extra = append(extra, coordination.SetData(runPath(dm, e.op.Sequence), data, e.version))
		}
		d.Hot.RollingBack = true
		hot.RollingBack = true
		return extra, nil
	})
	if err != nil {
		return nil, err
	}
	if hot == nil {
		return &RollbackResult{}, nil
	}

	var writeOps []*model.DeltaWriteOp
	err = r.update(ctx, dm, "rollback_clear", func(ctx context.Context, d *model.Delta, _ int) ([]coordination.Op, error) {
		// Откат уже завершён конкурентным вызовом.
		if d.Hot == nil || !d.Hot.RollingBack || d.Hot.DeltaNum != hot.DeltaNum {
			return nil, errNoChange
		}

		entries, err := readRun(ctx, r.coord, dm)
		if err != nil {
			return nil, err
		}
		blocks, err := r.coord.Children(ctx, blockDir(dm))
		if err != nil && !errors.Is(err, coordination.ErrNoNode) {
			return nil, err
		}

		var extra []coordination.Op
		for _, e := range entries {
			extra = append(extra, coordination.Delete(runPath(dm, e.op.Sequence), e.version))
		}
		for _, b := range blocks {
			extra = append(extra, coordination.Delete(blockPath(dm, b), coordination.AnyVersion))
		}
		extra = append(extra,
			coordination.Delete(runDir(dm), coordination.AnyVersion),
			coordination.Create(runDir(dm), nil),
		)

		writeOps = entryOps(entries)
		if n := len(entries); n > 0 {
			hot.CnMax = max(hot.CnMax, entries[n-1].op.SysCn)
		}
		d.Hot = nil
		return extra, nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("Дельта откачена",
		slog.String("datamart", dm),
		slog.Int64("delta_num", hot.DeltaNum),
		slog.Int("write_ops", len(writeOps)),
	)
	return &RollbackResult{Hot: hot, WriteOps: writeOps}, nil
}

// --- Вспомогательные функции ---

// readDelta читает документ дельты и его версию (-1, если узла нет).
func (r *deltaRepo) readDelta(ctx context.Context, dm string) (*model.Delta, int64, error) {
	data, stat, err := r.coord.Get(ctx, deltaPath(dm))
	if errors.Is(err, coordination.ErrNoNode) {
		return &model.Delta{}, -1, nil
	}
	if err != nil {
		return nil, 0, storeError(err, "ошибка чтения дельты витрины %s", dm)
	}
	d, err := decodeDelta(data)
	if err != nil {
		return nil, 0, model.WrapDeltaException(err, "витрина %s", dm)
	}
	return d, stat.Version, nil
}

// updateFunc изменяет документ дельты и возвращает дополнительные операции Multi.
// attempt — номер попытки (0 — первая).
type updateFunc func(ctx context.Context, d *model.Delta, attempt int) ([]coordination.Op, error)

// update читает документ дельты, применяет fn и записывает результат одним Multi
// вместе с операциями fn. При конфликте состояния операция повторяется один раз,
// повторный конфликт возвращается как ErrDeltaBusy.
func (r *deltaRepo) update(ctx context.Context, dm, action string, fn updateFunc) error {
	var lastErr error
	for attempt := range maxAttempts {
		d, version, err := r.readDelta(ctx, dm)
		if err != nil {
			return err
		}

		extra, err := fn(ctx, d, attempt)
		if errors.Is(err, errNoChange) {
			return nil
		}
		if err != nil {
			if coordination.IsStateError(err) {
				lastErr = err
				continue
			}
			return storeError(err, "ошибка чтения состояния витрины %s", dm)
		}
		if version < 0 {
			return model.NewDeltaError(model.CodeDeltaException, "документ дельты витрины %s не создан", dm)
		}

		data, err := encode(d)
		if err != nil {
			return model.WrapDeltaException(err, "витрина %s", dm)
		}
		ops := append([]coordination.Op{coordination.SetData(deltaPath(dm), data, version)}, extra...)

		_, err = r.coord.Multi(ctx, ops...)
		if err == nil {
			return nil
		}
		if !coordination.IsStateError(err) {
			return storeError(err, "ошибка записи дельты витрины %s", dm)
		}
		lastErr = err
		r.logger.Debug("Конфликт изменения дельты",
			slog.String("datamart", dm),
			slog.String("action", action),
			slog.Int("attempt", attempt+1),
			slog.Int("failed_op", coordination.FailedOp(err)),
			slog.String("error", err.Error()),
		)
	}

	r.logger.Warn("Дельта изменяется конкурентно",
		slog.String("datamart", dm),
		slog.String("action", action),
		slog.String("error", lastErr.Error()),
	)
	return &model.DeltaError{
		Code:    model.CodeDeltaBusy,
		Message: fmt.Sprintf("дельта витрины %s изменяется конкурентно, повторите операцию", dm),
		Err:     lastErr,
	}
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	list = append(list, s)
	sort.Strings(list)
	return list
}
