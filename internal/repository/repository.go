// Пакет repository — доступ к состоянию дельт в хранилище координации.
// Документ дельты витрины и её операции записи хранятся только в хранилище;
// все изменения выполняются одним Multi с проверкой версий.
package repository

import (
	"context"
	"errors"

	"github.com/bigkaa/goartstore/delta-module/internal/coordination"
	"github.com/bigkaa/goartstore/delta-module/internal/domain/model"
)

// maxAttempts — число попыток изменения при конфликте версий (одна повторная).
const maxAttempts = 2

// errNoChange — fn в update не требует записи документа.
var errNoChange = errors.New("изменения не требуются")

// Coordinator — операции хранилища координации, нужные репозиториям.
// Реализуется *coordination.Client; пути относительны корню окружения.
type Coordinator interface {
	Get(ctx context.Context, p string) ([]byte, coordination.Stat, error)
	Children(ctx context.Context, p string) ([]string, error)
	Multi(ctx context.Context, ops ...coordination.Op) ([]coordination.OpResult, error)
	EnsurePath(ctx context.Context, p string) error
}

// runEntry — операция записи вместе с версией её узла.
type runEntry struct {
	op      *model.DeltaWriteOp
	version int64
}

// readRun читает операции записи открытой дельты в порядке последовательности.
// Узлы, удалённые между Children и Get, пропускаются: изменение состояния
// обнаружит проверка версий при записи.
func readRun(ctx context.Context, c Coordinator, dm string) ([]runEntry, error) {
	names, err := c.Children(ctx, runDir(dm))
	if errors.Is(err, coordination.ErrNoNode) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	entries := make([]runEntry, 0, len(names))
	for _, name := range names {
		seq, err := coordination.SequenceOf(name)
		if err != nil {
			return nil, model.WrapDeltaException(err, "некорректный узел операции записи %s", name)
		}
		data, stat, err := c.Get(ctx, runPath(dm, seq))
		if errors.Is(err, coordination.ErrNoNode) {
			continue
		}
		if err != nil {
			return nil, err
		}
		op, err := decodeWriteOp(data)
		if err != nil {
			return nil, model.WrapDeltaException(err, "витрина %s, операция %s", dm, name)
		}
		op.Sequence = seq
		op.SysCn = op.CnFrom + seq
		entries = append(entries, runEntry{op: op, version: stat.Version})
	}
	return entries, nil
}

func entryOps(entries []runEntry) []*model.DeltaWriteOp {
	ops := make([]*model.DeltaWriteOp, len(entries))
	for i, e := range entries {
		ops[i] = e.op
	}
	return ops
}

// storeError переводит ошибку хранилища в ошибку подсистемы дельт.
func storeError(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, coordination.ErrTxnConflict) {
		return model.NewDeltaError(model.CodeDeltaBusy, format+": конфликт транзакции", args...)
	}
	return model.WrapDeltaException(err, format, args...)
}
