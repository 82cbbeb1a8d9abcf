package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/bigkaa/goartstore/delta-module/internal/domain/model"
)

// openDelta открывает дельту витрины для теста.
func openDelta(t *testing.T, r DeltaRepository, dm string) *model.HotDelta {
	t.Helper()
	hot, err := r.WriteNewHot(context.Background(), dm, nil)
	if err != nil {
		t.Fatalf("WriteNewHot(%s): %v", dm, err)
	}
	return hot
}

// TestWriteOpRepo_NoHotDelta проверяет запись без открытой дельты.
func TestWriteOpRepo_NoHotDelta(t *testing.T) {
	_, w, _ := newTestRepos(t)

	_, err := w.WriteNewOperation(context.Background(), model.DeltaWriteOpRequest{
		Datamart: "sales", TableName: "orders",
	})
	if !errors.Is(err, model.ErrDeltaClosed) {
		t.Errorf("WriteNewOperation: %v, ожидалась ErrDeltaClosed", err)
	}
}

// TestWriteOpRepo_TableBlocked проверяет блокировку таблицы и её снятие.
func TestWriteOpRepo_TableBlocked(t *testing.T) {
	r, w, _ := newTestRepos(t)
	ctx := context.Background()
	openDelta(t, r, "sales")

	req := model.DeltaWriteOpRequest{Datamart: "sales", TableName: "orders", Query: "INSERT 1"}
	first, err := w.WriteNewOperation(ctx, req)
	if err != nil {
		t.Fatalf("WriteNewOperation: %v", err)
	}

	_, err = w.WriteNewOperation(ctx, req)
	if !errors.Is(err, model.ErrTableBlocked) {
		t.Fatalf("вторая запись в таблицу: %v, ожидалась ErrTableBlocked", err)
	}

	// Другая таблица не заблокирована
	if _, err := w.WriteNewOperation(ctx, model.DeltaWriteOpRequest{Datamart: "sales", TableName: "items"}); err != nil {
		t.Fatalf("запись в другую таблицу: %v", err)
	}

	if _, err := w.FinishOperation(ctx, "sales", "orders", first, model.WriteOpFinished); err != nil {
		t.Fatalf("FinishOperation: %v", err)
	}

	second, err := w.WriteNewOperation(ctx, req)
	if err != nil {
		t.Fatalf("запись после снятия блокировки: %v", err)
	}
	if second <= first {
		t.Errorf("sysCn = %d, ожидался больше %d", second, first)
	}
}

// TestWriteOpRepo_FinishErrors проверяет ошибки завершения операции.
func TestWriteOpRepo_FinishErrors(t *testing.T) {
	r, w, _ := newTestRepos(t)
	ctx := context.Background()
	openDelta(t, r, "sales")

	sysCn, err := w.WriteNewOperation(ctx, model.DeltaWriteOpRequest{Datamart: "sales", TableName: "orders"})
	if err != nil {
		t.Fatalf("WriteNewOperation: %v", err)
	}

	tests := []struct {
		name    string
		table   string
		sysCn   int64
		status  model.WriteOpStatus
		wantErr *model.DeltaError
	}{
		{"неконечный статус", "orders", sysCn, model.WriteOpCreated, model.ErrDeltaException},
		{"другая таблица", "items", sysCn, model.WriteOpFinished, model.ErrDeltaException},
		{"нет операции", "orders", sysCn + 10, model.WriteOpFinished, model.ErrDeltaException},
		{"отрицательный sysCn", "orders", -1, model.WriteOpFinished, model.ErrDeltaException},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := w.FinishOperation(ctx, "sales", tt.table, tt.sysCn, tt.status)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("FinishOperation: %v, ожидалась %s", err, tt.wantErr.Code)
			}
		})
	}

	// Конечный статус нельзя изменить
	if _, err := w.FinishOperation(ctx, "sales", "orders", sysCn, model.WriteOpAborted); err != nil {
		t.Fatalf("FinishOperation(aborted): %v", err)
	}
	_, err = w.FinishOperation(ctx, "sales", "orders", sysCn, model.WriteOpFinished)
	if !errors.Is(err, model.ErrDeltaException) {
		t.Errorf("повторное завершение: %v, ожидалась ErrDeltaException", err)
	}
}

// TestWriteOpRepo_AbortedBlocksCommit проверяет, что прерванная операция требует отката.
func TestWriteOpRepo_AbortedBlocksCommit(t *testing.T) {
	r, w, _ := newTestRepos(t)
	ctx := context.Background()
	openDelta(t, r, "sales")

	sysCn, err := w.WriteNewOperation(ctx, model.DeltaWriteOpRequest{Datamart: "sales", TableName: "orders"})
	if err != nil {
		t.Fatalf("WriteNewOperation: %v", err)
	}
	if _, err := w.FinishOperation(ctx, "sales", "orders", sysCn, model.WriteOpAborted); err != nil {
		t.Fatalf("FinishOperation: %v", err)
	}

	if _, err := r.CommitHot(ctx, "sales", nil); !errors.Is(err, model.ErrDeltaRangeInvalid) {
		t.Errorf("CommitHot: %v, ожидалась ErrDeltaRangeInvalid", err)
	}
}

// TestWriteOpRepo_Queries проверяет выборки операций записи.
func TestWriteOpRepo_Queries(t *testing.T) {
	r, w, _ := newTestRepos(t)
	ctx := context.Background()
	openDelta(t, r, "sales")

	orders1, _ := w.WriteNewOperation(ctx, model.DeltaWriteOpRequest{Datamart: "sales", TableName: "orders"})
	if _, err := w.FinishOperation(ctx, "sales", "orders", orders1, model.WriteOpFinished); err != nil {
		t.Fatalf("FinishOperation: %v", err)
	}
	if _, err := w.WriteNewOperation(ctx, model.DeltaWriteOpRequest{Datamart: "sales", TableName: "items"}); err != nil {
		t.Fatalf("WriteNewOperation(items): %v", err)
	}
	if _, err := w.WriteNewOperation(ctx, model.DeltaWriteOpRequest{Datamart: "sales", TableName: "orders"}); err != nil {
		t.Fatalf("WriteNewOperation(orders): %v", err)
	}

	byTable, err := w.GetWriteOpsByTable(ctx, "sales", "orders")
	if err != nil {
		t.Fatalf("GetWriteOpsByTable: %v", err)
	}
	if len(byTable) != 2 || byTable[0].SysCn != 0 || byTable[1].SysCn != 2 {
		t.Errorf("операции orders = %+v, ожидались sysCn 0 и 2", byTable)
	}

	unfinished, err := w.GetAllUnfinished(ctx, "sales")
	if err != nil {
		t.Fatalf("GetAllUnfinished: %v", err)
	}
	if len(unfinished) != 2 {
		t.Errorf("незавершённых операций = %d, ожидалось 2", len(unfinished))
	}

	all, err := w.GetAll(ctx, "sales")
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("всего операций = %d, ожидалось 3", len(all))
	}
}

// TestWriteOpRepo_ConcurrentSysCn проверяет уникальность и непрерывность sysCn
// при конкурентной записи в разные таблицы.
func TestWriteOpRepo_ConcurrentSysCn(t *testing.T) {
	r, w, _ := newTestRepos(t)
	ctx := context.Background()

	// Вторая дельта, чтобы cnFrom был ненулевым
	openDelta(t, r, "sales")
	if _, err := r.CommitHot(ctx, "sales", nil); err != nil {
		t.Fatalf("CommitHot: %v", err)
	}
	hot := openDelta(t, r, "sales")

	const workers = 16
	var (
		mu    sync.Mutex
		got   []int64
		wg    sync.WaitGroup
		errCh = make(chan error, workers)
	)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sysCn, err := w.WriteNewOperation(ctx, model.DeltaWriteOpRequest{
				Datamart: "sales", TableName: fmt.Sprintf("t%d", i),
			})
			if err != nil {
				errCh <- err
				return
			}
			mu.Lock()
			got = append(got, sysCn)
			mu.Unlock()
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Errorf("WriteNewOperation: %v", err)
	}

	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	for i, v := range got {
		if want := hot.CnFrom + int64(i); v != want {
			t.Fatalf("sysCn[%d] = %d, ожидался %d (все: %v)", i, v, want, got)
		}
	}

	// Порядок sysCn совпадает с порядком узлов run
	all, err := w.GetAll(ctx, "sales")
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	for i := 1; i < len(all); i++ {
		if all[i].SysCn <= all[i-1].SysCn {
			t.Errorf("sysCn не возрастает: %d после %d", all[i].SysCn, all[i-1].SysCn)
		}
	}
}
