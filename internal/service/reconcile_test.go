package service

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/delta-module/internal/domain/model"
	"github.com/bigkaa/goartstore/delta-module/internal/repository"
)

// mockMaintainer — мок DeltaMaintainer.
type mockMaintainer struct {
	datamarts   []string
	hot         map[string]*model.HotDelta
	unfinished  map[string][]*model.DeltaWriteOp
	hotErr      error
	rollbackErr error

	rolledBack []string
}

func (m *mockMaintainer) ListDatamarts(context.Context) ([]string, error) {
	return m.datamarts, nil
}

func (m *mockMaintainer) GetHot(_ context.Context, dm string) (*model.HotDelta, error) {
	if m.hotErr != nil {
		return nil, m.hotErr
	}
	return m.hot[dm], nil
}

func (m *mockMaintainer) GetWriteOps(_ context.Context, dm, _ string, _ bool) ([]*model.DeltaWriteOp, error) {
	return m.unfinished[dm], nil
}

func (m *mockMaintainer) Rollback(_ context.Context, dm string) (*repository.RollbackResult, error) {
	if m.rollbackErr != nil {
		return nil, m.rollbackErr
	}
	m.rolledBack = append(m.rolledBack, dm)
	return &repository.RollbackResult{Hot: m.hot[dm]}, nil
}

// livenessFunc адаптирует функцию к LivenessChecker.
type livenessFunc func(ctx context.Context, dm string, op *model.DeltaWriteOp) (bool, error)

func (f livenessFunc) IsAbandoned(ctx context.Context, dm string, op *model.DeltaWriteOp) (bool, error) {
	return f(ctx, dm, op)
}

// TestReconcile_ResumesRollback: прерванный откат завершается.
func TestReconcile_ResumesRollback(t *testing.T) {
	m := &mockMaintainer{
		datamarts: []string{"sales", "marketing"},
		hot: map[string]*model.HotDelta{
			"sales":     {DeltaNum: 3, CnFrom: 10, RollingBack: true},
			"marketing": {DeltaNum: 1, CnFrom: 0},
		},
		unfinished: map[string][]*model.DeltaWriteOp{
			"marketing": {{TableName: "leads", SysCn: 0}},
		},
	}
	rs := NewReconcileService(m, nil, 0, slog.Default())

	result, skipped := rs.RunOnce(context.Background())
	if skipped {
		t.Fatal("сверка пропущена")
	}
	if result.Datamarts != 2 {
		t.Errorf("Datamarts = %d, ожидалось 2", result.Datamarts)
	}
	if result.ResumedRollbacks != 1 {
		t.Errorf("ResumedRollbacks = %d, ожидалось 1", result.ResumedRollbacks)
	}
	if result.UnfinishedWriteOps != 1 {
		t.Errorf("UnfinishedWriteOps = %d, ожидалось 1", result.UnfinishedWriteOps)
	}
	if len(m.rolledBack) != 1 || m.rolledBack[0] != "sales" {
		t.Errorf("откачены = %v, ожидалось [sales]", m.rolledBack)
	}
}

// TestReconcile_AbandonedWriteOp: брошенная операция приводит к откату дельты.
func TestReconcile_AbandonedWriteOp(t *testing.T) {
	m := &mockMaintainer{
		datamarts: []string{"sales"},
		hot:       map[string]*model.HotDelta{"sales": {DeltaNum: 1}},
		unfinished: map[string][]*model.DeltaWriteOp{
			"sales": {{TableName: "orders", SysCn: 0}, {TableName: "items", SysCn: 1}},
		},
	}
	liveness := livenessFunc(func(_ context.Context, _ string, op *model.DeltaWriteOp) (bool, error) {
		return op.TableName == "items", nil
	})
	rs := NewReconcileService(m, liveness, 0, slog.Default())

	result, _ := rs.RunOnce(context.Background())
	if result.AbandonedRollbacks != 1 {
		t.Errorf("AbandonedRollbacks = %d, ожидалось 1", result.AbandonedRollbacks)
	}
	if result.UnfinishedWriteOps != 0 {
		t.Errorf("UnfinishedWriteOps = %d, ожидалось 0 после отката", result.UnfinishedWriteOps)
	}
	if len(m.rolledBack) != 1 {
		t.Errorf("откатов = %d, ожидался 1", len(m.rolledBack))
	}
}

// TestReconcile_LivenessError: ошибка проверки исполнителя не откатывает дельту.
func TestReconcile_LivenessError(t *testing.T) {
	m := &mockMaintainer{
		datamarts:  []string{"sales"},
		hot:        map[string]*model.HotDelta{"sales": {DeltaNum: 1}},
		unfinished: map[string][]*model.DeltaWriteOp{"sales": {{TableName: "orders"}}},
	}
	liveness := livenessFunc(func(context.Context, string, *model.DeltaWriteOp) (bool, error) {
		return false, errors.New("реестр исполнителей недоступен")
	})
	rs := NewReconcileService(m, liveness, 0, slog.Default())

	result, _ := rs.RunOnce(context.Background())
	if result.Errors != 1 {
		t.Errorf("Errors = %d, ожидалась 1", result.Errors)
	}
	if len(m.rolledBack) != 0 {
		t.Errorf("откачены = %v, ожидалось пусто", m.rolledBack)
	}
}

// TestReconcile_Errors: ошибки хранилища учитываются, сверка продолжается.
func TestReconcile_Errors(t *testing.T) {
	m := &mockMaintainer{
		datamarts: []string{"sales", "marketing"},
		hotErr:    model.ErrDeltaBusy,
	}
	rs := NewReconcileService(m, nil, 0, slog.Default())

	result, _ := rs.RunOnce(context.Background())
	if result.Errors != 2 || result.Datamarts != 2 {
		t.Errorf("результат = %+v, ожидалось 2 витрины и 2 ошибки", result)
	}
}

// TestReconcile_EndToEnd: сверка завершает откат, прерванный после первой фазы.
func TestReconcile_EndToEnd(t *testing.T) {
	svc, _ := newScenarioService(t)
	ctx := context.Background()

	if _, err := svc.Begin(ctx, "sales", nil); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := svc.WriteNewOperation(ctx, model.DeltaWriteOpRequest{Datamart: "sales", TableName: "orders"}); err != nil {
		t.Fatalf("WriteNewOperation: %v", err)
	}

	liveness := livenessFunc(func(context.Context, string, *model.DeltaWriteOp) (bool, error) {
		return true, nil
	})
	rs := NewReconcileService(svc, liveness, 0, slog.Default())
	result, _ := rs.RunOnce(ctx)
	if result.AbandonedRollbacks != 1 {
		t.Fatalf("AbandonedRollbacks = %d, ожидалось 1", result.AbandonedRollbacks)
	}

	hot, err := svc.GetHot(ctx, "sales")
	if err != nil {
		t.Fatalf("GetHot: %v", err)
	}
	if hot != nil {
		t.Errorf("hot = %+v, ожидалось nil", hot)
	}
}

// TestReconcile_StartStop проверяет фоновый запуск и остановку.
func TestReconcile_StartStop(t *testing.T) {
	m := &mockMaintainer{datamarts: []string{"sales"}, hot: map[string]*model.HotDelta{}}
	rs := NewReconcileService(m, nil, 10*time.Millisecond, slog.Default())

	rs.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	rs.Stop()

	if rs.IsInProgress() {
		t.Error("сверка выполняется после Stop")
	}
	// Повторный Stop безопасен
	rs.Stop()
}
