// handler.go — обработчики REST API дельт.
// Маршруты регистрируются в server; обработчики только разбирают запрос,
// вызывают сервисный слой и сериализуют ответ.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/goartstore/delta-module/internal/api/errors"
	"github.com/bigkaa/goartstore/delta-module/internal/api/middleware"
	"github.com/bigkaa/goartstore/delta-module/internal/deltacmd"
	"github.com/bigkaa/goartstore/delta-module/internal/domain/model"
	"github.com/bigkaa/goartstore/delta-module/internal/repository"
	"github.com/bigkaa/goartstore/delta-module/internal/service"
)

// maxBodySize — ограничение тела запроса.
const maxBodySize = 1 << 20

// DeltaAPI — операции сервиса дельт. Реализуется *service.DeltaService.
type DeltaAPI interface {
	ListDatamarts(ctx context.Context) ([]string, error)
	Begin(ctx context.Context, dm string, num *int64) (*model.HotDelta, error)
	Commit(ctx context.Context, dm string, deltaDate *time.Time) (*model.OkDelta, error)
	Rollback(ctx context.Context, dm string) (*repository.RollbackResult, error)
	GetHot(ctx context.Context, dm string) (*model.HotDelta, error)
	GetOk(ctx context.Context, dm string) (*model.OkDelta, error)
	GetByNum(ctx context.Context, dm string, num int64) (*model.OkDelta, error)
	GetByDatetime(ctx context.Context, dm string, t time.Time) (*model.OkDelta, error)
	WriteNewOperation(ctx context.Context, req model.DeltaWriteOpRequest) (int64, error)
	FinishOperation(ctx context.Context, dm, table string, sysCn int64, status model.WriteOpStatus) (*model.DeltaWriteOp, error)
	GetWriteOps(ctx context.Context, dm, table string, unfinishedOnly bool) ([]*model.DeltaWriteOp, error)
}

// CommandExecutor выполняет DDL дельт. Реализуется *deltacmd.Executor.
type CommandExecutor interface {
	ExecuteSQL(ctx context.Context, dm, sql string) (*deltacmd.Result, error)
}

// ReferenceResolver разрешает ссылки на дельты. Реализуется *service.DeltaQueryPreprocessor.
type ReferenceResolver interface {
	Resolve(ctx context.Context, infos []model.DeltaInformation) ([]model.DeltaInformation, error)
}

// Reconciler запускает сверку по запросу. Реализуется *service.ReconcileService.
type Reconciler interface {
	RunOnce(ctx context.Context) (*service.ReconcileResult, bool)
}

// APIHandler — обработчик REST API Delta Module.
type APIHandler struct {
	deltas     DeltaAPI
	commands   CommandExecutor
	resolver   ReferenceResolver
	reconciler Reconciler
	logger     *slog.Logger
}

// NewAPIHandler создаёт обработчик API.
func NewAPIHandler(
	deltas DeltaAPI,
	commands CommandExecutor,
	resolver ReferenceResolver,
	logger *slog.Logger,
) *APIHandler {
	return &APIHandler{
		deltas:   deltas,
		commands: commands,
		resolver: resolver,
		logger:   logger.With(slog.String("component", "api_handler")),
	}
}

// WithReconciler подключает ручной запуск сверки.
func (h *APIHandler) WithReconciler(r Reconciler) *APIHandler {
	h.reconciler = r
	return h
}

// ListDatamarts — GET /api/v1/datamarts.
func (h *APIHandler) ListDatamarts(w http.ResponseWriter, r *http.Request) {
	names, err := h.deltas.ListDatamarts(r.Context())
	if err != nil {
		apierrors.WriteDeltaError(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, datamartListResponse{Items: names, Total: len(names)})
}

// --- Вспомогательные функции ---

// datamartParam — имя витрины из URL.
func datamartParam(r *http.Request) string {
	return chi.URLParam(r, "datamart")
}

// int64Param разбирает целочисленный параметр пути.
func int64Param(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("параметр %s: ожидается целое число, получено %q", name, raw)
	}
	return v, nil
}

// readJSON декодирует тело запроса. Пустое тело допустимо: dst остаётся нулевым.
func readJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && err != io.EOF {
		return fmt.Errorf("некорректное тело запроса: %w", err)
	}
	return nil
}

// logMutation пишет в лог субъекта, выполнившего изменение.
func (h *APIHandler) logMutation(r *http.Request, action, dm string, attrs ...slog.Attr) {
	actor := "anonymous"
	if claims := middleware.ClaimsFromContext(r.Context()); claims != nil {
		actor = claims.Actor()
	}
	attrs = append([]slog.Attr{
		slog.String("action", action),
		slog.String("datamart", dm),
		slog.String("actor", actor),
	}, attrs...)
	h.logger.LogAttrs(r.Context(), slog.LevelInfo, "Изменение дельты", attrs...)
}
