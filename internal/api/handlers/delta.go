package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	apierrors "github.com/bigkaa/goartstore/delta-module/internal/api/errors"
	"github.com/bigkaa/goartstore/delta-module/internal/deltacmd"
	"github.com/bigkaa/goartstore/delta-module/internal/domain/model"
)

// --- DTO ---

type datamartListResponse struct {
	Items []string `json:"items"`
	Total int      `json:"total"`
}

type beginRequest struct {
	Num *int64 `json:"num,omitempty"`
}

type commitRequest struct {
	// DeltaDate в формате "2006-01-02 15:04:05" (UTC).
	DeltaDate string `json:"deltaDate,omitempty"`
}

type commandRequest struct {
	SQL string `json:"sql"`
}

type hotDeltaResponse struct {
	DeltaNum                int64                 `json:"deltaNum"`
	CnFrom                  int64                 `json:"cnFrom"`
	CnTo                    *int64                `json:"cnTo,omitempty"`
	CnMax                   int64                 `json:"cnMax"`
	RollingBack             bool                  `json:"rollingBack"`
	WriteOperationsFinished []model.WriteOpFinish `json:"writeOperationsFinished"`
}

type okDeltaResponse struct {
	DeltaNum                int64                 `json:"deltaNum"`
	DeltaDate               string                `json:"deltaDate"`
	CnFrom                  int64                 `json:"cnFrom"`
	CnTo                    int64                 `json:"cnTo"`
	WriteOperationsFinished []model.WriteOpFinish `json:"writeOperationsFinished"`
}

type rollbackResponse struct {
	Hot      *hotDeltaResponse `json:"hot"`
	WriteOps []writeOpResponse `json:"writeOps"`
}

type commandResponse struct {
	Kind    deltacmd.Kind  `json:"kind"`
	Columns []string       `json:"columns"`
	Rows    []deltacmd.Row `json:"rows"`
}

func toHotResponse(h *model.HotDelta) *hotDeltaResponse {
	if h == nil {
		return nil
	}
	finished := h.WriteOperationsFinished
	if finished == nil {
		finished = []model.WriteOpFinish{}
	}
	return &hotDeltaResponse{
		DeltaNum:                h.DeltaNum,
		CnFrom:                  h.CnFrom,
		CnTo:                    h.CnTo,
		CnMax:                   h.CnMax,
		RollingBack:             h.RollingBack,
		WriteOperationsFinished: finished,
	}
}

func toOkResponse(o *model.OkDelta) *okDeltaResponse {
	if o == nil {
		return nil
	}
	finished := o.WriteOperationsFinished
	if finished == nil {
		finished = []model.WriteOpFinish{}
	}
	return &okDeltaResponse{
		DeltaNum:                o.DeltaNum,
		DeltaDate:               model.FormatDeltaDate(o.DeltaDate),
		CnFrom:                  o.CnFrom,
		CnTo:                    o.CnTo,
		WriteOperationsFinished: finished,
	}
}

// --- Жизненный цикл дельты ---

// BeginDelta — POST /api/v1/datamarts/{datamart}/delta/begin.
func (h *APIHandler) BeginDelta(w http.ResponseWriter, r *http.Request) {
	dm := datamartParam(r)
	var req beginRequest
	if err := readJSON(r, &req); err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	hot, err := h.deltas.Begin(r.Context(), dm, req.Num)
	if err != nil {
		apierrors.WriteDeltaError(w, err)
		return
	}
	h.logMutation(r, "begin", dm, slog.Int64("delta_num", hot.DeltaNum))
	writeJSON(w, http.StatusCreated, toHotResponse(hot))
}

// CommitDelta — POST /api/v1/datamarts/{datamart}/delta/commit.
func (h *APIHandler) CommitDelta(w http.ResponseWriter, r *http.Request) {
	dm := datamartParam(r)
	var req commitRequest
	if err := readJSON(r, &req); err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	var date *time.Time
	if strings.TrimSpace(req.DeltaDate) != "" {
		t, err := model.ParseDeltaDateTime(req.DeltaDate)
		if err != nil {
			apierrors.ValidationError(w, err.Error())
			return
		}
		date = &t
	}

	ok, err := h.deltas.Commit(r.Context(), dm, date)
	if err != nil {
		apierrors.WriteDeltaError(w, err)
		return
	}
	h.logMutation(r, "commit", dm,
		slog.Int64("delta_num", ok.DeltaNum),
		slog.Int64("cn_to", ok.CnTo),
	)
	writeJSON(w, http.StatusOK, toOkResponse(ok))
}

// RollbackDelta — POST /api/v1/datamarts/{datamart}/delta/rollback.
// Без открытой дельты возвращает 200 с пустым результатом.
func (h *APIHandler) RollbackDelta(w http.ResponseWriter, r *http.Request) {
	dm := datamartParam(r)
	res, err := h.deltas.Rollback(r.Context(), dm)
	if err != nil {
		apierrors.WriteDeltaError(w, err)
		return
	}

	resp := rollbackResponse{Hot: toHotResponse(res.Hot), WriteOps: toWriteOpResponses(res.WriteOps)}
	if res.Hot != nil {
		h.logMutation(r, "rollback", dm,
			slog.Int64("delta_num", res.Hot.DeltaNum),
			slog.Int("write_ops", len(res.WriteOps)),
		)
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Чтение дельт ---

// GetHotDelta — GET /api/v1/datamarts/{datamart}/delta/hot.
func (h *APIHandler) GetHotDelta(w http.ResponseWriter, r *http.Request) {
	hot, err := h.deltas.GetHot(r.Context(), datamartParam(r))
	if err != nil {
		apierrors.WriteDeltaError(w, err)
		return
	}
	if hot == nil {
		apierrors.NotFound(w, "Открытой дельты нет")
		return
	}
	writeJSON(w, http.StatusOK, toHotResponse(hot))
}

// GetOkDelta — GET /api/v1/datamarts/{datamart}/delta/ok.
func (h *APIHandler) GetOkDelta(w http.ResponseWriter, r *http.Request) {
	ok, err := h.deltas.GetOk(r.Context(), datamartParam(r))
	if err != nil {
		apierrors.WriteDeltaError(w, err)
		return
	}
	if ok == nil {
		apierrors.NotFound(w, "Закрытых дельт нет")
		return
	}
	writeJSON(w, http.StatusOK, toOkResponse(ok))
}

// GetDeltaByNum — GET /api/v1/datamarts/{datamart}/delta/num/{num}.
func (h *APIHandler) GetDeltaByNum(w http.ResponseWriter, r *http.Request) {
	num, err := int64Param(r, "num")
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	ok, err := h.deltas.GetByNum(r.Context(), datamartParam(r), num)
	if err != nil {
		apierrors.WriteDeltaError(w, err)
		return
	}
	if ok == nil {
		apierrors.NotFound(w, "Дельта "+strconv.FormatInt(num, 10)+" не найдена")
		return
	}
	writeJSON(w, http.StatusOK, toOkResponse(ok))
}

// GetDeltaByDatetime — GET /api/v1/datamarts/{datamart}/delta/datetime?value=...
// 404, если на момент value закрытых дельт не было.
func (h *APIHandler) GetDeltaByDatetime(w http.ResponseWriter, r *http.Request) {
	value := r.URL.Query().Get("value")
	if value == "" {
		apierrors.ValidationError(w, "Не задан параметр value")
		return
	}
	t, err := model.ParseDeltaDateTime(value)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	ok, err := h.deltas.GetByDatetime(r.Context(), datamartParam(r), t)
	if err != nil {
		apierrors.WriteDeltaError(w, err)
		return
	}
	if ok == nil {
		apierrors.NotFound(w, "Нет закрытой дельты на "+model.FormatDeltaDate(t))
		return
	}
	writeJSON(w, http.StatusOK, toOkResponse(ok))
}

// --- DDL ---

// ExecuteCommand — POST /api/v1/datamarts/{datamart}/delta/query.
// Выполняет одну команду DDL дельт и возвращает табличный результат.
func (h *APIHandler) ExecuteCommand(w http.ResponseWriter, r *http.Request) {
	dm := datamartParam(r)
	var req commandRequest
	if err := readJSON(r, &req); err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	if strings.TrimSpace(req.SQL) == "" {
		apierrors.ValidationError(w, "Не задан текст команды")
		return
	}

	res, err := h.commands.ExecuteSQL(r.Context(), dm, req.SQL)
	if err != nil {
		apierrors.WriteDeltaError(w, err)
		return
	}
	switch res.Kind {
	case deltacmd.KindBegin, deltacmd.KindCommit, deltacmd.KindRollback:
		h.logMutation(r, "command", dm, slog.String("kind", string(res.Kind)))
	}

	rows := res.Rows
	if rows == nil {
		rows = []deltacmd.Row{}
	}
	writeJSON(w, http.StatusOK, commandResponse{Kind: res.Kind, Columns: res.Columns, Rows: rows})
}
