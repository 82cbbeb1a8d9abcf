package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	apierrors "github.com/bigkaa/goartstore/delta-module/internal/api/errors"
	"github.com/bigkaa/goartstore/delta-module/internal/domain/model"
)

type writeOpRequest struct {
	TableName    string `json:"tableName"`
	TableNameExt string `json:"tableNameExt,omitempty"`
	Query        string `json:"query,omitempty"`
}

type writeOpCreatedResponse struct {
	SysCn int64 `json:"sysCn"`
}

type finishRequest struct {
	TableName string `json:"tableName"`
	// Status — "finished" или "aborted".
	Status string `json:"status"`
}

type writeOpResponse struct {
	SysCn        int64  `json:"sysCn"`
	CnFrom       int64  `json:"cnFrom"`
	TableName    string `json:"tableName"`
	TableNameExt string `json:"tableNameExt,omitempty"`
	Query        string `json:"query,omitempty"`
	Status       string `json:"status"`
}

type writeOpListResponse struct {
	Items []writeOpResponse `json:"items"`
	Total int               `json:"total"`
}

func toWriteOpResponse(op *model.DeltaWriteOp) writeOpResponse {
	return writeOpResponse{
		SysCn:        op.SysCn,
		CnFrom:       op.CnFrom,
		TableName:    op.TableName,
		TableNameExt: op.TableNameExt,
		Query:        op.Query,
		Status:       op.Status.String(),
	}
}

func toWriteOpResponses(ops []*model.DeltaWriteOp) []writeOpResponse {
	out := make([]writeOpResponse, 0, len(ops))
	for _, op := range ops {
		out = append(out, toWriteOpResponse(op))
	}
	return out
}

// CreateWriteOp — POST /api/v1/datamarts/{datamart}/write-ops.
// Блокирует таблицу и возвращает sysCn операции.
func (h *APIHandler) CreateWriteOp(w http.ResponseWriter, r *http.Request) {
	dm := datamartParam(r)
	var req writeOpRequest
	if err := readJSON(r, &req); err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	if req.TableName == "" {
		apierrors.ValidationError(w, "Не задано поле tableName")
		return
	}

	sysCn, err := h.deltas.WriteNewOperation(r.Context(), model.DeltaWriteOpRequest{
		Datamart:     dm,
		TableName:    req.TableName,
		TableNameExt: req.TableNameExt,
		Query:        req.Query,
	})
	if err != nil {
		apierrors.WriteDeltaError(w, err)
		return
	}
	h.logMutation(r, "write_op", dm,
		slog.String("table", req.TableName),
		slog.Int64("sys_cn", sysCn),
	)
	writeJSON(w, http.StatusCreated, writeOpCreatedResponse{SysCn: sysCn})
}

// FinishWriteOp — POST /api/v1/datamarts/{datamart}/write-ops/{sysCn}/finish.
func (h *APIHandler) FinishWriteOp(w http.ResponseWriter, r *http.Request) {
	dm := datamartParam(r)
	sysCn, err := int64Param(r, "sysCn")
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	var req finishRequest
	if err := readJSON(r, &req); err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	if req.TableName == "" {
		apierrors.ValidationError(w, "Не задано поле tableName")
		return
	}
	status := model.WriteOpFinished
	if req.Status != "" {
		status, err = model.ParseWriteOpStatus(req.Status)
		if err != nil {
			apierrors.ValidationError(w, err.Error())
			return
		}
	}

	op, err := h.deltas.FinishOperation(r.Context(), dm, req.TableName, sysCn, status)
	if err != nil {
		apierrors.WriteDeltaError(w, err)
		return
	}
	h.logMutation(r, "finish_write_op", dm,
		slog.String("table", req.TableName),
		slog.Int64("sys_cn", sysCn),
		slog.String("status", status.String()),
	)
	writeJSON(w, http.StatusOK, toWriteOpResponse(op))
}

// ListWriteOps — GET /api/v1/datamarts/{datamart}/write-ops?table=&unfinished=.
func (h *APIHandler) ListWriteOps(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	unfinished := false
	if v := q.Get("unfinished"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			apierrors.ValidationError(w, "Параметр unfinished: ожидается true или false")
			return
		}
		unfinished = b
	}

	ops, err := h.deltas.GetWriteOps(r.Context(), datamartParam(r), q.Get("table"), unfinished)
	if err != nil {
		apierrors.WriteDeltaError(w, err)
		return
	}
	items := toWriteOpResponses(ops)
	writeJSON(w, http.StatusOK, writeOpListResponse{Items: items, Total: len(items)})
}
