package handlers

import (
	"net/http"

	"github.com/google/uuid"

	apierrors "github.com/bigkaa/goartstore/delta-module/internal/api/errors"
	"github.com/bigkaa/goartstore/delta-module/internal/domain/model"
)

// PreprocessQuery — POST /api/v1/datamarts/{datamart}/preprocess.
// Принимает запрос с уже извлечёнными ссылками на дельты и возвращает его
// копию, в которой номера дельт и даты заменены значениями sysCn.
// Ссылки без схемы относятся к витрине из URL.
func (h *APIHandler) PreprocessQuery(w http.ResponseWriter, r *http.Request) {
	dm := datamartParam(r)
	var req model.QueryRequest
	if err := readJSON(r, &req); err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	if req.RequestID == uuid.Nil {
		req.RequestID = uuid.New()
	}
	if req.Datamart == "" {
		req.Datamart = dm
	}

	infos := make([]model.DeltaInformation, len(req.DeltaInformations))
	for i, info := range req.DeltaInformations {
		if info.SchemaName == "" {
			info.SchemaName = dm
		}
		infos[i] = info
	}

	resolved, err := h.resolver.Resolve(r.Context(), infos)
	if err != nil {
		apierrors.WriteDeltaError(w, err)
		return
	}

	out := req.Copy()
	out.DeltaInformations = resolved
	if out.DeltaInformations == nil {
		out.DeltaInformations = []model.DeltaInformation{}
	}
	writeJSON(w, http.StatusOK, out)
}

// RunReconcile — POST /api/v1/admin/reconcile. Запускает цикл сверки синхронно.
func (h *APIHandler) RunReconcile(w http.ResponseWriter, r *http.Request) {
	if h.reconciler == nil {
		apierrors.NotFound(w, "Сверка не настроена")
		return
	}
	res, busy := h.reconciler.RunOnce(r.Context())
	if busy {
		apierrors.ReconcileInProgress(w, "Сверка уже выполняется")
		return
	}
	h.logMutation(r, "reconcile", "")
	writeJSON(w, http.StatusOK, res)
}
