package model

import (
	"github.com/google/uuid"
)

// DeltaType — вид ссылки на дельту в запросе.
type DeltaType string

const (
	// DeltaTypeNum — FOR SYSTEM_TIME AS OF DELTA_NUM n
	DeltaTypeNum DeltaType = "NUM"
	// DeltaTypeDateTime — FOR SYSTEM_TIME AS OF '<datetime>'
	DeltaTypeDateTime DeltaType = "DATETIME"
	// DeltaTypeStartedIn — FOR SYSTEM_TIME STARTED IN (from, to)
	DeltaTypeStartedIn DeltaType = "STARTED_IN"
	// DeltaTypeFinishedIn — FOR SYSTEM_TIME FINISHED IN (from, to)
	DeltaTypeFinishedIn DeltaType = "FINISHED_IN"
	// DeltaTypeWithoutSnapshot — ссылка без указания дельты.
	DeltaTypeWithoutSnapshot DeltaType = "WITHOUT_SNAPSHOT"
)

// SelectOnInterval — интервал sysCn (или номеров дельт до разрешения).
type SelectOnInterval struct {
	SelectOnFrom int64 `json:"selectOnFrom"`
	SelectOnTo   int64 `json:"selectOnTo"`
}

// DeltaInformation — ссылка на дельту для одной таблицы запроса.
// До разрешения SelectOnNum и SelectOnInterval содержат номера дельт,
// после — значения sysCn.
type DeltaInformation struct {
	TableAlias               string            `json:"tableAlias,omitempty"`
	DeltaTimestamp           string            `json:"deltaTimestamp,omitempty"`
	IsLatestUncommittedDelta bool              `json:"isLatestUncommittedDelta"`
	SelectOnNum              *int64            `json:"selectOnNum,omitempty"`
	SelectOnInterval         *SelectOnInterval `json:"selectOnInterval,omitempty"`
	Type                     DeltaType         `json:"type"`
	SchemaName               string            `json:"schemaName"`
	TableName                string            `json:"tableName"`
}

// Copy возвращает независимую копию.
func (d DeltaInformation) Copy() DeltaInformation {
	out := d
	if d.SelectOnNum != nil {
		v := *d.SelectOnNum
		out.SelectOnNum = &v
	}
	if d.SelectOnInterval != nil {
		v := *d.SelectOnInterval
		out.SelectOnInterval = &v
	}
	return out
}

// QueryRequest — запрос, проходящий через препроцессор дельт.
type QueryRequest struct {
	RequestID         uuid.UUID          `json:"requestId"`
	Datamart          string             `json:"datamartMnemonic"`
	SQL               string             `json:"sql"`
	DeltaInformations []DeltaInformation `json:"deltaInformations,omitempty"`
}

// Copy возвращает копию запроса с независимым списком ссылок на дельты.
func (q *QueryRequest) Copy() *QueryRequest {
	out := *q
	if q.DeltaInformations != nil {
		out.DeltaInformations = make([]DeltaInformation, len(q.DeltaInformations))
		for i, d := range q.DeltaInformations {
			out.DeltaInformations[i] = d.Copy()
		}
	}
	return &out
}

// Int64Ptr возвращает указатель на значение.
func Int64Ptr(v int64) *int64 {
	return &v
}
