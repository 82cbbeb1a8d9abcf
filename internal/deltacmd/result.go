package deltacmd

import (
	"encoding/json"

	"github.com/bigkaa/goartstore/delta-module/internal/domain/model"
)

// Колонки результата команд дельты.
const (
	ColDeltaNum        = "delta_num"
	ColDeltaDate       = "delta_date"
	ColCnFrom          = "cn_from"
	ColCnTo            = "cn_to"
	ColCnMax           = "cn_max"
	ColIsRollingBack   = "is_rolling_back"
	ColWriteOpFinished = "write_op_finished"
)

// Columns — порядок колонок результата.
var Columns = []string{
	ColDeltaNum, ColDeltaDate, ColCnFrom, ColCnTo, ColCnMax, ColIsRollingBack, ColWriteOpFinished,
}

// Row — строка результата. Отсутствующие значения — nil.
type Row map[string]any

// Result — результат выполнения команды.
type Result struct {
	Kind    Kind     `json:"kind"`
	Columns []string `json:"columns"`
	Rows    []Row    `json:"rows"`
}

func emptyResult(kind Kind) *Result {
	return &Result{Kind: kind, Columns: Columns, Rows: []Row{}}
}

func hotResult(kind Kind, hot *model.HotDelta) (*Result, error) {
	res := emptyResult(kind)
	if hot == nil {
		return res, nil
	}
	finished, err := writeOpsText(hot.WriteOperationsFinished)
	if err != nil {
		return nil, err
	}
	var cnTo any
	if hot.CnTo != nil {
		cnTo = *hot.CnTo
	}
	res.Rows = append(res.Rows, Row{
		ColDeltaNum:        hot.DeltaNum,
		ColDeltaDate:       nil,
		ColCnFrom:          hot.CnFrom,
		ColCnTo:            cnTo,
		ColCnMax:           hot.CnMax,
		ColIsRollingBack:   hot.RollingBack,
		ColWriteOpFinished: finished,
	})
	return res, nil
}

func okResult(kind Kind, ok *model.OkDelta) (*Result, error) {
	res := emptyResult(kind)
	if ok == nil {
		return res, nil
	}
	finished, err := writeOpsText(ok.WriteOperationsFinished)
	if err != nil {
		return nil, err
	}
	res.Rows = append(res.Rows, Row{
		ColDeltaNum:        ok.DeltaNum,
		ColDeltaDate:       model.FormatDeltaDate(ok.DeltaDate),
		ColCnFrom:          ok.CnFrom,
		ColCnTo:            ok.CnTo,
		ColCnMax:           nil,
		ColIsRollingBack:   nil,
		ColWriteOpFinished: finished,
	})
	return res, nil
}

// writeOpsText — JSON-массив завершённых операций или nil.
func writeOpsText(ops []model.WriteOpFinish) (any, error) {
	if len(ops) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(ops)
	if err != nil {
		return nil, model.WrapDeltaException(err, "ошибка сериализации завершённых операций записи")
	}
	return string(data), nil
}
