package model

import "fmt"

// WriteOpStatus — статус операции записи.
type WriteOpStatus int

const (
	// WriteOpCreated — загрузка выполняется.
	WriteOpCreated WriteOpStatus = 0
	// WriteOpFinished — загрузка завершена успешно.
	WriteOpFinished WriteOpStatus = 1
	// WriteOpAborted — загрузка не удалась или дельта откатывается.
	WriteOpAborted WriteOpStatus = 2
)

// String возвращает имя статуса.
func (s WriteOpStatus) String() string {
	switch s {
	case WriteOpCreated:
		return "created"
	case WriteOpFinished:
		return "finished"
	case WriteOpAborted:
		return "aborted"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// IsTerminal возвращает true для конечных статусов.
func (s WriteOpStatus) IsTerminal() bool {
	return s == WriteOpFinished || s == WriteOpAborted
}

// ParseWriteOpStatus разбирает статус из строки ("finished", "aborted") или числа.
func ParseWriteOpStatus(s string) (WriteOpStatus, error) {
	switch s {
	case "created", "0":
		return WriteOpCreated, nil
	case "finished", "1":
		return WriteOpFinished, nil
	case "aborted", "2":
		return WriteOpAborted, nil
	default:
		return 0, fmt.Errorf("недопустимый статус операции записи %q", s)
	}
}

// validWriteOpTransitions — допустимые переходы статусов операции записи.
var validWriteOpTransitions = map[WriteOpStatus]map[WriteOpStatus]bool{
	WriteOpCreated:  {WriteOpFinished: true, WriteOpAborted: true},
	WriteOpFinished: {},
	WriteOpAborted:  {},
}

// CanTransition проверяет допустимость перехода from → to.
func CanTransition(from, to WriteOpStatus) bool {
	return validWriteOpTransitions[from][to]
}

// DeltaWriteOp — операция записи в таблицу внутри открытой дельты.
type DeltaWriteOp struct {
	// CnFrom — cnFrom открытой дельты на момент создания операции.
	CnFrom       int64         `json:"cnFrom"`
	TableName    string        `json:"tableName"`
	TableNameExt string        `json:"tableNameExt,omitempty"`
	Query        string        `json:"query,omitempty"`
	Status       WriteOpStatus `json:"status"`

	// Sequence — номер последовательного узла (не сериализуется, берётся из пути).
	Sequence int64 `json:"-"`
	// SysCn = CnFrom + Sequence.
	SysCn int64 `json:"-"`
}

// DeltaWriteOpRequest — запрос на новую операцию записи.
type DeltaWriteOpRequest struct {
	Datamart     string
	TableName    string
	TableNameExt string
	Query        string
}

// NewDeltaWriteOp создаёт операцию записи в статусе CREATED.
func NewDeltaWriteOp(req DeltaWriteOpRequest, cnFrom int64) *DeltaWriteOp {
	return &DeltaWriteOp{
		CnFrom:       cnFrom,
		TableName:    req.TableName,
		TableNameExt: req.TableNameExt,
		Query:        req.Query,
		Status:       WriteOpCreated,
	}
}

// GroupFinished группирует завершённые операции по таблицам в порядке первого появления.
// ops должны быть упорядочены по номеру последовательности.
func GroupFinished(ops []*DeltaWriteOp) []WriteOpFinish {
	var result []WriteOpFinish
	index := make(map[string]int)
	for _, op := range ops {
		if op.Status != WriteOpFinished {
			continue
		}
		i, ok := index[op.TableName]
		if !ok {
			i = len(result)
			index[op.TableName] = i
			result = append(result, WriteOpFinish{TableName: op.TableName})
		}
		result[i].CnList = append(result[i].CnList, op.SysCn)
	}
	return result
}
