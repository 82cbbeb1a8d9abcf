// Пакет model — доменные модели Delta Module.
package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// DeltaDateTimeLayout — формат даты-времени дельты в DDL и результатах запросов.
const DeltaDateTimeLayout = "2006-01-02 15:04:05"

// InformationSchemaName — схема метаданных, ссылки на которую не требуют дельт.
const InformationSchemaName = "information_schema"

// nameRe — допустимые имена витрин и таблиц (безопасны как сегмент пути).
var nameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateName проверяет имя витрины или таблицы.
func ValidateName(kind, name string) error {
	if !nameRe.MatchString(name) {
		return fmt.Errorf("недопустимое имя %s %q: ожидается [A-Za-z_][A-Za-z0-9_]*", kind, name)
	}
	return nil
}

// Delta — корневая запись витрины: открытая (hot) и последняя закрытая (ok) дельты.
type Delta struct {
	Hot *HotDelta `json:"hot,omitempty"`
	Ok  *OkDelta  `json:"ok,omitempty"`
}

// HotDelta — открытая дельта.
type HotDelta struct {
	DeltaNum int64 `json:"deltaNum"`
	CnFrom   int64 `json:"cnFrom"`
	// CnTo у открытой дельты не задан.
	CnTo *int64 `json:"cnTo,omitempty"`
	// CnMax — наибольший выданный sysCn (cnFrom-1, пока операций не было).
	CnMax                   int64           `json:"cnMax"`
	RollingBack             bool            `json:"rollingBack"`
	WriteOperationsFinished []WriteOpFinish `json:"writeOperationsFinished,omitempty"`
}

// OkDelta — закрытая дельта.
type OkDelta struct {
	DeltaNum                int64           `json:"deltaNum"`
	DeltaDate               time.Time       `json:"deltaDate"`
	CnFrom                  int64           `json:"cnFrom"`
	CnTo                    int64           `json:"cnTo"`
	WriteOperationsFinished []WriteOpFinish `json:"writeOperationsFinished,omitempty"`
}

// WriteOpFinish — завершённые операции записи одной таблицы в дельте.
type WriteOpFinish struct {
	TableName string  `json:"tableName"`
	CnList    []int64 `json:"cnList"`
}

// NextDeltaNum возвращает номер следующей дельты после ok.
// Первая дельта витрины имеет номер 1.
func NextDeltaNum(ok *OkDelta) int64 {
	if ok == nil {
		return 1
	}
	return ok.DeltaNum + 1
}

// NextCnFrom возвращает cnFrom следующей дельты после ok.
func NextCnFrom(ok *OkDelta) int64 {
	if ok == nil {
		return 0
	}
	return ok.CnTo + 1
}

// NewHotDelta создаёт открытую дельту, следующую за ok.
func NewHotDelta(ok *OkDelta) *HotDelta {
	cnFrom := NextCnFrom(ok)
	return &HotDelta{
		DeltaNum: NextDeltaNum(ok),
		CnFrom:   cnFrom,
		CnMax:    cnFrom - 1,
	}
}

// FormatDeltaDate форматирует дату дельты для результатов запросов.
func FormatDeltaDate(t time.Time) string {
	return t.UTC().Format(DeltaDateTimeLayout)
}

// ParseDeltaDateTime разбирает дату-время дельты: "2006-01-02 15:04:05",
// допускаются дробные секунды и разделитель 'T'. Кавычки отбрасываются.
// Время без зоны трактуется как UTC.
func ParseDeltaDateTime(s string) (time.Time, error) {
	v := strings.TrimSpace(strings.Trim(strings.TrimSpace(s), `'"`))
	v = strings.Replace(v, "T", " ", 1)
	for _, layout := range []string{
		"2006-01-02 15:04:05.999999999",
		DeltaDateTimeLayout,
		"2006-01-02 15:04",
		"2006-01-02",
	} {
		if t, err := time.ParseInLocation(layout, v, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("некорректная дата-время дельты %q, ожидается формат %s", s, DeltaDateTimeLayout)
}
