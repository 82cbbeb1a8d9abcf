package model

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

// TestParseDeltaDateTime проверяет разбор даты-времени дельты.
func TestParseDeltaDateTime(t *testing.T) {
	want := time.Date(2026, 3, 15, 10, 20, 30, 0, time.UTC)

	tests := []struct {
		name    string
		input   string
		want    time.Time
		wantErr bool
	}{
		{"базовый формат", "2026-03-15 10:20:30", want, false},
		{"в кавычках", "'2026-03-15 10:20:30'", want, false},
		{"разделитель T", "2026-03-15T10:20:30", want, false},
		{"дробные секунды", "2026-03-15 10:20:30.5", want.Add(500 * time.Millisecond), false},
		{"только дата", "2026-03-15", time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), false},
		{"мусор", "вчера", time.Time{}, true},
		{"пустая строка", "", time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDeltaDateTime(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseDeltaDateTime(%q) = %v, ожидалась ошибка", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDeltaDateTime(%q): %v", tt.input, err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("ParseDeltaDateTime(%q) = %v, ожидалось %v", tt.input, got, tt.want)
			}
		})
	}
}

// TestNewHotDelta проверяет вычисление следующей дельты.
func TestNewHotDelta(t *testing.T) {
	first := NewHotDelta(nil)
	if first.DeltaNum != 1 || first.CnFrom != 0 || first.CnMax != -1 {
		t.Errorf("первая дельта = %+v", first)
	}

	next := NewHotDelta(&OkDelta{DeltaNum: 3, CnFrom: 10, CnTo: 14})
	if next.DeltaNum != 4 || next.CnFrom != 15 || next.CnMax != 14 {
		t.Errorf("следующая дельта = %+v", next)
	}
}

// TestValidateName проверяет имена витрин и таблиц.
func TestValidateName(t *testing.T) {
	for _, name := range []string{"sales", "Sales_2026", "_tmp"} {
		if err := ValidateName("таблицы", name); err != nil {
			t.Errorf("ValidateName(%q): %v", name, err)
		}
	}
	for _, name := range []string{"", "2sales", "a/b", "a-b", "a b"} {
		if err := ValidateName("таблицы", name); err == nil {
			t.Errorf("ValidateName(%q): ожидалась ошибка", name)
		}
	}
}

// TestWriteOpStatus_Transitions проверяет переходы статусов операции записи.
func TestWriteOpStatus_Transitions(t *testing.T) {
	tests := []struct {
		from, to WriteOpStatus
		want     bool
	}{
		{WriteOpCreated, WriteOpFinished, true},
		{WriteOpCreated, WriteOpAborted, true},
		{WriteOpCreated, WriteOpCreated, false},
		{WriteOpFinished, WriteOpAborted, false},
		{WriteOpAborted, WriteOpFinished, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, ожидалось %v", tt.from, tt.to, got, tt.want)
		}
	}
}

// TestParseWriteOpStatus проверяет разбор статуса.
func TestParseWriteOpStatus(t *testing.T) {
	if s, err := ParseWriteOpStatus("finished"); err != nil || s != WriteOpFinished {
		t.Errorf("ParseWriteOpStatus(finished) = (%v, %v)", s, err)
	}
	if s, err := ParseWriteOpStatus("2"); err != nil || s != WriteOpAborted {
		t.Errorf("ParseWriteOpStatus(2) = (%v, %v)", s, err)
	}
	if _, err := ParseWriteOpStatus("done"); err == nil {
		t.Error("ParseWriteOpStatus(done): ожидалась ошибка")
	}
}

// TestGroupFinished проверяет группировку завершённых операций по таблицам.
func TestGroupFinished(t *testing.T) {
	ops := []*DeltaWriteOp{
		{TableName: "orders", Status: WriteOpFinished, SysCn: 5},
		{TableName: "items", Status: WriteOpFinished, SysCn: 6},
		{TableName: "orders", Status: WriteOpAborted, SysCn: 7},
		{TableName: "orders", Status: WriteOpFinished, SysCn: 8},
	}

	got := GroupFinished(ops)
	if len(got) != 2 {
		t.Fatalf("групп = %d, ожидалось 2", len(got))
	}
	if got[0].TableName != "orders" || fmt.Sprint(got[0].CnList) != "[5 8]" {
		t.Errorf("orders = %+v", got[0])
	}
	if got[1].TableName != "items" || fmt.Sprint(got[1].CnList) != "[6]" {
		t.Errorf("items = %+v", got[1])
	}
}

// TestDeltaError_Is проверяет сравнение ошибок по коду.
func TestDeltaError_Is(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("begin: %w", &DeltaError{Code: CodeDeltaBusy, Message: "конфликт", Err: cause})

	if !errors.Is(err, ErrDeltaBusy) {
		t.Error("errors.Is(err, ErrDeltaBusy) = false")
	}
	if errors.Is(err, ErrDeltaException) {
		t.Error("errors.Is(err, ErrDeltaException) = true")
	}
	if !errors.Is(err, cause) {
		t.Error("причина не доступна через errors.Is")
	}
	if CodeOf(err) != CodeDeltaBusy {
		t.Errorf("CodeOf = %q", CodeOf(err))
	}
	if !IsRetryable(err) {
		t.Error("IsRetryable = false")
	}
}

// TestWrapDeltaException проверяет обёртку неклассифицированных ошибок.
func TestWrapDeltaException(t *testing.T) {
	if WrapDeltaException(nil, "x") != nil {
		t.Error("WrapDeltaException(nil) != nil")
	}

	wrapped := WrapDeltaException(errors.New("timeout"), "витрина %s", "sales")
	if !errors.Is(wrapped, ErrDeltaException) {
		t.Errorf("ожидалась ErrDeltaException: %v", wrapped)
	}

	blocked := NewDeltaError(CodeTableBlocked, "таблица %s", "orders")
	if got := WrapDeltaException(blocked, "x"); got != error(blocked) {
		t.Errorf("классифицированная ошибка изменена: %v", got)
	}
}

// TestQueryRequest_Copy проверяет независимость копии запроса.
func TestQueryRequest_Copy(t *testing.T) {
	orig := &QueryRequest{
		Datamart: "sales",
		DeltaInformations: []DeltaInformation{
			{TableName: "orders", SelectOnNum: Int64Ptr(1)},
		},
	}
	cp := orig.Copy()
	*cp.DeltaInformations[0].SelectOnNum = 42

	if *orig.DeltaInformations[0].SelectOnNum != 1 {
		t.Errorf("исходный запрос изменён: %d", *orig.DeltaInformations[0].SelectOnNum)
	}
}
