package deltacmd

import (
	"errors"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/delta-module/internal/domain/model"
)

func TestParse(t *testing.T) {
	date := time.Date(2020, 6, 11, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		sql      string
		kind     Kind
		num      *int64
		dateTime *time.Time
	}{
		{"begin", "BEGIN DELTA", KindBegin, nil, nil},
		{"begin с номером", "begin delta set 1;", KindBegin, model.Int64Ptr(1), nil},
		{"begin лишние пробелы", "  BEGIN   DELTA  SET  15 ", KindBegin, model.Int64Ptr(15), nil},
		{"commit", "COMMIT DELTA", KindCommit, nil, nil},
		{"commit с датой", "COMMIT DELTA SET '2020-06-11 10:00:00'", KindCommit, nil, &date},
		{"commit с датой через T", "COMMIT DELTA SET '2020-06-11T10:00:00';", KindCommit, nil, &date},
		{"rollback", "ROLLBACK DELTA", KindRollback, nil, nil},
		{"get ok", "GET_DELTA_OK()", KindGetOk, nil, nil},
		{"get hot", "get_delta_hot( );", KindGetHot, nil, nil},
		{"get by num", "GET_DELTA_BY_NUM(15)", KindGetByNum, model.Int64Ptr(15), nil},
		{"get by datetime", "GET_DELTA_BY_DATETIME('2020-06-11 10:00:00')", KindGetByDatetime, nil, &date},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := Parse(tt.sql)
			if err != nil {
				t.Fatalf("Parse(%q): %v", tt.sql, err)
			}
			if cmd.Kind != tt.kind {
				t.Errorf("Kind = %s, ожидался %s", cmd.Kind, tt.kind)
			}
			switch {
			case tt.num == nil && cmd.Num != nil:
				t.Errorf("Num = %d, ожидался nil", *cmd.Num)
			case tt.num != nil && (cmd.Num == nil || *cmd.Num != *tt.num):
				t.Errorf("Num = %v, ожидался %d", cmd.Num, *tt.num)
			}
			switch {
			case tt.dateTime == nil && cmd.DateTime != nil:
				t.Errorf("DateTime = %v, ожидался nil", *cmd.DateTime)
			case tt.dateTime != nil && (cmd.DateTime == nil || !cmd.DateTime.Equal(*tt.dateTime)):
				t.Errorf("DateTime = %v, ожидался %v", cmd.DateTime, *tt.dateTime)
			}
		})
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []string{
		"",
		"BEGIN",
		"BEGIN DELTA SET",
		"BEGIN DELTA SET -1",
		"COMMIT DELTA SET ''",
		"COMMIT DELTA SET 'завтра'",
		"GET_DELTA_BY_NUM()",
		"GET_DELTA_BY_NUM('15')",
		"GET_DELTA_BY_NUM(null)",
		"GET_DELTA_BY_NUM(99999999999999999999)",
		"GET_DELTA_BY_DATETIME(2020)",
		"SELECT * FROM sales.orders",
	}

	for _, sql := range tests {
		t.Run(sql, func(t *testing.T) {
			_, err := Parse(sql)
			if !errors.Is(err, model.ErrInvalidRequest) {
				t.Errorf("Parse(%q) = %v, ожидалась ErrInvalidRequest", sql, err)
			}
		})
	}
}

func TestIsDeltaCommand(t *testing.T) {
	tests := []struct {
		sql  string
		want bool
	}{
		{"BEGIN DELTA", true},
		{"commit  delta set '2020-01-01'", true},
		{"Rollback Delta;", true},
		{"GET_DELTA_OK()", true},
		{"SELECT 1", false},
		{"BEGIN", false},
	}
	for _, tt := range tests {
		if got := IsDeltaCommand(tt.sql); got != tt.want {
			t.Errorf("IsDeltaCommand(%q) = %v, ожидалось %v", tt.sql, got, tt.want)
		}
	}
}
