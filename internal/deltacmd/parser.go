// Пакет deltacmd — DDL управления дельтами: разбор команд и их выполнение.
//
// Поддерживаемые команды (регистр не важен, завершающая ';' допускается):
//
//	BEGIN DELTA [SET <num>]
//	COMMIT DELTA [SET '<yyyy-MM-dd HH:mm:ss>']
//	ROLLBACK DELTA
//	GET_DELTA_OK()
//	GET_DELTA_HOT()
//	GET_DELTA_BY_NUM(<num>)
//	GET_DELTA_BY_DATETIME('<yyyy-MM-dd HH:mm:ss>')
package deltacmd

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/bigkaa/goartstore/delta-module/internal/domain/model"
)

// Kind — вид команды.
type Kind string

const (
	KindBegin         Kind = "BEGIN_DELTA"
	KindCommit        Kind = "COMMIT_DELTA"
	KindRollback      Kind = "ROLLBACK_DELTA"
	KindGetOk         Kind = "GET_DELTA_OK"
	KindGetHot        Kind = "GET_DELTA_HOT"
	KindGetByNum      Kind = "GET_DELTA_BY_NUM"
	KindGetByDatetime Kind = "GET_DELTA_BY_DATETIME"
)

// Command — разобранная команда.
type Command struct {
	Kind Kind
	// Num — номер дельты (BEGIN DELTA SET, GET_DELTA_BY_NUM).
	Num *int64
	// DateTime — дата-время (COMMIT DELTA SET, GET_DELTA_BY_DATETIME).
	DateTime *time.Time
}

var (
	beginRe         = regexp.MustCompile(`(?i)^BEGIN\s+DELTA(?:\s+SET\s+(\d+))?$`)
	commitRe        = regexp.MustCompile(`(?i)^COMMIT\s+DELTA(?:\s+SET\s+('[^']*'))?$`)
	rollbackRe      = regexp.MustCompile(`(?i)^ROLLBACK\s+DELTA$`)
	getOkRe         = regexp.MustCompile(`(?i)^GET_DELTA_OK\s*\(\s*\)$`)
	getHotRe        = regexp.MustCompile(`(?i)^GET_DELTA_HOT\s*\(\s*\)$`)
	getByNumRe      = regexp.MustCompile(`(?i)^GET_DELTA_BY_NUM\s*\(\s*(\d+)\s*\)$`)
	getByDatetimeRe = regexp.MustCompile(`(?i)^GET_DELTA_BY_DATETIME\s*\(\s*'([^']*)'\s*\)$`)
)

// IsDeltaCommand возвращает true, если текст похож на команду управления дельтами.
func IsDeltaCommand(sql string) bool {
	s := strings.ToUpper(normalize(sql))
	for _, prefix := range []string{"BEGIN DELTA", "COMMIT DELTA", "ROLLBACK DELTA", "GET_DELTA_"} {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}

// Parse разбирает команду. Ошибка разбора — ErrInvalidRequest.
func Parse(sql string) (*Command, error) {
	s := normalize(sql)

	if m := beginRe.FindStringSubmatch(s); m != nil {
		cmd := &Command{Kind: KindBegin}
		if m[1] != "" {
			num, err := parseNum(m[1])
			if err != nil {
				return nil, err
			}
			cmd.Num = &num
		}
		return cmd, nil
	}

	if m := commitRe.FindStringSubmatch(s); m != nil {
		cmd := &Command{Kind: KindCommit}
		// Группа захватывает кавычки: SET '' отличается от отсутствия SET
		if m[1] != "" {
			t, err := parseDateTime(m[1])
			if err != nil {
				return nil, err
			}
			cmd.DateTime = &t
		}
		return cmd, nil
	}

	switch {
	case rollbackRe.MatchString(s):
		return &Command{Kind: KindRollback}, nil
	case getOkRe.MatchString(s):
		return &Command{Kind: KindGetOk}, nil
	case getHotRe.MatchString(s):
		return &Command{Kind: KindGetHot}, nil
	}

	if m := getByNumRe.FindStringSubmatch(s); m != nil {
		num, err := parseNum(m[1])
		if err != nil {
			return nil, err
		}
		return &Command{Kind: KindGetByNum, Num: &num}, nil
	}

	if m := getByDatetimeRe.FindStringSubmatch(s); m != nil {
		t, err := parseDateTime(m[1])
		if err != nil {
			return nil, err
		}
		return &Command{Kind: KindGetByDatetime, DateTime: &t}, nil
	}

	return nil, model.NewDeltaError(model.CodeInvalidRequest, "неизвестная команда дельты: %q", strings.TrimSpace(sql))
}

// normalize убирает завершающую ';' и схлопывает пробелы.
func normalize(sql string) string {
	s := strings.TrimSpace(sql)
	s = strings.TrimSpace(strings.TrimSuffix(s, ";"))
	return strings.Join(strings.Fields(s), " ")
}

func parseNum(s string) (int64, error) {
	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, model.NewDeltaError(model.CodeInvalidRequest, "некорректный номер дельты %q", s)
	}
	return num, nil
}

func parseDateTime(s string) (time.Time, error) {
	t, err := model.ParseDeltaDateTime(s)
	if err != nil {
		return time.Time{}, &model.DeltaError{
			Code:    model.CodeInvalidRequest,
			Message: fmt.Sprintf("некорректная дата-время дельты %q", s),
			Err:     err,
		}
	}
	return t, nil
}
