// Пакет coordination — контракт иерархического версионированного хранилища
// координации (аналог ZooKeeper) и клиент поверх него.
//
// Хранилище — единственный арбитр атомарности: все изменения выполняются
// через Multi, который применяет набор операций целиком или не применяет ничего.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
)

// AnyVersion — версия, отключающая проверку версии узла.
const AnyVersion int64 = -1

// SequenceWidth — ширина числового суффикса последовательных узлов.
const SequenceWidth = 10

// Ошибки хранилища.
var (
	// ErrNoNode — узел (или его родитель) не существует.
	ErrNoNode = errors.New("узел не существует")
	// ErrNodeExists — узел уже существует.
	ErrNodeExists = errors.New("узел уже существует")
	// ErrBadVersion — версия узла не совпадает с ожидаемой.
	ErrBadVersion = errors.New("версия узла не совпадает")
	// ErrNotEmpty — у удаляемого узла есть дочерние узлы.
	ErrNotEmpty = errors.New("узел содержит дочерние узлы")
	// ErrTxnConflict — транзакция не применена из-за конкурентных изменений.
	ErrTxnConflict = errors.New("конфликт транзакции хранилища")
	// ErrInvalidPath — некорректный путь.
	ErrInvalidPath = errors.New("некорректный путь")
	// ErrTxnTooLarge — транзакция превышает предел операций хранилища.
	ErrTxnTooLarge = errors.New("транзакция превышает предел операций хранилища")
)

// OpKind — тип операции в Multi.
type OpKind int

const (
	OpCreate OpKind = iota + 1
	OpCreateSequential
	OpDelete
	OpSetData
	OpCheck
)

// String возвращает имя операции (используется в метриках и логах).
func (k OpKind) String() string {
	switch k {
	case OpCreate:
		return "create"
	case OpCreateSequential:
		return "create_sequential"
	case OpDelete:
		return "delete"
	case OpSetData:
		return "set_data"
	case OpCheck:
		return "check"
	default:
		return "unknown"
	}
}

// Stat — метаданные узла.
type Stat struct {
	// Version — версия данных, растёт на 1 при каждом SetData (начинается с 0).
	Version int64
	// CVersion — количество созданных дочерних узлов за время жизни узла.
	// Служит счётчиком для последовательных узлов.
	CVersion int64
	// NumChildren — текущее количество дочерних узлов.
	NumChildren int
}

// Op — одна операция транзакции.
type Op struct {
	Kind OpKind
	// Path — путь узла. Для OpCreateSequential — префикс имени,
	// к которому хранилище добавит номер: "/a/run/" → "/a/run/0000000003".
	Path    string
	Data    []byte
	Version int64
}

// Create — создание узла. Родитель должен существовать.
func Create(p string, data []byte) Op {
	return Op{Kind: OpCreate, Path: p, Data: data, Version: AnyVersion}
}

// CreateSequential — создание последовательного узла с префиксом p.
func CreateSequential(p string, data []byte) Op {
	return Op{Kind: OpCreateSequential, Path: p, Data: data, Version: AnyVersion}
}

// Delete — удаление узла без дочерних узлов.
func Delete(p string, version int64) Op {
	return Op{Kind: OpDelete, Path: p, Version: version}
}

// SetData — запись данных с проверкой версии.
func SetData(p string, data []byte, version int64) Op {
	return Op{Kind: OpSetData, Path: p, Data: data, Version: version}
}

// Check — проверка существования и версии узла без изменений.
func Check(p string, version int64) Op {
	return Op{Kind: OpCheck, Path: p, Version: version}
}

// OpResult — результат одной операции Multi.
type OpResult struct {
	Kind OpKind
	// Path — фактический путь (для последовательных узлов — с номером).
	Path string
	Stat Stat
}

// MultiError — ошибка транзакции: операция с индексом Index не может быть применена.
type MultiError struct {
	Index int
	Op    Op
	Err   error
}

func (e *MultiError) Error() string {
	return fmt.Sprintf("операция %d (%s %s): %v", e.Index, e.Op.Kind, e.Op.Path, e.Err)
}

func (e *MultiError) Unwrap() error {
	return e.Err
}

// FailedOp возвращает индекс упавшей операции Multi или -1.
func FailedOp(err error) int {
	var me *MultiError
	if errors.As(err, &me) {
		return me.Index
	}
	return -1
}

// IsStateError возвращает true для ошибок, вызванных состоянием узлов
// (а не вводом-выводом хранилища).
func IsStateError(err error) bool {
	return errors.Is(err, ErrNoNode) ||
		errors.Is(err, ErrNodeExists) ||
		errors.Is(err, ErrBadVersion) ||
		errors.Is(err, ErrNotEmpty) ||
		errors.Is(err, ErrTxnConflict)
}

// Store — иерархическое версионированное хранилище с атомарными транзакциями.
type Store interface {
	// Get возвращает данные и метаданные узла.
	Get(ctx context.Context, p string) ([]byte, Stat, error)
	// Children возвращает отсортированные имена дочерних узлов.
	Children(ctx context.Context, p string) ([]string, error)
	// Multi атомарно применяет операции по порядку.
	Multi(ctx context.Context, ops ...Op) ([]OpResult, error)
	// Close освобождает ресурсы хранилища.
	Close() error
}

// --- Пути ---

// ValidatePath проверяет абсолютный путь: начинается с "/", без пустых
// сегментов и завершающего "/" (кроме корня).
func ValidatePath(p string) error {
	if p == "/" {
		return nil
	}
	if !strings.HasPrefix(p, "/") || strings.HasSuffix(p, "/") || strings.Contains(p, "//") {
		return fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return nil
}

// Parent возвращает путь родителя.
func Parent(p string) string {
	return path.Dir(p)
}

// Base возвращает имя узла (последний сегмент пути).
func Base(p string) string {
	return path.Base(p)
}

// Join соединяет сегменты пути.
func Join(elem ...string) string {
	return path.Join(append([]string{"/"}, elem...)...)
}

// SequenceName формирует имя последовательного узла.
func SequenceName(prefix string, seq int64) string {
	return fmt.Sprintf("%s%0*d", prefix, SequenceWidth, seq)
}

// SequenceOf извлекает номер из имени или пути последовательного узла.
func SequenceOf(p string) (int64, error) {
	name := Base(p)
	if len(name) < SequenceWidth {
		return 0, fmt.Errorf("имя %q не содержит номера последовательности", name)
	}
	n, err := strconv.ParseInt(name[len(name)-SequenceWidth:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("имя %q не содержит номера последовательности: %w", name, err)
	}
	return n, nil
}

// SplitSequential разбивает путь последовательной операции на родителя и префикс имени.
// "/a/run/" → ("/a/run", ""), "/a/run/op-" → ("/a/run", "op-").
func SplitSequential(p string) (parent, prefix string) {
	i := strings.LastIndex(p, "/")
	parent = p[:i]
	if parent == "" {
		parent = "/"
	}
	return parent, p[i+1:]
}
