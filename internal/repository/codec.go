package repository

import (
	"encoding/json"
	"fmt"

	"github.com/bigkaa/goartstore/delta-module/internal/domain/model"
)

// blockMarker — содержимое узла блокировки таблицы.
type blockMarker struct {
	SysCnBase int64  `json:"sysCnBase"`
	Query     string `json:"query,omitempty"`
}

func encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации: %w", err)
	}
	return data, nil
}

// decodeDelta разбирает документ дельты. Пустой узел — витрина без истории.
func decodeDelta(data []byte) (*model.Delta, error) {
	d := &model.Delta{}
	if len(data) == 0 {
		return d, nil
	}
	if err := json.Unmarshal(data, d); err != nil {
		return nil, fmt.Errorf("повреждён документ дельты: %w", err)
	}
	return d, nil
}

func decodeOk(data []byte) (*model.OkDelta, error) {
	ok := &model.OkDelta{}
	if err := json.Unmarshal(data, ok); err != nil {
		return nil, fmt.Errorf("повреждён архив дельты: %w", err)
	}
	return ok, nil
}

func decodeWriteOp(data []byte) (*model.DeltaWriteOp, error) {
	op := &model.DeltaWriteOp{}
	if err := json.Unmarshal(data, op); err != nil {
		return nil, fmt.Errorf("повреждена операция записи: %w", err)
	}
	return op, nil
}
