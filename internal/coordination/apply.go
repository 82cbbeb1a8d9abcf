package coordination

import (
	"context"
	"errors"
)

// Node — состояние узла, с которым работает Apply.
type Node struct {
	Data        []byte
	Version     int64
	CVersion    int64
	NumChildren int
}

// Stat возвращает метаданные узла.
func (n *Node) Stat() Stat {
	return Stat{Version: n.Version, CVersion: n.CVersion, NumChildren: n.NumChildren}
}

// View — изолированное представление хранилища внутри одной транзакции.
// Реализации: копия B-дерева (memstore), транзакция PostgreSQL (pgstore),
// оверлей над снимком etcd (etcdstore).
type View interface {
	// Load возвращает копию узла или nil, если узла нет.
	Load(ctx context.Context, p string) (*Node, error)
	// Put создаёт или перезаписывает узел.
	Put(ctx context.Context, p string, n *Node) error
	// Remove удаляет узел.
	Remove(ctx context.Context, p string) error
}

// Apply применяет операции к представлению по порядку.
// Первая операция, нарушающая состояние, прерывает применение и
// возвращается как *MultiError. Ошибки ввода-вывода View возвращаются как есть.
// Вызывающий отвечает за откат представления при ошибке.
func Apply(ctx context.Context, v View, ops []Op) ([]OpResult, error) {
	results := make([]OpResult, 0, len(ops))
	for i, op := range ops {
		res, err := applyOne(ctx, v, op)
		if err != nil {
			if IsStateError(err) || errors.Is(err, ErrInvalidPath) {
				return nil, &MultiError{Index: i, Op: op, Err: err}
			}
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

func applyOne(ctx context.Context, v View, op Op) (OpResult, error) {
	switch op.Kind {
	case OpCreate, OpCreateSequential:
		return applyCreate(ctx, v, op)
	case OpDelete:
		return applyDelete(ctx, v, op)
	case OpSetData:
		n, err := loadChecked(ctx, v, op.Path, op.Version)
		if err != nil {
			return OpResult{}, err
		}
		n.Data = op.Data
		n.Version++
		if err := v.Put(ctx, op.Path, n); err != nil {
			return OpResult{}, err
		}
		return OpResult{Kind: op.Kind, Path: op.Path, Stat: n.Stat()}, nil
	case OpCheck:
		n, err := loadChecked(ctx, v, op.Path, op.Version)
		if err != nil {
			return OpResult{}, err
		}
		return OpResult{Kind: op.Kind, Path: op.Path, Stat: n.Stat()}, nil
	default:
		return OpResult{}, ErrInvalidPath
	}
}

func applyCreate(ctx context.Context, v View, op Op) (OpResult, error) {
	var parentPath, p string
	if op.Kind == OpCreateSequential {
		var prefix string
		parentPath, prefix = SplitSequential(op.Path)
		if err := ValidatePath(parentPath); err != nil {
			return OpResult{}, err
		}
		parent, err := v.Load(ctx, parentPath)
		if err != nil {
			return OpResult{}, err
		}
		if parent == nil {
			return OpResult{}, ErrNoNode
		}
		p = Join(parentPath, SequenceName(prefix, parent.CVersion))
	} else {
		if err := ValidatePath(op.Path); err != nil {
			return OpResult{}, err
		}
		if op.Path == "/" {
			return OpResult{}, ErrNodeExists
		}
		p = op.Path
		parentPath = Parent(p)
	}

	parent, err := v.Load(ctx, parentPath)
	if err != nil {
		return OpResult{}, err
	}
	if parent == nil {
		return OpResult{}, ErrNoNode
	}
	existing, err := v.Load(ctx, p)
	if err != nil {
		return OpResult{}, err
	}
	if existing != nil {
		return OpResult{}, ErrNodeExists
	}

	n := &Node{Data: op.Data}
	if err := v.Put(ctx, p, n); err != nil {
		return OpResult{}, err
	}
	parent.CVersion++
	parent.NumChildren++
	if err := v.Put(ctx, parentPath, parent); err != nil {
		return OpResult{}, err
	}
	return OpResult{Kind: op.Kind, Path: p, Stat: n.Stat()}, nil
}

func applyDelete(ctx context.Context, v View, op Op) (OpResult, error) {
	if op.Path == "/" {
		return OpResult{}, ErrInvalidPath
	}
	n, err := loadChecked(ctx, v, op.Path, op.Version)
	if err != nil {
		return OpResult{}, err
	}
	if n.NumChildren > 0 {
		return OpResult{}, ErrNotEmpty
	}
	parentPath := Parent(op.Path)
	parent, err := v.Load(ctx, parentPath)
	if err != nil {
		return OpResult{}, err
	}
	if err := v.Remove(ctx, op.Path); err != nil {
		return OpResult{}, err
	}
	if parent != nil {
		parent.NumChildren--
		if err := v.Put(ctx, parentPath, parent); err != nil {
			return OpResult{}, err
		}
	}
	return OpResult{Kind: op.Kind, Path: op.Path}, nil
}

func loadChecked(ctx context.Context, v View, p string, version int64) (*Node, error) {
	if err := ValidatePath(p); err != nil {
		return nil, err
	}
	n, err := v.Load(ctx, p)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, ErrNoNode
	}
	if version != AnyVersion && n.Version != version {
		return nil, ErrBadVersion
	}
	return n, nil
}
