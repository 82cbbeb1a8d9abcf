// Пакет memstore — хранилище координации в памяти процесса.
// Узлы хранятся в упорядоченном B-дереве (tidwall/btree), что даёт
// отсортированный обход дочерних узлов без отдельного индекса.
// Multi применяется к копии дерева (copy-on-write) и публикуется целиком.
package memstore

import (
	"context"
	"strings"
	"sync"

	"github.com/tidwall/btree"

	"github.com/bigkaa/goartstore/delta-module/internal/coordination"
)

// Store — хранилище координации в памяти.
type Store struct {
	mu   sync.RWMutex
	tree *btree.Map[string, coordination.Node]
}

// New создаёт пустое хранилище с корневым узлом "/".
func New() *Store {
	tree := new(btree.Map[string, coordination.Node])
	tree.Set("/", coordination.Node{})
	return &Store{tree: tree}
}

// Get возвращает данные и метаданные узла.
func (s *Store) Get(_ context.Context, p string) ([]byte, coordination.Stat, error) {
	if err := coordination.ValidatePath(p); err != nil {
		return nil, coordination.Stat{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.tree.Get(p)
	if !ok {
		return nil, coordination.Stat{}, coordination.ErrNoNode
	}
	return cloneBytes(n.Data), n.Stat(), nil
}

// Children возвращает отсортированные имена дочерних узлов.
func (s *Store) Children(_ context.Context, p string) ([]string, error) {
	if err := coordination.ValidatePath(p); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.tree.Get(p); !ok {
		return nil, coordination.ErrNoNode
	}

	prefix := p + "/"
	if p == "/" {
		prefix = "/"
	}

	names := []string{}
	s.tree.Ascend(prefix, func(key string, _ coordination.Node) bool {
		if !strings.HasPrefix(key, prefix) {
			return false
		}
		rest := key[len(prefix):]
		if rest != "" && !strings.Contains(rest, "/") {
			names = append(names, rest)
		}
		return true
	})
	return names, nil
}

// Multi атомарно применяет операции.
func (s *Store) Multi(ctx context.Context, ops ...coordination.Op) ([]coordination.OpResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	draft := s.tree.Copy()
	results, err := coordination.Apply(ctx, &view{tree: draft}, ops)
	if err != nil {
		return nil, err
	}
	s.tree = draft
	return results, nil
}

// Close ничего не делает: ресурсов вне памяти нет.
func (s *Store) Close() error {
	return nil
}

// view — представление поверх копии дерева.
type view struct {
	tree *btree.Map[string, coordination.Node]
}

func (v *view) Load(_ context.Context, p string) (*coordination.Node, error) {
	n, ok := v.tree.Get(p)
	if !ok {
		return nil, nil
	}
	n.Data = cloneBytes(n.Data)
	return &n, nil
}

func (v *view) Put(_ context.Context, p string, n *coordination.Node) error {
	stored := *n
	stored.Data = cloneBytes(n.Data)
	v.tree.Set(p, stored)
	return nil
}

func (v *view) Remove(_ context.Context, p string) error {
	v.tree.Delete(p)
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
