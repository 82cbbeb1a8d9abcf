// Пакет etcdstore — хранилище координации поверх etcd v3.
//
// Каждый узел — один ключ <prefix><path>, значение — JSON-конверт с данными,
// версией и счётчиками дочерних узлов. Multi читает затронутые ключи из одного
// снимка (WithRev), применяет операции к оверлею и фиксирует результат одной
// Txn, сравнивая ModRevision всех прочитанных ключей. При конкурентном
// изменении транзакция перепланируется с нового снимка.
//
// Сервер etcd ограничивает число сравнений и операций в Txn (--max-txn-ops,
// по умолчанию 128). Поддерево, которое транзакция удаляет целиком,
// сворачивается в одно сравнение и одно удаление по префиксу, поэтому
// фиксация дельты не зависит от числа операций записи в ней.
package etcdstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/clientv3util"

	"github.com/bigkaa/goartstore/delta-module/internal/coordination"
)

const (
	// DefaultMaxAttempts — число попыток перепланирования Multi при конфликте.
	DefaultMaxAttempts = 32
	// DefaultMaxTxnOps — значение --max-txn-ops сервера etcd по умолчанию.
	DefaultMaxTxnOps = 128
	// minCollapse — минимальное число удаляемых потомков для свёртки по префиксу.
	minCollapse = 2
)

// envelope — значение ключа узла.
type envelope struct {
	Data        []byte `json:"data,omitempty"`
	Version     int64  `json:"version"`
	CVersion    int64  `json:"cversion"`
	NumChildren int    `json:"children"`
}

// Store — хранилище координации в etcd.
type Store struct {
	cli         *clientv3.Client
	prefix      string
	maxAttempts int
	maxTxnOps   int
	logger      *slog.Logger
}

// Option настраивает Store.
type Option func(*Store)

// WithMaxTxnOps задаёт предел сравнений и операций одной Txn.
// Значение должно совпадать с --max-txn-ops сервера; n <= 0 отключает проверку.
func WithMaxTxnOps(n int) Option {
	return func(s *Store) {
		s.maxTxnOps = n
	}
}

// Dial создаёт клиента etcd.
func Dial(endpoints []string, dialTimeout time.Duration) (*clientv3.Client, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("подключение к etcd %v: %w", endpoints, err)
	}
	return cli, nil
}

// New создаёт хранилище и при необходимости корневой узел.
// prefix — префикс всех ключей (например, "/delta-module").
func New(ctx context.Context, cli *clientv3.Client, prefix string, logger *slog.Logger, opts ...Option) (*Store, error) {
	s := &Store{
		cli:         cli,
		prefix:      strings.TrimSuffix(prefix, "/"),
		maxAttempts: DefaultMaxAttempts,
		maxTxnOps:   DefaultMaxTxnOps,
		logger:      logger.With(slog.String("component", "etcdstore")),
	}
	for _, opt := range opts {
		opt(s)
	}

	root, err := json.Marshal(envelope{})
	if err != nil {
		return nil, err
	}
	rootKey := s.key("/")
	if _, err := cli.Txn(ctx).
		If(clientv3util.KeyMissing(rootKey)).
		Then(clientv3.OpPut(rootKey, string(root))).
		Commit(); err != nil {
		return nil, fmt.Errorf("создание корневого узла: %w", err)
	}
	return s, nil
}

// Get возвращает данные и метаданные узла.
func (s *Store) Get(ctx context.Context, p string) ([]byte, coordination.Stat, error) {
	if err := coordination.ValidatePath(p); err != nil {
		return nil, coordination.Stat{}, err
	}

	resp, err := s.cli.Get(ctx, s.key(p))
	if err != nil {
		return nil, coordination.Stat{}, fmt.Errorf("чтение узла %s: %w", p, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, coordination.Stat{}, coordination.ErrNoNode
	}
	n, err := decode(resp.Kvs[0].Value)
	if err != nil {
		return nil, coordination.Stat{}, fmt.Errorf("узел %s: %w", p, err)
	}
	return n.Data, n.Stat(), nil
}

// Children возвращает отсортированные имена дочерних узлов.
func (s *Store) Children(ctx context.Context, p string) ([]string, error) {
	if err := coordination.ValidatePath(p); err != nil {
		return nil, err
	}

	self := s.key(p)
	resp, err := s.cli.Get(ctx, self)
	if err != nil {
		return nil, fmt.Errorf("чтение узла %s: %w", p, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, coordination.ErrNoNode
	}

	childPrefix := self + "/"
	if p == "/" {
		childPrefix = self
	}
	list, err := s.cli.Get(ctx, childPrefix,
		clientv3.WithPrefix(),
		clientv3.WithKeysOnly(),
		clientv3.WithRev(resp.Header.Revision),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend),
	)
	if err != nil {
		return nil, fmt.Errorf("чтение дочерних узлов %s: %w", p, err)
	}

	names := []string{}
	for _, kv := range list.Kvs {
		rest := strings.TrimPrefix(string(kv.Key), childPrefix)
		if rest != "" && !strings.Contains(rest, "/") {
			names = append(names, rest)
		}
	}
	return names, nil
}

// Multi атомарно применяет операции.
func (s *Store) Multi(ctx context.Context, ops ...coordination.Op) ([]coordination.OpResult, error) {
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		v := &txnView{store: s, entries: make(map[string]*entry)}
		results, err := coordination.Apply(ctx, v, ops)
		if err != nil {
			return nil, err
		}

		cmps, thenOps, err := v.txn()
		if err != nil {
			return nil, err
		}
		resp, err := s.cli.Txn(ctx).If(cmps...).Then(thenOps...).Commit()
		if err != nil {
			return nil, fmt.Errorf("транзакция etcd: %w", err)
		}
		if resp.Succeeded {
			return results, nil
		}

		s.logger.Debug("Конфликт транзакции etcd, перепланирование",
			slog.Int("attempt", attempt),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Millisecond):
		}
	}
	return nil, coordination.ErrTxnConflict
}

// Close закрывает клиента etcd.
func (s *Store) Close() error {
	return s.cli.Close()
}

func (s *Store) key(p string) string {
	return s.prefix + p
}

// entry — прочитанный ключ внутри одной попытки Multi.
type entry struct {
	node   *coordination.Node
	modRev int64
	// children — число дочерних узлов в снимке.
	children int
	dirty    bool
}

// txnView — оверлей над снимком etcd.
type txnView struct {
	store   *Store
	rev     int64
	entries map[string]*entry
}

func (v *txnView) Load(ctx context.Context, p string) (*coordination.Node, error) {
	e, ok := v.entries[p]
	if !ok {
		var err error
		e, err = v.read(ctx, p)
		if err != nil {
			return nil, err
		}
		v.entries[p] = e
	}
	if e.node == nil {
		return nil, nil
	}
	n := *e.node
	return &n, nil
}

func (v *txnView) Put(ctx context.Context, p string, n *coordination.Node) error {
	if _, err := v.Load(ctx, p); err != nil {
		return err
	}
	stored := *n
	e := v.entries[p]
	e.node = &stored
	e.dirty = true
	return nil
}

func (v *txnView) Remove(ctx context.Context, p string) error {
	if _, err := v.Load(ctx, p); err != nil {
		return err
	}
	e := v.entries[p]
	e.node = nil
	e.dirty = true
	return nil
}

// read читает ключ из снимка, зафиксированного первым чтением.
func (v *txnView) read(ctx context.Context, p string) (*entry, error) {
	var opts []clientv3.OpOption
	if v.rev > 0 {
		opts = append(opts, clientv3.WithRev(v.rev))
	}
	resp, err := v.store.cli.Get(ctx, v.store.key(p), opts...)
	if err != nil {
		return nil, fmt.Errorf("чтение узла %s: %w", p, err)
	}
	if v.rev == 0 {
		v.rev = resp.Header.Revision
	}
	if len(resp.Kvs) == 0 {
		return &entry{}, nil
	}
	n, err := decode(resp.Kvs[0].Value)
	if err != nil {
		return nil, fmt.Errorf("узел %s: %w", p, err)
	}
	return &entry{node: n, modRev: resp.Kvs[0].ModRevision, children: n.NumChildren}, nil
}

// txn строит условия и операции транзакции: каждый прочитанный ключ
// не должен измениться с момента снимка. Целиком удаляемые поддеревья
// проверяются и удаляются по префиксу.
func (v *txnView) txn() ([]clientv3.Cmp, []clientv3.Op, error) {
	subtrees := v.removedSubtrees()
	cmps := make([]clientv3.Cmp, 0, len(v.entries))
	var ops []clientv3.Op
	for _, p := range subtrees {
		prefix := v.store.key(p) + "/"
		// Ключ, созданный или изменённый после снимка, получит ModRevision > rev.
		cmps = append(cmps, clientv3.Compare(clientv3.ModRevision(prefix), "<", v.rev+1).WithPrefix())
		ops = append(ops, clientv3.OpDelete(prefix, clientv3.WithPrefix()))
	}

	for p, e := range v.entries {
		if underAny(p, subtrees) {
			continue
		}
		key := v.store.key(p)
		if e.modRev == 0 {
			cmps = append(cmps, clientv3util.KeyMissing(key))
		} else {
			cmps = append(cmps, clientv3.Compare(clientv3.ModRevision(key), "=", e.modRev))
		}
		if !e.dirty {
			continue
		}
		if e.node == nil {
			ops = append(ops, clientv3.OpDelete(key))
			continue
		}
		val, err := json.Marshal(envelope{
			Data:        e.node.Data,
			Version:     e.node.Version,
			CVersion:    e.node.CVersion,
			NumChildren: e.node.NumChildren,
		})
		if err != nil {
			return nil, nil, err
		}
		ops = append(ops, clientv3.OpPut(key, string(val)))
	}

	if limit := v.store.maxTxnOps; limit > 0 && (len(cmps) > limit || len(ops) > limit) {
		return nil, nil, fmt.Errorf("%w: сравнений %d, операций %d, предел %d",
			coordination.ErrTxnTooLarge, len(cmps), len(ops), limit)
	}
	return cmps, ops, nil
}

// removedSubtrees возвращает узлы, все потомки которых из снимка удаляются
// этой транзакцией и ни один не записывается заново. Вложенные поддеревья
// покрываются внешним и не повторяются.
func (v *txnView) removedSubtrees() []string {
	removed := make(map[string]int)
	for p, e := range v.entries {
		if e.dirty && e.node == nil && e.modRev != 0 {
			removed[coordination.Parent(p)]++
		}
	}

	var candidates []string
	for parent, n := range removed {
		pe, ok := v.entries[parent]
		if parent == "/" || !ok || pe.modRev == 0 || n < minCollapse || n != pe.children {
			continue
		}
		if v.hasNodesUnder(parent) {
			continue
		}
		candidates = append(candidates, parent)
	}

	// Предок сортируется раньше потомка.
	sort.Strings(candidates)
	var result []string
	for _, p := range candidates {
		if !underAny(p, result) {
			result = append(result, p)
		}
	}
	return result
}

// hasNodesUnder сообщает, остаётся ли под p узел после транзакции.
func (v *txnView) hasNodesUnder(p string) bool {
	prefix := p + "/"
	for q, e := range v.entries {
		if strings.HasPrefix(q, prefix) && e.node != nil {
			return true
		}
	}
	return false
}

func underAny(p string, roots []string) bool {
	for _, r := range roots {
		if strings.HasPrefix(p, r+"/") {
			return true
		}
	}
	return false
}

func decode(raw []byte) (*coordination.Node, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("некорректное значение узла: %w", err)
	}
	return &coordination.Node{
		Data:        env.Data,
		Version:     env.Version,
		CVersion:    env.CVersion,
		NumChildren: env.NumChildren,
	}, nil
}
