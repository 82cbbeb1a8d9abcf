// Пакет storetest — общий набор проверок контракта coordination.Store.
// Каждая реализация хранилища запускает его из своих тестов.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/bigkaa/goartstore/delta-module/internal/coordination"
)

// Factory создаёт пустое хранилище для одного подтеста.
type Factory func(t *testing.T) coordination.Store

// Run запускает все проверки контракта.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s coordination.Store)
	}{
		{"CreateGetChildren", testCreateGetChildren},
		{"CreateWithoutParent", testCreateWithoutParent},
		{"CreateDuplicate", testCreateDuplicate},
		{"SequentialNumbering", testSequentialNumbering},
		{"SequenceRestartsWithParent", testSequenceRestartsWithParent},
		{"SetDataVersion", testSetDataVersion},
		{"DeleteNotEmpty", testDeleteNotEmpty},
		{"MultiAtomic", testMultiAtomic},
		{"CheckOp", testCheckOp},
		{"ConcurrentSequential", testConcurrentSequential},
		{"ConcurrentCreateSamePath", testConcurrentCreateSamePath},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

func mustMulti(t *testing.T, s coordination.Store, ops ...coordination.Op) []coordination.OpResult {
	t.Helper()
	res, err := s.Multi(context.Background(), ops...)
	if err != nil {
		t.Fatalf("Multi: неожиданная ошибка: %v", err)
	}
	return res
}

func testCreateGetChildren(t *testing.T, s coordination.Store) {
	ctx := context.Background()
	mustMulti(t, s,
		coordination.Create("/dm", nil),
		coordination.Create("/dm/b", []byte("2")),
		coordination.Create("/dm/a", []byte("1")),
		coordination.Create("/dm/a/x", nil),
	)

	data, stat, err := s.Get(ctx, "/dm/b")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(data) != "2" {
		t.Errorf("data = %q, ожидалось %q", data, "2")
	}
	if stat.Version != 0 {
		t.Errorf("Version = %d, ожидалось 0", stat.Version)
	}

	names, err := s.Children(ctx, "/dm")
	if err != nil {
		t.Fatalf("Children: %v", err)
	}
	if fmt.Sprint(names) != "[a b]" {
		t.Errorf("Children = %v, ожидалось [a b]", names)
	}

	_, stat, err = s.Get(ctx, "/dm")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stat.NumChildren != 2 || stat.CVersion != 2 {
		t.Errorf("Stat = %+v, ожидалось NumChildren=2 CVersion=2", stat)
	}

	if _, _, err := s.Get(ctx, "/missing"); !errors.Is(err, coordination.ErrNoNode) {
		t.Errorf("Get отсутствующего узла: ожидалась ErrNoNode, получено %v", err)
	}
	if _, err := s.Children(ctx, "/missing"); !errors.Is(err, coordination.ErrNoNode) {
		t.Errorf("Children отсутствующего узла: ожидалась ErrNoNode, получено %v", err)
	}
}

func testCreateWithoutParent(t *testing.T, s coordination.Store) {
	_, err := s.Multi(context.Background(), coordination.Create("/a/b", nil))
	if !errors.Is(err, coordination.ErrNoNode) {
		t.Fatalf("ожидалась ErrNoNode, получено %v", err)
	}
	if idx := coordination.FailedOp(err); idx != 0 {
		t.Errorf("FailedOp = %d, ожидалось 0", idx)
	}
}

func testCreateDuplicate(t *testing.T, s coordination.Store) {
	mustMulti(t, s, coordination.Create("/a", nil))
	_, err := s.Multi(context.Background(), coordination.Create("/a", nil))
	if !errors.Is(err, coordination.ErrNodeExists) {
		t.Fatalf("ожидалась ErrNodeExists, получено %v", err)
	}
}

func testSequentialNumbering(t *testing.T, s coordination.Store) {
	mustMulti(t, s, coordination.Create("/run", nil))
	for i := 0; i < 3; i++ {
		res := mustMulti(t, s, coordination.CreateSequential("/run/", []byte{byte(i)}))
		want := coordination.SequenceName("/run/", int64(i))
		if res[0].Path != want {
			t.Errorf("Path = %q, ожидалось %q", res[0].Path, want)
		}
	}

	res := mustMulti(t, s, coordination.CreateSequential("/run/op-", nil))
	if res[0].Path != "/run/op-0000000003" {
		t.Errorf("Path = %q, ожидалось /run/op-0000000003", res[0].Path)
	}
	seq, err := coordination.SequenceOf(res[0].Path)
	if err != nil || seq != 3 {
		t.Errorf("SequenceOf = %d, %v; ожидалось 3", seq, err)
	}
}

func testSequenceRestartsWithParent(t *testing.T, s coordination.Store) {
	mustMulti(t, s, coordination.Create("/run", nil))
	mustMulti(t, s, coordination.CreateSequential("/run/", nil))
	mustMulti(t, s, coordination.CreateSequential("/run/", nil))

	// Удаление и пересоздание родителя в одной транзакции
	mustMulti(t, s,
		coordination.Delete("/run/0000000000", coordination.AnyVersion),
		coordination.Delete("/run/0000000001", coordination.AnyVersion),
		coordination.Delete("/run", coordination.AnyVersion),
		coordination.Create("/run", nil),
	)

	res := mustMulti(t, s, coordination.CreateSequential("/run/", nil))
	if res[0].Path != "/run/0000000000" {
		t.Errorf("Path = %q, ожидалось /run/0000000000", res[0].Path)
	}
}

func testSetDataVersion(t *testing.T, s coordination.Store) {
	ctx := context.Background()
	mustMulti(t, s, coordination.Create("/d", []byte("v0")))

	res := mustMulti(t, s, coordination.SetData("/d", []byte("v1"), 0))
	if res[0].Stat.Version != 1 {
		t.Errorf("Version = %d, ожидалось 1", res[0].Stat.Version)
	}

	_, err := s.Multi(ctx, coordination.SetData("/d", []byte("v2"), 0))
	if !errors.Is(err, coordination.ErrBadVersion) {
		t.Fatalf("ожидалась ErrBadVersion, получено %v", err)
	}

	mustMulti(t, s, coordination.SetData("/d", []byte("v2"), coordination.AnyVersion))
	data, stat, err := s.Get(ctx, "/d")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(data) != "v2" || stat.Version != 2 {
		t.Errorf("получено %q/%d, ожидалось v2/2", data, stat.Version)
	}

	_, err = s.Multi(ctx, coordination.SetData("/missing", nil, coordination.AnyVersion))
	if !errors.Is(err, coordination.ErrNoNode) {
		t.Errorf("ожидалась ErrNoNode, получено %v", err)
	}
}

func testDeleteNotEmpty(t *testing.T, s coordination.Store) {
	mustMulti(t, s, coordination.Create("/p", nil), coordination.Create("/p/c", nil))

	_, err := s.Multi(context.Background(), coordination.Delete("/p", coordination.AnyVersion))
	if !errors.Is(err, coordination.ErrNotEmpty) {
		t.Fatalf("ожидалась ErrNotEmpty, получено %v", err)
	}

	mustMulti(t, s,
		coordination.Delete("/p/c", coordination.AnyVersion),
		coordination.Delete("/p", 0),
	)
	if _, _, err := s.Get(context.Background(), "/p"); !errors.Is(err, coordination.ErrNoNode) {
		t.Errorf("узел /p должен быть удалён, получено %v", err)
	}
}

func testMultiAtomic(t *testing.T, s coordination.Store) {
	ctx := context.Background()
	mustMulti(t, s, coordination.Create("/block", nil), coordination.Create("/block/t1", nil))

	_, err := s.Multi(ctx,
		coordination.Create("/block/t2", nil),
		coordination.Create("/block/t1", nil),
	)
	if !errors.Is(err, coordination.ErrNodeExists) {
		t.Fatalf("ожидалась ErrNodeExists, получено %v", err)
	}
	if idx := coordination.FailedOp(err); idx != 1 {
		t.Errorf("FailedOp = %d, ожидалось 1", idx)
	}

	if _, _, err := s.Get(ctx, "/block/t2"); !errors.Is(err, coordination.ErrNoNode) {
		t.Errorf("частично применённая транзакция: /block/t2 существует (%v)", err)
	}
	_, stat, err := s.Get(ctx, "/block")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stat.CVersion != 1 {
		t.Errorf("CVersion = %d, ожидалось 1 (откат счётчика)", stat.CVersion)
	}
}

func testCheckOp(t *testing.T, s coordination.Store) {
	mustMulti(t, s, coordination.Create("/d", nil), coordination.Create("/run", nil))
	mustMulti(t, s, coordination.SetData("/d", []byte("x"), 0))

	_, err := s.Multi(context.Background(),
		coordination.Check("/d", 0),
		coordination.CreateSequential("/run/", nil),
	)
	if !errors.Is(err, coordination.ErrBadVersion) {
		t.Fatalf("ожидалась ErrBadVersion, получено %v", err)
	}

	res := mustMulti(t, s,
		coordination.Check("/d", 1),
		coordination.CreateSequential("/run/", nil),
	)
	if res[1].Path != "/run/0000000000" {
		t.Errorf("Path = %q, ожидалось /run/0000000000", res[1].Path)
	}
}

func testConcurrentSequential(t *testing.T, s coordination.Store) {
	mustMulti(t, s, coordination.Create("/run", nil))

	const workers = 16
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		paths []string
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.Multi(context.Background(), coordination.CreateSequential("/run/", nil))
			if err != nil {
				t.Errorf("CreateSequential: %v", err)
				return
			}
			mu.Lock()
			paths = append(paths, res[0].Path)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Strings(paths)
	for i, p := range paths {
		want := coordination.SequenceName("/run/", int64(i))
		if p != want {
			t.Fatalf("пропуск или дубликат номера: %q, ожидалось %q", p, want)
		}
	}
	if len(paths) != workers {
		t.Errorf("создано %d узлов, ожидалось %d", len(paths), workers)
	}
}

func testConcurrentCreateSamePath(t *testing.T, s coordination.Store) {
	mustMulti(t, s, coordination.Create("/block", nil))

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Multi(context.Background(), coordination.Create("/block/orders", nil))
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
				return
			}
			if !errors.Is(err, coordination.ErrNodeExists) {
				t.Errorf("неожиданная ошибка: %v", err)
			}
		}()
	}
	wg.Wait()

	if success != 1 {
		t.Errorf("успешных созданий %d, ожидалось 1", success)
	}
}
