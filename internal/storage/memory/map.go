// Package memory is the in-memory reference backend. Range scans run on a
// copy-on-write snapshot of the tree, so readers never hold a lock while
// iterating and writers are never blocked by a slow scan.
package memory

import (
	"context"
	"sync"

	"github.com/google/btree"

	"sensorhub/internal/datastore"
	"sensorhub/internal/domain"
)

const degree = 32

type item[V any] struct {
	key   domain.ResourceKey
	value V
}

func less[V any](a, b item[V]) bool { return a.key.Less(b.key) }

type Map[V any] struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[item[V]]
}

func NewMap[V any]() *Map[V] {
	return &Map[V]{tree: btree.NewG[item[V]](degree, less[V])}
}

func (m *Map[V]) Get(_ context.Context, key domain.ResourceKey) (V, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.tree.Get(item[V]{key: key})
	return it.value, ok, nil
}

func (m *Map[V]) Put(_ context.Context, key domain.ResourceKey, value V) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tree.ReplaceOrInsert(item[V]{key: key, value: value})
	return nil
}

func (m *Map[V]) Remove(_ context.Context, key domain.ResourceKey) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tree.Delete(item[V]{key: key})
	return ok, nil
}

func (m *Map[V]) AscendRange(ctx context.Context, from, to domain.ResourceKey, fn func(domain.ResourceKey, V) bool) error {
	snap := m.snapshot()
	var err error
	snap.AscendRange(item[V]{key: from}, item[V]{key: to}, func(it item[V]) bool {
		if err = ctx.Err(); err != nil {
			return false
		}
		return fn(it.key, it.value)
	})
	return err
}

func (m *Map[V]) Last(context.Context) (domain.ResourceKey, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.tree.Max()
	return it.key, ok, nil
}

func (m *Map[V]) Len(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.Len(), nil
}

// snapshot clones the tree. Clone marks both trees copy-on-write, which
// mutates the original, so it needs the write lock.
func (m *Map[V]) snapshot() *btree.BTreeG[item[V]] {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tree.Clone()
}

// Backend is the no-op resource owner of in-memory maps.
type Backend struct{}

func (Backend) Backup(context.Context, string) error {
	return datastore.ErrNotSupported
}

func (Backend) Close() error { return nil }
