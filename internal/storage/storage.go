package storage

import (
	"context"

	"sensorhub/internal/domain"
)

// Map is the ordered key/value contract every persistence backend
// provides. Individual Put and Remove calls are atomic; there is no
// multi-key transaction.
type Map[V any] interface {
	Get(ctx context.Context, key domain.ResourceKey) (V, bool, error)
	Put(ctx context.Context, key domain.ResourceKey, value V) error
	Remove(ctx context.Context, key domain.ResourceKey) (bool, error)
	// AscendRange calls fn for each entry in [from, to) in key order until
	// fn returns false.
	AscendRange(ctx context.Context, from, to domain.ResourceKey, fn func(domain.ResourceKey, V) bool) error
	// Last returns the greatest key in the map.
	Last(ctx context.Context) (domain.ResourceKey, bool, error)
	Len(ctx context.Context) (int, error)
}

// Backend owns the resources behind a set of maps.
type Backend interface {
	Backup(ctx context.Context, dst string) error
	Close() error
}

// AscendScope scans every entry of one key scope.
func AscendScope[V any](ctx context.Context, m Map[V], scope domain.Scope, fn func(domain.ResourceKey, V) bool) error {
	return m.AscendRange(ctx, domain.MinKey(scope), domain.MinKey(scope+1), fn)
}
