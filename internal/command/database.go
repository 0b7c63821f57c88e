// Package command holds the command stream, command and command status
// stores. Each store serializes its own writers and keeps its secondary
// indexes consistent with its primary map; cross-store cascades are
// sequential and not atomic.
package command

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"sensorhub/internal/datastore"
	"sensorhub/internal/domain"
	"sensorhub/internal/schema"
	"sensorhub/internal/storage"
	"sensorhub/internal/storage/memory"
	"sensorhub/internal/storage/sqlite"
)

// Backing is the set of maps a Database is written against.
type Backing struct {
	Streams  storage.Map[domain.CommandStreamInfo]
	Commands storage.Map[domain.Command]
	Statuses storage.Map[domain.CommandStatus]
}

func InMemory() Backing {
	return Backing{
		Streams:  memory.NewMap[domain.CommandStreamInfo](),
		Commands: memory.NewMap[domain.Command](),
		Statuses: memory.NewMap[domain.CommandStatus](),
	}
}

// SQLiteBacking opens the three tables of a durable database.
func SQLiteBacking(ctx context.Context, s *sqlite.Store) (Backing, error) {
	streams, err := sqlite.OpenMap[domain.CommandStreamInfo](ctx, s, "command_streams")
	if err != nil {
		return Backing{}, err
	}
	commands, err := sqlite.OpenMap[domain.Command](ctx, s, "commands")
	if err != nil {
		return Backing{}, err
	}
	statuses, err := sqlite.OpenMap[domain.CommandStatus](ctx, s, "command_statuses")
	if err != nil {
		return Backing{}, err
	}
	return Backing{Streams: streams, Commands: commands, Statuses: statuses}, nil
}

type Option func(*options)

type options struct {
	now       func() time.Time
	logger    *slog.Logger
	validator datastore.SchemaValidator
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithValidator(v datastore.SchemaValidator) Option {
	return func(o *options) { o.validator = v }
}

type Database struct {
	Streams  *StreamStore
	Commands *CommandStore
	Statuses *StatusStore
}

// Open links the three stores and rebuilds their indexes from the backing
// maps.
func Open(ctx context.Context, b Backing, dir datastore.SystemDirectory, opts ...Option) (*Database, error) {
	if b.Streams == nil || b.Commands == nil || b.Statuses == nil {
		return nil, fmt.Errorf("command database: incomplete backing: %w", datastore.ErrInvalidArgument)
	}
	if dir == nil {
		return nil, fmt.Errorf("command database: system directory is required: %w", datastore.ErrInvalidArgument)
	}
	o := options{now: func() time.Time { return time.Now().UTC() }, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.validator == nil {
		o.validator = schema.NewValidator()
	}
	logger := o.logger.With("component", "command-db")

	streams := newStreamStore(b.Streams, dir, o.now, logger)
	commands := newCommandStore(b.Commands, o.validator, o.now, logger)
	statuses := newStatusStore(b.Statuses, o.validator, o.now, logger)
	streams.commands = commands
	commands.streams = streams
	commands.statuses = statuses
	statuses.commands = commands

	if err := streams.rebuild(ctx); err != nil {
		return nil, fmt.Errorf("rebuild command stream index: %w", err)
	}
	if err := commands.rebuild(ctx); err != nil {
		return nil, fmt.Errorf("rebuild command index: %w", err)
	}
	if err := statuses.rebuild(ctx); err != nil {
		return nil, fmt.Errorf("rebuild status index: %w", err)
	}
	return &Database{Streams: streams, Commands: commands, Statuses: statuses}, nil
}

// keySet is a secondary index bucket.
type keySet map[domain.ResourceKey]struct{}

func (s keySet) sorted() []domain.ResourceKey {
	out := make([]domain.ResourceKey, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sortKeys(out)
	return out
}

func sortKeys(keys []domain.ResourceKey) {
	slices.SortFunc(keys, domain.ResourceKey.Compare)
}

func uniqueSorted(keys []domain.ResourceKey) []domain.ResourceKey {
	set := make(keySet, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set.sorted()
}

func nextSequence[V any](ctx context.Context, m storage.Map[V]) (uint64, error) {
	last, ok, err := m.Last(ctx)
	if err != nil || !ok {
		return 0, err
	}
	return last.ID, nil
}
