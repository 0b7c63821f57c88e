package command

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"sensorhub/internal/datastore"
	"sensorhub/internal/domain"
	"sensorhub/internal/storage"
)

// CommandEntry pairs a stored command with its key.
type CommandEntry struct {
	Key     domain.ResourceKey
	Command domain.Command
}

type refKey struct {
	stream domain.ResourceKey
	id     string
}

// CommandStore holds commands with sequential keys, indexed by command
// stream and by client reference id.
type CommandStore struct {
	mu        sync.Mutex
	entries   storage.Map[domain.Command]
	last      uint64
	validator datastore.SchemaValidator
	now       func() time.Time
	logger    *slog.Logger

	streams  *StreamStore
	statuses *StatusStore

	idxMu    sync.RWMutex
	byStream map[domain.ResourceKey]keySet
	byRef    map[refKey]domain.ResourceKey
}

func newCommandStore(m storage.Map[domain.Command], v datastore.SchemaValidator, now func() time.Time, logger *slog.Logger) *CommandStore {
	return &CommandStore{
		entries:   m,
		validator: v,
		now:       now,
		logger:    logger,
		byStream:  make(map[domain.ResourceKey]keySet),
		byRef:     make(map[refKey]domain.ResourceKey),
	}
}

func (c *CommandStore) rebuild(ctx context.Context) error {
	last, err := nextSequence(ctx, c.entries)
	if err != nil {
		return err
	}
	c.last = last

	c.idxMu.Lock()
	defer c.idxMu.Unlock()
	c.byStream = make(map[domain.ResourceKey]keySet)
	c.byRef = make(map[refKey]domain.ResourceKey)
	return storage.AscendScope(ctx, c.entries, domain.ScopeCommand, func(k domain.ResourceKey, cmd domain.Command) bool {
		c.indexLocked(k, cmd)
		return true
	})
}

// Add validates cmd against its stream's record structure and stores it.
// An empty ID is replaced by a random one; a zero issue time by the
// current time.
func (c *CommandStore) Add(ctx context.Context, cmd domain.Command) (domain.ResourceKey, error) {
	if cmd.StreamKey.IsZero() {
		return domain.ResourceKey{}, datastore.Invalid("command", datastore.FieldError{Path: "stream_key", Message: "a command stream is required"})
	}
	stream, ok, err := c.streams.entries.Get(ctx, cmd.StreamKey)
	if err != nil {
		return domain.ResourceKey{}, fmt.Errorf("read command stream %s: %w", cmd.StreamKey, err)
	}
	if !ok {
		return domain.ResourceKey{}, fmt.Errorf("command stream %s: %w", cmd.StreamKey, datastore.ErrUnknownStream)
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.IssueTime.IsZero() {
		cmd.IssueTime = c.now()
	}
	if cmd.Params == nil {
		cmd.Params = map[string]any{}
	}
	violations, err := c.validator.Validate(stream.RecordStructure, cmd.Params)
	if err != nil {
		return domain.ResourceKey{}, fmt.Errorf("validate command parameters: %w", err)
	}
	if len(violations) > 0 {
		return domain.ResourceKey{}, &datastore.ValidationError{Subject: "command", Violations: violations}
	}

	key, err := c.insert(ctx, cmd)
	if err != nil {
		return domain.ResourceKey{}, err
	}
	// The stream may have been superseded while the command was validated.
	if alive, err := c.streams.Contains(ctx, cmd.StreamKey); err == nil && !alive {
		if _, err := c.RemoveEntries(ctx, datastore.CommandFilter{Keys: []domain.ResourceKey{key}}); err != nil {
			c.logger.Warn("orphan command not removed", "key", key.String(), "err", err)
		}
		return domain.ResourceKey{}, fmt.Errorf("command stream %s: %w", cmd.StreamKey, datastore.ErrUnknownStream)
	}
	c.streams.invalidateActuation(cmd.StreamKey)
	return key, nil
}

func (c *CommandStore) insert(ctx context.Context, cmd domain.Command) (domain.ResourceKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ref := refKey{stream: cmd.StreamKey, id: cmd.ID}
	c.idxMu.RLock()
	existing, dup := c.byRef[ref]
	c.idxMu.RUnlock()
	if dup {
		return existing, fmt.Errorf("command %q on stream %s: %w", cmd.ID, cmd.StreamKey, datastore.ErrAlreadyExists)
	}

	key := domain.NewKey(domain.ScopeCommand, c.last+1)
	if err := c.entries.Put(ctx, key, cmd); err != nil {
		return domain.ResourceKey{}, fmt.Errorf("write command %s: %w", key, err)
	}
	c.last++
	c.idxMu.Lock()
	c.indexLocked(key, cmd)
	c.idxMu.Unlock()
	return key, nil
}

// Get returns nil when key is unknown.
func (c *CommandStore) Get(ctx context.Context, key domain.ResourceKey) (*domain.Command, error) {
	cmd, ok, err := c.entries.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read command %s: %w", key, err)
	}
	if !ok {
		return nil, nil
	}
	return &cmd, nil
}

// FindByRef resolves a client reference id within one command stream.
func (c *CommandStore) FindByRef(streamKey domain.ResourceKey, id string) (domain.ResourceKey, bool) {
	c.idxMu.RLock()
	defer c.idxMu.RUnlock()
	k, ok := c.byRef[refKey{stream: streamKey, id: id}]
	return k, ok
}

// Select returns matching commands in key order.
func (c *CommandStore) Select(ctx context.Context, f datastore.CommandFilter) ([]CommandEntry, error) {
	var out []CommandEntry
	err := c.each(ctx, f, func(k domain.ResourceKey, cmd domain.Command) bool {
		out = append(out, CommandEntry{Key: k, Command: cmd})
		return !datastore.LimitReached(len(out), f.Limit)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *CommandStore) each(ctx context.Context, f datastore.CommandFilter, fn func(domain.ResourceKey, domain.Command) bool) error {
	visit := func(k domain.ResourceKey, cmd domain.Command) bool {
		if !f.Test(k, cmd) {
			return true
		}
		return fn(k, cmd)
	}

	var candidates []domain.ResourceKey
	switch {
	case len(f.Keys) > 0:
		candidates = uniqueSorted(f.Keys)
	case len(f.StreamKeys) > 0 && len(f.IDs) > 0:
		c.idxMu.RLock()
		for _, s := range f.StreamKeys {
			for _, id := range f.IDs {
				if k, ok := c.byRef[refKey{stream: s, id: id}]; ok {
					candidates = append(candidates, k)
				}
			}
		}
		c.idxMu.RUnlock()
		candidates = uniqueSorted(candidates)
	case len(f.StreamKeys) > 0:
		candidates = c.streamCommands(f.StreamKeys...)
	default:
		if err := storage.AscendScope(ctx, c.entries, domain.ScopeCommand, visit); err != nil {
			return fmt.Errorf("scan commands: %w", err)
		}
		return nil
	}

	for _, k := range candidates {
		cmd, ok, err := c.entries.Get(ctx, k)
		if err != nil {
			return fmt.Errorf("read command %s: %w", k, err)
		}
		if ok && !visit(k, cmd) {
			break
		}
	}
	return nil
}

// RemoveEntries deletes every command matching f, ignoring its limit, and
// the statuses of each.
func (c *CommandStore) RemoveEntries(ctx context.Context, f datastore.CommandFilter) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f.Limit = 0
	var victims []CommandEntry
	if err := c.each(ctx, f, func(k domain.ResourceKey, cmd domain.Command) bool {
		victims = append(victims, CommandEntry{Key: k, Command: cmd})
		return true
	}); err != nil {
		return 0, err
	}

	removed := 0
	touched := make(keySet)
	for _, v := range victims {
		ok, err := c.entries.Remove(ctx, v.Key)
		if err != nil {
			return removed, fmt.Errorf("remove command %s: %w", v.Key, err)
		}
		c.idxMu.Lock()
		c.unindexLocked(v.Key, v.Command)
		c.idxMu.Unlock()
		if _, err := c.statuses.removeForCommand(ctx, v.Key); err != nil {
			return removed, fmt.Errorf("remove statuses of command %s: %w", v.Key, err)
		}
		if ok {
			removed++
		}
		touched[v.Command.StreamKey] = struct{}{}
	}
	for s := range touched {
		c.streams.invalidateActuation(s)
	}
	return removed, nil
}

func (c *CommandStore) removeForStream(ctx context.Context, streamKey domain.ResourceKey) (int, error) {
	return c.RemoveEntries(ctx, datastore.CommandFilter{StreamKeys: []domain.ResourceKey{streamKey}})
}

func (c *CommandStore) Len(ctx context.Context) (int, error) { return c.entries.Len(ctx) }

func (c *CommandStore) actuationExtent(ctx context.Context, streamKey domain.ResourceKey) (domain.TimeExtent, bool, error) {
	var (
		extent domain.TimeExtent
		found  bool
	)
	for _, k := range c.streamCommands(streamKey) {
		cmd, ok, err := c.entries.Get(ctx, k)
		if err != nil {
			return domain.TimeExtent{}, false, fmt.Errorf("read command %s: %w", k, err)
		}
		if !ok {
			continue
		}
		t := cmd.EffectiveActuationTime()
		if !found || t.Before(extent.Begin) {
			extent.Begin = t
		}
		if !found || t.After(extent.End) {
			extent.End = t
		}
		found = true
	}
	return extent, found, nil
}

func (c *CommandStore) streamCommands(streams ...domain.ResourceKey) []domain.ResourceKey {
	c.idxMu.RLock()
	defer c.idxMu.RUnlock()
	var out []domain.ResourceKey
	for _, s := range streams {
		for k := range c.byStream[s] {
			out = append(out, k)
		}
	}
	return uniqueSorted(out)
}

func (c *CommandStore) indexLocked(key domain.ResourceKey, cmd domain.Command) {
	set := c.byStream[cmd.StreamKey]
	if set == nil {
		set = make(keySet)
		c.byStream[cmd.StreamKey] = set
	}
	set[key] = struct{}{}
	c.byRef[refKey{stream: cmd.StreamKey, id: cmd.ID}] = key
}

func (c *CommandStore) unindexLocked(key domain.ResourceKey, cmd domain.Command) {
	if set := c.byStream[cmd.StreamKey]; set != nil {
		delete(set, key)
		if len(set) == 0 {
			delete(c.byStream, cmd.StreamKey)
		}
	}
	ref := refKey{stream: cmd.StreamKey, id: cmd.ID}
	if c.byRef[ref] == key {
		delete(c.byRef, ref)
	}
}
