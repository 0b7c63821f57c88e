package command

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sensorhub/internal/datastore"
	"sensorhub/internal/domain"
	"sensorhub/internal/hashroute"
	"sensorhub/internal/storage"
)

// StreamStore holds every live command stream version, indexed by owning
// system.
type StreamStore struct {
	mu       sync.Mutex
	entries  storage.Map[domain.CommandStreamInfo]
	dir      datastore.SystemDirectory
	commands *CommandStore
	now      func() time.Time
	logger   *slog.Logger

	idxMu    sync.RWMutex
	bySystem map[domain.ResourceKey]keySet

	rangeMu sync.Mutex
	ranges  map[domain.ResourceKey]*actuationCell
}

type actuationCell struct {
	gen    uint64
	valid  bool
	extent domain.TimeExtent
	empty  bool
}

// AddResult describes what a versioned insert did.
type AddResult struct {
	Key domain.ResourceKey
	// Created is false when the insert resolved to an existing version.
	Created bool
	// Superseded is the removed previous version, zero when none.
	Superseded domain.ResourceKey
}

// CommandStream is a read view of one stored version.
type CommandStream struct {
	Key  domain.ResourceKey
	Info domain.CommandStreamInfo

	store *StreamStore
}

// ActuationTimeRange spans the effective actuation times of every command
// on the stream. It is computed on first use and cached until a command of
// the stream is added or removed.
func (c *CommandStream) ActuationTimeRange(ctx context.Context) (domain.TimeExtent, bool, error) {
	return c.store.actuationRange(ctx, c.Key)
}

func newStreamStore(m storage.Map[domain.CommandStreamInfo], dir datastore.SystemDirectory, now func() time.Time, logger *slog.Logger) *StreamStore {
	return &StreamStore{
		entries:  m,
		dir:      dir,
		now:      now,
		logger:   logger,
		bySystem: make(map[domain.ResourceKey]keySet),
		ranges:   make(map[domain.ResourceKey]*actuationCell),
	}
}

func (s *StreamStore) rebuild(ctx context.Context) error {
	s.idxMu.Lock()
	defer s.idxMu.Unlock()
	s.bySystem = make(map[domain.ResourceKey]keySet)
	return storage.AscendScope(ctx, s.entries, domain.ScopeCommandStream, func(k domain.ResourceKey, info domain.CommandStreamInfo) bool {
		s.indexLocked(info.System.InternalID, k)
		return true
	})
}

// Add inserts a new command stream version and returns its key.
func (s *StreamStore) Add(ctx context.Context, info domain.CommandStreamInfo) (domain.ResourceKey, error) {
	res, err := s.AddVersion(ctx, info)
	return res.Key, err
}

// AddVersion is Add reporting whether a previous version was superseded.
func (s *StreamStore) AddVersion(ctx context.Context, info domain.CommandStreamInfo) (AddResult, error) {
	info, err := s.normalize(info)
	if err != nil {
		return AddResult{}, err
	}
	key := hashroute.StreamKey(info.System.InternalID, info.ControlInputName, info.ValidTime)
	return s.put(ctx, key, info)
}

// Put stores info under key. With replace set the existing entry at key is
// overwritten in place and must describe the same system and control
// input; otherwise the versioned insert protocol of AddVersion applies.
func (s *StreamStore) Put(ctx context.Context, key domain.ResourceKey, info domain.CommandStreamInfo, replace bool) (domain.ResourceKey, error) {
	info, err := s.normalize(info)
	if err != nil {
		return domain.ResourceKey{}, err
	}
	if !replace {
		res, err := s.put(ctx, key, info)
		return res.Key, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok, err := s.entries.Get(ctx, key)
	if err != nil {
		return domain.ResourceKey{}, fmt.Errorf("read command stream %s: %w", key, err)
	}
	if !ok {
		return domain.ResourceKey{}, fmt.Errorf("command stream %s: %w", key, datastore.ErrUnknownStream)
	}
	if existing.System.InternalID != info.System.InternalID ||
		hashroute.CanonicalizeName(existing.ControlInputName) != hashroute.CanonicalizeName(info.ControlInputName) {
		return domain.ResourceKey{}, datastore.Invalid("command stream", datastore.FieldError{
			Path:    "control_input_name",
			Message: "replacement must keep the owning system and control input",
		})
	}
	if err := s.entries.Put(ctx, key, info); err != nil {
		return domain.ResourceKey{}, fmt.Errorf("replace command stream %s: %w", key, err)
	}
	return key, nil
}

func (s *StreamStore) put(ctx context.Context, key domain.ResourceKey, info domain.CommandStreamInfo) (AddResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := hashroute.CanonicalizeName(info.ControlInputName)
	var (
		prevKey domain.ResourceKey
		prev    domain.CommandStreamInfo
		hasPrev bool
	)
	for _, k := range s.systemKeys(info.System.InternalID) {
		e, ok, err := s.entries.Get(ctx, k)
		if err != nil {
			return AddResult{}, fmt.Errorf("read command stream %s: %w", k, err)
		}
		if ok && hashroute.CanonicalizeName(e.ControlInputName) == name {
			prevKey, prev, hasPrev = k, e, true
			break
		}
	}

	var res AddResult
	if hasPrev {
		switch {
		case prev.ValidTime.Begin.Equal(info.ValidTime.Begin):
			return AddResult{}, fmt.Errorf("command stream %q of system %s valid from %s: %w",
				info.ControlInputName, info.System.InternalID, info.ValidTime.Begin.Format(time.RFC3339Nano), datastore.ErrAlreadyExists)
		case prev.ValidTime.Begin.After(info.ValidTime.Begin), info.ValidTime.Begin.After(s.now()):
			return AddResult{Key: prevKey}, nil
		}
		if err := s.removeLocked(ctx, prevKey, prev); err != nil {
			return AddResult{}, fmt.Errorf("supersede command stream %s: %w", prevKey, err)
		}
		res.Superseded = prevKey
		s.logger.Info("command stream superseded",
			"old_key", prevKey.String(), "new_key", key.String(), "control_input", info.ControlInputName)
	}

	if _, taken, err := s.entries.Get(ctx, key); err != nil {
		return AddResult{}, fmt.Errorf("read command stream %s: %w", key, err)
	} else if taken {
		return AddResult{}, fmt.Errorf("command stream key %s: %w", key, datastore.ErrAlreadyExists)
	}
	if err := s.entries.Put(ctx, key, info); err != nil {
		return AddResult{}, fmt.Errorf("write command stream %s: %w", key, err)
	}
	s.idxMu.Lock()
	s.indexLocked(info.System.InternalID, key)
	s.idxMu.Unlock()

	res.Key, res.Created = key, true
	return res, nil
}

func (s *StreamStore) normalize(info domain.CommandStreamInfo) (domain.CommandStreamInfo, error) {
	sys := info.System
	if sys.InternalID.IsZero() && sys.UID != "" {
		k, ok := s.dir.ResolveInternalID(sys.UID)
		if !ok {
			return info, fmt.Errorf("system %q: %w", sys.UID, datastore.ErrUnknownSystem)
		}
		sys.InternalID = k
	}
	if sys.InternalID.IsZero() {
		return info, datastore.Invalid("command stream", datastore.FieldError{Path: "system", Message: "a system is required"})
	}
	if !s.dir.Exists(sys.InternalID) {
		return info, fmt.Errorf("system %s: %w", sys.InternalID, datastore.ErrUnknownSystem)
	}
	if sys.UID == "" {
		sys.UID, _ = s.dir.UID(sys.InternalID)
	}
	info.System = sys

	if info.ControlInputName == "" {
		info.ControlInputName = info.RecordStructure.Name
	}
	if hashroute.CanonicalizeName(info.ControlInputName) == "" {
		return info, datastore.Invalid("command stream", datastore.FieldError{
			Path:    "control_input_name",
			Message: "a control input name or record structure name is required",
		})
	}
	if info.RecordStructure.Name == "" {
		info.RecordStructure.Name = info.ControlInputName
	}
	if info.Name == "" {
		info.Name = info.RecordStructure.Label
		if info.Name == "" {
			info.Name = info.ControlInputName
		}
	}
	if info.Description == "" {
		info.Description = info.RecordStructure.Description
	}
	if info.RecordEncoding.Format == "" {
		info.RecordEncoding.Format = domain.EncodingJSON
	}
	if info.ValidTime.IsZero() {
		if vt, ok := s.dir.ValidTime(sys.InternalID); ok && !vt.IsZero() {
			info.ValidTime = vt
		} else {
			info.ValidTime = domain.BeginAt(s.now())
		}
	}
	return info, nil
}

// Get returns nil when key is unknown.
func (s *StreamStore) Get(ctx context.Context, key domain.ResourceKey) (*CommandStream, error) {
	info, ok, err := s.entries.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read command stream %s: %w", key, err)
	}
	if !ok {
		return nil, nil
	}
	return &CommandStream{Key: key, Info: info, store: s}, nil
}

// Select returns matching streams in key order.
func (s *StreamStore) Select(ctx context.Context, f datastore.CommandStreamFilter) ([]CommandStream, error) {
	var out []CommandStream
	visit := func(k domain.ResourceKey, info domain.CommandStreamInfo) bool {
		if f.Test(k, info) {
			out = append(out, CommandStream{Key: k, Info: info, store: s})
		}
		return !datastore.LimitReached(len(out), f.Limit)
	}

	var candidates []domain.ResourceKey
	switch {
	case len(f.Keys) > 0:
		candidates = uniqueSorted(f.Keys)
	case f.HasSystemSelection():
		systems := append([]domain.ResourceKey(nil), f.SystemKeys...)
		for _, uid := range f.SystemUIDs {
			if k, ok := s.dir.ResolveInternalID(uid); ok {
				systems = append(systems, k)
			}
		}
		for _, sys := range uniqueSorted(systems) {
			candidates = append(candidates, s.systemKeys(sys)...)
		}
		sortKeys(candidates)
	default:
		if err := storage.AscendScope(ctx, s.entries, domain.ScopeCommandStream, visit); err != nil {
			return nil, fmt.Errorf("scan command streams: %w", err)
		}
		return out, nil
	}

	for _, k := range candidates {
		info, ok, err := s.entries.Get(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("read command stream %s: %w", k, err)
		}
		if ok && !visit(k, info) {
			break
		}
	}
	return out, nil
}

// Remove deletes a stream version together with its commands and their
// statuses.
func (s *StreamStore) Remove(ctx context.Context, key domain.ResourceKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok, err := s.entries.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := s.removeLocked(ctx, key, info); err != nil {
		return false, err
	}
	return true, nil
}

func (s *StreamStore) removeLocked(ctx context.Context, key domain.ResourceKey, info domain.CommandStreamInfo) error {
	if _, err := s.entries.Remove(ctx, key); err != nil {
		return fmt.Errorf("remove command stream %s: %w", key, err)
	}
	s.idxMu.Lock()
	if set := s.bySystem[info.System.InternalID]; set != nil {
		delete(set, key)
		if len(set) == 0 {
			delete(s.bySystem, info.System.InternalID)
		}
	}
	s.idxMu.Unlock()

	s.rangeMu.Lock()
	delete(s.ranges, key)
	s.rangeMu.Unlock()

	n, err := s.commands.removeForStream(ctx, key)
	if err != nil {
		return fmt.Errorf("remove commands of stream %s: %w", key, err)
	}
	if n > 0 {
		s.logger.Debug("command stream cascade", "key", key.String(), "commands", n)
	}
	return nil
}

func (s *StreamStore) Len(ctx context.Context) (int, error) { return s.entries.Len(ctx) }

// Contains reports whether key names a live stream version.
func (s *StreamStore) Contains(ctx context.Context, key domain.ResourceKey) (bool, error) {
	_, ok, err := s.entries.Get(ctx, key)
	return ok, err
}

func (s *StreamStore) systemKeys(sys domain.ResourceKey) []domain.ResourceKey {
	s.idxMu.RLock()
	defer s.idxMu.RUnlock()
	return s.bySystem[sys].sorted()
}

func (s *StreamStore) indexLocked(sys, key domain.ResourceKey) {
	set := s.bySystem[sys]
	if set == nil {
		set = make(keySet)
		s.bySystem[sys] = set
	}
	set[key] = struct{}{}
}

func (s *StreamStore) actuationRange(ctx context.Context, key domain.ResourceKey) (domain.TimeExtent, bool, error) {
	s.rangeMu.Lock()
	cell := s.ranges[key]
	if cell == nil {
		cell = &actuationCell{}
		s.ranges[key] = cell
	}
	if cell.valid {
		extent, empty := cell.extent, cell.empty
		s.rangeMu.Unlock()
		return extent, !empty, nil
	}
	gen := cell.gen
	s.rangeMu.Unlock()

	extent, ok, err := s.commands.actuationExtent(ctx, key)
	if err != nil {
		return domain.TimeExtent{}, false, err
	}

	s.rangeMu.Lock()
	if s.ranges[key] == cell && cell.gen == gen {
		cell.valid, cell.extent, cell.empty = true, extent, !ok
	}
	s.rangeMu.Unlock()
	return extent, ok, nil
}

func (s *StreamStore) invalidateActuation(key domain.ResourceKey) {
	s.rangeMu.Lock()
	if cell := s.ranges[key]; cell != nil {
		cell.gen++
		cell.valid = false
	}
	s.rangeMu.Unlock()
}
