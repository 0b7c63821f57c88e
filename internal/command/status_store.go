package command

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"sensorhub/internal/datastore"
	"sensorhub/internal/domain"
	"sensorhub/internal/storage"
)

// StatusEntry pairs a stored status report with its key.
type StatusEntry struct {
	Key    domain.ResourceKey
	Status domain.CommandStatus
}

// after orders status reports by report time, then by key.
func (e StatusEntry) after(o StatusEntry) bool {
	if !e.Status.ReportTime.Equal(o.Status.ReportTime) {
		return e.Status.ReportTime.After(o.Status.ReportTime)
	}
	return o.Key.Less(e.Key)
}

// StatusStore keeps the status history of every command.
type StatusStore struct {
	mu        sync.Mutex
	entries   storage.Map[domain.CommandStatus]
	last      uint64
	validator datastore.SchemaValidator
	now       func() time.Time
	logger    *slog.Logger

	commands *CommandStore

	idxMu     sync.RWMutex
	byCommand map[domain.ResourceKey]keySet
}

func newStatusStore(m storage.Map[domain.CommandStatus], v datastore.SchemaValidator, now func() time.Time, logger *slog.Logger) *StatusStore {
	return &StatusStore{
		entries:   m,
		validator: v,
		now:       now,
		logger:    logger,
		byCommand: make(map[domain.ResourceKey]keySet),
	}
}

func (s *StatusStore) rebuild(ctx context.Context) error {
	last, err := nextSequence(ctx, s.entries)
	if err != nil {
		return err
	}
	s.last = last

	s.idxMu.Lock()
	defer s.idxMu.Unlock()
	s.byCommand = make(map[domain.ResourceKey]keySet)
	return storage.AscendScope(ctx, s.entries, domain.ScopeCommandStatus, func(k domain.ResourceKey, st domain.CommandStatus) bool {
		s.indexLocked(k, st.CommandKey)
		return true
	})
}

// Add stores a status report of an existing command. The stream key is
// taken from the command; a zero report time becomes the current time.
func (s *StatusStore) Add(ctx context.Context, st domain.CommandStatus) (domain.ResourceKey, error) {
	if st.CommandKey.IsZero() {
		return domain.ResourceKey{}, datastore.Invalid("command status", datastore.FieldError{Path: "command_key", Message: "a command is required"})
	}
	if !st.Code.IsValid() {
		return domain.ResourceKey{}, datastore.Invalid("command status", datastore.FieldError{Path: "status_code", Message: fmt.Sprintf("unknown status code %d", int(st.Code))})
	}
	if st.Progress < 0 || st.Progress > 100 {
		return domain.ResourceKey{}, datastore.Invalid("command status", datastore.FieldError{Path: "progress", Message: "must be between 0 and 100"})
	}
	cmd, ok, err := s.commands.entries.Get(ctx, st.CommandKey)
	if err != nil {
		return domain.ResourceKey{}, fmt.Errorf("read command %s: %w", st.CommandKey, err)
	}
	if !ok {
		return domain.ResourceKey{}, fmt.Errorf("command %s: %w", st.CommandKey, datastore.ErrUnknownCommand)
	}
	st.StreamKey = cmd.StreamKey
	if st.ReportTime.IsZero() {
		st.ReportTime = s.now()
	}
	if err := s.checkResult(ctx, st); err != nil {
		return domain.ResourceKey{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := domain.NewKey(domain.ScopeCommandStatus, s.last+1)
	if err := s.entries.Put(ctx, key, st); err != nil {
		return domain.ResourceKey{}, fmt.Errorf("write command status %s: %w", key, err)
	}
	s.last++
	s.idxMu.Lock()
	s.indexLocked(key, st.CommandKey)
	s.idxMu.Unlock()
	return key, nil
}

func (s *StatusStore) checkResult(ctx context.Context, st domain.CommandStatus) error {
	if st.Result == nil || st.Result.Kind() != domain.ResultInline {
		return nil
	}
	stream, ok, err := s.commands.streams.entries.Get(ctx, st.StreamKey)
	if err != nil {
		return fmt.Errorf("read command stream %s: %w", st.StreamKey, err)
	}
	if !ok {
		return fmt.Errorf("command stream %s: %w", st.StreamKey, datastore.ErrUnknownStream)
	}
	if !stream.HasResult() {
		return datastore.Invalid("command status", datastore.FieldError{Path: "result", Message: "command stream does not define a result structure"})
	}
	var violations []datastore.FieldError
	for i, rec := range st.Result.Records() {
		v, err := s.validator.Validate(*stream.ResultStructure, rec)
		if err != nil {
			return fmt.Errorf("validate command result: %w", err)
		}
		for _, fe := range v {
			fe.Path = fmt.Sprintf("result[%d].%s", i, fe.Path)
			violations = append(violations, fe)
		}
	}
	if len(violations) > 0 {
		return &datastore.ValidationError{Subject: "command result", Violations: violations}
	}
	return nil
}

// Get returns nil when key is unknown.
func (s *StatusStore) Get(ctx context.Context, key domain.ResourceKey) (*domain.CommandStatus, error) {
	st, ok, err := s.entries.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read command status %s: %w", key, err)
	}
	if !ok {
		return nil, nil
	}
	return &st, nil
}

// Select returns matching status reports ordered by report time, then key.
// With Latest set only the current report of each command is considered.
func (s *StatusStore) Select(ctx context.Context, f datastore.CommandStatusFilter) ([]StatusEntry, error) {
	all, err := s.candidates(ctx, f)
	if err != nil {
		return nil, err
	}
	if f.Latest {
		current := make(map[domain.ResourceKey]StatusEntry)
		for _, e := range all {
			if cur, ok := current[e.Status.CommandKey]; !ok || e.after(cur) {
				current[e.Status.CommandKey] = e
			}
		}
		all = all[:0]
		for _, e := range current {
			all = append(all, e)
		}
	}

	out := make([]StatusEntry, 0, len(all))
	for _, e := range all {
		if f.Test(e.Key, e.Status) {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b StatusEntry) int {
		switch {
		case b.after(a):
			return -1
		case a.after(b):
			return 1
		}
		return 0
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *StatusStore) candidates(ctx context.Context, f datastore.CommandStatusFilter) ([]StatusEntry, error) {
	var keys []domain.ResourceKey
	switch {
	case len(f.CommandKeys) > 0:
		keys = s.commandStatuses(f.CommandKeys...)
	case len(f.StreamKeys) > 0:
		keys = s.commandStatuses(s.commands.streamCommands(f.StreamKeys...)...)
	default:
		var out []StatusEntry
		err := storage.AscendScope(ctx, s.entries, domain.ScopeCommandStatus, func(k domain.ResourceKey, st domain.CommandStatus) bool {
			out = append(out, StatusEntry{Key: k, Status: st})
			return true
		})
		if err != nil {
			return nil, fmt.Errorf("scan command statuses: %w", err)
		}
		return out, nil
	}

	out := make([]StatusEntry, 0, len(keys))
	for _, k := range keys {
		st, ok, err := s.entries.Get(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("read command status %s: %w", k, err)
		}
		if ok {
			out = append(out, StatusEntry{Key: k, Status: st})
		}
	}
	return out, nil
}

// Current returns the latest status report of a command, or nil when none
// was reported.
func (s *StatusStore) Current(ctx context.Context, commandKey domain.ResourceKey) (*StatusEntry, error) {
	entries, err := s.candidates(ctx, datastore.CommandStatusFilter{CommandKeys: []domain.ResourceKey{commandKey}})
	if err != nil {
		return nil, err
	}
	var cur *StatusEntry
	for i := range entries {
		if cur == nil || entries[i].after(*cur) {
			cur = &entries[i]
		}
	}
	return cur, nil
}

// RemoveEntries deletes every status report matching f, ignoring its limit
// and Latest flag.
func (s *StatusStore) RemoveEntries(ctx context.Context, f datastore.CommandStatusFilter) (int, error) {
	f.Limit, f.Latest = 0, false
	victims, err := s.Select(ctx, f)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(ctx, victims)
}

func (s *StatusStore) removeForCommand(ctx context.Context, commandKey domain.ResourceKey) (int, error) {
	victims, err := s.candidates(ctx, datastore.CommandStatusFilter{CommandKeys: []domain.ResourceKey{commandKey}})
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(ctx, victims)
}

func (s *StatusStore) removeLocked(ctx context.Context, victims []StatusEntry) (int, error) {
	removed := 0
	for _, v := range victims {
		ok, err := s.entries.Remove(ctx, v.Key)
		if err != nil {
			return removed, fmt.Errorf("remove command status %s: %w", v.Key, err)
		}
		s.idxMu.Lock()
		if set := s.byCommand[v.Status.CommandKey]; set != nil {
			delete(set, v.Key)
			if len(set) == 0 {
				delete(s.byCommand, v.Status.CommandKey)
			}
		}
		s.idxMu.Unlock()
		if ok {
			removed++
		}
	}
	return removed, nil
}

func (s *StatusStore) Len(ctx context.Context) (int, error) { return s.entries.Len(ctx) }

func (s *StatusStore) commandStatuses(commands ...domain.ResourceKey) []domain.ResourceKey {
	s.idxMu.RLock()
	defer s.idxMu.RUnlock()
	var out []domain.ResourceKey
	for _, c := range commands {
		for k := range s.byCommand[c] {
			out = append(out, k)
		}
	}
	return uniqueSorted(out)
}

func (s *StatusStore) indexLocked(key, commandKey domain.ResourceKey) {
	set := s.byCommand[commandKey]
	if set == nil {
		set = make(keySet)
		s.byCommand[commandKey] = set
	}
	set[key] = struct{}{}
}
