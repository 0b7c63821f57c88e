package command

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensorhub/internal/datastore"
	"sensorhub/internal/domain"
	"sensorhub/internal/hashroute"
	"sensorhub/internal/storage/sqlite"
	"sensorhub/internal/system"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	ctx     context.Context
	db      *Database
	backing Backing
	reg     *system.Registry
	sys     domain.FeatureID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	reg := system.NewRegistry()
	sys, err := reg.Register("urn:test:heater", "heater", domain.BeginAt(now.Add(-24*time.Hour)))
	require.NoError(t, err)
	b := InMemory()
	db, err := Open(ctx, b, reg, WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	return &fixture{ctx: ctx, db: db, backing: b, reg: reg, sys: sys}
}

func ptr(f float64) *float64 { return &f }

func powerStream(sys domain.FeatureID, begin time.Time) domain.CommandStreamInfo {
	return domain.CommandStreamInfo{
		System:           sys,
		ControlInputName: "setPower",
		RecordStructure: domain.RecordStructure{
			Name:   "setPower",
			Fields: []domain.Field{{Name: "level", Type: domain.FieldCount, Min: ptr(0), Max: ptr(10)}},
		},
		ValidTime: domain.BeginAt(begin),
	}
}

func (f *fixture) addCommand(t *testing.T, stream domain.ResourceKey, id string, level int, issued time.Time) domain.ResourceKey {
	t.Helper()
	k, err := f.db.Commands.Add(f.ctx, domain.Command{
		StreamKey: stream,
		ID:        id,
		IssueTime: issued,
		Params:    map[string]any{"level": level},
	})
	require.NoError(t, err)
	return k
}

func TestAddStreamDerivesDefaults(t *testing.T) {
	f := newFixture(t)
	info := powerStream(domain.FeatureID{UID: "urn:test:heater"}, time.Time{})
	info.ControlInputName = ""

	key, err := f.db.Streams.Add(f.ctx, info)
	require.NoError(t, err)
	assert.Equal(t, domain.ScopeCommandStream, key.Scope)

	got, err := f.db.Streams.Get(f.ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "setPower", got.Info.ControlInputName)
	assert.Equal(t, "setPower", got.Info.Name)
	assert.Equal(t, f.sys, got.Info.System)
	assert.Equal(t, domain.EncodingJSON, got.Info.RecordEncoding.Format)
	assert.True(t, got.Info.ValidTime.Begin.Equal(now.Add(-24*time.Hour)), "valid time comes from the system")
}

func TestAddStreamValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.db.Streams.Add(f.ctx, powerStream(domain.FeatureID{UID: "urn:test:nope"}, now))
	assert.ErrorIs(t, err, datastore.ErrUnknownSystem)

	_, err = f.db.Streams.Add(f.ctx, powerStream(domain.FeatureID{InternalID: domain.NewKey(domain.ScopeSystem, 99)}, now))
	assert.ErrorIs(t, err, datastore.ErrUnknownSystem)

	_, err = f.db.Streams.Add(f.ctx, powerStream(domain.FeatureID{}, now))
	assert.ErrorIs(t, err, datastore.ErrInvalidArgument)

	info := powerStream(f.sys, now)
	info.ControlInputName, info.RecordStructure.Name = "", " "
	_, err = f.db.Streams.Add(f.ctx, info)
	var ve *datastore.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "control_input_name", ve.Violations[0].Path)

	n, err := f.db.Streams.Len(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStreamVersionsAreUniquePerBeginTime(t *testing.T) {
	f := newFixture(t)
	t0 := now.Add(-time.Hour)

	_, err := f.db.Streams.Add(f.ctx, powerStream(f.sys, t0))
	require.NoError(t, err)

	dup := powerStream(f.sys, t0)
	dup.ControlInputName = "SETPOWER"
	_, err = f.db.Streams.Add(f.ctx, dup)
	require.ErrorIs(t, err, datastore.ErrAlreadyExists)
	assert.True(t, datastore.IsConflict(err))

	n, err := f.db.Streams.Len(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStreamSupersession(t *testing.T) {
	f := newFixture(t)
	t1 := now.Add(-2 * time.Hour)
	t2 := now.Add(-time.Hour)

	a, err := f.db.Streams.Add(f.ctx, powerStream(f.sys, t1))
	require.NoError(t, err)
	c1 := f.addCommand(t, a, "c1", 3, t1.Add(time.Minute))
	_, err = f.db.Statuses.Add(f.ctx, domain.CommandStatus{CommandKey: c1, Code: domain.StatusAccepted})
	require.NoError(t, err)

	res, err := f.db.Streams.AddVersion(f.ctx, powerStream(f.sys, t2))
	require.NoError(t, err)
	require.True(t, res.Created)
	assert.Equal(t, a, res.Superseded)
	b := res.Key

	gone, err := f.db.Streams.Get(f.ctx, a)
	require.NoError(t, err)
	assert.Nil(t, gone)

	cmds, err := f.db.Commands.Select(f.ctx, datastore.CommandFilter{StreamKeys: []domain.ResourceKey{a}})
	require.NoError(t, err)
	assert.Empty(t, cmds)
	statuses, err := f.db.Statuses.Select(f.ctx, datastore.CommandStatusFilter{CommandKeys: []domain.ResourceKey{c1}})
	require.NoError(t, err)
	assert.Empty(t, statuses)

	t.Run("older version is a no-op", func(t *testing.T) {
		res, err := f.db.Streams.AddVersion(f.ctx, powerStream(f.sys, t1))
		require.NoError(t, err)
		assert.False(t, res.Created)
		assert.Equal(t, b, res.Key)
	})

	t.Run("future version is a no-op", func(t *testing.T) {
		res, err := f.db.Streams.AddVersion(f.ctx, powerStream(f.sys, now.Add(time.Hour)))
		require.NoError(t, err)
		assert.False(t, res.Created)
		assert.Equal(t, b, res.Key)
	})

	live, err := f.db.Streams.Select(f.ctx, datastore.CommandStreamFilter{SystemKeys: []domain.ResourceKey{f.sys.InternalID}})
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, b, live[0].Key)
}

func TestStreamKeyIsDeterministicAcrossRestarts(t *testing.T) {
	f := newFixture(t)
	info := powerStream(f.sys, now.Add(-time.Hour))
	k1, err := f.db.Streams.Add(f.ctx, info)
	require.NoError(t, err)

	other, err := Open(f.ctx, InMemory(), f.reg, WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	k2, err := other.Streams.Add(f.ctx, info)
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
	assert.Equal(t, hashroute.StreamKey(f.sys.InternalID, "setPower", info.ValidTime), k1)
}

func TestRemoveStreamCascades(t *testing.T) {
	f := newFixture(t)
	s, err := f.db.Streams.Add(f.ctx, powerStream(f.sys, now.Add(-time.Hour)))
	require.NoError(t, err)
	c := f.addCommand(t, s, "", 1, now)
	_, err = f.db.Statuses.Add(f.ctx, domain.CommandStatus{CommandKey: c, Code: domain.StatusPending})
	require.NoError(t, err)

	ok, err := f.db.Streams.Remove(f.ctx, s)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = f.db.Streams.Remove(f.ctx, s)
	require.NoError(t, err)
	assert.False(t, ok)

	for _, n := range []func(context.Context) (int, error){f.db.Streams.Len, f.db.Commands.Len, f.db.Statuses.Len} {
		size, err := n(f.ctx)
		require.NoError(t, err)
		assert.Zero(t, size)
	}
	byStream, err := f.db.Streams.Select(f.ctx, datastore.CommandStreamFilter{SystemUIDs: []string{f.sys.UID}})
	require.NoError(t, err)
	assert.Empty(t, byStream)
}

func TestCommandRejectedBySchema(t *testing.T) {
	f := newFixture(t)
	s, err := f.db.Streams.Add(f.ctx, powerStream(f.sys, now.Add(-time.Hour)))
	require.NoError(t, err)

	_, err = f.db.Commands.Add(f.ctx, domain.Command{StreamKey: s, Params: map[string]any{"power": 5}})
	var ve *datastore.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.True(t, datastore.IsValidation(err))
	paths := make([]string, 0, len(ve.Violations))
	for _, v := range ve.Violations {
		paths = append(paths, v.Path)
	}
	assert.Contains(t, paths, "level")

	n, err := f.db.Commands.Len(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = f.db.Commands.Add(f.ctx, domain.Command{StreamKey: domain.NewKey(domain.ScopeCommandStream, 7), Params: map[string]any{"level": 1}})
	assert.ErrorIs(t, err, datastore.ErrUnknownStream)
}

func TestCommandReferenceIDs(t *testing.T) {
	f := newFixture(t)
	s, err := f.db.Streams.Add(f.ctx, powerStream(f.sys, now.Add(-time.Hour)))
	require.NoError(t, err)

	k := f.addCommand(t, s, "ref-1", 1, now)
	_, err = f.db.Commands.Add(f.ctx, domain.Command{StreamKey: s, ID: "ref-1", Params: map[string]any{"level": 2}})
	require.ErrorIs(t, err, datastore.ErrAlreadyExists)

	got, ok := f.db.Commands.FindByRef(s, "ref-1")
	require.True(t, ok)
	assert.Equal(t, k, got)

	generated := f.addCommand(t, s, "", 2, now)
	cmd, err := f.db.Commands.Get(f.ctx, generated)
	require.NoError(t, err)
	require.NotNil(t, cmd)
	assert.Len(t, cmd.ID, 36)
	assert.True(t, cmd.IssueTime.Equal(now))

	missing, err := f.db.Commands.Get(f.ctx, domain.NewKey(domain.ScopeCommand, 999))
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestCommandSelectIsKeyOrdered(t *testing.T) {
	f := newFixture(t)
	s, err := f.db.Streams.Add(f.ctx, powerStream(f.sys, now.Add(-time.Hour)))
	require.NoError(t, err)
	var keys []domain.ResourceKey
	for i := 0; i < 5; i++ {
		keys = append(keys, f.addCommand(t, s, "", i, now.Add(time.Duration(5-i)*time.Minute)))
	}

	all, err := f.db.Commands.Select(f.ctx, datastore.CommandFilter{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, e := range all {
		assert.Equal(t, keys[i], e.Key)
	}

	limited, err := f.db.Commands.Select(f.ctx, datastore.CommandFilter{StreamKeys: []domain.ResourceKey{s}, Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, keys[:2], []domain.ResourceKey{limited[0].Key, limited[1].Key})

	late, err := f.db.Commands.Select(f.ctx, datastore.CommandFilter{IssueTime: datastore.TimeRange{Begin: now.Add(4 * time.Minute)}})
	require.NoError(t, err)
	require.Len(t, late, 2)
	assert.Equal(t, keys[0], late[0].Key)

	removed, err := f.db.Commands.RemoveEntries(f.ctx, datastore.CommandFilter{Keys: keys[3:], Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	n, err := f.db.Commands.Len(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestActuationTimeRange(t *testing.T) {
	f := newFixture(t)
	sk, err := f.db.Streams.Add(f.ctx, powerStream(f.sys, now.Add(-time.Hour)))
	require.NoError(t, err)
	s, err := f.db.Streams.Get(f.ctx, sk)
	require.NoError(t, err)

	_, ok, err := s.ActuationTimeRange(f.ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	f.addCommand(t, sk, "a", 1, now)
	_, err = f.db.Commands.Add(f.ctx, domain.Command{StreamKey: sk, ID: "b", IssueTime: now, ActuationTime: now.Add(time.Hour), Params: map[string]any{"level": 2}})
	require.NoError(t, err)

	r, ok, err := s.ActuationTimeRange(f.ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, r.Begin.Equal(now))
	assert.True(t, r.End.Equal(now.Add(time.Hour)))

	early := f.addCommand(t, sk, "c", 3, now.Add(-time.Hour))
	r, _, err = s.ActuationTimeRange(f.ctx)
	require.NoError(t, err)
	assert.True(t, r.Begin.Equal(now.Add(-time.Hour)))

	_, err = f.db.Commands.RemoveEntries(f.ctx, datastore.CommandFilter{Keys: []domain.ResourceKey{early}})
	require.NoError(t, err)
	r, _, err = s.ActuationTimeRange(f.ctx)
	require.NoError(t, err)
	assert.True(t, r.Begin.Equal(now))
}

func TestStatusOrdering(t *testing.T) {
	f := newFixture(t)
	s, err := f.db.Streams.Add(f.ctx, powerStream(f.sys, now.Add(-time.Hour)))
	require.NoError(t, err)
	c := f.addCommand(t, s, "", 1, now)

	const n = 20
	var keys []domain.ResourceKey
	for i := 0; i < n; i++ {
		k, err := f.db.Statuses.Add(f.ctx, domain.CommandStatus{
			CommandKey: c,
			Code:       domain.StatusExecuting,
			Progress:   i * 5,
			ReportTime: now.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
		keys = append(keys, k)
	}

	got, err := f.db.Statuses.Select(f.ctx, datastore.CommandStatusFilter{CommandKeys: []domain.ResourceKey{c}})
	require.NoError(t, err)
	require.Len(t, got, n)
	for i, e := range got {
		assert.Equal(t, keys[i], e.Key)
		assert.Equal(t, s, e.Status.StreamKey)
	}
}

func TestStatusCurrentAndLatest(t *testing.T) {
	f := newFixture(t)
	s, err := f.db.Streams.Add(f.ctx, powerStream(f.sys, now.Add(-time.Hour)))
	require.NoError(t, err)
	c1 := f.addCommand(t, s, "c1", 1, now)
	c2 := f.addCommand(t, s, "c2", 2, now)

	add := func(cmd domain.ResourceKey, code domain.StatusCode, at time.Time) domain.ResourceKey {
		k, err := f.db.Statuses.Add(f.ctx, domain.CommandStatus{CommandKey: cmd, Code: code, ReportTime: at})
		require.NoError(t, err)
		return k
	}
	add(c1, domain.StatusAccepted, now.Add(2*time.Second))
	add(c1, domain.StatusPending, now.Add(time.Second))
	tieA := add(c2, domain.StatusExecuting, now.Add(time.Second))
	tieB := add(c2, domain.StatusFailed, now.Add(time.Second))

	cur, err := f.db.Statuses.Current(f.ctx, c1)
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, domain.StatusAccepted, cur.Status.Code)

	cur, err = f.db.Statuses.Current(f.ctx, c2)
	require.NoError(t, err)
	assert.Equal(t, tieB, cur.Key, "ties resolve to the later insertion")

	history, err := f.db.Statuses.Select(f.ctx, datastore.CommandStatusFilter{CommandKeys: []domain.ResourceKey{c1}})
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, domain.StatusPending, history[0].Status.Code)

	latest, err := f.db.Statuses.Select(f.ctx, datastore.CommandStatusFilter{StreamKeys: []domain.ResourceKey{s}, Latest: true})
	require.NoError(t, err)
	require.Len(t, latest, 2)
	codes := []domain.StatusCode{latest[0].Status.Code, latest[1].Status.Code}
	assert.ElementsMatch(t, []domain.StatusCode{domain.StatusAccepted, domain.StatusFailed}, codes)

	failed, err := f.db.Statuses.Select(f.ctx, datastore.CommandStatusFilter{Codes: []domain.StatusCode{domain.StatusExecuting}})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, tieA, failed[0].Key)

	none, err := f.db.Statuses.Current(f.ctx, domain.NewKey(domain.ScopeCommand, 404))
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestStatusValidation(t *testing.T) {
	f := newFixture(t)
	info := powerStream(f.sys, now.Add(-time.Hour))
	info.ResultStructure = &domain.RecordStructure{Name: "power", Fields: []domain.Field{{Name: "watts", Type: domain.FieldQuantity}}}
	s, err := f.db.Streams.Add(f.ctx, info)
	require.NoError(t, err)
	c := f.addCommand(t, s, "", 1, now)

	_, err = f.db.Statuses.Add(f.ctx, domain.CommandStatus{CommandKey: domain.NewKey(domain.ScopeCommand, 42), Code: domain.StatusPending})
	assert.ErrorIs(t, err, datastore.ErrUnknownCommand)

	_, err = f.db.Statuses.Add(f.ctx, domain.CommandStatus{CommandKey: c, Code: domain.StatusCode(77)})
	assert.ErrorIs(t, err, datastore.ErrInvalidArgument)

	bad, err := domain.InlineResult(map[string]any{"volts": 3})
	require.NoError(t, err)
	_, err = f.db.Statuses.Add(f.ctx, domain.CommandStatus{CommandKey: c, Code: domain.StatusCompleted, Result: bad})
	var ve *datastore.ValidationError
	require.ErrorAs(t, err, &ve)

	good, err := domain.InlineResult(map[string]any{"watts": 1200.5})
	require.NoError(t, err)
	k, err := f.db.Statuses.Add(f.ctx, domain.CommandStatus{CommandKey: c, Code: domain.StatusCompleted, Result: good})
	require.NoError(t, err)
	st, err := f.db.Statuses.Get(f.ctx, k)
	require.NoError(t, err)
	require.NotNil(t, st.Result)
	assert.Equal(t, domain.ResultInline, st.Result.Kind())
	assert.True(t, st.ReportTime.Equal(now))
}

func TestReplaceInPlace(t *testing.T) {
	f := newFixture(t)
	info := powerStream(f.sys, now.Add(-time.Hour))
	k, err := f.db.Streams.Add(f.ctx, info)
	require.NoError(t, err)
	c := f.addCommand(t, k, "keep", 1, now)

	info.Description = "heater power"
	got, err := f.db.Streams.Put(f.ctx, k, info, true)
	require.NoError(t, err)
	assert.Equal(t, k, got)

	stored, err := f.db.Streams.Get(f.ctx, k)
	require.NoError(t, err)
	assert.Equal(t, "heater power", stored.Info.Description)
	cmd, err := f.db.Commands.Get(f.ctx, c)
	require.NoError(t, err)
	assert.NotNil(t, cmd, "in-place replacement keeps commands")

	info.ControlInputName = "other"
	_, err = f.db.Streams.Put(f.ctx, k, info, true)
	assert.ErrorIs(t, err, datastore.ErrInvalidArgument)

	_, err = f.db.Streams.Put(f.ctx, domain.NewKey(domain.ScopeCommandStream, 1), powerStream(f.sys, now), true)
	assert.ErrorIs(t, err, datastore.ErrUnknownStream)
}

func TestSelectStreams(t *testing.T) {
	f := newFixture(t)
	other, err := f.reg.Register("urn:test:fan", "fan", domain.TimeExtent{})
	require.NoError(t, err)

	a, err := f.db.Streams.Add(f.ctx, powerStream(f.sys, now.Add(-time.Hour)))
	require.NoError(t, err)
	speed := powerStream(f.sys, now.Add(-time.Hour))
	speed.ControlInputName = "setSpeed"
	b, err := f.db.Streams.Add(f.ctx, speed)
	require.NoError(t, err)
	c, err := f.db.Streams.Add(f.ctx, powerStream(other, now.Add(-time.Hour)))
	require.NoError(t, err)

	bySystem, err := f.db.Streams.Select(f.ctx, datastore.CommandStreamFilter{SystemUIDs: []string{"urn:test:fan"}})
	require.NoError(t, err)
	require.Len(t, bySystem, 1)
	assert.Equal(t, c, bySystem[0].Key)

	byKeys, err := f.db.Streams.Select(f.ctx, datastore.CommandStreamFilter{Keys: []domain.ResourceKey{b, a, b}})
	require.NoError(t, err)
	assert.Len(t, byKeys, 2)

	byName, err := f.db.Streams.Select(f.ctx, datastore.CommandStreamFilter{ControlInputNames: []string{"setSpeed"}})
	require.NoError(t, err)
	require.Len(t, byName, 1)
	assert.Equal(t, b, byName[0].Key)

	limited, err := f.db.Streams.Select(f.ctx, datastore.CommandStreamFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	custom, err := f.db.Streams.Select(f.ctx, datastore.CommandStreamFilter{
		SystemKeys: []domain.ResourceKey{f.sys.InternalID},
		Predicate: func(_ domain.ResourceKey, info domain.CommandStreamInfo) bool {
			return info.ControlInputName == "setPower"
		},
	})
	require.NoError(t, err)
	require.Len(t, custom, 1)
	assert.Equal(t, a, custom[0].Key)
}

func TestReopenRebuildsIndexes(t *testing.T) {
	f := newFixture(t)
	s, err := f.db.Streams.Add(f.ctx, powerStream(f.sys, now.Add(-time.Hour)))
	require.NoError(t, err)
	c := f.addCommand(t, s, "ref", 1, now)
	_, err = f.db.Statuses.Add(f.ctx, domain.CommandStatus{CommandKey: c, Code: domain.StatusAccepted})
	require.NoError(t, err)

	db, err := Open(f.ctx, f.backing, f.reg, WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	got, ok := db.Commands.FindByRef(s, "ref")
	require.True(t, ok)
	assert.Equal(t, c, got)

	next, err := db.Commands.Add(f.ctx, domain.Command{StreamKey: s, Params: map[string]any{"level": 4}})
	require.NoError(t, err)
	assert.Equal(t, c.ID+1, next.ID)

	bySys, err := db.Streams.Select(f.ctx, datastore.CommandStreamFilter{SystemKeys: []domain.ResourceKey{f.sys.InternalID}})
	require.NoError(t, err)
	assert.Len(t, bySys, 1)

	cur, err := db.Statuses.Current(f.ctx, c)
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, domain.StatusAccepted, cur.Status.Code)
}

func TestSQLiteBackedDatabaseSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	reg := system.NewRegistry()
	sys, err := reg.Register("urn:test:heater", "", domain.BeginAt(now.Add(-time.Hour)))
	require.NoError(t, err)

	open := func() (*sqlite.Store, *Database) {
		store, err := sqlite.NewStore(dir)
		require.NoError(t, err)
		b, err := SQLiteBacking(ctx, store)
		require.NoError(t, err)
		db, err := Open(ctx, b, reg, WithClock(func() time.Time { return now }))
		require.NoError(t, err)
		return store, db
	}

	store, db := open()
	s, err := db.Streams.Add(ctx, powerStream(sys, now.Add(-time.Hour)))
	require.NoError(t, err)
	c, err := db.Commands.Add(ctx, domain.Command{StreamKey: s, ID: "r1", Params: map[string]any{"level": 5}})
	require.NoError(t, err)
	_, err = db.Statuses.Add(ctx, domain.CommandStatus{CommandKey: c, Code: domain.StatusCompleted, ExecutionTime: domain.Period(now, now.Add(time.Second))})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, db = open()
	defer store.Close()

	stream, err := db.Streams.Get(ctx, s)
	require.NoError(t, err)
	require.NotNil(t, stream)
	assert.Equal(t, "level", stream.Info.RecordStructure.Fields[0].Name)

	cmd, err := db.Commands.Get(ctx, c)
	require.NoError(t, err)
	require.NotNil(t, cmd)
	assert.EqualValues(t, 5, cmd.Params["level"])

	hist, err := db.Statuses.Select(ctx, datastore.CommandStatusFilter{
		StreamKeys:    []domain.ResourceKey{s},
		ExecutionTime: datastore.TimeRange{Begin: now},
	})
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, domain.StatusCompleted, hist[0].Status.Code)
}

func TestConcurrentCommandsGetDistinctKeys(t *testing.T) {
	f := newFixture(t)
	s, err := f.db.Streams.Add(f.ctx, powerStream(f.sys, now.Add(-time.Hour)))
	require.NoError(t, err)

	const workers, each = 8, 25
	var wg sync.WaitGroup
	errs := make(chan error, workers*each)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				if _, err := f.db.Commands.Add(f.ctx, domain.Command{StreamKey: s, Params: map[string]any{"level": i % 10}}); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	require.NoError(t, errors.Join(collect(errs)...))

	all, err := f.db.Commands.Select(f.ctx, datastore.CommandFilter{StreamKeys: []domain.ResourceKey{s}})
	require.NoError(t, err)
	require.Len(t, all, workers*each)
	seen := make(map[domain.ResourceKey]bool)
	for _, e := range all {
		assert.False(t, seen[e.Key])
		seen[e.Key] = true
	}
}

func collect(ch <-chan error) []error {
	var out []error
	for err := range ch {
		out = append(out, err)
	}
	return out
}
