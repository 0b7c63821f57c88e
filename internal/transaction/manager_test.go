package transaction

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensorhub/internal/command"
	"sensorhub/internal/datastore"
	"sensorhub/internal/domain"
	"sensorhub/internal/event"
	"sensorhub/internal/hashroute"
	"sensorhub/internal/metrics"
	"sensorhub/internal/system"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type env struct {
	ctx   context.Context
	clock *clock
	reg   *system.Registry
	db    *command.Database
	bus   *event.Bus
	mgr   *Manager
	t0    time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	t0 := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	c := &clock{t: t0.Add(time.Hour)}
	ctx := context.Background()
	reg := system.NewRegistry()
	db, err := command.Open(ctx, command.InMemory(), reg, command.WithClock(c.Now))
	require.NoError(t, err)
	bus := event.NewBus()
	t.Cleanup(bus.Close)
	mgr := NewManager(db, reg, bus, WithClock(c.Now), WithMetrics(metrics.New()))
	return &env{ctx: ctx, clock: c, reg: reg, db: db, bus: bus, mgr: mgr, t0: t0}
}

func (e *env) register(t *testing.T, uid string) *SystemHandler {
	t.Helper()
	_, err := e.reg.Register(uid, "", domain.BeginAt(e.t0))
	require.NoError(t, err)
	h := e.mgr.System(uid)
	require.NotNil(t, h)
	return h
}

func levelRecord() domain.RecordStructure {
	return domain.RecordStructure{Fields: []domain.Field{{Name: "level", Type: domain.FieldCount}}}
}

func TestCommandLifecycleEndToEnd(t *testing.T) {
	e := newEnv(t)
	sys := e.register(t, "urn:test:S")

	cs1, err := sys.AddCommandStream(e.ctx, domain.CommandStreamInfo{
		ControlInputName: "setPower",
		RecordStructure:  levelRecord(),
		ValidTime:        domain.BeginAt(e.t0),
	})
	require.NoError(t, err)

	t1 := e.t0.Add(30 * time.Minute)
	_, err = cs1.SubmitCommand(e.ctx, domain.Command{ID: "C1", IssueTime: t1, Params: map[string]any{"level": 5}})
	require.NoError(t, err)

	h, err := e.mgr.CommandStreamHandler(e.ctx, cs1.Key())
	require.NoError(t, err)
	require.NotNil(t, h)

	stored, err := e.db.Streams.Get(e.ctx, cs1.Key())
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "level", stored.Info.RecordStructure.Fields[0].Name)
	assert.Equal(t, domain.FieldCount, stored.Info.RecordStructure.Fields[0].Type)

	_, ok, err := h.SendStatus(e.ctx, "C1", domain.CommandStatus{Code: domain.StatusExecuting, ReportTime: t1.Add(time.Second)})
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = h.SendStatus(e.ctx, "C1", domain.CommandStatus{Code: domain.StatusCompleted, ReportTime: t1.Add(2 * time.Second)})
	require.NoError(t, err)
	require.True(t, ok)

	history, err := h.StatusHistory(e.ctx, "C1", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, domain.StatusExecuting, history[0].Status.Code)
	assert.Equal(t, domain.StatusCompleted, history[1].Status.Code)

	cmdKey, found := e.db.Commands.FindByRef(cs1.Key(), "C1")
	require.True(t, found)
	cur, err := e.db.Statuses.Current(e.ctx, cmdKey)
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, domain.StatusCompleted, cur.Status.Code)
}

func TestSupersessionEndToEnd(t *testing.T) {
	e := newEnv(t)
	sys := e.register(t, "urn:test:S")

	cs1, err := sys.AddCommandStream(e.ctx, domain.CommandStreamInfo{
		ControlInputName: "setPower",
		RecordStructure:  levelRecord(),
		ValidTime:        domain.BeginAt(e.t0),
	})
	require.NoError(t, err)
	_, err = cs1.SubmitCommand(e.ctx, domain.Command{ID: "old", Params: map[string]any{"level": 1}})
	require.NoError(t, err)

	t10 := e.t0.Add(10 * time.Second)
	cs2, err := sys.AddCommandStream(e.ctx, domain.CommandStreamInfo{
		ControlInputName: "setPower",
		RecordStructure:  domain.RecordStructure{Fields: []domain.Field{{Name: "watts", Type: domain.FieldQuantity}}},
		ValidTime:        domain.BeginAt(t10),
	})
	require.NoError(t, err)
	require.NotEqual(t, cs1.Key(), cs2.Key())

	gone, err := e.db.Streams.Get(e.ctx, cs1.Key())
	require.NoError(t, err)
	assert.Nil(t, gone)
	old, err := e.db.Commands.Select(e.ctx, datastore.CommandFilter{StreamKeys: []domain.ResourceKey{cs1.Key()}})
	require.NoError(t, err)
	assert.Empty(t, old)

	key := hashroute.StreamKey(sys.ID().InternalID, "setPower", domain.BeginAt(t10))
	got, err := e.db.Streams.Get(e.ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "watts", got.Info.RecordStructure.Fields[0].Name)

	h, err := e.mgr.CommandStreamHandler(e.ctx, cs1.Key())
	require.NoError(t, err)
	assert.Nil(t, h)
}

func TestStatusEventsFollowSendStatus(t *testing.T) {
	e := newEnv(t)
	sys := e.register(t, "urn:test:S")
	h, err := sys.AddOrUpdateCommandStream(e.ctx, "setPower", levelRecord(), domain.Encoding{})
	require.NoError(t, err)
	_, err = h.SubmitCommand(e.ctx, domain.Command{ID: "c", Params: map[string]any{"level": 2}})
	require.NoError(t, err)

	const n, k = 10, 4
	got := make(chan event.CommandStatusEvent, 2*n)
	all := make(chan event.CommandStatusEvent, 2*n)
	_, err = event.NewSubscription[event.CommandStatusEvent](e.bus).WithTopics(h.StatusTopic()).Consume(func(ev event.CommandStatusEvent) {
		all <- ev
	})
	require.NoError(t, err)
	var handle event.Subscription
	_, err = event.NewSubscription[event.CommandStatusEvent](e.bus).WithTopics(h.StatusTopic()).Subscribe(event.Funcs[event.CommandStatusEvent]{
		Subscribe: func(s event.Subscription) { handle = s },
		Next: func(ev event.CommandStatusEvent) {
			got <- ev
			if len(got) == k {
				handle.Cancel()
			}
		},
	})
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		e.clock.Advance(time.Second)
		_, ok, err := h.SendStatus(e.ctx, "c", domain.CommandStatus{Code: domain.StatusExecuting, Progress: i * 10})
		require.NoError(t, err)
		require.True(t, ok)
	}

	for i := 0; i < n; i++ {
		select {
		case ev := <-all:
			assert.Equal(t, i*10, ev.Status.Progress)
			assert.Equal(t, "c", ev.CommandID)
			assert.Equal(t, h.Key(), ev.Status.StreamKey)
		case <-time.After(2 * time.Second):
			t.Fatalf("missing status event %d", i)
		}
	}
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, got, k)
}

func TestAddOrUpdateCommandStream(t *testing.T) {
	e := newEnv(t)
	sys := e.register(t, "urn:test:S")

	events := make(chan event.CommandStreamEvent, 16)
	_, err := event.NewSubscription[event.CommandStreamEvent](e.bus).WithTopics(event.SystemTopic("urn:test:S")).Consume(func(ev event.CommandStreamEvent) {
		events <- ev
	})
	require.NoError(t, err)

	h1, err := sys.AddOrUpdateCommandStream(e.ctx, "setPower", levelRecord(), domain.Encoding{})
	require.NoError(t, err)
	assert.True(t, h1.Info().ValidTime.Begin.Equal(e.t0), "first version inherits the system valid time")

	same, err := sys.AddOrUpdateCommandStream(e.ctx, "SetPower", levelRecord(), domain.Encoding{Format: domain.EncodingJSON})
	require.NoError(t, err)
	assert.Equal(t, h1.Key(), same.Key())

	changed := levelRecord()
	changed.Fields = append(changed.Fields, domain.Field{Name: "ramp", Type: domain.FieldQuantity})
	h2, err := sys.AddOrUpdateCommandStream(e.ctx, "setPower", changed, domain.Encoding{})
	require.NoError(t, err)
	assert.NotEqual(t, h1.Key(), h2.Key())
	assert.True(t, h2.Info().ValidTime.Begin.Equal(e.clock.Now()))

	streams, err := sys.CommandStreams(e.ctx)
	require.NoError(t, err)
	require.Len(t, streams, 1)
	assert.Equal(t, h2.Key(), streams[0].Key)

	want := []event.StreamChange{event.StreamAdded, event.StreamRemoved, event.StreamAdded}
	for _, w := range want {
		select {
		case ev := <-events:
			assert.Equal(t, w, ev.Change)
		case <-time.After(2 * time.Second):
			t.Fatalf("missing %s event", w)
		}
	}
}

func TestUpdateCompatibility(t *testing.T) {
	e := newEnv(t)
	sys := e.register(t, "urn:test:S")
	h, err := sys.AddOrUpdateCommandStream(e.ctx, "setPower", levelRecord(), domain.Encoding{})
	require.NoError(t, err)
	_, err = h.SubmitCommand(e.ctx, domain.Command{ID: "keep", Params: map[string]any{"level": 1}})
	require.NoError(t, err)

	require.NoError(t, h.Update(e.ctx, levelRecord(), domain.Encoding{}))

	compatible := levelRecord()
	compatible.Fields = append(compatible.Fields, domain.Field{Name: "ramp", Type: domain.FieldQuantity, Optional: true})
	require.NoError(t, h.Update(e.ctx, compatible, domain.Encoding{}))
	stored, err := e.db.Streams.Get(e.ctx, h.Key())
	require.NoError(t, err)
	require.Len(t, stored.Info.RecordStructure.Fields, 2)
	assert.Equal(t, "setPower", stored.Info.RecordStructure.Name)
	cmds, err := h.Commands(e.ctx, datastore.CommandFilter{})
	require.NoError(t, err)
	assert.Len(t, cmds, 1)

	incompatible := domain.RecordStructure{Fields: []domain.Field{{Name: "level", Type: domain.FieldText}}}
	err = h.Update(e.ctx, incompatible, domain.Encoding{})
	require.ErrorIs(t, err, datastore.ErrIncompatibleSchema)
	assert.True(t, datastore.IsValidation(err))
}

func TestDeleteCascadesAndClosesTopics(t *testing.T) {
	e := newEnv(t)
	sys := e.register(t, "urn:test:S")
	h, err := sys.AddOrUpdateCommandStream(e.ctx, "setPower", levelRecord(), domain.Encoding{})
	require.NoError(t, err)
	_, err = h.SubmitCommand(e.ctx, domain.Command{ID: "x", Params: map[string]any{"level": 1}})
	require.NoError(t, err)
	_, _, err = h.SendStatus(e.ctx, "x", domain.CommandStatus{Code: domain.StatusAccepted})
	require.NoError(t, err)

	completed := make(chan struct{})
	_, err = event.NewSubscription[event.CommandStatusEvent](e.bus).WithTopics(h.StatusTopic()).Subscribe(event.Funcs[event.CommandStatusEvent]{
		Complete: func() { close(completed) },
	})
	require.NoError(t, err)

	ok, err := h.Delete(e.ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = h.Delete(e.ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	select {
	case <-completed:
	case <-time.After(2 * time.Second):
		t.Fatal("status subscription was not completed")
	}
	for _, n := range []func(context.Context) (int, error){e.db.Commands.Len, e.db.Statuses.Len} {
		size, err := n(e.ctx)
		require.NoError(t, err)
		assert.Zero(t, size)
	}
}

func TestNotFoundIsNotAnError(t *testing.T) {
	e := newEnv(t)
	assert.Nil(t, e.mgr.System("urn:test:missing"))

	h, err := e.mgr.CommandStreamHandler(e.ctx, domain.NewKey(domain.ScopeCommandStream, 5))
	require.NoError(t, err)
	assert.Nil(t, h)

	found, err := e.mgr.FindCommandStream(e.ctx, "urn:test:missing", "setPower")
	require.NoError(t, err)
	assert.Nil(t, found)

	sys := e.register(t, "urn:test:S")
	cs, err := sys.AddOrUpdateCommandStream(e.ctx, "setPower", levelRecord(), domain.Encoding{})
	require.NoError(t, err)

	_, ok, err := cs.SendStatus(e.ctx, "never-sent", domain.CommandStatus{Code: domain.StatusPending})
	require.NoError(t, err)
	assert.False(t, ok)

	history, err := cs.StatusHistory(e.ctx, "never-sent", 0)
	require.NoError(t, err)
	assert.Nil(t, history)

	byName, err := e.mgr.FindCommandStream(e.ctx, "URN:TEST:S", "SETPOWER")
	require.NoError(t, err)
	require.NotNil(t, byName)
	assert.Equal(t, cs.Key(), byName.Key())
}

func TestSubmitCommandPublishesAndValidates(t *testing.T) {
	e := newEnv(t)
	sys := e.register(t, "urn:test:S")
	h, err := sys.AddOrUpdateCommandStream(e.ctx, "setPower", levelRecord(), domain.Encoding{})
	require.NoError(t, err)

	got := make(chan event.CommandEvent, 4)
	_, err = event.NewSubscription[event.CommandEvent](e.bus).WithTopics(event.GroupTopic(event.GroupCommandData)).Consume(func(ev event.CommandEvent) {
		got <- ev
	})
	require.NoError(t, err)

	_, err = h.SubmitCommand(e.ctx, domain.Command{Params: map[string]any{"level": "high"}})
	var ve *datastore.ValidationError
	require.ErrorAs(t, err, &ve)

	key, err := h.SubmitCommand(e.ctx, domain.Command{SenderID: "operator", Params: map[string]any{"level": 3}})
	require.NoError(t, err)
	select {
	case ev := <-got:
		assert.Equal(t, key, ev.CommandKey)
		assert.Equal(t, "operator", ev.Command.SenderID)
		assert.NotEmpty(t, ev.Command.ID)
		assert.True(t, ev.Command.IssueTime.Equal(e.clock.Now()))
	case <-time.After(2 * time.Second):
		t.Fatal("command event not delivered")
	}

	_, err = h.SubmitCommand(e.ctx, domain.Command{ID: "dup", Params: map[string]any{"level": 3}})
	require.NoError(t, err)
	_, err = h.SubmitCommand(e.ctx, domain.Command{ID: "dup", Params: map[string]any{"level": 3}})
	assert.ErrorIs(t, err, datastore.ErrAlreadyExists)
}
