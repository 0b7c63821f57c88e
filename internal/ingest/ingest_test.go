package ingest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensorhub/internal/command"
	"sensorhub/internal/datastore"
	"sensorhub/internal/domain"
	"sensorhub/internal/event"
	"sensorhub/internal/metrics"
	"sensorhub/internal/system"
	"sensorhub/internal/transaction"
)

var t0 = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

func newApplier(t *testing.T) (*Applier, *transaction.Manager, *metrics.Collectors) {
	t.Helper()
	ctx := context.Background()
	now := func() time.Time { return t0.Add(time.Hour) }
	reg := system.NewRegistry()
	_, err := reg.Register("urn:test:valve", "valve", domain.BeginAt(t0))
	require.NoError(t, err)
	db, err := command.Open(ctx, command.InMemory(), reg, command.WithClock(now))
	require.NoError(t, err)
	bus := event.NewBus()
	t.Cleanup(bus.Close)
	mgr := transaction.NewManager(db, reg, bus, transaction.WithClock(now))
	_, err = mgr.System("urn:test:valve").AddCommandStream(ctx, domain.CommandStreamInfo{
		ControlInputName: "setOpening",
		RecordStructure:  domain.RecordStructure{Fields: []domain.Field{{Name: "percent", Type: domain.FieldCount}}},
		ResultStructure:  &domain.RecordStructure{Name: "outcome", Fields: []domain.Field{{Name: "reached", Type: domain.FieldBoolean}}},
		ValidTime:        domain.BeginAt(t0),
	})
	require.NoError(t, err)
	m := metrics.New()
	return NewApplier(mgr, WithMetrics(m)), mgr, m
}

func TestSubmitCommandResolvesStreamByName(t *testing.T) {
	a, mgr, m := newApplier(t)
	ctx := context.Background()

	r, err := a.SubmitCommand(ctx, CommandEnvelope{
		SystemUID:    "URN:test:valve",
		ControlInput: "SetOpening",
		CommandID:    "c-1",
		Params:       map[string]any{"percent": 40},
		Source:       "kafka",
	})
	require.NoError(t, err)
	assert.False(t, r.Duplicate)

	stored, err := mgr.Database().Commands.Get(ctx, r.Key)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "c-1", stored.ID)
	assert.Equal(t, r.StreamKey, stored.StreamKey)
	n, err := testutil.GatherAndCount(m.Registry(), "sensorhub_ingest_messages_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDuplicateCommandReturnsEarlierKey(t *testing.T) {
	a, _, _ := newApplier(t)
	ctx := context.Background()
	env := CommandEnvelope{SystemUID: "urn:test:valve", ControlInput: "setOpening", CommandID: "c-1", Params: map[string]any{"percent": 40}}

	first, err := a.SubmitCommand(ctx, env)
	require.NoError(t, err)
	second, err := a.SubmitCommand(ctx, env)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Key, second.Key)
}

func TestSubmitCommandRejections(t *testing.T) {
	a, _, _ := newApplier(t)
	ctx := context.Background()

	_, err := a.SubmitCommand(ctx, CommandEnvelope{ControlInput: "setOpening"})
	var verr *datastore.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "system_uid", verr.Violations[0].Path)

	_, err = a.SubmitCommand(ctx, CommandEnvelope{SystemUID: "urn:test:valve", ControlInput: "nope"})
	assert.ErrorIs(t, err, datastore.ErrUnknownStream)

	_, err = a.SubmitCommand(ctx, CommandEnvelope{SystemUID: "urn:test:valve", ControlInput: "setOpening", Params: map[string]any{"percent": "wide"}})
	assert.True(t, datastore.IsValidation(err), "got %v", err)
}

func TestSendStatusWithInlineResult(t *testing.T) {
	a, mgr, _ := newApplier(t)
	ctx := context.Background()
	_, err := a.SubmitCommand(ctx, CommandEnvelope{SystemUID: "urn:test:valve", ControlInput: "setOpening", CommandID: "c-9", Params: map[string]any{"percent": 10}})
	require.NoError(t, err)

	r, err := a.SendStatus(ctx, StatusEnvelope{
		SystemUID:      "urn:test:valve",
		ControlInput:   "setOpening",
		CommandID:      "c-9",
		Code:           domain.StatusCompleted,
		ExecutionBegin: t0.Add(time.Minute),
		ExecutionEnd:   t0.Add(2 * time.Minute),
		Results:        []map[string]any{{"reached": true}},
	})
	require.NoError(t, err)

	st, err := mgr.Database().Statuses.Get(ctx, r.Key)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, domain.StatusCompleted, st.Code)
	require.NotNil(t, st.Result)
	assert.Equal(t, domain.ResultInline, st.Result.Kind())
	assert.Equal(t, t0.Add(2*time.Minute), st.ExecutionTime.End)
}

func TestSendStatusRejections(t *testing.T) {
	a, _, _ := newApplier(t)
	ctx := context.Background()

	_, err := a.SendStatus(ctx, StatusEnvelope{SystemUID: "urn:test:valve", ControlInput: "setOpening", CommandID: "missing", Code: domain.StatusAccepted})
	assert.ErrorIs(t, err, datastore.ErrUnknownCommand)

	_, err = a.SendStatus(ctx, StatusEnvelope{SystemUID: "urn:test:valve", ControlInput: "setOpening", CommandID: "c"})
	assert.ErrorIs(t, err, datastore.ErrInvalidArgument)

	_, err = a.SendStatus(ctx, StatusEnvelope{
		SystemUID: "urn:test:valve", ControlInput: "setOpening", CommandID: "c", Code: domain.StatusCompleted,
		Results: []map[string]any{{"reached": true}}, Links: []string{"http://x"},
	})
	assert.ErrorIs(t, err, datastore.ErrInvalidArgument)
}

func TestStatusEnvelopeDecodesCodeNames(t *testing.T) {
	var env StatusEnvelope
	require.NoError(t, json.Unmarshal([]byte(`{"system_uid":"s","control_input":"c","command_id":"1","code":"executing","progress":50}`), &env))
	assert.Equal(t, domain.StatusExecuting, env.Code)
	assert.NoError(t, env.Validate())
}
