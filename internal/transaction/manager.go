// Package transaction is the write path into the command stores. Every
// operation stores first and then publishes the matching event; the two
// effects are sequential and not atomic.
package transaction

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"sensorhub/internal/command"
	"sensorhub/internal/datastore"
	"sensorhub/internal/domain"
	"sensorhub/internal/event"
	"sensorhub/internal/hashroute"
	"sensorhub/internal/metrics"
	"sensorhub/internal/schema"
)

type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithMetrics(c *metrics.Collectors) Option {
	return func(m *Manager) { m.metrics = c }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

type Manager struct {
	db      *command.Database
	dir     datastore.SystemDirectory
	bus     *event.Bus
	metrics *metrics.Collectors
	logger  *slog.Logger
	now     func() time.Time
}

func NewManager(db *command.Database, dir datastore.SystemDirectory, bus *event.Bus, opts ...Option) *Manager {
	m := &Manager{
		db:     db,
		dir:    dir,
		bus:    bus,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "transactions")
	return m
}

// Database exposes the stores for reads.
func (m *Manager) Database() *command.Database { return m.db }

func (m *Manager) Bus() *event.Bus { return m.bus }

// System returns nil when uid is not registered.
func (m *Manager) System(uid string) *SystemHandler {
	key, ok := m.dir.ResolveInternalID(uid)
	if !ok {
		return nil
	}
	registered, _ := m.dir.UID(key)
	return &SystemHandler{m: m, id: domain.FeatureID{UID: registered, InternalID: key}}
}

// CommandStreamHandler returns nil when key does not name a live stream.
func (m *Manager) CommandStreamHandler(ctx context.Context, key domain.ResourceKey) (*CommandStreamHandler, error) {
	cs, err := m.db.Streams.Get(ctx, key)
	if err != nil || cs == nil {
		return nil, err
	}
	return &CommandStreamHandler{m: m, key: cs.Key, info: cs.Info}, nil
}

// FindCommandStream resolves the live stream of a control input. It returns
// nil when the system or the control input is unknown.
func (m *Manager) FindCommandStream(ctx context.Context, systemUID, controlInput string) (*CommandStreamHandler, error) {
	sys := m.System(systemUID)
	if sys == nil {
		return nil, nil
	}
	cs, err := sys.find(ctx, controlInput)
	if err != nil || cs == nil {
		return nil, err
	}
	return &CommandStreamHandler{m: m, key: cs.Key, info: cs.Info}, nil
}

func (m *Manager) observe(op string, started time.Time, err error) {
	m.metrics.ObserveOperation(op, started, err)
	if err != nil && !datastore.IsValidation(err) && !datastore.IsConflict(err) {
		m.logger.Error("store operation failed", "op", op, "err", err)
	}
}

func (m *Manager) publishStream(change event.StreamChange, key domain.ResourceKey, info domain.CommandStreamInfo) {
	m.bus.Publish(event.CommandStreamEvent{
		At:               m.now(),
		Change:           change,
		StreamKey:        key,
		SystemUID:        info.System.UID,
		ControlInputName: info.ControlInputName,
	})
}

func (m *Manager) closeStreamTopics(key domain.ResourceKey) {
	m.bus.CloseTopic(event.CommandDataTopic(key))
	m.bus.CloseTopic(event.CommandStatusTopic(key))
}

// SystemHandler writes command streams of one system.
type SystemHandler struct {
	m  *Manager
	id domain.FeatureID
}

func (h *SystemHandler) ID() domain.FeatureID { return h.id }

// CommandStreams lists the live command streams of the system.
func (h *SystemHandler) CommandStreams(ctx context.Context) ([]command.CommandStream, error) {
	return h.m.db.Streams.Select(ctx, datastore.CommandStreamFilter{SystemKeys: []domain.ResourceKey{h.id.InternalID}})
}

func (h *SystemHandler) find(ctx context.Context, controlInput string) (*command.CommandStream, error) {
	want := hashroute.CanonicalizeName(controlInput)
	found, err := h.m.db.Streams.Select(ctx, datastore.CommandStreamFilter{
		SystemKeys: []domain.ResourceKey{h.id.InternalID},
		Predicate: func(_ domain.ResourceKey, info domain.CommandStreamInfo) bool {
			return hashroute.CanonicalizeName(info.ControlInputName) == want
		},
		Limit: 1,
	})
	if err != nil || len(found) == 0 {
		return nil, err
	}
	return &found[0], nil
}

// AddOrUpdateCommandStream returns the handler of the live stream named
// name when its record structure and encoding are unchanged; otherwise it
// adds a new version valid from now, superseding the live one.
func (h *SystemHandler) AddOrUpdateCommandStream(ctx context.Context, name string, rs domain.RecordStructure, enc domain.Encoding) (*CommandStreamHandler, error) {
	if enc.Format == "" {
		enc.Format = domain.EncodingJSON
	}
	current, err := h.find(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("look up command stream %q: %w", name, err)
	}
	info := domain.CommandStreamInfo{
		System:           h.id,
		ControlInputName: name,
		RecordStructure:  rs,
		RecordEncoding:   enc,
	}
	if current != nil {
		if sameSchema(current.Info.RecordStructure, current.Info.RecordEncoding, rs, enc) {
			return &CommandStreamHandler{m: h.m, key: current.Key, info: current.Info}, nil
		}
		info.Name = current.Info.Name
		info.Description = current.Info.Description
		info.ResultStructure = current.Info.ResultStructure
		info.ResultEncoding = current.Info.ResultEncoding
		info.ValidTime = domain.BeginAt(h.m.now())
	}
	return h.AddCommandStream(ctx, info)
}

// AddCommandStream adds a command stream version described in full.
func (h *SystemHandler) AddCommandStream(ctx context.Context, info domain.CommandStreamInfo) (_ *CommandStreamHandler, err error) {
	defer func(start time.Time) { h.m.observe("add_command_stream", start, err) }(time.Now())

	info.System = h.id
	res, err := h.m.db.Streams.AddVersion(ctx, info)
	if err != nil {
		return nil, fmt.Errorf("add command stream %q to system %s: %w", info.ControlInputName, h.id.UID, err)
	}
	cs, err := h.m.db.Streams.Get(ctx, res.Key)
	if err != nil {
		return nil, err
	}
	if cs == nil {
		return nil, fmt.Errorf("command stream %s vanished after add: %w", res.Key, datastore.ErrUnknownStream)
	}
	if !res.Superseded.IsZero() {
		h.m.publishStream(event.StreamRemoved, res.Superseded, cs.Info)
		h.m.closeStreamTopics(res.Superseded)
	}
	if res.Created {
		h.m.publishStream(event.StreamAdded, res.Key, cs.Info)
		h.m.logger.Info("command stream added",
			"system_uid", h.id.UID, "control_input", cs.Info.ControlInputName, "stream_key", res.Key.String())
	}
	return &CommandStreamHandler{m: h.m, key: cs.Key, info: cs.Info}, nil
}

// sameSchema treats an unnamed structure as carrying the current name,
// which the store derives from the control input.
func sameSchema(rs domain.RecordStructure, enc domain.Encoding, nextRS domain.RecordStructure, nextEnc domain.Encoding) bool {
	if nextRS.Name == "" {
		nextRS.Name = rs.Name
	}
	return schema.Equal(rs, nextRS) && enc.Format == nextEnc.Format && maps.Equal(enc.Options, nextEnc.Options)
}
