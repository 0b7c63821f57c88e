package transaction

import (
	"context"
	"fmt"
	"time"

	"sensorhub/internal/command"
	"sensorhub/internal/datastore"
	"sensorhub/internal/domain"
	"sensorhub/internal/event"
	"sensorhub/internal/schema"
)

// CommandStreamHandler writes to one command stream version.
type CommandStreamHandler struct {
	m    *Manager
	key  domain.ResourceKey
	info domain.CommandStreamInfo
}

func (h *CommandStreamHandler) Key() domain.ResourceKey { return h.key }

// Info is the stream as of the last write made through this handler.
func (h *CommandStreamHandler) Info() domain.CommandStreamInfo { return h.info }

func (h *CommandStreamHandler) DataTopic() event.Topic   { return event.CommandDataTopic(h.key) }
func (h *CommandStreamHandler) StatusTopic() event.Topic { return event.CommandStatusTopic(h.key) }

// Update replaces the record structure in place. An identical structure is
// a no-op; a structure that would invalidate existing commands fails with
// datastore.ErrIncompatibleSchema.
func (h *CommandStreamHandler) Update(ctx context.Context, rs domain.RecordStructure, enc domain.Encoding) (err error) {
	defer func(start time.Time) { h.m.observe("update_command_stream", start, err) }(time.Now())

	cs, err := h.m.db.Streams.Get(ctx, h.key)
	if err != nil {
		return err
	}
	if cs == nil {
		return fmt.Errorf("update command stream %s: %w", h.key, datastore.ErrUnknownStream)
	}
	if enc.Format == "" {
		enc = cs.Info.RecordEncoding
	}
	if sameSchema(cs.Info.RecordStructure, cs.Info.RecordEncoding, rs, enc) {
		h.info = cs.Info
		return nil
	}
	if !schema.Compatible(cs.Info.RecordStructure, rs) {
		return fmt.Errorf("update command stream %s: %w", h.key, datastore.ErrIncompatibleSchema)
	}

	info := cs.Info
	if rs.Name == "" {
		rs.Name = info.RecordStructure.Name
	}
	info.RecordStructure, info.RecordEncoding = rs, enc
	if _, err := h.m.db.Streams.Put(ctx, h.key, info, true); err != nil {
		return fmt.Errorf("update command stream %s: %w", h.key, err)
	}
	h.info = info
	h.m.publishStream(event.StreamChanged, h.key, info)
	return nil
}

// Delete removes the stream with its commands and statuses and closes its
// topics. It reports false when the stream was already gone.
func (h *CommandStreamHandler) Delete(ctx context.Context) (ok bool, err error) {
	defer func(start time.Time) { h.m.observe("delete_command_stream", start, err) }(time.Now())

	ok, err = h.m.db.Streams.Remove(ctx, h.key)
	if err != nil {
		return false, fmt.Errorf("delete command stream %s: %w", h.key, err)
	}
	if !ok {
		return false, nil
	}
	h.m.publishStream(event.StreamRemoved, h.key, h.info)
	h.m.closeStreamTopics(h.key)
	h.m.logger.Info("command stream deleted", "stream_key", h.key.String(), "system_uid", h.info.System.UID)
	return true, nil
}

// SubmitCommand stores cmd on this stream and publishes it on the data
// topic.
func (h *CommandStreamHandler) SubmitCommand(ctx context.Context, cmd domain.Command) (key domain.ResourceKey, err error) {
	defer func(start time.Time) { h.m.observe("submit_command", start, err) }(time.Now())

	cmd.StreamKey = h.key
	if cmd.IssueTime.IsZero() {
		cmd.IssueTime = h.m.now()
	}
	key, err = h.m.db.Commands.Add(ctx, cmd)
	if err != nil {
		return domain.ResourceKey{}, fmt.Errorf("submit command to stream %s: %w", h.key, err)
	}
	stored, err := h.m.db.Commands.Get(ctx, key)
	if err != nil {
		return key, err
	}
	if stored != nil {
		cmd = *stored
	}
	h.m.bus.Publish(event.CommandEvent{At: h.m.now(), CommandKey: key, Command: cmd})
	h.m.logger.Debug("command submitted", "stream_key", h.key.String(), "command_id", cmd.ID, "command_key", key.String())
	return key, nil
}

// SendStatus appends a status report to the command whose reference id is
// ref and publishes it on the status topic. It reports false, with no
// error, when no such command exists on this stream.
func (h *CommandStreamHandler) SendStatus(ctx context.Context, ref string, st domain.CommandStatus) (key domain.ResourceKey, ok bool, err error) {
	defer func(start time.Time) {
		if ok || err != nil {
			h.m.observe("send_status", start, err)
		}
	}(time.Now())

	cmdKey, found := h.m.db.Commands.FindByRef(h.key, ref)
	if !found {
		return domain.ResourceKey{}, false, nil
	}
	st.CommandKey = cmdKey
	st.StreamKey = h.key
	if st.ReportTime.IsZero() {
		st.ReportTime = h.m.now()
	}
	key, err = h.m.db.Statuses.Add(ctx, st)
	if err != nil {
		return domain.ResourceKey{}, false, fmt.Errorf("status for command %q: %w", ref, err)
	}
	h.m.bus.Publish(event.CommandStatusEvent{At: h.m.now(), StatusKey: key, CommandID: ref, Status: st})
	return key, true, nil
}

// Commands lists the commands of this stream in key order.
func (h *CommandStreamHandler) Commands(ctx context.Context, f datastore.CommandFilter) ([]command.CommandEntry, error) {
	f.StreamKeys = []domain.ResourceKey{h.key}
	return h.m.db.Commands.Select(ctx, f)
}

// StatusHistory lists the status reports of the command whose reference id
// is ref, oldest first. It returns nil when no such command exists.
func (h *CommandStreamHandler) StatusHistory(ctx context.Context, ref string, limit int) ([]command.StatusEntry, error) {
	cmdKey, found := h.m.db.Commands.FindByRef(h.key, ref)
	if !found {
		return nil, nil
	}
	return h.m.db.Statuses.Select(ctx, datastore.CommandStatusFilter{CommandKeys: []domain.ResourceKey{cmdKey}, Limit: limit})
}
