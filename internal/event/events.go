package event

import (
	"time"

	"sensorhub/internal/domain"
)

// Event is anything published on the bus.
type Event interface {
	Topic() Topic
	Time() time.Time
}

type StreamChange string

const (
	StreamAdded   StreamChange = "added"
	StreamChanged StreamChange = "changed"
	StreamRemoved StreamChange = "removed"
)

// CommandStreamEvent reports a lifecycle change of a command stream on its
// system topic.
type CommandStreamEvent struct {
	At               time.Time          `json:"time"`
	Change           StreamChange       `json:"change"`
	StreamKey        domain.ResourceKey `json:"stream_key"`
	SystemUID        string             `json:"system_uid"`
	ControlInputName string             `json:"control_input_name"`
}

func (e CommandStreamEvent) Topic() Topic    { return SystemTopic(e.SystemUID) }
func (e CommandStreamEvent) Time() time.Time { return e.At }

type CommandEvent struct {
	At         time.Time          `json:"time"`
	CommandKey domain.ResourceKey `json:"command_key"`
	Command    domain.Command     `json:"command"`
}

func (e CommandEvent) Topic() Topic    { return CommandDataTopic(e.Command.StreamKey) }
func (e CommandEvent) Time() time.Time { return e.At }

type CommandStatusEvent struct {
	At        time.Time            `json:"time"`
	StatusKey domain.ResourceKey   `json:"status_key"`
	CommandID string               `json:"command_id"`
	Status    domain.CommandStatus `json:"status"`
}

func (e CommandStatusEvent) Topic() Topic    { return CommandStatusTopic(e.Status.StreamKey) }
func (e CommandStatusEvent) Time() time.Time { return e.At }
