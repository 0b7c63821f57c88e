package domain

import "time"

// FeatureID references a feature (e.g. a system) by its unique id and by
// the key the system directory assigned to it.
type FeatureID struct {
	UID        string      `json:"uid"`
	InternalID ResourceKey `json:"internal_id"`
}

type FieldType string

const (
	FieldBoolean  FieldType = "boolean"
	FieldCount    FieldType = "count"
	FieldQuantity FieldType = "quantity"
	FieldText     FieldType = "text"
	FieldCategory FieldType = "category"
	FieldTime     FieldType = "time"
	FieldRecord   FieldType = "record"
)

// Field is one component of a record structure.
type Field struct {
	Name          string    `json:"name"`
	Type          FieldType `json:"type"`
	Label         string    `json:"label,omitempty"`
	Description   string    `json:"description,omitempty"`
	Optional      bool      `json:"optional,omitempty"`
	UOM           string    `json:"uom,omitempty"`
	Min           *float64  `json:"min,omitempty"`
	Max           *float64  `json:"max,omitempty"`
	AllowedValues []string  `json:"allowed_values,omitempty"`
	Fields        []Field   `json:"fields,omitempty"`
}

// RecordStructure describes the shape of a command payload or result.
type RecordStructure struct {
	Name        string  `json:"name"`
	Label       string  `json:"label,omitempty"`
	Description string  `json:"description,omitempty"`
	Fields      []Field `json:"fields"`
}

func (r RecordStructure) Field(name string) (Field, bool) {
	for _, f := range r.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

const (
	EncodingJSON   = "json"
	EncodingText   = "text"
	EncodingBinary = "binary"
)

type Encoding struct {
	Format  string            `json:"format"`
	Options map[string]string `json:"options,omitempty"`
}

// CommandStreamInfo is one version of a control input of a system.
type CommandStreamInfo struct {
	Name                 string           `json:"name"`
	Description          string           `json:"description,omitempty"`
	System               FeatureID        `json:"system"`
	ControlInputName     string           `json:"control_input_name"`
	RecordStructure      RecordStructure  `json:"record_structure"`
	RecordEncoding       Encoding         `json:"record_encoding"`
	ResultStructure      *RecordStructure `json:"result_structure,omitempty"`
	ResultEncoding       *Encoding        `json:"result_encoding,omitempty"`
	FeasibilityStructure *RecordStructure `json:"feasibility_structure,omitempty"`
	FeasibilityEncoding  *Encoding        `json:"feasibility_encoding,omitempty"`
	ValidTime            TimeExtent       `json:"valid_time"`
}

// HasResult reports whether commands on this stream can carry a result.
func (c CommandStreamInfo) HasResult() bool { return c.ResultStructure != nil }

// Command is one invocation of a command stream.
type Command struct {
	StreamKey     ResourceKey    `json:"stream_key"`
	ID            string         `json:"id"`
	SenderID      string         `json:"sender_id,omitempty"`
	IssueTime     time.Time      `json:"issue_time"`
	ActuationTime time.Time      `json:"actuation_time,omitempty"`
	Params        map[string]any `json:"params"`
}

// EffectiveActuationTime is the scheduled execution time, or the issue time
// when the command is to be executed immediately.
func (c Command) EffectiveActuationTime() time.Time {
	if c.ActuationTime.IsZero() {
		return c.IssueTime
	}
	return c.ActuationTime
}

// CommandStatus is one progress or result report for a command.
type CommandStatus struct {
	CommandKey    ResourceKey    `json:"command_key"`
	StreamKey     ResourceKey    `json:"stream_key"`
	Code          StatusCode     `json:"code"`
	ReportTime    time.Time      `json:"report_time"`
	ExecutionTime TimeExtent     `json:"execution_time,omitempty"`
	Progress      int            `json:"progress,omitempty"`
	Message       string         `json:"message,omitempty"`
	Result        *CommandResult `json:"result,omitempty"`
}
