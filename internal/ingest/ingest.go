// Package ingest turns messages received by the transports into command
// and status writes.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"sensorhub/internal/datastore"
	"sensorhub/internal/domain"
	"sensorhub/internal/metrics"
	"sensorhub/internal/transaction"
)

// CommandEnvelope addresses a command to a control input by system uid and
// control input name.
type CommandEnvelope struct {
	SystemUID     string         `json:"system_uid"`
	ControlInput  string         `json:"control_input"`
	CommandID     string         `json:"command_id,omitempty"`
	SenderID      string         `json:"sender_id,omitempty"`
	IssueTime     time.Time      `json:"issue_time,omitempty"`
	ActuationTime time.Time      `json:"actuation_time,omitempty"`
	Params        map[string]any `json:"params"`

	Source    string `json:"source,omitempty"`
	SourceRef string `json:"source_ref,omitempty"`
}

func (e CommandEnvelope) Validate() error {
	var v []datastore.FieldError
	if strings.TrimSpace(e.SystemUID) == "" {
		v = append(v, datastore.FieldError{Path: "system_uid", Message: "is required"})
	}
	if strings.TrimSpace(e.ControlInput) == "" {
		v = append(v, datastore.FieldError{Path: "control_input", Message: "is required"})
	}
	if len(v) > 0 {
		return datastore.Invalid("command envelope", v...)
	}
	return nil
}

func (e CommandEnvelope) Command() domain.Command {
	return domain.Command{
		ID:            e.CommandID,
		SenderID:      e.SenderID,
		IssueTime:     e.IssueTime.UTC(),
		ActuationTime: utcOrZero(e.ActuationTime),
		Params:        e.Params,
	}
}

// StatusEnvelope reports progress of the command CommandID of a control
// input.
type StatusEnvelope struct {
	SystemUID      string            `json:"system_uid"`
	ControlInput   string            `json:"control_input"`
	CommandID      string            `json:"command_id"`
	Code           domain.StatusCode `json:"code"`
	ReportTime     time.Time         `json:"report_time,omitempty"`
	ExecutionBegin time.Time         `json:"execution_begin,omitempty"`
	ExecutionEnd   time.Time         `json:"execution_end,omitempty"`
	Progress       int               `json:"progress,omitempty"`
	Message        string            `json:"message,omitempty"`
	Results        []map[string]any  `json:"results,omitempty"`
	Links          []string          `json:"links,omitempty"`

	Source    string `json:"source,omitempty"`
	SourceRef string `json:"source_ref,omitempty"`
}

func (e StatusEnvelope) Validate() error {
	var v []datastore.FieldError
	if strings.TrimSpace(e.SystemUID) == "" {
		v = append(v, datastore.FieldError{Path: "system_uid", Message: "is required"})
	}
	if strings.TrimSpace(e.ControlInput) == "" {
		v = append(v, datastore.FieldError{Path: "control_input", Message: "is required"})
	}
	if strings.TrimSpace(e.CommandID) == "" {
		v = append(v, datastore.FieldError{Path: "command_id", Message: "is required"})
	}
	if !e.Code.IsValid() {
		v = append(v, datastore.FieldError{Path: "code", Message: "unknown status code"})
	}
	if len(e.Results) > 0 && len(e.Links) > 0 {
		v = append(v, datastore.FieldError{Path: "results", Message: "results and links are exclusive"})
	}
	if len(v) > 0 {
		return datastore.Invalid("status envelope", v...)
	}
	return nil
}

func (e StatusEnvelope) Status() (domain.CommandStatus, error) {
	st := domain.CommandStatus{
		Code:       e.Code,
		ReportTime: utcOrZero(e.ReportTime),
		Progress:   e.Progress,
		Message:    e.Message,
	}
	if !e.ExecutionBegin.IsZero() {
		st.ExecutionTime = domain.Period(e.ExecutionBegin, e.ExecutionEnd)
	}
	var err error
	switch {
	case len(e.Results) > 0:
		st.Result, err = domain.InlineResult(e.Results...)
	case len(e.Links) > 0:
		st.Result, err = domain.LinkResult(e.Links...)
	}
	if err != nil {
		return domain.CommandStatus{}, datastore.Invalid("status envelope", datastore.FieldError{Path: "results", Message: err.Error()})
	}
	return st, nil
}

func utcOrZero(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.UTC()
}

// Receipt identifies what a write stored. Duplicate is set when the command
// reference id had already been stored; Key is then the earlier command.
type Receipt struct {
	StreamKey domain.ResourceKey
	Key       domain.ResourceKey
	Duplicate bool
}

// Sink applies envelopes. Implementations return datastore errors so that
// transports can tell malformed input (datastore.IsValidation) from
// failures worth retrying.
type Sink interface {
	SubmitCommand(context.Context, CommandEnvelope) (Receipt, error)
	SendStatus(context.Context, StatusEnvelope) (Receipt, error)
}

type Option func(*Applier)

func WithLogger(l *slog.Logger) Option {
	return func(a *Applier) { a.logger = l }
}

func WithMetrics(c *metrics.Collectors) Option {
	return func(a *Applier) { a.metrics = c }
}

// Applier is the Sink that writes through the transaction handlers of the
// local node.
type Applier struct {
	mgr     *transaction.Manager
	metrics *metrics.Collectors
	logger  *slog.Logger
}

var _ Sink = (*Applier)(nil)

func NewApplier(mgr *transaction.Manager, opts ...Option) *Applier {
	a := &Applier{mgr: mgr, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "ingest")
	return a
}

func (a *Applier) SubmitCommand(ctx context.Context, env CommandEnvelope) (r Receipt, err error) {
	defer func() { a.metrics.Ingested(transportName(env.Source), err) }()

	if err := env.Validate(); err != nil {
		return Receipt{}, err
	}
	h, err := a.mgr.FindCommandStream(ctx, env.SystemUID, env.ControlInput)
	if err != nil {
		return Receipt{}, err
	}
	if h == nil {
		return Receipt{}, fmt.Errorf("command for %s/%s: %w", env.SystemUID, env.ControlInput, datastore.ErrUnknownStream)
	}
	key, err := h.SubmitCommand(ctx, env.Command())
	if datastore.IsConflict(err) && env.CommandID != "" {
		if existing, ok := a.mgr.Database().Commands.FindByRef(h.Key(), env.CommandID); ok {
			a.logger.Debug("duplicate command", "command_id", env.CommandID, "source_ref", env.SourceRef)
			return Receipt{StreamKey: h.Key(), Key: existing, Duplicate: true}, nil
		}
	}
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{StreamKey: h.Key(), Key: key}, nil
}

func (a *Applier) SendStatus(ctx context.Context, env StatusEnvelope) (r Receipt, err error) {
	defer func() { a.metrics.Ingested(transportName(env.Source), err) }()

	if err := env.Validate(); err != nil {
		return Receipt{}, err
	}
	st, err := env.Status()
	if err != nil {
		return Receipt{}, err
	}
	h, err := a.mgr.FindCommandStream(ctx, env.SystemUID, env.ControlInput)
	if err != nil {
		return Receipt{}, err
	}
	if h == nil {
		return Receipt{}, fmt.Errorf("status for %s/%s: %w", env.SystemUID, env.ControlInput, datastore.ErrUnknownStream)
	}
	key, ok, err := h.SendStatus(ctx, env.CommandID, st)
	if err != nil {
		return Receipt{}, err
	}
	if !ok {
		return Receipt{}, fmt.Errorf("status for command %q: %w", env.CommandID, datastore.ErrUnknownCommand)
	}
	return Receipt{StreamKey: h.Key(), Key: key}, nil
}

func transportName(source string) string {
	if source == "" {
		return "direct"
	}
	return source
}
