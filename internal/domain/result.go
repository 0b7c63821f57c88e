package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

type ResultKind string

const (
	ResultInline       ResultKind = "inline"
	ResultObservations ResultKind = "observations"
	ResultDatastream   ResultKind = "datastream"
	ResultLinks        ResultKind = "links"
)

// CommandResult tells where the result of a command lives. Exactly one
// alternative is populated; values are immutable once constructed.
type CommandResult struct {
	kind         ResultKind
	records      []map[string]any
	observations []ResourceKey
	datastream   ResourceKey
	links        []string
}

func InlineResult(records ...map[string]any) (*CommandResult, error) {
	if len(records) == 0 {
		return nil, errors.New("inline result requires at least one record")
	}
	return &CommandResult{kind: ResultInline, records: cloneRecords(records)}, nil
}

func ObservationResult(ids ...ResourceKey) (*CommandResult, error) {
	if len(ids) == 0 {
		return nil, errors.New("observation result requires at least one id")
	}
	return &CommandResult{kind: ResultObservations, observations: append([]ResourceKey(nil), ids...)}, nil
}

func DatastreamResult(id ResourceKey) (*CommandResult, error) {
	if id.IsZero() {
		return nil, errors.New("datastream result requires an id")
	}
	return &CommandResult{kind: ResultDatastream, datastream: id}, nil
}

func LinkResult(links ...string) (*CommandResult, error) {
	if len(links) == 0 {
		return nil, errors.New("link result requires at least one link")
	}
	return &CommandResult{kind: ResultLinks, links: append([]string(nil), links...)}, nil
}

func (r *CommandResult) Kind() ResultKind { return r.kind }

func (r *CommandResult) Records() []map[string]any { return cloneRecords(r.records) }

func (r *CommandResult) Observations() []ResourceKey {
	return append([]ResourceKey(nil), r.observations...)
}

func (r *CommandResult) Datastream() (ResourceKey, bool) {
	return r.datastream, r.kind == ResultDatastream
}

func (r *CommandResult) Links() []string { return append([]string(nil), r.links...) }

type resultJSON struct {
	Kind         ResultKind       `json:"kind"`
	Records      []map[string]any `json:"records,omitempty"`
	Observations []ResourceKey    `json:"observations,omitempty"`
	Datastream   *ResourceKey     `json:"datastream,omitempty"`
	Links        []string         `json:"links,omitempty"`
}

func (r *CommandResult) MarshalJSON() ([]byte, error) {
	out := resultJSON{Kind: r.kind, Records: r.records, Observations: r.observations, Links: r.links}
	if r.kind == ResultDatastream {
		ds := r.datastream
		out.Datastream = &ds
	}
	return json.Marshal(out)
}

func (r *CommandResult) UnmarshalJSON(b []byte) error {
	var in resultJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	var (
		parsed *CommandResult
		err    error
	)
	switch in.Kind {
	case ResultInline:
		parsed, err = InlineResult(in.Records...)
	case ResultObservations:
		parsed, err = ObservationResult(in.Observations...)
	case ResultDatastream:
		if in.Datastream == nil {
			return errors.New("datastream result requires an id")
		}
		parsed, err = DatastreamResult(*in.Datastream)
	case ResultLinks:
		parsed, err = LinkResult(in.Links...)
	default:
		return fmt.Errorf("unknown result kind %q", in.Kind)
	}
	if err != nil {
		return err
	}
	*r = *parsed
	return nil
}

func cloneRecords(in []map[string]any) []map[string]any {
	out := make([]map[string]any, len(in))
	for i, rec := range in {
		cp := make(map[string]any, len(rec))
		for k, v := range rec {
			cp[k] = v
		}
		out[i] = cp
	}
	return out
}
