package datastore

import (
	"slices"
	"time"

	"sensorhub/internal/domain"
)

// TimeRange is an inclusive time filter. A zero bound is unbounded.
type TimeRange struct {
	Begin time.Time
	End   time.Time
}

func (r TimeRange) IsAll() bool { return r.Begin.IsZero() && r.End.IsZero() }

func (r TimeRange) Contains(t time.Time) bool {
	if !r.Begin.IsZero() && t.Before(r.Begin) {
		return false
	}
	if !r.End.IsZero() && t.After(r.End) {
		return false
	}
	return true
}

func (r TimeRange) Overlaps(e domain.TimeExtent) bool {
	if !r.End.IsZero() && e.Begin.After(r.End) {
		return false
	}
	if !r.Begin.IsZero() && !e.IsOpen() && e.End.Before(r.Begin) {
		return false
	}
	return true
}

// CommandStreamFilter selects command streams. Keys or a system selection
// resolve candidate keys; everything else is tested on each candidate.
type CommandStreamFilter struct {
	Keys              []domain.ResourceKey
	SystemKeys        []domain.ResourceKey
	SystemUIDs        []string
	ControlInputNames []string
	ValidAt           time.Time
	Predicate         func(domain.ResourceKey, domain.CommandStreamInfo) bool
	Limit             int
}

func (f CommandStreamFilter) HasSystemSelection() bool {
	return len(f.SystemKeys) > 0 || len(f.SystemUIDs) > 0
}

func (f CommandStreamFilter) Test(key domain.ResourceKey, info domain.CommandStreamInfo) bool {
	if len(f.Keys) > 0 && !slices.Contains(f.Keys, key) {
		return false
	}
	if f.HasSystemSelection() &&
		!slices.Contains(f.SystemKeys, info.System.InternalID) &&
		!slices.Contains(f.SystemUIDs, info.System.UID) {
		return false
	}
	if len(f.ControlInputNames) > 0 && !slices.Contains(f.ControlInputNames, info.ControlInputName) {
		return false
	}
	if !f.ValidAt.IsZero() && !info.ValidTime.Contains(f.ValidAt) {
		return false
	}
	return f.Predicate == nil || f.Predicate(key, info)
}

type CommandFilter struct {
	Keys          []domain.ResourceKey
	StreamKeys    []domain.ResourceKey
	IDs           []string
	SenderIDs     []string
	IssueTime     TimeRange
	ActuationTime TimeRange
	Predicate     func(domain.ResourceKey, domain.Command) bool
	Limit         int
}

func (f CommandFilter) Test(key domain.ResourceKey, cmd domain.Command) bool {
	if len(f.Keys) > 0 && !slices.Contains(f.Keys, key) {
		return false
	}
	if len(f.StreamKeys) > 0 && !slices.Contains(f.StreamKeys, cmd.StreamKey) {
		return false
	}
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, cmd.ID) {
		return false
	}
	if len(f.SenderIDs) > 0 && !slices.Contains(f.SenderIDs, cmd.SenderID) {
		return false
	}
	if !f.IssueTime.Contains(cmd.IssueTime) {
		return false
	}
	if !f.ActuationTime.Contains(cmd.EffectiveActuationTime()) {
		return false
	}
	return f.Predicate == nil || f.Predicate(key, cmd)
}

type CommandStatusFilter struct {
	CommandKeys   []domain.ResourceKey
	StreamKeys    []domain.ResourceKey
	ReportTime    TimeRange
	ExecutionTime TimeRange
	Codes         []domain.StatusCode
	// Latest keeps only the current status of each command.
	Latest    bool
	Predicate func(domain.ResourceKey, domain.CommandStatus) bool
	Limit     int
}

func (f CommandStatusFilter) Test(key domain.ResourceKey, st domain.CommandStatus) bool {
	if len(f.CommandKeys) > 0 && !slices.Contains(f.CommandKeys, st.CommandKey) {
		return false
	}
	if len(f.StreamKeys) > 0 && !slices.Contains(f.StreamKeys, st.StreamKey) {
		return false
	}
	if !f.ReportTime.Contains(st.ReportTime) {
		return false
	}
	if !f.ExecutionTime.IsAll() {
		if st.ExecutionTime.IsZero() || !f.ExecutionTime.Overlaps(st.ExecutionTime) {
			return false
		}
	}
	if len(f.Codes) > 0 && !slices.Contains(f.Codes, st.Code) {
		return false
	}
	return f.Predicate == nil || f.Predicate(key, st)
}

// LimitReached reports whether n results already satisfy limit.
func LimitReached(n, limit int) bool { return limit > 0 && n >= limit }
