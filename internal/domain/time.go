package domain

import (
	"fmt"
	"time"
)

// TimeExtent is a time interval. A zero End means the interval is open and
// extends indefinitely into the future.
type TimeExtent struct {
	Begin time.Time `json:"begin"`
	End   time.Time `json:"end,omitempty"`
}

// BeginAt returns an open interval starting at t.
func BeginAt(t time.Time) TimeExtent { return TimeExtent{Begin: t.UTC()} }

func Period(begin, end time.Time) TimeExtent {
	return TimeExtent{Begin: begin.UTC(), End: end.UTC()}
}

func (e TimeExtent) IsZero() bool { return e.Begin.IsZero() && e.End.IsZero() }

func (e TimeExtent) IsOpen() bool { return e.End.IsZero() }

func (e TimeExtent) Contains(t time.Time) bool {
	if t.Before(e.Begin) {
		return false
	}
	return e.IsOpen() || !t.After(e.End)
}

func (e TimeExtent) Overlaps(o TimeExtent) bool {
	if !e.IsOpen() && o.Begin.After(e.End) {
		return false
	}
	if !o.IsOpen() && e.Begin.After(o.End) {
		return false
	}
	return true
}

func (e TimeExtent) String() string {
	end := "now"
	if !e.IsOpen() {
		end = e.End.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprintf("%s/%s", e.Begin.UTC().Format(time.RFC3339Nano), end)
}
