package domain

import (
	"fmt"
	"strings"
)

type StatusCode int

const (
	StatusPending StatusCode = iota + 1
	StatusAccepted
	StatusRejected
	StatusScheduled
	StatusUpdated
	StatusCanceled
	StatusExecuting
	StatusCompleted
	StatusFailed
)

var statusNames = map[StatusCode]string{
	StatusPending:   "PENDING",
	StatusAccepted:  "ACCEPTED",
	StatusRejected:  "REJECTED",
	StatusScheduled: "SCHEDULED",
	StatusUpdated:   "UPDATED",
	StatusCanceled:  "CANCELED",
	StatusExecuting: "EXECUTING",
	StatusCompleted: "COMPLETED",
	StatusFailed:    "FAILED",
}

func (c StatusCode) String() string {
	if name, ok := statusNames[c]; ok {
		return name
	}
	return fmt.Sprintf("StatusCode(%d)", int(c))
}

func (c StatusCode) IsValid() bool {
	_, ok := statusNames[c]
	return ok
}

// IsFinal reports whether no further status is expected after c.
func (c StatusCode) IsFinal() bool {
	switch c {
	case StatusRejected, StatusCanceled, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

func ParseStatusCode(s string) (StatusCode, error) {
	want := strings.ToUpper(strings.TrimSpace(s))
	if want == "CANCELLED" {
		want = "CANCELED"
	}
	for code, name := range statusNames {
		if name == want {
			return code, nil
		}
	}
	return 0, fmt.Errorf("unknown status code %q", s)
}

func (c StatusCode) MarshalText() ([]byte, error) {
	if _, ok := statusNames[c]; !ok {
		return nil, fmt.Errorf("invalid status code %d", int(c))
	}
	return []byte(c.String()), nil
}

func (c *StatusCode) UnmarshalText(text []byte) error {
	parsed, err := ParseStatusCode(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
