package event

import (
	"strings"

	"sensorhub/internal/domain"
	"sensorhub/internal/hashroute"
)

const (
	GroupSystems       = "systems"
	GroupCommandData   = "command-data"
	GroupCommandStatus = "command-status"
)

// Topic addresses a channel on the bus. A topic with an empty Source names
// a whole group.
type Topic struct {
	Group  string
	Source string
}

func (t Topic) IsGroup() bool { return t.Source == "" }

func (t Topic) String() string {
	if t.IsGroup() {
		return t.Group + "/*"
	}
	return t.Group + "/" + t.Source
}

// ParseTopic is the inverse of Topic.String.
func ParseTopic(s string) (Topic, bool) {
	group, source, ok := strings.Cut(s, "/")
	if !ok || group == "" || source == "" {
		return Topic{}, false
	}
	if source == "*" {
		source = ""
	}
	return Topic{Group: group, Source: source}, true
}

func GroupTopic(group string) Topic { return Topic{Group: group} }

// SystemTopic carries the command stream lifecycle events of one system.
func SystemTopic(systemUID string) Topic {
	return Topic{Group: GroupSystems, Source: hashroute.CanonicalizeName(systemUID)}
}

func CommandDataTopic(stream domain.ResourceKey) Topic {
	return Topic{Group: GroupCommandData, Source: stream.String()}
}

func CommandStatusTopic(stream domain.ResourceKey) Topic {
	return Topic{Group: GroupCommandStatus, Source: stream.String()}
}
