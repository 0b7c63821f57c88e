package raftengine

import (
	"time"

	"sensorhub/internal/ingest"
)

type EntryKind string

const (
	EntryCommand EntryKind = "command"
	EntryStatus  EntryKind = "status"
)

// Entry is one replicated write. Exactly one of Command and Status is set,
// matching Kind.
type Entry struct {
	Kind     EntryKind               `json:"kind"`
	Command  *ingest.CommandEnvelope `json:"command,omitempty"`
	Status   *ingest.StatusEnvelope  `json:"status,omitempty"`
	AckToken string                  `json:"ack_token,omitempty"`
}

type Batch struct {
	PartitionID    uint8   `json:"partition_id"`
	Entries        []Entry `json:"entries"`
	TimestampUTCNs int64   `json:"timestamp_utc_ns"`
}

func (b *Batch) FillTimestamp() {
	if b.TimestampUTCNs == 0 {
		b.TimestampUTCNs = time.Now().UTC().UnixNano()
	}
}
