package hashroute

import (
	"encoding/binary"
	"hash/fnv"
	"strings"
	"time"

	"sensorhub/internal/domain"
)

const PartitionCount = 25

// CanonicalizeName normalizes control input names and system uids before
// hashing.
func CanonicalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// PartitionFor routes a system/control-input pair to a fixed partition so
// that every mutation of one command stream is handled in order.
func PartitionFor(systemUID, controlInput string) int {
	h := fnv.New64a()
	_, _ = h.Write([]byte(CanonicalizeName(systemUID)))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(CanonicalizeName(controlInput)))
	return int(h.Sum64() % PartitionCount)
}

// StreamKey derives the key of a command stream version from the owning
// system, the control input name and the valid time. The same inputs give
// the same key across restarts.
func StreamKey(system domain.ResourceKey, controlInput string, validTime domain.TimeExtent) domain.ResourceKey {
	h := fnv.New64a()
	var buf [8]byte
	_, _ = h.Write([]byte{byte(system.Scope)})
	binary.BigEndian.PutUint64(buf[:], system.ID)
	_, _ = h.Write(buf[:])
	_, _ = h.Write([]byte(CanonicalizeName(controlInput)))
	_, _ = h.Write([]byte{0})
	binary.BigEndian.PutUint64(buf[:], uint64(unixNanos(validTime.Begin)))
	_, _ = h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(unixNanos(validTime.End)))
	_, _ = h.Write(buf[:])

	id := h.Sum64()
	if id == 0 {
		id = 1
	}
	return domain.NewKey(domain.ScopeCommandStream, id)
}

func unixNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}
