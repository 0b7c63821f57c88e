package domain

import (
	"encoding/base32"
	"encoding/binary"
	"fmt"
)

// Scope partitions the key space so that ids generated independently by
// different stores never collide.
type Scope uint8

const (
	ScopeSystem Scope = iota + 1
	ScopeCommandStream
	ScopeCommand
	ScopeCommandStatus
)

func (s Scope) String() string {
	switch s {
	case ScopeSystem:
		return "system"
	case ScopeCommandStream:
		return "commandstream"
	case ScopeCommand:
		return "command"
	case ScopeCommandStatus:
		return "commandstatus"
	default:
		return fmt.Sprintf("scope(%d)", uint8(s))
	}
}

// KeySize is the length of the binary key encoding.
const KeySize = 9

// keyEncoding is base32hex, which keeps the lexicographic order of the
// encoded text identical to the order of the keys.
var keyEncoding = base32.NewEncoding("0123456789abcdefghijklmnopqrstuv").WithPadding(base32.NoPadding)

// ResourceKey identifies one stored entity. Keys order by scope, then id.
type ResourceKey struct {
	Scope Scope
	ID    uint64
}

func NewKey(scope Scope, id uint64) ResourceKey {
	return ResourceKey{Scope: scope, ID: id}
}

func (k ResourceKey) IsZero() bool { return k.Scope == 0 && k.ID == 0 }

func (k ResourceKey) Compare(o ResourceKey) int {
	switch {
	case k.Scope < o.Scope:
		return -1
	case k.Scope > o.Scope:
		return 1
	case k.ID < o.ID:
		return -1
	case k.ID > o.ID:
		return 1
	}
	return 0
}

func (k ResourceKey) Less(o ResourceKey) bool { return k.Compare(o) < 0 }

// Bytes returns the 9-byte big-endian encoding. Byte-wise comparison of two
// encodings matches Compare.
func (k ResourceKey) Bytes() []byte {
	b := make([]byte, KeySize)
	b[0] = byte(k.Scope)
	binary.BigEndian.PutUint64(b[1:], k.ID)
	return b
}

func KeyFromBytes(b []byte) (ResourceKey, error) {
	if len(b) != KeySize {
		return ResourceKey{}, fmt.Errorf("resource key: invalid length %d", len(b))
	}
	return ResourceKey{Scope: Scope(b[0]), ID: binary.BigEndian.Uint64(b[1:])}, nil
}

// String returns the opaque external form of the key.
func (k ResourceKey) String() string {
	return keyEncoding.EncodeToString(k.Bytes())
}

func ParseKey(s string) (ResourceKey, error) {
	b, err := keyEncoding.DecodeString(s)
	if err != nil {
		return ResourceKey{}, fmt.Errorf("resource key %q: %w", s, err)
	}
	return KeyFromBytes(b)
}

func (k ResourceKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *ResourceKey) UnmarshalText(text []byte) error {
	parsed, err := ParseKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// MinKey is the smallest key of a scope; MinKey(s+1) bounds scope s from above.
func MinKey(scope Scope) ResourceKey { return ResourceKey{Scope: scope} }

func MaxKey(scope Scope) ResourceKey { return ResourceKey{Scope: scope, ID: ^uint64(0)} }
