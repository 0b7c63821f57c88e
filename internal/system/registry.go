// Package system is the in-process directory of systems that own command
// streams.
package system

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"sensorhub/internal/datastore"
	"sensorhub/internal/domain"
	"sensorhub/internal/hashroute"
)

type System struct {
	ID          domain.FeatureID
	Name        string
	Description string
	ValidTime   domain.TimeExtent
}

// Registry assigns sequential system keys and resolves uids. It is safe
// for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	next  uint64
	byKey map[domain.ResourceKey]System
	byUID map[string]domain.ResourceKey
	now   func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		byKey: make(map[domain.ResourceKey]System),
		byUID: make(map[string]domain.ResourceKey),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Register adds a system. A zero valid time opens at the current time.
func (r *Registry) Register(uid, name string, validTime domain.TimeExtent) (domain.FeatureID, error) {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return domain.FeatureID{}, datastore.Invalid("system", datastore.FieldError{Path: "uid", Message: "a uid is required"})
	}
	canonical := hashroute.CanonicalizeName(uid)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byUID[canonical]; ok {
		return domain.FeatureID{}, fmt.Errorf("system %q: %w", uid, datastore.ErrAlreadyExists)
	}
	if validTime.IsZero() {
		validTime = domain.BeginAt(r.now())
	}
	r.next++
	id := domain.FeatureID{UID: uid, InternalID: domain.NewKey(domain.ScopeSystem, r.next)}
	if name == "" {
		name = uid
	}
	r.byKey[id.InternalID] = System{ID: id, Name: name, ValidTime: validTime}
	r.byUID[canonical] = id.InternalID
	return id, nil
}

func (r *Registry) Get(key domain.ResourceKey) (System, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byKey[key]
	return s, ok
}

// List returns every system in key order.
func (r *Registry) List() []System {
	r.mu.RLock()
	out := make([]System, 0, len(r.byKey))
	for _, s := range r.byKey {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID.InternalID.Less(out[j].ID.InternalID) })
	return out
}

func (r *Registry) Remove(key domain.ResourceKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byKey[key]
	if !ok {
		return false
	}
	delete(r.byKey, key)
	delete(r.byUID, hashroute.CanonicalizeName(s.ID.UID))
	return true
}

func (r *Registry) ResolveInternalID(uid string) (domain.ResourceKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.byUID[hashroute.CanonicalizeName(uid)]
	return k, ok
}

func (r *Registry) UID(key domain.ResourceKey) (string, bool) {
	s, ok := r.Get(key)
	return s.ID.UID, ok
}

func (r *Registry) ValidTime(key domain.ResourceKey) (domain.TimeExtent, bool) {
	s, ok := r.Get(key)
	return s.ValidTime, ok
}

func (r *Registry) Exists(key domain.ResourceKey) bool {
	_, ok := r.Get(key)
	return ok
}

var _ datastore.SystemDirectory = (*Registry)(nil)
