package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensorhub/internal/datastore"
	"sensorhub/internal/domain"
)

func TestRegistryResolvesCanonicalUID(t *testing.T) {
	r := NewRegistry()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	id, err := r.Register("urn:test:Pump-1", "pump", domain.BeginAt(t0))
	require.NoError(t, err)
	assert.Equal(t, domain.ScopeSystem, id.InternalID.Scope)

	got, ok := r.ResolveInternalID("  URN:TEST:pump-1 ")
	require.True(t, ok)
	assert.Equal(t, id.InternalID, got)

	uid, ok := r.UID(id.InternalID)
	require.True(t, ok)
	assert.Equal(t, "urn:test:Pump-1", uid)

	vt, ok := r.ValidTime(id.InternalID)
	require.True(t, ok)
	assert.True(t, vt.Begin.Equal(t0))
}

func TestRegistryRejectsDuplicateAndEmpty(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register("urn:test:a", "", domain.TimeExtent{})
	require.NoError(t, err)

	_, err = r.Register("URN:TEST:A", "", domain.TimeExtent{})
	assert.ErrorIs(t, err, datastore.ErrAlreadyExists)

	_, err = r.Register("  ", "", domain.TimeExtent{})
	assert.ErrorIs(t, err, datastore.ErrInvalidArgument)
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry()
	a, err := r.Register("urn:test:a", "", domain.TimeExtent{})
	require.NoError(t, err)
	b, err := r.Register("urn:test:b", "", domain.TimeExtent{})
	require.NoError(t, err)

	require.True(t, r.Remove(a.InternalID))
	assert.False(t, r.Remove(a.InternalID))
	assert.False(t, r.Exists(a.InternalID))
	_, ok := r.ResolveInternalID("urn:test:a")
	assert.False(t, ok)

	list := r.List()
	require.Len(t, list, 1)
	assert.Equal(t, b, list[0].ID)
}
