package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensorhub/internal/domain"
)

func ptr(f float64) *float64 { return &f }

func powerRecord() domain.RecordStructure {
	return domain.RecordStructure{
		Name: "setPower",
		Fields: []domain.Field{
			{Name: "level", Type: domain.FieldCount, Min: ptr(0), Max: ptr(10)},
			{Name: "mode", Type: domain.FieldCategory, Optional: true, AllowedValues: []string{"eco", "boost"}},
			{Name: "at", Type: domain.FieldTime, Optional: true},
		},
	}
}

func TestValidateAcceptsConformingPayload(t *testing.T) {
	v := NewValidator()
	errs, err := v.Validate(powerRecord(), map[string]any{"level": 5, "mode": "eco", "at": "2026-01-01T00:00:00Z"})
	require.NoError(t, err)
	assert.Empty(t, errs)
}

func TestValidateReportsFieldLevelViolations(t *testing.T) {
	v := NewValidator()

	errs, err := v.Validate(powerRecord(), map[string]any{"mode": "eco"})
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "level", errs[0].Path)

	errs, err = v.Validate(powerRecord(), map[string]any{"level": 11, "mode": "turbo"})
	require.NoError(t, err)
	paths := []string{}
	for _, e := range errs {
		paths = append(paths, e.Path)
	}
	assert.ElementsMatch(t, []string{"level", "mode"}, paths)

	errs, err = v.Validate(powerRecord(), map[string]any{"level": 2.5})
	require.NoError(t, err)
	assert.NotEmpty(t, errs)

	errs, err = v.Validate(powerRecord(), map[string]any{"level": 1, "extra": true})
	require.NoError(t, err)
	assert.NotEmpty(t, errs)
}

func TestValidateNestedRecord(t *testing.T) {
	rs := domain.RecordStructure{Name: "goto", Fields: []domain.Field{
		{Name: "position", Type: domain.FieldRecord, Fields: []domain.Field{
			{Name: "lat", Type: domain.FieldQuantity},
			{Name: "lon", Type: domain.FieldQuantity},
		}},
	}}
	errs, err := NewValidator().Validate(rs, map[string]any{"position": map[string]any{"lat": 1.5}})
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "position.lon", errs[0].Path)
}

func TestCompatible(t *testing.T) {
	old := powerRecord()

	added := powerRecord()
	added.Fields = append(added.Fields, domain.Field{Name: "note", Type: domain.FieldText, Optional: true})
	assert.True(t, Compatible(old, added))

	required := powerRecord()
	required.Fields = append(required.Fields, domain.Field{Name: "note", Type: domain.FieldText})
	assert.False(t, Compatible(old, required))

	retyped := powerRecord()
	retyped.Fields[0].Type = domain.FieldQuantity
	assert.False(t, Compatible(old, retyped))

	assert.True(t, Equal(old, powerRecord()))
	assert.False(t, Equal(old, added))
}
