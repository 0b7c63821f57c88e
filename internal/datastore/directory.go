package datastore

import "sensorhub/internal/domain"

// SystemDirectory is the read-only view of registered systems that the
// command stores validate against.
type SystemDirectory interface {
	ResolveInternalID(uid string) (domain.ResourceKey, bool)
	UID(key domain.ResourceKey) (string, bool)
	ValidTime(key domain.ResourceKey) (domain.TimeExtent, bool)
	Exists(key domain.ResourceKey) bool
}

// SchemaValidator checks a payload against a record structure. A nil error
// with violations means the payload is invalid; an error means the
// structure itself could not be evaluated.
type SchemaValidator interface {
	Validate(rs domain.RecordStructure, payload map[string]any) ([]FieldError, error)
}
