// Package schema validates command payloads against the record structure of
// their command stream. Record structures are translated to JSON Schema
// documents and evaluated by github.com/santhosh-tekuri/jsonschema.
package schema

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"sensorhub/internal/datastore"
	"sensorhub/internal/domain"
)

// Validator compiles each distinct record structure once and caches it by
// fingerprint.
type Validator struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

func NewValidator() *Validator {
	return &Validator{compiled: map[string]*jsonschema.Schema{}}
}

var _ datastore.SchemaValidator = (*Validator)(nil)

func (v *Validator) Validate(rs domain.RecordStructure, payload map[string]any) ([]datastore.FieldError, error) {
	sch, err := v.compile(rs)
	if err != nil {
		return nil, err
	}
	instance, err := normalize(payload)
	if err != nil {
		return []datastore.FieldError{{Message: err.Error()}}, nil
	}
	err = sch.Validate(instance)
	if err == nil {
		return nil, nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return nil, err
	}
	var out []datastore.FieldError
	collect(ve, &out)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (v *Validator) compile(rs domain.RecordStructure) (*jsonschema.Schema, error) {
	fp, err := Fingerprint(rs)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if sch, ok := v.compiled[fp]; ok {
		return sch, nil
	}
	doc, err := json.Marshal(ToJSONSchema(rs))
	if err != nil {
		return nil, err
	}
	url := "mem://record/" + fp + ".json"
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true
	if err := c.AddResource(url, bytes.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("add record schema %q: %w", rs.Name, err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile record schema %q: %w", rs.Name, err)
	}
	v.compiled[fp] = sch
	return sch, nil
}

// ToJSONSchema translates a record structure into a JSON Schema document.
func ToJSONSchema(rs domain.RecordStructure) map[string]any {
	doc := recordSchema(rs.Fields)
	doc["$schema"] = "https://json-schema.org/draft/2020-12/schema"
	if rs.Name != "" {
		doc["title"] = rs.Name
	}
	return doc
}

func recordSchema(fields []domain.Field) map[string]any {
	props := map[string]any{}
	required := []string{}
	for _, f := range fields {
		props[f.Name] = fieldSchema(f)
		if !f.Optional {
			required = append(required, f.Name)
		}
	}
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
}

func fieldSchema(f domain.Field) map[string]any {
	var s map[string]any
	switch f.Type {
	case domain.FieldBoolean:
		s = map[string]any{"type": "boolean"}
	case domain.FieldCount:
		s = map[string]any{"type": "integer"}
	case domain.FieldQuantity:
		s = map[string]any{"type": "number"}
	case domain.FieldTime:
		s = map[string]any{"type": "string", "format": "date-time"}
	case domain.FieldRecord:
		s = recordSchema(f.Fields)
	default:
		s = map[string]any{"type": "string"}
	}
	if f.Min != nil {
		s["minimum"] = *f.Min
	}
	if f.Max != nil {
		s["maximum"] = *f.Max
	}
	if len(f.AllowedValues) > 0 {
		s["enum"] = f.AllowedValues
	}
	if f.Description != "" {
		s["description"] = f.Description
	}
	return s
}

// Fingerprint identifies a record structure by content.
func Fingerprint(rs domain.RecordStructure) (string, error) {
	b, err := json.Marshal(rs)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:16]), nil
}

// Equal reports whether two structures are identical.
func Equal(a, b domain.RecordStructure) bool {
	fa, errA := Fingerprint(a)
	fb, errB := Fingerprint(b)
	return errA == nil && errB == nil && fa == fb
}

// Compatible reports whether payloads valid for the old structure stay
// meaningful under the new one: every old field is kept with the same type
// and every added field is optional.
func Compatible(old, next domain.RecordStructure) bool {
	return fieldsCompatible(old.Fields, next.Fields)
}

func fieldsCompatible(old, next []domain.Field) bool {
	byName := make(map[string]domain.Field, len(next))
	for _, f := range next {
		byName[f.Name] = f
	}
	for _, o := range old {
		n, ok := byName[o.Name]
		if !ok || n.Type != o.Type {
			return false
		}
		if o.Optional && !n.Optional {
			return false
		}
		if o.Type == domain.FieldRecord && !fieldsCompatible(o.Fields, n.Fields) {
			return false
		}
		delete(byName, o.Name)
	}
	for _, added := range byName {
		if !added.Optional {
			return false
		}
	}
	return true
}

// normalize round-trips the payload through JSON so that the validator sees
// json.Number values regardless of the Go types the caller used.
func normalize(payload map[string]any) (any, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("payload is not JSON encodable: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func collect(ve *jsonschema.ValidationError, out *[]datastore.FieldError) {
	if len(ve.Causes) == 0 {
		base := instancePath(ve.InstanceLocation)
		if names := quoted(ve.Message); len(names) > 0 && strings.HasSuffix(ve.KeywordLocation, "/required") {
			for _, name := range names {
				*out = append(*out, datastore.FieldError{Path: joinPath(base, name), Message: "required field is missing"})
			}
			return
		}
		*out = append(*out, datastore.FieldError{Path: base, Message: ve.Message})
		return
	}
	for _, c := range ve.Causes {
		collect(c, out)
	}
}

// instancePath turns a JSON pointer such as /position/x into position.x.
func instancePath(ptr string) string {
	return strings.ReplaceAll(strings.TrimPrefix(ptr, "/"), "/", ".")
}

func joinPath(base, name string) string {
	if base == "" {
		return name
	}
	return base + "." + name
}

// quoted extracts the 'single quoted' names of a validator message.
func quoted(msg string) []string {
	var names []string
	for {
		i := strings.IndexByte(msg, '\'')
		if i < 0 {
			return names
		}
		j := strings.IndexByte(msg[i+1:], '\'')
		if j < 0 {
			return names
		}
		names = append(names, msg[i+1:i+1+j])
		msg = msg[i+j+2:]
	}
}
