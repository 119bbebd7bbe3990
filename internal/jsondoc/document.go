// Package jsondoc holds the free-form JSON documents attached to pipeline rows
// (event payloads, consent evidence, batch metadata).
package jsondoc

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
)

// Document is an opaque JSON object. Keys are unordered in memory and sorted
// when serialized.
type Document map[string]any

// Clone returns a shallow copy safe to mutate at the top level.
func (d Document) Clone() Document {
	if d == nil {
		return Document{}
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Merge returns a copy of d with every key of other applied on top.
// Nested objects are replaced, not merged.
func (d Document) Merge(other Document) Document {
	out := d.Clone()
	for k, v := range other {
		out[k] = v
	}
	return out
}

// String looks up a string value by key.
func (d Document) String(key string) (string, bool) {
	v, ok := d[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Canonical renders the document with sorted keys, no HTML escaping and no
// trailing newline. A nil document renders as {}.
func (d Document) Canonical() ([]byte, error) {
	if d == nil {
		return []byte("{}"), nil
	}
	return canonical(map[string]any(d))
}

// MarshalJSON implements json.Marshaler.
func (d Document) MarshalJSON() ([]byte, error) {
	return d.Canonical()
}

// UnmarshalJSON implements json.Unmarshaler. Non-object input is rejected.
func (d *Document) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*d = nil
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return fmt.Errorf("jsondoc: expected object: %w", err)
	}
	*d = m
	return nil
}

// Value implements driver.Valuer for JSONB columns.
func (d Document) Value() (driver.Value, error) {
	b, err := d.Canonical()
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner for JSONB columns.
func (d *Document) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*d = Document{}
		return nil
	case []byte:
		return d.UnmarshalJSON(v)
	case string:
		return d.UnmarshalJSON([]byte(v))
	default:
		return errors.New("jsondoc: unsupported scan source")
	}
}

func canonical(v any) ([]byte, error) {
	// encoding/json sorts map keys; only the escaping and the trailing
	// newline of Encoder need undoing.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
