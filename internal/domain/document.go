package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Document is a stored JSON object split into its top-level fields. Merges
// happen at this granularity: a field present in a partial document replaces
// the stored field wholesale, absent fields are left untouched.
type Document map[string]json.RawMessage

var serverTimestamp = json.RawMessage(`{".sv":"timestamp"}`)

// ServerTimestamp returns a marker value that the backend replaces with its
// own commit time when the document is written.
func ServerTimestamp() json.RawMessage {
	out := make(json.RawMessage, len(serverTimestamp))
	copy(out, serverTimestamp)
	return out
}

// IsServerTimestamp reports whether raw is the ServerTimestamp marker.
func IsServerTimestamp(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), serverTimestamp)
}

// ToDocument encodes v (which must marshal to a JSON object) as a Document.
func ToDocument(v any) (Document, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("encode document: %T is not an object", v)
	}
	return doc, nil
}

// Decode unmarshals the document into v.
func (d Document) Decode(v any) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// Set encodes value into field.
func (d Document) Set(field string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode field %s: %w", field, err)
	}
	d[field] = data
	return nil
}

// Clone returns a copy that shares no field storage with d.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// Merge returns a copy of d with every field of partial written over it.
func (d Document) Merge(partial Document) Document {
	out := d.Clone()
	if out == nil {
		out = make(Document, len(partial))
	}
	for k, v := range partial {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// ResolveTimestamps returns a copy with every ServerTimestamp marker replaced by at.
func (d Document) ResolveTimestamps(at time.Time) Document {
	out := d.Clone()
	var stamp json.RawMessage
	for k, v := range out {
		if !IsServerTimestamp(v) {
			continue
		}
		if stamp == nil {
			stamp, _ = json.Marshal(at.UTC())
		}
		out[k] = stamp
	}
	return out
}
