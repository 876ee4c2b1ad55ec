// Package ld defines the minimal, opaque view of a JSON-LD Activity/Object
// that the federation core needs: a stable id, an actor reference, a type
// tag, and attribution. Full vocabulary modelling (entity classes, property
// accessors, context resolution) is the embedding application's concern.
package ld

import (
	"encoding/json"
	"fmt"
)

// Document is a JSON-LD object represented as its decoded map form. The core
// never interprets fields beyond the handful of well-known keys accessed
// through the methods below.
type Document map[string]any

// Parse decodes raw JSON-LD bytes into a Document.
func Parse(data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse json-ld: %w", err)
	}
	return doc, nil
}

// ID returns the object's "id" field, or "" if absent.
func (d Document) ID() string {
	return d.stringField("id")
}

// Type returns the object's "type" field. When "type" is an array, the first
// entry is returned, matching the common single-type case; multi-type
// activities are rare enough that the embedding application resolves them
// via its own vocabulary layer before handing the document to listeners.
func (d Document) Type() string {
	switch v := d["type"].(type) {
	case string:
		return v
	case []any:
		if len(v) > 0 {
			if s, ok := v[0].(string); ok {
				return s
			}
		}
	}
	return ""
}

// ActorID returns the "actor" field's IRI, whether it is a bare string or an
// embedded object carrying its own "id".
func (d Document) ActorID() string {
	return d.referenceField("actor")
}

// AttributedTo returns every IRI named by the "attributedTo" field (string,
// array of strings, or embedded objects).
func (d Document) AttributedTo() []string {
	return d.referenceList("attributedTo")
}

// ObjectID returns the IRI of the "object" field, if any.
func (d Document) ObjectID() string {
	return d.referenceField("object")
}

// Clone returns a deep-enough copy suitable for stamping an id or a proof
// onto without mutating the caller's original document. The core never
// mutates a document in place; every write goes through WithField/Clone.
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// WithField returns a clone of d with key set to value.
func (d Document) WithField(key string, value any) Document {
	out := d.Clone()
	out[key] = value
	return out
}

// WithoutField returns a clone of d with key removed.
func (d Document) WithoutField(key string) Document {
	out := d.Clone()
	delete(out, key)
	return out
}

// Bytes serializes the document back to JSON.
func (d Document) Bytes() ([]byte, error) {
	return json.Marshal(map[string]any(d))
}

func (d Document) stringField(key string) string {
	s, _ := d[key].(string)
	return s
}

func (d Document) referenceField(key string) string {
	switch v := d[key].(type) {
	case string:
		return v
	case map[string]any:
		s, _ := v["id"].(string)
		return s
	}
	return ""
}

func (d Document) referenceList(key string) []string {
	switch v := d[key].(type) {
	case string:
		return []string{v}
	case map[string]any:
		if s, ok := v["id"].(string); ok {
			return []string{s}
		}
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			switch ev := e.(type) {
			case string:
				out = append(out, ev)
			case map[string]any:
				if s, ok := ev["id"].(string); ok {
					out = append(out, s)
				}
			}
		}
		return out
	}
	return nil
}
