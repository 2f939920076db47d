package codec

import (
	"sort"
	"strings"
)

// IDField is the reserved field under which a document carries its own
// identifier.
const IDField = "_id"

// Document is a field-name keyed value map. Field names are stored
// lowercased; nested documents hold nested fields addressed by dot paths.
type Document map[string]Value

// New returns an empty Document.
func NewDocument() Document { return make(Document) }

// Set stores |v| under the lowercased |name|, returning the document for
// chaining.
func (d Document) Set(name string, v Value) Document {
	d[strings.ToLower(name)] = v
	return d
}

// Get returns the value of a top-level field.
func (d Document) Get(name string) (Value, bool) {
	var v, ok = d[strings.ToLower(name)]
	return v, ok
}

// Lookup resolves a dot-separated path through embedded documents.
func (d Document) Lookup(path string) (Value, bool) {
	var parts = strings.Split(strings.ToLower(path), ".")
	var cur = d
	for i, part := range parts {
		var v, ok = cur[part]
		if !ok {
			return Value{}, false
		}
		if i == len(parts)-1 {
			return v, true
		}
		if v.Kind != KindDocument {
			return Value{}, false
		}
		cur = v.Doc
	}
	return Value{}, false
}

// SetPath stores |v| at a dot-separated path, creating intermediate
// embedded documents as needed.
func (d Document) SetPath(path string, v Value) {
	var parts = strings.Split(strings.ToLower(path), ".")
	var cur = d
	for i, part := range parts {
		if i == len(parts)-1 {
			cur[part] = v
			return
		}
		var next, ok = cur[part]
		if !ok || next.Kind != KindDocument {
			next = Embedded(NewDocument())
			cur[part] = next
		}
		cur = next.Doc
	}
}

// ID returns the document's identifier field, if present.
func (d Document) ID() (DocID, bool) {
	var v, ok = d[IDField]
	if !ok {
		return DocID{}, false
	}
	var id, err = IDFromValue(v)
	return id, err == nil
}

// FieldNames collects every field name in the document, including nested
// ones, for dictionary registration. Names are returned sorted and deduped.
func (d Document) FieldNames() []string {
	var set = make(map[string]struct{})
	d.collectNames(set)
	var out = make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (d Document) collectNames(set map[string]struct{}) {
	for name, v := range d {
		set[name] = struct{}{}
		collectValueNames(v, set)
	}
}

func collectValueNames(v Value, set map[string]struct{}) {
	switch v.Kind {
	case KindDocument:
		v.Doc.collectNames(set)
	case KindArray:
		for _, e := range v.Array {
			collectValueNames(e, set)
		}
	}
}

// Project returns a copy holding only the named dot paths (plus the id
// field, which a document always carries).
func (d Document) Project(paths []string) Document {
	var out = NewDocument()
	if id, ok := d[IDField]; ok {
		out[IDField] = id
	}
	for _, path := range paths {
		if v, ok := d.Lookup(path); ok {
			out.SetPath(path, v)
		}
	}
	return out
}

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	var out = make(Document, len(d))
	for name, v := range d {
		out[name] = cloneValue(v)
	}
	return out
}

func cloneValue(v Value) Value {
	switch v.Kind {
	case KindDocument:
		v.Doc = v.Doc.Clone()
	case KindArray:
		var arr = make([]Value, len(v.Array))
		for i, e := range v.Array {
			arr[i] = cloneValue(e)
		}
		v.Array = arr
	case KindBytes, KindObjectID:
		v.Raw = append([]byte(nil), v.Raw...)
	case KindVector:
		v.Vector = append([]float32(nil), v.Vector...)
	}
	return v
}

// Equal reports deep equality of two documents.
func (d Document) Equal(other Document) bool {
	if len(d) != len(other) {
		return false
	}
	for name, v := range d {
		var ov, ok = other[name]
		if !ok || !Equal(v, ov) {
			return false
		}
	}
	return true
}
