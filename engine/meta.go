package engine

import (
	"strings"
	"time"
)

// IndexKind names a secondary index family.
type IndexKind string

const (
	IndexBTree   IndexKind = "btree"
	IndexVector  IndexKind = "vector"
	IndexSpatial IndexKind = "spatial"
)

// Metric names a vector distance function.
type Metric string

const (
	MetricCosine Metric = "cosine"
	MetricL2     Metric = "l2"
	MetricDot    Metric = "dot"
)

// IndexSpec describes one secondary index of a collection.
type IndexSpec struct {
	Name   string    `json:"name"`
	Field  string    `json:"field"`
	Kind   IndexKind `json:"kind"`
	Unique bool      `json:"unique,omitempty"`
	Dims   int       `json:"dims,omitempty"`
	Metric Metric    `json:"metric,omitempty"`
}

// SchemaField is one field of a schema version.
type SchemaField struct {
	Name     string `json:"name"`
	Type     uint8  `json:"type"`
	Nullable bool   `json:"nullable"`
}

// SchemaVersion is one appended schema revision.
type SchemaVersion struct {
	Version int           `json:"version"`
	Fields  []SchemaField `json:"fields"`
	AddedAt time.Time     `json:"addedAt"`
}

// TimeSeriesConfig marks a collection as time-series with TTL retention.
type TimeSeriesConfig struct {
	TTLField  string        `json:"ttlField"`
	Retention time.Duration `json:"retention"`
}

// VectorSourcePart is one field contribution to an embedding input string.
type VectorSourcePart struct {
	Path   string `json:"path"`
	Prefix string `json:"prefix,omitempty"`
	Suffix string `json:"suffix,omitempty"`
}

// VectorSource is the ordered recipe for synthesising the embedding input
// of a document.
type VectorSource struct {
	Separator string             `json:"separator"`
	Parts     []VectorSourcePart `json:"parts"`
}

// Text synthesises the embedding input for |doc| field values looked up by
// the caller. Empty part values are skipped.
func (s *VectorSource) Text(lookup func(path string) (string, bool)) string {
	var parts []string
	for _, p := range s.Parts {
		var text, ok = lookup(p.Path)
		if !ok || text == "" {
			continue
		}
		parts = append(parts, p.Prefix+text+p.Suffix)
	}
	return strings.Join(parts, s.Separator)
}

// collectionMeta is the persisted descriptor of one collection.
type collectionMeta struct {
	Name       string            `json:"name"`
	Indexes    []IndexSpec       `json:"indexes,omitempty"`
	Schema     []SchemaVersion   `json:"schema,omitempty"`
	TimeSeries *TimeSeriesConfig `json:"timeSeries,omitempty"`
	VecSource  *VectorSource     `json:"vectorSource,omitempty"`
}

func (m *collectionMeta) index(name string) (IndexSpec, bool) {
	for _, ix := range m.Indexes {
		if ix.Name == name {
			return ix, true
		}
	}
	return IndexSpec{}, false
}

// vectorIndex returns the first vector-kind index, or the named one.
func (m *collectionMeta) vectorIndex(name string) (IndexSpec, bool) {
	for _, ix := range m.Indexes {
		if ix.Kind != IndexVector {
			continue
		}
		if name == "" || ix.Name == name {
			return ix, true
		}
	}
	return IndexSpec{}, false
}

// btreeFor returns a btree index covering |field|, if any.
func (m *collectionMeta) btreeFor(field string) (IndexSpec, bool) {
	for _, ix := range m.Indexes {
		if ix.Kind == IndexBTree && strings.EqualFold(ix.Field, field) {
			return ix, true
		}
	}
	return IndexSpec{}, false
}
