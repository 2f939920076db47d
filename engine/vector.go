package engine

import (
	"context"
	"math"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/blitedb/blite/codec"
	"github.com/blitedb/blite/fault"
)

// Match is one vector-search result.
type Match struct {
	ID       codec.DocID
	Document codec.Document
	Distance float32
}

// VectorSearch returns the |k| documents of |col| nearest to |query| under
// the metric of the named (or first) vector index. efSearch widens the
// candidate pool; with the scan-based index it only caps the result count.
func (e *Engine) VectorSearch(ctx context.Context, col, indexName string, k, efSearch int, query []float32) ([]Match, error) {
	var ix, ok = e.VectorIndex(col, indexName)
	if !ok {
		return nil, fault.Errorf(fault.SemanticFailure, "collection %q has no vector index", col)
	}
	if ix.Dims > 0 && len(query) != ix.Dims {
		return nil, fault.Errorf(fault.InvalidInput, "query vector has %d dims, index %q wants %d", len(query), ix.Name, ix.Dims)
	}
	if k <= 0 {
		k = 10
	}
	if efSearch > 0 && efSearch < k {
		k = efSearch
	}

	type candidate struct {
		key  []byte
		dist float32
	}
	var candidates []candidate

	if err := e.db.View(func(btx *bolt.Tx) error {
		var b = btx.Bucket(indexBucket(col, ix.Name))
		if b == nil {
			return nil
		}
		return b.ForEach(func(key, raw []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var dist, ok = distance(ix.Metric, query, unpackVector(raw))
			if !ok {
				return nil
			}
			candidates = append(candidates, candidate{key: append([]byte(nil), key...), dist: dist})
			return nil
		})
	}); err != nil {
		return nil, err
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].dist < candidates[j].dist })
	if len(candidates) > k {
		candidates = candidates[:k]
	}

	var out = make([]Match, 0, len(candidates))
	for _, c := range candidates {
		var id, err = codec.ParseKey(c.key)
		if err != nil {
			return nil, err
		}
		doc, found, err := e.FindByID(col, id)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		out = append(out, Match{ID: id, Document: doc, Distance: c.dist})
	}
	return out, nil
}

// distance returns a smaller-is-nearer score for the metric.
func distance(metric Metric, a, b []float32) (float32, bool) {
	if len(a) != len(b) {
		return 0, false
	}
	switch metric {
	case MetricL2:
		var sum float64
		for i := range a {
			var d = float64(a[i] - b[i])
			sum += d * d
		}
		return float32(math.Sqrt(sum)), true
	case MetricDot:
		var dot float64
		for i := range a {
			dot += float64(a[i]) * float64(b[i])
		}
		return float32(-dot), true
	default: // cosine
		var dot, na, nb float64
		for i := range a {
			dot += float64(a[i]) * float64(b[i])
			na += float64(a[i]) * float64(a[i])
			nb += float64(b[i]) * float64(b[i])
		}
		if na == 0 || nb == 0 {
			return 0, false
		}
		return float32(1 - dot/(math.Sqrt(na)*math.Sqrt(nb))), true
	}
}
