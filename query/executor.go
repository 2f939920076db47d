package query

import (
	"context"
	"errors"
	"sort"

	"github.com/blitedb/blite/codec"
	"github.com/blitedb/blite/engine"
)

// Executor compiles descriptors against one engine. Results are pushed to
// the caller one document at a time; the executor never materialises the
// collection unless a sort requires it.
type Executor struct {
	engine *engine.Engine
}

// NewExecutor returns an Executor over |e|.
func NewExecutor(e *engine.Engine) *Executor { return &Executor{engine: e} }

var errStop = errors.New("stop iteration")

// Execute runs the descriptor and pushes matching documents to |emit| in
// descriptor order. Cancelling |ctx| stops the stream between documents.
func (x *Executor) Execute(ctx context.Context, d *Descriptor, emit func(codec.Document) error) error {
	if err := d.Validate(); err != nil {
		return err
	}
	var skip, take = window(d)

	if len(d.OrderBy) == 0 {
		// Streaming path: filter, page, and project without buffering.
		var emitted int64
		var err = x.each(ctx, d, func(doc codec.Document) error {
			if skip > 0 {
				skip--
				return nil
			}
			if take >= 0 && emitted >= take {
				return errStop
			}
			emitted++
			return emit(project(d, doc))
		})
		if errors.Is(err, errStop) {
			return nil
		}
		return err
	}

	// Sorting path: materialise matches, order, then window.
	var matched []codec.Document
	if err := x.each(ctx, d, func(doc codec.Document) error {
		matched = append(matched, doc)
		return nil
	}); err != nil {
		return err
	}
	sortDocs(matched, d.OrderBy)

	if skip > 0 {
		if skip >= int64(len(matched)) {
			return nil
		}
		matched = matched[skip:]
	}
	if take >= 0 && take < int64(len(matched)) {
		matched = matched[:take]
	}
	for _, doc := range matched {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := emit(project(d, doc)); err != nil {
			return err
		}
	}
	return nil
}

// ExecuteAll materialises the full result. The cache path uses this.
func (x *Executor) ExecuteAll(ctx context.Context, d *Descriptor) ([]codec.Document, error) {
	var out []codec.Document
	var err = x.Execute(ctx, d, func(doc codec.Document) error {
		out = append(out, doc)
		return nil
	})
	return out, err
}

// Count runs the descriptor's filter and returns the number of matches,
// ignoring projection, sort, and paging.
func (x *Executor) Count(ctx context.Context, d *Descriptor) (int64, error) {
	if err := d.Validate(); err != nil {
		return 0, err
	}
	if d.Where == nil {
		return x.engine.Count(d.Collection)
	}
	var n int64
	var err = x.each(ctx, d, func(codec.Document) error {
		n++
		return nil
	})
	return n, err
}

// each yields every document matching d.Where, using a btree index probe
// when one covers the filter, and a full scan otherwise. The residual
// filter is always evaluated.
func (x *Executor) each(ctx context.Context, d *Descriptor, fn func(codec.Document) error) error {
	if probe, ok := x.probeFor(d); ok {
		return x.engine.IndexRange(ctx, d.Collection, probe.index, probe.min, probe.max, func(id codec.DocID) error {
			var doc, found, err = x.engine.FindByID(d.Collection, id)
			if err != nil || !found {
				return err
			}
			if !Matches(d.Where, doc) {
				return nil
			}
			return fn(doc)
		})
	}
	return x.engine.Scan(ctx, d.Collection, func(_ codec.DocID, doc codec.Document) error {
		if !Matches(d.Where, doc) {
			return nil
		}
		return fn(doc)
	})
}

type indexProbe struct {
	index    string
	min, max *codec.Value
}

// probeFor derives an index probe from the filter: a top-level binary
// comparison (or one inside a top-level And) on a field covered by a btree
// index.
func (x *Executor) probeFor(d *Descriptor) (indexProbe, bool) {
	var candidates []*Node
	switch {
	case d.Where == nil:
		return indexProbe{}, false
	case d.Where.Kind == NodeBinary:
		candidates = []*Node{d.Where}
	case d.Where.Kind == NodeAnd:
		candidates = d.Where.Children
	default:
		return indexProbe{}, false
	}

	for _, n := range candidates {
		if n.Kind != NodeBinary {
			continue
		}
		var index, ok = x.btreeFor(d.Collection, n.Field)
		if !ok {
			continue
		}
		var v = n.Value
		if v.Kind == codec.KindNull {
			// Documents missing the field satisfy `= null` but carry no
			// index entry, so a null probe would drop them.
			continue
		}
		switch n.Op {
		case OpEq:
			return indexProbe{index: index, min: &v, max: &v}, true
		case OpGt, OpGte:
			return indexProbe{index: index, min: &v}, true
		case OpLt, OpLte:
			return indexProbe{index: index, max: &v}, true
		}
	}
	return indexProbe{}, false
}

func (x *Executor) btreeFor(col, field string) (string, bool) {
	for _, ix := range x.engine.Indexes(col) {
		if ix.Kind == engine.IndexBTree && ix.Field == field {
			return ix.Name, true
		}
	}
	return "", false
}

func window(d *Descriptor) (skip, take int64) {
	skip = d.Skip
	if skip < 0 {
		skip = 0
	}
	take = d.Take
	if take < 0 {
		take = -1
	}
	return skip, take
}

func project(d *Descriptor, doc codec.Document) codec.Document {
	if len(d.Select) == 0 {
		return doc
	}
	return doc.Project(d.Select)
}

// sortDocs orders documents by the sort keys. Missing fields order before
// present ones; incomparable values preserve their scan order, which is
// identifier order and thus deterministic for a fixed physical layout.
func sortDocs(docs []codec.Document, keys []SortKey) {
	sort.SliceStable(docs, func(i, j int) bool {
		for _, key := range keys {
			var c = compareField(docs[i], docs[j], key.Field)
			if c == 0 {
				continue
			}
			if key.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

func compareField(a, b codec.Document, field string) int {
	var av, aok = a.Lookup(field)
	var bv, bok = b.Lookup(field)
	switch {
	case !aok && !bok:
		return 0
	case !aok:
		return -1
	case !bok:
		return 1
	}
	var c, comparable = codec.Compare(av, bv)
	if !comparable {
		return 0
	}
	return c
}
