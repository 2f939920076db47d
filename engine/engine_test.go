package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blitedb/blite/codec"
	"github.com/blitedb/blite/fault"
)

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	var e, err = Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func userDoc(id int64, name string, score float64) codec.Document {
	return codec.NewDocument().
		Set(codec.IDField, codec.Int64(id)).
		Set("name", codec.String(name)).
		Set("score", codec.Double(score))
}

func TestInsertAssignsObjectID(t *testing.T) {
	var e = openTestEngine(t)

	var id, err = e.Insert("users", codec.NewDocument().Set("name", codec.String("alice")))
	require.NoError(t, err)
	require.Equal(t, codec.IDObjectID, id.Kind)

	// Insert created the collection on first use.
	require.True(t, e.HasCollection("users"))
	require.Equal(t, []string{"users"}, e.Collections())

	doc, found, err := e.FindByID("users", id)
	require.NoError(t, err)
	require.True(t, found)
	var name, ok = doc.Get("name")
	require.True(t, ok)
	require.Equal(t, "alice", name.S)
}

func TestCRUDRoundTrip(t *testing.T) {
	var e = openTestEngine(t)

	var id, err = e.Insert("users", userDoc(7, "alice", 91.5))
	require.NoError(t, err)
	require.True(t, id.Equal(codec.Int64ID(7)))

	// A second insert with the same identifier conflicts.
	_, err = e.Insert("users", userDoc(7, "impostor", 0))
	require.True(t, fault.Is(err, fault.Conflict))

	found, err := e.Update("users", userDoc(7, "alice", 95))
	require.NoError(t, err)
	require.True(t, found)

	doc, ok, err := e.FindByID("users", codec.Int64ID(7))
	require.NoError(t, err)
	require.True(t, ok)
	var score, _ = doc.Get("score")
	require.Equal(t, 95.0, score.F)

	// Updates and deletes against absent documents report false, nil.
	found, err = e.Update("users", userDoc(8, "nobody", 0))
	require.NoError(t, err)
	require.False(t, found)
	found, err = e.Delete("users", codec.Int64ID(8))
	require.NoError(t, err)
	require.False(t, found)

	found, err = e.Delete("users", codec.Int64ID(7))
	require.NoError(t, err)
	require.True(t, found)

	n, err := e.Count("users")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestUpdateOnMissingCollection(t *testing.T) {
	var e = openTestEngine(t)

	var found, err = e.Update("ghost", userDoc(1, "x", 0))
	require.NoError(t, err)
	require.False(t, found)
	require.False(t, e.HasCollection("ghost"))
}

func TestScanIsInIdentifierOrder(t *testing.T) {
	var e = openTestEngine(t)
	for _, n := range []int64{30, 10, 20} {
		var _, err = e.Insert("nums", userDoc(n, "n", float64(n)))
		require.NoError(t, err)
	}

	var seen []int64
	require.NoError(t, e.Scan(context.Background(), "nums", func(id codec.DocID, _ codec.Document) error {
		seen = append(seen, id.Value().I)
		return nil
	}))
	require.Equal(t, []int64{10, 20, 30}, seen)
}

func TestBTreeIndexBackfillAndRange(t *testing.T) {
	var e = openTestEngine(t)
	for i, score := range []float64{50, 10, 30, 20, 40} {
		var _, err = e.Insert("users", userDoc(int64(i+1), "u", score))
		require.NoError(t, err)
	}

	// The index is backfilled from documents inserted before it existed.
	require.NoError(t, e.CreateIndex("users", IndexSpec{Name: "by-score", Field: "score", Kind: IndexBTree}))

	var lo, hi = codec.Double(15), codec.Double(40)
	var got []int64
	require.NoError(t, e.IndexRange(context.Background(), "users", "by-score", &lo, &hi,
		func(id codec.DocID) error {
			got = append(got, id.Value().I)
			return nil
		}))
	// Identifiers arrive in indexed-value order: 20, 30, 40.
	require.Equal(t, []int64{4, 3, 5}, got)

	// New writes maintain the index.
	var _, err = e.Insert("users", userDoc(6, "u", 25))
	require.NoError(t, err)
	got = got[:0]
	require.NoError(t, e.IndexRange(context.Background(), "users", "by-score", &lo, &hi,
		func(id codec.DocID) error {
			got = append(got, id.Value().I)
			return nil
		}))
	require.Equal(t, []int64{4, 6, 3, 5}, got)
}

// Indexed values and document identifiers both routinely contain zero
// bytes: numeric keys, bool false, null, and string keys with embedded
// NULs. The entry encoding must keep the two halves separable anyway.
func TestIndexRangeWithZeroBytesInValuesAndKeys(t *testing.T) {
	var e = openTestEngine(t)
	require.NoError(t, e.CreateIndex("events", IndexSpec{Name: "by-level", Field: "level", Kind: IndexBTree}))

	var put = func(id codec.DocID, level codec.Value) {
		t.Helper()
		var doc = codec.NewDocument().Set("level", level)
		switch id.Kind {
		case codec.IDInt64:
			doc.Set(codec.IDField, codec.Int64(id.Value().I))
		case codec.IDString:
			doc.Set(codec.IDField, codec.String(string(id.Raw)))
		}
		var _, err = e.Insert("events", doc)
		require.NoError(t, err)
	}
	put(codec.Int64ID(1), codec.Double(0))
	put(codec.Int64ID(2), codec.Bool(false))
	put(codec.StringID("a\x00b"), codec.Double(0))
	put(codec.StringID("plain"), codec.String("x\x00y"))
	put(codec.Int64ID(3), codec.Double(7))
	put(codec.Int64ID(4), codec.Null())

	var collect = func(min, max *codec.Value) []string {
		t.Helper()
		var ids []string
		require.NoError(t, e.IndexRange(context.Background(), "events", "by-level", min, max,
			func(id codec.DocID) error {
				ids = append(ids, id.String())
				return nil
			}))
		return ids
	}

	// An exact match on zero returns both zero-scored documents.
	var zero = codec.Double(0)
	require.ElementsMatch(t,
		[]string{codec.Int64ID(1).String(), codec.StringID("a\x00b").String()},
		collect(&zero, &zero))

	// An unbounded range walks every entry without misparsing any key.
	require.Len(t, collect(nil, nil), 6)

	// The inclusive upper bound does not leak into larger values.
	var hi = codec.Double(6)
	require.ElementsMatch(t,
		[]string{codec.Int64ID(1).String(), codec.StringID("a\x00b").String()},
		collect(&zero, &hi))
}

func TestCreateIndexRejectsDuplicates(t *testing.T) {
	var e = openTestEngine(t)
	require.NoError(t, e.CreateIndex("users", IndexSpec{Name: "ix", Field: "name", Kind: IndexBTree}))

	var err = e.CreateIndex("users", IndexSpec{Name: "ix", Field: "score", Kind: IndexBTree})
	require.True(t, fault.Is(err, fault.Conflict))

	err = e.CreateIndex("users", IndexSpec{Name: "bad", Field: "x", Kind: "hash"})
	require.True(t, fault.Is(err, fault.InvalidInput))
}

func TestUniqueIndexViolation(t *testing.T) {
	var e = openTestEngine(t)
	require.NoError(t, e.CreateIndex("users", IndexSpec{Name: "by-name", Field: "name", Kind: IndexBTree, Unique: true}))

	var _, err = e.Insert("users", userDoc(1, "alice", 1))
	require.NoError(t, err)

	_, err = e.Insert("users", userDoc(2, "alice", 2))
	require.True(t, fault.Is(err, fault.Conflict))

	// Re-writing the same document is not a violation.
	found, err := e.Update("users", userDoc(1, "alice", 3))
	require.NoError(t, err)
	require.True(t, found)
}

func TestDropIndex(t *testing.T) {
	var e = openTestEngine(t)
	require.NoError(t, e.CreateIndex("users", IndexSpec{Name: "ix", Field: "name", Kind: IndexBTree}))

	var found, err = e.DropIndex("users", "ix")
	require.NoError(t, err)
	require.True(t, found)
	require.Empty(t, e.Indexes("users"))

	found, err = e.DropIndex("users", "ix")
	require.NoError(t, err)
	require.False(t, found)
}

func TestTxReadsOwnWritesAndRollbackDiscards(t *testing.T) {
	var e = openTestEngine(t)

	var tx, err = e.Begin()
	require.NoError(t, err)

	_, err = tx.Insert("users", userDoc(1, "alice", 1))
	require.NoError(t, err)

	// Visible through the transaction.
	_, found, err := tx.FindByID("users", codec.Int64ID(1))
	require.NoError(t, err)
	require.True(t, found)

	require.NoError(t, tx.Rollback())

	// Discarded: neither the document nor the staged collection survive.
	_, found, err = e.FindByID("users", codec.Int64ID(1))
	require.NoError(t, err)
	require.False(t, found)
	require.False(t, e.HasCollection("users"))

	// Operations after finish fail.
	_, err = tx.Insert("users", userDoc(2, "bob", 2))
	require.True(t, fault.Is(err, fault.SemanticFailure))
}

func TestTxCommitPublishesEvents(t *testing.T) {
	var e = openTestEngine(t)
	var _, err = e.Insert("users", userDoc(1, "alice", 1))
	require.NoError(t, err)

	var sub = e.Subscribe("users", 16)
	defer sub.Cancel()

	tx, err := e.Begin()
	require.NoError(t, err)
	_, err = tx.Insert("users", userDoc(2, "bob", 2))
	require.NoError(t, err)
	found, err := tx.Update("users", userDoc(1, "alice", 9))
	require.NoError(t, err)
	require.True(t, found)

	// Nothing is observable before commit.
	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected pre-commit event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, tx.Commit())

	var ev = <-sub.C
	require.Equal(t, OpInsert, ev.Op)
	require.True(t, ev.ID.Equal(codec.Int64ID(2)))
	ev = <-sub.C
	require.Equal(t, OpUpdate, ev.Op)
	require.True(t, ev.ID.Equal(codec.Int64ID(1)))
}

func TestSubscribeScopeAndCancel(t *testing.T) {
	var e = openTestEngine(t)
	var users = e.Subscribe("users", 4)
	var orders = e.Subscribe("orders", 4)

	var _, err = e.Insert("users", userDoc(1, "alice", 1))
	require.NoError(t, err)

	var ev = <-users.C
	require.Equal(t, OpInsert, ev.Op)
	require.Equal(t, "users", ev.Collection)

	select {
	case ev = <-orders.C:
		t.Fatalf("event leaked across collections: %+v", ev)
	default:
	}

	users.Cancel()
	_, ok := <-users.C
	require.False(t, ok, "cancel closes the channel")

	orders.Cancel()
}

func TestVectorSearch(t *testing.T) {
	var e = openTestEngine(t)

	var _, err = e.VectorSearch(context.Background(), "docs", "", 3, 0, []float32{1, 0})
	require.True(t, fault.Is(err, fault.SemanticFailure))

	require.NoError(t, e.CreateIndex("docs", IndexSpec{
		Name: "vec", Field: "embedding", Kind: IndexVector, Dims: 2, Metric: MetricCosine,
	}))

	var vectors = map[int64][]float32{
		1: {1, 0},
		2: {0, 1},
		3: {0.9, 0.1},
	}
	for id, v := range vectors {
		_, err = e.Insert("docs", codec.NewDocument().
			Set(codec.IDField, codec.Int64(id)).
			Set("embedding", codec.Vector32(v)))
		require.NoError(t, err)
	}

	_, err = e.VectorSearch(context.Background(), "docs", "vec", 2, 0, []float32{1, 0, 0})
	require.True(t, fault.Is(err, fault.InvalidInput))

	matches, err := e.VectorSearch(context.Background(), "docs", "vec", 2, 0, []float32{1, 0})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	require.True(t, matches[0].ID.Equal(codec.Int64ID(1)))
	require.True(t, matches[1].ID.Equal(codec.Int64ID(3)))
	require.Less(t, matches[0].Distance, matches[1].Distance)
}

func TestTimeSeriesPurge(t *testing.T) {
	var e = openTestEngine(t)
	require.NoError(t, e.ConfigureTimeSeries("metrics", &TimeSeriesConfig{
		TTLField: "at", Retention: time.Minute,
	}))

	var now = time.Now()
	var _, err = e.Insert("metrics", codec.NewDocument().
		Set(codec.IDField, codec.Int64(1)).
		Set("at", codec.Timestamp(now.Add(-2*time.Minute))))
	require.NoError(t, err)
	_, err = e.Insert("metrics", codec.NewDocument().
		Set(codec.IDField, codec.Int64(2)).
		Set("at", codec.Timestamp(now)))
	require.NoError(t, err)

	purged, err := e.PurgeExpired(context.Background(), func() int64 { return now.UnixNano() })
	require.NoError(t, err)
	require.Equal(t, 1, purged)

	_, found, err := e.FindByID("metrics", codec.Int64ID(1))
	require.NoError(t, err)
	require.False(t, found)
	_, found, err = e.FindByID("metrics", codec.Int64ID(2))
	require.NoError(t, err)
	require.True(t, found)
}

func TestConfigureTimeSeriesValidation(t *testing.T) {
	var e = openTestEngine(t)
	var err = e.ConfigureTimeSeries("metrics", &TimeSeriesConfig{TTLField: "", Retention: time.Hour})
	require.True(t, fault.Is(err, fault.InvalidInput))
	err = e.ConfigureTimeSeries("metrics", &TimeSeriesConfig{TTLField: "at", Retention: 0})
	require.True(t, fault.Is(err, fault.InvalidInput))
}

func TestDropCollection(t *testing.T) {
	var e = openTestEngine(t)
	var _, err = e.Insert("users", userDoc(1, "alice", 1))
	require.NoError(t, err)
	require.NoError(t, e.CreateIndex("users", IndexSpec{Name: "ix", Field: "name", Kind: IndexBTree}))

	dropped, err := e.DropCollection("users")
	require.NoError(t, err)
	require.True(t, dropped)
	require.False(t, e.HasCollection("users"))

	dropped, err = e.DropCollection("users")
	require.NoError(t, err)
	require.False(t, dropped)
}

func TestBackupIsOpenable(t *testing.T) {
	var e = openTestEngine(t)
	var _, err = e.Insert("users", userDoc(1, "alice", 1))
	require.NoError(t, err)

	var path = filepath.Join(t.TempDir(), "copy.db")
	require.NoError(t, e.Backup(path))

	copied, err := Open(path)
	require.NoError(t, err)
	defer copied.Close()

	_, found, err := copied.FindByID("users", codec.Int64ID(1))
	require.NoError(t, err)
	require.True(t, found)
}

func TestStateSurvivesReopen(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "test.db")
	var e, err = Open(path)
	require.NoError(t, err)

	_, err = e.Insert("users", userDoc(1, "alice", 1))
	require.NoError(t, err)
	require.NoError(t, e.CreateIndex("users", IndexSpec{Name: "ix", Field: "score", Kind: IndexBTree}))
	_, err = e.AppendSchema("users", []SchemaField{{Name: "name", Type: 1}})
	require.NoError(t, err)
	require.NoError(t, e.Close())

	e, err = Open(path)
	require.NoError(t, err)
	defer e.Close()

	// Dictionary, collection meta, and documents all persisted.
	doc, found, err := e.FindByID("users", codec.Int64ID(1))
	require.NoError(t, err)
	require.True(t, found)
	var name, ok = doc.Get("name")
	require.True(t, ok)
	require.Equal(t, "alice", name.S)
	require.Len(t, e.Indexes("users"), 1)
	require.Len(t, e.Schema("users"), 1)
}

func TestVectorSourceText(t *testing.T) {
	var src = &VectorSource{
		Separator: " ",
		Parts: []VectorSourcePart{
			{Path: "title", Prefix: "title: "},
			{Path: "body"},
			{Path: "missing"},
		},
	}
	var fields = map[string]string{"title": "hello", "body": "world"}
	var text = src.Text(func(path string) (string, bool) {
		var v, ok = fields[path]
		return v, ok
	})
	require.Equal(t, "title: hello world", text)
}
