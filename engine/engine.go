// Package engine implements the embedded per-database document store on a
// single bbolt file: named collections of codec-encoded documents, btree
// and vector secondary indexes, schema history, time-series retention,
// explicit write transactions, change capture, and file backup.
package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/blitedb/blite/dict"
	"github.com/blitedb/blite/fault"
)

var (
	bucketMeta = []byte("meta")
	keyDict    = []byte("dict")
	metaColPfx = "col:"
)

// Engine is one open database file.
type Engine struct {
	path string
	db   *bolt.DB
	dict *dict.Dictionary

	mu    sync.RWMutex
	metas map[string]*collectionMeta

	hub *hub
}

// Open opens or creates the database file at |path|.
func Open(path string) (*Engine, error) {
	var db, err = bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	var e = &Engine{
		path:  path,
		db:    db,
		dict:  dict.New(),
		metas: make(map[string]*collectionMeta),
		hub:   newHub(),
	}
	if err = db.Update(func(btx *bolt.Tx) error {
		var meta, err = btx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		if raw := meta.Get(keyDict); raw != nil {
			var pairs []dict.Pair
			if err = json.Unmarshal(raw, &pairs); err != nil {
				return fmt.Errorf("decoding dictionary: %w", err)
			}
			if err = e.dict.Load(pairs); err != nil {
				return err
			}
		}
		return meta.ForEach(func(k, v []byte) error {
			if len(k) <= len(metaColPfx) || string(k[:len(metaColPfx)]) != metaColPfx {
				return nil
			}
			var m = new(collectionMeta)
			if err := json.Unmarshal(v, m); err != nil {
				return fmt.Errorf("decoding collection meta %q: %w", k, err)
			}
			e.metas[m.Name] = m
			return nil
		})
	}); err != nil {
		_ = db.Close()
		return nil, err
	}

	log.WithFields(log.Fields{"path": path, "collections": len(e.metas)}).Debug("opened engine")
	return e, nil
}

// Close closes the underlying file and detaches all change subscribers.
func (e *Engine) Close() error {
	e.hub.close()
	return e.db.Close()
}

// Path returns the on-disk file path.
func (e *Engine) Path() string { return e.path }

// Dict returns the engine's field dictionary.
func (e *Engine) Dict() *dict.Dictionary { return e.dict }

// RegisterFields assigns dictionary ids to |names| and persists the
// dictionary. It returns assignments for the requested names only.
func (e *Engine) RegisterFields(names []string) (map[string]uint16, error) {
	var before = e.dict.Len()
	var out, err = e.dict.Register(names)
	if err != nil {
		return nil, err
	}
	if e.dict.Len() == before {
		return out, nil // Nothing new to persist.
	}
	if err = e.db.Update(e.persistDict); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) persistDict(btx *bolt.Tx) error {
	var raw, err = json.Marshal(e.dict.Snapshot())
	if err != nil {
		return err
	}
	return btx.Bucket(bucketMeta).Put(keyDict, raw)
}

// meta returns the cached descriptor of |col|.
func (e *Engine) meta(col string) (*collectionMeta, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var m, ok = e.metas[col]
	return m, ok
}

// mutateMeta applies |fn| to the (created-if-absent) descriptor of |col|
// and persists it.
func (e *Engine) mutateMeta(col string, fn func(*collectionMeta) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var m, ok = e.metas[col]
	if !ok {
		m = &collectionMeta{Name: col}
	}
	if err := fn(m); err != nil {
		return err
	}
	if err := e.db.Update(func(btx *bolt.Tx) error {
		if _, err := btx.CreateBucketIfNotExists(docBucket(col)); err != nil {
			return err
		}
		return putMeta(btx, m)
	}); err != nil {
		return err
	}
	e.metas[col] = m
	return nil
}

func putMeta(btx *bolt.Tx, m *collectionMeta) error {
	var raw, err = json.Marshal(m)
	if err != nil {
		return err
	}
	return btx.Bucket(bucketMeta).Put([]byte(metaColPfx+m.Name), raw)
}

// CreateCollection ensures |col| exists. Idempotent.
func (e *Engine) CreateCollection(col string) error {
	return e.mutateMeta(col, func(*collectionMeta) error { return nil })
}

// HasCollection reports whether |col| exists.
func (e *Engine) HasCollection(col string) bool {
	var _, ok = e.meta(col)
	return ok
}

// Collections lists collection names in lexical order.
func (e *Engine) Collections() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out = make([]string, 0, len(e.metas))
	for name := range e.metas {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// DropCollection removes the collection, its documents, and its indexes.
// It returns false if the collection does not exist.
func (e *Engine) DropCollection(col string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var m, ok = e.metas[col]
	if !ok {
		return false, nil
	}
	if err := e.db.Update(func(btx *bolt.Tx) error {
		if err := deleteBucketIfExists(btx, docBucket(col)); err != nil {
			return err
		}
		for _, ix := range m.Indexes {
			if err := deleteBucketIfExists(btx, indexBucket(col, ix.Name)); err != nil {
				return err
			}
		}
		return btx.Bucket(bucketMeta).Delete([]byte(metaColPfx + col))
	}); err != nil {
		return false, err
	}
	delete(e.metas, col)
	return true, nil
}

func deleteBucketIfExists(btx *bolt.Tx, name []byte) error {
	if btx.Bucket(name) == nil {
		return nil
	}
	return btx.DeleteBucket(name)
}

// Indexes returns the secondary-index descriptors of |col|.
func (e *Engine) Indexes(col string) []IndexSpec {
	var m, ok = e.meta(col)
	if !ok {
		return nil
	}
	return append([]IndexSpec(nil), m.Indexes...)
}

// CreateIndex adds a secondary index and backfills it from existing
// documents. Conflict if an index with the same name exists.
func (e *Engine) CreateIndex(col string, spec IndexSpec) error {
	spec.Name = dict.Normalize(spec.Name)
	spec.Field = dict.Normalize(spec.Field)
	if spec.Name == "" || spec.Field == "" {
		return fault.Errorf(fault.InvalidInput, "index name and field are required")
	}
	switch spec.Kind {
	case IndexBTree, IndexSpatial:
	case IndexVector:
		if spec.Dims <= 0 {
			return fault.Errorf(fault.InvalidInput, "vector index requires dims > 0")
		}
		switch spec.Metric {
		case MetricCosine, MetricL2, MetricDot:
		case "":
			spec.Metric = MetricCosine
		default:
			return fault.Errorf(fault.InvalidInput, "unknown distance metric %q", spec.Metric)
		}
	default:
		return fault.Errorf(fault.InvalidInput, "unknown index kind %q", spec.Kind)
	}

	if err := e.mutateMeta(col, func(m *collectionMeta) error {
		if _, ok := m.index(spec.Name); ok {
			return fault.Errorf(fault.Conflict, "index %q already exists on %q", spec.Name, col)
		}
		m.Indexes = append(m.Indexes, spec)
		return nil
	}); err != nil {
		return err
	}
	return e.backfillIndex(col, spec)
}

// DropIndex removes the named index. False if absent.
func (e *Engine) DropIndex(col, name string) (bool, error) {
	name = dict.Normalize(name)
	var found bool
	var err = e.mutateMeta(col, func(m *collectionMeta) error {
		for i, ix := range m.Indexes {
			if ix.Name == name {
				m.Indexes = append(m.Indexes[:i], m.Indexes[i+1:]...)
				found = true
				break
			}
		}
		return nil
	})
	if err != nil || !found {
		return false, err
	}
	err = e.db.Update(func(btx *bolt.Tx) error {
		return deleteBucketIfExists(btx, indexBucket(col, name))
	})
	return found, err
}

// SetVectorSource installs (or clears, when nil) the embedding-input recipe.
func (e *Engine) SetVectorSource(col string, src *VectorSource) error {
	return e.mutateMeta(col, func(m *collectionMeta) error {
		m.VecSource = src
		return nil
	})
}

// GetVectorSource returns the collection's embedding-input recipe, if any.
func (e *Engine) GetVectorSource(col string) (*VectorSource, bool) {
	var m, ok = e.meta(col)
	if !ok || m.VecSource == nil {
		return nil, false
	}
	return m.VecSource, true
}

// VectorIndex returns the named (or first) vector index of |col|.
func (e *Engine) VectorIndex(col, name string) (IndexSpec, bool) {
	var m, ok = e.meta(col)
	if !ok {
		return IndexSpec{}, false
	}
	return m.vectorIndex(dict.Normalize(name))
}

// AppendSchema appends a new schema version and returns its number.
func (e *Engine) AppendSchema(col string, fields []SchemaField) (int, error) {
	var version int
	var err = e.mutateMeta(col, func(m *collectionMeta) error {
		version = len(m.Schema) + 1
		m.Schema = append(m.Schema, SchemaVersion{
			Version: version,
			Fields:  fields,
			AddedAt: time.Now().UTC(),
		})
		return nil
	})
	return version, err
}

// Schema returns the append-only schema history of |col|.
func (e *Engine) Schema(col string) []SchemaVersion {
	var m, ok = e.meta(col)
	if !ok {
		return nil
	}
	return append([]SchemaVersion(nil), m.Schema...)
}

// ConfigureTimeSeries installs (or clears, when nil) TTL retention.
func (e *Engine) ConfigureTimeSeries(col string, cfg *TimeSeriesConfig) error {
	if cfg != nil {
		cfg.TTLField = dict.Normalize(cfg.TTLField)
		if cfg.TTLField == "" || cfg.Retention <= 0 {
			return fault.Errorf(fault.InvalidInput, "time-series requires a ttl field and positive retention")
		}
	}
	return e.mutateMeta(col, func(m *collectionMeta) error {
		m.TimeSeries = cfg
		return nil
	})
}

// TimeSeries returns the collection's TTL configuration, if any.
func (e *Engine) TimeSeries(col string) (*TimeSeriesConfig, bool) {
	var m, ok = e.meta(col)
	if !ok || m.TimeSeries == nil {
		return nil, false
	}
	return m.TimeSeries, true
}

func docBucket(col string) []byte { return []byte("doc:" + col) }

func indexBucket(col, index string) []byte { return []byte("idx:" + col + ":" + index) }
