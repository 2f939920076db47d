// Package qcache implements the query result cache: a size-bounded keyed
// store of materialised result sets with tag-based invalidation per
// (database, physical collection) pair. The engine is unaware of it; when
// disabled every call is a no-op.
package qcache

import (
	"encoding/hex"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/minio/highwayhash"
	log "github.com/sirupsen/logrus"
)

// Variants distinguish the request shapes that share a collection.
const (
	VariantList     = "list"
	VariantBody     = "body"  // HTTP JSON query, body hash
	VariantParams   = "qs"    // query-string query, concatenated-params hash
	VariantCount    = "count"
	VariantRPCQuery = "rpc"   // binary descriptor-bytes hash
)

// sysSentinel stands in for the system database's empty id inside keys.
const sysSentinel = "~sys"

// Config controls the cache. Zero durations fall back to defaults.
type Config struct {
	Enabled          bool
	Sliding          time.Duration
	Absolute         time.Duration
	MaxSizeBytes     int64
	MaxResultSetSize int
}

// Result is one cached value: a materialised list of encoded document
// buffers, or a small scalar (a count).
type Result struct {
	Docs  [][]byte
	Count *int64
}

func (r *Result) size() int64 {
	var n int64 = 16
	for _, d := range r.Docs {
		n += int64(len(d))
	}
	return n
}

// Len returns the element count for the MaxResultSetSize guard.
func (r *Result) Len() int { return len(r.Docs) }

// token is the invalidation handle shared by every entry of one
// (database, collection) pair.
type token struct {
	cancelled atomic.Bool
}

type entry struct {
	value      *Result
	tok        *token
	absolute   time.Time
	sliding    time.Duration
	lastAccess atomic.Int64 // unix nanos
	bytes      int64
}

// Cache is the process-wide query cache.
type Cache struct {
	cfg Config

	mu      sync.Mutex
	store   *lru.Cache[string, *entry]
	bytes   int64
	tokens  sync.Map // "db|col" → *token
	hashKey [32]byte
}

// New builds a Cache. A disabled configuration yields a cache whose every
// method returns immediately.
func New(cfg Config) *Cache {
	if cfg.Sliding <= 0 {
		cfg.Sliding = 60 * time.Second
	}
	if cfg.Absolute <= 0 {
		cfg.Absolute = 5 * time.Minute
	}
	if cfg.MaxSizeBytes <= 0 {
		cfg.MaxSizeBytes = 64 << 20
	}
	if cfg.MaxResultSetSize <= 0 {
		cfg.MaxResultSetSize = 10_000
	}
	var c = &Cache{cfg: cfg}
	if !cfg.Enabled {
		return c
	}
	// Entry-count capacity is a backstop; the byte budget is enforced on Set.
	var store, err = lru.NewWithEvict[string, *entry](65536, func(_ string, e *entry) {
		c.bytes -= e.bytes
	})
	if err != nil {
		panic(err)
	}
	c.store = store
	return c
}

// Enabled reports whether the cache is active.
func (c *Cache) Enabled() bool { return c.cfg.Enabled }

// MaxResultSetSize returns the per-entry element cap.
func (c *Cache) MaxResultSetSize() int { return c.cfg.MaxResultSetSize }

func dbKey(db string) string {
	if db == "" {
		return sysSentinel
	}
	return db
}

// Key derives the deterministic cache key of a request shape.
func (c *Cache) Key(db, col, variant string, params []byte) string {
	var h, _ = highwayhash.New64(c.hashKey[:])
	_, _ = h.Write(params)
	var sum = h.Sum(nil)
	return strings.Join([]string{"v1", dbKey(db), col, variant, hex.EncodeToString(sum)}, "|")
}

// Get returns the cached value for |key| if its token is live and it has
// not expired.
func (c *Cache) Get(key string) (*Result, bool) {
	if !c.cfg.Enabled {
		return nil, false
	}
	c.mu.Lock()
	var e, ok = c.store.Get(key)
	c.mu.Unlock()
	if !ok {
		cacheMisses.Inc()
		return nil, false
	}
	var now = time.Now()
	if e.tok.cancelled.Load() ||
		now.After(e.absolute) ||
		now.Sub(time.Unix(0, e.lastAccess.Load())) > e.sliding {
		c.mu.Lock()
		c.store.Remove(key)
		c.mu.Unlock()
		cacheMisses.Inc()
		return nil, false
	}
	e.lastAccess.Store(now.UnixNano())
	cacheHits.Inc()
	return e.value, true
}

// Set stores |value| under |key|, tagged with the invalidation token of
// (|db|, |col|). Values above MaxResultSetSize elements must not be passed.
func (c *Cache) Set(key string, value *Result, db, col string) {
	if !c.cfg.Enabled {
		return
	}
	if value.Len() > c.cfg.MaxResultSetSize {
		log.WithFields(log.Fields{"key": key, "len": value.Len()}).
			Warn("refusing to cache an oversized result set")
		return
	}
	var tagKey = dbKey(db) + "|" + col
	var tokAny, _ = c.tokens.LoadOrStore(tagKey, new(token))
	var tok = tokAny.(*token)
	if tok.cancelled.Load() {
		// Raced with an invalidation; mint a fresh token.
		c.tokens.CompareAndDelete(tagKey, tokAny)
		tokAny, _ = c.tokens.LoadOrStore(tagKey, new(token))
		tok = tokAny.(*token)
	}

	var e = &entry{
		value:    value,
		tok:      tok,
		absolute: time.Now().Add(c.cfg.Absolute),
		sliding:  c.cfg.Sliding,
		bytes:    value.size(),
	}
	e.lastAccess.Store(time.Now().UnixNano())

	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.store.Peek(key); ok {
		c.bytes -= prev.bytes
	}
	c.store.Add(key, e)
	c.bytes += e.bytes
	for c.bytes > c.cfg.MaxSizeBytes && c.store.Len() > 0 {
		c.store.RemoveOldest()
	}
	cacheBytes.Set(float64(c.bytes))
}

// Invalidate atomically removes and cancels the token of (|db|, |col|);
// every entry tagged with it becomes unreachable.
func (c *Cache) Invalidate(db, col string) {
	if !c.cfg.Enabled {
		return
	}
	if tokAny, ok := c.tokens.LoadAndDelete(dbKey(db) + "|" + col); ok {
		tokAny.(*token).cancelled.Store(true)
		cacheInvalidations.Inc()
	}
}

// InvalidateDatabase cancels every collection token of |db|.
func (c *Cache) InvalidateDatabase(db string) {
	if !c.cfg.Enabled {
		return
	}
	var prefix = dbKey(db) + "|"
	c.tokens.Range(func(key, tokAny interface{}) bool {
		if strings.HasPrefix(key.(string), prefix) {
			if _, ok := c.tokens.LoadAndDelete(key); ok {
				tokAny.(*token).cancelled.Store(true)
				cacheInvalidations.Inc()
			}
		}
		return true
	})
}
