// Package txn coordinates explicit client transactions. Each database
// admits at most one active transaction at a time; sessions are owned by
// the user that began them and are swept after an idle timeout.
package txn

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/blitedb/blite/engine"
	"github.com/blitedb/blite/fault"
	"github.com/blitedb/blite/registry"
)

// Invalidator receives collection invalidations on commit. The query
// cache satisfies it.
type Invalidator interface {
	Invalidate(db, col string)
}

type noopInvalidator struct{}

func (noopInvalidator) Invalidate(string, string) {}

// Config controls session admission and sweeping.
type Config struct {
	// BeginWait bounds how long Begin blocks for the database's slot.
	BeginWait time.Duration
	// IdleTimeout is the inactivity threshold after which Sweep rolls a
	// session back.
	IdleTimeout time.Duration
}

// Session is one active explicit transaction.
type Session struct {
	ID        uuid.UUID
	User      string
	DB        string
	StartedAt time.Time

	tx           *engine.Tx
	lastActivity time.Time

	dirtyMu sync.Mutex
	dirty   map[string]struct{}
}

// Tx exposes the engine transaction bound to the session.
func (s *Session) Tx() *engine.Tx { return s.tx }

// MarkDirty records that |col| was written within the session. Safe for
// concurrent calls racing on the same transaction id.
func (s *Session) MarkDirty(col string) {
	s.dirtyMu.Lock()
	s.dirty[col] = struct{}{}
	s.dirtyMu.Unlock()
}

// dirtyCols snapshots the written collections.
func (s *Session) dirtyCols() []string {
	s.dirtyMu.Lock()
	defer s.dirtyMu.Unlock()
	var out = make([]string, 0, len(s.dirty))
	for col := range s.dirty {
		out = append(out, col)
	}
	return out
}

// Coordinator owns all live sessions of the process.
type Coordinator struct {
	cfg   Config
	reg   *registry.Registry
	cache Invalidator

	mu        sync.Mutex
	sessions  map[uuid.UUID]*Session
	gates     map[string]*semaphore.Weighted
	swept     map[uuid.UUID]struct{}
	sweptFifo []uuid.UUID
}

// sweptHistory bounds how many reaped transaction ids are remembered for
// error reporting.
const sweptHistory = 256

// NewCoordinator builds a Coordinator over |reg|. A nil |cache| disables
// commit-time invalidation.
func NewCoordinator(cfg Config, reg *registry.Registry, cache Invalidator) *Coordinator {
	if cfg.BeginWait <= 0 {
		cfg.BeginWait = 5 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cache == nil {
		cache = noopInvalidator{}
	}
	return &Coordinator{
		cfg:      cfg,
		reg:      reg,
		cache:    cache,
		sessions: make(map[uuid.UUID]*Session),
		gates:    make(map[string]*semaphore.Weighted),
		swept:    make(map[uuid.UUID]struct{}),
	}
}

func (c *Coordinator) gate(db string) *semaphore.Weighted {
	c.mu.Lock()
	defer c.mu.Unlock()
	var g, ok = c.gates[db]
	if !ok {
		g = semaphore.NewWeighted(1)
		c.gates[db] = g
	}
	return g
}

// Begin opens an explicit transaction on |db| for |user|. It waits a
// bounded time for the database's single transaction slot; on timeout the
// caller receives a semantic failure rather than queueing indefinitely.
func (c *Coordinator) Begin(ctx context.Context, user, db string) (*Session, error) {
	db = registry.NormalizeID(db)
	var e, err = c.reg.Get(db)
	if err != nil {
		return nil, err
	}

	var gate = c.gate(db)
	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.BeginWait)
	defer cancel()
	if err = gate.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fault.Errorf(fault.SemanticFailure,
			"database %q already has an active transaction", displayDB(db))
	}

	tx, err := e.Begin()
	if err != nil {
		gate.Release(1)
		return nil, err
	}
	var now = time.Now()
	var s = &Session{
		ID:           uuid.New(),
		User:         user,
		DB:           db,
		StartedAt:    now,
		tx:           tx,
		lastActivity: now,
		dirty:        make(map[string]struct{}),
	}
	c.mu.Lock()
	c.sessions[s.ID] = s
	c.mu.Unlock()
	activeSessions.Inc()

	log.WithFields(log.Fields{"txn": s.ID, "database": displayDB(db), "user": user}).
		Debug("began transaction")
	return s, nil
}

// Require resolves |id| to the caller's live session, bumping its
// activity clock. A session reaped by the idle sweep reports a semantic
// failure, distinct from an id the coordinator never knew.
func (c *Coordinator) Require(id uuid.UUID, user string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var s, ok = c.sessions[id]
	if !ok {
		return nil, c.missing(id)
	}
	if s.User != user {
		return nil, fault.Errorf(fault.PermissionDenied, "transaction %s belongs to another user", id)
	}
	s.lastActivity = time.Now()
	return s, nil
}

// HasActive reports whether |db| has a live explicit transaction. Cache
// fills are suppressed while one is open.
func (c *Coordinator) HasActive(db string) bool {
	db = registry.NormalizeID(db)
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.sessions {
		if s.DB == db {
			return true
		}
	}
	return false
}

// Commit commits the session and invalidates cached results of every
// collection it wrote. The slot is released even when the commit fails.
func (c *Coordinator) Commit(id uuid.UUID, user string) error {
	var s, err = c.take(id, user)
	if err != nil {
		return err
	}
	defer c.release(s)

	if err = s.tx.Commit(); err != nil {
		_ = s.tx.Rollback()
		txnAborts.Inc()
		return err
	}
	var dirty = s.dirtyCols()
	for _, col := range dirty {
		c.cache.Invalidate(s.DB, col)
	}
	txnCommits.Inc()
	log.WithFields(log.Fields{"txn": s.ID, "database": displayDB(s.DB), "dirty": len(dirty)}).
		Debug("committed transaction")
	return nil
}

// Rollback discards the session. Cached results remain valid.
func (c *Coordinator) Rollback(id uuid.UUID, user string) error {
	var s, err = c.take(id, user)
	if err != nil {
		return err
	}
	defer c.release(s)

	txnAborts.Inc()
	return s.tx.Rollback()
}

// take removes the session from the table under the ownership check, so a
// concurrent Commit and Rollback cannot both finish it.
func (c *Coordinator) take(id uuid.UUID, user string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var s, ok = c.sessions[id]
	if !ok {
		return nil, c.missing(id)
	}
	if s.User != user {
		return nil, fault.Errorf(fault.PermissionDenied, "transaction %s belongs to another user", id)
	}
	delete(c.sessions, id)
	return s, nil
}

// missing classifies an unknown transaction id. Caller holds c.mu.
func (c *Coordinator) missing(id uuid.UUID) error {
	if _, swept := c.swept[id]; swept {
		return fault.Errorf(fault.SemanticFailure, "transaction %s was rolled back after idling past its timeout", id)
	}
	return fault.Errorf(fault.NotFound, "transaction %s not found", id)
}

// recordSwept remembers a reaped id, evicting oldest-first at the bound.
// Caller holds c.mu.
func (c *Coordinator) recordSwept(id uuid.UUID) {
	if len(c.sweptFifo) >= sweptHistory {
		delete(c.swept, c.sweptFifo[0])
		c.sweptFifo = c.sweptFifo[1:]
	}
	c.swept[id] = struct{}{}
	c.sweptFifo = append(c.sweptFifo, id)
}

func (c *Coordinator) release(s *Session) {
	c.gate(s.DB).Release(1)
	activeSessions.Dec()
}

// Sweep rolls back sessions idle past the configured threshold and
// returns how many were reaped. The server calls it periodically.
func (c *Coordinator) Sweep() int {
	var cutoff = time.Now().Add(-c.cfg.IdleTimeout)

	c.mu.Lock()
	var expired []*Session
	for id, s := range c.sessions {
		if s.lastActivity.Before(cutoff) {
			expired = append(expired, s)
			delete(c.sessions, id)
			c.recordSwept(id)
		}
	}
	c.mu.Unlock()

	for _, s := range expired {
		_ = s.tx.Rollback()
		c.release(s)
		txnSweeps.Inc()
		log.WithFields(log.Fields{"txn": s.ID, "database": displayDB(s.DB), "user": s.User,
			"idle": time.Since(s.lastActivity).Truncate(time.Second)}).
			Warn("swept idle transaction")
	}
	return len(expired)
}

// Run sweeps on |interval| until |ctx| is cancelled, then rolls back every
// remaining session.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) {
	var ticker = time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-ctx.Done():
			c.mu.Lock()
			var rest []*Session
			for id, s := range c.sessions {
				rest = append(rest, s)
				delete(c.sessions, id)
			}
			c.mu.Unlock()
			for _, s := range rest {
				_ = s.tx.Rollback()
				c.release(s)
			}
			return
		}
	}
}

func displayDB(db string) string {
	if db == registry.SystemID {
		return "_system"
	}
	return db
}
