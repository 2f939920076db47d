// Package registry manages the set of open engines: the always-present
// system engine plus zero or more tenant engines, one database file each.
package registry

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/blitedb/blite/engine"
	"github.com/blitedb/blite/fault"
)

// SystemID is the canonical in-process id of the system database.
const SystemID = ""

const systemFile = "system.db"

// Tenant describes one known database.
type Tenant struct {
	ID     string `json:"id"`
	Active bool   `json:"active"`
}

// Registry is the process-wide engine table.
type Registry struct {
	dir string

	mu      sync.RWMutex
	system  *engine.Engine
	tenants map[string]*engine.Engine
}

// Open opens the registry rooted at |dir|, creating and opening the system
// engine, and opening every tenant file already present on disk.
func Open(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	var system, err = engine.Open(filepath.Join(dir, systemFile))
	if err != nil {
		return nil, err
	}
	var r = &Registry{dir: dir, system: system, tenants: make(map[string]*engine.Engine)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		_ = system.Close()
		return nil, err
	}
	for _, entry := range entries {
		var name = entry.Name()
		if entry.IsDir() || name == systemFile || !strings.HasSuffix(name, ".db") {
			continue
		}
		var id = strings.TrimSuffix(name, ".db")
		var e, err = engine.Open(filepath.Join(dir, name))
		if err != nil {
			log.WithFields(log.Fields{"database": id, "err": err}).Warn("tenant database failed to open; left inactive")
			continue
		}
		r.tenants[id] = e
	}
	return r, nil
}

// NormalizeID canonicalises a database id: lowercased and trimmed, with the
// system sentinels mapping to SystemID.
func NormalizeID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "null" || id == "default" || id == "_system" {
		return SystemID
	}
	return id
}

// System returns the system engine.
func (r *Registry) System() *engine.Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.system
}

// Get returns the engine for |id| (SystemID selects the system engine).
func (r *Registry) Get(id string) (*engine.Engine, error) {
	id = NormalizeID(id)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id == SystemID {
		return r.system, nil
	}
	var e, ok = r.tenants[id]
	if !ok {
		return nil, fault.Errorf(fault.NotFound, "database %q not found", id)
	}
	return e, nil
}

// List enumerates known tenants, including inactive on-disk files, sorted
// by id.
func (r *Registry) List() ([]Tenant, error) {
	r.mu.RLock()
	var open = make(map[string]bool, len(r.tenants))
	for id := range r.tenants {
		open[id] = true
	}
	r.mu.RUnlock()

	var entries, err = os.ReadDir(r.dir)
	if err != nil {
		return nil, err
	}
	var out []Tenant
	for _, entry := range entries {
		var name = entry.Name()
		if entry.IsDir() || name == systemFile || !strings.HasSuffix(name, ".db") {
			continue
		}
		var id = strings.TrimSuffix(name, ".db")
		out = append(out, Tenant{ID: id, Active: open[id]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Provision creates and opens a new tenant engine. Conflict if it exists.
func (r *Registry) Provision(id string) error {
	id = NormalizeID(id)
	if id == SystemID {
		return fault.Errorf(fault.InvalidInput, "cannot provision the system database")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tenants[id]; ok {
		return fault.Errorf(fault.Conflict, "database %q already exists", id)
	}
	var path = filepath.Join(r.dir, id+".db")
	if _, err := os.Stat(path); err == nil {
		return fault.Errorf(fault.Conflict, "database %q already exists on disk", id)
	}
	var e, err = engine.Open(path)
	if err != nil {
		return err
	}
	r.tenants[id] = e
	log.WithField("database", id).Info("provisioned tenant database")
	return nil
}

// Deprovision closes the tenant engine and, when |deleteFiles|, removes its
// on-disk file. NotFound if the tenant is unknown.
func (r *Registry) Deprovision(id string, deleteFiles bool) error {
	id = NormalizeID(id)
	if id == SystemID {
		return fault.Errorf(fault.InvalidInput, "cannot deprovision the system database")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var e, ok = r.tenants[id]
	var path = filepath.Join(r.dir, id+".db")
	if !ok {
		if _, err := os.Stat(path); err != nil {
			return fault.Errorf(fault.NotFound, "database %q not found", id)
		}
	} else {
		if err := e.Close(); err != nil {
			return err
		}
		delete(r.tenants, id)
	}
	if deleteFiles {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	log.WithFields(log.Fields{"database": id, "deleteFiles": deleteFiles}).Info("deprovisioned tenant database")
	return nil
}

// SubscribeChange attaches to the change-capture feed of (|id|, |col|).
func (r *Registry) SubscribeChange(id, col string, buffer int) (*engine.Subscription, error) {
	var e, err = r.Get(id)
	if err != nil {
		return nil, err
	}
	return e.Subscribe(col, buffer), nil
}

// Close closes every open engine.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for id, e := range r.tenants {
		if err := e.Close(); err != nil && first == nil {
			first = err
		}
		delete(r.tenants, id)
	}
	if err := r.system.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
