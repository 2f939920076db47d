// Package dict implements the per-database field dictionary: an append-only
// mapping from lowercased field names to small unsigned ids. The dictionary
// underpins the compact document codec; every encoded buffer references
// field ids that must be present here.
package dict

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/blitedb/blite/fault"
)

// Dictionary assigns ids at most once per name and never reuses them.
// Reads are lock-free against an immutable snapshot map; id assignment
// copies the maps under a mutex.
type Dictionary struct {
	mu      sync.Mutex
	forward atomic.Pointer[map[string]uint16]
	reverse atomic.Pointer[map[uint16]string]
	next    uint16
}

// New returns an empty Dictionary.
func New() *Dictionary {
	var d = new(Dictionary)
	var fwd = make(map[string]uint16)
	var rev = make(map[uint16]string)
	d.forward.Store(&fwd)
	d.reverse.Store(&rev)
	return d
}

// Normalize lowercases and trims a field name.
func Normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register assigns ids to any of |names| not yet known, and returns the
// name→id mapping for the requested names only. Idempotent: a name's id,
// once assigned, never changes.
func (d *Dictionary) Register(names []string) (map[string]uint16, error) {
	var out = make(map[string]uint16, len(names))

	var fwd = *d.forward.Load()
	var missing []string
	for _, name := range names {
		name = Normalize(name)
		if name == "" {
			return nil, fault.Errorf(fault.InvalidInput, "empty field name")
		}
		if id, ok := fwd[name]; ok {
			out[name] = id
		} else {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	// Re-check under the lock; a concurrent Register may have won.
	fwd = *d.forward.Load()
	var rev = *d.reverse.Load()

	var nextFwd = make(map[string]uint16, len(fwd)+len(missing))
	var nextRev = make(map[uint16]string, len(rev)+len(missing))
	for k, v := range fwd {
		nextFwd[k] = v
	}
	for k, v := range rev {
		nextRev[k] = v
	}

	for _, name := range missing {
		if id, ok := nextFwd[name]; ok {
			out[name] = id
			continue
		}
		var id = d.next
		d.next++
		nextFwd[name] = id
		nextRev[id] = name
		out[name] = id
	}
	d.forward.Store(&nextFwd)
	d.reverse.Store(&nextRev)
	return out, nil
}

// IDOf resolves a (normalized) name to its id.
func (d *Dictionary) IDOf(name string) (uint16, bool) {
	var id, ok = (*d.forward.Load())[Normalize(name)]
	return id, ok
}

// NameOf resolves an id to its name.
func (d *Dictionary) NameOf(id uint16) (string, bool) {
	var name, ok = (*d.reverse.Load())[id]
	return name, ok
}

// Forward returns the current name→id map. The map is shared and must not
// be mutated.
func (d *Dictionary) Forward() map[string]uint16 { return *d.forward.Load() }

// Reverse returns the current id→name map. The map is shared and must not
// be mutated.
func (d *Dictionary) Reverse() map[uint16]string { return *d.reverse.Load() }

// Snapshot returns a point-in-time copy of the full mapping, sorted by id.
func (d *Dictionary) Snapshot() []Pair {
	var fwd = *d.forward.Load()
	var out = make([]Pair, 0, len(fwd))
	for name, id := range fwd {
		out = append(out, Pair{Name: name, ID: id})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Load restores persisted pairs. It fails if a pair conflicts with an
// existing assignment.
func (d *Dictionary) Load(pairs []Pair) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var fwd = *d.forward.Load()
	var rev = *d.reverse.Load()

	var nextFwd = make(map[string]uint16, len(fwd)+len(pairs))
	var nextRev = make(map[uint16]string, len(rev)+len(pairs))
	for k, v := range fwd {
		nextFwd[k] = v
	}
	for k, v := range rev {
		nextRev[k] = v
	}

	for _, p := range pairs {
		var name = Normalize(p.Name)
		if prev, ok := nextFwd[name]; ok && prev != p.ID {
			return fault.Errorf(fault.Internal, "dictionary conflict: %q is %d, loaded as %d", name, prev, p.ID)
		}
		nextFwd[name] = p.ID
		nextRev[p.ID] = name
		if p.ID >= d.next {
			d.next = p.ID + 1
		}
	}
	d.forward.Store(&nextFwd)
	d.reverse.Store(&nextRev)
	return nil
}

// Len returns the number of registered names.
func (d *Dictionary) Len() int { return len(*d.forward.Load()) }

// Pair is one persisted dictionary entry.
type Pair struct {
	Name string `json:"name"`
	ID   uint16 `json:"id"`
}
