// Package identity implements users, API keys, and the access guard that
// every request traverses before reaching an engine.
package identity

import (
	"strings"

	"github.com/blitedb/blite/fault"
)

// OpMask is the permission bitmask of one grant.
type OpMask uint32

const (
	OpQuery  OpMask = 1 << 0
	OpInsert OpMask = 1 << 1
	OpUpdate OpMask = 1 << 2
	OpDelete OpMask = 1 << 3
	OpDrop   OpMask = 1 << 4
	OpAdmin  OpMask = 1 << 5

	OpWrite = OpInsert | OpUpdate | OpDelete
	OpAll   = OpQuery | OpWrite | OpDrop | OpAdmin
)

var opNames = []struct {
	op   OpMask
	name string
}{
	{OpQuery, "query"},
	{OpInsert, "insert"},
	{OpUpdate, "update"},
	{OpDelete, "delete"},
	{OpDrop, "drop"},
	{OpAdmin, "admin"},
}

// Names renders the mask as operation names.
func (m OpMask) Names() []string {
	var out []string
	for _, e := range opNames {
		if m&e.op != 0 {
			out = append(out, e.name)
		}
	}
	return out
}

// Name returns the lowercase name of a single-bit mask.
func (m OpMask) Name() string {
	for _, e := range opNames {
		if m == e.op {
			return e.name
		}
	}
	return "unknown"
}

// ParseOps folds operation names into a mask. "all" and "write" expand to
// their unions.
func ParseOps(names []string) (OpMask, error) {
	var m OpMask
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "query":
			m |= OpQuery
		case "insert":
			m |= OpInsert
		case "update":
			m |= OpUpdate
		case "delete":
			m |= OpDelete
		case "drop":
			m |= OpDrop
		case "admin":
			m |= OpAdmin
		case "write":
			m |= OpWrite
		case "all":
			m |= OpAll
		default:
			return 0, fault.Errorf(fault.InvalidInput, "unknown operation %q", name)
		}
	}
	return m, nil
}

// PermEntry grants operations on one physical collection name, or on every
// collection via the wildcard "*".
type PermEntry struct {
	Collection string `json:"collection"`
	Ops        OpMask `json:"ops"`
}
