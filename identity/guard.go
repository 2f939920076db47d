package identity

import (
	"strings"

	"github.com/blitedb/blite/fault"
	"github.com/blitedb/blite/registry"
)

// Wildcard matches every collection in a permission entry.
const Wildcard = "*"

// AdminAnchor is the collection name an admin grant may be scoped to
// instead of the wildcard.
const AdminAnchor = "_admin"

// Resolve maps a logical collection name to its physical form by applying
// the user's namespace prefix. Already-prefixed names and the wildcard
// pass through.
func Resolve(u *User, logical string) string {
	logical = strings.ToLower(strings.TrimSpace(logical))
	if u == nil || u.Namespace == "" || logical == Wildcard {
		return logical
	}
	var prefix = u.Namespace + "/"
	if strings.HasPrefix(logical, prefix) {
		return logical
	}
	return prefix + logical
}

// Strip maps physical names back to the caller's logical view: names
// outside the namespace are dropped, the prefix is removed from the rest.
// Without a namespace, names containing a namespace separator are dropped.
func Strip(u *User, physicals []string) []string {
	var out = make([]string, 0, len(physicals))
	if u == nil || u.Namespace == "" {
		for _, name := range physicals {
			if !strings.Contains(name, "/") {
				out = append(out, name)
			}
		}
		return out
	}
	var prefix = u.Namespace + "/"
	for _, name := range physicals {
		if strings.HasPrefix(name, prefix) {
			out = append(out, strings.TrimPrefix(name, prefix))
		}
	}
	return out
}

// Check returns nil iff the user is active and holds |op| on the resolved
// physical name of |logical|.
func Check(u *User, logical string, op OpMask) error {
	if u == nil {
		return fault.Errorf(fault.MissingKey, "missing API key")
	}
	if !u.Active {
		return fault.Errorf(fault.InactiveUser, "user %q is revoked", u.Name)
	}
	var physical = Resolve(u, logical)
	for _, entry := range u.Perms {
		if entry.Collection != Wildcard && !strings.EqualFold(entry.Collection, physical) {
			continue
		}
		if entry.Ops&op == op {
			return nil
		}
	}
	return fault.Errorf(fault.PermissionDenied, "user %q lacks %s on %q", u.Name, op.Name(), logical)
}

// CheckAdmin returns nil iff the user is active and holds the admin
// operation on the wildcard or on the admin anchor. The anchor is matched
// verbatim: a namespaced user's grant on "_admin" is admin too.
func CheckAdmin(u *User) error {
	if u == nil {
		return fault.Errorf(fault.MissingKey, "missing API key")
	}
	if !u.Active {
		return fault.Errorf(fault.InactiveUser, "user %q is revoked", u.Name)
	}
	for _, entry := range u.Perms {
		if entry.Collection != Wildcard && !strings.EqualFold(entry.Collection, AdminAnchor) {
			continue
		}
		if entry.Ops&OpAdmin == OpAdmin {
			return nil
		}
	}
	return fault.Errorf(fault.PermissionDenied, "user %q lacks %s", u.Name, OpAdmin.Name())
}

// CheckDatabase enforces a user's database restriction against the
// resolved target database id.
func CheckDatabase(u *User, dbID string) error {
	if u == nil {
		return fault.Errorf(fault.MissingKey, "missing API key")
	}
	if u.RestrictedDB == nil {
		return nil
	}
	if registry.NormalizeID(*u.RestrictedDB) == registry.NormalizeID(dbID) {
		return nil
	}
	return fault.Errorf(fault.PermissionDenied, "user %q is restricted to database %q", u.Name, *u.RestrictedDB)
}

// TargetDB resolves the database a user's operations run against when the
// request names none: the restricted database if any, else the system
// database.
func TargetDB(u *User) string {
	if u != nil && u.RestrictedDB != nil {
		return registry.NormalizeID(*u.RestrictedDB)
	}
	return registry.SystemID
}
