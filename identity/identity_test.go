package identity

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blitedb/blite/engine"
	"github.com/blitedb/blite/fault"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	var sys, err = engine.Open(filepath.Join(t.TempDir(), "system.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sys.Close() })

	store, err := OpenStore(sys)
	require.NoError(t, err)
	return store
}

func TestBootstrapsRoot(t *testing.T) {
	var s = openTestStore(t)
	var root, ok = s.Get(RootUser)
	require.True(t, ok)
	require.True(t, root.Active)
	require.NoError(t, Check(root, "anything", OpAll))
	require.Error(t, s.Revoke(RootUser))
}

func TestAuthenticate(t *testing.T) {
	var s = openTestStore(t)

	var key, err = s.Create("svc", "", nil, []PermEntry{{Collection: Wildcard, Ops: OpQuery}})
	require.NoError(t, err)

	u, err := s.Authenticate(key)
	require.NoError(t, err)
	require.Equal(t, "svc", u.Name)

	_, err = s.Authenticate("")
	require.True(t, fault.Is(err, fault.MissingKey))
	_, err = s.Authenticate("not-a-key")
	require.True(t, fault.Is(err, fault.MissingKey))

	require.NoError(t, s.Revoke("svc"))
	_, err = s.Authenticate(key)
	require.True(t, fault.Is(err, fault.InactiveUser), "a revoked key resolves, but to a dead identity")

	// The record survives revocation, deactivated.
	u, ok := s.Get("svc")
	require.True(t, ok)
	require.False(t, u.Active)
	require.NoError(t, s.Revoke("svc"), "revoking twice is a no-op")
}

func TestCreateValidation(t *testing.T) {
	var s = openTestStore(t)

	var _, err = s.Create("  ", "", nil, nil)
	require.True(t, fault.Is(err, fault.InvalidInput))

	_, err = s.Create("svc", "", nil, nil)
	require.NoError(t, err)
	_, err = s.Create("SVC", "", nil, nil)
	require.True(t, fault.Is(err, fault.Conflict), "names are case-folded")
}

func TestRotateKeyInvalidatesOldKey(t *testing.T) {
	var s = openTestStore(t)
	var old, err = s.Create("svc", "", nil, []PermEntry{{Collection: Wildcard, Ops: OpQuery}})
	require.NoError(t, err)

	fresh, err := s.RotateKey("svc")
	require.NoError(t, err)
	require.NotEqual(t, old, fresh)

	_, err = s.Authenticate(old)
	require.True(t, fault.Is(err, fault.MissingKey))
	u, err := s.Authenticate(fresh)
	require.NoError(t, err)
	require.Equal(t, "svc", u.Name)
}

func TestStoreSurvivesReopen(t *testing.T) {
	var sys, err = engine.Open(filepath.Join(t.TempDir(), "system.db"))
	require.NoError(t, err)
	defer sys.Close()

	s, err := OpenStore(sys)
	require.NoError(t, err)
	var restricted = "acme"
	key, err := s.Create("svc", "team-a", &restricted, []PermEntry{{Collection: Wildcard, Ops: OpWrite}})
	require.NoError(t, err)

	// A second store over the same engine sees the persisted user.
	s2, err := OpenStore(sys)
	require.NoError(t, err)
	u, err := s2.Authenticate(key)
	require.NoError(t, err)
	require.Equal(t, "team-a", u.Namespace)
	require.NotNil(t, u.RestrictedDB)
	require.Equal(t, "acme", *u.RestrictedDB)
	require.Equal(t, []PermEntry{{Collection: Wildcard, Ops: OpWrite}}, u.Perms)
}

func TestCheck(t *testing.T) {
	var u = &User{
		Name:   "svc",
		Active: true,
		Perms: []PermEntry{
			{Collection: "orders", Ops: OpQuery | OpInsert},
			{Collection: Wildcard, Ops: OpQuery},
		},
	}

	require.NoError(t, Check(u, "orders", OpInsert))
	require.NoError(t, Check(u, "anything", OpQuery))

	var err = Check(u, "anything", OpDelete)
	require.True(t, fault.Is(err, fault.PermissionDenied))

	err = Check(nil, "orders", OpQuery)
	require.True(t, fault.Is(err, fault.MissingKey))

	u.Active = false
	err = Check(u, "orders", OpQuery)
	require.True(t, fault.Is(err, fault.InactiveUser))
}

func TestCheckAdmin(t *testing.T) {
	var wildcard = &User{Name: "ops", Active: true,
		Perms: []PermEntry{{Collection: Wildcard, Ops: OpAdmin}}}
	require.NoError(t, CheckAdmin(wildcard))

	var anchored = &User{Name: "dba", Active: true,
		Perms: []PermEntry{{Collection: AdminAnchor, Ops: OpAdmin}}}
	require.NoError(t, CheckAdmin(anchored))

	var plain = &User{Name: "svc", Active: true,
		Perms: []PermEntry{{Collection: Wildcard, Ops: OpQuery | OpWrite}}}
	require.True(t, fault.Is(CheckAdmin(plain), fault.PermissionDenied))

	// Admin on an ordinary collection does not confer it.
	var scoped = &User{Name: "svc2", Active: true,
		Perms: []PermEntry{{Collection: "orders", Ops: OpAdmin}}}
	require.True(t, fault.Is(CheckAdmin(scoped), fault.PermissionDenied))

	require.True(t, fault.Is(CheckAdmin(nil), fault.MissingKey))
	anchored.Active = false
	require.True(t, fault.Is(CheckAdmin(anchored), fault.InactiveUser))
}

func TestNamespaceResolveAndStrip(t *testing.T) {
	var u = &User{Name: "svc", Active: true, Namespace: "team-a"}

	require.Equal(t, "team-a/orders", Resolve(u, "Orders"))
	require.Equal(t, "team-a/orders", Resolve(u, "team-a/orders"), "already-prefixed names pass through")
	require.Equal(t, Wildcard, Resolve(u, Wildcard))
	require.Equal(t, "orders", Resolve(&User{}, "orders"))

	var physicals = []string{"team-a/orders", "team-b/orders", "shared"}
	require.Equal(t, []string{"orders"}, Strip(u, physicals))
	require.Equal(t, []string{"shared"}, Strip(&User{}, physicals))
}

func TestNamespacedCheckUsesPhysicalName(t *testing.T) {
	var u = &User{
		Name:      "svc",
		Active:    true,
		Namespace: "team-a",
		Perms:     []PermEntry{{Collection: "team-a/orders", Ops: OpQuery}},
	}
	require.NoError(t, Check(u, "orders", OpQuery))

	var other = &User{
		Name:      "rival",
		Active:    true,
		Namespace: "team-b",
		Perms:     []PermEntry{{Collection: "team-b/orders", Ops: OpQuery}},
	}
	// The same logical name resolves into a different namespace.
	require.Error(t, Check(other, "team-a/orders", OpQuery))
}

func TestCheckDatabaseAndTargetDB(t *testing.T) {
	var restricted = "Acme"
	var u = &User{Name: "svc", Active: true, RestrictedDB: &restricted}

	require.NoError(t, CheckDatabase(u, "acme"))
	var err = CheckDatabase(u, "other")
	require.True(t, fault.Is(err, fault.PermissionDenied))
	require.Equal(t, "acme", TargetDB(u))

	var free = &User{Name: "root", Active: true}
	require.NoError(t, CheckDatabase(free, "anything"))
	require.Equal(t, "", TargetDB(free))
}

func TestParseOps(t *testing.T) {
	var m, err = ParseOps([]string{"query", "Write"})
	require.NoError(t, err)
	require.Equal(t, OpQuery|OpWrite, m)

	m, err = ParseOps([]string{"all"})
	require.NoError(t, err)
	require.Equal(t, OpAll, m)

	_, err = ParseOps([]string{"fly"})
	require.True(t, fault.Is(err, fault.InvalidInput))

	require.Equal(t, []string{"query", "insert"}, (OpQuery | OpInsert).Names())
}
