package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blitedb/blite/codec"
	"github.com/blitedb/blite/fault"
)

func TestNormalizeID(t *testing.T) {
	require.Equal(t, SystemID, NormalizeID("null"))
	require.Equal(t, SystemID, NormalizeID("Default"))
	require.Equal(t, SystemID, NormalizeID(" _SYSTEM "))
	require.Equal(t, "acme", NormalizeID(" ACME "))
}

func TestOpenCreatesSystemDatabase(t *testing.T) {
	var dir = t.TempDir()
	var r, err = Open(dir)
	require.NoError(t, err)
	defer r.Close()

	require.NotNil(t, r.System())
	_, err = os.Stat(filepath.Join(dir, "system.db"))
	require.NoError(t, err)

	// The system sentinels all resolve to the system engine.
	for _, id := range []string{"", "null", "default", "_system"} {
		var e, err = r.Get(id)
		require.NoError(t, err)
		require.Same(t, r.System(), e)
	}
}

func TestProvisionAndGet(t *testing.T) {
	var r, err = Open(t.TempDir())
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Provision("acme"))

	var e, errGet = r.Get("ACME")
	require.NoError(t, errGet)
	_, err = e.Insert("widgets", codec.NewDocument().Set("n", codec.Int64(1)))
	require.NoError(t, err)

	err = r.Provision("acme")
	require.True(t, fault.Is(err, fault.Conflict))

	err = r.Provision("_system")
	require.True(t, fault.Is(err, fault.InvalidInput))

	_, err = r.Get("unknown")
	require.True(t, fault.Is(err, fault.NotFound))
}

func TestListIncludesInactiveFiles(t *testing.T) {
	var dir = t.TempDir()
	var r, err = Open(dir)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Provision("beta"))
	require.NoError(t, r.Provision("alpha"))
	require.NoError(t, r.Deprovision("beta", false))

	tenants, err := r.List()
	require.NoError(t, err)
	require.Len(t, tenants, 2)
	require.Equal(t, Tenant{ID: "alpha", Active: true}, tenants[0])
	require.Equal(t, Tenant{ID: "beta", Active: false}, tenants[1])
}

func TestDeprovision(t *testing.T) {
	var dir = t.TempDir()
	var r, err = Open(dir)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Provision("acme"))
	require.NoError(t, r.Deprovision("acme", true))

	_, err = os.Stat(filepath.Join(dir, "acme.db"))
	require.True(t, os.IsNotExist(err))
	_, err = r.Get("acme")
	require.True(t, fault.Is(err, fault.NotFound))

	err = r.Deprovision("acme", true)
	require.True(t, fault.Is(err, fault.NotFound))
	err = r.Deprovision("_system", false)
	require.True(t, fault.Is(err, fault.InvalidInput))
}

func TestReopenRestoresTenants(t *testing.T) {
	var dir = t.TempDir()
	var r, err = Open(dir)
	require.NoError(t, err)
	require.NoError(t, r.Provision("acme"))

	e, err := r.Get("acme")
	require.NoError(t, err)
	_, err = e.Insert("widgets", codec.NewDocument().
		Set(codec.IDField, codec.Int64(1)).
		Set("n", codec.Int64(1)))
	require.NoError(t, err)
	require.NoError(t, r.Close())

	r, err = Open(dir)
	require.NoError(t, err)
	defer r.Close()

	e, err = r.Get("acme")
	require.NoError(t, err)
	_, found, err := e.FindByID("widgets", codec.Int64ID(1))
	require.NoError(t, err)
	require.True(t, found)
}

func TestSubscribeChange(t *testing.T) {
	var r, err = Open(t.TempDir())
	require.NoError(t, err)
	defer r.Close()

	var sub, errSub = r.SubscribeChange(SystemID, "events", 4)
	require.NoError(t, errSub)
	defer sub.Cancel()

	_, err = r.System().Insert("events", codec.NewDocument().Set("n", codec.Int64(1)))
	require.NoError(t, err)

	var ev = <-sub.C
	require.Equal(t, "events", ev.Collection)
}
