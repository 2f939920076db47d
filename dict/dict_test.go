package dict

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterIsAtMostOnceAndMonotonic(t *testing.T) {
	var d = New()

	var first, err = d.Register([]string{"Name", "score", "NAME"})
	require.NoError(t, err)
	// Case-folded duplicates collapse to one assignment.
	require.Len(t, first, 2)
	require.Equal(t, uint16(0), first["name"])
	require.Equal(t, uint16(1), first["score"])

	second, err := d.Register([]string{"score", "tags"})
	require.NoError(t, err)
	require.Equal(t, uint16(1), second["score"], "existing names keep their id")
	require.Equal(t, uint16(2), second["tags"])

	var id, ok = d.IDOf("name")
	require.True(t, ok)
	require.Equal(t, uint16(0), id)

	name, ok := d.NameOf(2)
	require.True(t, ok)
	require.Equal(t, "tags", name)
}

func TestRegisterConcurrent(t *testing.T) {
	var d = New()
	var wg sync.WaitGroup
	var results = make([]map[string]uint16, 16)

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var names []string
			for j := 0; j < 32; j++ {
				names = append(names, fmt.Sprintf("field-%d", j))
			}
			var m, err = d.Register(names)
			require.NoError(t, err)
			results[i] = m
		}(i)
	}
	wg.Wait()

	// Every goroutine observed the same assignment for every name.
	for i := 1; i < 16; i++ {
		require.Equal(t, results[0], results[i])
	}
	require.Equal(t, 32, d.Len())
}

func TestSnapshotLoadRoundTrip(t *testing.T) {
	var d = New()
	var _, err = d.Register([]string{"a", "b", "c"})
	require.NoError(t, err)

	var restored = New()
	require.NoError(t, restored.Load(d.Snapshot()))
	require.Equal(t, d.Forward(), restored.Forward())
	require.Equal(t, d.Reverse(), restored.Reverse())

	// Registration continues after the highest loaded id.
	more, err := restored.Register([]string{"d"})
	require.NoError(t, err)
	require.Equal(t, uint16(3), more["d"])
}

func TestNormalize(t *testing.T) {
	require.Equal(t, "name", Normalize("  Name "))
	require.Equal(t, "a b", Normalize("A b"))
}
