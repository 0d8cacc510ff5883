package lens

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	span := Span{StartLine: 3, StartCol: 1, EndLine: 3, EndCol: 6}

	id1, err := reg.Register("/a.go", span, ProbeExpression, "ignored")
	require.NoError(t, err)
	id2, err := reg.Register("/a.go", span, ProbeParameter, "n")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), id1)
	assert.Equal(t, uint32(2), id2)
	assert.Equal(t, 2, reg.Len())

	loc, ok := reg.Lookup(id1)
	require.True(t, ok)
	assert.Equal(t, ProbeLocation{
		ID: 1, File: "/a.go", StartLine: 3, StartCol: 1, EndLine: 3, EndCol: 6, Kind: ProbeExpression,
	}, loc)
	loc, ok = reg.Lookup(id2)
	require.True(t, ok)
	assert.Equal(t, "n", loc.Name)

	_, ok = reg.Lookup(0)
	assert.False(t, ok)
	_, ok = reg.Lookup(3)
	assert.False(t, ok)

	locations := reg.Locations()
	require.Len(t, locations, 2)
	locations[0].File = "changed"
	loc, _ = reg.Lookup(1)
	assert.Equal(t, "/a.go", loc.File)

	reg.Reset()
	assert.Zero(t, reg.Len())
	id, err := reg.Register("/b.go", span, ProbeExpression, "")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), id)
}

func TestRegistryConcurrent(t *testing.T) {
	t.Parallel()

	const workers, perWorker = 8, 200
	reg := NewRegistry()
	var wg sync.WaitGroup
	ids := make([][]uint32, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id, err := reg.Register("/c.go", Span{StartLine: i + 1, EndLine: i + 1}, ProbeExpression, "")
				if err != nil {
					t.Error(err)
					return
				}
				ids[w] = append(ids[w], id)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, workers*perWorker, reg.Len())
	seen := make(map[uint32]bool)
	for _, workerIDs := range ids {
		for _, id := range workerIDs {
			assert.False(t, seen[id], "duplicate id %d", id)
			seen[id] = true
			loc, ok := reg.Lookup(id)
			require.True(t, ok)
			assert.Equal(t, id, loc.ID)
		}
	}
}

func TestRegistryRecorderAgreement(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	for line := 1; line <= 3; line++ {
		_, err := reg.Register("/d.go", Span{StartLine: line, EndLine: line, EndCol: 2}, ProbeExpression, "")
		require.NoError(t, err)
	}
	rec := NewRecorder(CollectLast, 1, reg.Locations())
	for id := uint32(1); id <= 3; id++ {
		rec.Record(id, int(id)*10)
	}

	events := rec.Events()
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, i+1, ev.StartLine)
		require.NotNil(t, ev.LastValue)
	}
	assert.Equal(t, "30", events[2].LastValue.Preview)
}
