package asyncindex

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/bits-and-blooms/bitset"
	"github.com/stretchr/testify/require"

	"github.com/kaidb/kaidb/pkg/index"
)

func euclidean(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return float32(math.Sqrt(float64(sum)))
}

func fakeFuncs(store map[uint32][]float32) (index.DistanceFunc, index.VectorFunc) {
	distFn := func(id uint32, query []float32) (float32, error) {
		return euclidean(store[id], query), nil
	}
	vectorFn := func(id uint32) ([]float32, error) {
		return store[id], nil
	}
	return distFn, vectorFn
}

func buildGraph(t *testing.T, store map[uint32][]float32, ids []uint32) *index.Graph {
	t.Helper()
	distFn, vectorFn := fakeFuncs(store)
	g := index.NewGraph(index.DefaultParams(), bitset.New(0))
	for _, id := range ids {
		require.NoError(t, g.Insert(id, store[id], distFn, vectorFn))
	}
	return g
}

func TestManagerRebuildSwapsPrimary(t *testing.T) {
	store := map[uint32][]float32{}
	var ids []uint32
	for i := uint32(0); i < 50; i++ {
		store[i] = []float32{float32(i), float32(i) * 2}
		ids = append(ids, i)
	}

	initial := buildGraph(t, store, ids)
	mgr := NewManager(initial)
	require.Equal(t, initial, mgr.Primary())

	distFn, vectorFn := fakeFuncs(store)
	err := mgr.Rebuild(context.Background(), RebuildInput{
		Params:     index.DefaultParams(),
		Tombstones: bitset.New(0),
		LiveIDs:    ids,
		DistFn:     distFn,
		VectorFn:   vectorFn,
	})
	require.NoError(t, err)
	require.NotEqual(t, initial, mgr.Primary())
	require.Equal(t, StateIdle, mgr.Progress().Snapshot().State)
	require.Equal(t, len(ids), mgr.Progress().Snapshot().NodesBuilt)
}

func TestManagerReplaysPendingOpsAfterSwap(t *testing.T) {
	store := map[uint32][]float32{}
	var ids []uint32
	for i := uint32(0); i < 20; i++ {
		store[i] = []float32{float32(i), float32(i)}
		ids = append(ids, i)
	}

	initial := buildGraph(t, store, ids)
	mgr := NewManager(initial)

	// Simulate a write landing mid-rebuild: the first vector fetch of the
	// rebuild records it as pending, so it is not among LiveIDs and reaches
	// the new graph only through the post-swap replay.
	newID := uint32(999)
	store[newID] = []float32{500, 500}

	distFn, vectorFn := fakeFuncs(store)
	recorded := false
	vectorFnDuringRebuild := func(id uint32) ([]float32, error) {
		if !recorded {
			recorded = true
			mgr.RecordPendingOp(PendingOp{ID: newID, Vector: store[newID]})
		}
		return vectorFn(id)
	}
	err := mgr.Rebuild(context.Background(), RebuildInput{
		Params:     index.DefaultParams(),
		Tombstones: bitset.New(0),
		LiveIDs:    ids,
		DistFn:     distFn,
		VectorFn:   vectorFnDuringRebuild,
	})
	require.NoError(t, err)

	resultIDs, _, err := mgr.Primary().Search(store[newID], 1, 32, distFn)
	require.NoError(t, err)
	require.Contains(t, resultIDs, newID)
}

func TestManagerRejectsConcurrentRebuild(t *testing.T) {
	store := map[uint32][]float32{0: {1, 1}}
	initial := buildGraph(t, store, []uint32{0})
	mgr := NewManager(initial)

	mgr.mu.Lock()
	mgr.rebuilding = true
	mgr.mu.Unlock()

	distFn, vectorFn := fakeFuncs(store)
	err := mgr.Rebuild(context.Background(), RebuildInput{
		Params:   index.DefaultParams(),
		LiveIDs:  []uint32{0},
		DistFn:   distFn,
		VectorFn: vectorFn,
	})
	require.Error(t, err)
}

func TestManagerRollsBackOnQualityRegression(t *testing.T) {
	store := map[uint32][]float32{}
	var ids []uint32
	for i := uint32(0); i < 30; i++ {
		store[i] = []float32{float32(i), float32(i)}
		ids = append(ids, i)
	}
	initial := buildGraph(t, store, ids)
	mgr := NewManager(initial)

	distFn, vectorFn := fakeFuncs(store)

	// A sample query whose nearest neighbors in the old graph will not
	// exist at all in an empty rebuild, forcing the overlap to zero.
	samples := [][]float32{{float32(ids[0]), float32(ids[0])}}

	err := mgr.Rebuild(context.Background(), RebuildInput{
		Params:        index.DefaultParams(),
		Tombstones:    bitset.New(0),
		LiveIDs:       nil, // empty rebuild: secondary has no nodes at all
		DistFn:        distFn,
		VectorFn:      vectorFn,
		SampleQueries: samples,
	})
	require.Error(t, err)
	require.Equal(t, initial, mgr.Primary())
	require.Equal(t, StateFailed, mgr.Progress().Snapshot().State)
}

func TestOverlapFraction(t *testing.T) {
	require.Equal(t, 1.0, overlapFraction(nil, []uint32{1, 2}))
	require.Equal(t, 1.0, overlapFraction([]uint32{1, 2, 3}, []uint32{1, 2, 3}))
	require.InDelta(t, 0.5, overlapFraction([]uint32{1, 2}, []uint32{2, 3}), 0.001)
	require.Equal(t, 0.0, overlapFraction([]uint32{1, 2}, []uint32{3, 4}))
}

func TestManagerIsRebuildingGatesRecordPendingOp(t *testing.T) {
	store := map[uint32][]float32{0: {1, 1}}
	initial := buildGraph(t, store, []uint32{0})
	mgr := NewManager(initial)

	require.False(t, mgr.IsRebuilding())
	mgr.RecordPendingOp(PendingOp{ID: 1, Vector: []float32{2, 2}})
	mgr.mu.Lock()
	pendingLen := len(mgr.pending)
	mgr.mu.Unlock()
	require.Equal(t, 0, pendingLen, fmt.Sprintf("expected no pending ops recorded while idle, got %d", pendingLen))
}
