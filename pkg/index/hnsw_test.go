package index

import (
	"bytes"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/bits-and-blooms/bitset"
	"github.com/stretchr/testify/require"
)

func euclidean(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return float32(math.Sqrt(float64(sum)))
}

func newTestGraph() (*Graph, map[uint32][]float32, *bitset.BitSet) {
	tomb := bitset.New(0)
	g := NewGraph(DefaultParams(), tomb)
	store := make(map[uint32][]float32)
	return g, store, tomb
}

func makeDistFn(store map[uint32][]float32) DistanceFunc {
	return func(id uint32, query []float32) (float32, error) {
		v, ok := store[id]
		if !ok {
			return 0, fmt.Errorf("vector %d not found", id)
		}
		return euclidean(v, query), nil
	}
}

func makeVectorFn(store map[uint32][]float32) VectorFunc {
	return func(id uint32) ([]float32, error) {
		v, ok := store[id]
		if !ok {
			return nil, fmt.Errorf("vector %d not found", id)
		}
		return v, nil
	}
}

func insertAll(t *testing.T, g *Graph, store map[uint32][]float32, vectors map[uint32][]float32) {
	t.Helper()
	distFn := makeDistFn(store)
	vecFn := makeVectorFn(store)
	for id, v := range vectors {
		store[id] = v
		require.NoError(t, g.Insert(id, v, distFn, vecFn))
	}
}

func TestGraphBasicInsertAndSearch(t *testing.T) {
	g, store, _ := newTestGraph()
	vectors := map[uint32][]float32{
		0: {1, 0, 0, 0},
		1: {0, 1, 0, 0},
		2: {0, 0, 1, 0},
		3: {0.5, 0.5, 0, 0},
		4: {0.5, 0, 0.5, 0},
	}
	insertAll(t, g, store, vectors)
	require.Equal(t, 5, g.Size())

	query := []float32{0.9, 0.1, 0, 0}
	ids, dists, err := g.Search(query, 3, 50, makeDistFn(store))
	require.NoError(t, err)
	require.Len(t, ids, 3)
	require.Equal(t, uint32(0), ids[0])
	for i := 1; i < len(dists); i++ {
		require.GreaterOrEqual(t, dists[i], dists[i-1])
	}
}

func TestGraphSelfSearchDistanceIsZero(t *testing.T) {
	g, store, _ := newTestGraph()
	vectors := make(map[uint32][]float32)
	rng := rand.New(rand.NewSource(1))
	for i := uint32(0); i < 50; i++ {
		v := make([]float32, 8)
		for j := range v {
			v[j] = rng.Float32()*2 - 1
		}
		vectors[i] = v
	}
	insertAll(t, g, store, vectors)

	ids, dists, err := g.Search(store[10], 1, 50, makeDistFn(store))
	require.NoError(t, err)
	require.Len(t, ids, 1)
	require.Equal(t, uint32(10), ids[0])
	require.InDelta(t, 0, dists[0], 1e-5)
}

func TestGraphLayerZeroRespectsMMax0(t *testing.T) {
	g, store, _ := newTestGraph()
	g.params.M = 4
	g.params.MMax0 = 6

	vectors := make(map[uint32][]float32)
	rng := rand.New(rand.NewSource(7))
	for i := uint32(0); i < 200; i++ {
		v := make([]float32, 6)
		for j := range v {
			v[j] = rng.Float32()
		}
		vectors[i] = v
	}
	insertAll(t, g, store, vectors)

	g.mu.RLock()
	defer g.mu.RUnlock()
	for id, n := range g.nodes {
		links := n.layers[0].load()
		require.LessOrEqualf(t, len(links), g.params.MMax0, "node %d exceeded m_max0", id)
		seen := make(map[uint32]bool)
		for _, l := range links {
			require.False(t, seen[l], "duplicate neighbor")
			seen[l] = true
		}
	}
}

func TestGraphDeleteTombstonesAndHidesFromResults(t *testing.T) {
	g, store, _ := newTestGraph()
	vectors := make(map[uint32][]float32)
	for i := uint32(0); i < 5; i++ {
		vectors[i] = []float32{float32(i), 0, 0, 0}
	}
	insertAll(t, g, store, vectors)

	g.Delete(2)
	require.Equal(t, 4, g.Size())
	require.Equal(t, 5, g.TotalNodes())

	ids, _, err := g.Search([]float32{2, 0, 0, 0}, 5, 50, makeDistFn(store))
	require.NoError(t, err)
	for _, id := range ids {
		require.NotEqual(t, uint32(2), id)
	}
}

func TestGraphDuplicateInsertFails(t *testing.T) {
	g, store, _ := newTestGraph()
	v := []float32{1, 0, 0, 0}
	store[0] = v
	distFn := makeDistFn(store)
	vecFn := makeVectorFn(store)
	require.NoError(t, g.Insert(0, v, distFn, vecFn))
	require.Error(t, g.Insert(0, v, distFn, vecFn))
}

func TestGraphEmptySearchErrors(t *testing.T) {
	g, store, _ := newTestGraph()
	_, _, err := g.Search([]float32{1, 0, 0, 0}, 5, 50, makeDistFn(store))
	require.Error(t, err)
}

func TestAdaptiveEfSearchSmallGraph(t *testing.T) {
	require.Equal(t, 9, AdaptiveEfSearch(3, 3, 64))  // max(3*2, 3*3)=9
	require.Equal(t, 8, AdaptiveEfSearch(4, 2, 64))  // max(4*2, 2*3)=8
	require.Equal(t, 64, AdaptiveEfSearch(100, 5, 64))
	require.Equal(t, 20, AdaptiveEfSearch(100, 10, 5))
}

func TestGraphLargeScaleRecall(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping large scale test in short mode")
	}
	g, store, _ := newTestGraph()
	dim := 32
	n := 500
	vectors := make(map[uint32][]float32, n)
	rng := rand.New(rand.NewSource(42))
	for i := uint32(0); i < uint32(n); i++ {
		v := make([]float32, dim)
		for j := range v {
			v[j] = rng.Float32()*2 - 1
		}
		vectors[i] = v
	}
	insertAll(t, g, store, vectors)

	query := store[0]
	ids, dists, err := g.Search(query, 10, 100, makeDistFn(store))
	require.NoError(t, err)
	require.Len(t, ids, 10)
	require.Equal(t, uint32(0), ids[0])
	require.InDelta(t, 0, dists[0], 1e-4)

	stats := g.StatsSnapshot()
	require.Equal(t, n, stats.ActiveNodes)
	require.Greater(t, stats.TotalEdges, 0)
}

func TestGraphSaveLoadRoundTrip(t *testing.T) {
	g, store, tomb := newTestGraph()
	vectors := make(map[uint32][]float32)
	rng := rand.New(rand.NewSource(9))
	for i := uint32(0); i < 40; i++ {
		v := make([]float32, 6)
		for j := range v {
			v[j] = rng.Float32()
		}
		vectors[i] = v
	}
	insertAll(t, g, store, vectors)
	g.Delete(3)

	var buf bytes.Buffer
	require.NoError(t, g.Save(&buf))

	loaded := NewGraph(DefaultParams(), tomb)
	require.NoError(t, loaded.Load(&buf))

	require.Equal(t, g.params, loaded.params)
	require.Equal(t, g.entryPoint, loaded.entryPoint)
	require.Equal(t, g.topLevel, loaded.topLevel)
	require.Equal(t, len(g.nodes), len(loaded.nodes))

	ids, _, err := loaded.Search(store[0], 5, 50, makeDistFn(store))
	require.NoError(t, err)
	require.NotEmpty(t, ids)
}
