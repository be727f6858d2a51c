package payload

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestHashExactMatch(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.IndexPayload(ctx, 1, map[string]any{"category": "x"}))
	require.NoError(t, idx.IndexPayload(ctx, 2, map[string]any{"category": "y"}))
	require.NoError(t, idx.IndexPayload(ctx, 3, map[string]any{"category": "x"}))

	set, err := idx.Evaluate(ctx, Clause{Field: "category", Op: OpEquals, EqualsValue: "x"})
	require.NoError(t, err)
	require.Len(t, set, 2)
	require.Contains(t, set, uint32(1))
	require.Contains(t, set, uint32(3))
}

func TestRangeNumeric(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		require.NoError(t, idx.IndexPayload(ctx, uint32(i), map[string]any{"price": float64(i * 10)}))
	}

	set, err := idx.Evaluate(ctx, Clause{Field: "price", Op: OpRange, Min: 20, HasMin: true, Max: 40, HasMax: true})
	require.NoError(t, err)
	require.Len(t, set, 3) // 20, 30, 40
}

func TestBooleanFilterAlgebra(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.IndexPayload(ctx, 1, map[string]any{"category": "x", "active": true}))
	require.NoError(t, idx.IndexPayload(ctx, 2, map[string]any{"category": "x", "active": false}))
	require.NoError(t, idx.IndexPayload(ctx, 3, map[string]any{"category": "y", "active": true}))

	filter := &Filter{
		Must:    []Clause{{Field: "category", Op: OpEquals, EqualsValue: "x"}},
		MustNot: []Clause{{Field: "active", Op: OpEquals, EqualsValue: false}},
	}
	set, err := idx.MatchSet(ctx, filter)
	require.NoError(t, err)
	require.Len(t, set, 1)
	require.Contains(t, set, uint32(1))
}

func TestMatchesEmptyFilterIsAlwaysTrue(t *testing.T) {
	idx := newTestIndex(t)
	ok, err := idx.Matches(context.Background(), &Filter{}, 99)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRemoveIDDropsEntries(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	require.NoError(t, idx.IndexPayload(ctx, 1, map[string]any{"category": "x"}))
	require.NoError(t, idx.RemoveID(ctx, 1))

	set, err := idx.Evaluate(ctx, Clause{Field: "category", Op: OpEquals, EqualsValue: "x"})
	require.NoError(t, err)
	require.Empty(t, set)
}

func TestGeoBoundingBoxAndRadius(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.IndexPayload(ctx, 1, map[string]any{"loc": map[string]any{"lat": 40.7128, "lng": -74.0060}})) // NYC
	require.NoError(t, idx.IndexPayload(ctx, 2, map[string]any{"loc": map[string]any{"lat": 34.0522, "lng": -118.2437}})) // LA

	set, err := idx.Evaluate(ctx, Clause{
		Field: "loc", Op: OpGeoBoundingBox,
		MinLat: 40, MaxLat: 41, MinLng: -75, MaxLng: -73,
	})
	require.NoError(t, err)
	require.Contains(t, set, uint32(1))
	require.NotContains(t, set, uint32(2))

	set, err = idx.Evaluate(ctx, Clause{
		Field: "loc", Op: OpGeoRadius,
		CenterLat: 40.7, CenterLng: -74.0, RadiusKM: 50,
	})
	require.NoError(t, err)
	require.Contains(t, set, uint32(1))
	require.NotContains(t, set, uint32(2))
}

func TestValuesCount(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	require.NoError(t, idx.IndexPayload(ctx, 1, map[string]any{"tags": []any{"a", "b", "c"}}))
	require.NoError(t, idx.IndexPayload(ctx, 2, map[string]any{"tags": []any{"a"}}))

	set, err := idx.Evaluate(ctx, Clause{Field: "tags", Op: OpValuesCount, CountMin: 2, HasCountMin: true})
	require.NoError(t, err)
	require.Contains(t, set, uint32(1))
	require.NotContains(t, set, uint32(2))
}

func TestSelectivityEstimate(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	for i := 1; i <= 10; i++ {
		cat := "y"
		if i <= 2 {
			cat = "x"
		}
		require.NoError(t, idx.IndexPayload(ctx, uint32(i), map[string]any{"category": cat}))
	}
	sel, err := idx.EstimateSelectivity(ctx, &Filter{Must: []Clause{{Field: "category", Op: OpEquals, EqualsValue: "x"}}}, 10)
	require.NoError(t, err)
	require.InDelta(t, 0.2, sel, 1e-9)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.IndexPayload(ctx, 1, map[string]any{
		"category": "x",
		"price":    float64(42),
		"tags":     []any{"a", "b"},
		"loc":      map[string]any{"lat": 40.7128, "lng": -74.0060},
	}))
	require.NoError(t, idx.IndexPayload(ctx, 2, map[string]any{"category": "y"}))

	var buf bytes.Buffer
	require.NoError(t, idx.Save(&buf))

	fresh := newTestIndex(t)
	require.NoError(t, fresh.Load(&buf))

	set, err := fresh.Evaluate(ctx, Clause{Field: "category", Op: OpEquals, EqualsValue: "x"})
	require.NoError(t, err)
	require.Contains(t, set, uint32(1))

	set, err = fresh.Evaluate(ctx, Clause{Field: "price", Op: OpRange, Min: 40, HasMin: true, Max: 50, HasMax: true})
	require.NoError(t, err)
	require.Contains(t, set, uint32(1))

	set, err = fresh.Evaluate(ctx, Clause{Field: "tags", Op: OpValuesCount, CountMin: 2, HasCountMin: true})
	require.NoError(t, err)
	require.Contains(t, set, uint32(1))

	set, err = fresh.Evaluate(ctx, Clause{Field: "loc", Op: OpGeoRadius, CenterLat: 40.7, CenterLng: -74.0, RadiusKM: 50})
	require.NoError(t, err)
	require.Contains(t, set, uint32(1))
}
