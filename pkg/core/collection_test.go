package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kaidb/kaidb/pkg/distance"
	"github.com/kaidb/kaidb/pkg/index"
	"github.com/kaidb/kaidb/pkg/payload"
	"github.com/kaidb/kaidb/pkg/storage"
)

func testConfig(dim int) CreateConfig {
	return CreateConfig{
		Dimension:   dim,
		Metric:      distance.Cosine,
		StorageKind: storage.FullMemory,
		HNSWParams:  index.DefaultParams(),
	}
}

func vec(vs ...float32) []float32 { return vs }

func TestCollectionInsertGetSearch(t *testing.T) {
	dir := t.TempDir()
	c, err := CreateCollection(dir, "widgets", testConfig(3), NopLogger())
	require.NoError(t, err)

	statuses, err := c.Insert(context.Background(), []InsertItem{
		{ExternalID: "a", Data: vec(1, 0, 0)},
		{ExternalID: "b", Data: vec(0, 1, 0)},
		{ExternalID: "c", Data: vec(0, 0, 1)},
	})
	require.NoError(t, err)
	for _, s := range statuses {
		require.NoError(t, s.Err)
	}

	data, _, err := c.Get("a")
	require.NoError(t, err)
	require.Len(t, data, 3)

	hits, err := c.Search(context.Background(), vec(1, 0, 0), 2, SearchOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	require.Equal(t, "a", hits[0].ExternalID)
}

func TestCollectionDuplicateExternalID(t *testing.T) {
	dir := t.TempDir()
	c, err := CreateCollection(dir, "widgets", testConfig(2), NopLogger())
	require.NoError(t, err)

	ctx := context.Background()
	_, err = c.Insert(ctx, []InsertItem{{ExternalID: "a", Data: vec(1, 2)}})
	require.NoError(t, err)

	statuses, err := c.Insert(ctx, []InsertItem{{ExternalID: "a", Data: vec(3, 4)}})
	require.NoError(t, err)
	require.Error(t, statuses[0].Err)
}

func TestCollectionDeleteTombstones(t *testing.T) {
	dir := t.TempDir()
	c, err := CreateCollection(dir, "widgets", testConfig(2), NopLogger())
	require.NoError(t, err)

	ctx := context.Background()
	_, err = c.Insert(ctx, []InsertItem{{ExternalID: "a", Data: vec(1, 2)}})
	require.NoError(t, err)

	n, err := c.Delete(ctx, []string{"a"})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, _, err = c.Get("a")
	require.Error(t, err)

	info := c.Info()
	require.Equal(t, 1, info.TombstoneCount)
	require.Equal(t, 0, info.VectorCount)
}

func TestCollectionUpdateReplacesVector(t *testing.T) {
	dir := t.TempDir()
	c, err := CreateCollection(dir, "widgets", testConfig(2), NopLogger())
	require.NoError(t, err)

	ctx := context.Background()
	_, err = c.Insert(ctx, []InsertItem{{ExternalID: "a", Data: vec(1, 0), Payload: map[string]any{"v": 1}}})
	require.NoError(t, err)

	err = c.Update(ctx, "a", vec(0, 1), nil, true, false)
	require.NoError(t, err)

	data, payload, err := c.Get("a")
	require.NoError(t, err)
	require.InDelta(t, float32(0), data[0], 1e-6)
	require.InDelta(t, float32(1), data[1], 1e-6)
	require.Equal(t, 1, payload["v"])
}

// TestCollectionCheckpointAndReopen exercises the persistence round trip: a
// fresh collection, a checkpoint, writes made after the checkpoint, and a
// reopen that must recover both the snapshot and the WAL tail.
func TestCollectionCheckpointAndReopen(t *testing.T) {
	dir := t.TempDir()
	c, err := CreateCollection(dir, "widgets", testConfig(2), NopLogger())
	require.NoError(t, err)

	ctx := context.Background()
	_, err = c.Insert(ctx, []InsertItem{
		{ExternalID: "a", Data: vec(1, 0), Payload: map[string]any{"tag": "pre"}},
	})
	require.NoError(t, err)
	require.NoError(t, c.Checkpoint())

	_, err = c.Insert(ctx, []InsertItem{
		{ExternalID: "b", Data: vec(0, 1), Payload: map[string]any{"tag": "post"}},
	})
	require.NoError(t, err)
	require.NoError(t, c.Close())

	reopened, err := OpenCollection(dir, NopLogger())
	require.NoError(t, err)

	dataA, payloadA, err := reopened.Get("a")
	require.NoError(t, err)
	require.Equal(t, []float32{1, 0}, dataA)
	require.Equal(t, "pre", payloadA["tag"])

	dataB, payloadB, err := reopened.Get("b")
	require.NoError(t, err)
	require.Equal(t, []float32{0, 1}, dataB)
	require.Equal(t, "post", payloadB["tag"])

	hits, err := reopened.Search(ctx, vec(1, 0), 2, SearchOptions{})
	require.NoError(t, err)
	require.Len(t, hits, 2)
}

func TestCollectionFilterSearch(t *testing.T) {
	dir := t.TempDir()
	c, err := CreateCollection(dir, "widgets", testConfig(2), NopLogger())
	require.NoError(t, err)

	ctx := context.Background()
	_, err = c.Insert(ctx, []InsertItem{
		{ExternalID: "a", Data: vec(1, 0), Payload: map[string]any{"color": "red"}},
		{ExternalID: "b", Data: vec(0.9, 0.1), Payload: map[string]any{"color": "blue"}},
	})
	require.NoError(t, err)

	filter := &payload.Filter{Must: []payload.Clause{{Field: "color", Op: payload.OpEquals, EqualsValue: "blue"}}}

	hits, err := c.Search(ctx, vec(1, 0), 5, SearchOptions{Filter: filter})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "b", hits[0].ExternalID)
}

func TestCollectionDimensionMismatch(t *testing.T) {
	dir := t.TempDir()
	c, err := CreateCollection(dir, "widgets", testConfig(3), NopLogger())
	require.NoError(t, err)

	statuses, err := c.Insert(context.Background(), []InsertItem{{ExternalID: "a", Data: vec(1, 2)}})
	require.NoError(t, err)
	require.Error(t, statuses[0].Err)
}
