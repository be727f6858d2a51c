package storage

import (
	"bytes"
	"context"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/kaidb/kaidb/pkg/distance"
	"github.com/stretchr/testify/require"
)

func randVec(dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = rand.Float32()*2 - 1
	}
	return v
}

func TestFullMemoryBackendRoundTrip(t *testing.T) {
	dim := 8
	b := NewFullMemoryBackend(dim)
	v := randVec(dim)
	require.NoError(t, b.Append(context.Background(), 0, v))

	got, err := b.Get(0)
	require.NoError(t, err)
	require.Equal(t, v, got)
	require.Equal(t, 1, b.Len())

	b.Tombstone(0)
	_, err = b.Get(0)
	require.Error(t, err)
}

func TestFullMemoryBackendSaveLoad(t *testing.T) {
	dim := 4
	b := NewFullMemoryBackend(dim)
	require.NoError(t, b.Append(context.Background(), 0, []float32{1, 2, 3, 4}))
	require.NoError(t, b.Append(context.Background(), 1, []float32{5, 6, 7, 8}))

	var buf bytes.Buffer
	require.NoError(t, b.Save(&buf))

	loaded := NewFullMemoryBackend(dim)
	require.NoError(t, loaded.Load(&buf))
	require.Equal(t, 2, loaded.Len())
	v, err := loaded.Get(1)
	require.NoError(t, err)
	require.Equal(t, []float32{5, 6, 7, 8}, v)
}

func TestFullMemoryDimensionMismatch(t *testing.T) {
	b := NewFullMemoryBackend(4)
	err := b.Append(context.Background(), 0, []float32{1, 2})
	require.Error(t, err)
}

func TestFullMmapBackendRoundTrip(t *testing.T) {
	dim := 4
	path := filepath.Join(t.TempDir(), "vectors.bin")
	b, err := NewFullMmapBackend(path, dim)
	require.NoError(t, err)
	defer b.Close()

	v := []float32{1, 2, 3, 4}
	require.NoError(t, b.Append(context.Background(), 0, v))
	got, err := b.Get(0)
	require.NoError(t, err)
	require.Equal(t, v, got)
}

func TestFullMmapBackendGrowsBeyondInitialCapacity(t *testing.T) {
	dim := 2
	path := filepath.Join(t.TempDir(), "vectors.bin")
	b, err := NewFullMmapBackend(path, dim)
	require.NoError(t, err)
	defer b.Close()

	for i := uint32(0); i < initialMmapSlots+10; i++ {
		require.NoError(t, b.Append(context.Background(), i, []float32{float32(i), float32(i) + 1}))
	}
	require.Equal(t, int(initialMmapSlots+10), b.Len())
	v, err := b.Get(initialMmapSlots + 5)
	require.NoError(t, err)
	require.Equal(t, float32(initialMmapSlots+5), v[0])
}

func TestFullMmapBackendRejectsSecondWriter(t *testing.T) {
	dim := 2
	path := filepath.Join(t.TempDir(), "vectors.bin")
	b, err := NewFullMmapBackend(path, dim)
	require.NoError(t, err)
	defer b.Close()

	_, err = NewFullMmapBackend(path, dim)
	require.Error(t, err)
}

func TestQuantizedBackendBuffersBeforeTraining(t *testing.T) {
	dim := 8
	b := NewScalarQuantizedBackend(dim, 4, true)
	for i := uint32(0); i < 3; i++ {
		require.NoError(t, b.Append(context.Background(), i, randVec(dim)))
	}
	require.False(t, b.Codec().Trained())

	require.NoError(t, b.Append(context.Background(), 3, randVec(dim)))
	require.True(t, b.Codec().Trained())

	for i := uint32(0); i < 4; i++ {
		_, err := b.Get(i)
		require.NoError(t, err)
	}
}

func TestQuantizedBackendDistanceAfterTraining(t *testing.T) {
	dim := 8
	b := NewScalarQuantizedBackend(dim, 4, true)
	var vectors [][]float32
	for i := uint32(0); i < 8; i++ {
		v := randVec(dim)
		vectors = append(vectors, v)
		require.NoError(t, b.Append(context.Background(), i, v))
	}

	fn := distance.ForMetric(distance.Euclidean)
	d, err := b.DistanceTo(0, vectors[0], fn)
	require.NoError(t, err)
	require.GreaterOrEqual(t, d, float32(0))
}

func TestBinaryBackendSaveLoad(t *testing.T) {
	dim := 16
	b := NewBinaryBackend(dim, 4, false)
	for i := uint32(0); i < 4; i++ {
		require.NoError(t, b.Append(context.Background(), i, randVec(dim)))
	}

	var buf bytes.Buffer
	require.NoError(t, b.Save(&buf))

	loaded := NewBinaryBackend(dim, 4, false)
	require.NoError(t, loaded.Load(&buf))
	require.Equal(t, 4, loaded.Len())
}

func TestProductQuantizedBackend(t *testing.T) {
	dim := 16
	b, err := NewProductQuantizedBackend(dim, 4, 16, 64*4, true)
	require.NoError(t, err)
	for i := uint32(0); i < 64*4; i++ {
		require.NoError(t, b.Append(context.Background(), i, randVec(dim)))
	}
	require.True(t, b.Codec().Trained())
}
