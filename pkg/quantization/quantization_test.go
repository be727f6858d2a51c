package quantization

import (
	"bytes"
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func randomVectors(n, dim int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		for d := range v {
			v[d] = rand.Float32()*2 - 1
		}
		out[i] = v
	}
	return out
}

func TestScalarQuantizerRoundTrip(t *testing.T) {
	dim := 16
	sq := NewSQ8(dim)
	vectors := randomVectors(200, dim)
	require.NoError(t, sq.Train(context.Background(), vectors))
	require.True(t, sq.Trained())

	for _, v := range vectors[:5] {
		code, err := sq.Encode(v)
		require.NoError(t, err)
		require.Len(t, code, sq.CodeSize())
		decoded, err := sq.Decode(code)
		require.NoError(t, err)
		for d := range v {
			require.InDelta(t, v[d], decoded[d], 0.05)
		}
	}
}

func TestScalarQuantizerSaveLoad(t *testing.T) {
	dim := 8
	sq := NewSQ8(dim)
	require.NoError(t, sq.Train(context.Background(), randomVectors(100, dim)))

	var buf bytes.Buffer
	require.NoError(t, sq.Save(&buf))

	loaded, _ := NewScalarQuantizer(dim, 8)
	require.NoError(t, loaded.Load(&buf))
	require.True(t, loaded.Trained())

	v := randomVectors(1, dim)[0]
	c1, _ := sq.Encode(v)
	c2, _ := loaded.Encode(v)
	require.Equal(t, c1, c2)
}

func TestBinaryQuantizerHamming(t *testing.T) {
	dim := 32
	bq := NewBinaryQuantizer(dim)
	require.NoError(t, bq.Train(context.Background(), randomVectors(200, dim)))

	v := randomVectors(1, dim)[0]
	code, err := bq.Encode(v)
	require.NoError(t, err)
	require.Len(t, code, bq.CodeSize())

	require.Equal(t, 0, HammingDistance(code, code))

	other, _ := bq.Encode(randomVectors(1, dim)[0])
	require.GreaterOrEqual(t, HammingDistance(code, other), 0)
}

func TestProductQuantizerTrainEncodeDecode(t *testing.T) {
	dim, m, k := 16, 4, 16
	pq, err := NewProductQuantizer(dim, m, k)
	require.NoError(t, err)

	vectors := randomVectors(k*m*3, dim)
	require.NoError(t, pq.Train(context.Background(), vectors))
	require.True(t, pq.Trained())
	require.Equal(t, m, pq.CodeSize())

	code, err := pq.Encode(vectors[0])
	require.NoError(t, err)
	require.Len(t, code, m)

	decoded, err := pq.Decode(code)
	require.NoError(t, err)
	require.Len(t, decoded, dim)
}

func TestProductQuantizerDistanceTableCaching(t *testing.T) {
	dim, m, k := 8, 2, 8
	pq, err := NewProductQuantizer(dim, m, k)
	require.NoError(t, err)
	require.NoError(t, pq.Train(context.Background(), randomVectors(k*m*4, dim)))

	query := randomVectors(1, dim)[0]
	t1 := pq.DistanceTable(query)
	t2 := pq.DistanceTable(query)
	require.Equal(t, t1, t2)
}

func TestProductQuantizerSearchPQ(t *testing.T) {
	dim, m, k := 8, 2, 8
	pq, err := NewProductQuantizer(dim, m, k)
	require.NoError(t, err)
	vectors := randomVectors(k*m*4, dim)
	require.NoError(t, pq.Train(context.Background(), vectors))

	codes := make([][]byte, len(vectors))
	for i, v := range vectors {
		c, err := pq.Encode(v)
		require.NoError(t, err)
		codes[i] = c
	}

	indices, distances := pq.SearchPQ(vectors[0], codes, 5)
	require.Len(t, indices, 5)
	require.Len(t, distances, 5)
	require.Equal(t, 0, indices[0])
}

func TestProductQuantizerRejectsBadDimension(t *testing.T) {
	_, err := NewProductQuantizer(15, 4, 16)
	require.Error(t, err)
}

func TestProductQuantizerSaveLoad(t *testing.T) {
	dim, m, k := 8, 2, 8
	pq, err := NewProductQuantizer(dim, m, k)
	require.NoError(t, err)
	vectors := randomVectors(k*m*4, dim)
	require.NoError(t, pq.Train(context.Background(), vectors))

	var buf bytes.Buffer
	require.NoError(t, pq.Save(&buf))

	loaded, err := NewProductQuantizer(dim, m, k)
	require.NoError(t, err)
	require.NoError(t, loaded.Load(&buf))

	code1, _ := pq.Encode(vectors[0])
	code2, _ := loaded.Encode(vectors[0])
	require.Equal(t, code1, code2)
}
