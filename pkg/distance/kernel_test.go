package distance

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScalarAndWideAgree(t *testing.T) {
	a := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	b := []float32{8, 7, 6, 5, 4, 3, 2, 1}

	cases := []struct {
		name   string
		scalar Func
		wide   Func
	}{
		{"cosine", CosineScalar, CosineWide},
		{"euclidean", EuclideanScalar, EuclideanWide},
		{"dot", DotProductScalar, DotProductWide},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			want := c.scalar(a, b)
			got := c.wide(a, b)
			assert.InDelta(t, want, got, 1e-3)
		})
	}
}

func TestCosineIdenticalVectorsIsZero(t *testing.T) {
	v := []float32{1, 0, 0, 0}
	require.InDelta(t, 0, CosineScalar(v, v), 1e-6)
}

func TestCosineOrthogonalIsOne(t *testing.T) {
	a := []float32{1, 0, 0, 0}
	b := []float32{0, 1, 0, 0}
	require.InDelta(t, 1, CosineScalar(a, b), 1e-6)
}

func TestCosineRangeOnNormalizedVectors(t *testing.T) {
	pairs := [][2][]float32{
		{{1, 0}, {-1, 0}},
		{{0, 1}, {1, 0}},
		{{0.6, 0.8}, {0.8, 0.6}},
	}
	for _, p := range pairs {
		d := CosineScalar(p[0], p[1])
		require.GreaterOrEqual(t, d, float32(0))
		require.LessOrEqual(t, d, float32(2))
	}
}

func TestEuclideanZeroDistance(t *testing.T) {
	v := []float32{3, 4, 0}
	require.Equal(t, float32(0), EuclideanScalar(v, v))
}

func TestEuclideanKnownValue(t *testing.T) {
	a := []float32{0, 0}
	b := []float32{3, 4}
	require.InDelta(t, 5.0, EuclideanScalar(a, b), 1e-6)
}

func TestDotProductNegated(t *testing.T) {
	a := []float32{1, 1}
	b := []float32{1, 1}
	require.Equal(t, float32(-2), DotProductScalar(a, b))
}

func TestParseMetric(t *testing.T) {
	m, ok := ParseMetric("cosine")
	require.True(t, ok)
	require.Equal(t, Cosine, m)

	_, ok = ParseMetric("bogus")
	require.False(t, ok)
}

func TestNormalize(t *testing.T) {
	v := []float32{3, 4}
	Normalize(v)
	mag := math.Sqrt(float64(v[0]*v[0] + v[1]*v[1]))
	require.InDelta(t, 1.0, mag, 1e-5)
}
