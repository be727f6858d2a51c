// Package distance implements the three metrics collections can be created
// with, each as a scalar reference implementation and a SIMD-widened variant
// selected at runtime by CPU feature detection.
package distance

import (
	"github.com/chewxy/math32"
	"github.com/viterin/vek/vek32"
	"golang.org/x/sys/cpu"
)

// Metric identifies one of the three supported distance functions.
type Metric int

const (
	Cosine Metric = iota
	Euclidean
	DotProduct
)

func (m Metric) String() string {
	switch m {
	case Cosine:
		return "cosine"
	case Euclidean:
		return "euclidean"
	case DotProduct:
		return "dot-product"
	default:
		return "unknown"
	}
}

// ParseMetric maps a config string onto a Metric. ok is false for anything else.
func ParseMetric(s string) (m Metric, ok bool) {
	switch s {
	case "cosine":
		return Cosine, true
	case "euclidean":
		return Euclidean, true
	case "dot-product", "dot_product", "dot":
		return DotProduct, true
	default:
		return 0, false
	}
}

// Func computes the distance between two equal-length vectors: smaller is
// always closer, regardless of metric.
type Func func(a, b []float32) float32

// hasWideLanes is resolved once at package init; every kernel consults it to
// decide between the vek-backed SIMD path and the pure-Go scalar fallback.
var hasWideLanes = cpu.X86.HasAVX2 || cpu.X86.HasSSE41 || cpu.ARM64.HasASIMD

// ForMetric returns the dispatching Func for a metric: the SIMD-widened
// kernel when the host CPU supports wide lanes, the scalar kernel otherwise.
func ForMetric(m Metric) Func {
	switch m {
	case Cosine:
		if hasWideLanes {
			return CosineWide
		}
		return CosineScalar
	case Euclidean:
		if hasWideLanes {
			return EuclideanWide
		}
		return EuclideanScalar
	case DotProduct:
		if hasWideLanes {
			return DotProductWide
		}
		return DotProductScalar
	default:
		return CosineScalar
	}
}

// CosineScalar computes 1 - (a·b)/(‖a‖·‖b‖) with a straight per-lane loop.
func CosineScalar(a, b []float32) float32 {
	var dot, normA, normB float32
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 1.0
	}
	sim := dot / (math32.Sqrt(normA) * math32.Sqrt(normB))
	return 1.0 - sim
}

// CosineWide uses vek32's SIMD-accelerated dot product for the three inner
// reductions, falling back to the same formula as CosineScalar.
func CosineWide(a, b []float32) float32 {
	dot := vek32.Dot(a, b)
	normA := vek32.Dot(a, a)
	normB := vek32.Dot(b, b)
	if normA == 0 || normB == 0 {
		return 1.0
	}
	sim := dot / (math32.Sqrt(normA) * math32.Sqrt(normB))
	return 1.0 - sim
}

// EuclideanScalar computes √Σ(a_i-b_i)².
func EuclideanScalar(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math32.Sqrt(sum)
}

// EuclideanWide computes the squared-difference sum via vek32's elementwise
// subtract and dot product, then takes the square root once.
func EuclideanWide(a, b []float32) float32 {
	diff := vek32.Sub(a, b)
	sumSq := vek32.Dot(diff, diff)
	return math32.Sqrt(sumSq)
}

// DotProductScalar returns -(a·b) so that smaller is always closer, uniform
// with the other two metrics.
func DotProductScalar(a, b []float32) float32 {
	var dot float32
	for i := range a {
		dot += a[i] * b[i]
	}
	return -dot
}

// DotProductWide is the SIMD-widened equivalent of DotProductScalar.
func DotProductWide(a, b []float32) float32 {
	return -vek32.Dot(a, b)
}

// Normalize L2-normalizes v in place. Used for collections configured to
// normalize cosine vectors at insert time rather than at query time.
func Normalize(v []float32) {
	var normSq float32
	for _, x := range v {
		normSq += x * x
	}
	if normSq == 0 {
		return
	}
	inv := 1.0 / math32.Sqrt(normSq)
	for i := range v {
		v[i] *= inv
	}
}
