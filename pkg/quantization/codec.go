// Package quantization implements the three vector compression codecs a
// collection's storage backend can be configured with: scalar (SQ8), product
// (PQ), and binary (sign) quantization.
package quantization

import (
	"context"
	"io"
)

// Codec is the contract every quantization scheme implements. A Codec must
// be trained on a representative sample before Encode/Decode are usable.
type Codec interface {
	// Train learns codec parameters (centroids, per-dimension ranges,
	// thresholds) from a sample of full-precision vectors. Implementations
	// that iterate (product quantization's k-means) check ctx between
	// iterations and return KindCancelled if it's done.
	Train(ctx context.Context, vectors [][]float32) error

	// Trained reports whether Train has successfully completed.
	Trained() bool

	// Encode compresses a full-precision vector into the codec's byte form.
	Encode(vector []float32) ([]byte, error)

	// Decode reconstructs an approximate full-precision vector from bytes.
	Decode(code []byte) ([]float32, error)

	// CodeSize returns the number of bytes Encode produces.
	CodeSize() int

	// CompressionRatio returns original-bits / compressed-bits.
	CompressionRatio() float32

	// Save/Load persist the trained codec state.
	Save(w io.Writer) error
	Load(r io.Reader) error
}

// TrainingBuffer accumulates full-precision vectors until a configured
// sample size is reached, matching spec's "first N inserts are buffered in
// full precision; at N, training runs synchronously" rule.
type TrainingBuffer struct {
	target  int
	vectors [][]float32
}

// NewTrainingBuffer creates a buffer that becomes Ready once it holds
// target vectors (default 1024 when target <= 0).
func NewTrainingBuffer(target int) *TrainingBuffer {
	if target <= 0 {
		target = 1024
	}
	return &TrainingBuffer{target: target}
}

// Add appends vector to the buffer. Returns true once the buffer has reached
// its target size (the caller should train and drain on this transition).
func (t *TrainingBuffer) Add(vector []float32) bool {
	cp := make([]float32, len(vector))
	copy(cp, vector)
	t.vectors = append(t.vectors, cp)
	return len(t.vectors) >= t.target
}

// Vectors returns the buffered vectors for training, in insertion order.
func (t *TrainingBuffer) Vectors() [][]float32 { return t.vectors }

// Drain clears the buffer after its vectors have been trained on and encoded.
func (t *TrainingBuffer) Drain() { t.vectors = nil }

// Len reports how many vectors are currently buffered.
func (t *TrainingBuffer) Len() int { return len(t.vectors) }
