package quantization

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"math/bits"

	"github.com/kaidb/kaidb/vdberrors"
)

// BinaryQuantizer reduces each dimension to one bit by sign relative to a
// learned per-dimension threshold (the training mean). Distance between two
// codes is Hamming distance (popcount of XOR); 32x compression, typically
// used as a pre-ranking stage ahead of a full-precision rerank.
type BinaryQuantizer struct {
	dimension int
	threshold []float32
	trained   bool
}

func NewBinaryQuantizer(dimension int) *BinaryQuantizer {
	return &BinaryQuantizer{dimension: dimension, threshold: make([]float32, dimension)}
}

func (bq *BinaryQuantizer) Trained() bool { return bq.trained }

func (bq *BinaryQuantizer) Train(ctx context.Context, vectors [][]float32) error {
	if len(vectors) == 0 {
		return vdberrors.New("quantization.binary.train", vdberrors.KindCodecNotTrained, "no training vectors provided")
	}
	for d := 0; d < bq.dimension; d++ {
		if d%64 == 0 {
			if err := ctx.Err(); err != nil {
				return vdberrors.New("quantization.binary.train", vdberrors.KindCancelled, "training cancelled")
			}
		}
		var sum float32
		for _, vec := range vectors {
			if len(vec) != bq.dimension {
				return vdberrors.New("quantization.binary.train", vdberrors.KindDimensionMismatch, "")
			}
			sum += vec[d]
		}
		bq.threshold[d] = sum / float32(len(vectors))
	}
	bq.trained = true
	return nil
}

func (bq *BinaryQuantizer) CodeSize() int { return (bq.dimension + 7) / 8 }

func (bq *BinaryQuantizer) Encode(vector []float32) ([]byte, error) {
	if !bq.trained {
		return nil, vdberrors.New("quantization.binary.encode", vdberrors.KindCodecNotTrained, "")
	}
	if len(vector) != bq.dimension {
		return nil, vdberrors.New("quantization.binary.encode", vdberrors.KindDimensionMismatch, "")
	}
	encoded := make([]byte, bq.CodeSize())
	for d := 0; d < bq.dimension; d++ {
		if vector[d] > bq.threshold[d] {
			encoded[d/8] |= 1 << uint(d%8)
		}
	}
	return encoded, nil
}

func (bq *BinaryQuantizer) Decode(encoded []byte) ([]float32, error) {
	if !bq.trained {
		return nil, vdberrors.New("quantization.binary.decode", vdberrors.KindCodecNotTrained, "")
	}
	if len(encoded) != bq.CodeSize() {
		return nil, vdberrors.New("quantization.binary.decode", vdberrors.KindInternalCorruption, "wrong code length")
	}
	vector := make([]float32, bq.dimension)
	for d := 0; d < bq.dimension; d++ {
		if (encoded[d/8] & (1 << uint(d%8))) != 0 {
			vector[d] = bq.threshold[d] + 0.5
		} else {
			vector[d] = bq.threshold[d] - 0.5
		}
	}
	return vector, nil
}

// HammingDistance returns popcount(a XOR b), or -1 if the codes differ in length.
func HammingDistance(a, b []byte) int {
	if len(a) != len(b) {
		return -1
	}
	total := 0
	for i := range a {
		total += bits.OnesCount8(a[i] ^ b[i])
	}
	return total
}

func (bq *BinaryQuantizer) CompressionRatio() float32 {
	return float32(bq.dimension*32) / float32(bq.dimension)
}

func (bq *BinaryQuantizer) Save(w io.Writer) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(bq.dimension)); err != nil {
		return err
	}
	for _, t := range bq.threshold {
		if err := binary.Write(w, binary.LittleEndian, math.Float32bits(t)); err != nil {
			return err
		}
	}
	return nil
}

func (bq *BinaryQuantizer) Load(r io.Reader) error {
	var dim uint32
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return err
	}
	bq.dimension = int(dim)
	bq.threshold = make([]float32, bq.dimension)
	for d := 0; d < bq.dimension; d++ {
		var bits32 uint32
		if err := binary.Read(r, binary.LittleEndian, &bits32); err != nil {
			return err
		}
		bq.threshold[d] = math.Float32frombits(bits32)
	}
	bq.trained = true
	return nil
}
