package quantization

import (
	"context"
	"encoding/binary"
	"io"
	"math"

	"github.com/kaidb/kaidb/vdberrors"
)

// ScalarQuantizer linearly maps each float32 component to a fixed-width
// integer using per-dimension min/max learned at training time. With
// nbits=8 this is the SQ8 scheme from the storage-backend spec: 4x
// compression, symmetric lookup distance.
type ScalarQuantizer struct {
	dimension int
	nbits     int
	min       []float32
	max       []float32
	trained   bool
}

// NewScalarQuantizer creates a quantizer with a component width of nbits
// bits (1-8).
func NewScalarQuantizer(dimension, nbits int) (*ScalarQuantizer, error) {
	if nbits < 1 || nbits > 8 {
		return nil, vdberrors.New("quantization.new_scalar", vdberrors.KindInvalidMetric, "nbits must be between 1 and 8")
	}
	return &ScalarQuantizer{
		dimension: dimension,
		nbits:     nbits,
		min:       make([]float32, dimension),
		max:       make([]float32, dimension),
	}, nil
}

// NewSQ8 is the canonical scalar-quantized storage-backend codec from spec
// §4.2 (nbits=8, "linearly mapped to uint8").
func NewSQ8(dimension int) *ScalarQuantizer {
	sq, _ := NewScalarQuantizer(dimension, 8)
	return sq
}

func (sq *ScalarQuantizer) Trained() bool { return sq.trained }

func (sq *ScalarQuantizer) Train(ctx context.Context, vectors [][]float32) error {
	if len(vectors) == 0 {
		return vdberrors.New("quantization.scalar.train", vdberrors.KindCodecNotTrained, "no training vectors provided")
	}
	for d := 0; d < sq.dimension; d++ {
		sq.min[d] = vectors[0][d]
		sq.max[d] = vectors[0][d]
	}
	for i, vec := range vectors {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return vdberrors.New("quantization.scalar.train", vdberrors.KindCancelled, "training cancelled")
			}
		}
		if len(vec) != sq.dimension {
			return vdberrors.New("quantization.scalar.train", vdberrors.KindDimensionMismatch, "")
		}
		for d := 0; d < sq.dimension; d++ {
			if vec[d] < sq.min[d] {
				sq.min[d] = vec[d]
			}
			if vec[d] > sq.max[d] {
				sq.max[d] = vec[d]
			}
		}
	}
	for d := 0; d < sq.dimension; d++ {
		if sq.max[d] == sq.min[d] {
			sq.max[d] += 1e-6
		}
	}
	sq.trained = true
	return nil
}

func (sq *ScalarQuantizer) CodeSize() int {
	bits := sq.dimension * sq.nbits
	return (bits + 7) / 8
}

func (sq *ScalarQuantizer) Encode(vector []float32) ([]byte, error) {
	if !sq.trained {
		return nil, vdberrors.New("quantization.scalar.encode", vdberrors.KindCodecNotTrained, "")
	}
	if len(vector) != sq.dimension {
		return nil, vdberrors.New("quantization.scalar.encode", vdberrors.KindDimensionMismatch, "")
	}
	maxVal := float32((int(1) << uint(sq.nbits)) - 1)
	encoded := make([]byte, sq.CodeSize())
	bitOffset := 0
	for d := 0; d < sq.dimension; d++ {
		normalized := (vector[d] - sq.min[d]) / (sq.max[d] - sq.min[d])
		if normalized < 0 {
			normalized = 0
		} else if normalized > 1 {
			normalized = 1
		}
		quantized := uint32(normalized * maxVal)
		for b := 0; b < sq.nbits; b++ {
			byteIdx := bitOffset / 8
			bitIdx := bitOffset % 8
			if (quantized & (1 << uint(b))) != 0 {
				encoded[byteIdx] |= 1 << uint(bitIdx)
			}
			bitOffset++
		}
	}
	return encoded, nil
}

func (sq *ScalarQuantizer) Decode(encoded []byte) ([]float32, error) {
	if !sq.trained {
		return nil, vdberrors.New("quantization.scalar.decode", vdberrors.KindCodecNotTrained, "")
	}
	maxVal := float32((int(1) << uint(sq.nbits)) - 1)
	vector := make([]float32, sq.dimension)
	bitOffset := 0
	for d := 0; d < sq.dimension; d++ {
		quantized := uint32(0)
		for b := 0; b < sq.nbits; b++ {
			byteIdx := bitOffset / 8
			bitIdx := bitOffset % 8
			if byteIdx >= len(encoded) {
				return nil, vdberrors.New("quantization.scalar.decode", vdberrors.KindInternalCorruption, "encoded data too short")
			}
			if (encoded[byteIdx] & (1 << uint(bitIdx))) != 0 {
				quantized |= 1 << uint(b)
			}
			bitOffset++
		}
		normalized := float32(quantized) / maxVal
		vector[d] = normalized*(sq.max[d]-sq.min[d]) + sq.min[d]
	}
	return vector, nil
}

func (sq *ScalarQuantizer) CompressionRatio() float32 {
	originalBits := sq.dimension * 32
	compressedBits := sq.dimension * sq.nbits
	return float32(originalBits) / float32(compressedBits)
}

func (sq *ScalarQuantizer) Save(w io.Writer) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(sq.dimension)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(sq.nbits)); err != nil {
		return err
	}
	for d := 0; d < sq.dimension; d++ {
		if err := binary.Write(w, binary.LittleEndian, math.Float32bits(sq.min[d])); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, math.Float32bits(sq.max[d])); err != nil {
			return err
		}
	}
	return nil
}

func (sq *ScalarQuantizer) Load(r io.Reader) error {
	var dim, nbits uint32
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &nbits); err != nil {
		return err
	}
	sq.dimension = int(dim)
	sq.nbits = int(nbits)
	sq.min = make([]float32, sq.dimension)
	sq.max = make([]float32, sq.dimension)
	for d := 0; d < sq.dimension; d++ {
		var minBits, maxBits uint32
		if err := binary.Read(r, binary.LittleEndian, &minBits); err != nil {
			return err
		}
		if err := binary.Read(r, binary.LittleEndian, &maxBits); err != nil {
			return err
		}
		sq.min[d] = math.Float32frombits(minBits)
		sq.max[d] = math.Float32frombits(maxBits)
	}
	sq.trained = true
	return nil
}
