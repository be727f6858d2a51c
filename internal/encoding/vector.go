// Package encoding provides the little-endian wire encoding shared by every
// persisted file (vectors.bin, graph.bin, payload.bin, tombstones.bin,
// WAL segments) and vector-level validation used at the insert boundary.
package encoding

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/kaidb/kaidb/vdberrors"
)

// EncodeVector serializes a float32 vector as a length-prefixed,
// little-endian byte stream.
func EncodeVector(vector []float32) ([]byte, error) {
	if vector == nil {
		return nil, vdberrors.New("encoding.encode_vector", vdberrors.KindInternalCorruption, "nil vector")
	}
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, int32(len(vector))); err != nil {
		return nil, fmt.Errorf("encode vector length: %w", err)
	}
	for _, val := range vector {
		if err := binary.Write(buf, binary.LittleEndian, val); err != nil {
			return nil, fmt.Errorf("encode vector value: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// DecodeVector reverses EncodeVector.
func DecodeVector(data []byte) ([]float32, error) {
	if len(data) < 4 {
		return nil, vdberrors.New("encoding.decode_vector", vdberrors.KindInternalCorruption, "truncated vector")
	}
	r := bytes.NewReader(data)
	var length int32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return nil, fmt.Errorf("decode vector length: %w", err)
	}
	if length < 0 {
		return nil, vdberrors.New("encoding.decode_vector", vdberrors.KindInternalCorruption, "negative length")
	}
	if length == 0 {
		return []float32{}, nil
	}
	if r.Len() < int(length)*4 {
		return nil, vdberrors.New("encoding.decode_vector", vdberrors.KindInternalCorruption, "truncated payload")
	}
	vector := make([]float32, length)
	for i := int32(0); i < length; i++ {
		if err := binary.Read(r, binary.LittleEndian, &vector[i]); err != nil {
			return nil, fmt.Errorf("decode vector value at %d: %w", i, err)
		}
	}
	return vector, nil
}

// ValidateVector rejects nil/empty vectors and any NaN or Inf component.
func ValidateVector(vector []float32) error {
	if len(vector) == 0 {
		return vdberrors.New("encoding.validate_vector", vdberrors.KindDimensionMismatch, "empty vector")
	}
	for _, v := range vector {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return vdberrors.New("encoding.validate_vector", vdberrors.KindDimensionMismatch, "vector contains NaN or Inf")
		}
	}
	return nil
}
