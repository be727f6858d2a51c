package storage

import (
	"context"
	"encoding/binary"
	"io"

	"github.com/kaidb/kaidb/pkg/distance"
	"github.com/kaidb/kaidb/pkg/quantization"
	"github.com/kaidb/kaidb/vdberrors"
)

// QuantizedBackend is the shared implementation behind ScalarQuantized,
// ProductQuantized and Binary storage: vectors are buffered in full
// precision until the codec has a training sample, then encoded, with the
// full-precision copy optionally retained for exact reranking.
type QuantizedBackend struct {
	dim         int
	kind        Kind
	codec       quantization.Codec
	buffer      *quantization.TrainingBuffer
	codes       [][]byte
	full        [][]float32 // nil per-slot once training drops full precision
	retainFull  bool
	count       uint32
	tombstones
}

// NewScalarQuantizedBackend creates an SQ8-backed backend. trainingSize is
// the number of buffered full-precision inserts before training runs
// synchronously (default 1024 when <= 0, per spec).
func NewScalarQuantizedBackend(dim, trainingSize int, retainFull bool) *QuantizedBackend {
	return &QuantizedBackend{
		dim:        dim,
		kind:       ScalarQuantized,
		codec:      quantization.NewSQ8(dim),
		buffer:     quantization.NewTrainingBuffer(trainingSize),
		retainFull: retainFull,
		tombstones: newTombstones(),
	}
}

// NewProductQuantizedBackend creates a PQ-backed backend with m subspaces
// and k centroids per subspace (typically m in {8,16,32}, k=256).
func NewProductQuantizedBackend(dim, m, k, trainingSize int, retainFull bool) (*QuantizedBackend, error) {
	codec, err := quantization.NewProductQuantizer(dim, m, k)
	if err != nil {
		return nil, err
	}
	return &QuantizedBackend{
		dim:        dim,
		kind:       ProductQuantized,
		codec:      codec,
		buffer:     quantization.NewTrainingBuffer(trainingSize),
		retainFull: retainFull,
		tombstones: newTombstones(),
	}, nil
}

// NewBinaryBackend creates a sign-quantized backend, typically used as a
// pre-ranking stage ahead of a full-precision rerank.
func NewBinaryBackend(dim, trainingSize int, retainFull bool) *QuantizedBackend {
	return &QuantizedBackend{
		dim:        dim,
		kind:       Binary,
		codec:      quantization.NewBinaryQuantizer(dim),
		buffer:     quantization.NewTrainingBuffer(trainingSize),
		retainFull: retainFull,
		tombstones: newTombstones(),
	}
}

func (b *QuantizedBackend) Dimension() int { return b.dim }

func (b *QuantizedBackend) Codec() quantization.Codec { return b.codec }

func (b *QuantizedBackend) Append(ctx context.Context, id uint32, vector []float32) error {
	if err := checkDimension(vector, b.dim); err != nil {
		return err
	}
	if id != b.count {
		return vdberrors.New("storage.quantized.append", vdberrors.KindInternalCorruption, "id is not the next free slot")
	}

	if !b.codec.Trained() {
		ready := b.buffer.Add(vector)
		b.codes = append(b.codes, nil)
		if b.retainFull {
			cp := make([]float32, b.dim)
			copy(cp, vector)
			b.full = append(b.full, cp)
		} else {
			b.full = append(b.full, nil)
		}
		b.count++
		b.grow(uint(b.count))
		if ready {
			if err := b.trainAndDrain(ctx); err != nil {
				return err
			}
		}
		return nil
	}

	code, err := b.codec.Encode(vector)
	if err != nil {
		return vdberrors.Wrap("storage.quantized.append", vdberrors.KindCodecNotTrained, err)
	}
	b.codes = append(b.codes, code)
	if b.retainFull {
		cp := make([]float32, b.dim)
		copy(cp, vector)
		b.full = append(b.full, cp)
	} else {
		b.full = append(b.full, nil)
	}
	b.count++
	b.grow(uint(b.count))
	return nil
}

// trainAndDrain runs codec training synchronously on the buffered sample,
// under the caller's collection write lock, then encodes every buffered
// vector in place — the "training runs synchronously ... after which
// buffered and subsequent vectors are encoded" rule from spec §4.2.
func (b *QuantizedBackend) trainAndDrain(ctx context.Context) error {
	vectors := b.buffer.Vectors()
	if err := b.codec.Train(ctx, vectors); err != nil {
		return vdberrors.Wrap("storage.quantized.train", vdberrors.KindCodecNotTrained, err)
	}
	for i := 0; i < len(b.codes); i++ {
		if b.codes[i] != nil {
			continue
		}
		var src []float32
		if b.full[i] != nil {
			src = b.full[i]
		} else {
			src = vectors[i]
		}
		code, err := b.codec.Encode(src)
		if err != nil {
			return vdberrors.Wrap("storage.quantized.train", vdberrors.KindCodecNotTrained, err)
		}
		b.codes[i] = code
		if !b.retainFull {
			b.full[i] = nil
		}
	}
	b.buffer.Drain()
	return nil
}

func (b *QuantizedBackend) Get(id uint32) ([]float32, error) {
	if int(id) >= len(b.codes) {
		return nil, vdberrors.New("storage.quantized.get", vdberrors.KindVectorNotFound, "")
	}
	if b.isSet(id) {
		return nil, vdberrors.New("storage.quantized.get", vdberrors.KindVectorNotFound, "tombstoned")
	}
	if b.full[id] != nil {
		out := make([]float32, b.dim)
		copy(out, b.full[id])
		return out, nil
	}
	if b.codes[id] == nil {
		return nil, vdberrors.New("storage.quantized.get", vdberrors.KindCodecNotTrained, "vector still buffered pretraining")
	}
	return b.codec.Decode(b.codes[id])
}

func (b *QuantizedBackend) Tombstone(id uint32) { b.set(id) }

func (b *QuantizedBackend) Len() int { return int(b.count) }

func (b *QuantizedBackend) DistanceTo(id uint32, query []float32, fn distance.Func) (float32, error) {
	if int(id) >= len(b.codes) {
		return 0, vdberrors.New("storage.quantized.distance_to", vdberrors.KindVectorNotFound, "")
	}
	if pq, ok := b.codec.(*quantization.ProductQuantizer); ok && b.codes[id] != nil {
		return pq.ComputeDistance(b.codes[id], query)
	}
	vec, err := b.Get(id)
	if err != nil {
		return 0, err
	}
	return fn(query, vec), nil
}

func (b *QuantizedBackend) FootprintBytes() int64 {
	total := int64(0)
	for _, c := range b.codes {
		total += int64(len(c))
	}
	for _, f := range b.full {
		if f != nil {
			total += int64(len(f)) * 4
		}
	}
	return total
}

func (b *QuantizedBackend) Close() error { return nil }

func (b *QuantizedBackend) Save(w io.Writer) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(b.kind)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(b.dim)); err != nil {
		return err
	}
	trained := uint8(0)
	if b.codec.Trained() {
		trained = 1
	}
	if err := binary.Write(w, binary.LittleEndian, trained); err != nil {
		return err
	}
	if trained == 1 {
		if err := b.codec.Save(w); err != nil {
			return err
		}
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(b.codes))); err != nil {
		return err
	}
	for _, c := range b.codes {
		if err := binary.Write(w, binary.LittleEndian, uint32(len(c))); err != nil {
			return err
		}
		if len(c) > 0 {
			if _, err := w.Write(c); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *QuantizedBackend) Load(r io.Reader) error {
	var kind, dim uint32
	if err := binary.Read(r, binary.LittleEndian, &kind); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return err
	}
	b.kind = Kind(kind)
	b.dim = int(dim)

	var trained uint8
	if err := binary.Read(r, binary.LittleEndian, &trained); err != nil {
		return err
	}
	if trained == 1 {
		if err := b.codec.Load(r); err != nil {
			return err
		}
	}

	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return err
	}
	b.codes = make([][]byte, count)
	b.full = make([][]float32, count)
	for i := uint32(0); i < count; i++ {
		var clen uint32
		if err := binary.Read(r, binary.LittleEndian, &clen); err != nil {
			return err
		}
		if clen > 0 {
			c := make([]byte, clen)
			if _, err := io.ReadFull(r, c); err != nil {
				return err
			}
			b.codes[i] = c
		}
	}
	b.count = count
	b.tombstones = newTombstones()
	b.grow(uint(count))
	return nil
}
