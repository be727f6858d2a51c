package storage

import (
	"context"
	"encoding/binary"
	"io"
	"math"

	"github.com/kaidb/kaidb/pkg/distance"
	"github.com/kaidb/kaidb/vdberrors"
)

// FullMemoryBackend keeps one in-memory dimension-wide float32 slice per
// slot plus a tombstone bitset, the simplest of the five backends.
type FullMemoryBackend struct {
	dim     int
	vectors [][]float32
	tombstones
}

// NewFullMemoryBackend creates an empty full-precision in-memory backend.
func NewFullMemoryBackend(dim int) *FullMemoryBackend {
	return &FullMemoryBackend{dim: dim, tombstones: newTombstones()}
}

func (b *FullMemoryBackend) Dimension() int { return b.dim }

func (b *FullMemoryBackend) Append(ctx context.Context, id uint32, vector []float32) error {
	if err := checkDimension(vector, b.dim); err != nil {
		return err
	}
	if int(id) != len(b.vectors) {
		return vdberrors.New("storage.append", vdberrors.KindInternalCorruption, "id is not the next free slot")
	}
	cp := make([]float32, b.dim)
	copy(cp, vector)
	b.vectors = append(b.vectors, cp)
	b.grow(uint(len(b.vectors)))
	return nil
}

func (b *FullMemoryBackend) Get(id uint32) ([]float32, error) {
	if int(id) >= len(b.vectors) {
		return nil, vdberrors.New("storage.get", vdberrors.KindVectorNotFound, "")
	}
	if b.isSet(id) {
		return nil, vdberrors.New("storage.get", vdberrors.KindVectorNotFound, "tombstoned")
	}
	out := make([]float32, b.dim)
	copy(out, b.vectors[id])
	return out, nil
}

func (b *FullMemoryBackend) Tombstone(id uint32) { b.set(id) }

func (b *FullMemoryBackend) Len() int { return len(b.vectors) }

func (b *FullMemoryBackend) DistanceTo(id uint32, query []float32, fn distance.Func) (float32, error) {
	if int(id) >= len(b.vectors) {
		return 0, vdberrors.New("storage.distance_to", vdberrors.KindVectorNotFound, "")
	}
	return fn(query, b.vectors[id]), nil
}

func (b *FullMemoryBackend) FootprintBytes() int64 {
	return int64(len(b.vectors)) * int64(b.dim) * 4
}

func (b *FullMemoryBackend) Close() error { return nil }

// Save writes a little-endian stream: count, dim, then count*dim float32s.
func (b *FullMemoryBackend) Save(w io.Writer) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(b.vectors))); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(b.dim)); err != nil {
		return err
	}
	buf := make([]byte, b.dim*4)
	for i, v := range b.vectors {
		for d := 0; d < b.dim; d++ {
			binary.LittleEndian.PutUint32(buf[d*4:], math.Float32bits(v[d]))
		}
		if _, err := w.Write(buf); err != nil {
			return err
		}
		if b.isSet(uint32(i)) {
			// tombstone state is persisted separately in tombstones.bin;
			// nothing additional to write here.
			continue
		}
	}
	return nil
}

func (b *FullMemoryBackend) Load(r io.Reader) error {
	var count, dim uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return err
	}
	b.dim = int(dim)
	b.vectors = make([][]float32, count)
	buf := make([]byte, b.dim*4)
	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			return err
		}
		v := make([]float32, b.dim)
		for d := 0; d < b.dim; d++ {
			v[d] = math.Float32frombits(binary.LittleEndian.Uint32(buf[d*4:]))
		}
		b.vectors[i] = v
	}
	b.tombstones = newTombstones()
	b.grow(uint(count))
	return nil
}
