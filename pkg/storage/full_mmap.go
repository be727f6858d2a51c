package storage

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"os"

	mmap "github.com/blevesearch/mmap-go"
	"github.com/gofrs/flock"
	"github.com/kaidb/kaidb/pkg/distance"
	"github.com/kaidb/kaidb/vdberrors"
)

const initialMmapSlots = 1024

// FullMmapBackend is the full-precision layout backed by a file: pages are
// faulted in on access, and append extends the file under an exclusive
// writer latch taken once at open time (this process is the sole writer for
// the lifetime of the backend).
type FullMmapBackend struct {
	dim      int
	file     *os.File
	region   mmap.MMap
	capacity uint32 // slots currently mapped
	count    uint32 // slots actually appended
	lock     *flock.Flock
	tombstones
}

// NewFullMmapBackend opens (creating if needed) path as a memory-mapped
// vector store of the given dimension.
func NewFullMmapBackend(path string, dim int) (*FullMmapBackend, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, vdberrors.Wrap("storage.mmap.open", vdberrors.KindIoError, err)
	}
	lk := flock.New(path + ".lock")
	ok, err := lk.TryLock()
	if err != nil {
		_ = f.Close()
		return nil, vdberrors.Wrap("storage.mmap.lock", vdberrors.KindIoError, err)
	}
	if !ok {
		_ = f.Close()
		return nil, vdberrors.New("storage.mmap.lock", vdberrors.KindIoError, "vectors.bin is locked by another writer")
	}
	b := &FullMmapBackend{dim: dim, file: f, lock: lk, tombstones: newTombstones()}
	if err := b.growTo(initialMmapSlots); err != nil {
		_ = lk.Unlock()
		_ = f.Close()
		return nil, err
	}
	return b, nil
}

func (b *FullMmapBackend) slotSize() int64 { return int64(b.dim) * 4 }

func (b *FullMmapBackend) growTo(slots uint32) error {
	if b.region != nil {
		if err := b.region.Unmap(); err != nil {
			return vdberrors.Wrap("storage.mmap.unmap", vdberrors.KindIoError, err)
		}
	}
	size := int64(slots) * b.slotSize()
	if err := b.file.Truncate(size); err != nil {
		return vdberrors.Wrap("storage.mmap.truncate", vdberrors.KindIoError, err)
	}
	region, err := mmap.Map(b.file, mmap.RDWR, 0)
	if err != nil {
		return vdberrors.Wrap("storage.mmap.map", vdberrors.KindIoError, err)
	}
	b.region = region
	b.capacity = slots
	return nil
}

func (b *FullMmapBackend) Dimension() int { return b.dim }

func (b *FullMmapBackend) Append(ctx context.Context, id uint32, vector []float32) error {
	if err := checkDimension(vector, b.dim); err != nil {
		return err
	}
	if id != b.count {
		return vdberrors.New("storage.mmap.append", vdberrors.KindInternalCorruption, "id is not the next free slot")
	}
	if b.count >= b.capacity {
		if err := b.growTo(b.capacity * 2); err != nil {
			return err
		}
	}
	off := int64(id) * b.slotSize()
	slot := b.region[off : off+b.slotSize()]
	for d := 0; d < b.dim; d++ {
		binary.LittleEndian.PutUint32(slot[d*4:], math.Float32bits(vector[d]))
	}
	b.count++
	b.grow(uint(b.count))
	return nil
}

func (b *FullMmapBackend) readSlot(id uint32) []float32 {
	off := int64(id) * b.slotSize()
	slot := b.region[off : off+b.slotSize()]
	out := make([]float32, b.dim)
	for d := 0; d < b.dim; d++ {
		out[d] = math.Float32frombits(binary.LittleEndian.Uint32(slot[d*4:]))
	}
	return out
}

func (b *FullMmapBackend) Get(id uint32) ([]float32, error) {
	if id >= b.count {
		return nil, vdberrors.New("storage.mmap.get", vdberrors.KindVectorNotFound, "")
	}
	if b.isSet(id) {
		return nil, vdberrors.New("storage.mmap.get", vdberrors.KindVectorNotFound, "tombstoned")
	}
	return b.readSlot(id), nil
}

func (b *FullMmapBackend) Tombstone(id uint32) { b.set(id) }

func (b *FullMmapBackend) Len() int { return int(b.count) }

func (b *FullMmapBackend) DistanceTo(id uint32, query []float32, fn distance.Func) (float32, error) {
	if id >= b.count {
		return 0, vdberrors.New("storage.mmap.distance_to", vdberrors.KindVectorNotFound, "")
	}
	return fn(query, b.readSlot(id)), nil
}

func (b *FullMmapBackend) FootprintBytes() int64 {
	return int64(b.capacity) * b.slotSize()
}

func (b *FullMmapBackend) Close() error {
	if b.region != nil {
		_ = b.region.Flush()
		_ = b.region.Unmap()
	}
	_ = b.lock.Unlock()
	return b.file.Close()
}

// Save flushes the mmap region; the file itself already is the persisted
// representation, so this only needs a header rewrite for count/dim.
func (b *FullMmapBackend) Save(w io.Writer) error {
	if b.region != nil {
		if err := b.region.Flush(); err != nil {
			return vdberrors.Wrap("storage.mmap.save", vdberrors.KindIoError, err)
		}
	}
	if err := binary.Write(w, binary.LittleEndian, b.count); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, uint32(b.dim))
}

// Load reads the count/dim header written by Save; the backend itself was
// already opened against the backing file, so the mapped bytes are current.
func (b *FullMmapBackend) Load(r io.Reader) error {
	var count, dim uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return err
	}
	b.dim = int(dim)
	b.count = count
	b.tombstones = newTombstones()
	b.grow(uint(count))
	if uint32(b.capacity) < count {
		return b.growTo(count)
	}
	return nil
}
