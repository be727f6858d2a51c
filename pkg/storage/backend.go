// Package storage implements the vector storage backends a collection can be
// configured with: full-precision in-memory, full-precision memory-mapped,
// and the three quantized variants (scalar, product, binary). All backends
// share the same internal-ID address space and the append(id, vector) /
// get(id) / len() / distance_to(id, query) contract.
package storage

import (
	"context"
	"io"

	"github.com/bits-and-blooms/bitset"
	"github.com/kaidb/kaidb/pkg/distance"
	"github.com/kaidb/kaidb/vdberrors"
)

// Kind identifies a storage backend variant.
type Kind int

const (
	FullMemory Kind = iota
	FullMmap
	ScalarQuantized
	ProductQuantized
	Binary
)

func (k Kind) String() string {
	switch k {
	case FullMemory:
		return "full-memory"
	case FullMmap:
		return "full-mmap"
	case ScalarQuantized:
		return "scalar-quantized"
	case ProductQuantized:
		return "product-quantized"
	case Binary:
		return "binary"
	default:
		return "unknown"
	}
}

// Backend is the storage contract every variant implements. internal_id is a
// dense, monotonically increasing uint32 assigned by the caller (the
// collection owns ID allocation); storage never reuses one.
type Backend interface {
	// Append stores vector under id. id must be the next unused slot;
	// backends grow their slot table by exactly one entry per call. A
	// quantized backend whose training buffer just filled trains
	// synchronously inside this call and checks ctx between iterations.
	Append(ctx context.Context, id uint32, vector []float32) error

	// Get returns the stored vector for id, reconstructed to full precision
	// for quantized backends. Returns a *vdberrors.Error with
	// KindVectorNotFound if id is out of range or tombstoned.
	Get(id uint32) ([]float32, error)

	// Tombstone marks id deleted without reclaiming its slot.
	Tombstone(id uint32)

	// IsTombstoned reports whether id has been logically deleted.
	IsTombstoned(id uint32) bool

	// Len returns the number of slots including tombstoned ones.
	Len() int

	// DistanceTo computes the distance from query to the vector stored at id
	// using fn, operating on the backend's native representation (which may
	// be an approximation for quantized backends).
	DistanceTo(id uint32, query []float32, fn distance.Func) (float32, error)

	// Dimension returns the configured vector width.
	Dimension() int

	// FootprintBytes estimates the backend's on-disk/in-memory size, used by
	// GetCollectionInfo's storage_bytes field.
	FootprintBytes() int64

	// Save/Load serialize the backend's body; the collection wraps it in the
	// vectors.bin frame defined in internal/encoding/frame.go.
	Save(w io.Writer) error
	Load(r io.Reader) error

	// Close releases any OS resources (file handles, mmap regions).
	Close() error
}

// tombstones is the shared bitset embedded by every backend implementation.
type tombstones struct {
	bits *bitset.BitSet
}

func newTombstones() tombstones {
	return tombstones{bits: bitset.New(0)}
}

func (t *tombstones) grow(n uint) {
	if t.bits.Len() < n {
		t.bits.Set(n - 1)
		t.bits.Clear(n - 1)
	}
}

func (t *tombstones) set(id uint32) {
	t.bits.Set(uint(id))
}

func (t *tombstones) isSet(id uint32) bool {
	return t.bits.Test(uint(id))
}

func (t *tombstones) count() int {
	return int(t.bits.Count())
}

func checkDimension(vector []float32, dim int) error {
	if len(vector) != dim {
		return vdberrors.New("storage.append", vdberrors.KindDimensionMismatch, "")
	}
	return nil
}
