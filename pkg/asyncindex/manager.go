package asyncindex

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/bits-and-blooms/bitset"
	"github.com/kaidb/kaidb/pkg/index"
	"github.com/kaidb/kaidb/vdberrors"
)

// PendingOp is a write that landed on the primary graph while a rebuild
// was in flight. It is journaled so it can be replayed against the fresh
// graph immediately after the swap.
type PendingOp struct {
	ID      uint32
	Vector  []float32
	Deleted bool
}

// QualityFloor is the minimum acceptable top-k overlap between the old and
// new primary before a swap is accepted, per spec's 0.9-at-k=10 default.
const QualityFloor = 0.9

const qualitySampleK = 10

// Manager owns a collection's primary/secondary HNSW graphs and drives a
// background rebuild: read the live vector set into a fresh graph, run a
// search-quality check against a sample of recent queries, and only then
// swap it in as the new primary.
type Manager struct {
	primary atomic.Pointer[index.Graph]

	mu         sync.Mutex
	rebuilding bool
	pending    []PendingOp

	progress *Progress
}

// NewManager wraps an already-built graph as the initial primary.
func NewManager(initial *index.Graph) *Manager {
	m := &Manager{progress: NewProgress()}
	m.primary.Store(initial)
	return m
}

// Primary returns the graph currently serving searches.
func (m *Manager) Primary() *index.Graph {
	return m.primary.Load()
}

// Progress exposes the rebuild tracker for status reporting.
func (m *Manager) Progress() *Progress {
	return m.progress
}

// IsRebuilding reports whether writes should be journaled to the pending
// queue in addition to being applied to the primary graph.
func (m *Manager) IsRebuilding() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rebuilding
}

// RecordPendingOp journals op if a rebuild is in flight; it is a no-op
// otherwise. The collection's write path calls this unconditionally after
// applying a mutation to the current primary.
func (m *Manager) RecordPendingOp(op PendingOp) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rebuilding {
		m.pending = append(m.pending, op)
	}
}

// RebuildInput supplies everything a rebuild needs without the manager
// depending on the collection's storage types directly.
type RebuildInput struct {
	Params     index.Params
	Tombstones *bitset.BitSet
	LiveIDs    []uint32
	VectorFn   index.VectorFunc
	DistFn     index.DistanceFunc
	// SampleQueries are recent query vectors used for the post-swap
	// search-quality check; an empty slice skips the check (accepted).
	SampleQueries [][]float32
}

// Rebuild constructs a fresh graph from input.LiveIDs, checks its search
// quality against the current primary using input.SampleQueries, and swaps
// it in on success. On failure the primary is left untouched and an error
// is returned; Progress reflects StateFailed either way. ctx is checked
// once per inserted vector, the rebuild's dominant cost, and cancellation
// aborts before the swap so the old primary keeps serving.
func (m *Manager) Rebuild(ctx context.Context, input RebuildInput) error {
	m.mu.Lock()
	if m.rebuilding {
		m.mu.Unlock()
		return vdberrors.New("asyncindex.rebuild", vdberrors.KindOverloaded, "rebuild already in progress")
	}
	m.rebuilding = true
	m.pending = nil
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.rebuilding = false
		m.mu.Unlock()
	}()

	m.progress.Start(len(input.LiveIDs))
	secondary := index.NewGraph(input.Params, input.Tombstones)
	for i, id := range input.LiveIDs {
		if err := ctx.Err(); err != nil {
			cerr := vdberrors.New("asyncindex.rebuild", vdberrors.KindCancelled, "rebuild cancelled")
			m.progress.Fail(cerr.Error())
			return cerr
		}
		vec, err := input.VectorFn(id)
		if err != nil {
			m.progress.Fail(err.Error())
			return vdberrors.Wrap("asyncindex.rebuild", vdberrors.KindInternalCorruption, err)
		}
		if err := secondary.Insert(id, vec, input.DistFn, input.VectorFn); err != nil {
			m.progress.Fail(err.Error())
			return vdberrors.Wrap("asyncindex.rebuild", vdberrors.KindInternalCorruption, err)
		}
		m.progress.Update(i + 1)
	}

	m.progress.SetState(StateSwapping)
	oldPrimary := m.primary.Load()
	if ok, err := m.checkQuality(ctx, oldPrimary, secondary, input.DistFn, input.SampleQueries); err != nil {
		m.progress.Fail(err.Error())
		return err
	} else if !ok {
		m.progress.Fail("search quality regression below floor after rebuild")
		return vdberrors.New("asyncindex.rebuild", vdberrors.KindInternalCorruption, "search quality check failed, swap rolled back")
	}

	m.primary.Store(secondary)

	m.progress.SetState(StateReplaying)
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, op := range pending {
		if op.Deleted {
			secondary.Delete(op.ID)
			continue
		}
		if err := secondary.Insert(op.ID, op.Vector, input.DistFn, input.VectorFn); err != nil {
			m.progress.Fail(err.Error())
			return vdberrors.Wrap("asyncindex.rebuild", vdberrors.KindInternalCorruption, err)
		}
	}

	m.progress.Done()
	return nil
}

// checkQuality compares top-k result sets from the old and new graphs
// across sampleQueries concurrently and reports whether the mean overlap
// meets QualityFloor. An empty sample accepts the swap unconditionally.
func (m *Manager) checkQuality(ctx context.Context, oldGraph, newGraph *index.Graph, distFn index.DistanceFunc, samples [][]float32) (bool, error) {
	if len(samples) == 0 || oldGraph == nil {
		return true, nil
	}

	overlaps := make([]float64, len(samples))
	g, _ := errgroup.WithContext(ctx)
	for i, query := range samples {
		i, query := i, query
		g.Go(func() error {
			oldIDs, _, err := oldGraph.Search(query, qualitySampleK, qualitySampleK*2, distFn)
			if err != nil {
				overlaps[i] = 1.0 // empty old index: nothing to regress against
				return nil
			}
			newIDs, _, err := newGraph.Search(query, qualitySampleK, qualitySampleK*2, distFn)
			if err != nil {
				overlaps[i] = 0
				return nil
			}
			overlaps[i] = overlapFraction(oldIDs, newIDs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return false, vdberrors.Wrap("asyncindex.check_quality", vdberrors.KindInternalCorruption, err)
	}

	var sum float64
	for _, o := range overlaps {
		sum += o
	}
	mean := sum / float64(len(overlaps))
	return mean >= QualityFloor, nil
}

func overlapFraction(a, b []uint32) float64 {
	if len(a) == 0 {
		return 1.0
	}
	set := make(map[uint32]struct{}, len(b))
	for _, id := range b {
		set[id] = struct{}{}
	}
	hit := 0
	for _, id := range a {
		if _, ok := set[id]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(a))
}
