package core

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bitset"

	"github.com/kaidb/kaidb/internal/encoding"
	"github.com/kaidb/kaidb/pkg/asyncindex"
	"github.com/kaidb/kaidb/pkg/distance"
	"github.com/kaidb/kaidb/pkg/index"
	"github.com/kaidb/kaidb/pkg/payload"
	"github.com/kaidb/kaidb/pkg/quantization"
	"github.com/kaidb/kaidb/pkg/storage"
	"github.com/kaidb/kaidb/pkg/walog"
	"github.com/kaidb/kaidb/vdberrors"
)

var payloadBlobMagic = encoding.NewMagic("PAYLBLOB")

const payloadBlobVersion = 1

// CreateConfig describes a collection's immutable attributes, supplied once
// at create_collection time.
type CreateConfig struct {
	Dimension           int
	Metric              distance.Metric
	StorageKind         storage.Kind
	HNSWParams          index.Params
	NormalizeAtInsert   bool
	TrainingSize        int
	PQSubspaces         int
	PQCentroids         int
	RetainFullPrecision bool
}

// InsertItem is one element of a batch insert request.
type InsertItem struct {
	ExternalID string
	Data       []float32
	Payload    map[string]any
}

// ItemStatus reports one batch item's outcome, letting the caller retry only
// the items that failed.
type ItemStatus struct {
	ExternalID string
	Err        error
}

// SearchHit is one result row from a search.
type SearchHit struct {
	ExternalID string
	Score      float32
	Payload    map[string]any
}

// CollectionInfo answers get_collection_info.
type CollectionInfo struct {
	Name           string
	Dimension      int
	Metric         distance.Metric
	VectorCount    int
	TombstoneCount int
	IndexedCount   int
	StorageBytes   int64
	CodecTrained   bool
}

// Collection owns one collection's storage backend, HNSW index manager,
// payload filter index, WAL, and external/internal ID map. Every write
// holds mu exclusively for the span WAL append -> storage mutation -> HNSW
// mutation -> payload mutation, per the concurrency model; reads hold mu's
// read lock.
type Collection struct {
	name string
	dir  string

	dim               int
	metric            distance.Metric
	distFn            distance.Func
	normalizeAtInsert bool
	storageKind       storage.Kind

	mu         sync.RWMutex
	backend    storage.Backend
	wal        *walog.WAL
	mgr        *asyncindex.Manager
	payloadIdx *payload.Index
	tombstones *bitset.BitSet

	extToInt map[string]uint32
	intToExt map[uint32]string
	payloads map[uint32]map[string]any
	nextID   uint32

	inFlightSearches atomic.Int32

	logger   Logger
	unusable error // set on interior WAL corruption; surfaced on every access thereafter
}

// maxInFlightSearches bounds concurrent Search calls per collection. Search
// has no other backpressure mechanism (unlike writes, which block on the
// WAL), so this is the ceiling that turns overload into a fast Overloaded
// error instead of unbounded queuing.
const maxInFlightSearches = 256

// CreateCollection initializes a fresh collection directory and returns its
// handle. The registry serializes this against other creates of the same
// name but does not hold its lock while this runs.
func CreateCollection(dir, name string, cfg CreateConfig, logger Logger) (*Collection, error) {
	if err := os.MkdirAll(filepath.Join(dir, "wal"), 0o755); err != nil {
		return nil, vdberrors.Wrap("core.create_collection", vdberrors.KindIoError, err)
	}

	backend, err := newBackend(dir, cfg)
	if err != nil {
		return nil, err
	}

	w, err := walog.Open(filepath.Join(dir, "wal"), walog.DefaultRotateBytes)
	if err != nil {
		return nil, err
	}

	payloadIdx, err := payload.New()
	if err != nil {
		return nil, err
	}

	tombstones := bitset.New(0)
	graph := index.NewGraph(cfg.HNSWParams, tombstones)

	meta := CollectionMeta{
		Name:                name,
		Dimension:           cfg.Dimension,
		Metric:              cfg.Metric,
		StorageKind:         cfg.StorageKind,
		HNSWParams:          cfg.HNSWParams,
		NormalizeAtInsert:   cfg.NormalizeAtInsert,
		TrainingSize:        cfg.TrainingSize,
		PQSubspaces:         cfg.PQSubspaces,
		PQCentroids:         cfg.PQCentroids,
		RetainFullPrecision: cfg.RetainFullPrecision,
		CreatedAt:           time.Now(),
	}
	if err := writeMeta(dir, meta); err != nil {
		return nil, err
	}

	c := &Collection{
		name:              name,
		dir:               dir,
		dim:               cfg.Dimension,
		metric:            cfg.Metric,
		distFn:            distance.ForMetric(cfg.Metric),
		normalizeAtInsert: cfg.NormalizeAtInsert,
		storageKind:       cfg.StorageKind,
		backend:           backend,
		wal:               w,
		mgr:               asyncindex.NewManager(graph),
		payloadIdx:        payloadIdx,
		tombstones:        tombstones,
		extToInt:          make(map[string]uint32),
		intToExt:          make(map[uint32]string),
		payloads:          make(map[uint32]map[string]any),
		logger:            logger,
	}
	return c, nil
}

// OpenCollection reloads a collection directory written by a prior
// Checkpoint, then replays the WAL tail starting at the snapshot's
// recorded position to recover writes made since.
func OpenCollection(dir string, logger Logger) (*Collection, error) {
	meta, err := readMeta(dir)
	if err != nil {
		return nil, err
	}

	cfg := CreateConfig{
		Dimension:           meta.Dimension,
		Metric:              meta.Metric,
		StorageKind:         meta.StorageKind,
		HNSWParams:          meta.HNSWParams,
		NormalizeAtInsert:   meta.NormalizeAtInsert,
		TrainingSize:        meta.TrainingSize,
		PQSubspaces:         meta.PQSubspaces,
		PQCentroids:         meta.PQCentroids,
		RetainFullPrecision: meta.RetainFullPrecision,
	}
	backend, err := newBackend(dir, cfg)
	if err != nil {
		return nil, err
	}

	vectorsPath := filepath.Join(dir, "vectors.bin")
	if _, err := os.Stat(vectorsPath); err == nil {
		if err := loadVectors(vectorsPath, backend); err != nil {
			return nil, err
		}
	}

	tombstones := bitset.New(0)
	if err := loadTombstones(filepath.Join(dir, "tombstones.bin"), tombstones); err != nil {
		return nil, err
	}

	graph := index.NewGraph(meta.HNSWParams, tombstones)
	graphPath := filepath.Join(dir, "graph.bin")
	if _, err := os.Stat(graphPath); err == nil {
		if err := loadGraph(graphPath, graph); err != nil {
			return nil, err
		}
	}

	payloadIdx, err := payload.New()
	if err != nil {
		return nil, err
	}
	payloadPath := filepath.Join(dir, "payload.bin")
	if _, err := os.Stat(payloadPath); err == nil {
		if err := loadPayloadIndex(payloadPath, payloadIdx); err != nil {
			return nil, err
		}
	}

	payloads, err := loadPayloadBlobs(filepath.Join(dir, "payload_blobs.bin"))
	if err != nil {
		return nil, err
	}

	w, err := walog.Open(filepath.Join(dir, "wal"), walog.DefaultRotateBytes)
	if err != nil {
		return nil, err
	}

	c := &Collection{
		name:              meta.Name,
		dir:               dir,
		dim:               meta.Dimension,
		metric:            meta.Metric,
		distFn:            distance.ForMetric(meta.Metric),
		normalizeAtInsert: meta.NormalizeAtInsert,
		storageKind:       meta.StorageKind,
		backend:           backend,
		wal:               w,
		mgr:               asyncindex.NewManager(graph),
		payloadIdx:        payloadIdx,
		tombstones:        tombstones,
		extToInt:          make(map[string]uint32),
		intToExt:          make(map[uint32]string),
		payloads:          payloads,
		nextID:            meta.NextInternalID,
		logger:            logger,
	}

	idMap, err := loadIDMap(filepath.Join(dir, "id_map.bin"))
	if err != nil {
		return nil, err
	}
	for ext, id := range idMap {
		c.extToInt[ext] = id
		c.intToExt[id] = ext
	}

	if err := c.replayWAL(meta); err != nil {
		return nil, err
	}
	return c, nil
}

// replayWAL applies every WAL record from the snapshot's recorded position
// onward through the same apply helpers the live write path uses, since
// the snapshot files carry no record of what changed after they were
// written.
func (c *Collection) replayWAL(meta CollectionMeta) error {
	ctx := context.Background()
	return walog.Replay(filepath.Join(c.dir, "wal"), meta.SnapshotSegment, meta.SnapshotOffset, func(rec walog.Record) error {
		m, err := decodeMutationRecord(rec.Payload)
		if err != nil {
			return err
		}
		switch rec.Tag {
		case walog.OpInsert:
			_, err := c.applyInsert(ctx, m.ExternalID, m.Data, m.Payload)
			return err
		case walog.OpUpdate:
			old, hadOld := c.extToInt[m.ExternalID]
			if len(m.Data) > 0 {
				if hadOld {
					return c.applyReplace(ctx, m.ExternalID, old, m.Data, m.Payload)
				}
				_, err := c.applyInsert(ctx, m.ExternalID, m.Data, m.Payload)
				return err
			}
			if hadOld {
				return c.applyPayloadOnly(ctx, old, m.Payload)
			}
			return nil
		case walog.OpDelete:
			if id, ok := c.extToInt[m.ExternalID]; ok {
				return c.applyDelete(ctx, m.ExternalID, id)
			}
		}
		return nil
	})
}

func newBackend(dir string, cfg CreateConfig) (storage.Backend, error) {
	switch cfg.StorageKind {
	case storage.FullMemory:
		return storage.NewFullMemoryBackend(cfg.Dimension), nil
	case storage.FullMmap:
		// the mmap file is the live data; vectors.bin stays reserved for the
		// small framed header saveVectors/loadVectors write on checkpoint,
		// consistent with every other backend kind.
		return storage.NewFullMmapBackend(filepath.Join(dir, "vectors.mmap"), cfg.Dimension)
	case storage.ScalarQuantized:
		return storage.NewScalarQuantizedBackend(cfg.Dimension, cfg.TrainingSize, cfg.RetainFullPrecision), nil
	case storage.ProductQuantized:
		m := cfg.PQSubspaces
		if m <= 0 {
			m = 8
		}
		k := cfg.PQCentroids
		if k <= 0 {
			k = 256
		}
		return storage.NewProductQuantizedBackend(cfg.Dimension, m, k, cfg.TrainingSize, cfg.RetainFullPrecision)
	case storage.Binary:
		return storage.NewBinaryBackend(cfg.Dimension, cfg.TrainingSize, cfg.RetainFullPrecision), nil
	default:
		return nil, vdberrors.New("core.new_backend", vdberrors.KindInvalidName, "unknown storage kind")
	}
}

func (c *Collection) vectorFn() index.VectorFunc {
	return func(id uint32) ([]float32, error) { return c.backend.Get(id) }
}

func (c *Collection) distanceFn() index.DistanceFunc {
	return func(id uint32, query []float32) (float32, error) {
		return c.backend.DistanceTo(id, query, c.distFn)
	}
}

func (c *Collection) checkUsable() error {
	if c.unusable != nil {
		return c.unusable
	}
	return nil
}

// Insert appends items, returning per-item status so the caller can retry
// only the failures; successful items are already durably committed.
func (c *Collection) Insert(ctx context.Context, items []InsertItem) ([]ItemStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkUsable(); err != nil {
		return nil, err
	}

	statuses := make([]ItemStatus, len(items))
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			statuses[i] = ItemStatus{ExternalID: item.ExternalID, Err: vdberrors.New("core.insert", vdberrors.KindCancelled, "insert cancelled")}
			for j := i + 1; j < len(items); j++ {
				statuses[j] = ItemStatus{ExternalID: items[j].ExternalID, Err: vdberrors.New("core.insert", vdberrors.KindCancelled, "insert cancelled")}
			}
			return statuses, nil
		}
		statuses[i] = ItemStatus{ExternalID: item.ExternalID}
		if err := c.insertOneLocked(ctx, item); err != nil {
			statuses[i].Err = err
		}
	}
	return statuses, nil
}

func (c *Collection) insertOneLocked(ctx context.Context, item InsertItem) error {
	if len(item.Data) != c.dim {
		return vdberrors.New("core.insert", vdberrors.KindDimensionMismatch, "")
	}
	if _, exists := c.extToInt[item.ExternalID]; exists {
		return vdberrors.New("core.insert", vdberrors.KindInvalidName, "external id already present")
	}

	vec := make([]float32, len(item.Data))
	copy(vec, item.Data)
	if c.normalizeAtInsert && c.metric == distance.Cosine {
		distance.Normalize(vec)
	}

	rec, err := encodeMutationRecord(mutationPayload{ExternalID: item.ExternalID, Data: vec, Payload: item.Payload})
	if err != nil {
		return err
	}
	if _, _, err := c.wal.Append(walog.Record{Tag: walog.OpInsert, Payload: rec}); err != nil {
		c.unusable = err
		return err
	}

	_, err = c.applyInsert(ctx, item.ExternalID, vec, item.Payload)
	return err
}

// applyInsert appends vec to the storage backend, links it into the live
// HNSW graph, and indexes its payload, assigning it the next internal ID.
// It assumes the caller has already written the WAL record (or is
// replaying one) and holds the write lock.
func (c *Collection) applyInsert(ctx context.Context, externalID string, vec []float32, payload map[string]any) (uint32, error) {
	id := c.nextID
	if err := c.backend.Append(ctx, id, vec); err != nil {
		return 0, vdberrors.Wrap("core.insert", vdberrors.KindInternalCorruption, err)
	}
	c.nextID++

	graph := c.mgr.Primary()
	if err := graph.Insert(id, vec, c.distanceFn(), c.vectorFn()); err != nil {
		return 0, err
	}
	if c.mgr.IsRebuilding() {
		c.mgr.RecordPendingOp(asyncindex.PendingOp{ID: id, Vector: vec})
	}

	if len(payload) > 0 {
		if err := c.payloadIdx.IndexPayload(ctx, id, payload); err != nil {
			return 0, err
		}
		c.payloads[id] = payload
	}

	c.extToInt[externalID] = id
	c.intToExt[id] = externalID
	return id, nil
}

// Update replaces a vector's data and/or payload within one write-lock
// span. A payload-only update re-indexes the payload under the same
// internal ID; a data change is a tombstone-then-insert pair under a new
// internal ID, since no backend supports an in-place replace of vector data.
func (c *Collection) Update(ctx context.Context, externalID string, data []float32, newPayload map[string]any, hasData, hasPayload bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkUsable(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return vdberrors.New("core.update", vdberrors.KindCancelled, "update cancelled")
	}
	id, ok := c.extToInt[externalID]
	if !ok {
		return vdberrors.New("core.update", vdberrors.KindVectorNotFound, "")
	}
	if hasData && len(data) != c.dim {
		return vdberrors.New("core.update", vdberrors.KindDimensionMismatch, "")
	}

	payloadToUse := c.payloads[id]
	if hasPayload {
		payloadToUse = newPayload
	}

	if !hasData {
		rec, err := encodeMutationRecord(mutationPayload{ExternalID: externalID, Payload: payloadToUse})
		if err != nil {
			return err
		}
		if _, _, err := c.wal.Append(walog.Record{Tag: walog.OpUpdate, Payload: rec}); err != nil {
			c.unusable = err
			return err
		}
		return c.applyPayloadOnly(ctx, id, payloadToUse)
	}

	vec := make([]float32, len(data))
	copy(vec, data)
	if c.normalizeAtInsert && c.metric == distance.Cosine {
		distance.Normalize(vec)
	}

	rec, err := encodeMutationRecord(mutationPayload{ExternalID: externalID, Data: vec, Payload: payloadToUse})
	if err != nil {
		return err
	}
	if _, _, err := c.wal.Append(walog.Record{Tag: walog.OpUpdate, Payload: rec}); err != nil {
		c.unusable = err
		return err
	}

	return c.applyReplace(ctx, externalID, id, vec, payloadToUse)
}

// applyReplace retires oldID (tombstone, drop its payload entry) and
// inserts vec as a fresh internal ID under externalID, the delete+insert
// pair every update-with-data goes through.
func (c *Collection) applyReplace(ctx context.Context, externalID string, oldID uint32, vec []float32, payload map[string]any) error {
	c.tombstoneLocked(oldID)
	if err := c.payloadIdx.RemoveID(ctx, oldID); err != nil {
		return err
	}
	delete(c.payloads, oldID)
	delete(c.intToExt, oldID)

	_, err := c.applyInsert(ctx, externalID, vec, payload)
	return err
}

// applyPayloadOnly re-indexes id's payload without touching its vector, the
// path an update with no new data takes.
func (c *Collection) applyPayloadOnly(ctx context.Context, id uint32, payload map[string]any) error {
	if err := c.payloadIdx.RemoveID(ctx, id); err != nil {
		return err
	}
	if len(payload) > 0 {
		if err := c.payloadIdx.IndexPayload(ctx, id, payload); err != nil {
			return err
		}
	}
	c.payloads[id] = payload
	return nil
}

// Delete tombstones every present external ID, returning how many were
// actually found and removed.
func (c *Collection) Delete(ctx context.Context, externalIDs []string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkUsable(); err != nil {
		return 0, err
	}

	deleted := 0
	for _, extID := range externalIDs {
		if err := ctx.Err(); err != nil {
			return deleted, vdberrors.New("core.delete", vdberrors.KindCancelled, "delete cancelled")
		}
		id, ok := c.extToInt[extID]
		if !ok {
			continue
		}
		rec, err := encodeMutationRecord(mutationPayload{ExternalID: extID})
		if err != nil {
			return deleted, err
		}
		if _, _, err := c.wal.Append(walog.Record{Tag: walog.OpDelete, Payload: rec}); err != nil {
			c.unusable = err
			return deleted, err
		}
		if err := c.applyDelete(ctx, extID, id); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

func (c *Collection) applyDelete(ctx context.Context, externalID string, id uint32) error {
	c.tombstoneLocked(id)
	if err := c.payloadIdx.RemoveID(ctx, id); err != nil {
		return err
	}
	delete(c.payloads, id)
	delete(c.extToInt, externalID)
	delete(c.intToExt, id)
	return nil
}

func (c *Collection) tombstoneLocked(id uint32) {
	c.backend.Tombstone(id)
	c.tombstones.Set(uint(id))
	c.mgr.Primary().Delete(id)
	if c.mgr.IsRebuilding() {
		c.mgr.RecordPendingOp(asyncindex.PendingOp{ID: id, Deleted: true})
	}
}

// Get returns the live data and payload for an external ID.
func (c *Collection) Get(externalID string) ([]float32, map[string]any, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.checkUsable(); err != nil {
		return nil, nil, err
	}
	id, ok := c.extToInt[externalID]
	if !ok {
		return nil, nil, vdberrors.New("core.get", vdberrors.KindVectorNotFound, "")
	}
	vec, err := c.backend.Get(id)
	if err != nil {
		return nil, nil, err
	}
	return vec, c.payloads[id], nil
}

// SearchOptions configures one search call.
type SearchOptions struct {
	EfSearch int
	Filter   *payload.Filter
	Rerank   bool
}

const preFilterSelectivityThreshold = 0.3

// Search runs an ANN query with an optional pre/post filter, choosing
// between the two based on EstimateSelectivity against
// preFilterSelectivityThreshold.
func (c *Collection) Search(ctx context.Context, query []float32, k int, opts SearchOptions) ([]SearchHit, error) {
	if c.inFlightSearches.Add(1) > maxInFlightSearches {
		c.inFlightSearches.Add(-1)
		return nil, vdberrors.New("core.search", vdberrors.KindOverloaded, "too many in-flight searches")
	}
	defer c.inFlightSearches.Add(-1)

	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.checkUsable(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, vdberrors.New("core.search", vdberrors.KindCancelled, "search cancelled")
	}
	if len(query) != c.dim {
		return nil, vdberrors.New("core.search", vdberrors.KindDimensionMismatch, "")
	}

	q := make([]float32, len(query))
	copy(q, query)
	if c.normalizeAtInsert && c.metric == distance.Cosine {
		distance.Normalize(q)
	}

	graph := c.mgr.Primary()
	live := graph.Size()
	ef := opts.EfSearch
	if ef <= 0 {
		ef = index.AdaptiveEfSearch(live, k, index.DefaultParams().EfSearch)
	}

	searchK := k
	if opts.Rerank {
		searchK = k * 4
	}

	usePreFilter := false
	if opts.Filter != nil && !opts.Filter.IsEmpty() {
		sel, err := c.payloadIdx.EstimateSelectivity(ctx, opts.Filter, live)
		if err != nil {
			return nil, err
		}
		usePreFilter = sel < preFilterSelectivityThreshold
	}

	var allowed map[uint32]struct{}
	if usePreFilter {
		set, err := c.payloadIdx.MatchSet(ctx, opts.Filter)
		if err != nil {
			return nil, err
		}
		allowed = set
	}

	postFilter := allowed == nil && opts.Filter != nil && !opts.Filter.IsEmpty()

	fetchK := searchK
	if allowed != nil {
		fetchK = searchK + len(allowed)
	}

	var hits []SearchHit
	for {
		if err := ctx.Err(); err != nil {
			return nil, vdberrors.New("core.search", vdberrors.KindCancelled, "search cancelled")
		}
		ids, _, err := graph.Search(q, fetchK, ef, c.distanceFn())
		if err != nil {
			return nil, err
		}

		hits = make([]SearchHit, 0, k)
		for _, id := range ids {
			if allowed != nil {
				if _, ok := allowed[id]; !ok {
					continue
				}
			} else if postFilter {
				ok, err := c.payloadIdx.Matches(ctx, opts.Filter, id)
				if err != nil {
					return nil, err
				}
				if !ok {
					continue
				}
			}
			dist, err := c.backend.DistanceTo(id, q, c.distFn)
			if err != nil {
				continue
			}
			hits = append(hits, SearchHit{ExternalID: c.intToExt[id], Score: dist, Payload: c.payloads[id]})
			if len(hits) >= searchK {
				break
			}
		}

		// Post-filtering can thin the graph's candidate list below searchK
		// even when enough matching vectors exist deeper in the index;
		// widen the fetch and retry rather than returning a short page.
		if !postFilter || len(hits) >= searchK || fetchK >= live {
			break
		}
		fetchK = fetchK*2 + searchK
		if fetchK > live {
			fetchK = live
		}
	}

	if opts.Rerank {
		c.rerankFullPrecision(hits, q)
	}
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// rerankFullPrecision recomputes each hit's score from its retained
// full-precision vector (Backend.Get reconstructs to full precision even
// for quantized backends) and re-sorts in place, replacing the approximate
// DistanceTo score the widened candidate set was ranked by.
func (c *Collection) rerankFullPrecision(hits []SearchHit, query []float32) {
	for i := range hits {
		id, ok := c.extToInt[hits[i].ExternalID]
		if !ok {
			continue
		}
		vec, err := c.backend.Get(id)
		if err != nil {
			continue
		}
		hits[i].Score = c.distFn(query, vec)
	}
	sortHitsByScore(hits)
}

func sortHitsByScore(hits []SearchHit) {
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j].Score < hits[j-1].Score; j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}
}

// Info answers get_collection_info.
func (c *Collection) Info() CollectionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return CollectionInfo{
		Name:           c.name,
		Dimension:      c.dim,
		Metric:         c.metric,
		VectorCount:    len(c.extToInt),
		TombstoneCount: int(c.tombstones.Count()),
		IndexedCount:   c.mgr.Primary().Size(),
		StorageBytes:   c.backend.FootprintBytes(),
		CodecTrained:   c.codecTrained(),
	}
}

func (c *Collection) codecTrained() bool {
	if qb, ok := c.backend.(interface{ Codec() quantization.Codec }); ok {
		return qb.Codec().Trained()
	}
	return true
}

// Checkpoint forces a snapshot: vectors.bin, graph.bin, payload.bin,
// tombstones.bin are each written atomically, then WAL segments before the
// snapshot's position are deleted.
func (c *Collection) Checkpoint() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkpointLocked()
}

func (c *Collection) checkpointLocked() error {
	if err := saveVectors(filepath.Join(c.dir, "vectors.bin"), c.backend); err != nil {
		return err
	}
	if err := saveGraph(filepath.Join(c.dir, "graph.bin"), c.mgr.Primary()); err != nil {
		return err
	}
	if err := savePayloadIndex(filepath.Join(c.dir, "payload.bin"), c.payloadIdx); err != nil {
		return err
	}
	if err := saveTombstones(filepath.Join(c.dir, "tombstones.bin"), c.tombstones); err != nil {
		return err
	}
	if err := savePayloadBlobs(filepath.Join(c.dir, "payload_blobs.bin"), c.payloads); err != nil {
		return err
	}
	if err := saveIDMap(filepath.Join(c.dir, "id_map.bin"), c.extToInt); err != nil {
		return err
	}

	if err := c.wal.Rotate(); err != nil {
		return err
	}
	segment, offset := c.wal.Position()
	if err := walog.DeleteSegmentsBefore(filepath.Join(c.dir, "wal"), segment); err != nil {
		return err
	}

	meta, err := readMeta(c.dir)
	if err != nil {
		return err
	}
	meta.CodecTrained = c.codecTrained()
	meta.NextInternalID = c.nextID
	meta.SnapshotSegment = segment
	meta.SnapshotOffset = offset
	if err := writeMeta(c.dir, meta); err != nil {
		return err
	}
	return nil
}

// RebuildIndex triggers a synchronous-from-the-caller's-perspective rebuild
// of the HNSW graph (the manager itself does the actual work off the write
// lock span, but this call blocks until it finishes, matching a library-API
// shape rather than a fire-and-forget RPC).
func (c *Collection) RebuildIndex(ctx context.Context, params index.Params) error {
	c.mu.RLock()
	liveIDs := make([]uint32, 0, len(c.intToExt))
	for id := range c.intToExt {
		liveIDs = append(liveIDs, id)
	}
	c.mu.RUnlock()

	return c.mgr.Rebuild(ctx, asyncindex.RebuildInput{
		Params:     params,
		Tombstones: c.tombstones,
		LiveIDs:    liveIDs,
		DistFn:     c.distanceFn(),
		VectorFn:   c.vectorFn(),
	})
}

// Progress exposes the async rebuild manager's status.
func (c *Collection) Progress() asyncindex.ProgressSnapshot {
	return c.mgr.Progress().Snapshot()
}

// Close releases the WAL and storage backend's OS resources.
func (c *Collection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.wal.Close(); err != nil {
		return err
	}
	return c.backend.Close()
}

type mutationPayload struct {
	ExternalID string
	Data       []float32
	Payload    map[string]any
}

func encodeMutationRecord(m mutationPayload) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, vdberrors.Wrap("core.encode_mutation", vdberrors.KindIoError, err)
	}
	return b, nil
}

func decodeMutationRecord(b []byte) (mutationPayload, error) {
	var m mutationPayload
	if err := json.Unmarshal(b, &m); err != nil {
		return m, vdberrors.Wrap("core.decode_mutation", vdberrors.KindWalCorrupted, err)
	}
	return m, nil
}

func savePayloadBlobs(path string, payloads map[uint32]map[string]any) error {
	type row struct {
		ID      uint32
		Payload map[string]any
	}
	rows := make([]row, 0, len(payloads))
	for id, p := range payloads {
		rows = append(rows, row{ID: id, Payload: p})
	}
	return walog.WriteAtomic(path, func(f *os.File) error {
		body, err := json.Marshal(rows)
		if err != nil {
			return err
		}
		return encoding.WriteFramed(f, payloadBlobMagic, payloadBlobVersion, body)
	})
}

func loadPayloadBlobs(path string) (map[uint32]map[string]any, error) {
	type row struct {
		ID      uint32
		Payload map[string]any
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return make(map[uint32]map[string]any), nil
	}
	if err != nil {
		return nil, vdberrors.Wrap("core.load_payload_blobs", vdberrors.KindIoError, err)
	}
	defer f.Close()

	body, _, err := encoding.ReadFramed(f, payloadBlobMagic, payloadBlobVersion)
	if err != nil {
		return nil, err
	}
	var rows []row
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, vdberrors.Wrap("core.load_payload_blobs", vdberrors.KindSnapshotCorrupted, err)
	}
	out := make(map[uint32]map[string]any, len(rows))
	for _, r := range rows {
		out[r.ID] = r.Payload
	}
	return out, nil
}
