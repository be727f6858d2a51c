package core

import (
	"bufio"
	"context"
	"encoding/json"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/kaidb/kaidb/pkg/distance"
	"github.com/kaidb/kaidb/pkg/index"
	"github.com/kaidb/kaidb/pkg/storage"
	"github.com/kaidb/kaidb/vdberrors"
)

// Engine is the in-process API surface every transport adapter (REST, gRPC,
// MCP) maps its own schema onto. It owns nothing but a Registry; every
// method acquires, uses, and releases a collection handle around the call.
type Engine struct {
	registry *Registry
}

// NewEngine wraps an already-open Registry.
func NewEngine(registry *Registry) *Engine {
	return &Engine{registry: registry}
}

// CreateCollection provisions a new collection with the given attributes.
func (e *Engine) CreateCollection(name string, cfg CreateConfig) error {
	_, err := e.registry.Create(name, cfg)
	return err
}

// DeleteCollection removes a collection and all its on-disk state.
func (e *Engine) DeleteCollection(name string) error {
	return e.registry.Delete(name)
}

// ListCollections returns every live collection's name and creation order.
func (e *Engine) ListCollections() []CollectionSummary {
	return e.registry.List()
}

// GetCollectionInfo answers get_collection_info.
func (e *Engine) GetCollectionInfo(name string) (CollectionInfo, error) {
	col, err := e.registry.Open(name)
	if err != nil {
		return CollectionInfo{}, err
	}
	defer e.registry.Release(name)
	return col.Info(), nil
}

// Insert appends a batch of items to a collection.
func (e *Engine) Insert(ctx context.Context, collection string, items []InsertItem) ([]ItemStatus, error) {
	col, err := e.registry.Open(collection)
	if err != nil {
		return nil, err
	}
	defer e.registry.Release(collection)
	return col.Insert(ctx, items)
}

// Update changes a vector's data and/or payload. A payload-only update keeps
// the item's internal ID; a data change re-inserts it under a new one.
func (e *Engine) Update(ctx context.Context, collection, externalID string, data []float32, payload map[string]any, hasData, hasPayload bool) error {
	col, err := e.registry.Open(collection)
	if err != nil {
		return err
	}
	defer e.registry.Release(collection)
	return col.Update(ctx, externalID, data, payload, hasData, hasPayload)
}

// Delete tombstones the given external IDs, returning how many were found.
func (e *Engine) Delete(ctx context.Context, collection string, externalIDs []string) (int, error) {
	col, err := e.registry.Open(collection)
	if err != nil {
		return 0, err
	}
	defer e.registry.Release(collection)
	return col.Delete(ctx, externalIDs)
}

// Get returns a single item's current data and payload.
func (e *Engine) Get(collection, externalID string) ([]float32, map[string]any, error) {
	col, err := e.registry.Open(collection)
	if err != nil {
		return nil, nil, err
	}
	defer e.registry.Release(collection)
	return col.Get(externalID)
}

// Search runs one ANN query against a collection.
func (e *Engine) Search(ctx context.Context, collection string, query []float32, k int, opts SearchOptions) ([]SearchHit, error) {
	col, err := e.registry.Open(collection)
	if err != nil {
		return nil, err
	}
	defer e.registry.Release(collection)
	return col.Search(ctx, query, k, opts)
}

// SearchBatch fans queries out across the errgroup worker pool, preserving
// input order in the returned slice.
func (e *Engine) SearchBatch(ctx context.Context, collection string, queries [][]float32, k int, opts SearchOptions) ([][]SearchHit, error) {
	col, err := e.registry.Open(collection)
	if err != nil {
		return nil, err
	}
	defer e.registry.Release(collection)

	results := make([][]SearchHit, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	for i, q := range queries {
		i, q := i, q
		g.Go(func() error {
			hits, err := col.Search(gctx, q, k, opts)
			if err != nil {
				return err
			}
			results[i] = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Checkpoint forces a collection's in-memory state to disk.
func (e *Engine) Checkpoint(collection string) error {
	col, err := e.registry.Open(collection)
	if err != nil {
		return err
	}
	defer e.registry.Release(collection)
	return col.Checkpoint()
}

// RebuildIndex triggers an async HNSW rebuild, optionally with new params.
func (e *Engine) RebuildIndex(ctx context.Context, collection string, params index.Params) error {
	col, err := e.registry.Open(collection)
	if err != nil {
		return err
	}
	defer e.registry.Release(collection)
	return col.RebuildIndex(ctx, params)
}

// exportManifest is export's row-oriented wire format: one JSON line of
// collection metadata followed by one JSON line per live item, easy to
// stream without buffering the whole collection in memory.
type exportManifest struct {
	Name              string          `json:"name"`
	Dimension         int             `json:"dimension"`
	Metric            distance.Metric `json:"metric"`
	StorageKind       storage.Kind    `json:"storage_kind"`
	HNSWParams        index.Params    `json:"hnsw_params"`
	NormalizeAtInsert bool            `json:"normalize_at_insert"`
}

type exportRow struct {
	ExternalID string         `json:"external_id"`
	Data       []float32      `json:"data"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Export streams every live item of collection to w as newline-delimited
// JSON: one manifest line, then one row per item. It snapshots the ID set
// under the collection's read lock but re-fetches each vector afterward,
// so a concurrent delete during a long export just drops that row rather
// than failing the whole export.
func (e *Engine) Export(collection string, w io.Writer) error {
	col, err := e.registry.Open(collection)
	if err != nil {
		return err
	}
	defer e.registry.Release(collection)

	col.mu.RLock()
	manifest := exportManifest{
		Name:              col.name,
		Dimension:         col.dim,
		Metric:            col.metric,
		StorageKind:       col.storageKind,
		HNSWParams:        col.mgr.Primary().Params(),
		NormalizeAtInsert: col.normalizeAtInsert,
	}
	externalIDs := make([]string, 0, len(col.extToInt))
	for ext := range col.extToInt {
		externalIDs = append(externalIDs, ext)
	}
	col.mu.RUnlock()

	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	if err := enc.Encode(manifest); err != nil {
		return vdberrors.Wrap("engine.export", vdberrors.KindIoError, err)
	}
	for _, ext := range externalIDs {
		data, payload, err := col.Get(ext)
		if err != nil {
			continue
		}
		if err := enc.Encode(exportRow{ExternalID: ext, Data: data, Payload: payload}); err != nil {
			return vdberrors.Wrap("engine.export", vdberrors.KindIoError, err)
		}
	}
	return bw.Flush()
}

// Import creates a fresh collection from r's export stream (manifest line
// plus item rows) and inserts every row in batches.
func (e *Engine) Import(ctx context.Context, r io.Reader) (string, error) {
	dec := json.NewDecoder(r)

	var manifest exportManifest
	if err := dec.Decode(&manifest); err != nil {
		return "", vdberrors.Wrap("engine.import", vdberrors.KindSnapshotCorrupted, err)
	}

	cfg := CreateConfig{
		Dimension:         manifest.Dimension,
		Metric:            manifest.Metric,
		StorageKind:       manifest.StorageKind,
		HNSWParams:        manifest.HNSWParams,
		NormalizeAtInsert: manifest.NormalizeAtInsert,
	}
	if _, err := e.registry.Create(manifest.Name, cfg); err != nil {
		return "", err
	}

	col, err := e.registry.Open(manifest.Name)
	if err != nil {
		return "", err
	}
	defer e.registry.Release(manifest.Name)

	const importBatch = 256
	batch := make([]InsertItem, 0, importBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		statuses, err := col.Insert(ctx, batch)
		if err != nil {
			return err
		}
		for _, s := range statuses {
			if s.Err != nil {
				return vdberrors.Wrap("engine.import", vdberrors.KindInternalCorruption, s.Err)
			}
		}
		batch = batch[:0]
		return nil
	}

	for {
		var row exportRow
		err := dec.Decode(&row)
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", vdberrors.Wrap("engine.import", vdberrors.KindSnapshotCorrupted, err)
		}
		batch = append(batch, InsertItem{ExternalID: row.ExternalID, Data: row.Data, Payload: row.Payload})
		if len(batch) >= importBatch {
			if err := flush(); err != nil {
				return "", err
			}
		}
	}
	if err := flush(); err != nil {
		return "", err
	}
	return manifest.Name, nil
}
