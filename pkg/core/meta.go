package core

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/kaidb/kaidb/pkg/distance"
	"github.com/kaidb/kaidb/pkg/index"
	"github.com/kaidb/kaidb/pkg/storage"
	"github.com/kaidb/kaidb/pkg/walog"
	"github.com/kaidb/kaidb/vdberrors"
)

// CollectionMeta is the meta.json schema: the collection's immutable
// attributes plus the mutable bits small enough to keep out of the WAL
// (codec-trained flag, snapshot WAL position).
type CollectionMeta struct {
	Name                string          `json:"name"`
	Dimension           int             `json:"dimension"`
	Metric              distance.Metric `json:"metric"`
	StorageKind         storage.Kind    `json:"storage_kind"`
	HNSWParams          index.Params    `json:"hnsw_params"`
	CodecTrained        bool            `json:"codec_trained"`
	NormalizeAtInsert   bool            `json:"normalize_at_insert"`
	TrainingSize        int             `json:"training_size"`
	PQSubspaces         int             `json:"pq_subspaces"`
	PQCentroids         int             `json:"pq_centroids"`
	RetainFullPrecision bool            `json:"retain_full_precision"`
	CreatedAt           time.Time       `json:"created_at"`
	SnapshotSegment     int             `json:"snapshot_segment"`
	SnapshotOffset      int64           `json:"snapshot_offset"`
	NextInternalID      uint32          `json:"next_internal_id"`
}

func metaPath(dir string) string {
	return filepath.Join(dir, "meta.json")
}

// writeMeta atomically replaces meta.json, used after create, checkpoint,
// and after the codec-trained flag flips.
func writeMeta(dir string, m CollectionMeta) error {
	return walog.WriteAtomic(metaPath(dir), func(f *os.File) error {
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		return enc.Encode(m)
	})
}

func readMeta(dir string) (CollectionMeta, error) {
	var m CollectionMeta
	data, err := os.ReadFile(metaPath(dir))
	if err != nil {
		return m, vdberrors.Wrap("core.read_meta", vdberrors.KindIoError, err)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, vdberrors.Wrap("core.read_meta", vdberrors.KindSnapshotCorrupted, err)
	}
	return m, nil
}
