package core

import (
	"bytes"
	"encoding/json"
	"os"

	"github.com/bits-and-blooms/bitset"

	"github.com/kaidb/kaidb/internal/encoding"
	"github.com/kaidb/kaidb/pkg/index"
	"github.com/kaidb/kaidb/pkg/payload"
	"github.com/kaidb/kaidb/pkg/storage"
	"github.com/kaidb/kaidb/pkg/walog"
	"github.com/kaidb/kaidb/vdberrors"
)

var idMapMagic = encoding.NewMagic("IDMAP001")

const idMapVersion = 1

// vectors.bin wraps a storage.Backend's raw Save/Load bytes in the common
// framing; graph.bin and payload.bin need no extra wrap since index.Graph
// and payload.Index already self-frame with their own magic.
var vectorsMagic = encoding.NewMagic("VECTORSB")

const vectorsVersion = 1

var tombstonesMagic = encoding.NewMagic("TOMBSET1")

const tombstonesVersion = 1

func saveVectors(path string, backend storage.Backend) error {
	return walog.WriteAtomic(path, func(f *os.File) error {
		var body bytes.Buffer
		if err := backend.Save(&body); err != nil {
			return err
		}
		return encoding.WriteFramed(f, vectorsMagic, vectorsVersion, body.Bytes())
	})
}

func loadVectors(path string, backend storage.Backend) error {
	f, err := os.Open(path)
	if err != nil {
		return vdberrors.Wrap("core.load_vectors", vdberrors.KindIoError, err)
	}
	defer f.Close()
	body, _, err := encoding.ReadFramed(f, vectorsMagic, vectorsVersion)
	if err != nil {
		return err
	}
	return backend.Load(bytes.NewReader(body))
}

func saveGraph(path string, g *index.Graph) error {
	return walog.WriteAtomic(path, func(f *os.File) error { return g.Save(f) })
}

func loadGraph(path string, g *index.Graph) error {
	f, err := os.Open(path)
	if err != nil {
		return vdberrors.Wrap("core.load_graph", vdberrors.KindIoError, err)
	}
	defer f.Close()
	return g.Load(f)
}

func savePayloadIndex(path string, idx *payload.Index) error {
	return walog.WriteAtomic(path, func(f *os.File) error { return idx.Save(f) })
}

func loadPayloadIndex(path string, idx *payload.Index) error {
	f, err := os.Open(path)
	if err != nil {
		return vdberrors.Wrap("core.load_payload_index", vdberrors.KindIoError, err)
	}
	defer f.Close()
	return idx.Load(f)
}

func saveTombstones(path string, bits *bitset.BitSet) error {
	return walog.WriteAtomic(path, func(f *os.File) error {
		raw, err := bits.MarshalBinary()
		if err != nil {
			return vdberrors.Wrap("core.save_tombstones", vdberrors.KindIoError, err)
		}
		return encoding.WriteFramed(f, tombstonesMagic, tombstonesVersion, raw)
	})
}

func loadTombstones(path string, bits *bitset.BitSet) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return vdberrors.Wrap("core.load_tombstones", vdberrors.KindIoError, err)
	}
	defer f.Close()
	body, _, err := encoding.ReadFramed(f, tombstonesMagic, tombstonesVersion)
	if err != nil {
		return err
	}
	if err := bits.UnmarshalBinary(body); err != nil {
		return vdberrors.Wrap("core.load_tombstones", vdberrors.KindSnapshotCorrupted, err)
	}
	return nil
}

// saveIDMap persists the external-to-internal ID mapping at checkpoint
// time. The WAL segments covering these mappings are deleted right after a
// checkpoint, so this file is the only place they survive a reopen.
func saveIDMap(path string, extToInt map[string]uint32) error {
	return walog.WriteAtomic(path, func(f *os.File) error {
		body, err := json.Marshal(extToInt)
		if err != nil {
			return vdberrors.Wrap("core.save_id_map", vdberrors.KindIoError, err)
		}
		return encoding.WriteFramed(f, idMapMagic, idMapVersion, body)
	})
}

func loadIDMap(path string) (map[string]uint32, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return make(map[string]uint32), nil
	}
	if err != nil {
		return nil, vdberrors.Wrap("core.load_id_map", vdberrors.KindIoError, err)
	}
	defer f.Close()
	body, _, err := encoding.ReadFramed(f, idMapMagic, idMapVersion)
	if err != nil {
		return nil, err
	}
	var m map[string]uint32
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, vdberrors.Wrap("core.load_id_map", vdberrors.KindSnapshotCorrupted, err)
	}
	return m, nil
}
