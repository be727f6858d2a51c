package payload

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"io"
	"sync/atomic"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/kaidb/kaidb/internal/encoding"
	"github.com/kaidb/kaidb/vdberrors"
)

var payloadMagic = encoding.NewMagic("PAYLDIDX")

const payloadVersion = 1

// Index is a single collection's metadata filter index: hash and range
// sub-indexes backed by an in-memory sqlite database, plus a geo
// sub-index. Fields are registered lazily on first write.
type Index struct {
	db  *sql.DB
	geo *GeoIndex
}

var instanceCounter atomic.Uint64

// New opens a fresh payload index backed by a private in-memory sqlite
// database. Each collection owns one Index; the DSN is unique per instance
// so sqlite's shared-cache mode never aliases two collections together.
func New() (*Index, error) {
	id := instanceCounter.Add(1)
	dsn := fmt.Sprintf("file:payload-%d?mode=memory&cache=shared", id)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, vdberrors.Wrap("payload.new", vdberrors.KindIoError, err)
	}
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS hash_fields (
		field TEXT NOT NULL,
		internal_id INTEGER NOT NULL,
		value TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_hash_field_value ON hash_fields(field, value);
	CREATE INDEX IF NOT EXISTS idx_hash_id ON hash_fields(internal_id);

	CREATE TABLE IF NOT EXISTS range_fields (
		field TEXT NOT NULL,
		internal_id INTEGER NOT NULL,
		value REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_range_field_value ON range_fields(field, value);
	CREATE INDEX IF NOT EXISTS idx_range_id ON range_fields(internal_id);

	CREATE TABLE IF NOT EXISTS count_fields (
		field TEXT NOT NULL,
		internal_id INTEGER NOT NULL,
		count INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_count_field_value ON count_fields(field, count);
	CREATE INDEX IF NOT EXISTS idx_count_id ON count_fields(internal_id);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, vdberrors.Wrap("payload.new", vdberrors.KindIoError, err)
	}

	return &Index{db: db, geo: NewGeoIndex()}, nil
}

// Close releases the underlying sqlite handle.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// IndexPayload registers every indexable field of payload against
// internalID: string/bool/int scalars into the hash table, numeric
// scalars additionally into the range table, arrays into the count table,
// and any {lat, lng} pair into the geo index.
func (idx *Index) IndexPayload(ctx context.Context, internalID uint32, payload map[string]any) error {
	if len(payload) == 0 {
		return nil
	}
	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return vdberrors.Wrap("payload.index_payload", vdberrors.KindIoError, err)
	}
	defer tx.Rollback()

	if err := idx.indexFields(ctx, tx, internalID, "", payload); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return vdberrors.Wrap("payload.index_payload", vdberrors.KindIoError, err)
	}
	return nil
}

func (idx *Index) indexFields(ctx context.Context, tx *sql.Tx, internalID uint32, prefix string, value map[string]any) error {
	for key, v := range value {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		switch val := v.(type) {
		case map[string]any:
			if lat, lng, ok := asGeoPoint(val); ok {
				idx.geo.Insert(internalID, path, lat, lng)
				continue
			}
			if err := idx.indexFields(ctx, tx, internalID, path, val); err != nil {
				return err
			}
		case string:
			if err := insertHash(ctx, tx, path, internalID, val); err != nil {
				return err
			}
		case bool:
			if err := insertHash(ctx, tx, path, internalID, fmt.Sprintf("%v", val)); err != nil {
				return err
			}
		case float64:
			if err := insertHash(ctx, tx, path, internalID, fmt.Sprintf("%v", val)); err != nil {
				return err
			}
			if err := insertRange(ctx, tx, path, internalID, val); err != nil {
				return err
			}
		case int:
			if err := insertHash(ctx, tx, path, internalID, fmt.Sprintf("%v", val)); err != nil {
				return err
			}
			if err := insertRange(ctx, tx, path, internalID, float64(val)); err != nil {
				return err
			}
		case []any:
			if err := insertCount(ctx, tx, path, internalID, len(val)); err != nil {
				return err
			}
		}
	}
	return nil
}

func asGeoPoint(m map[string]any) (lat, lng float64, ok bool) {
	latV, latOK := m["lat"]
	lngV, lngOK := m["lng"]
	if !latOK || !lngOK {
		return 0, 0, false
	}
	lat, ok1 := toFloat(latV)
	lng, ok2 := toFloat(lngV)
	return lat, lng, ok1 && ok2
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func insertHash(ctx context.Context, tx *sql.Tx, field string, id uint32, value string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO hash_fields(field, internal_id, value) VALUES (?, ?, ?)`, field, id, value)
	if err != nil {
		return vdberrors.Wrap("payload.insert_hash", vdberrors.KindIoError, err)
	}
	return nil
}

func insertRange(ctx context.Context, tx *sql.Tx, field string, id uint32, value float64) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO range_fields(field, internal_id, value) VALUES (?, ?, ?)`, field, id, value)
	if err != nil {
		return vdberrors.Wrap("payload.insert_range", vdberrors.KindIoError, err)
	}
	return nil
}

func insertCount(ctx context.Context, tx *sql.Tx, field string, id uint32, count int) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO count_fields(field, internal_id, count) VALUES (?, ?, ?)`, field, id, count)
	if err != nil {
		return vdberrors.Wrap("payload.insert_count", vdberrors.KindIoError, err)
	}
	return nil
}

// RemoveID drops every entry tied to internalID, used on delete and on
// update before re-indexing the new payload.
func (idx *Index) RemoveID(ctx context.Context, internalID uint32) error {
	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return vdberrors.Wrap("payload.remove_id", vdberrors.KindIoError, err)
	}
	defer tx.Rollback()

	for _, table := range []string{"hash_fields", "range_fields", "count_fields"} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE internal_id = ?", table), internalID); err != nil {
			return vdberrors.Wrap("payload.remove_id", vdberrors.KindIoError, err)
		}
	}
	idx.geo.RemoveID(internalID)
	return tx.Commit()
}

// Evaluate runs clause against the index and returns the matching internal
// ID set.
func (idx *Index) Evaluate(ctx context.Context, c Clause) (map[uint32]struct{}, error) {
	switch c.Op {
	case OpEquals:
		return idx.evalHash(ctx, c)
	case OpRange:
		return idx.evalRange(ctx, c)
	case OpValuesCount:
		return idx.evalCount(ctx, c)
	case OpGeoBoundingBox:
		return idx.geo.BoundingBox(c.Field, c.MinLat, c.MaxLat, c.MinLng, c.MaxLng), nil
	case OpGeoRadius:
		return idx.geo.Radius(c.Field, c.CenterLat, c.CenterLng, c.RadiusKM), nil
	default:
		return nil, vdberrors.New("payload.evaluate", vdberrors.KindInvalidName, "unknown clause op")
	}
}

func (idx *Index) evalHash(ctx context.Context, c Clause) (map[uint32]struct{}, error) {
	rows, err := idx.db.QueryContext(ctx, `SELECT internal_id FROM hash_fields WHERE field = ? AND value = ?`, c.Field, fmt.Sprintf("%v", c.EqualsValue))
	if err != nil {
		return nil, vdberrors.Wrap("payload.eval_hash", vdberrors.KindIoError, err)
	}
	return scanIDs(rows)
}

func (idx *Index) evalRange(ctx context.Context, c Clause) (map[uint32]struct{}, error) {
	query := `SELECT internal_id FROM range_fields WHERE field = ?`
	args := []any{c.Field}
	if c.HasMin {
		query += ` AND value >= ?`
		args = append(args, c.Min)
	}
	if c.HasMax {
		query += ` AND value <= ?`
		args = append(args, c.Max)
	}
	rows, err := idx.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, vdberrors.Wrap("payload.eval_range", vdberrors.KindIoError, err)
	}
	return scanIDs(rows)
}

func (idx *Index) evalCount(ctx context.Context, c Clause) (map[uint32]struct{}, error) {
	query := `SELECT internal_id FROM count_fields WHERE field = ?`
	args := []any{c.Field}
	if c.HasCountMin {
		query += ` AND count >= ?`
		args = append(args, c.CountMin)
	}
	if c.HasCountMax {
		query += ` AND count <= ?`
		args = append(args, c.CountMax)
	}
	rows, err := idx.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, vdberrors.Wrap("payload.eval_count", vdberrors.KindIoError, err)
	}
	return scanIDs(rows)
}

func scanIDs(rows *sql.Rows) (map[uint32]struct{}, error) {
	defer rows.Close()
	out := make(map[uint32]struct{})
	for rows.Next() {
		var id uint32
		if err := rows.Scan(&id); err != nil {
			return nil, vdberrors.Wrap("payload.scan_ids", vdberrors.KindIoError, err)
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

// Matches evaluates filter's full must/should/must_not composition for one
// internal ID, used by the post-filter path where candidates are already
// known and only need a boolean verdict.
func (idx *Index) Matches(ctx context.Context, filter *Filter, id uint32) (bool, error) {
	if filter.IsEmpty() {
		return true, nil
	}
	set, err := idx.MatchSet(ctx, filter)
	if err != nil {
		return false, err
	}
	_, ok := set[id]
	return ok, nil
}

// MatchSet computes the full allowed-ID set for filter, used by the
// pre-filter path where the set gates HNSW traversal directly.
func (idx *Index) MatchSet(ctx context.Context, filter *Filter) (map[uint32]struct{}, error) {
	var result map[uint32]struct{}

	for i, c := range filter.Must {
		set, err := idx.Evaluate(ctx, c)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			result = set
		} else {
			result = intersect(result, set)
		}
	}

	if len(filter.Should) > 0 {
		union := make(map[uint32]struct{})
		for _, c := range filter.Should {
			set, err := idx.Evaluate(ctx, c)
			if err != nil {
				return nil, err
			}
			for id := range set {
				union[id] = struct{}{}
			}
		}
		if result == nil {
			result = union
		} else {
			result = intersect(result, union)
		}
	}

	if result == nil {
		result = make(map[uint32]struct{})
	}

	for _, c := range filter.MustNot {
		set, err := idx.Evaluate(ctx, c)
		if err != nil {
			return nil, err
		}
		for id := range set {
			delete(result, id)
		}
	}

	return result, nil
}

func intersect(a, b map[uint32]struct{}) map[uint32]struct{} {
	out := make(map[uint32]struct{})
	small, big := a, b
	if len(b) < len(a) {
		small, big = b, a
	}
	for id := range small {
		if _, ok := big[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out
}

// EstimateSelectivity gives a rough match-fraction for filter against
// totalCount, used by the engine to choose pre- vs post-filter per spec's
// 0.3 default threshold.
func (idx *Index) EstimateSelectivity(ctx context.Context, filter *Filter, totalCount int) (float64, error) {
	if filter.IsEmpty() || totalCount == 0 {
		return 1.0, nil
	}
	set, err := idx.MatchSet(ctx, filter)
	if err != nil {
		return 1.0, err
	}
	return float64(len(set)) / float64(totalCount), nil
}

type hashRow struct {
	Field      string
	InternalID uint32
	Value      string
}

type rangeRow struct {
	Field      string
	InternalID uint32
	Value      float64
}

type countRow struct {
	Field      string
	InternalID uint32
	Count      int64
}

// Save serializes the hash, range, and count tables plus the geo sub-index
// to payload.bin's framing. The sqlite database itself is never persisted;
// Load replays every row back through the same insert path used at write
// time, rebuilding an equivalent in-memory database from scratch.
func (idx *Index) Save(w io.Writer) error {
	hashRows, err := idx.dumpHash()
	if err != nil {
		return err
	}
	rangeRows, err := idx.dumpRange()
	if err != nil {
		return err
	}
	countRows, err := idx.dumpCount()
	if err != nil {
		return err
	}

	var body bytes.Buffer
	if err := writeUint32(&body, uint32(len(hashRows))); err != nil {
		return err
	}
	for _, r := range hashRows {
		if err := writeString(&body, r.Field); err != nil {
			return err
		}
		if err := binary.Write(&body, binary.LittleEndian, r.InternalID); err != nil {
			return err
		}
		if err := writeString(&body, r.Value); err != nil {
			return err
		}
	}

	if err := writeUint32(&body, uint32(len(rangeRows))); err != nil {
		return err
	}
	for _, r := range rangeRows {
		if err := writeString(&body, r.Field); err != nil {
			return err
		}
		if err := binary.Write(&body, binary.LittleEndian, r.InternalID); err != nil {
			return err
		}
		if err := binary.Write(&body, binary.LittleEndian, r.Value); err != nil {
			return err
		}
	}

	if err := writeUint32(&body, uint32(len(countRows))); err != nil {
		return err
	}
	for _, r := range countRows {
		if err := writeString(&body, r.Field); err != nil {
			return err
		}
		if err := binary.Write(&body, binary.LittleEndian, r.InternalID); err != nil {
			return err
		}
		if err := binary.Write(&body, binary.LittleEndian, r.Count); err != nil {
			return err
		}
	}

	if err := idx.geo.save(&body); err != nil {
		return err
	}

	return encoding.WriteFramed(w, payloadMagic, payloadVersion, body.Bytes())
}

// Load replaces the index's contents with what was serialized by Save.
func (idx *Index) Load(r io.Reader) error {
	body, _, err := encoding.ReadFramed(r, payloadMagic, payloadVersion)
	if err != nil {
		return err
	}
	buf := bytes.NewReader(body)

	ctx := context.Background()
	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return vdberrors.Wrap("payload.load", vdberrors.KindIoError, err)
	}
	defer tx.Rollback()

	hashCount, err := readUint32(buf)
	if err != nil {
		return err
	}
	for i := uint32(0); i < hashCount; i++ {
		field, err := readString(buf)
		if err != nil {
			return err
		}
		var id uint32
		if err := binary.Read(buf, binary.LittleEndian, &id); err != nil {
			return vdberrors.Wrap("payload.load", vdberrors.KindSnapshotCorrupted, err)
		}
		value, err := readString(buf)
		if err != nil {
			return err
		}
		if err := insertHash(ctx, tx, field, id, value); err != nil {
			return err
		}
	}

	rangeCount, err := readUint32(buf)
	if err != nil {
		return err
	}
	for i := uint32(0); i < rangeCount; i++ {
		field, err := readString(buf)
		if err != nil {
			return err
		}
		var id uint32
		if err := binary.Read(buf, binary.LittleEndian, &id); err != nil {
			return vdberrors.Wrap("payload.load", vdberrors.KindSnapshotCorrupted, err)
		}
		var value float64
		if err := binary.Read(buf, binary.LittleEndian, &value); err != nil {
			return vdberrors.Wrap("payload.load", vdberrors.KindSnapshotCorrupted, err)
		}
		if err := insertRange(ctx, tx, field, id, value); err != nil {
			return err
		}
	}

	countCount, err := readUint32(buf)
	if err != nil {
		return err
	}
	for i := uint32(0); i < countCount; i++ {
		field, err := readString(buf)
		if err != nil {
			return err
		}
		var id uint32
		if err := binary.Read(buf, binary.LittleEndian, &id); err != nil {
			return vdberrors.Wrap("payload.load", vdberrors.KindSnapshotCorrupted, err)
		}
		var count int64
		if err := binary.Read(buf, binary.LittleEndian, &count); err != nil {
			return vdberrors.Wrap("payload.load", vdberrors.KindSnapshotCorrupted, err)
		}
		if err := insertCount(ctx, tx, field, id, int(count)); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return vdberrors.Wrap("payload.load", vdberrors.KindIoError, err)
	}

	return idx.geo.load(buf)
}

func (idx *Index) dumpHash() ([]hashRow, error) {
	rows, err := idx.db.Query(`SELECT field, internal_id, value FROM hash_fields`)
	if err != nil {
		return nil, vdberrors.Wrap("payload.dump_hash", vdberrors.KindIoError, err)
	}
	defer rows.Close()
	var out []hashRow
	for rows.Next() {
		var r hashRow
		if err := rows.Scan(&r.Field, &r.InternalID, &r.Value); err != nil {
			return nil, vdberrors.Wrap("payload.dump_hash", vdberrors.KindIoError, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (idx *Index) dumpRange() ([]rangeRow, error) {
	rows, err := idx.db.Query(`SELECT field, internal_id, value FROM range_fields`)
	if err != nil {
		return nil, vdberrors.Wrap("payload.dump_range", vdberrors.KindIoError, err)
	}
	defer rows.Close()
	var out []rangeRow
	for rows.Next() {
		var r rangeRow
		if err := rows.Scan(&r.Field, &r.InternalID, &r.Value); err != nil {
			return nil, vdberrors.Wrap("payload.dump_range", vdberrors.KindIoError, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (idx *Index) dumpCount() ([]countRow, error) {
	rows, err := idx.db.Query(`SELECT field, internal_id, count FROM count_fields`)
	if err != nil {
		return nil, vdberrors.Wrap("payload.dump_count", vdberrors.KindIoError, err)
	}
	defer rows.Close()
	var out []countRow
	for rows.Next() {
		var r countRow
		if err := rows.Scan(&r.Field, &r.InternalID, &r.Count); err != nil {
			return nil, vdberrors.Wrap("payload.dump_count", vdberrors.KindIoError, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func writeUint32(w io.Writer, v uint32) error {
	if err := binary.Write(w, binary.LittleEndian, v); err != nil {
		return vdberrors.Wrap("payload.save", vdberrors.KindIoError, err)
	}
	return nil
}

func readUint32(r io.Reader) (uint32, error) {
	var v uint32
	if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
		return 0, vdberrors.Wrap("payload.load", vdberrors.KindSnapshotCorrupted, err)
	}
	return v, nil
}

func writeString(w io.Writer, s string) error {
	if err := writeUint32(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := w.Write([]byte(s))
	if err != nil {
		return vdberrors.Wrap("payload.save", vdberrors.KindIoError, err)
	}
	return nil
}

func readString(r io.Reader) (string, error) {
	n, err := readUint32(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", vdberrors.Wrap("payload.load", vdberrors.KindSnapshotCorrupted, err)
	}
	return string(buf), nil
}
