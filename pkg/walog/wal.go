package walog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"github.com/kaidb/kaidb/vdberrors"
)

// DefaultRotateBytes is the segment size (256 MiB) at which Append rotates
// to a new WAL segment. Reaching it does not trigger a snapshot.
const DefaultRotateBytes = 256 << 20

// WAL manages a collection's wal/ directory: a sequence of numbered
// segments, of which the highest-numbered is the active append target.
type WAL struct {
	dir         string
	rotateBytes int64

	mu       sync.Mutex
	file     *os.File
	lock     *flock.Flock
	segment  int
	written  int64
}

// Open locates or creates the wal/ directory under dir and opens the
// highest-numbered segment for append, taking an exclusive file lock so a
// second process cannot write the same WAL concurrently.
func Open(dir string, rotateBytes int64) (*WAL, error) {
	if rotateBytes <= 0 {
		rotateBytes = DefaultRotateBytes
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, vdberrors.Wrap("walog.open", vdberrors.KindIoError, err)
	}

	segments, err := listSegments(dir)
	if err != nil {
		return nil, err
	}
	segment := 0
	if len(segments) > 0 {
		segment = segments[len(segments)-1]
	}

	w := &WAL{dir: dir, rotateBytes: rotateBytes, segment: segment}
	if err := w.openSegment(segment); err != nil {
		return nil, err
	}
	return w, nil
}

func segmentPath(dir string, segment int) string {
	return filepath.Join(dir, fmt.Sprintf("%06d.log", segment))
}

func listSegments(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, vdberrors.Wrap("walog.list_segments", vdberrors.KindIoError, err)
	}
	var segments []int
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".log") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(name, ".log"))
		if err != nil {
			continue
		}
		segments = append(segments, n)
	}
	sort.Ints(segments)
	return segments, nil
}

func (w *WAL) openSegment(segment int) error {
	path := segmentPath(w.dir, segment)
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return vdberrors.Wrap("walog.open_segment", vdberrors.KindIoError, err)
	}
	if !locked {
		return vdberrors.New("walog.open_segment", vdberrors.KindIoError, "wal segment locked by another process")
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		lock.Unlock()
		return vdberrors.Wrap("walog.open_segment", vdberrors.KindIoError, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		lock.Unlock()
		return vdberrors.Wrap("walog.open_segment", vdberrors.KindIoError, err)
	}

	w.file = f
	w.lock = lock
	w.segment = segment
	w.written = info.Size()
	return nil
}

// Append writes rec to the active segment and fsyncs before returning, per
// spec's "every mutating operation fsyncs the WAL" rule. Returns the
// segment number and byte offset the record was written at, used as the
// snapshot's WAL-offset tag.
func (w *WAL) Append(rec Record) (segment int, offset int64, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	segment, offset = w.segment, w.written
	if err := WriteRecord(w.file, rec); err != nil {
		return 0, 0, err
	}
	if err := w.file.Sync(); err != nil {
		return 0, 0, vdberrors.Wrap("walog.append", vdberrors.KindIoError, err)
	}

	info, err := w.file.Stat()
	if err != nil {
		return 0, 0, vdberrors.Wrap("walog.append", vdberrors.KindIoError, err)
	}
	w.written = info.Size()

	if w.written >= w.rotateBytes {
		if err := w.rotateLocked(); err != nil {
			return 0, 0, err
		}
	}
	return segment, offset, nil
}

func (w *WAL) rotateLocked() error {
	if err := w.file.Close(); err != nil {
		return vdberrors.Wrap("walog.rotate", vdberrors.KindIoError, err)
	}
	w.lock.Unlock()
	return w.openSegment(w.segment + 1)
}

// Rotate forces a new segment to start, used after a snapshot commits so
// old segments become eligible for deletion.
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rotateLocked()
}

// Position returns the active segment number and current write offset,
// used to tag a snapshot with the WAL position it covers.
func (w *WAL) Position() (segment int, offset int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.segment, w.written
}

// Close releases the active segment's file handle and lock.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lock != nil {
		w.lock.Unlock()
	}
	if w.file != nil {
		return w.file.Close()
	}
	return nil
}

// Replay invokes fn for every well-formed record across every segment from
// fromSegment/fromOffset onward, in order. A record that fails to read
// (short read, zero length or checksum mismatch) silently ends replay of its
// segment, and replay moves on to the next segment. A corrupt record with
// well-formed records after it is not told apart from a torn tail: no error
// is returned and the records after it in that segment are skipped.
func Replay(dir string, fromSegment int, fromOffset int64, fn func(Record) error) error {
	segments, err := listSegments(dir)
	if err != nil {
		return err
	}
	for _, seg := range segments {
		if seg < fromSegment {
			continue
		}
		path := segmentPath(dir, seg)
		f, err := os.Open(path)
		if err != nil {
			return vdberrors.Wrap("walog.replay", vdberrors.KindIoError, err)
		}
		if seg == fromSegment && fromOffset > 0 {
			if _, err := f.Seek(fromOffset, 0); err != nil {
				f.Close()
				return vdberrors.Wrap("walog.replay", vdberrors.KindIoError, err)
			}
		}
		err = replaySegment(f, fn)
		f.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func replaySegment(f *os.File, fn func(Record) error) error {
	for {
		rec, err := ReadRecord(f)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if vdberrors.OfKind(err, vdberrors.KindWalCorrupted) {
				return nil
			}
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// DeleteSegmentsBefore removes every segment strictly below keepFrom,
// called after a snapshot commit records the WAL offset it covers.
func DeleteSegmentsBefore(dir string, keepFrom int) error {
	segments, err := listSegments(dir)
	if err != nil {
		return err
	}
	for _, seg := range segments {
		if seg >= keepFrom {
			continue
		}
		path := segmentPath(dir, seg)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return vdberrors.Wrap("walog.delete_segments", vdberrors.KindIoError, err)
		}
		os.Remove(path + ".lock")
	}
	return nil
}
