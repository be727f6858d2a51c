package walog

import (
	"os"
	"path/filepath"

	"github.com/kaidb/kaidb/vdberrors"
)

// SnapshotTag records the WAL position a snapshot was taken at, so
// recovery knows where to resume replay from.
type SnapshotTag struct {
	Segment int
	Offset  int64
}

// WriteAtomic writes the bytes produced by write to path via a
// temp-file-then-rename, so a crash mid-write never leaves a partially
// written file at path.
func WriteAtomic(path string, write func(f *os.File) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return vdberrors.Wrap("walog.write_atomic", vdberrors.KindIoError, err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return vdberrors.Wrap("walog.write_atomic", vdberrors.KindIoError, err)
	}

	if err := write(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return vdberrors.Wrap("walog.write_atomic", vdberrors.KindIoError, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return vdberrors.Wrap("walog.write_atomic", vdberrors.KindIoError, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return vdberrors.Wrap("walog.write_atomic", vdberrors.KindIoError, err)
	}
	return nil
}
