package walog

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	rec := Record{Tag: OpInsert, Payload: []byte("hello")}
	require.NoError(t, WriteRecord(&buf, rec))

	got, err := ReadRecord(&buf)
	require.NoError(t, err)
	require.Equal(t, rec.Tag, got.Tag)
	require.Equal(t, rec.Payload, got.Payload)
}

func TestReadRecordDetectsCorruption(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRecord(&buf, Record{Tag: OpInsert, Payload: []byte("hello")}))
	corrupted := buf.Bytes()
	corrupted[len(corrupted)-1] ^= 0xFF

	_, err := ReadRecord(bytes.NewReader(corrupted))
	require.Error(t, err)
}

func TestWALAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, DefaultRotateBytes)
	require.NoError(t, err)

	records := []Record{
		{Tag: OpInsert, Payload: []byte("a")},
		{Tag: OpInsert, Payload: []byte("b")},
		{Tag: OpDelete, Payload: []byte("a")},
	}
	for _, r := range records {
		_, _, err := w.Append(r)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	var replayed []Record
	err = Replay(dir, 0, 0, func(r Record) error {
		replayed = append(replayed, r)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, records, replayed)
}

func TestWALRejectsSecondWriter(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, DefaultRotateBytes)
	require.NoError(t, err)
	defer w.Close()

	_, err = Open(dir, DefaultRotateBytes)
	require.Error(t, err)
}

func TestWALRotation(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 16) // tiny threshold forces rotation on first append
	require.NoError(t, err)
	defer w.Close()

	_, _, err = w.Append(Record{Tag: OpInsert, Payload: []byte("this payload is over 16 bytes")})
	require.NoError(t, err)
	require.Equal(t, 1, w.segment)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	logCount := 0
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".log" {
			logCount++
		}
	}
	require.Equal(t, 2, logCount)
}

func TestWriteAtomicReplacesExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.bin")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o644))

	err := WriteAtomic(path, func(f *os.File) error {
		_, err := f.Write([]byte("new"))
		return err
	})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "new", string(data))
}
