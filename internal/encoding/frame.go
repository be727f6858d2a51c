package encoding

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/kaidb/kaidb/vdberrors"
)

// Header is the common 24-byte preamble every persisted file
// (vectors.bin, graph.bin, payload.bin, tombstones.bin) opens with: a magic
// string identifying the file kind, a format version for drift detection,
// and a CRC32 of the body that follows.
type Header struct {
	Magic   [8]byte
	Version uint32
	BodyLen uint64
	Crc32   uint32
}

const headerSize = 8 + 4 + 8 + 4

// NewMagic builds the fixed 8-byte magic for a file kind, right-padded with
// zero bytes (mirrors the "HNSWVIDX"-style magic convention).
func NewMagic(s string) [8]byte {
	var m [8]byte
	copy(m[:], s)
	return m
}

// WriteFramed writes magic + version + a CRC32-checked body in one call.
func WriteFramed(w io.Writer, magic [8]byte, version uint32, body []byte) error {
	h := Header{Magic: magic, Version: version, BodyLen: uint64(len(body)), Crc32: crc32.ChecksumIEEE(body)}
	if err := binary.Write(w, binary.LittleEndian, h.Magic); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, h.Version); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, h.BodyLen); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, h.Crc32); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// ReadFramed validates magic and version against the expected values and
// checks the body's CRC32, returning SchemaVersionMismatch or
// InternalCorruption on failure.
func ReadFramed(r io.Reader, wantMagic [8]byte, maxVersion uint32) ([]byte, uint32, error) {
	var h Header
	if err := binary.Read(r, binary.LittleEndian, &h.Magic); err != nil {
		return nil, 0, vdberrors.Wrap("encoding.read_framed", vdberrors.KindIoError, err)
	}
	if h.Magic != wantMagic {
		return nil, 0, vdberrors.New("encoding.read_framed", vdberrors.KindSchemaVersionMismatch, "magic mismatch")
	}
	if err := binary.Read(r, binary.LittleEndian, &h.Version); err != nil {
		return nil, 0, vdberrors.Wrap("encoding.read_framed", vdberrors.KindIoError, err)
	}
	if h.Version > maxVersion {
		return nil, 0, vdberrors.New("encoding.read_framed", vdberrors.KindSchemaVersionMismatch, "unsupported version")
	}
	if err := binary.Read(r, binary.LittleEndian, &h.BodyLen); err != nil {
		return nil, 0, vdberrors.Wrap("encoding.read_framed", vdberrors.KindIoError, err)
	}
	if err := binary.Read(r, binary.LittleEndian, &h.Crc32); err != nil {
		return nil, 0, vdberrors.Wrap("encoding.read_framed", vdberrors.KindIoError, err)
	}
	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, 0, vdberrors.Wrap("encoding.read_framed", vdberrors.KindIoError, err)
	}
	if crc32.ChecksumIEEE(body) != h.Crc32 {
		return nil, h.Version, vdberrors.New("encoding.read_framed", vdberrors.KindInternalCorruption, "checksum mismatch")
	}
	return body, h.Version, nil
}
