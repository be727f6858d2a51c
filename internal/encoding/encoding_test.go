package encoding

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVectorRoundTrip(t *testing.T) {
	v := []float32{1, -2.5, 3.125, 0}
	data, err := EncodeVector(v)
	require.NoError(t, err)

	decoded, err := DecodeVector(data)
	require.NoError(t, err)
	require.Equal(t, v, decoded)
}

func TestValidateVectorRejectsNaN(t *testing.T) {
	v := []float32{1, 2, float32(0) / float32(0)}
	require.Error(t, ValidateVector(v))
}

func TestValidateVectorRejectsEmpty(t *testing.T) {
	require.Error(t, ValidateVector(nil))
}

func TestFramedRoundTrip(t *testing.T) {
	magic := NewMagic("TESTMAGC")
	body := []byte("hello world")

	var buf bytes.Buffer
	require.NoError(t, WriteFramed(&buf, magic, 1, body))

	got, version, err := ReadFramed(&buf, magic, 1)
	require.NoError(t, err)
	require.Equal(t, uint32(1), version)
	require.Equal(t, body, got)
}

func TestFramedRejectsWrongMagic(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFramed(&buf, NewMagic("AAAAAAAA"), 1, []byte("x")))

	_, _, err := ReadFramed(&buf, NewMagic("BBBBBBBB"), 1)
	require.Error(t, err)
}

func TestFramedRejectsCorruptBody(t *testing.T) {
	var buf bytes.Buffer
	magic := NewMagic("TESTMAGC")
	require.NoError(t, WriteFramed(&buf, magic, 1, []byte("hello")))

	corrupted := buf.Bytes()
	corrupted[len(corrupted)-1] ^= 0xFF

	_, _, err := ReadFramed(bytes.NewReader(corrupted), magic, 1)
	require.Error(t, err)
}
