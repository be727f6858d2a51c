package core

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kaidb/kaidb/vdberrors"
)

func TestRegistryCreateOpenDelete(t *testing.T) {
	r, err := NewRegistry(t.TempDir(), NopLogger())
	require.NoError(t, err)

	_, err = r.Create("widgets", testConfig(3))
	require.NoError(t, err)

	_, err = r.Create("widgets", testConfig(3))
	require.Error(t, err)
	require.Equal(t, vdberrors.KindCollectionAlreadyExists, vdberrors.KindOf(err))

	col, err := r.Open("widgets")
	require.NoError(t, err)
	require.NotNil(t, col)
	r.Release("widgets")

	require.NoError(t, r.Delete("widgets"))

	_, err = r.Open("widgets")
	require.Error(t, err)
	require.Equal(t, vdberrors.KindCollectionNotFound, vdberrors.KindOf(err))
}

func TestRegistryDeleteUnknown(t *testing.T) {
	r, err := NewRegistry(t.TempDir(), NopLogger())
	require.NoError(t, err)

	err = r.Delete("nope")
	require.Error(t, err)
	require.Equal(t, vdberrors.KindCollectionNotFound, vdberrors.KindOf(err))
}

func TestRegistryInvalidName(t *testing.T) {
	r, err := NewRegistry(t.TempDir(), NopLogger())
	require.NoError(t, err)

	_, err = r.Create("", testConfig(3))
	require.Error(t, err)
	require.Equal(t, vdberrors.KindInvalidName, vdberrors.KindOf(err))

	_, err = r.Create("has a space", testConfig(3))
	require.Error(t, err)
}

func TestRegistryListOrderedByCreation(t *testing.T) {
	r, err := NewRegistry(t.TempDir(), NopLogger())
	require.NoError(t, err)

	_, err = r.Create("first", testConfig(2))
	require.NoError(t, err)
	_, err = r.Create("second", testConfig(2))
	require.NoError(t, err)

	names := r.List()
	require.Len(t, names, 2)
	require.Equal(t, "first", names[0].Name)
	require.Equal(t, "second", names[1].Name)
}

func TestRegistryReopensExistingCollectionsOnStartup(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRegistry(dir, NopLogger())
	require.NoError(t, err)
	_, err = r.Create("widgets", testConfig(2))
	require.NoError(t, err)
	require.NoError(t, r.Close())

	r2, err := NewRegistry(dir, NopLogger())
	require.NoError(t, err)
	col, err := r2.Open("widgets")
	require.NoError(t, err)
	require.Equal(t, "widgets", col.Info().Name)
}
