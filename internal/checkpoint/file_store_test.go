package checkpoint

import (
	"path/filepath"
	"testing"

	"github.com/nodestorage/mongosync/internal/oplogtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreReadMissing(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "checkpoint"))
	_, ok, err := store.Read()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStoreRoundTrip(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "checkpoint"))
	want := oplogtypes.OpTime{Seconds: 1700000000, Counter: 42}

	require.NoError(t, store.Write(want))

	got, ok, err := store.Read()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestFileStoreOverwrite(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "checkpoint"))
	require.NoError(t, store.Write(oplogtypes.OpTime{Seconds: 1, Counter: 1}))
	require.NoError(t, store.Write(oplogtypes.OpTime{Seconds: 2, Counter: 2}))

	got, ok, err := store.Read()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, oplogtypes.OpTime{Seconds: 2, Counter: 2}, got)
}
