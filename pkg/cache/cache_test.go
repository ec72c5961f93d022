package cache

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "build.db")
	store, err := Open(dbPath)
	require.NoError(t, err)

	_, found, err := store.Get("images", "a.png")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Put("images", "a.png", []byte("data")))

	value, found, err := store.Get("images", "a.png")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("data"), value)

	_, found, err = store.Get("other", "a.png")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Close())

	// values survive reopening
	store, err = Open(dbPath)
	require.NoError(t, err)
	defer store.Close()

	value, found, err = store.Get("images", "a.png")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("data"), value)

	require.NoError(t, store.ClearAll())
	_, found, err = store.Get("images", "a.png")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDefaultPath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("BUILDSYS_CACHE_DIR", dir)

	dbPath, err := DefaultPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "build.db"), dbPath)
}
