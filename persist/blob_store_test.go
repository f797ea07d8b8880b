package persist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlobStoreLifecycle(t *testing.T) {
	blobs, err := NewBlobStore(filepath.Join(t.TempDir(), "files"))
	require.NoError(t, err)

	data := []byte("nonce-and-ciphertext")
	require.NoError(t, blobs.Create("abc_DEF-123", data))

	exists, err := blobs.Exists("abc_DEF-123")
	require.NoError(t, err)
	assert.True(t, exists)

	got, err := blobs.Read("abc_DEF-123")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	path, err := blobs.Path("abc_DEF-123")
	require.NoError(t, err)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	require.NoError(t, blobs.Erase("abc_DEF-123", 3))

	_, err = blobs.Read("abc_DEF-123")
	assert.ErrorIs(t, err, ErrBlobNotFound)

	// erasing twice is fine
	assert.NoError(t, blobs.Erase("abc_DEF-123", 3))
}

func TestBlobStoreCreateIsExclusive(t *testing.T) {
	blobs, err := NewBlobStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, blobs.Create("name", []byte("first")))
	err = blobs.Create("name", []byte("second"))
	assert.ErrorIs(t, err, ErrBlobExists)

	got, err := blobs.Read("name")
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got)
}

func TestBlobStoreRejectsTraversal(t *testing.T) {
	blobs, err := NewBlobStore(t.TempDir())
	require.NoError(t, err)

	for _, name := range []string{"", ".", "..", "../etc", "a/b", "a\\b"} {
		assert.Error(t, blobs.Create(name, []byte("x")), "name %q", name)
	}
}
