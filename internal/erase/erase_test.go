package erase

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEraseRemovesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blob")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("secret"), 30000), 0600))

	require.NoError(t, Erase(path, 3))

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestEraseOverwritesContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blob")
	original := bytes.Repeat([]byte{0x42}, 200*1024+17)
	require.NoError(t, os.WriteFile(path, original, 0600))

	info, err := os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, overwrite(path, info.Size(), 3))

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, after, len(original), "overwrite must cover the full extent")
	assert.False(t, bytes.Equal(original, after))
	assert.False(t, bytes.Contains(after, bytes.Repeat([]byte{0x42}, 64)))
}

func TestEraseMissingFile(t *testing.T) {
	assert.NoError(t, Erase(filepath.Join(t.TempDir(), "absent"), 3))
}

func TestEraseEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, os.WriteFile(path, nil, 0600))
	require.NoError(t, Erase(path, 1))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestEraseRejectsDirectory(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(sub, 0700))

	err := Erase(sub, 3)
	assert.ErrorIs(t, err, ErrEraseFailure)
}

func TestEraseUnwritableFile(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission checks do not apply to root")
	}
	path := filepath.Join(t.TempDir(), "ro")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0400))

	err := Erase(path, 3)
	assert.ErrorIs(t, err, ErrEraseFailure)

	_, statErr := os.Stat(path)
	assert.NoError(t, statErr, "a failed erase must not unlink the file")
}
