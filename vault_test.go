package coffer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"southwinds.dev/coffer/audit"
	"southwinds.dev/coffer/catalog"
	"southwinds.dev/coffer/internal/misc"
	"southwinds.dev/coffer/persist"
)

func blobNames(t *testing.T, v *testVault) []string {
	t.Helper()
	entries, err := os.ReadDir(v.blobs.Dir())
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestStoreAndRetrieve(t *testing.T) {
	v := createTestVault(t)
	ctx := testContext(t)
	plaintext := []byte("hello vault")

	fileID, err := v.Store(ctx, plaintext, "note.txt", 1)
	require.NoError(t, err)
	assert.NotEmpty(t, fileID)

	got, err := v.Retrieve(ctx, fileID, 1)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)

	_, err = v.Retrieve(ctx, fileID, 2)
	assert.ErrorIs(t, err, ErrNotFound)

	rec, err := v.catalog.FindActive(ctx, fileID, 1)
	require.NoError(t, err)
	assert.NotContains(t, rec.EncryptedName, "note")
	assert.NotEqual(t, fileID, rec.EncryptedName)

	path, err := v.blobs.Path(rec.EncryptedName)
	require.NoError(t, err)
	blob, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, blob, misc.NonceSize+len(plaintext)+misc.TagSize)
	assert.False(t, bytes.Contains(blob, plaintext))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(misc.FilePermissions), info.Mode().Perm())
}

func TestStoreUsesFreshNonceAndName(t *testing.T) {
	v := createTestVault(t)
	ctx := testContext(t)
	plaintext := bytes.Repeat([]byte("same"), 64)

	a, err := v.Store(ctx, plaintext, "a.bin", 1)
	require.NoError(t, err)
	b, err := v.Store(ctx, plaintext, "a.bin", 1)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	names := blobNames(t, v)
	require.Len(t, names, 2)
	assert.NotEqual(t, names[0], names[1])

	first, err := v.blobs.Read(names[0])
	require.NoError(t, err)
	second, err := v.blobs.Read(names[1])
	require.NoError(t, err)
	assert.NotEqual(t, first[:misc.NonceSize], second[:misc.NonceSize])
	assert.NotEqual(t, first[misc.NonceSize:], second[misc.NonceSize:])
}

func TestStoreEmptyAndLargeFiles(t *testing.T) {
	v := createTestVault(t)
	ctx := testContext(t)

	emptyID, err := v.Store(ctx, nil, "empty.txt", 1)
	require.NoError(t, err)
	got, err := v.Retrieve(ctx, emptyID, 1)
	require.NoError(t, err)
	assert.Empty(t, got)

	large := make([]byte, 3<<20)
	for i := range large {
		large[i] = byte(i % 251)
	}
	largeID, err := v.Store(ctx, large, "large.bin", 1)
	require.NoError(t, err)
	got, err = v.Retrieve(ctx, largeID, 1)
	require.NoError(t, err)
	assert.Equal(t, large, got)
}

func TestStoreRejectsInvalidNames(t *testing.T) {
	v := createTestVault(t)
	ctx := testContext(t)

	for _, name := range []string{"", "a/b", `a\b`, "nul\x00", string(bytes.Repeat([]byte("x"), 256))} {
		_, err := v.Store(ctx, []byte("data"), name, 1)
		assert.ErrorIs(t, err, ErrInvalidInput, "name %q", name)
	}
	assert.Empty(t, blobNames(t, v))
}

func TestLockGating(t *testing.T) {
	v := createTestVault(t)
	ctx := testContext(t)

	fileID, err := v.Store(ctx, []byte("secret"), "secret.txt", 1)
	require.NoError(t, err)
	before := blobNames(t, v)

	v.Lock()
	assert.False(t, v.IsUnlocked())

	_, err = v.Store(ctx, []byte("more"), "more.txt", 1)
	assert.ErrorIs(t, err, ErrVaultLocked)

	_, err = v.Retrieve(ctx, fileID, 1)
	assert.ErrorIs(t, err, ErrVaultLocked)

	err = v.Delete(ctx, fileID, 1)
	assert.ErrorIs(t, err, ErrVaultLocked)

	// nothing persisted changed
	assert.Equal(t, before, blobNames(t, v))
	_, err = v.catalog.FindActive(ctx, fileID, 1)
	require.NoError(t, err)
	_, total, err := v.List(ctx, 1, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	// metadata reads do not need the key
	infos, err := v.Search(ctx, 1, "secret", 10)
	require.NoError(t, err)
	assert.Len(t, infos, 1)
	stats, err := v.Stats(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.FileCount)
	info, err := v.FileInfo(ctx, fileID, 1)
	require.NoError(t, err)
	assert.Equal(t, "secret.txt", info.OriginalName)

	require.NoError(t, v.Unlock(passPhrase))
	got, err := v.Retrieve(ctx, fileID, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), got)
}

func TestRetrieveTamperedBlob(t *testing.T) {
	v := createTestVault(t)
	ctx := testContext(t)

	fileID, err := v.Store(ctx, []byte("hello vault"), "note.txt", 1)
	require.NoError(t, err)
	rec, err := v.catalog.FindActive(ctx, fileID, 1)
	require.NoError(t, err)
	path, err := v.blobs.Path(rec.EncryptedName)
	require.NoError(t, err)
	original, err := os.ReadFile(path)
	require.NoError(t, err)

	for i := 0; i < len(original)*8; i++ {
		tampered := append([]byte(nil), original...)
		tampered[i/8] ^= 1 << (i % 8)
		require.NoError(t, os.WriteFile(path, tampered, misc.FilePermissions))

		got, err := v.Retrieve(ctx, fileID, 1)
		require.Nil(t, got)
		require.ErrorIs(t, err, ErrDecryptionFailure, "bit %d", i)
		require.NotErrorIs(t, err, ErrNotFound)
	}

	require.NoError(t, os.WriteFile(path, original[:misc.NonceSize+misc.TagSize-1], misc.FilePermissions))
	_, err = v.Retrieve(ctx, fileID, 1)
	assert.ErrorIs(t, err, ErrDecryptionFailure)

	require.NoError(t, os.WriteFile(path, original, misc.FilePermissions))
	got, err := v.Retrieve(ctx, fileID, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello vault"), got)

	require.NoError(t, os.Remove(path))
	_, err = v.Retrieve(ctx, fileID, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRetrieveWithDifferentMasterKey(t *testing.T) {
	v := createTestVault(t)
	ctx := testContext(t)

	fileID, err := v.Store(ctx, []byte("hello vault"), "note.txt", 1)
	require.NoError(t, err)

	// reprovision under a new master key over the same blobs and catalog
	require.NoError(t, os.Remove(v.options.MasterKeyFile))
	require.NoError(t, v.Provision(passPhrase))
	require.NoError(t, v.Unlock(passPhrase))

	_, err = v.Retrieve(ctx, fileID, 1)
	assert.ErrorIs(t, err, ErrDecryptionFailure)
}

func TestDelete(t *testing.T) {
	v := createTestVault(t)
	ctx := testContext(t)

	keep, err := v.Store(ctx, []byte("keep"), "keep.txt", 1)
	require.NoError(t, err)
	fileID, err := v.Store(ctx, []byte("delete me"), "gone.txt", 1)
	require.NoError(t, err)

	rec, err := v.catalog.FindActive(ctx, fileID, 1)
	require.NoError(t, err)

	assert.ErrorIs(t, v.Delete(ctx, fileID, 2), ErrNotFound)

	require.NoError(t, v.Delete(ctx, fileID, 1))

	exists, err := v.blobs.Exists(rec.EncryptedName)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = v.Retrieve(ctx, fileID, 1)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, v.Delete(ctx, fileID, 1), ErrNotFound)

	deleted, err := v.catalog.ListDeleted(ctx)
	require.NoError(t, err)
	require.Len(t, deleted, 1)
	assert.Equal(t, fileID, deleted[0].ID)
	assert.NotNil(t, deleted[0].ErasedAt)

	got, err := v.Retrieve(ctx, keep, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("keep"), got)

	_, total, err := v.List(ctx, 1, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestPurgeReclaimed(t *testing.T) {
	v := createTestVault(t)
	ctx := testContext(t)

	deletedID, err := v.Store(ctx, []byte("one"), "one.txt", 1)
	require.NoError(t, err)
	crashedID, err := v.Store(ctx, []byte("two"), "two.txt", 2)
	require.NoError(t, err)
	keptID, err := v.Store(ctx, []byte("three"), "three.txt", 1)
	require.NoError(t, err)

	require.NoError(t, v.Delete(ctx, deletedID, 1))

	// a delete that stopped before erasing leaves a deleted record and its blob
	crashed, err := v.catalog.FindActive(ctx, crashedID, 2)
	require.NoError(t, err)
	require.NoError(t, v.catalog.MarkDeleted(ctx, crashedID))

	v.Lock()
	purged, err := v.PurgeReclaimed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, purged)

	exists, err := v.blobs.Exists(crashed.EncryptedName)
	require.NoError(t, err)
	assert.False(t, exists)

	deleted, err := v.catalog.ListDeleted(ctx)
	require.NoError(t, err)
	assert.Empty(t, deleted)

	purged, err = v.PurgeReclaimed(ctx)
	require.NoError(t, err)
	assert.Zero(t, purged)

	_, err = v.FileInfo(ctx, keptID, 1)
	require.NoError(t, err)
	assert.Len(t, blobNames(t, v), 1)
}

func TestListSearchStats(t *testing.T) {
	v := createTestVault(t)
	ctx := testContext(t)

	names := []string{"Report-2024.pdf", "holiday.png", "report-draft.txt", "notes.md"}
	ids := make([]string, 0, len(names))
	for i, name := range names {
		id, err := v.Store(ctx, bytes.Repeat([]byte{'x'}, (i+1)*100), name, 1)
		require.NoError(t, err)
		ids = append(ids, id)
		time.Sleep(2 * time.Millisecond)
	}
	_, err := v.Store(ctx, []byte("other owner"), "report-other.txt", 2)
	require.NoError(t, err)

	infos, total, err := v.List(ctx, 1, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, infos, 2)
	assert.Equal(t, ids[3], infos[0].ID, "newest first")
	assert.Equal(t, ids[2], infos[1].ID)

	infos, total, err = v.List(ctx, 1, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, infos, 2)
	assert.Equal(t, ids[0], infos[1].ID)

	_, _, err = v.List(ctx, 1, -1, 0)
	assert.ErrorIs(t, err, ErrInvalidInput)

	found, err := v.Search(ctx, 1, "REPORT", 10)
	require.NoError(t, err)
	assert.Len(t, found, 2)
	for _, f := range found {
		assert.Equal(t, int64(1), f.OwnerID)
	}

	_, err = v.Search(ctx, 1, "", 10)
	assert.ErrorIs(t, err, ErrInvalidInput)

	stats, err := v.Stats(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, catalog.NewStats(1000, 4), stats)

	require.NoError(t, v.Delete(ctx, ids[0], 1))
	stats, err = v.Stats(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(900), stats.TotalSize)
	assert.Equal(t, 3, stats.FileCount)

	stats, err = v.Stats(ctx, 99)
	require.NoError(t, err)
	assert.Zero(t, stats.FileCount)
}

func TestFileInfoMimeType(t *testing.T) {
	v := createTestVault(t)
	ctx := testContext(t)

	cases := map[string]string{
		"picture.png":  "image/png",
		"archive.zzz9": "application/octet-stream",
		"noextension":  "application/octet-stream",
	}
	for name, mimeType := range cases {
		id, err := v.Store(ctx, []byte("data"), name, 3)
		require.NoError(t, err)
		info, err := v.FileInfo(ctx, id, 3)
		require.NoError(t, err)
		assert.Equal(t, mimeType, info.MimeType, name)
		assert.Equal(t, name, info.OriginalName)
		assert.Equal(t, int64(4), info.Size)
	}

	_, err := v.FileInfo(ctx, "missing", 3)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreCancelledBeforeWrite(t *testing.T) {
	v := createTestVault(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := v.Store(ctx, []byte("data"), "data.txt", 1)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, blobNames(t, v))
}

// failingCatalog fails inserts, optionally cancelling the caller first
type failingCatalog struct {
	catalog.Catalog
	cancel context.CancelFunc
}

func (c *failingCatalog) Insert(ctx context.Context, rec *catalog.Record) error {
	if c.cancel != nil {
		c.cancel()
		return ctx.Err()
	}
	return errors.New("catalog unavailable")
}

func createVaultWithCatalog(t *testing.T, cat catalog.Catalog) *testVault {
	t.Helper()
	options := createTestOptions(t)
	store, err := persist.NewFileSystemStore(options.MasterKeyFile)
	require.NoError(t, err)
	blobs, err := persist.NewBlobStore(options.VaultDir)
	require.NoError(t, err)
	v, err := NewWithStore(options, store, blobs, cat, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Close() })
	require.NoError(t, v.Provision(passPhrase))
	require.NoError(t, v.Unlock(passPhrase))
	return &testVault{Vault: v, blobs: blobs, options: options}
}

func TestStoreRemovesBlobWhenCatalogFails(t *testing.T) {
	v := createVaultWithCatalog(t, &failingCatalog{Catalog: catalog.NewMemoryCatalog()})

	_, err := v.Store(testContext(t), []byte("data"), "data.txt", 1)
	assert.ErrorIs(t, err, ErrIOFailure)
	assert.Empty(t, blobNames(t, v))
}

func TestStoreRemovesBlobWhenCancelledMidWrite(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	v := createVaultWithCatalog(t, &failingCatalog{Catalog: catalog.NewMemoryCatalog(), cancel: cancel})

	_, err := v.Store(ctx, []byte("data"), "data.txt", 1)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, blobNames(t, v))
}

// purgingCatalog drops the record right before it is marked erased, the way a
// PurgeReclaimed running alongside a delete would
type purgingCatalog struct {
	catalog.Catalog
}

func (c *purgingCatalog) MarkErased(ctx context.Context, id string) error {
	if err := c.Catalog.Delete(ctx, id); err != nil {
		return err
	}
	return c.Catalog.MarkErased(ctx, id)
}

func TestDeleteRacingPurge(t *testing.T) {
	mem := catalog.NewMemoryCatalog()
	v := createVaultWithCatalog(t, &purgingCatalog{Catalog: mem})
	ctx := testContext(t)

	id, err := v.Store(ctx, []byte("data"), "data.txt", 1)
	require.NoError(t, err)

	require.NoError(t, v.Delete(ctx, id, 1), "a record purged mid-delete is still a successful delete")
	assert.Empty(t, blobNames(t, v))

	_, err = v.Retrieve(ctx, id, 1)
	assert.ErrorIs(t, err, ErrNotFound)

	deleted, err := mem.ListDeleted(ctx)
	require.NoError(t, err)
	assert.Empty(t, deleted)
}

func TestConcurrentStoreRetrieveDelete(t *testing.T) {
	v := createTestVault(t)
	ctx := testContext(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			owner := int64(i%4 + 1)
			plaintext := []byte(fmt.Sprintf("file %d", i))

			id, err := v.Store(ctx, plaintext, fmt.Sprintf("file-%d.txt", i), owner)
			if !assert.NoError(t, err) {
				return
			}
			got, err := v.Retrieve(ctx, id, owner)
			if !assert.NoError(t, err) {
				return
			}
			assert.Equal(t, plaintext, got)
			if i%2 == 0 {
				assert.NoError(t, v.Delete(ctx, id, owner))
			}
		}(i)
	}
	wg.Wait()

	total := 0
	for owner := int64(1); owner <= 4; owner++ {
		_, n, err := v.List(ctx, owner, 0, 0)
		require.NoError(t, err)
		total += n
	}
	assert.Equal(t, 8, total)
	assert.Len(t, blobNames(t, v), 8)
}

func TestRotatePasswordKeepsFilesReadable(t *testing.T) {
	v := createTestVault(t)
	ctx := testContext(t)

	fileID, err := v.Store(ctx, []byte("survives rotation"), "rot.txt", 1)
	require.NoError(t, err)
	require.NoError(t, v.RotatePassword(passPhrase, newPassPhrase))

	v.Lock()
	assert.ErrorIs(t, v.Unlock(passPhrase), ErrAuthenticationFailure)
	require.NoError(t, v.Unlock(newPassPhrase))

	got, err := v.Retrieve(ctx, fileID, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("survives rotation"), got)
}

func TestVaultAuditTrail(t *testing.T) {
	logger, err := audit.NewLogger(&audit.Config{
		Enabled: true,
		Type:    audit.FileAuditType,
		Options: map[string]interface{}{"file_path": filepath.Join(t.TempDir(), "audit.log")},
	})
	require.NoError(t, err)
	v := createTestVaultWithLogger(t, logger)
	ctx := testContext(t)

	fileID, err := v.Store(ctx, []byte("audited"), "audit.txt", 5)
	require.NoError(t, err)
	_, err = v.Retrieve(ctx, fileID, 6)
	require.Error(t, err)

	result, err := logger.Query(audit.QueryOptions{FileID: fileID})
	require.NoError(t, err)
	actions := make([]string, 0, len(result.Events))
	for _, e := range result.Events {
		actions = append(actions, e.Action)
	}
	assert.ElementsMatch(t, []string{"FILE_STORE_COMPLETED", "FILE_RETRIEVE_FAILED"}, actions)

	result, err = logger.Query(audit.QueryOptions{PasswordAccess: true})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, result.Filtered, 2, "provision and unlock are security critical")
}

func TestNewFromOptions(t *testing.T) {
	options := createTestOptions(t)

	v, err := New(options, nil)
	require.NoError(t, err)
	require.NoError(t, v.Provision(passPhrase))
	require.NoError(t, v.Unlock(passPhrase))

	ctx := testContext(t)
	fileID, err := v.Store(ctx, []byte("persisted"), "p.txt", 1)
	require.NoError(t, err)

	status := v.Status()
	assert.True(t, status.Unlocked)
	assert.True(t, status.Provisioned)
	assert.Equal(t, string(persist.StoreTypeFileSystem), status.StoreType)
	require.NoError(t, v.Close())
	require.NoError(t, v.Close())

	reopened, err := New(options, nil)
	require.NoError(t, err)
	defer reopened.Close()
	assert.False(t, reopened.IsUnlocked())
	require.NoError(t, reopened.Unlock(passPhrase))

	got, err := reopened.Retrieve(ctx, fileID, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), got)
}

func TestNewValidatesOptions(t *testing.T) {
	options := createTestOptions(t)
	options.VaultDir = ""
	_, err := New(options, nil)
	assert.ErrorIs(t, err, ErrInvalidInput)

	options = createTestOptions(t)
	options.ErasePasses = 1
	_, err = New(options, nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}
