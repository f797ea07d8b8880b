package coffer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"southwinds.dev/coffer/audit"
	"southwinds.dev/coffer/catalog"
	"southwinds.dev/coffer/persist"
)

var (
	passPhrase    = []byte("this-is-a-secure-passphrase-for-testing")
	newPassPhrase = []byte("an-entirely-different-passphrase")
)

// createTestOptions returns options with a cheap Argon2id cost so tests stay fast
func createTestOptions(t *testing.T) Options {
	t.Helper()
	dir := t.TempDir()
	options := DefaultOptions()
	options.MasterKeyFile = filepath.Join(dir, "keys", "master.key")
	options.VaultDir = filepath.Join(dir, "blobs")
	options.CatalogDSN = filepath.Join(dir, "catalog.db")
	options.ArgonTime = 1
	options.ArgonMemory = 64
	options.IdleTimeout = 0
	return options
}

func createTestKeyManager(t *testing.T, options Options) (*KeyManager, *persist.FileSystemStore) {
	t.Helper()
	store, err := persist.NewFileSystemStore(options.MasterKeyFile)
	require.NoError(t, err)
	km, err := NewKeyManager(store, options, audit.NewNoOpLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = km.Close() })
	return km, store
}

type testVault struct {
	*Vault
	blobs   *persist.BlobStore
	catalog *catalog.MemoryCatalog
	options Options
}

// createTestVault builds a provisioned, unlocked vault over an in-memory catalog
func createTestVault(t *testing.T) *testVault {
	t.Helper()
	return createTestVaultWithLogger(t, audit.NewNoOpLogger())
}

func createTestVaultWithLogger(t *testing.T, auditLogger audit.Logger) *testVault {
	t.Helper()
	options := createTestOptions(t)

	store, err := persist.NewFileSystemStore(options.MasterKeyFile)
	require.NoError(t, err)
	blobs, err := persist.NewBlobStore(options.VaultDir)
	require.NoError(t, err)
	cat := catalog.NewMemoryCatalog()

	v, err := NewWithStore(options, store, blobs, cat, auditLogger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Close() })

	require.NoError(t, v.Provision(passPhrase))
	require.NoError(t, v.Unlock(passPhrase))

	return &testVault{Vault: v, blobs: blobs, catalog: cat, options: options}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}
