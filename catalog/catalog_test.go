package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRecord(owner int64, name string, size int64, created time.Time) *Record {
	return &Record{
		ID:            uuid.NewString(),
		EncryptedName: uuid.NewString(),
		OriginalName:  name,
		Size:          size,
		MimeType:      "text/plain",
		OwnerID:       owner,
		CreatedAt:     created,
		ModifiedAt:    created,
	}
}

// testCatalogImplementation runs the behaviour every Catalog must share
func testCatalogImplementation(t *testing.T, c Catalog) {
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	var ids []string
	for i := 0; i < 5; i++ {
		rec := newRecord(1, fmt.Sprintf("report-%d.txt", i), int64(1024*(i+1)), base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, c.Insert(ctx, rec))
		ids = append(ids, rec.ID)
	}
	other := newRecord(2, "report-other.txt", 99, base)
	require.NoError(t, c.Insert(ctx, other))

	t.Run("Duplicate", func(t *testing.T) {
		dup := newRecord(1, "dup", 1, base)
		dup.ID = ids[0]
		assert.ErrorIs(t, c.Insert(ctx, dup), ErrDuplicate)
	})

	t.Run("FindActive", func(t *testing.T) {
		rec, err := c.FindActive(ctx, ids[0], 1)
		require.NoError(t, err)
		assert.Equal(t, "report-0.txt", rec.OriginalName)
		assert.Equal(t, int64(1024), rec.Size)
		assert.False(t, rec.IsDeleted)

		_, err = c.FindActive(ctx, ids[0], 2)
		assert.ErrorIs(t, err, ErrNotFound, "other owners must not see the record")

		_, err = c.FindActive(ctx, "missing", 1)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ListActive", func(t *testing.T) {
		recs, total, err := c.ListActive(ctx, 1, 2, 0)
		require.NoError(t, err)
		assert.Equal(t, 5, total)
		require.Len(t, recs, 2)
		assert.Equal(t, "report-4.txt", recs[0].OriginalName, "newest first")
		assert.Equal(t, "report-3.txt", recs[1].OriginalName)

		recs, _, err = c.ListActive(ctx, 1, 10, 4)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, "report-0.txt", recs[0].OriginalName)

		recs, total, err = c.ListActive(ctx, 1, 0, 1)
		require.NoError(t, err, "zero limit means no limit")
		assert.Equal(t, 5, total)
		require.Len(t, recs, 4)
		assert.Equal(t, "report-3.txt", recs[0].OriginalName)
		assert.Equal(t, "report-0.txt", recs[3].OriginalName)

		recs, total, err = c.ListActive(ctx, 3, 10, 0)
		require.NoError(t, err)
		assert.Empty(t, recs)
		assert.Equal(t, 0, total)
	})

	t.Run("Search", func(t *testing.T) {
		recs, err := c.Search(ctx, 1, "REPORT-3", 0)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, ids[3], recs[0].ID)

		recs, err = c.Search(ctx, 1, "report", 3)
		require.NoError(t, err)
		assert.Len(t, recs, 3)

		recs, err = c.Search(ctx, 1, "%", 0)
		require.NoError(t, err)
		assert.Empty(t, recs, "wildcards in the query are literal")
	})

	t.Run("Stats", func(t *testing.T) {
		stats, err := c.Stats(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, 5, stats.FileCount)
		assert.Equal(t, int64(1024*15), stats.TotalSize)
		assert.Equal(t, 0.01, stats.TotalSizeMB)

		stats, err = c.Stats(ctx, 42)
		require.NoError(t, err)
		assert.Equal(t, Stats{}, stats)
	})

	t.Run("DeleteLifecycle", func(t *testing.T) {
		require.NoError(t, c.MarkDeleted(ctx, ids[1]))
		assert.ErrorIs(t, c.MarkDeleted(ctx, ids[1]), ErrNotFound, "already deleted")

		_, err := c.FindActive(ctx, ids[1], 1)
		assert.ErrorIs(t, err, ErrNotFound)

		_, total, err := c.ListActive(ctx, 1, 0, 0)
		require.NoError(t, err)
		assert.Equal(t, 4, total)

		deleted, err := c.ListDeleted(ctx)
		require.NoError(t, err)
		require.Len(t, deleted, 1)
		assert.Nil(t, deleted[0].ErasedAt)

		require.NoError(t, c.MarkErased(ctx, ids[1]))
		deleted, err = c.ListDeleted(ctx)
		require.NoError(t, err)
		require.Len(t, deleted, 1)
		assert.NotNil(t, deleted[0].ErasedAt)

		require.NoError(t, c.Delete(ctx, ids[1]))
		assert.ErrorIs(t, c.Delete(ctx, ids[1]), ErrNotFound)

		deleted, err = c.ListDeleted(ctx)
		require.NoError(t, err)
		assert.Empty(t, deleted)
	})

	require.NoError(t, c.Close())
}

func TestMemoryCatalog(t *testing.T) {
	testCatalogImplementation(t, NewMemoryCatalog())
}

func TestSQLCatalog(t *testing.T) {
	c, err := OpenSQLCatalog(context.Background(), filepath.Join(t.TempDir(), "db", "catalog.db"))
	require.NoError(t, err)
	testCatalogImplementation(t, c)
}

func TestSQLCatalogInMemory(t *testing.T) {
	c, err := OpenSQLCatalog(context.Background(), ":memory:")
	require.NoError(t, err)
	testCatalogImplementation(t, c)
}

func TestSQLCatalogPersists(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "catalog.db")

	c, err := OpenSQLCatalog(ctx, dsn)
	require.NoError(t, err)
	rec := newRecord(1, "kept.bin", 10, time.Now().UTC())
	require.NoError(t, c.Insert(ctx, rec))
	require.NoError(t, c.Close())

	c, err = OpenSQLCatalog(ctx, dsn)
	require.NoError(t, err)
	defer c.Close()

	got, err := c.FindActive(ctx, rec.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, rec.EncryptedName, got.EncryptedName)
}

func TestOpenSQLCatalogEmptyDSN(t *testing.T) {
	_, err := OpenSQLCatalog(context.Background(), " ")
	assert.Error(t, err)
}
