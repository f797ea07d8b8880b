// Package catalog stores the metadata records that describe encrypted files.
// The vault only needs a record's ID and EncryptedName; every other field is
// descriptive and exists for listing and search.
package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/uptrace/bun"
	"southwinds.dev/coffer/internal/misc"
)

var (
	// ErrNotFound is returned when no record matches the lookup
	ErrNotFound = errors.New("file record not found")

	// ErrDuplicate is returned by Insert when the id or encrypted name is taken
	ErrDuplicate = errors.New("file record already exists")
)

// DefaultSearchLimit caps search results when the caller passes no limit
const DefaultSearchLimit = 100

// Record describes one stored file
type Record struct {
	bun.BaseModel `bun:"table:files"`

	ID            string     `bun:"id,pk" json:"id"`
	EncryptedName string     `bun:"encrypted_name,notnull,unique" json:"-"`
	OriginalName  string     `bun:"original_name,notnull" json:"original_name"`
	Size          int64      `bun:"size,notnull" json:"size"`
	MimeType      string     `bun:"mime_type" json:"mime_type"`
	OwnerID       int64      `bun:"owner_id,notnull" json:"owner_id"`
	CreatedAt     time.Time  `bun:"created_at,notnull" json:"created_at"`
	ModifiedAt    time.Time  `bun:"modified_at,notnull" json:"modified_at"`
	IsDeleted     bool       `bun:"is_deleted,notnull" json:"is_deleted"`
	ErasedAt      *time.Time `bun:"erased_at,nullzero" json:"erased_at,omitempty"`
}

// Stats summarises the active files of one owner
type Stats struct {
	TotalSize   int64   `json:"total_size"`
	FileCount   int     `json:"file_count"`
	TotalSizeMB float64 `json:"total_size_mb"`
}

// NewStats fills in the derived MiB figure
func NewStats(totalSize int64, count int) Stats {
	return Stats{
		TotalSize:   totalSize,
		FileCount:   count,
		TotalSizeMB: misc.BytesToMiB(totalSize),
	}
}

// Catalog is the persisted file metadata store.
// All lists are ordered newest first.
type Catalog interface {
	// Insert adds a new active record
	Insert(ctx context.Context, rec *Record) error

	// FindActive returns the record if it exists, is not deleted and belongs to ownerID
	FindActive(ctx context.Context, id string, ownerID int64) (*Record, error)

	// MarkDeleted flags an active record as deleted
	MarkDeleted(ctx context.Context, id string) error

	// ListActive returns one page of an owner's active records and the total count
	ListActive(ctx context.Context, ownerID int64, limit, offset int) ([]Record, int, error)

	// Search matches query as a case-insensitive substring of the original name
	Search(ctx context.Context, ownerID int64, query string, limit int) ([]Record, error)

	// Stats sums the sizes of an owner's active records
	Stats(ctx context.Context, ownerID int64) (Stats, error)

	// ListDeleted returns every soft-deleted record regardless of owner
	ListDeleted(ctx context.Context) ([]Record, error)

	// MarkErased records that the blob of a deleted record has been destroyed
	MarkErased(ctx context.Context, id string) error

	// Delete removes a record permanently
	Delete(ctx context.Context, id string) error

	Close() error
}
