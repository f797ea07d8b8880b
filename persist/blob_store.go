package persist

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"southwinds.dev/coffer/internal/erase"
	"southwinds.dev/coffer/internal/misc"
)

var (
	// ErrBlobNotFound is returned when a blob does not exist on disk
	ErrBlobNotFound = errors.New("blob not found")

	// ErrBlobExists is returned by Create when the name is already taken
	ErrBlobExists = errors.New("blob already exists")
)

// BlobStore keeps encrypted file blobs as flat files in a single directory.
// Names are opaque tokens chosen by the caller; the store never interprets them.
type BlobStore struct {
	dir string
}

// NewBlobStore opens (and creates if needed) the blob directory
func NewBlobStore(dir string) (*BlobStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("blob directory cannot be empty")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, misc.DirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create blob directory %s: %w", dir, err)
	}
	return &BlobStore{dir: dir}, nil
}

// Dir returns the blob directory
func (b *BlobStore) Dir() string {
	return b.dir
}

// Path returns the on-disk location for name
func (b *BlobStore) Path(name string) (string, error) {
	if err := validateBlobName(name); err != nil {
		return "", err
	}
	return filepath.Join(b.dir, name), nil
}

// Create writes data to a new blob. It fails with ErrBlobExists rather than
// overwrite, and removes any partial file when the write does not complete.
func (b *BlobStore) Create(name string, data []byte) error {
	path, err := b.Path(name)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, misc.FilePermissions)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ErrBlobExists
		}
		return fmt.Errorf("failed to create blob: %w", err)
	}

	if _, err = f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("failed to write blob: %w", err)
	}

	if err = f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("failed to sync blob: %w", err)
	}

	if err = f.Close(); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("failed to close blob: %w", err)
	}

	return syncDir(b.dir)
}

// Read returns the contents of a blob or ErrBlobNotFound
func (b *BlobStore) Read(name string) ([]byte, error) {
	path, err := b.Path(name)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if misc.IsNotFoundError(err) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return data, nil
}

// Exists reports whether the blob is present
func (b *BlobStore) Exists(name string) (bool, error) {
	path, err := b.Path(name)
	if err != nil {
		return false, err
	}
	return fileExists(path)
}

// Erase overwrites and removes the blob. A missing blob is not an error.
func (b *BlobStore) Erase(name string, passes int) error {
	path, err := b.Path(name)
	if err != nil {
		return err
	}
	return erase.Erase(path, passes)
}

func validateBlobName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("invalid blob name %q", name)
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return fmt.Errorf("blob name contains invalid characters")
	}
	return nil
}
