package persist

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"southwinds.dev/coffer/internal/misc"
)

// FileSystemStore implements Store for a single envelope file on local disk
// with optimistic concurrency control.
type FileSystemStore struct {
	path string // e.g. /var/lib/coffer/master.key
	dir  string
}

// NewFileSystemStore returns a store for the envelope at path, creating the
// parent directory with owner-only permissions when missing.
func NewFileSystemStore(path string) (*FileSystemStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("envelope path cannot be empty")
	}
	if strings.ContainsAny(path, "\x00") {
		return nil, fmt.Errorf("envelope path contains invalid characters")
	}

	path = filepath.Clean(path)
	dir := filepath.Dir(path)

	if err := os.MkdirAll(dir, misc.DirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	return &FileSystemStore{path: path, dir: dir}, nil
}

// NewFileSystemStoreFromConfig creates a FileSystemStore from StoreConfig
func NewFileSystemStoreFromConfig(config StoreConfig) (*FileSystemStore, error) {
	path, ok := config.Config["path"].(string)
	if !ok {
		return nil, fmt.Errorf("path is required for filesystem store")
	}
	return NewFileSystemStore(path)
}

// Path returns the location of the envelope file
func (s *FileSystemStore) Path() string {
	return s.path
}

// SaveEnvelope with optimistic concurrency control
func (s *FileSystemStore) SaveEnvelope(envelope []byte, expectedVersion string) (string, error) {
	if len(envelope) == 0 {
		return "", fmt.Errorf("envelope cannot be empty")
	}

	if expectedVersion != "" {
		currentVersion, err := s.getFileVersion()
		if err != nil {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if currentVersion != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       "SaveEnvelope",
			}
		}
	}

	if err := os.MkdirAll(s.dir, misc.DirPermissions); err != nil {
		return "", fmt.Errorf("failed to create envelope directory: %w", err)
	}

	if err := writeSecureFile(s.path, envelope, misc.FilePermissions); err != nil {
		return "", err
	}

	return calculateFileVersion(envelope), nil
}

// LoadEnvelope returns the versioned envelope
func (s *FileSystemStore) LoadEnvelope() (*VersionedData, error) {
	fileInfo, err := os.Stat(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrEnvelopeNotFound
		}
		return nil, fmt.Errorf("failed to stat envelope: %w", err)
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrEnvelopeNotFound
		}
		return nil, fmt.Errorf("failed to load envelope: %w", err)
	}

	return &VersionedData{
		Data:      data,
		Version:   calculateFileVersion(data),
		Timestamp: fileInfo.ModTime(),
	}, nil
}

func (s *FileSystemStore) EnvelopeExists() (bool, error) {
	return fileExists(s.path)
}

func (s *FileSystemStore) GetType() string {
	return string(StoreTypeFileSystem)
}

// Health and utilities
func (s *FileSystemStore) Ping() error {
	_, err := os.Stat(s.dir)
	return err
}

func (s *FileSystemStore) Close() error {
	return nil
}

func (s *FileSystemStore) getFileVersion() (string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil // File doesn't exist, version is empty
		}
		return "", err
	}
	return calculateFileVersion(data), nil
}

func calculateFileVersion(data []byte) string {
	// MD5 of the contents is only a change detector, not an integrity check
	hash := md5.Sum(data)
	return hex.EncodeToString(hash[:])
}

// writeSecureFile replaces path atomically: temp file in the same directory,
// fsync, chmod, rename, then fsync of the directory so the rename is durable.
func writeSecureFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err = tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write to temp file: %w", err)
	}

	if err = tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err = os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open directory: %w", err)
	}
	defer d.Close()
	if err = d.Sync(); err != nil {
		return fmt.Errorf("failed to sync directory: %w", err)
	}
	return nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}
