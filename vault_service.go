// Package coffer keeps user files encrypted at rest under a single
// password-derived master key.
//
// The master key is 32 random bytes, sealed with ChaCha20-Poly1305 under a key
// derived from the password with Argon2id, and stored as a small JSON envelope.
// Each file is encrypted under its own key, expanded from the master key and
// the file id with HKDF-SHA256, and written to disk under a random name.
// Deleting a file overwrites its blob several times before unlinking it.
//
// Basic Usage:
//
//	vault, err := coffer.New(options, auditLogger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer vault.Close()
//
//	if err = vault.Unlock([]byte(password)); err != nil {
//	    log.Fatal(err)
//	}
//
//	id, err := vault.Store(ctx, data, "notes.txt", ownerID)
//	plaintext, err := vault.Retrieve(ctx, id, ownerID)
package coffer

import (
	"context"
	"time"

	"southwinds.dev/coffer/catalog"
)

// FileInfo is the descriptive metadata of a stored file.
// It never includes the on-disk name of the encrypted blob.
type FileInfo struct {
	ID           string    `json:"id" yaml:"id"`
	OriginalName string    `json:"original_name" yaml:"original_name"`
	Size         int64     `json:"size" yaml:"size"`
	MimeType     string    `json:"mime_type" yaml:"mime_type"`
	OwnerID      int64     `json:"owner_id" yaml:"owner_id"`
	CreatedAt    time.Time `json:"created_at" yaml:"created_at"`
	ModifiedAt   time.Time `json:"modified_at" yaml:"modified_at"`
}

// Status describes the vault for health and status endpoints
type Status struct {
	Unlocked         bool          `json:"unlocked" yaml:"unlocked"`
	Provisioned      bool          `json:"provisioned" yaml:"provisioned"`
	MemoryProtection string        `json:"memory_protection" yaml:"memory_protection"`
	StoreType        string        `json:"store_type" yaml:"store_type"`
	IdleTimeout      time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	LastActivity     time.Time     `json:"last_activity" yaml:"last_activity"`
}

// VaultService is the surface exposed to API layers.
//
// Every returned error is a *Error; use errors.Is with the Err* sentinels or
// KindOf to map failures to responses.
type VaultService interface {
	// Provision creates and seals a new master key under password.
	// Fails with ErrAlreadyProvisioned if a sealed key exists. The vault stays locked.
	Provision(password []byte) error

	// Unlock opens the sealed master key. A wrong password and a damaged
	// envelope both fail with ErrAuthenticationFailure; ErrNotProvisioned is
	// returned when there is nothing to unlock.
	Unlock(password []byte) error

	// Lock wipes the master key from memory. Idempotent.
	Lock()

	// IsUnlocked reports whether file contents can be stored and read
	IsUnlocked() bool

	// RotatePassword reseals the master key under newPassword after checking
	// oldPassword against the stored envelope. Stored files are unaffected.
	RotatePassword(oldPassword, newPassword []byte) error

	// Store encrypts plaintext and records it for ownerID, returning the new file id.
	// Requires the vault to be unlocked.
	Store(ctx context.Context, plaintext []byte, originalName string, ownerID int64) (string, error)

	// Retrieve decrypts an active file owned by ownerID.
	// A tampered blob fails with ErrDecryptionFailure, never ErrNotFound.
	Retrieve(ctx context.Context, fileID string, ownerID int64) ([]byte, error)

	// Delete marks the file deleted and securely erases its blob at once
	Delete(ctx context.Context, fileID string, ownerID int64) error

	// List returns one page of an owner's files, newest first, with the total count
	List(ctx context.Context, ownerID int64, limit, offset int) ([]FileInfo, int, error)

	// Search finds an owner's files whose name contains query
	Search(ctx context.Context, ownerID int64, query string, limit int) ([]FileInfo, error)

	// Stats summarises an owner's active files
	Stats(ctx context.Context, ownerID int64) (catalog.Stats, error)

	// FileInfo returns the metadata of one active file
	FileInfo(ctx context.Context, fileID string, ownerID int64) (*FileInfo, error)

	// PurgeReclaimed drops the records of deleted files whose blobs are
	// confirmed erased, retrying erasure where it did not complete
	PurgeReclaimed(ctx context.Context) (int, error)

	// Status reports lock state, provisioning and memory protection
	Status() Status

	// Close locks the vault and releases its stores
	Close() error
}
