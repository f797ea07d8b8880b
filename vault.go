package coffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"southwinds.dev/coffer/audit"
	"southwinds.dev/coffer/catalog"
	"southwinds.dev/coffer/internal/crypto"
	"southwinds.dev/coffer/internal/mem"
	"southwinds.dev/coffer/internal/misc"
	"southwinds.dev/coffer/persist"
)

// Ensure Vault implements VaultService interface
var _ VaultService = (*Vault)(nil)

// Vault is the encrypted storage engine. File contents are only read or
// written while the KeyManager is unlocked; metadata reads go straight to the
// catalog and work while locked.
type Vault struct {
	keys    *KeyManager
	store   persist.Store
	blobs   *persist.BlobStore
	catalog catalog.Catalog
	audit   audit.Logger
	log     zerolog.Logger

	erasePasses           int
	memoryProtectionLevel mem.ProtectionLevel
	memoryLocked          bool

	closeOnce sync.Once
	closeErr  error
}

// New builds a vault from options: a filesystem envelope store at
// MasterKeyFile, blobs under VaultDir and an SQLite catalog at CatalogDSN.
func New(options Options, auditLogger audit.Logger) (*Vault, error) {
	if err := options.Validate(); err != nil {
		return nil, newError(KindInvalidInput, "new", err)
	}
	if err := options.validatePaths(); err != nil {
		return nil, newError(KindInvalidInput, "new", err)
	}

	store, err := persist.NewFileSystemStore(options.MasterKeyFile)
	if err != nil {
		return nil, newError(KindIOFailure, "new", err)
	}

	blobs, err := persist.NewBlobStore(options.VaultDir)
	if err != nil {
		return nil, newError(KindIOFailure, "new", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cat, err := catalog.OpenSQLCatalog(ctx, options.CatalogDSN)
	if err != nil {
		return nil, newError(KindIOFailure, "new", err)
	}

	v, err := NewWithStore(options, store, blobs, cat, auditLogger)
	if err != nil {
		_ = cat.Close()
		return nil, err
	}
	return v, nil
}

// NewWithStore creates a vault over caller supplied collaborators. The vault
// starts locked and takes ownership of store and cat; Close closes them.
func NewWithStore(options Options, store persist.Store, blobs *persist.BlobStore, cat catalog.Catalog, auditLogger audit.Logger) (*Vault, error) {
	if err := options.Validate(); err != nil {
		return nil, newError(KindInvalidInput, "new", err)
	}
	if store == nil || blobs == nil || cat == nil {
		return nil, newError(KindInvalidInput, "new", errors.New("store, blob store and catalog are required"))
	}
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}

	if err := store.Ping(); err != nil {
		return nil, newError(KindIOFailure, "new", fmt.Errorf("failed to connect to storage backend: %w", err))
	}

	v := &Vault{
		store:                 store,
		blobs:                 blobs,
		catalog:               cat,
		audit:                 auditLogger,
		log:                   options.Logger.With().Str("component", "vault").Logger(),
		erasePasses:           options.ErasePasses,
		memoryProtectionLevel: mem.ProtectionNone,
	}

	if options.EnableMemoryLock {
		level, err := mem.Lock()
		if err != nil {
			v.log.Warn().Err(err).Msg("memory locking unavailable")
		} else {
			v.memoryLocked = true
		}
		v.memoryProtectionLevel = level
		if level != mem.ProtectionFull {
			v.log.Warn().Str("level", level.String()).Msg("memory protection is not full, key material may reach swap")
		}
	}

	keys, err := NewKeyManager(store, options, auditLogger)
	if err != nil {
		v.unlockMemory()
		return nil, err
	}
	v.keys = keys

	v.log.Debug().
		Str("store", store.GetType()).
		Str("blobs", blobs.Dir()).
		Dur("idle_timeout", options.IdleTimeout).
		Msg("vault ready")
	return v, nil
}

// Keys exposes the key manager for callers that manage the lock state directly
func (v *Vault) Keys() *KeyManager {
	return v.keys
}

func (v *Vault) Provision(password []byte) error {
	return v.keys.Provision(password)
}

func (v *Vault) Unlock(password []byte) error {
	return v.keys.Unlock(password)
}

func (v *Vault) Lock() {
	v.keys.Lock()
}

func (v *Vault) IsUnlocked() bool {
	return v.keys.IsUnlocked()
}

func (v *Vault) RotatePassword(oldPassword, newPassword []byte) error {
	return v.keys.RotatePassword(oldPassword, newPassword)
}

// Store encrypts plaintext under a key derived for a new file id and writes it
// to a blob with a random name. If anything fails once the blob exists,
// including cancellation of ctx, the blob is erased before returning.
func (v *Vault) Store(ctx context.Context, plaintext []byte, originalName string, ownerID int64) (string, error) {
	const op = "store"
	start := time.Now()
	requestID := uuid.NewString()

	fail := func(fileID string, err error) (string, error) {
		v.logFailure("FILE_STORE", requestID, fileID, ownerID, start, err)
		return "", err
	}

	if err := validateFileName(originalName); err != nil {
		return fail("", newError(KindInvalidInput, op, err))
	}
	if err := ctx.Err(); err != nil {
		return fail("", newError(KindIOFailure, op, err))
	}
	if !v.keys.IsUnlocked() {
		return fail("", newError(KindVaultLocked, op, nil))
	}

	fileID := uuid.NewString()
	encryptedName, err := crypto.RandomToken(misc.FileNameEntropy)
	if err != nil {
		return fail(fileID, newFileError(KindIOFailure, op, fileID, err))
	}

	fileKey, err := v.keys.DeriveFileKey(fileID)
	if err != nil {
		return fail(fileID, err)
	}
	blob, err := crypto.Seal(fileKey.Bytes(), plaintext)
	fileKey.Destroy()
	if err != nil {
		return fail(fileID, newFileError(KindIOFailure, op, fileID, err))
	}

	if err = ctx.Err(); err != nil {
		return fail(fileID, newFileError(KindIOFailure, op, fileID, err))
	}

	if err = v.blobs.Create(encryptedName, blob); err != nil {
		return fail(fileID, newFileError(KindIOFailure, op, fileID, err))
	}

	// from here on a failure must not leave the blob behind
	abort := func(cause error) (string, error) {
		if eraseErr := v.blobs.Erase(encryptedName, v.erasePasses); eraseErr != nil {
			v.log.Error().Err(eraseErr).Str("file_id", fileID).Msg("failed to erase blob of aborted store")
			cause = errors.Join(cause, eraseErr)
		}
		return fail(fileID, newFileError(KindIOFailure, op, fileID, cause))
	}

	if err = ctx.Err(); err != nil {
		return abort(err)
	}

	now := time.Now().UTC()
	rec := &catalog.Record{
		ID:            fileID,
		EncryptedName: encryptedName,
		OriginalName:  originalName,
		Size:          int64(len(plaintext)),
		MimeType:      guessMimeType(originalName),
		OwnerID:       ownerID,
		CreatedAt:     now,
		ModifiedAt:    now,
	}
	if err = v.catalog.Insert(ctx, rec); err != nil {
		return abort(err)
	}

	v.log.Debug().Str("file_id", fileID).Int64("owner_id", ownerID).Int("size", len(plaintext)).Msg("file stored")
	_ = v.audit.Log("FILE_STORE_COMPLETED", true, map[string]interface{}{
		audit.KeyRequestID: requestID,
		audit.KeyFileID:    fileID,
		audit.KeyOwnerID:   ownerID,
		audit.KeyDuration:  time.Since(start).Milliseconds(),
		"size":             rec.Size,
		"mime_type":        rec.MimeType,
	})
	return fileID, nil
}

// Retrieve decrypts an active file owned by ownerID
func (v *Vault) Retrieve(ctx context.Context, fileID string, ownerID int64) ([]byte, error) {
	const op = "retrieve"
	start := time.Now()
	requestID := uuid.NewString()

	fail := func(err error) ([]byte, error) {
		v.logFailure("FILE_RETRIEVE", requestID, fileID, ownerID, start, err)
		return nil, err
	}

	if fileID == "" {
		return fail(newError(KindInvalidInput, op, errors.New("file id cannot be empty")))
	}
	if !v.keys.IsUnlocked() {
		return fail(newFileError(KindVaultLocked, op, fileID, nil))
	}

	rec, err := v.findActive(ctx, op, fileID, ownerID)
	if err != nil {
		return fail(err)
	}

	blob, err := v.blobs.Read(rec.EncryptedName)
	if err != nil {
		if errors.Is(err, persist.ErrBlobNotFound) {
			return fail(newFileError(KindNotFound, op, fileID, err))
		}
		return fail(newFileError(KindIOFailure, op, fileID, err))
	}

	fileKey, err := v.keys.DeriveFileKey(rec.ID)
	if err != nil {
		return fail(err)
	}
	plaintext, err := crypto.Open(fileKey.Bytes(), blob)
	fileKey.Destroy()
	if err != nil {
		if errors.Is(err, crypto.ErrAuthentication) || errors.Is(err, crypto.ErrCiphertextTooShort) {
			return fail(newFileError(KindAuthenticationFailure, op, fileID, err))
		}
		return fail(newFileError(KindIOFailure, op, fileID, err))
	}

	_ = v.audit.Log("FILE_RETRIEVE_COMPLETED", true, map[string]interface{}{
		audit.KeyRequestID: requestID,
		audit.KeyFileID:    fileID,
		audit.KeyOwnerID:   ownerID,
		audit.KeyDuration:  time.Since(start).Milliseconds(),
	})
	return plaintext, nil
}

// Delete is SoftDelete
func (v *Vault) Delete(ctx context.Context, fileID string, ownerID int64) error {
	return v.SoftDelete(ctx, fileID, ownerID)
}

// SoftDelete marks the record deleted, erases the blob immediately and then
// records the erase. If erasure fails the record stays deleted but not erased,
// and PurgeReclaimed will retry it.
func (v *Vault) SoftDelete(ctx context.Context, fileID string, ownerID int64) error {
	const op = "delete"
	start := time.Now()
	requestID := uuid.NewString()

	fail := func(err error) error {
		v.logFailure("FILE_DELETE", requestID, fileID, ownerID, start, err)
		return err
	}

	if fileID == "" {
		return fail(newError(KindInvalidInput, op, errors.New("file id cannot be empty")))
	}
	if !v.keys.IsUnlocked() {
		return fail(newFileError(KindVaultLocked, op, fileID, nil))
	}

	rec, err := v.findActive(ctx, op, fileID, ownerID)
	if err != nil {
		return fail(err)
	}

	if err = v.catalog.MarkDeleted(ctx, rec.ID); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return fail(newFileError(KindNotFound, op, fileID, err))
		}
		return fail(newFileError(KindIOFailure, op, fileID, err))
	}

	if err = v.blobs.Erase(rec.EncryptedName, v.erasePasses); err != nil {
		return fail(newFileError(KindEraseFailure, op, fileID, err))
	}

	// the blob is gone, record that even if the caller has given up. A concurrent
	// PurgeReclaimed may already have erased the blob and dropped the record.
	err = v.catalog.MarkErased(context.WithoutCancel(ctx), rec.ID)
	if err != nil && !errors.Is(err, catalog.ErrNotFound) {
		return fail(newFileError(KindIOFailure, op, fileID, err))
	}

	_ = v.audit.Log("FILE_DELETE_COMPLETED", true, map[string]interface{}{
		audit.KeyRequestID: requestID,
		audit.KeyFileID:    fileID,
		audit.KeyOwnerID:   ownerID,
		audit.KeyDuration:  time.Since(start).Milliseconds(),
	})
	return nil
}

// List returns one page of an owner's active files, newest first
func (v *Vault) List(ctx context.Context, ownerID int64, limit, offset int) ([]FileInfo, int, error) {
	if limit < 0 || offset < 0 {
		return nil, 0, newError(KindInvalidInput, "list", errors.New("limit and offset cannot be negative"))
	}
	recs, total, err := v.catalog.ListActive(ctx, ownerID, limit, offset)
	if err != nil {
		return nil, 0, newError(KindIOFailure, "list", err)
	}
	return fileInfosFromRecords(recs), total, nil
}

// Search finds an owner's active files whose original name contains query
func (v *Vault) Search(ctx context.Context, ownerID int64, query string, limit int) ([]FileInfo, error) {
	if query == "" {
		return nil, newError(KindInvalidInput, "search", errors.New("query cannot be empty"))
	}
	recs, err := v.catalog.Search(ctx, ownerID, query, limit)
	if err != nil {
		return nil, newError(KindIOFailure, "search", err)
	}
	return fileInfosFromRecords(recs), nil
}

// Stats summarises an owner's active files
func (v *Vault) Stats(ctx context.Context, ownerID int64) (catalog.Stats, error) {
	stats, err := v.catalog.Stats(ctx, ownerID)
	if err != nil {
		return catalog.Stats{}, newError(KindIOFailure, "stats", err)
	}
	return stats, nil
}

// FileInfo returns the metadata of one active file
func (v *Vault) FileInfo(ctx context.Context, fileID string, ownerID int64) (*FileInfo, error) {
	rec, err := v.findActive(ctx, "file info", fileID, ownerID)
	if err != nil {
		return nil, err
	}
	return fileInfoFromRecord(rec), nil
}

// PurgeReclaimed removes the records of deleted files once their blobs are
// confirmed erased. Blobs whose erase never completed are erased again first;
// if that fails the record is kept and the failure is reported after the
// remaining records have been processed. Running it twice is harmless.
func (v *Vault) PurgeReclaimed(ctx context.Context) (int, error) {
	const op = "purge"
	start := time.Now()

	deleted, err := v.catalog.ListDeleted(ctx)
	if err != nil {
		return 0, newError(KindIOFailure, op, err)
	}

	purged := 0
	var failures []error
	for i := range deleted {
		rec := &deleted[i]
		if err = ctx.Err(); err != nil {
			failures = append(failures, err)
			break
		}

		if rec.ErasedAt == nil {
			if err = v.blobs.Erase(rec.EncryptedName, v.erasePasses); err != nil {
				v.log.Error().Err(err).Str("file_id", rec.ID).Msg("failed to erase blob during purge")
				failures = append(failures, newFileError(KindEraseFailure, op, rec.ID, err))
				continue
			}
			if err = v.catalog.MarkErased(ctx, rec.ID); err != nil && !errors.Is(err, catalog.ErrNotFound) {
				failures = append(failures, newFileError(KindIOFailure, op, rec.ID, err))
				continue
			}
		}

		if err = v.catalog.Delete(ctx, rec.ID); err != nil && !errors.Is(err, catalog.ErrNotFound) {
			failures = append(failures, newFileError(KindIOFailure, op, rec.ID, err))
			continue
		}
		purged++
	}

	_ = v.audit.Log("FILE_PURGE_COMPLETED", len(failures) == 0, map[string]interface{}{
		audit.KeyDuration: time.Since(start).Milliseconds(),
		"purged":          purged,
		"failed":          len(failures),
	})

	if len(failures) > 0 {
		kind := KindIOFailure
		for _, f := range failures {
			if KindOf(f) == KindEraseFailure {
				kind = KindEraseFailure
				break
			}
		}
		return purged, newError(kind, op, errors.Join(failures...))
	}
	return purged, nil
}

// Status reports lock state, provisioning and memory protection
func (v *Vault) Status() Status {
	provisioned, err := v.keys.IsProvisioned()
	if err != nil {
		v.log.Warn().Err(err).Msg("failed to check provisioning")
	}
	return Status{
		Unlocked:         v.keys.IsUnlocked(),
		Provisioned:      provisioned,
		MemoryProtection: v.memoryProtectionLevel.String(),
		StoreType:        v.store.GetType(),
		IdleTimeout:      v.keys.idleTimeout,
		LastActivity:     v.keys.LastActivity(),
	}
}

// Close locks the vault and closes the key store, the catalog and the audit log
func (v *Vault) Close() error {
	v.closeOnce.Do(func() {
		var errs []error
		if err := v.keys.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := v.catalog.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close catalog: %w", err))
		}
		if err := v.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close store: %w", err))
		}
		if err := v.audit.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close audit log: %w", err))
		}
		v.unlockMemory()
		if len(errs) > 0 {
			v.closeErr = newError(KindIOFailure, "close", errors.Join(errs...))
		}
	})
	return v.closeErr
}

func (v *Vault) findActive(ctx context.Context, op, fileID string, ownerID int64) (*catalog.Record, error) {
	rec, err := v.catalog.FindActive(ctx, fileID, ownerID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, newFileError(KindNotFound, op, fileID, nil)
		}
		return nil, newFileError(KindIOFailure, op, fileID, err)
	}
	return rec, nil
}

func (v *Vault) unlockMemory() {
	if !v.memoryLocked {
		return
	}
	if err := mem.Unlock(); err != nil {
		v.log.Warn().Err(err).Msg("failed to release memory lock")
	}
	v.memoryLocked = false
}

func (v *Vault) logFailure(action, requestID, fileID string, ownerID int64, start time.Time, err error) {
	kind := KindOf(err)
	event := v.log.Warn()
	if kind == KindEraseFailure || kind == KindIOFailure {
		event = v.log.Error()
	}
	event.Err(err).Str("action", action).Str("file_id", fileID).Int64("owner_id", ownerID).Msg("file operation failed")

	_ = v.audit.Log(action+"_FAILED", false, map[string]interface{}{
		audit.KeyRequestID: requestID,
		audit.KeyFileID:    fileID,
		audit.KeyOwnerID:   ownerID,
		audit.KeyDuration:  time.Since(start).Milliseconds(),
		audit.KeyError:     kind.String(),
	})
}
