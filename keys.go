package coffer

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/awnumar/memguard"
	"github.com/rs/zerolog"
	"southwinds.dev/coffer/audit"
	"southwinds.dev/coffer/internal/crypto"
	"southwinds.dev/coffer/internal/envelope"
	"southwinds.dev/coffer/internal/misc"
	"southwinds.dev/coffer/persist"
)

// KeyManager owns the master key and its lock state.
//
// The vault is either Locked (no key in memory) or Unlocked (the master key is
// held in a guarded buffer). Every transition goes through a method that takes
// the write lock; per-file key derivation holds the read lock for the whole
// "check unlocked, derive" step so a concurrent Lock waits for it to finish and
// the raw master key never leaves this type.
type KeyManager struct {
	mu        sync.RWMutex
	masterKey *memguard.LockedBuffer // nil while locked

	store  persist.Store
	params crypto.Argon2Params
	audit  audit.Logger
	log    zerolog.Logger

	idleTimeout time.Duration
	lastUsed    atomic.Int64 // unix nanoseconds
	now         func() time.Time
	stopIdle    chan struct{}
	idleDone    chan struct{}
	closeOnce   sync.Once
}

// NewKeyManager creates a locked key manager over the given envelope store and
// starts the idle watcher when options.IdleTimeout is positive.
func NewKeyManager(store persist.Store, options Options, auditLogger audit.Logger) (*KeyManager, error) {
	if store == nil {
		return nil, newError(KindInvalidInput, "new key manager", errors.New("store is required"))
	}
	if err := options.Validate(); err != nil {
		return nil, newError(KindInvalidInput, "new key manager", err)
	}
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}

	km := &KeyManager{
		store:       store,
		params:      options.argon2Params(),
		audit:       auditLogger,
		log:         options.Logger.With().Str("component", "keys").Logger(),
		idleTimeout: options.IdleTimeout,
		now:         time.Now,
	}
	km.Touch()

	if km.idleTimeout > 0 {
		km.startIdleWatcher()
	}
	return km, nil
}

// Generate returns a fresh random master key in a guarded buffer
func (km *KeyManager) Generate() (*memguard.LockedBuffer, error) {
	key := memguard.NewBufferRandom(misc.MasterKeySize)
	if key.Size() != misc.MasterKeySize {
		return nil, newError(KindIOFailure, "generate", errors.New("failed to allocate master key"))
	}
	return key, nil
}

// Seal encrypts masterKey under a key derived from password with a fresh salt
// and nonce, and returns the encoded envelope.
func (km *KeyManager) Seal(masterKey *memguard.LockedBuffer, password []byte) ([]byte, error) {
	const op = "seal"

	if len(password) == 0 {
		return nil, newError(KindInvalidInput, op, errors.New("password cannot be empty"))
	}
	if masterKey == nil || !masterKey.IsAlive() || masterKey.Size() != misc.MasterKeySize {
		return nil, newError(KindInvalidInput, op, errors.New("invalid master key"))
	}

	salt, err := crypto.NewSalt()
	if err != nil {
		return nil, newError(KindIOFailure, op, err)
	}
	nonce, err := crypto.NewNonce()
	if err != nil {
		return nil, newError(KindIOFailure, op, err)
	}

	unlockKey, err := crypto.DeriveUnlockKey(password, salt, km.params)
	if err != nil {
		return nil, newError(KindInvalidInput, op, err)
	}
	defer unlockKey.Destroy()

	sealed, err := crypto.Encrypt(unlockKey.Bytes(), nonce, masterKey.Bytes())
	if err != nil {
		return nil, newError(KindIOFailure, op, err)
	}

	data, err := envelope.Encode(envelope.New(salt, nonce, sealed, km.params))
	if err != nil {
		return nil, newError(KindMalformedEnvelope, op, err)
	}
	return data, nil
}

// Persist atomically replaces the stored envelope. A non-empty expectedVersion
// makes the write conditional on the stored envelope still being that version.
func (km *KeyManager) Persist(data []byte, expectedVersion string) (string, error) {
	version, err := km.store.SaveEnvelope(data, expectedVersion)
	if err != nil {
		return "", newError(KindIOFailure, "persist", err)
	}
	return version, nil
}

// IsProvisioned reports whether a sealed master key has been persisted
func (km *KeyManager) IsProvisioned() (bool, error) {
	exists, err := km.store.EnvelopeExists()
	if err != nil {
		return false, newError(KindIOFailure, "status", err)
	}
	return exists, nil
}

// Provision creates and seals a new master key. It refuses to overwrite an
// existing envelope and leaves the vault locked.
func (km *KeyManager) Provision(password []byte) error {
	const op = "provision"

	km.mu.Lock()
	defer km.mu.Unlock()

	if len(password) == 0 {
		return km.fail("VAULT_PROVISION", newError(KindInvalidInput, op, errors.New("password cannot be empty")))
	}

	exists, err := km.store.EnvelopeExists()
	if err != nil {
		return km.fail("VAULT_PROVISION", newError(KindIOFailure, op, err))
	}
	if exists {
		return km.fail("VAULT_PROVISION", newError(KindAlreadyProvisioned, op, nil))
	}

	masterKey, err := km.Generate()
	if err != nil {
		return km.fail("VAULT_PROVISION", err)
	}
	defer masterKey.Destroy()

	data, err := km.Seal(masterKey, password)
	if err != nil {
		return km.fail("VAULT_PROVISION", err)
	}
	if _, err = km.Persist(data, ""); err != nil {
		return km.fail("VAULT_PROVISION", err)
	}

	km.log.Info().Str("store", km.store.GetType()).Msg("vault provisioned")
	_ = km.audit.Log("VAULT_PROVISION_COMPLETED", true, map[string]interface{}{
		"store_type": km.store.GetType(),
	})
	return nil
}

// Unlock loads the envelope, derives the unlock key from password and the
// stored salt, and decrypts the master key. A wrong password and a corrupted
// envelope produce the same AuthenticationFailure. On failure the lock state
// is unchanged.
func (km *KeyManager) Unlock(password []byte) error {
	const op = "unlock"

	km.mu.Lock()
	defer km.mu.Unlock()

	if len(password) == 0 {
		return km.fail("VAULT_UNLOCK", newError(KindInvalidInput, op, errors.New("password cannot be empty")))
	}

	masterKey, _, err := km.unsealStored(op, password)
	if err != nil {
		return km.fail("VAULT_UNLOCK", err)
	}

	if km.masterKey != nil {
		km.masterKey.Destroy()
	}
	km.masterKey = masterKey
	km.Touch()

	km.log.Info().Msg("vault unlocked")
	_ = km.audit.Log("VAULT_UNLOCK_COMPLETED", true, nil)
	return nil
}

// Lock wipes the master key. Locking a locked vault is a no-op.
func (km *KeyManager) Lock() {
	if km.lock() {
		km.log.Info().Msg("vault locked")
		_ = km.audit.Log("VAULT_LOCK_COMPLETED", true, nil)
	}
}

// lock reports whether a key was actually destroyed
func (km *KeyManager) lock() bool {
	km.mu.Lock()
	defer km.mu.Unlock()

	if km.masterKey == nil {
		return false
	}
	km.masterKey.Destroy()
	km.masterKey = nil
	return true
}

// IsUnlocked reports the current state without side effects
func (km *KeyManager) IsUnlocked() bool {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.masterKey != nil
}

// DeriveFileKey returns the per-file key for fileID. The caller must Destroy it.
func (km *KeyManager) DeriveFileKey(fileID string) (*memguard.LockedBuffer, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()

	if km.masterKey == nil {
		return nil, newFileError(KindVaultLocked, "derive", fileID, nil)
	}

	key, err := crypto.DeriveFileKey(km.masterKey.Bytes(), fileID)
	if err != nil {
		return nil, newFileError(KindInvalidInput, "derive", fileID, err)
	}
	km.Touch()
	return key, nil
}

// Touch records key activity for the idle watcher
func (km *KeyManager) Touch() {
	km.lastUsed.Store(km.now().UnixNano())
}

// LastActivity returns when the key was last used
func (km *KeyManager) LastActivity() time.Time {
	return time.Unix(0, km.lastUsed.Load())
}

// Close stops the idle watcher and wipes the master key
func (km *KeyManager) Close() error {
	km.closeOnce.Do(func() {
		if km.stopIdle != nil {
			close(km.stopIdle)
			<-km.idleDone
		}
		km.lock()
	})
	return nil
}

// unsealStored loads and opens the persisted envelope. It returns the master
// key and the version that was read so callers can supersede exactly it.
func (km *KeyManager) unsealStored(op string, password []byte) (*memguard.LockedBuffer, string, error) {
	stored, err := km.store.LoadEnvelope()
	if err != nil {
		if errors.Is(err, persist.ErrEnvelopeNotFound) {
			return nil, "", newError(KindNotProvisioned, op, nil)
		}
		return nil, "", newError(KindIOFailure, op, err)
	}

	masterKey, err := km.unseal(op, stored.Data, password)
	if err != nil {
		return nil, "", err
	}
	return masterKey, stored.Version, nil
}

func (km *KeyManager) unseal(op string, data, password []byte) (*memguard.LockedBuffer, error) {
	env, err := envelope.Decode(data)
	if err != nil {
		// reported as an authentication failure so callers cannot tell a
		// corrupted envelope from a wrong password
		km.log.Debug().Err(err).Msg("sealed key envelope rejected")
		return nil, newError(KindAuthenticationFailure, op, nil)
	}

	unlockKey, err := crypto.DeriveUnlockKey(password, env.Salt, env.KDF)
	if err != nil {
		km.log.Debug().Err(err).Msg("unlock key derivation rejected")
		return nil, newError(KindAuthenticationFailure, op, nil)
	}
	defer unlockKey.Destroy()

	plain, err := crypto.Decrypt(unlockKey.Bytes(), env.Nonce, env.SealedData)
	if err != nil {
		return nil, newError(KindAuthenticationFailure, op, nil)
	}
	if len(plain) != misc.MasterKeySize {
		memguard.WipeBytes(plain)
		return nil, newError(KindAuthenticationFailure, op, nil)
	}

	return memguard.NewBufferFromBytes(plain), nil
}

// fail records a failed transition and returns err unchanged
func (km *KeyManager) fail(action string, err error) error {
	km.log.Warn().Str("action", action).Str("kind", KindOf(err).String()).Msg("key operation failed")
	_ = km.audit.Log(action+"_FAILED", false, map[string]interface{}{
		audit.KeyError: KindOf(err).String(),
	})
	return err
}
