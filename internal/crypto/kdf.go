package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
	"southwinds.dev/coffer/internal/misc"
)

// fileKeySalt separates per-file keys from every other use of the master key
var fileKeySalt = []byte("coffer/file-key/v1")

// Argon2Params are the Argon2id cost parameters for password unlock keys.
// Memory is expressed in KiB.
type Argon2Params struct {
	Time    uint32 `json:"time"`
	Memory  uint32 `json:"memory"`
	Threads uint8  `json:"threads"`
	KeyLen  uint32 `json:"key_len"`
}

// DefaultArgon2Params returns the production cost parameters
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{
		Time:    misc.ArgonTime,
		Memory:  misc.ArgonMemory,
		Threads: misc.ArgonThreads,
		KeyLen:  misc.ArgonKeyLen,
	}
}

// Validate checks that the parameters can produce an AEAD key within bounded
// time and memory. Envelopes are read from storage, so both ends are enforced.
func (p Argon2Params) Validate() error {
	if p.Time == 0 || p.Time > misc.MaxArgonTime {
		return fmt.Errorf("argon2 time cost must be between 1 and %d, got %d", misc.MaxArgonTime, p.Time)
	}
	if p.Threads == 0 {
		return errors.New("argon2 parallelism must be at least 1")
	}
	if p.Memory < 8*uint32(p.Threads) {
		return fmt.Errorf("argon2 memory cost must be at least %d KiB", 8*uint32(p.Threads))
	}
	if p.Memory > misc.MaxArgonMemory {
		return fmt.Errorf("argon2 memory cost must be at most %d KiB, got %d", misc.MaxArgonMemory, p.Memory)
	}
	if p.KeyLen < 32 || p.KeyLen > misc.MaxArgonKeyLen {
		return fmt.Errorf("argon2 key length must be between 32 and %d bytes, got %d", misc.MaxArgonKeyLen, p.KeyLen)
	}
	return nil
}

// DeriveUnlockKey derives the 32-byte key that seals the master key from a
// password and salt using Argon2id. The result is deterministic for a given
// (password, salt, params) and lives in a guarded buffer the caller must Destroy.
func DeriveUnlockKey(password, salt []byte, params Argon2Params) (*memguard.LockedBuffer, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if len(salt) != misc.SaltSize {
		return nil, fmt.Errorf("invalid salt size %d, expected %d", len(salt), misc.SaltSize)
	}

	derived := argon2.IDKey(password, salt, params.Time, params.Memory, params.Threads, params.KeyLen)

	// only the first 32 bytes feed the AEAD
	key := memguard.NewBufferFromBytes(derived[:32])
	memguard.WipeBytes(derived)

	return key, nil
}

// DeriveFileKey expands the master key into an independent per-file key with
// HKDF-SHA256, using a fixed salt label and the file id as info.
func DeriveFileKey(masterKey []byte, fileID string) (*memguard.LockedBuffer, error) {
	if len(masterKey) != misc.MasterKeySize {
		return nil, fmt.Errorf("invalid master key size %d", len(masterKey))
	}
	if fileID == "" {
		return nil, errors.New("file id cannot be empty")
	}

	key := memguard.NewBuffer(misc.FileKeySize)
	stream := hkdf.New(sha256.New, masterKey, fileKeySalt, []byte(fileID))
	if _, err := io.ReadFull(stream, key.Bytes()); err != nil {
		key.Destroy()
		return nil, fmt.Errorf("failed to expand file key: %w", err)
	}

	return key, nil
}
