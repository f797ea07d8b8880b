package coffer

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"southwinds.dev/coffer/internal/crypto"
	"southwinds.dev/coffer/internal/misc"
)

// Options configures a vault.
//
// Sealed key location, blob directory and catalog are only read by New; callers
// of NewWithStore supply those collaborators directly. The Argon2id fields set
// the cost used when sealing. Unlocking always uses the parameters recorded in
// the envelope, so changing them never locks out an existing vault; the next
// password rotation reseals under the new cost.
type Options struct {
	// MasterKeyFile is where the sealed master key envelope is written
	MasterKeyFile string `json:"master_key_file" yaml:"master_key_file"`

	// VaultDir holds the encrypted file blobs
	VaultDir string `json:"vault_dir" yaml:"vault_dir"`

	// CatalogDSN is the SQLite database holding file records, ":memory:" is allowed
	CatalogDSN string `json:"catalog_dsn" yaml:"catalog_dsn"`

	// Argon2id cost. Memory is in KiB.
	ArgonTime    uint32 `json:"argon2_time_cost" yaml:"argon2_time_cost"`
	ArgonMemory  uint32 `json:"argon2_memory_cost" yaml:"argon2_memory_cost"`
	ArgonThreads uint8  `json:"argon2_parallelism" yaml:"argon2_parallelism"`

	// KeyLength is the Argon2id output length; only the first 32 bytes are used
	KeyLength uint32 `json:"key_length" yaml:"key_length"`

	// ErasePasses is the number of random overwrites before a blob is unlinked
	ErasePasses int `json:"erase_passes" yaml:"erase_passes"`

	// IdleTimeout locks the vault after this long without key use; zero disables
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`

	// EnableMemoryLock asks the OS to keep process memory out of swap
	EnableMemoryLock bool `json:"enable_memory_lock" yaml:"enable_memory_lock"`

	// Logger receives operational logs. The zero value discards them.
	Logger zerolog.Logger `json:"-" yaml:"-"`
}

// DefaultOptions returns production settings with no paths filled in
func DefaultOptions() Options {
	return Options{
		ArgonTime:    misc.ArgonTime,
		ArgonMemory:  misc.ArgonMemory,
		ArgonThreads: misc.ArgonThreads,
		KeyLength:    misc.ArgonKeyLen,
		ErasePasses:  misc.ErasePasses,
		IdleTimeout:  misc.IdleTimeout,
		Logger:       zerolog.Nop(),
	}
}

// Validate validates the Options configuration
func (o Options) Validate() error {
	if err := o.argon2Params().Validate(); err != nil {
		return fmt.Errorf("invalid key derivation settings: %w", err)
	}
	if o.ErasePasses < misc.ErasePasses {
		return fmt.Errorf("erase passes must be at least %d, got %d", misc.ErasePasses, o.ErasePasses)
	}
	if o.IdleTimeout < 0 {
		return fmt.Errorf("idle timeout cannot be negative")
	}
	return nil
}

// validatePaths checks the fields New needs to build its own collaborators
func (o Options) validatePaths() error {
	if o.MasterKeyFile == "" {
		return fmt.Errorf("master key file location is required")
	}
	if o.VaultDir == "" {
		return fmt.Errorf("vault directory is required")
	}
	if o.CatalogDSN == "" {
		return fmt.Errorf("catalog dsn is required")
	}
	return nil
}

func (o Options) argon2Params() crypto.Argon2Params {
	return crypto.Argon2Params{
		Time:    o.ArgonTime,
		Memory:  o.ArgonMemory,
		Threads: o.ArgonThreads,
		KeyLen:  o.KeyLength,
	}
}
