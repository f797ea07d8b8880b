package misc

import "time"

const (
	// EnvelopeVersion is the current sealed master key envelope format
	EnvelopeVersion = 1

	// Argon2id unlock-key derivation defaults
	ArgonTime    uint32 = 3
	ArgonMemory  uint32 = 64 * 1024 // KiB
	ArgonThreads uint8  = 1
	ArgonKeyLen  uint32 = 32

	// Upper bounds on Argon2id cost read back from an envelope
	MaxArgonTime   uint32 = 64
	MaxArgonMemory uint32 = 4 * 1024 * 1024 // KiB
	MaxArgonKeyLen uint32 = 1024

	// Key material sizes
	MasterKeySize = 32
	FileKeySize   = 32
	SaltSize      = 32
	NonceSize     = 12
	TagSize       = 16

	// FileNameEntropy is the number of random bytes behind an on-disk blob name
	FileNameEntropy = 32

	// ErasePasses is the minimum number of overwrite passes for secure erasure
	ErasePasses = 3

	// IdleTimeout locks an unlocked vault that has not been used for this long
	IdleTimeout = 10 * time.Minute

	FilePermissions = 0600 // user read + write
	DirPermissions  = 0700 // user rwx
)
