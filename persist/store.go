package persist

import (
	"errors"
	"fmt"
	"time"
)

// ErrEnvelopeNotFound is returned by LoadEnvelope when no sealed key has been persisted
var ErrEnvelopeNotFound = errors.New("sealed key envelope not found")

// VersionedData represents data with its version information
type VersionedData struct {
	Data      []byte
	Version   string // ETag or content hash
	Timestamp time.Time
}

// Store persists the sealed master key envelope.
// Everything passed to a Store is already sealed by the key manager, the
// store never sees key material in the clear.
type Store interface {

	// SaveEnvelope atomically replaces the stored envelope.
	// When expectedVersion is not empty the write only succeeds if the stored
	// envelope still has that version, otherwise a ConcurrencyError is returned.
	SaveEnvelope(envelope []byte, expectedVersion string) (newVersion string, err error)

	// LoadEnvelope returns the stored envelope and its version, or ErrEnvelopeNotFound.
	LoadEnvelope() (*VersionedData, error)

	// EnvelopeExists reports whether an envelope has been persisted
	EnvelopeExists() (bool, error)

	// Ping tests the connectivity for remote backends
	Ping() error

	// Close releases any resources held by the store
	Close() error

	// GetType returns the backend type, see StoreType
	GetType() string
}

// StoreConfig provides configuration for different storage backends.
//
// Example usage:
//
//	config := StoreConfig{
//	    Type:   StoreTypeFileSystem,
//	    Config: map[string]interface{}{"path": "/var/lib/coffer/master.key"},
//	}
type StoreConfig struct {
	// Type specifies the storage backend to be used
	Type StoreType `json:"type"`

	// Config contains backend specific settings.
	// The filesystem backend reads "path"; the S3 backend reads the S3Config fields.
	Config map[string]interface{} `json:"config"`
}

// StoreType represents the different types of storage backends that can be used.
type StoreType string

// Supported storage types.
const (
	// StoreTypeFileSystem keeps the envelope in a single local file
	StoreTypeFileSystem StoreType = "filesystem"

	// StoreTypeS3 keeps the envelope as an object in an S3 compatible bucket
	StoreTypeS3 StoreType = "s3"
)

// ConcurrencyError represents version conflict errors
type ConcurrencyError struct {
	ExpectedVersion string
	ActualVersion   string
	Operation       string
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("version conflict in %s: expected version %s, but found %s",
		e.Operation, e.ExpectedVersion, e.ActualVersion)
}

func (e ConcurrencyError) IsConcurrencyError() bool {
	return true
}

// IsConcurrencyError reports whether err is, or wraps, a version conflict
func IsConcurrencyError(err error) bool {
	var ce ConcurrencyError
	return errors.As(err, &ce)
}
