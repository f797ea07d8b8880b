package coffer

import (
	"errors"
	"strings"
)

// ErrorKind classifies every failure the vault reports
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindVaultLocked means the operation needs the master key and the vault is locked
	KindVaultLocked
	// KindAuthenticationFailure covers a wrong password, a corrupted envelope and a tampered blob
	KindAuthenticationFailure
	// KindMalformedEnvelope means stored envelope bytes could not be decoded
	KindMalformedEnvelope
	// KindNotFound means no active record exists for the id and owner, or its blob is gone
	KindNotFound
	// KindIOFailure wraps storage and catalog errors
	KindIOFailure
	// KindEraseFailure means a blob could not be overwritten or removed
	KindEraseFailure
	// KindInvalidInput rejects arguments before anything is touched
	KindInvalidInput
	// KindNotProvisioned means no sealed master key exists yet
	KindNotProvisioned
	// KindAlreadyProvisioned refuses to replace an existing sealed master key
	KindAlreadyProvisioned
)

var kindNames = map[ErrorKind]string{
	KindUnknown:               "unknown error",
	KindVaultLocked:           "vault is locked",
	KindAuthenticationFailure: "authentication failed",
	KindMalformedEnvelope:     "malformed sealed key envelope",
	KindNotFound:              "file not found",
	KindIOFailure:             "storage failure",
	KindEraseFailure:          "secure erase failed",
	KindInvalidInput:          "invalid input",
	KindNotProvisioned:        "vault is not provisioned",
	KindAlreadyProvisioned:    "vault is already provisioned",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return kindNames[KindUnknown]
}

// Sentinels for errors.Is; any *Error of the same kind matches.
var (
	ErrVaultLocked           = &Error{Kind: KindVaultLocked}
	ErrAuthenticationFailure = &Error{Kind: KindAuthenticationFailure}
	ErrDecryptionFailure     = &Error{Kind: KindAuthenticationFailure}
	ErrMalformedEnvelope     = &Error{Kind: KindMalformedEnvelope}
	ErrNotFound              = &Error{Kind: KindNotFound}
	ErrIOFailure             = &Error{Kind: KindIOFailure}
	ErrEraseFailure          = &Error{Kind: KindEraseFailure}
	ErrInvalidInput          = &Error{Kind: KindInvalidInput}
	ErrNotProvisioned        = &Error{Kind: KindNotProvisioned}
	ErrAlreadyProvisioned    = &Error{Kind: KindAlreadyProvisioned}
)

// Error is the error type returned by vault operations
type Error struct {
	Kind   ErrorKind
	Op     string // e.g. "store", "unlock"
	FileID string
	Err    error // underlying cause, may be nil
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("coffer")
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.FileID != "" {
		b.WriteString(" ")
		b.WriteString(e.FileID)
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.String())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func newFileError(kind ErrorKind, op, fileID string, err error) *Error {
	return &Error{Kind: kind, Op: op, FileID: fileID, Err: err}
}
