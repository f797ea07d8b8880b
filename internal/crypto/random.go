package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"southwinds.dev/coffer/internal/misc"
)

// RandomBytes returns n bytes from the operating system CSPRNG
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}

// NewNonce returns a fresh 96-bit AEAD nonce
func NewNonce() ([]byte, error) {
	return RandomBytes(misc.NonceSize)
}

// NewSalt returns a fresh 256-bit password salt
func NewSalt() ([]byte, error) {
	return RandomBytes(misc.SaltSize)
}

// RandomToken returns n random bytes encoded as unpadded URL-safe base64,
// suitable as an unguessable file name
func RandomToken(n int) (string, error) {
	b, err := RandomBytes(n)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
