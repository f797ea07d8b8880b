package crypto

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	// ErrAuthentication is returned when a ciphertext fails tag verification
	ErrAuthentication = errors.New("message authentication failed")

	// ErrCiphertextTooShort is returned for blobs shorter than nonce plus tag
	ErrCiphertextTooShort = errors.New("ciphertext too short")
)

// Encrypt seals plaintext under a 256-bit key and 96-bit nonce with ChaCha20-Poly1305.
// The returned slice is ciphertext followed by the 16-byte Poly1305 tag.
// Callers must never reuse a nonce with the same key; use NewNonce for every call.
func Encrypt(key, nonce, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("invalid nonce size %d, expected %d", len(nonce), aead.NonceSize())
	}
	return aead.Seal(nil, nonce, plaintext, nil), nil
}

// Decrypt opens ciphertext+tag produced by Encrypt. Any tag mismatch yields
// ErrAuthentication and no plaintext.
func Decrypt(key, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("invalid nonce size %d, expected %d", len(nonce), aead.NonceSize())
	}
	if len(ciphertext) < aead.Overhead() {
		return nil, ErrCiphertextTooShort
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

// Seal encrypts plaintext with a fresh random nonce and returns nonce || ciphertext || tag
func Seal(key, plaintext []byte) ([]byte, error) {
	nonce, err := NewNonce()
	if err != nil {
		return nil, err
	}

	ciphertext, err := Encrypt(key, nonce, plaintext)
	if err != nil {
		return nil, err
	}

	blob := make([]byte, 0, len(nonce)+len(ciphertext))
	blob = append(blob, nonce...)
	blob = append(blob, ciphertext...)
	return blob, nil
}

// Open splits a blob produced by Seal and decrypts it
func Open(key, blob []byte) ([]byte, error) {
	nonce, ciphertext, err := SplitBlob(blob)
	if err != nil {
		return nil, err
	}
	return Decrypt(key, nonce, ciphertext)
}

// SplitBlob separates the leading nonce from ciphertext || tag
func SplitBlob(blob []byte) (nonce, ciphertext []byte, err error) {
	if len(blob) < chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
		return nil, nil, ErrCiphertextTooShort
	}
	return blob[:chacha20poly1305.NonceSize], blob[chacha20poly1305.NonceSize:], nil
}
