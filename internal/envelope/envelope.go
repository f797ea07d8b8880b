// Package envelope encodes the password-sealed master key for storage.
//
// The wire form is a JSON object with standard base64 fields:
//
//	{"version":1,"kdf":{...},"salt":"...","nonce":"...","sealed_data":"..."}
//
// Envelopes written without a version or kdf block are read with the
// default Argon2id parameters.
package envelope

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"southwinds.dev/coffer/internal/crypto"
	"southwinds.dev/coffer/internal/misc"
)

// ErrMalformedEnvelope is returned when stored bytes do not decode to a valid envelope
var ErrMalformedEnvelope = errors.New("malformed sealed key envelope")

// Envelope holds the sealed master key and the parameters needed to unseal it
type Envelope struct {
	Version    int
	KDF        crypto.Argon2Params
	Salt       []byte
	Nonce      []byte
	SealedData []byte
}

type wireEnvelope struct {
	Version    int                  `json:"version,omitempty"`
	KDF        *crypto.Argon2Params `json:"kdf,omitempty"`
	Salt       *string              `json:"salt"`
	Nonce      *string              `json:"nonce"`
	SealedData *string              `json:"sealed_data"`
}

// New builds a current-version envelope
func New(salt, nonce, sealedData []byte, kdf crypto.Argon2Params) Envelope {
	return Envelope{
		Version:    misc.EnvelopeVersion,
		KDF:        kdf,
		Salt:       salt,
		Nonce:      nonce,
		SealedData: sealedData,
	}
}

// Encode serializes the envelope. Field lengths are checked so that an
// envelope which could never be decoded is never written.
func Encode(e Envelope) ([]byte, error) {
	if err := validate(e.Salt, e.Nonce, e.SealedData); err != nil {
		return nil, err
	}
	if err := e.KDF.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	version := e.Version
	if version == 0 {
		version = misc.EnvelopeVersion
	}
	salt := base64.StdEncoding.EncodeToString(e.Salt)
	nonce := base64.StdEncoding.EncodeToString(e.Nonce)
	sealed := base64.StdEncoding.EncodeToString(e.SealedData)
	kdf := e.KDF

	return json.Marshal(wireEnvelope{
		Version:    version,
		KDF:        &kdf,
		Salt:       &salt,
		Nonce:      &nonce,
		SealedData: &sealed,
	})
}

// Decode parses envelope bytes written by Encode
func Decode(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if w.Salt == nil || w.Nonce == nil || w.SealedData == nil {
		return Envelope{}, fmt.Errorf("%w: missing field", ErrMalformedEnvelope)
	}
	if w.Version > misc.EnvelopeVersion {
		return Envelope{}, fmt.Errorf("%w: unsupported version %d", ErrMalformedEnvelope, w.Version)
	}

	salt, err := decodeField("salt", *w.Salt)
	if err != nil {
		return Envelope{}, err
	}
	nonce, err := decodeField("nonce", *w.Nonce)
	if err != nil {
		return Envelope{}, err
	}
	sealed, err := decodeField("sealed_data", *w.SealedData)
	if err != nil {
		return Envelope{}, err
	}
	if err = validate(salt, nonce, sealed); err != nil {
		return Envelope{}, err
	}

	kdf := crypto.DefaultArgon2Params()
	if w.KDF != nil {
		kdf = *w.KDF
		if err = kdf.Validate(); err != nil {
			return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
		}
	}

	version := w.Version
	if version == 0 {
		version = misc.EnvelopeVersion
	}

	return Envelope{
		Version:    version,
		KDF:        kdf,
		Salt:       salt,
		Nonce:      nonce,
		SealedData: sealed,
	}, nil
}

func decodeField(name, value string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not valid base64", ErrMalformedEnvelope, name)
	}
	return b, nil
}

func validate(salt, nonce, sealedData []byte) error {
	if len(salt) != misc.SaltSize {
		return fmt.Errorf("%w: salt must be %d bytes, got %d", ErrMalformedEnvelope, misc.SaltSize, len(salt))
	}
	if len(nonce) != misc.NonceSize {
		return fmt.Errorf("%w: nonce must be %d bytes, got %d", ErrMalformedEnvelope, misc.NonceSize, len(nonce))
	}
	if len(sealedData) < misc.TagSize {
		return fmt.Errorf("%w: sealed data shorter than authentication tag", ErrMalformedEnvelope)
	}
	return nil
}
