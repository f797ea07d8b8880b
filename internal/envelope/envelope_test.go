package envelope

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"southwinds.dev/coffer/internal/crypto"
)

func sample(t *testing.T) Envelope {
	t.Helper()
	salt, err := crypto.NewSalt()
	require.NoError(t, err)
	nonce, err := crypto.NewNonce()
	require.NoError(t, err)
	sealed, err := crypto.RandomBytes(48)
	require.NoError(t, err)
	return New(salt, nonce, sealed, crypto.DefaultArgon2Params())
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	e := sample(t)

	data, err := Encode(e)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)

	assert.True(t, bytes.Equal(e.Salt, got.Salt))
	assert.True(t, bytes.Equal(e.Nonce, got.Nonce))
	assert.True(t, bytes.Equal(e.SealedData, got.SealedData))
	assert.Equal(t, e.KDF, got.KDF)
	assert.Equal(t, 1, got.Version)
}

func TestDecodeWithoutKDFBlock(t *testing.T) {
	e := sample(t)
	raw := map[string]string{
		"salt":        base64.StdEncoding.EncodeToString(e.Salt),
		"nonce":       base64.StdEncoding.EncodeToString(e.Nonce),
		"sealed_data": base64.StdEncoding.EncodeToString(e.SealedData),
	}
	data, err := json.Marshal(raw)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, crypto.DefaultArgon2Params(), got.KDF)
}

func TestDecodeMalformed(t *testing.T) {
	e := sample(t)
	good := map[string]interface{}{
		"salt":        base64.StdEncoding.EncodeToString(e.Salt),
		"nonce":       base64.StdEncoding.EncodeToString(e.Nonce),
		"sealed_data": base64.StdEncoding.EncodeToString(e.SealedData),
	}

	mutate := func(fn func(m map[string]interface{})) []byte {
		m := make(map[string]interface{}, len(good))
		for k, v := range good {
			m[k] = v
		}
		fn(m)
		b, _ := json.Marshal(m)
		return b
	}

	cases := map[string][]byte{
		"not json":       []byte("{nope"),
		"empty":          {},
		"missing salt":   mutate(func(m map[string]interface{}) { delete(m, "salt") }),
		"missing nonce":  mutate(func(m map[string]interface{}) { delete(m, "nonce") }),
		"missing sealed": mutate(func(m map[string]interface{}) { delete(m, "sealed_data") }),
		"bad base64":     mutate(func(m map[string]interface{}) { m["salt"] = "!!!" }),
		"short salt":     mutate(func(m map[string]interface{}) { m["salt"] = base64.StdEncoding.EncodeToString(e.Salt[:16]) }),
		"long nonce":     mutate(func(m map[string]interface{}) { m["nonce"] = base64.StdEncoding.EncodeToString(append(e.Nonce, 0)) }),
		"short sealed": mutate(func(m map[string]interface{}) {
			m["sealed_data"] = base64.StdEncoding.EncodeToString(e.SealedData[:15])
		}),
		"future version": mutate(func(m map[string]interface{}) { m["version"] = 99 }),
		"bad kdf":        mutate(func(m map[string]interface{}) { m["kdf"] = map[string]int{"time": 0} }),
	}

	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(data)
			assert.ErrorIs(t, err, ErrMalformedEnvelope)
		})
	}
}

func TestDecodeRejectsExcessiveCost(t *testing.T) {
	e := sample(t)
	for _, kdf := range []map[string]uint64{
		{"time": 3, "memory": 1 << 31, "threads": 1, "key_len": 32},
		{"time": 1 << 20, "memory": 65536, "threads": 1, "key_len": 32},
		{"time": 3, "memory": 65536, "threads": 1, "key_len": 1 << 30},
	} {
		raw := map[string]interface{}{
			"version":     1,
			"salt":        base64.StdEncoding.EncodeToString(e.Salt),
			"nonce":       base64.StdEncoding.EncodeToString(e.Nonce),
			"sealed_data": base64.StdEncoding.EncodeToString(e.SealedData),
			"kdf":         kdf,
		}
		data, err := json.Marshal(raw)
		require.NoError(t, err)

		_, err = Decode(data)
		assert.ErrorIs(t, err, ErrMalformedEnvelope, "%v", kdf)
	}
}

func TestEncodeRejectsInvalidFields(t *testing.T) {
	e := sample(t)
	e.Nonce = e.Nonce[:4]
	_, err := Encode(e)
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
}
