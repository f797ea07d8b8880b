package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"southwinds.dev/coffer/internal/misc"
)

// cheap parameters keep the suite fast; cost values are covered by Validate
var testParams = Argon2Params{Time: 1, Memory: 64, Threads: 1, KeyLen: 32}

func TestDeriveUnlockKeyDeterministic(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)

	k1, err := DeriveUnlockKey([]byte("correct horse"), salt, testParams)
	require.NoError(t, err)
	defer k1.Destroy()

	k2, err := DeriveUnlockKey([]byte("correct horse"), salt, testParams)
	require.NoError(t, err)
	defer k2.Destroy()

	assert.Equal(t, 32, k1.Size())
	assert.True(t, k1.EqualTo(k2.Bytes()))

	k3, err := DeriveUnlockKey([]byte("correct horsE"), salt, testParams)
	require.NoError(t, err)
	defer k3.Destroy()
	assert.False(t, k1.EqualTo(k3.Bytes()))

	otherSalt, err := NewSalt()
	require.NoError(t, err)
	k4, err := DeriveUnlockKey([]byte("correct horse"), otherSalt, testParams)
	require.NoError(t, err)
	defer k4.Destroy()
	assert.False(t, k1.EqualTo(k4.Bytes()))
}

func TestDeriveUnlockKeyValidation(t *testing.T) {
	salt, _ := NewSalt()

	_, err := DeriveUnlockKey([]byte("pw"), salt[:8], testParams)
	assert.Error(t, err)

	bad := testParams
	bad.Time = 0
	_, err = DeriveUnlockKey([]byte("pw"), salt, bad)
	assert.Error(t, err)

	bad = testParams
	bad.KeyLen = 16
	assert.Error(t, bad.Validate())

	for name, mutate := range map[string]func(p *Argon2Params){
		"time":    func(p *Argon2Params) { p.Time = misc.MaxArgonTime + 1 },
		"memory":  func(p *Argon2Params) { p.Memory = 1 << 31 },
		"key_len": func(p *Argon2Params) { p.KeyLen = misc.MaxArgonKeyLen + 1 },
	} {
		bad = testParams
		mutate(&bad)
		assert.Error(t, bad.Validate(), name)
		_, err = DeriveUnlockKey([]byte("pw"), salt, bad)
		assert.Error(t, err, name)
	}

	assert.NoError(t, DefaultArgon2Params().Validate())
	assert.Equal(t, uint32(3), DefaultArgon2Params().Time)
	assert.Equal(t, uint32(65536), DefaultArgon2Params().Memory)
}

func TestDeriveFileKey(t *testing.T) {
	master, err := RandomBytes(32)
	require.NoError(t, err)

	a1, err := DeriveFileKey(master, "file-a")
	require.NoError(t, err)
	defer a1.Destroy()
	a2, err := DeriveFileKey(master, "file-a")
	require.NoError(t, err)
	defer a2.Destroy()
	assert.True(t, a1.EqualTo(a2.Bytes()), "derivation must be deterministic")

	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		k, err := DeriveFileKey(master, string(rune('a'+i%26))+string(rune(i)))
		require.NoError(t, err)
		seen[string(k.Bytes())] = struct{}{}
		k.Destroy()
	}
	assert.Len(t, seen, 1000, "distinct ids must give distinct keys")

	otherMaster, _ := RandomBytes(32)
	b, err := DeriveFileKey(otherMaster, "file-a")
	require.NoError(t, err)
	defer b.Destroy()
	assert.False(t, a1.EqualTo(b.Bytes()))

	_, err = DeriveFileKey(master, "")
	assert.Error(t, err)
	_, err = DeriveFileKey(master[:31], "file-a")
	assert.Error(t, err)
}

func TestRandomToken(t *testing.T) {
	tok, err := RandomToken(32)
	require.NoError(t, err)
	assert.Len(t, tok, 43)
	assert.NotContains(t, tok, "/")
	assert.NotContains(t, tok, "=")

	other, err := RandomToken(32)
	require.NoError(t, err)
	assert.NotEqual(t, tok, other)
}
