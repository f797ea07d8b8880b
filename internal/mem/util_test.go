package mem

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProtectionLevelString(t *testing.T) {
	assert.Equal(t, "none", ProtectionNone.String())
	assert.Equal(t, "partial", ProtectionPartial.String())
	assert.Equal(t, "full", ProtectionFull.String())
}

func TestLockUnlock(t *testing.T) {
	level, err := Lock()
	if err != nil {
		t.Skipf("memory locking unavailable: %v", err)
	}
	assert.NotEqual(t, ProtectionNone, level)
	if level == ProtectionFull {
		assert.NoError(t, Unlock())
	}
}
