package coffer

import (
	"errors"
)

// RotatePassword reseals the existing master key under newPassword.
//
// The old password is always checked against the persisted envelope, even when
// the vault is unlocked, so a session left open cannot be used to take over the
// vault. The lock state is not changed. The master key value never changes, so
// every stored file stays readable.
//
// The replacement is conditional on the envelope that was verified: if another
// writer replaced it in the meantime the old password is verified again against
// the new envelope before retrying.
func (km *KeyManager) RotatePassword(oldPassword, newPassword []byte) error {
	const op = "rotate password"

	km.mu.Lock()
	defer km.mu.Unlock()

	if len(oldPassword) == 0 || len(newPassword) == 0 {
		return km.fail("PASSWORD_ROTATE", newError(KindInvalidInput, op, errors.New("passwords cannot be empty")))
	}

	err := withRetry(op, func() error {
		masterKey, version, err := km.unsealStored(op, oldPassword)
		if err != nil {
			return err
		}
		defer masterKey.Destroy()

		data, err := km.Seal(masterKey, newPassword)
		if err != nil {
			return err
		}

		if _, err = km.store.SaveEnvelope(data, version); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		if KindOf(err) == KindUnknown {
			err = newError(KindIOFailure, op, err)
		}
		return km.fail("PASSWORD_ROTATE", err)
	}

	km.Touch()
	km.log.Info().Msg("vault password rotated")
	_ = km.audit.Log("PASSWORD_ROTATE_COMPLETED", true, map[string]interface{}{
		"argon2_time_cost":   km.params.Time,
		"argon2_memory_cost": km.params.Memory,
	})
	return nil
}
