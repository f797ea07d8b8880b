package coffer

import (
	"time"
)

const (
	minIdleCheck = 10 * time.Millisecond
	maxIdleCheck = 30 * time.Second
)

// startIdleWatcher locks the vault once the key has gone unused for idleTimeout
func (km *KeyManager) startIdleWatcher() {
	interval := km.idleTimeout / 4
	if interval < minIdleCheck {
		interval = minIdleCheck
	}
	if interval > maxIdleCheck {
		interval = maxIdleCheck
	}

	km.stopIdle = make(chan struct{})
	km.idleDone = make(chan struct{})

	go func() {
		defer close(km.idleDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-km.stopIdle:
				return
			case <-ticker.C:
				km.lockIfIdle()
			}
		}
	}()
}

// lockIfIdle re-checks activity under the write lock so a derivation that
// touched the key just before cannot be cut off
func (km *KeyManager) lockIfIdle() {
	km.mu.Lock()
	if km.masterKey == nil {
		km.mu.Unlock()
		return
	}
	idle := km.now().Sub(km.LastActivity())
	if idle < km.idleTimeout {
		km.mu.Unlock()
		return
	}
	km.masterKey.Destroy()
	km.masterKey = nil
	km.mu.Unlock()

	km.log.Info().Dur("idle", idle).Msg("vault locked after inactivity")
	_ = km.audit.Log("VAULT_AUTO_LOCK_COMPLETED", true, map[string]interface{}{
		"idle_seconds": int64(idle.Seconds()),
	})
}
