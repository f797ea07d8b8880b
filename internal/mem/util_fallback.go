//go:build !linux && !darwin && !freebsd && !openbsd && !netbsd && !dragonfly

package mem

// memguard still guards individual key buffers, the process just cannot pin all pages
func lockMemoryPlatform() (ProtectionLevel, error) {
	return ProtectionPartial, nil
}

func unlockMemoryPlatform() error {
	return nil
}
