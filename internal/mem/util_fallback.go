//go:build !linux && !darwin && !freebsd && !openbsd && !netbsd && !dragonfly && !windows

package mem

func lockMemoryPlatform() (ProtectionLevel, error) {
	// no mlock here; memguard still guards the key buffers
	return ProtectionPartial, nil
}

func unlockMemoryPlatform() error {
	return nil
}
