//go:build unix

package security

import "golang.org/x/sys/unix"

// lockMemory pins pages holding sensitive data so they cannot be swapped.
func lockMemory(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return unix.Mlock(data)
}

// unlockMemory releases pages previously pinned by lockMemory.
func unlockMemory(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return unix.Munlock(data)
}
