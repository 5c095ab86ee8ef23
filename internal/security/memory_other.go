//go:build !unix

package security

// Memory locking is not supported on this platform; wiping still works.

func lockMemory(data []byte) error   { return nil }
func unlockMemory(data []byte) error { return nil }
