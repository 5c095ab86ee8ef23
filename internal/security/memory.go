package security

import (
	"runtime"
	"sync"
)

// Wipe overwrites memory with zeros to prevent key recovery.
// Explicit writes plus a KeepAlive barrier prevent the compiler from
// optimizing the zeroing away.
func Wipe(data []byte) {
	for i := range data {
		data[i] = 0
	}
	runtime.KeepAlive(data)
}

// SecureBytes is a byte slice that gets zeroed when destroyed.
// Use this for sensitive data like key material and seeds.
type SecureBytes struct {
	data   []byte
	locked bool
	mu     sync.Mutex
}

// NewSecureBytes creates a new SecureBytes with the given size.
// The memory is locked to prevent swapping where the platform and
// privileges allow; failure to lock is not fatal.
func NewSecureBytes(size int) *SecureBytes {
	sb := &SecureBytes{
		data: make([]byte, size),
	}

	if err := lockMemory(sb.data); err == nil {
		sb.locked = true
	}

	runtime.SetFinalizer(sb, func(s *SecureBytes) {
		s.Destroy()
	})

	return sb
}

// SecureBytesFrom creates SecureBytes from existing data.
// The original slice is zeroed after copying.
func SecureBytesFrom(data []byte) *SecureBytes {
	sb := NewSecureBytes(len(data))
	copy(sb.data, data)
	Wipe(data)
	return sb
}

// Bytes returns the underlying byte slice.
// The returned slice must not be stored; use it immediately.
func (s *SecureBytes) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// Copy returns a copy of the data. The caller is responsible for wiping it.
func (s *SecureBytes) Copy() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil {
		return nil
	}
	result := make([]byte, len(s.data))
	copy(result, s.data)
	return result
}

// Len returns the length of the secure bytes.
func (s *SecureBytes) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// Destroy wipes and releases the memory.
func (s *SecureBytes) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil {
		return
	}
	Wipe(s.data)
	if s.locked {
		_ = unlockMemory(s.data)
		s.locked = false
	}
	s.data = nil
	runtime.SetFinalizer(s, nil)
}
