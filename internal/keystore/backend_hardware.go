package keystore

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"appguard/internal/security"
)

// hardwareModule abstracts a hardware security module. Key material is
// generated and sealed by the module; the host only ever stores opaque
// sealed blobs.
type hardwareModule interface {
	// Description identifies the module for logs.
	Description() string

	// Isolated reports whether the module is a discrete security chip
	// rather than firmware sharing the application processor.
	Isolated() bool

	// Available is a cheap presence check.
	Available() bool

	Open() error
	Close() error

	// DeviceID returns a stable identifier bound to the module.
	DeviceID() ([]byte, error)

	// GenerateSecret draws n bytes from the module's RNG.
	GenerateSecret(n int) ([]byte, error)

	// Seal wraps a secret so only this module can recover it.
	Seal(secret []byte) ([]byte, error)

	// Unseal recovers a sealed secret.
	Unseal(blob []byte) ([]byte, error)
}

// hardwareBackend serves a tier from a hardware module. Per-alias sealed
// blobs live on disk; the secrets inside are only recoverable through the
// module that sealed them, so copying the blob to another device yields
// nothing.
type hardwareBackend struct {
	tier   Tier
	module hardwareModule
	dir    string

	mu     sync.Mutex
	opened bool
}

// NewHardwareBackend wraps a module as the given tier with sealed blobs
// stored under dir.
func NewHardwareBackend(tier Tier, module hardwareModule, dir string) Backend {
	return &hardwareBackend{tier: tier, module: module, dir: dir}
}

func (h *hardwareBackend) Tier() Tier { return h.tier }

func (h *hardwareBackend) Available() bool {
	return h.module != nil && h.module.Available()
}

func (h *hardwareBackend) ensureOpen() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.opened {
		return nil
	}
	if err := h.module.Open(); err != nil {
		return err
	}
	h.opened = true
	return nil
}

func (h *hardwareBackend) blobPath(alias string) string {
	return filepath.Join(h.dir, sanitizeAlias(alias)+".blob")
}

func (h *hardwareBackend) Exists(alias string) (bool, error) {
	_, err := os.Stat(h.blobPath(alias))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (h *hardwareBackend) CreateKey(alias string) (KeyHandle, error) {
	if err := h.ensureOpen(); err != nil {
		return nil, fmt.Errorf("keystore: open %s: %w", h.module.Description(), err)
	}
	if err := os.MkdirAll(h.dir, 0700); err != nil {
		return nil, fmt.Errorf("keystore: create key dir: %w", err)
	}

	path := h.blobPath(alias)
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("keystore: alias %s already exists", alias)
	}

	secret, err := h.module.GenerateSecret(security.RecommendedKeySize)
	if err != nil {
		return nil, fmt.Errorf("keystore: module RNG: %w", err)
	}
	defer security.Wipe(secret)

	blob, err := h.module.Seal(secret)
	if err != nil {
		return nil, fmt.Errorf("keystore: seal: %w", err)
	}
	if err := writeFileAtomic(path, blob, 0600); err != nil {
		return nil, fmt.Errorf("keystore: persist sealed blob: %w", err)
	}
	return &hardwareHandle{alias: alias, module: h.module, blob: blob}, nil
}

func (h *hardwareBackend) OpenKey(alias string) (KeyHandle, error) {
	if err := h.ensureOpen(); err != nil {
		return nil, fmt.Errorf("keystore: open %s: %w", h.module.Description(), err)
	}

	blob, err := os.ReadFile(h.blobPath(alias))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, alias)
		}
		return nil, fmt.Errorf("keystore: read sealed blob: %w", err)
	}

	// Validate the blob against the current module state up front, so a
	// blob that no longer unseals surfaces at resolution time rather than
	// on first signature.
	secret, err := h.module.Unseal(blob)
	if err != nil {
		return nil, fmt.Errorf("keystore: unseal %s: %w", alias, err)
	}
	security.Wipe(secret)

	return &hardwareHandle{alias: alias, module: h.module, blob: blob}, nil
}

func (h *hardwareBackend) DeleteKey(alias string) error {
	err := os.Remove(h.blobPath(alias))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("keystore: delete sealed blob: %w", err)
	}
	return nil
}

// hardwareHandle is a non-exportable handle over a sealed secret.
type hardwareHandle struct {
	alias  string
	module hardwareModule
	blob   []byte
}

func (h *hardwareHandle) Alias() string { return h.alias }

func (h *hardwareHandle) Exportable() ([]byte, bool) { return nil, false }

func (h *hardwareHandle) EncryptDerivationBlock(block []byte) ([]byte, error) {
	secret, err := h.module.Unseal(h.blob)
	if err != nil {
		return nil, fmt.Errorf("keystore: unseal %s: %w", h.alias, err)
	}
	defer security.Wipe(secret)
	return encryptGCMDeterministic(secret, block)
}

// deviceBoundBackend layers device binding on top of a hardware backend:
// the inner key is additionally mixed with a challenge derived from the
// device identity and package name, so material only verifies on the device
// and application that produced it.
type deviceBoundBackend struct {
	inner     Backend
	challenge []byte
}

// NewDeviceBoundBackend binds keys from inner to the given device identity
// and package name.
func NewDeviceBoundBackend(inner Backend, deviceID, packageName string) Backend {
	return &deviceBoundBackend{
		inner:     inner,
		challenge: BindingChallenge(deviceID, packageName),
	}
}

// BindingChallenge derives the attestation challenge that binds key material
// to one device and package. The layout is fixed; offline signing tools
// reproduce it byte for byte.
func BindingChallenge(deviceID, packageName string) []byte {
	sum := sha256.Sum256([]byte(deviceID + ":" + packageName + ":SecurityModule:HMAC"))
	return sum[:]
}

func (d *deviceBoundBackend) Tier() Tier      { return TierDeviceBound }
func (d *deviceBoundBackend) Available() bool { return d.inner.Available() }

func (d *deviceBoundBackend) Exists(alias string) (bool, error) { return d.inner.Exists(alias) }
func (d *deviceBoundBackend) DeleteKey(alias string) error      { return d.inner.DeleteKey(alias) }

func (d *deviceBoundBackend) CreateKey(alias string) (KeyHandle, error) {
	handle, err := d.inner.CreateKey(alias)
	if err != nil {
		return nil, err
	}
	return &deviceBoundHandle{inner: handle, challenge: d.challenge}, nil
}

func (d *deviceBoundBackend) OpenKey(alias string) (KeyHandle, error) {
	handle, err := d.inner.OpenKey(alias)
	if err != nil {
		return nil, err
	}
	return &deviceBoundHandle{inner: handle, challenge: d.challenge}, nil
}

type deviceBoundHandle struct {
	inner     KeyHandle
	challenge []byte
}

func (h *deviceBoundHandle) Alias() string { return h.inner.Alias() }

func (h *deviceBoundHandle) Exportable() ([]byte, bool) { return nil, false }

func (h *deviceBoundHandle) EncryptDerivationBlock(block []byte) ([]byte, error) {
	bound := make([]byte, 0, len(h.challenge)+len(block))
	bound = append(bound, h.challenge...)
	bound = append(bound, block...)
	return h.inner.EncryptDerivationBlock(bound)
}
