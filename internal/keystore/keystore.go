// Package keystore implements the hierarchical key source chain for appguard.
//
// Keys are resolved from an ordered list of backends, highest assurance
// first:
//   - StrongBox: discrete hardware security module
//   - TEE: hardware-isolated keystore without a discrete module
//   - DeviceBound: hardware-backed material additionally bound to a
//     device-derived attestation challenge
//   - Software: random key material persisted by the process
//   - SimpleSoftware: deterministic device-fingerprint material with no
//     key-generation API dependency at all
//
// Every tier failure is caught, logged with a structured reason, and control
// falls through to the next tier. Only exhaustion of the SimpleSoftware tier
// can surface an error, and callers must treat that as a fatal configuration
// problem. Resolution is idempotent per alias: the second call for the same
// alias returns the key created by the first, so a signature made yesterday
// still verifies today.
package keystore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"appguard/internal/logging"
	"appguard/internal/security"
)

// Tier identifies a key source, ordered by preference (StrongBox highest).
type Tier int

const (
	TierSimpleSoftware Tier = iota
	TierSoftware
	TierDeviceBound
	TierTEE
	TierStrongBox
)

// String returns the canonical tier name.
func (t Tier) String() string {
	switch t {
	case TierStrongBox:
		return "strongbox"
	case TierTEE:
		return "tee"
	case TierDeviceBound:
		return "device_bound"
	case TierSoftware:
		return "software"
	case TierSimpleSoftware:
		return "simple_software"
	default:
		return fmt.Sprintf("Unknown(%d)", int(t))
	}
}

// HardwareBacked reports whether key material at this tier never leaves a
// hardware-isolated store.
func (t Tier) HardwareBacked() bool {
	return t >= TierDeviceBound
}

// storageSuffix returns the per-tier alias suffix. Each tier owns a distinct,
// stable storage alias so that falling back never overwrites a higher tier's
// material.
func (t Tier) storageSuffix() string {
	return "." + t.String()
}

// Well-known key aliases.
const (
	AliasConfigMAC   = "appguard.config.mac"
	AliasTamperMAC   = "appguard.tamper.mac"
	AliasArtifactMAC = "appguard.artifact.mac"
)

// derivationMarker is the fixed block encrypted under non-exportable
// hardware keys to derive an HMAC-usable secret. Changing it invalidates
// every signature produced by hardware-backed keys.
const derivationMarker = "appguard-hmac-derivation-v1"

// Errors
var (
	ErrTierUnavailable = errors.New("keystore: tier unavailable")
	ErrKeyNotFound     = errors.New("keystore: key not found")
	ErrExhausted       = errors.New("keystore: all key tiers exhausted")
)

// KeyHandle is a capability reference to key material held by a backend.
// Hardware-backed handles never expose the underlying secret.
type KeyHandle interface {
	// Alias returns the storage alias the handle was created under.
	Alias() string

	// Exportable returns the raw symmetric secret for software-tier keys.
	// Hardware-isolated handles return (nil, false).
	Exportable() ([]byte, bool)

	// EncryptDerivationBlock encrypts the given block under the key. Used
	// to derive an HMAC-usable secret from encryption-only hardware keys.
	// The output need not be stable across calls; callers cache the
	// derived secret.
	EncryptDerivationBlock(block []byte) ([]byte, error)
}

// Backend is a single key source in the fallback chain.
type Backend interface {
	// Tier returns the assurance tier this backend provides.
	Tier() Tier

	// Available reports whether the backend can plausibly serve keys on
	// this device. It must be cheap and side-effect free.
	Available() bool

	// Exists reports whether key material exists under the alias.
	Exists(alias string) (bool, error)

	// CreateKey generates new key material under the alias. It fails if
	// material already exists.
	CreateKey(alias string) (KeyHandle, error)

	// OpenKey loads previously created key material.
	OpenKey(alias string) (KeyHandle, error)

	// DeleteKey removes key material under the alias. Deleting a missing
	// alias is not an error.
	DeleteKey(alias string) error
}

// ResolvedKey pairs a key handle with the tier that actually produced it.
// The tier always reflects the backend that served the request, never the
// one that was asked for, so silent fallback stays observable.
type ResolvedKey struct {
	handle KeyHandle
	tier   Tier

	// derived caches the HMAC-usable secret for non-exportable handles.
	// Hardware ciphers use fresh nonces, so re-deriving on every sign call
	// would produce a different key and break verification symmetry.
	mu      sync.Mutex
	derived []byte
}

// Tier returns the tier that produced the key material.
func (k *ResolvedKey) Tier() Tier { return k.tier }

// Alias returns the storage alias of the underlying handle.
func (k *ResolvedKey) Alias() string { return k.handle.Alias() }

// HMACKey materializes a 32-byte secret usable as an HMAC-SHA256 key.
// Software-tier keys are used directly; hardware-backed keys encrypt a
// fixed marker block and expand the ciphertext through labeled HKDF, with
// the result cached for the lifetime of the resolved key.
func (k *ResolvedKey) HMACKey() ([]byte, error) {
	if secret, ok := k.handle.Exportable(); ok {
		if len(secret) == 32 {
			return secret, nil
		}
		sum := sha256.Sum256(secret)
		return sum[:], nil
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.derived != nil {
		return k.derived, nil
	}

	ct, err := k.handle.EncryptDerivationBlock([]byte(derivationMarker))
	if err != nil {
		return nil, fmt.Errorf("keystore: derive HMAC key for %s: %w", k.handle.Alias(), err)
	}
	derived, err := security.DeriveKeyWithLabel(ct, "hmac-derivation", security.RecommendedKeySize)
	if err != nil {
		return nil, fmt.Errorf("keystore: derive HMAC key for %s: %w", k.handle.Alias(), err)
	}
	k.derived = derived
	return k.derived, nil
}

// Attempt records the outcome of one tier attempt during resolution.
type Attempt struct {
	Tier   Tier
	Reason string
}

// Resolver walks the backend chain and owns the alias registry.
// It is safe for concurrent use; at most one generation attempt per alias
// can succeed even under concurrent first use.
type Resolver struct {
	backends []Backend // ordered highest tier first
	logger   *slog.Logger
	audit    *logging.AuditLogger

	mu       sync.Mutex
	registry map[string]*ResolvedKey // storage alias -> key
	locks    map[string]*sync.Mutex  // storage alias -> generation lock
}

// NewResolverWithBackends creates a resolver over an explicit backend chain.
// Backends are tried in the order given; callers are expected to pass them
// highest tier first.
func NewResolverWithBackends(logger *slog.Logger, backends ...Backend) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		backends: backends,
		logger:   logger,
		registry: make(map[string]*ResolvedKey),
		locks:    make(map[string]*sync.Mutex),
	}
}

// SetAuditLogger routes key lifecycle events (generation, first access,
// rotation) to the audit trail. A nil logger disables auditing.
func (r *Resolver) SetAuditLogger(audit *logging.AuditLogger) {
	r.audit = audit
}

// Backends returns the chain in resolution order.
func (r *Resolver) Backends() []Backend {
	out := make([]Backend, len(r.backends))
	copy(out, r.backends)
	return out
}

// GetBestAvailable resolves the alias at the highest tier that works on
// this device.
func (r *Resolver) GetBestAvailable(alias string) (*ResolvedKey, error) {
	return r.ResolveFrom(alias, TierStrongBox)
}

// Resolve is shorthand for GetBestAvailable.
func (r *Resolver) Resolve(alias string) (*ResolvedKey, error) {
	return r.GetBestAvailable(alias)
}

// ResolveFrom resolves the alias starting at the given tier and falling
// through lower tiers on any failure. It never returns an error unless the
// whole chain, including SimpleSoftware, is exhausted.
func (r *Resolver) ResolveFrom(alias string, highest Tier) (*ResolvedKey, error) {
	var attempts []Attempt

	for _, b := range r.backends {
		if b.Tier() > highest {
			continue
		}

		key, err := r.resolveOne(b, alias)
		if err != nil {
			attempts = append(attempts, Attempt{Tier: b.Tier(), Reason: err.Error()})
			r.logger.Warn("key tier failed, falling back",
				"alias", alias,
				"tier", b.Tier().String(),
				"reason", err.Error(),
			)
			continue
		}

		if len(attempts) > 0 {
			r.logger.Info("key resolved after fallback",
				"alias", alias,
				"tier", key.Tier().String(),
				"failed_tiers", len(attempts),
			)
		}
		return key, nil
	}

	return nil, fmt.Errorf("%w: alias %s (%d tiers attempted)", ErrExhausted, alias, len(attempts))
}

// resolveOne obtains the key for one backend, creating it on first use.
// A per-alias lock guarantees a single generation even under concurrent
// first use; subsequent calls return the registry entry.
func (r *Resolver) resolveOne(b Backend, alias string) (*ResolvedKey, error) {
	if !b.Available() {
		return nil, fmt.Errorf("%w: %s", ErrTierUnavailable, b.Tier())
	}

	storageAlias := alias + b.Tier().storageSuffix()

	r.mu.Lock()
	if key, ok := r.registry[storageAlias]; ok {
		r.mu.Unlock()
		return key, nil
	}
	lock, ok := r.locks[storageAlias]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[storageAlias] = lock
	}
	r.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	// Re-check after winning the generation lock.
	r.mu.Lock()
	if key, ok := r.registry[storageAlias]; ok {
		r.mu.Unlock()
		return key, nil
	}
	r.mu.Unlock()

	handle, created, err := r.openOrCreate(b, storageAlias)
	if err != nil {
		return nil, err
	}

	key := &ResolvedKey{handle: handle, tier: b.Tier()}
	r.mu.Lock()
	r.registry[storageAlias] = key
	r.mu.Unlock()

	if r.audit != nil {
		event := logging.AuditEventKeyAccess
		if created {
			event = logging.AuditEventKeyGenerated
		}
		if err := r.audit.LogKeyEvent(event, alias, b.Tier().String(), "success"); err != nil {
			r.logger.Warn("audit write failed", "alias", alias, "error", err.Error())
		}
	}
	return key, nil
}

func (r *Resolver) openOrCreate(b Backend, storageAlias string) (KeyHandle, bool, error) {
	exists, err := b.Exists(storageAlias)
	if err != nil {
		return nil, false, fmt.Errorf("probe alias %s: %w", storageAlias, err)
	}
	if exists {
		handle, err := b.OpenKey(storageAlias)
		return handle, false, err
	}
	handle, err := b.CreateKey(storageAlias)
	return handle, true, err
}

// WouldSucceed probes whether a tier can serve keys on this device without
// leaking persistent state: the probe key is created under an ephemeral
// alias and deleted before returning.
func (r *Resolver) WouldSucceed(t Tier) bool {
	b := r.backendFor(t)
	if b == nil || !b.Available() {
		return false
	}

	var nonce [8]byte
	if err := security.GenerateSecureRandom(nonce[:]); err != nil {
		return false
	}
	probeAlias := "appguard.probe." + hex.EncodeToString(nonce[:]) + t.storageSuffix()

	handle, err := b.CreateKey(probeAlias)
	if err != nil {
		return false
	}
	defer func() {
		if err := b.DeleteKey(probeAlias); err != nil {
			r.logger.Warn("probe key cleanup failed", "alias", probeAlias, "error", err.Error())
		}
	}()

	// The key must also be usable, not merely creatable.
	if _, ok := handle.Exportable(); ok {
		return true
	}
	_, err = handle.EncryptDerivationBlock([]byte(derivationMarker))
	return err == nil
}

// ProbeAll reports capability per configured tier.
func (r *Resolver) ProbeAll() map[Tier]bool {
	result := make(map[Tier]bool, len(r.backends))
	for _, b := range r.backends {
		result[b.Tier()] = r.WouldSucceed(b.Tier())
	}
	return result
}

// Rotate destroys the key material behind an alias at the tier currently
// serving it and generates a replacement. Every MAC produced under the old
// key becomes unverifiable; this is an explicit, destructive operation.
func (r *Resolver) Rotate(alias string) (*ResolvedKey, error) {
	current, err := r.GetBestAvailable(alias)
	if err != nil {
		return nil, err
	}

	b := r.backendFor(current.Tier())
	if b == nil {
		return nil, fmt.Errorf("%w: %s", ErrTierUnavailable, current.Tier())
	}

	storageAlias := alias + current.Tier().storageSuffix()

	r.mu.Lock()
	lock := r.locks[storageAlias]
	r.mu.Unlock()
	if lock != nil {
		lock.Lock()
		defer lock.Unlock()
	}

	if err := b.DeleteKey(storageAlias); err != nil {
		return nil, fmt.Errorf("rotate %s: delete old material: %w", alias, err)
	}

	handle, err := b.CreateKey(storageAlias)
	if err != nil {
		return nil, fmt.Errorf("rotate %s: create replacement: %w", alias, err)
	}

	key := &ResolvedKey{handle: handle, tier: current.Tier()}
	r.mu.Lock()
	r.registry[storageAlias] = key
	r.mu.Unlock()

	r.logger.Info("key rotated", "alias", alias, "tier", current.Tier().String())
	if r.audit != nil {
		if err := r.audit.LogKeyEvent(logging.AuditEventKeyRotated, alias, current.Tier().String(), "success"); err != nil {
			r.logger.Warn("audit write failed", "alias", alias, "error", err.Error())
		}
	}
	return key, nil
}

func (r *Resolver) backendFor(t Tier) Backend {
	for _, b := range r.backends {
		if b.Tier() == t {
			return b
		}
	}
	return nil
}
