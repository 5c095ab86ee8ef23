package keystore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"appguard/internal/security"
)

// softwareBackend persists one random 32-byte seed file per alias. It is the
// last tier with real entropy: material is generated once and survives
// restarts, but an attacker with filesystem access can read it.
type softwareBackend struct {
	dir string
}

// NewSoftwareBackend returns the Software tier backed by seed files under
// dir. The directory is created lazily on first key generation.
func NewSoftwareBackend(dir string) Backend {
	return &softwareBackend{dir: dir}
}

func (s *softwareBackend) Tier() Tier      { return TierSoftware }
func (s *softwareBackend) Available() bool { return s.dir != "" }

func (s *softwareBackend) seedPath(alias string) string {
	return filepath.Join(s.dir, sanitizeAlias(alias)+".seed")
}

func (s *softwareBackend) Exists(alias string) (bool, error) {
	_, err := os.Stat(s.seedPath(alias))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (s *softwareBackend) CreateKey(alias string) (KeyHandle, error) {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return nil, fmt.Errorf("keystore: create key dir: %w", err)
	}

	path := s.seedPath(alias)
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("keystore: alias %s already exists", alias)
	}

	seed, err := security.GenerateKey(security.RecommendedKeySize)
	if err != nil {
		return nil, err
	}

	if err := writeFileAtomic(path, seed, 0600); err != nil {
		security.Wipe(seed)
		return nil, fmt.Errorf("keystore: persist seed: %w", err)
	}
	return &softwareHandle{alias: alias, secret: security.SecureBytesFrom(seed)}, nil
}

func (s *softwareBackend) OpenKey(alias string) (KeyHandle, error) {
	seed, err := os.ReadFile(s.seedPath(alias))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, alias)
		}
		return nil, fmt.Errorf("keystore: read seed: %w", err)
	}
	if err := security.ValidateKeyStrength(seed); err != nil {
		return nil, fmt.Errorf("keystore: seed for %s: %w", alias, err)
	}
	return &softwareHandle{alias: alias, secret: security.SecureBytesFrom(seed)}, nil
}

func (s *softwareBackend) DeleteKey(alias string) error {
	err := os.Remove(s.seedPath(alias))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("keystore: delete seed: %w", err)
	}
	// Drop the directory once the last seed is gone, so capability probes
	// on a box that never held keys leave nothing behind. Non-empty
	// directories stay.
	_ = os.Remove(s.dir)
	return nil
}

// softwareHandle keeps the seed in locked memory so it is not swapped to
// disk and is wiped once the handle is collected.
type softwareHandle struct {
	alias  string
	secret *security.SecureBytes
}

func (h *softwareHandle) Alias() string { return h.alias }

func (h *softwareHandle) Exportable() ([]byte, bool) { return h.secret.Bytes(), true }

func (h *softwareHandle) EncryptDerivationBlock(block []byte) ([]byte, error) {
	return encryptGCM(h.secret.Bytes(), block)
}

// simpleBackend is the tier of last resort. Key material is derived
// deterministically from stable host identity with no key-generation API
// and no persisted state, so it can never fail to produce a key. It offers
// obfuscation, not secrecy.
type simpleBackend struct {
	packageName string
	deviceID    string
}

// NewSimpleSoftwareBackend returns the SimpleSoftware tier. deviceID may be
// empty, in which case the hostname stands in.
func NewSimpleSoftwareBackend(packageName, deviceID string) Backend {
	return &simpleBackend{packageName: packageName, deviceID: deviceID}
}

func (s *simpleBackend) Tier() Tier      { return TierSimpleSoftware }
func (s *simpleBackend) Available() bool { return true }

func (s *simpleBackend) Exists(alias string) (bool, error) {
	// Deterministic derivation: every alias implicitly exists.
	return true, nil
}

func (s *simpleBackend) CreateKey(alias string) (KeyHandle, error) {
	return s.OpenKey(alias)
}

func (s *simpleBackend) OpenKey(alias string) (KeyHandle, error) {
	id := s.deviceID
	if id == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "unknown-host"
		}
		id = host
	}

	sum := security.HashDomainSeparated("appguard:simple-key",
		[]byte(id),
		[]byte(s.packageName),
		[]byte(runtime.GOOS),
		[]byte(alias),
	)
	return &softwareHandle{alias: alias, secret: security.SecureBytesFrom(sum[:])}, nil
}

func (s *simpleBackend) DeleteKey(alias string) error {
	// Nothing persisted, nothing to delete.
	return nil
}

// sanitizeAlias maps an alias to a safe file name component.
func sanitizeAlias(alias string) string {
	var b strings.Builder
	for _, r := range alias {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it into place, so a crash never leaves a truncated seed.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".seed-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
