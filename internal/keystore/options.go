package keystore

import (
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"

	"appguard/internal/logging"
)

// Options configures the default backend chain.
type Options struct {
	// DataDir is the root for seed files and sealed blobs. Required.
	DataDir string

	// PackageName identifies the protected application for device binding.
	PackageName string

	// DeviceID is a host-supplied stable device identifier. When empty
	// the hardware module's identifier (or the hostname) stands in.
	DeviceID string

	// DisableHardware skips hardware module detection. Useful in tests
	// and on hosts where TPM access requires privileges the process
	// should not hold.
	DisableHardware bool

	Logger *slog.Logger

	// Audit receives key lifecycle events. Optional.
	Audit *logging.AuditLogger
}

// NewResolver builds a resolver over the full default chain: StrongBox and
// TEE from detected hardware modules, DeviceBound over the best module,
// then the Software and SimpleSoftware tiers.
func NewResolver(opts Options) *Resolver {
	keyDir := filepath.Join(opts.DataDir, "keys")

	var backends []Backend
	if !opts.DisableHardware {
		var best Backend
		for _, mod := range detectHardwareModules() {
			tier := TierTEE
			if mod.Isolated() {
				tier = TierStrongBox
			}
			b := NewHardwareBackend(tier, mod, keyDir)
			backends = append(backends, b)
			if best == nil {
				best = b
			}
		}
		if best != nil {
			deviceID := opts.DeviceID
			if deviceID == "" {
				deviceID = hostIdentity()
			}
			backends = append(backends, NewDeviceBoundBackend(best, deviceID, opts.PackageName))
		}
	}

	backends = append(backends,
		NewSoftwareBackend(keyDir),
		NewSimpleSoftwareBackend(opts.PackageName, opts.DeviceID),
	)
	r := NewResolverWithBackends(opts.Logger, backends...)
	r.SetAuditLogger(opts.Audit)
	return r
}

// DeviceBindingID returns the printable device identifier used in reports
// and binding challenges: the hardware module identity when one is present,
// a host fingerprint otherwise.
func DeviceBindingID(opts Options) string {
	if opts.DeviceID != "" {
		return opts.DeviceID
	}
	if !opts.DisableHardware {
		for _, mod := range detectHardwareModules() {
			if err := mod.Open(); err != nil {
				continue
			}
			id, err := mod.DeviceID()
			mod.Close()
			if err == nil && len(id) >= 8 {
				return "appguard-" + hex.EncodeToString(id[:8])
			}
		}
	}
	return hostIdentity()
}

func hostIdentity() string {
	host, err := os.Hostname()
	if err != nil {
		return "appguard-unknown-host"
	}
	return host
}
