//go:build !linux

package keystore

// detectHardwareModules returns nil on platforms without TPM support;
// resolution falls through to the software tiers.
func detectHardwareModules() []hardwareModule {
	return nil
}
