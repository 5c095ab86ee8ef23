// Package appintegrity verifies that the running application is the one the
// configuration expects: correct package name, known signing certificates,
// an approved installer, and artifact checksums that match the release.
package appintegrity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"appguard/internal/secureconfig"
)

// ViolationKind classifies one integrity violation.
type ViolationKind string

const (
	ViolationPackageName   ViolationKind = "package_name_mismatch"
	ViolationSigner        ViolationKind = "unknown_signer"
	ViolationInstaller     ViolationKind = "unknown_installer"
	ViolationChecksum      ViolationKind = "artifact_checksum_mismatch"
	ViolationMissingEntry  ViolationKind = "artifact_missing"
	ViolationUnreadable    ViolationKind = "artifact_unreadable"
)

// Violation is one detected integrity failure.
type Violation struct {
	Kind   ViolationKind
	Detail string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Kind, v.Detail)
}

// AppFacts is what the host platform observed about the installed app.
type AppFacts struct {
	PackageName string

	// SigningCertSHA256 holds hex SHA-256 digests of the app's signing
	// certificates.
	SigningCertSHA256 []string

	// Installer is the package name of whatever installed the app. Empty
	// means sideloaded or unknown.
	Installer string
}

// ArtifactReader loads named release artifacts for checksum verification.
type ArtifactReader interface {
	ReadArtifact(name string) ([]byte, error)
}

// ArtifactReaderFunc adapts a function to ArtifactReader.
type ArtifactReaderFunc func(name string) ([]byte, error)

func (f ArtifactReaderFunc) ReadArtifact(name string) ([]byte, error) { return f(name) }

// Checker evaluates app identity against one configuration snapshot.
type Checker struct {
	cfg secureconfig.AppIntegrityConfig
}

// New creates a checker for the snapshot's app integrity expectations.
func New(cfg secureconfig.AppIntegrityConfig) *Checker {
	return &Checker{cfg: cfg}
}

// Check returns every violation found. An empty result means the app
// matched all configured expectations; expectations left empty in the
// config are skipped, not failed.
func (c *Checker) Check(facts AppFacts, artifacts ArtifactReader) []Violation {
	var violations []Violation

	if c.cfg.ExpectedPackageName != "" && facts.PackageName != c.cfg.ExpectedPackageName {
		violations = append(violations, Violation{
			Kind:   ViolationPackageName,
			Detail: fmt.Sprintf("got %q, expected %q", facts.PackageName, c.cfg.ExpectedPackageName),
		})
	}

	if len(c.cfg.ExpectedSignatureSHA256) > 0 {
		if !c.anySignerKnown(facts.SigningCertSHA256) {
			violations = append(violations, Violation{
				Kind:   ViolationSigner,
				Detail: fmt.Sprintf("none of %d signing certificates matched the expected set", len(facts.SigningCertSHA256)),
			})
		}
	}

	if len(c.cfg.AllowedInstallers) > 0 && !c.installerAllowed(facts.Installer) {
		violations = append(violations, Violation{
			Kind:   ViolationInstaller,
			Detail: fmt.Sprintf("installer %q is not on the allow-list", facts.Installer),
		})
	}

	violations = append(violations, c.checkArtifacts(c.cfg.ExpectedDexChecksums, artifacts)...)
	violations = append(violations, c.checkArtifacts(c.cfg.ExpectedSoChecksums, artifacts)...)
	return violations
}

func (c *Checker) anySignerKnown(observed []string) bool {
	for _, got := range observed {
		for _, want := range c.cfg.ExpectedSignatureSHA256 {
			if strings.EqualFold(got, want) {
				return true
			}
		}
	}
	return false
}

func (c *Checker) installerAllowed(installer string) bool {
	for _, allowed := range c.cfg.AllowedInstallers {
		if installer == allowed {
			return true
		}
	}
	return false
}

func (c *Checker) checkArtifacts(expected map[string]string, artifacts ArtifactReader) []Violation {
	if len(expected) == 0 {
		return nil
	}
	if artifacts == nil {
		return []Violation{{
			Kind:   ViolationUnreadable,
			Detail: "checksums configured but no artifact reader wired",
		}}
	}

	var violations []Violation
	for name, want := range expected {
		data, err := artifacts.ReadArtifact(name)
		if err != nil {
			violations = append(violations, Violation{
				Kind:   ViolationMissingEntry,
				Detail: fmt.Sprintf("%s: %v", name, err),
			})
			continue
		}
		sum := sha256.Sum256(data)
		got := hex.EncodeToString(sum[:])
		if !strings.EqualFold(got, want) {
			violations = append(violations, Violation{
				Kind:   ViolationChecksum,
				Detail: fmt.Sprintf("%s: digest %s does not match expected %s", name, got, strings.ToLower(want)),
			})
		}
	}
	return violations
}
