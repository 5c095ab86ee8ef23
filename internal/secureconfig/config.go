// Package secureconfig loads, validates, and watches the appguard security
// configuration. Configs may be plain local files in TOML, JSON, or YAML, or
// signed JSON delivered with a detached signature; the signed path verifies
// the exact raw bytes before parsing.
package secureconfig

import (
	"encoding/hex"
	"fmt"
	"strings"

	"appguard/internal/override"
	"appguard/internal/policy"
)

// SecurityConfig is one immutable configuration snapshot. It is loaded once
// per orchestration run and never mutated afterwards.
type SecurityConfig struct {
	Features     map[string]bool    `json:"features" toml:"features" yaml:"features"`
	Thresholds   map[string]int     `json:"thresholds" toml:"thresholds" yaml:"thresholds"`
	Overrides    override.Overrides `json:"overrides" toml:"overrides" yaml:"overrides"`
	Policy       map[string]string  `json:"policy" toml:"policy" yaml:"policy"`
	AppIntegrity AppIntegrityConfig `json:"appIntegrity" toml:"appIntegrity" yaml:"appIntegrity"`
}

// AppIntegrityConfig pins the identity of the protected application.
type AppIntegrityConfig struct {
	ExpectedPackageName     string            `json:"expectedPackageName" toml:"expectedPackageName" yaml:"expectedPackageName"`
	ExpectedSignatureSHA256 []string          `json:"expectedSignatureSha256" toml:"expectedSignatureSha256" yaml:"expectedSignatureSha256"`
	AllowedInstallers       []string          `json:"allowedInstallers" toml:"allowedInstallers" yaml:"allowedInstallers"`
	ExpectedDexChecksums    map[string]string `json:"expectedDexChecksums" toml:"expectedDexChecksums" yaml:"expectedDexChecksums"`
	ExpectedSoChecksums     map[string]string `json:"expectedSoChecksums" toml:"expectedSoChecksums" yaml:"expectedSoChecksums"`
}

// DefaultConfig returns the configuration used when no file exists: every
// check enabled, default thresholds, no overrides, allow-only policy.
func DefaultConfig() *SecurityConfig {
	return &SecurityConfig{
		Features:   map[string]bool{},
		Thresholds: map[string]int{},
		Policy:     map[string]string{},
	}
}

// FeatureEnabled reports whether a named check is enabled. Checks default
// to enabled unless the config opts out explicitly.
func (c *SecurityConfig) FeatureEnabled(name string) bool {
	if v, ok := c.Features[name]; ok {
		return v
	}
	return true
}

// policyKey maps a signal category to its config key, e.g. root -> onRoot.
func policyKey(cat policy.Category) string {
	s := string(cat)
	return "on" + strings.ToUpper(s[:1]) + s[1:]
}

// thresholdKey maps a counted category to its config key,
// e.g. root -> rootSignalsToBlock.
func thresholdKey(cat policy.Category) string {
	return string(cat) + "SignalsToBlock"
}

// PolicyTable converts the on<Category> entries into an action table.
// Unknown keys are ignored for forward compatibility; known keys with
// unparseable actions were rejected by Validate.
func (c *SecurityConfig) PolicyTable() policy.Table {
	table := make(policy.Table, len(c.Policy))
	for _, cat := range policy.AllCategories {
		raw, ok := c.Policy[policyKey(cat)]
		if !ok {
			continue
		}
		action, err := policy.ParseAction(raw)
		if err != nil {
			continue
		}
		table[cat] = action
	}
	return table
}

// PolicyThresholds converts the *SignalsToBlock entries into thresholds for
// the counted categories.
func (c *SecurityConfig) PolicyThresholds() policy.Thresholds {
	th := make(policy.Thresholds, len(c.Thresholds))
	for _, cat := range policy.CountedCategories {
		if v, ok := c.Thresholds[thresholdKey(cat)]; ok {
			th[cat] = v
		}
	}
	return th
}

// Engine builds the policy engine for this snapshot.
func (c *SecurityConfig) Engine() *policy.Engine {
	return policy.NewEngine(c.PolicyTable(), c.PolicyThresholds())
}

// ValidationError describes one rejected configuration field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors aggregates every contract violation in a config so the
// operator sees the full list at once.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return "secureconfig: invalid configuration: " + strings.Join(msgs, "; ")
}

// Validate checks the snapshot against the configuration contract. A
// non-nil result means the config must not be used for orchestration.
func (c *SecurityConfig) Validate() error {
	var errs ValidationErrors

	for key, raw := range c.Policy {
		if !strings.HasPrefix(key, "on") {
			errs = append(errs, ValidationError{
				Field:   "policy." + key,
				Message: "policy keys must be of the form on<Category>",
			})
			continue
		}
		if _, err := policy.ParseAction(raw); err != nil {
			errs = append(errs, ValidationError{
				Field:   "policy." + key,
				Message: fmt.Sprintf("unknown action %q", raw),
			})
		}
	}

	for key, v := range c.Thresholds {
		if v < 0 {
			errs = append(errs, ValidationError{
				Field:   "thresholds." + key,
				Message: "threshold must not be negative",
			})
		}
	}

	for i, h := range c.AppIntegrity.ExpectedSignatureSHA256 {
		if !isHexDigest(h) {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("appIntegrity.expectedSignatureSha256[%d]", i),
				Message: "must be a 64-character hex SHA-256 digest",
			})
		}
	}
	for name, sum := range c.AppIntegrity.ExpectedDexChecksums {
		if !isHexDigest(sum) {
			errs = append(errs, ValidationError{
				Field:   "appIntegrity.expectedDexChecksums." + name,
				Message: "must be a 64-character hex SHA-256 digest",
			})
		}
	}
	for name, sum := range c.AppIntegrity.ExpectedSoChecksums {
		if !isHexDigest(sum) {
			errs = append(errs, ValidationError{
				Field:   "appIntegrity.expectedSoChecksums." + name,
				Message: "must be a 64-character hex SHA-256 digest",
			})
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func isHexDigest(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(strings.ToLower(s))
	return err == nil
}
