// Package override implements the device-identity override gate.
//
// The gate runs before any other check. Deny lists are evaluated first and
// always win: a device matching both a deny entry and an allow entry is
// denied. An allow match bypasses the entire check pipeline; this is an
// escape valve for trusted fleets (QA devices, CI emulator pools), not a
// security feature, and it reduces assurance for matched devices.
package override

import "strings"

// DeviceIdentity holds the identity fields read from the host platform.
// Any field may be empty; empty fields never match an override entry.
type DeviceIdentity struct {
	Model        string `json:"model"`
	Brand        string `json:"brand"`
	Manufacturer string `json:"manufacturer"`
	Product      string `json:"product"`
	Device       string `json:"device"`
	Board        string `json:"board"`
}

// Overrides holds the allow/deny lists from the security configuration.
type Overrides struct {
	AllowedModels        []string `json:"allowedModels"`
	DeniedModels         []string `json:"deniedModels"`
	AllowedBrands        []string `json:"allowedBrands"`
	DeniedBrands         []string `json:"deniedBrands"`
	AllowedManufacturers []string `json:"allowedManufacturers"`
	AllowedProducts      []string `json:"allowedProducts"`
	AllowedDevices       []string `json:"allowedDevices"`
	AllowedBoards        []string `json:"allowedBoards"`
}

// Empty reports whether no override entries are configured.
func (o Overrides) Empty() bool {
	return len(o.AllowedModels) == 0 && len(o.DeniedModels) == 0 &&
		len(o.AllowedBrands) == 0 && len(o.DeniedBrands) == 0 &&
		len(o.AllowedManufacturers) == 0 && len(o.AllowedProducts) == 0 &&
		len(o.AllowedDevices) == 0 && len(o.AllowedBoards) == 0
}

// Outcome is the result of evaluating the gate.
type Outcome int

const (
	// OutcomeContinue means no override matched; run the full pipeline.
	OutcomeContinue Outcome = iota
	// OutcomeBypass means an allow entry matched; skip all further checks.
	OutcomeBypass
	// OutcomeDeny means a deny entry matched; block immediately.
	OutcomeDeny
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeBypass:
		return "bypass"
	case OutcomeDeny:
		return "deny"
	default:
		return "continue"
	}
}

// Result carries the outcome plus the field and entry that decided it.
type Result struct {
	Outcome      Outcome
	MatchedField string
	MatchedValue string
}

// Evaluate applies the override lists to a device identity.
// Deny lists (model, brand) are checked first; allow lists second.
func Evaluate(id DeviceIdentity, o Overrides) Result {
	if field, value, ok := firstMatch(o.DeniedModels, "model", id.Model); ok {
		return Result{Outcome: OutcomeDeny, MatchedField: field, MatchedValue: value}
	}
	if field, value, ok := firstMatch(o.DeniedBrands, "brand", id.Brand); ok {
		return Result{Outcome: OutcomeDeny, MatchedField: field, MatchedValue: value}
	}

	allowChecks := []struct {
		field   string
		value   string
		entries []string
	}{
		{"model", id.Model, o.AllowedModels},
		{"brand", id.Brand, o.AllowedBrands},
		{"manufacturer", id.Manufacturer, o.AllowedManufacturers},
		{"product", id.Product, o.AllowedProducts},
		{"device", id.Device, o.AllowedDevices},
		{"board", id.Board, o.AllowedBoards},
	}
	for _, c := range allowChecks {
		if field, value, ok := firstMatch(c.entries, c.field, c.value); ok {
			return Result{Outcome: OutcomeBypass, MatchedField: field, MatchedValue: value}
		}
	}

	return Result{Outcome: OutcomeContinue}
}

// firstMatch reports whether value matches any list entry. Matching is
// exact after whitespace trimming; empty values and entries never match.
func firstMatch(entries []string, field, value string) (string, string, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", "", false
	}
	for _, e := range entries {
		if e != "" && strings.TrimSpace(e) == value {
			return field, value, true
		}
	}
	return "", "", false
}
