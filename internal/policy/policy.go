// Package policy implements the pure decision core of appguard.
//
// The engine maps raw integrity signals (boolean probes and signal counts)
// to actions under a configured action table and threshold set. It is
// stateless and total: every input yields a decision, no input can fail.
package policy

import (
	"fmt"
	"strings"
)

// Action is the response demanded by policy for a triggered signal,
// ordered by severity (Allow lowest, Terminate highest).
type Action int

const (
	ActionAllow Action = iota
	ActionWarn
	ActionDegrade
	ActionBlock
	ActionTerminate
)

// String returns the canonical wire name of the action.
func (a Action) String() string {
	switch a {
	case ActionAllow:
		return "ALLOW"
	case ActionWarn:
		return "WARN"
	case ActionDegrade:
		return "DEGRADE"
	case ActionBlock:
		return "BLOCK"
	case ActionTerminate:
		return "TERMINATE"
	default:
		return fmt.Sprintf("Unknown(%d)", int(a))
	}
}

// ParseAction parses a wire-format action name. Matching is
// case-insensitive for config ergonomics.
func ParseAction(s string) (Action, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ALLOW":
		return ActionAllow, nil
	case "WARN":
		return ActionWarn, nil
	case "DEGRADE":
		return ActionDegrade, nil
	case "BLOCK":
		return ActionBlock, nil
	case "TERMINATE":
		return ActionTerminate, nil
	default:
		return ActionAllow, fmt.Errorf("policy: unknown action %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Action) UnmarshalText(text []byte) error {
	parsed, err := ParseAction(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Severity classifies a finding for reporting, ordered OK < Info < Warn < Block.
type Severity int

const (
	SeverityOK Severity = iota
	SeverityInfo
	SeverityWarn
	SeverityBlock
)

// String returns the canonical name of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityOK:
		return "OK"
	case SeverityInfo:
		return "INFO"
	case SeverityWarn:
		return "WARN"
	case SeverityBlock:
		return "BLOCK"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// SeverityOf maps an action to its reporting severity. This is the single
// source of truth for the mapping; findings built from policy decisions
// must use it rather than re-deriving severity at the call site.
func SeverityOf(a Action) Severity {
	switch a {
	case ActionAllow:
		return SeverityOK
	case ActionWarn, ActionDegrade:
		return SeverityWarn
	case ActionBlock, ActionTerminate:
		return SeverityBlock
	default:
		return SeverityBlock
	}
}

// MaxSeverity returns the more severe of two severities.
func MaxSeverity(a, b Severity) Severity {
	if a > b {
		return a
	}
	return b
}

// Category names a signal class evaluated by the engine.
type Category string

const (
	CategoryRoot                 Category = "root"
	CategoryEmulator             Category = "emulator"
	CategoryDebugger             Category = "debugger"
	CategoryUSBDebug             Category = "usbDebug"
	CategoryVPN                  Category = "vpn"
	CategoryProxy                Category = "proxy"
	CategoryMITM                 Category = "mitm"
	CategoryPlayIntegrityFailure Category = "playIntegrityFailure"
	CategoryAppIntegrityFailure  Category = "appIntegrityFailure"
	CategoryConfigTampering      Category = "configTampering"
	CategoryStrongBoxUnavailable Category = "strongBoxUnavailable"
	CategoryHooking              Category = "hooking"
	CategoryRepackaging          Category = "repackaging"
)

// AllCategories lists every signal category the engine knows about.
var AllCategories = []Category{
	CategoryRoot,
	CategoryEmulator,
	CategoryDebugger,
	CategoryUSBDebug,
	CategoryVPN,
	CategoryProxy,
	CategoryMITM,
	CategoryPlayIntegrityFailure,
	CategoryAppIntegrityFailure,
	CategoryConfigTampering,
	CategoryStrongBoxUnavailable,
	CategoryHooking,
	CategoryRepackaging,
}

// CountedCategories lists the categories evaluated against an integer
// threshold rather than a boolean.
var CountedCategories = []Category{CategoryRoot, CategoryEmulator}

// Decision is the pure output of evaluating one signal.
type Decision struct {
	Action Action
}

// Severity returns the reporting severity of the decision.
func (d Decision) Severity() Severity {
	return SeverityOf(d.Action)
}

// Table maps signal categories to the action taken when the signal triggers.
type Table map[Category]Action

// Thresholds maps counted categories to the signal count at which the
// category triggers.
type Thresholds map[Category]int

// DefaultThreshold is used for counted categories with no configured cutoff.
const DefaultThreshold = 1

// Engine evaluates signals against a fixed action table and threshold set.
// The zero value acts as an allow-everything engine.
type Engine struct {
	actions    Table
	thresholds Thresholds
}

// NewEngine creates an engine from an action table and threshold set.
// Both maps are copied; the engine is immutable after construction.
func NewEngine(actions Table, thresholds Thresholds) *Engine {
	e := &Engine{
		actions:    make(Table, len(actions)),
		thresholds: make(Thresholds, len(thresholds)),
	}
	for c, a := range actions {
		e.actions[c] = a
	}
	for c, t := range thresholds {
		e.thresholds[c] = t
	}
	return e
}

// actionFor returns the configured action for a category, defaulting to
// Allow so that an unconfigured category is observed but never enforced.
func (e *Engine) actionFor(c Category) Action {
	if e == nil || e.actions == nil {
		return ActionAllow
	}
	if a, ok := e.actions[c]; ok {
		return a
	}
	return ActionAllow
}

// Threshold returns the trigger threshold for a counted category.
//
// A configured threshold of 0 means "always trigger": every evaluation of
// the category, including a zero count, yields the configured action. That
// degrades the check to an unconditional policy and is intended only for
// lockdown configurations.
func (e *Engine) Threshold(c Category) int {
	if e == nil || e.thresholds == nil {
		return DefaultThreshold
	}
	if t, ok := e.thresholds[c]; ok {
		return t
	}
	return DefaultThreshold
}

// OnCount evaluates a counted signal. Negative counts are clamped to zero.
func (e *Engine) OnCount(c Category, count int) Decision {
	if count < 0 {
		count = 0
	}
	if count >= e.Threshold(c) {
		return Decision{Action: e.actionFor(c)}
	}
	return Decision{Action: ActionAllow}
}

// OnBool evaluates a boolean signal.
func (e *Engine) OnBool(c Category, triggered bool) Decision {
	if triggered {
		return Decision{Action: e.actionFor(c)}
	}
	return Decision{Action: ActionAllow}
}

// Per-category helpers. These exist so call sites cannot mix up a counted
// category with a boolean one.

func (e *Engine) OnRoot(indicators int) Decision     { return e.OnCount(CategoryRoot, indicators) }
func (e *Engine) OnEmulator(indicators int) Decision { return e.OnCount(CategoryEmulator, indicators) }
func (e *Engine) OnDebugger(attached bool) Decision  { return e.OnBool(CategoryDebugger, attached) }
func (e *Engine) OnUSBDebug(enabled bool) Decision   { return e.OnBool(CategoryUSBDebug, enabled) }
func (e *Engine) OnVPN(active bool) Decision         { return e.OnBool(CategoryVPN, active) }
func (e *Engine) OnProxy(active bool) Decision       { return e.OnBool(CategoryProxy, active) }
func (e *Engine) OnMITM(detected bool) Decision      { return e.OnBool(CategoryMITM, detected) }
func (e *Engine) OnHooking(detected bool) Decision   { return e.OnBool(CategoryHooking, detected) }

func (e *Engine) OnRepackaging(detected bool) Decision {
	return e.OnBool(CategoryRepackaging, detected)
}

func (e *Engine) OnPlayIntegrityFailure(failed bool) Decision {
	return e.OnBool(CategoryPlayIntegrityFailure, failed)
}

func (e *Engine) OnAppIntegrityFailure(failed bool) Decision {
	return e.OnBool(CategoryAppIntegrityFailure, failed)
}

func (e *Engine) OnConfigTampering(detected bool) Decision {
	return e.OnBool(CategoryConfigTampering, detected)
}

func (e *Engine) OnStrongBoxUnavailable(unavailable bool) Decision {
	return e.OnBool(CategoryStrongBoxUnavailable, unavailable)
}
