// Package report aggregates check findings into an integrity report and
// hosts the orchestrator that runs the checks in their fixed order.
package report

import (
	"time"

	"appguard/internal/policy"
)

// Finding is one observation produced by a check.
type Finding struct {
	// ID identifies the check that produced the finding, e.g. "root",
	// "override", "appIntegrity".
	ID string `json:"id"`

	// Title is a short human-readable description.
	Title string `json:"title"`

	Severity policy.Severity `json:"severity"`

	// Metadata carries check-specific detail. A check that failed
	// internally sets the "error" key.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Report is the complete outcome of one orchestration run. A report is
// always produced, even when checks fail internally or a TERMINATE action
// cut the run short.
type Report struct {
	Findings        []Finding       `json:"findings"`
	OverallSeverity policy.Severity `json:"overallSeverity"`

	// DeviceBindingID identifies the device the report was generated on.
	DeviceBindingID string `json:"deviceBindingId,omitempty"`

	// Terminated is set when a TERMINATE action stopped the run before
	// all checks completed; the findings are the partial set gathered up
	// to that point.
	Terminated bool `json:"terminated,omitempty"`

	GeneratedAt time.Time `json:"generatedAt"`
}

// aggregate computes the overall severity: the maximum finding severity,
// OK when there are no findings.
func aggregate(findings []Finding) policy.Severity {
	overall := policy.SeverityOK
	for _, f := range findings {
		overall = policy.MaxSeverity(overall, f.Severity)
	}
	return overall
}

// PolicyExecutor performs host-visible side effects for a non-ALLOW action,
// such as navigating to a warning screen or terminating the process. The
// core invokes it and never implements it.
type PolicyExecutor interface {
	Execute(action policy.Action) error
}

// PolicyExecutorFunc adapts a function to PolicyExecutor.
type PolicyExecutorFunc func(action policy.Action) error

func (f PolicyExecutorFunc) Execute(action policy.Action) error { return f(action) }

// NopExecutor ignores every action.
func NopExecutor() PolicyExecutor {
	return PolicyExecutorFunc(func(policy.Action) error { return nil })
}

// TelemetrySink receives fire-and-forget events. Implementations must not
// block for long; panics are swallowed at the call site so a broken sink
// can never take down a run.
type TelemetrySink interface {
	OnEvent(eventID string, attributes map[string]string)
}

// TelemetrySinkFunc adapts a function to TelemetrySink.
type TelemetrySinkFunc func(eventID string, attributes map[string]string)

func (f TelemetrySinkFunc) OnEvent(eventID string, attributes map[string]string) {
	f(eventID, attributes)
}

// NopTelemetry discards every event.
func NopTelemetry() TelemetrySink {
	return TelemetrySinkFunc(func(string, map[string]string) {})
}
