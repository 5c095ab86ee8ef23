package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"appguard/internal/appintegrity"
	"appguard/internal/keystore"
	"appguard/internal/logging"
	"appguard/internal/override"
	"appguard/internal/policy"
	"appguard/internal/secureconfig"
	"appguard/internal/signal"
	"appguard/internal/tamper"
)

// configStateKey is the tamper-store key holding the last accepted config
// snapshot, validated on every run.
const (
	configStateKey     = "config.snapshot"
	configStateVersion = "1"
)

// Params wires the orchestrator's collaborators. Config, Signals, and
// Resolver are required; everything else degrades gracefully when absent.
type Params struct {
	Config   *secureconfig.SecurityConfig
	Identity override.DeviceIdentity
	Signals  *signal.Registry
	Resolver *keystore.Resolver

	// Attestation is the optional remote attestation client. Leave nil
	// (or use signal.NoAttestation) on hosts without one.
	Attestation signal.AttestationClient

	// AppFacts and Artifacts feed the app integrity check.
	AppFacts  appintegrity.AppFacts
	Artifacts appintegrity.ArtifactReader

	// TamperStore, when set, is checked for a valid stored config snapshot.
	TamperStore *tamper.Store

	// ConfigState reports how the config snapshot was verified at load.
	ConfigState secureconfig.VerificationState

	// DeviceBindingID is stamped on the report.
	DeviceBindingID string

	Executor  PolicyExecutor
	Telemetry TelemetrySink
	Logger    *slog.Logger
	Audit     *logging.AuditLogger
}

// Orchestrator runs the checks in their fixed order: override gate,
// advanced checks, basic checks, aggregation. Build one per config snapshot.
type Orchestrator struct {
	cfg       *secureconfig.SecurityConfig
	engine    *policy.Engine
	identity  override.DeviceIdentity
	signals   *signal.Registry
	resolver  *keystore.Resolver
	attest    signal.AttestationClient
	appFacts  appintegrity.AppFacts
	artifacts appintegrity.ArtifactReader
	store     *tamper.Store
	cfgState  secureconfig.VerificationState
	bindingID string
	executor  PolicyExecutor
	telemetry TelemetrySink
	logger    *slog.Logger
	audit     *logging.AuditLogger
}

// New creates an orchestrator for one configuration snapshot.
func New(p Params) *Orchestrator {
	if p.Executor == nil {
		p.Executor = NopExecutor()
	}
	if p.Telemetry == nil {
		p.Telemetry = NopTelemetry()
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.Attestation == nil {
		p.Attestation = signal.NoAttestation()
	}
	return &Orchestrator{
		cfg:       p.Config,
		engine:    p.Config.Engine(),
		identity:  p.Identity,
		signals:   p.Signals,
		resolver:  p.Resolver,
		attest:    p.Attestation,
		appFacts:  p.AppFacts,
		artifacts: p.Artifacts,
		store:     p.TamperStore,
		cfgState:  p.ConfigState,
		bindingID: p.DeviceBindingID,
		executor:  p.Executor,
		telemetry: p.Telemetry,
		logger:    p.Logger,
		audit:     p.Audit,
	}
}

// run tracks the state of one orchestration pass.
type run struct {
	ctx        context.Context
	findings   []Finding
	terminated bool
}

// Run executes all checks and returns the report. It never returns an
// error: every per-check failure is converted into a WARN finding and the
// remaining checks proceed.
func (o *Orchestrator) Run(ctx context.Context) *Report {
	r := &run{ctx: ctx}

	switch result := override.Evaluate(o.identity, o.cfg.Overrides); result.Outcome {
	case override.OutcomeDeny:
		r.findings = append(r.findings, Finding{
			ID:       "override",
			Title:    "Device is on the deny list",
			Severity: policy.SeverityBlock,
			Metadata: map[string]string{
				"field": result.MatchedField,
				"value": result.MatchedValue,
			},
		})
		o.execute(r, policy.ActionBlock, "override")
		return o.finish(r)

	case override.OutcomeBypass:
		r.findings = append(r.findings, Finding{
			ID:       "override",
			Title:    "Device is on the allow list, checks bypassed",
			Severity: policy.SeverityOK,
			Metadata: map[string]string{
				"field": result.MatchedField,
				"value": result.MatchedValue,
			},
		})
		return o.finish(r)
	}

	o.advancedChecks(r)
	if !r.terminated {
		o.basicChecks(r)
	}
	return o.finish(r)
}

func (o *Orchestrator) finish(r *run) *Report {
	rep := &Report{
		Findings:        r.findings,
		OverallSeverity: aggregate(r.findings),
		DeviceBindingID: o.bindingID,
		Terminated:      r.terminated,
		GeneratedAt:     time.Now().UTC(),
	}

	o.emitTelemetry("report_generated", map[string]string{
		"overall_severity": rep.OverallSeverity.String(),
		"findings":         fmt.Sprintf("%d", len(rep.Findings)),
	})
	if o.audit != nil {
		o.audit.Log(logging.AuditEvent{
			EventType: logging.AuditEventCheckRun,
			Action:    "orchestration_completed",
			Result:    rep.OverallSeverity.String(),
			Details: map[string]string{
				"findings":   fmt.Sprintf("%d", len(rep.Findings)),
				"terminated": fmt.Sprintf("%t", rep.Terminated),
			},
		})
	}
	return rep
}

// advancedChecks run before the basic signal sweep so their side effects
// (and any TERMINATE) happen before lower-severity checks.
func (o *Orchestrator) advancedChecks(r *run) {
	if o.cfg.FeatureEnabled("playIntegrity") {
		o.guarded(r, "playIntegrity", o.checkPlayIntegrity)
	}
	if r.terminated {
		return
	}
	if o.cfg.FeatureEnabled("appIntegrity") {
		o.guarded(r, "appIntegrity", o.checkAppIntegrity)
	}
	if r.terminated {
		return
	}
	if o.cfg.FeatureEnabled("strongBox") {
		o.guarded(r, "strongBoxUnavailable", o.checkStrongBox)
	}
	if r.terminated {
		return
	}
	if o.cfg.FeatureEnabled("configTampering") {
		o.guarded(r, "configTampering", o.checkConfigTampering)
	}
}

func (o *Orchestrator) checkPlayIntegrity(r *run) error {
	verdict, err := o.attest.Verdict(r.ctx)
	if err != nil {
		return fmt.Errorf("attestation verdict: %w", err)
	}

	switch verdict {
	case signal.VerdictPass:
		return nil

	case signal.VerdictFail:
		decision := o.engine.OnPlayIntegrityFailure(true)
		o.applyDecision(r, "playIntegrityFailure", "Remote attestation failed", decision, map[string]string{
			"verdict": verdict.String(),
		})
		return nil

	default:
		// An absent or inconclusive attestation service is not an attack
		// signal. Cap at WARN no matter what the policy table says.
		decision := o.engine.OnPlayIntegrityFailure(true)
		if decision.Action == policy.ActionAllow {
			return nil
		}
		r.findings = append(r.findings, Finding{
			ID:       "playIntegrityFailure",
			Title:    "Remote attestation inconclusive",
			Severity: policy.SeverityWarn,
			Metadata: map[string]string{"verdict": verdict.String()},
		})
		return nil
	}
}

func (o *Orchestrator) checkAppIntegrity(r *run) error {
	checker := appintegrity.New(o.cfg.AppIntegrity)
	violations := checker.Check(o.appFacts, o.artifacts)
	if len(violations) == 0 {
		return nil
	}

	meta := make(map[string]string, len(violations))
	for i, v := range violations {
		meta[fmt.Sprintf("violation_%d", i)] = v.String()
	}
	decision := o.engine.OnAppIntegrityFailure(true)
	o.applyDecision(r, "appIntegrityFailure", "Application identity mismatch", decision, meta)
	return nil
}

func (o *Orchestrator) checkStrongBox(r *run) error {
	if o.resolver.WouldSucceed(keystore.TierStrongBox) {
		return nil
	}
	decision := o.engine.OnStrongBoxUnavailable(true)
	o.applyDecision(r, "strongBoxUnavailable", "Hardware-isolated key storage unavailable", decision, nil)
	return nil
}

// checkConfigTampering folds two sources into one category: the verification
// state of the loaded config and the MAC validity of the snapshot persisted
// in the tamper store.
func (o *Orchestrator) checkConfigTampering(r *run) error {
	if o.cfgState == secureconfig.StateVerifiedAndFailed {
		decision := o.engine.OnConfigTampering(true)
		o.applyDecision(r, "configTampering", "Configuration signature mismatch", decision, map[string]string{
			"source": "signed_config",
			"state":  o.cfgState.String(),
		})
		return nil
	}
	if o.cfgState == secureconfig.StateCouldNotVerify {
		// Distinct from tampering: the check could not run at all.
		r.findings = append(r.findings, Finding{
			ID:       "configTampering",
			Title:    "Configuration signature could not be verified",
			Severity: policy.SeverityWarn,
			Metadata: map[string]string{
				"source": "signed_config",
				"state":  o.cfgState.String(),
			},
		})
	}

	if o.store == nil {
		return nil
	}
	_, err := o.store.Get(configStateKey, configStateVersion)
	switch {
	case err == nil, isNotFound(err), isVersionMismatch(err):
		return nil
	case isTampered(err):
		decision := o.engine.OnConfigTampering(true)
		o.applyDecision(r, "configTampering", "Stored configuration failed integrity check", decision, map[string]string{
			"source": "tamper_store",
		})
		if o.audit != nil {
			o.audit.Log(logging.AuditEvent{
				EventType: logging.AuditEventTamperDetected,
				Action:    "config_snapshot_check",
				Resource:  configStateKey,
				Result:    "failure",
			})
		}
		return nil
	default:
		return err
	}
}

// basicCheck describes one entry in the signal sweep.
type basicCheck struct {
	category policy.Category
	title    string
	counted  bool
	decide   func(*policy.Engine, int, bool) policy.Decision
}

var basicChecks = []basicCheck{
	{policy.CategoryRoot, "Root access detected", true,
		func(e *policy.Engine, n int, _ bool) policy.Decision { return e.OnRoot(n) }},
	{policy.CategoryEmulator, "Emulator environment detected", true,
		func(e *policy.Engine, n int, _ bool) policy.Decision { return e.OnEmulator(n) }},
	{policy.CategoryDebugger, "Debugger attached", false,
		func(e *policy.Engine, _ int, v bool) policy.Decision { return e.OnDebugger(v) }},
	{policy.CategoryUSBDebug, "USB debugging enabled", false,
		func(e *policy.Engine, _ int, v bool) policy.Decision { return e.OnUSBDebug(v) }},
	{policy.CategoryVPN, "VPN active", false,
		func(e *policy.Engine, _ int, v bool) policy.Decision { return e.OnVPN(v) }},
	{policy.CategoryProxy, "Proxy configured", false,
		func(e *policy.Engine, _ int, v bool) policy.Decision { return e.OnProxy(v) }},
	{policy.CategoryMITM, "TLS interception detected", false,
		func(e *policy.Engine, _ int, v bool) policy.Decision { return e.OnMITM(v) }},
	{policy.CategoryHooking, "Runtime hooking framework detected", false,
		func(e *policy.Engine, _ int, v bool) policy.Decision { return e.OnHooking(v) }},
	{policy.CategoryRepackaging, "Application repackaging detected", false,
		func(e *policy.Engine, _ int, v bool) policy.Decision { return e.OnRepackaging(v) }},
}

func (o *Orchestrator) basicChecks(r *run) {
	for _, check := range basicChecks {
		if r.terminated {
			return
		}
		if !o.cfg.FeatureEnabled(string(check.category)) {
			continue
		}

		check := check
		o.guarded(r, string(check.category), func(r *run) error {
			var (
				count    int
				detected bool
				err      error
			)
			if check.counted {
				if !o.signals.HasCount(check.category) {
					return nil
				}
				count, err = o.signals.Count(check.category)
			} else {
				if !o.signals.HasBool(check.category) {
					return nil
				}
				detected, err = o.signals.Detect(check.category)
			}
			if err != nil {
				return fmt.Errorf("signal producer: %w", err)
			}

			decision := check.decide(o.engine, count, detected)
			meta := map[string]string{}
			if check.counted {
				meta["count"] = fmt.Sprintf("%d", count)
			}
			o.applyDecision(r, string(check.category), check.title, decision, meta)
			return nil
		})
	}
}

// applyDecision appends a finding and triggers the policy executor when the
// decision is anything but ALLOW.
func (o *Orchestrator) applyDecision(r *run, id, title string, decision policy.Decision, meta map[string]string) {
	if decision.Action == policy.ActionAllow {
		return
	}
	if meta == nil {
		meta = map[string]string{}
	}
	meta["action"] = decision.Action.String()

	r.findings = append(r.findings, Finding{
		ID:       id,
		Title:    title,
		Severity: decision.Severity(),
		Metadata: meta,
	})
	o.execute(r, decision.Action, id)
}

// execute hands an action to the policy executor, isolating the run from
// executor failures. A TERMINATE action ends the run after this check.
func (o *Orchestrator) execute(r *run, action policy.Action, checkID string) {
	defer func() {
		if rec := recover(); rec != nil {
			o.logger.Error("policy executor panicked",
				"check", checkID,
				"action", action.String(),
				"panic", fmt.Sprint(rec),
			)
		}
	}()

	o.emitTelemetry("policy_action", map[string]string{
		"check":  checkID,
		"action": action.String(),
	})
	if o.audit != nil {
		o.audit.LogPolicyExecution(action.String(), map[string]string{"check": checkID})
	}

	if err := o.executor.Execute(action); err != nil {
		o.logger.Warn("policy executor failed",
			"check", checkID,
			"action", action.String(),
			"error", err.Error(),
		)
	}
	if action == policy.ActionTerminate {
		r.terminated = true
	}
}

// guarded runs one check behind the bulkhead: a panic or error inside the
// check becomes a single WARN finding and the remaining checks proceed.
func (o *Orchestrator) guarded(r *run, checkID string, fn func(*run) error) {
	defer func() {
		if rec := recover(); rec != nil {
			o.logger.Error("check panicked", "check", checkID, "panic", fmt.Sprint(rec))
			o.auditCheckFailure(checkID, fmt.Sprint(rec))
			r.findings = append(r.findings, Finding{
				ID:       checkID,
				Title:    "Check failed internally",
				Severity: policy.SeverityWarn,
				Metadata: map[string]string{"error": fmt.Sprint(rec)},
			})
		}
	}()

	if err := fn(r); err != nil {
		o.logger.Warn("check failed", "check", checkID, "error", err.Error())
		o.auditCheckFailure(checkID, err.Error())
		r.findings = append(r.findings, Finding{
			ID:       checkID,
			Title:    "Check failed internally",
			Severity: policy.SeverityWarn,
			Metadata: map[string]string{"error": err.Error()},
		})
	}
}

func (o *Orchestrator) auditCheckFailure(checkID, reason string) {
	if o.audit == nil {
		return
	}
	o.audit.Log(logging.AuditEvent{
		EventType: logging.AuditEventError,
		Action:    "check_failed",
		Resource:  checkID,
		Result:    "failure",
		Error:     reason,
	})
}

// emitTelemetry delivers an event without letting the sink disturb the run.
func (o *Orchestrator) emitTelemetry(eventID string, attributes map[string]string) {
	defer func() {
		if rec := recover(); rec != nil {
			o.logger.Warn("telemetry sink panicked", "event", eventID, "panic", fmt.Sprint(rec))
		}
	}()
	o.telemetry.OnEvent(eventID, attributes)
}

// StoreConfigSnapshot persists the raw config bytes in the tamper store so
// the next run can detect offline modification.
func (o *Orchestrator) StoreConfigSnapshot(raw []byte) error {
	if o.store == nil {
		return nil
	}
	return o.store.Put(configStateKey, raw, configStateVersion)
}

func isNotFound(err error) bool        { return errors.Is(err, tamper.ErrNotFound) }
func isVersionMismatch(err error) bool { return errors.Is(err, tamper.ErrVersionMismatch) }
func isTampered(err error) bool        { return errors.Is(err, tamper.ErrTampered) }
