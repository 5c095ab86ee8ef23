package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"appguard/internal/appintegrity"
	"appguard/internal/keystore"
	"appguard/internal/logging"
	"appguard/internal/override"
	"appguard/internal/policy"
	"appguard/internal/secureconfig"
	"appguard/internal/signal"
)

// baseConfig disables the advanced checks so each test opts into exactly
// what it exercises.
func baseConfig() *secureconfig.SecurityConfig {
	cfg := secureconfig.DefaultConfig()
	cfg.Features = map[string]bool{
		"playIntegrity":   false,
		"appIntegrity":    false,
		"strongBox":       false,
		"configTampering": false,
	}
	return cfg
}

func newTestOrchestrator(t *testing.T, p Params) *Orchestrator {
	t.Helper()
	if p.Config == nil {
		p.Config = baseConfig()
	}
	if p.Signals == nil {
		p.Signals = signal.NewRegistry()
	}
	if p.Resolver == nil {
		p.Resolver = keystore.NewResolverWithBackends(nil,
			keystore.NewSoftwareBackend(t.TempDir()))
	}
	return New(p)
}

type capturingExecutor struct {
	actions []policy.Action
	err     error
}

func (c *capturingExecutor) Execute(a policy.Action) error {
	c.actions = append(c.actions, a)
	return c.err
}

func findByID(rep *Report, id string) (Finding, bool) {
	for _, f := range rep.Findings {
		if f.ID == id {
			return f, true
		}
	}
	return Finding{}, false
}

func TestRootThresholdGatesBlock(t *testing.T) {
	cfg := baseConfig()
	cfg.Policy = map[string]string{"onRoot": "BLOCK"}
	cfg.Thresholds = map[string]int{"rootSignalsToBlock": 2}

	for _, tc := range []struct {
		count     int
		wantBlock bool
	}{
		{1, false},
		{2, true},
		{3, true},
	} {
		signals := signal.NewRegistry()
		signals.RegisterCount(policy.CategoryRoot, signal.StaticCount(tc.count))
		exec := &capturingExecutor{}

		rep := newTestOrchestrator(t, Params{
			Config:   cfg,
			Signals:  signals,
			Executor: exec,
		}).Run(context.Background())

		_, found := findByID(rep, "root")
		if found != tc.wantBlock {
			t.Errorf("count %d: finding present = %t, want %t", tc.count, found, tc.wantBlock)
		}
		if tc.wantBlock {
			if rep.OverallSeverity != policy.SeverityBlock {
				t.Errorf("count %d: overall = %s", tc.count, rep.OverallSeverity)
			}
			if len(exec.actions) != 1 || exec.actions[0] != policy.ActionBlock {
				t.Errorf("count %d: executor actions = %v", tc.count, exec.actions)
			}
		} else {
			if rep.OverallSeverity != policy.SeverityOK {
				t.Errorf("count %d: overall = %s", tc.count, rep.OverallSeverity)
			}
			if len(exec.actions) != 0 {
				t.Errorf("count %d: executor invoked: %v", tc.count, exec.actions)
			}
		}
	}
}

func TestDenyListWinsOverAllowList(t *testing.T) {
	cfg := baseConfig()
	cfg.Overrides = override.Overrides{
		AllowedBrands: []string{"HackerPhone"},
		DeniedBrands:  []string{"HackerPhone"},
	}

	// A registered producer proves the sweep never ran.
	signals := signal.NewRegistry()
	signals.RegisterBool(policy.CategoryDebugger, signal.BoolFunc(func() (bool, error) {
		t.Error("signal sweep ran despite deny override")
		return false, nil
	}))
	exec := &capturingExecutor{}

	rep := newTestOrchestrator(t, Params{
		Config:   cfg,
		Identity: override.DeviceIdentity{Brand: "HackerPhone"},
		Signals:  signals,
		Executor: exec,
	}).Run(context.Background())

	if len(rep.Findings) != 1 {
		t.Fatalf("findings = %d, want exactly 1", len(rep.Findings))
	}
	f := rep.Findings[0]
	if f.ID != "override" || f.Severity != policy.SeverityBlock {
		t.Errorf("finding = %+v", f)
	}
	if f.Metadata["field"] != "brand" || f.Metadata["value"] != "HackerPhone" {
		t.Errorf("metadata = %v", f.Metadata)
	}
	if len(exec.actions) != 1 || exec.actions[0] != policy.ActionBlock {
		t.Errorf("executor actions = %v", exec.actions)
	}
}

func TestAllowListBypassesAllChecks(t *testing.T) {
	cfg := baseConfig()
	cfg.Policy = map[string]string{"onDebugger": "BLOCK"}
	cfg.Overrides = override.Overrides{AllowedModels: []string{"TestRig"}}

	signals := signal.NewRegistry()
	signals.RegisterBool(policy.CategoryDebugger, signal.StaticBool(true))

	rep := newTestOrchestrator(t, Params{
		Config:   cfg,
		Identity: override.DeviceIdentity{Model: "TestRig"},
		Signals:  signals,
	}).Run(context.Background())

	if len(rep.Findings) != 1 || rep.Findings[0].ID != "override" {
		t.Fatalf("findings = %+v", rep.Findings)
	}
	if rep.OverallSeverity != policy.SeverityOK {
		t.Errorf("overall = %s", rep.OverallSeverity)
	}
}

func TestPanickingProducerBecomesWarnFinding(t *testing.T) {
	cfg := baseConfig()
	cfg.Policy = map[string]string{"onVpn": "WARN"}

	signals := signal.NewRegistry()
	signals.RegisterBool(policy.CategoryDebugger, signal.BoolFunc(func() (bool, error) {
		panic("producer exploded")
	}))
	signals.RegisterBool(policy.CategoryVPN, signal.StaticBool(true))

	rep := newTestOrchestrator(t, Params{Config: cfg, Signals: signals}).Run(context.Background())

	f, ok := findByID(rep, "debugger")
	if !ok {
		t.Fatal("no finding for the panicking check")
	}
	if f.Severity != policy.SeverityWarn || f.Metadata["error"] == "" {
		t.Errorf("finding = %+v", f)
	}
	if _, ok := findByID(rep, "vpn"); !ok {
		t.Error("later check did not run after the panic")
	}
}

func TestBulkheadFailureAudited(t *testing.T) {
	auditPath := filepath.Join(t.TempDir(), "audit.log")
	audit, err := logging.NewAuditLogger(&logging.AuditLoggerConfig{
		FilePath:   auditPath,
		MaxSize:    1,
		MaxBackups: 1,
		Component:  "test",
	})
	if err != nil {
		t.Fatal(err)
	}
	defer audit.Close()

	signals := signal.NewRegistry()
	signals.RegisterBool(policy.CategoryDebugger, signal.BoolFunc(func() (bool, error) {
		panic("producer exploded")
	}))

	newTestOrchestrator(t, Params{Signals: signals, Audit: audit}).Run(context.Background())

	raw, err := os.ReadFile(auditPath)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	var found bool
	for _, line := range bytes.Split(bytes.TrimSpace(raw), []byte("\n")) {
		var ev logging.AuditEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			t.Fatalf("parse audit line %q: %v", line, err)
		}
		if ev.EventType == logging.AuditEventError && ev.Resource == "debugger" && ev.Error != "" {
			found = true
		}
	}
	if !found {
		t.Error("no error event for the panicking check in the audit trail")
	}
}

func TestProducerErrorBecomesWarnFinding(t *testing.T) {
	signals := signal.NewRegistry()
	signals.RegisterBool(policy.CategoryProxy, signal.BoolFunc(func() (bool, error) {
		return false, errors.New("proc unreadable")
	}))

	rep := newTestOrchestrator(t, Params{Signals: signals}).Run(context.Background())

	f, ok := findByID(rep, "proxy")
	if !ok {
		t.Fatal("no finding for the failing check")
	}
	if f.Severity != policy.SeverityWarn || f.Metadata["error"] == "" {
		t.Errorf("finding = %+v", f)
	}
}

func TestTerminateStopsRemainingChecks(t *testing.T) {
	cfg := baseConfig()
	cfg.Policy = map[string]string{
		"onDebugger": "TERMINATE",
		"onVpn":      "BLOCK",
	}

	signals := signal.NewRegistry()
	signals.RegisterBool(policy.CategoryDebugger, signal.StaticBool(true))
	signals.RegisterBool(policy.CategoryVPN, signal.StaticBool(true))
	exec := &capturingExecutor{}

	rep := newTestOrchestrator(t, Params{
		Config:   cfg,
		Signals:  signals,
		Executor: exec,
	}).Run(context.Background())

	if !rep.Terminated {
		t.Error("report not marked terminated")
	}
	if _, ok := findByID(rep, "debugger"); !ok {
		t.Error("terminating finding missing from partial report")
	}
	if _, ok := findByID(rep, "vpn"); ok {
		t.Error("check after TERMINATE still ran")
	}
	if len(exec.actions) != 1 || exec.actions[0] != policy.ActionTerminate {
		t.Errorf("executor actions = %v", exec.actions)
	}
}

func TestAttestationUnavailableCappedAtWarn(t *testing.T) {
	cfg := baseConfig()
	cfg.Features["playIntegrity"] = true
	cfg.Policy = map[string]string{"onPlayIntegrityFailure": "TERMINATE"}

	exec := &capturingExecutor{}
	rep := newTestOrchestrator(t, Params{
		Config: cfg,
		Attestation: signal.AttestationFunc(func(context.Context) (signal.IntegrityVerdict, error) {
			return signal.VerdictUnavailable, nil
		}),
		Executor: exec,
	}).Run(context.Background())

	f, ok := findByID(rep, "playIntegrityFailure")
	if !ok {
		t.Fatal("no finding for inconclusive attestation")
	}
	if f.Severity != policy.SeverityWarn {
		t.Errorf("severity = %s, want WARN cap", f.Severity)
	}
	if rep.Terminated || len(exec.actions) != 0 {
		t.Error("inconclusive attestation must not enforce the policy action")
	}
}

func TestAttestationFailureUsesFullPolicy(t *testing.T) {
	cfg := baseConfig()
	cfg.Features["playIntegrity"] = true
	cfg.Policy = map[string]string{"onPlayIntegrityFailure": "BLOCK"}

	exec := &capturingExecutor{}
	rep := newTestOrchestrator(t, Params{
		Config: cfg,
		Attestation: signal.AttestationFunc(func(context.Context) (signal.IntegrityVerdict, error) {
			return signal.VerdictFail, nil
		}),
		Executor: exec,
	}).Run(context.Background())

	f, ok := findByID(rep, "playIntegrityFailure")
	if !ok {
		t.Fatal("no finding for failed attestation")
	}
	if f.Severity != policy.SeverityBlock {
		t.Errorf("severity = %s", f.Severity)
	}
	if len(exec.actions) != 1 || exec.actions[0] != policy.ActionBlock {
		t.Errorf("executor actions = %v", exec.actions)
	}
}

func TestAppIntegrityViolationsReported(t *testing.T) {
	cfg := baseConfig()
	cfg.Features["appIntegrity"] = true
	cfg.Policy = map[string]string{"onAppIntegrityFailure": "BLOCK"}
	cfg.AppIntegrity.ExpectedPackageName = "com.example.app"

	rep := newTestOrchestrator(t, Params{
		Config:   cfg,
		AppFacts: appintegrity.AppFacts{PackageName: "com.evil.clone"},
	}).Run(context.Background())

	f, ok := findByID(rep, "appIntegrityFailure")
	if !ok {
		t.Fatal("no finding for app integrity violation")
	}
	if f.Severity != policy.SeverityBlock {
		t.Errorf("severity = %s", f.Severity)
	}
	if f.Metadata["violation_0"] == "" {
		t.Errorf("metadata = %v", f.Metadata)
	}
}

func TestStrongBoxUnavailable(t *testing.T) {
	cfg := baseConfig()
	cfg.Features["strongBox"] = true
	cfg.Policy = map[string]string{"onStrongBoxUnavailable": "WARN"}

	// Software-only resolver: no StrongBox tier exists.
	rep := newTestOrchestrator(t, Params{Config: cfg}).Run(context.Background())

	f, ok := findByID(rep, "strongBoxUnavailable")
	if !ok {
		t.Fatal("no finding for missing hardware tier")
	}
	if f.Severity != policy.SeverityWarn {
		t.Errorf("severity = %s", f.Severity)
	}
}

func TestConfigSignatureMismatchIsTampering(t *testing.T) {
	cfg := baseConfig()
	cfg.Features["configTampering"] = true
	cfg.Policy = map[string]string{"onConfigTampering": "BLOCK"}

	rep := newTestOrchestrator(t, Params{
		Config:      cfg,
		ConfigState: secureconfig.StateVerifiedAndFailed,
	}).Run(context.Background())

	f, ok := findByID(rep, "configTampering")
	if !ok {
		t.Fatal("no finding for signature mismatch")
	}
	if f.Severity != policy.SeverityBlock || f.Metadata["source"] != "signed_config" {
		t.Errorf("finding = %+v", f)
	}
}

func TestConfigCouldNotVerifyIsOnlyWarn(t *testing.T) {
	cfg := baseConfig()
	cfg.Features["configTampering"] = true
	cfg.Policy = map[string]string{"onConfigTampering": "TERMINATE"}

	exec := &capturingExecutor{}
	rep := newTestOrchestrator(t, Params{
		Config:      cfg,
		ConfigState: secureconfig.StateCouldNotVerify,
		Executor:    exec,
	}).Run(context.Background())

	f, ok := findByID(rep, "configTampering")
	if !ok {
		t.Fatal("no finding for unverifiable signature")
	}
	if f.Severity != policy.SeverityWarn {
		t.Errorf("severity = %s", f.Severity)
	}
	if rep.Terminated || len(exec.actions) != 0 {
		t.Error("could-not-verify must not enforce the tampering action")
	}
}

func TestUnwiredProducersSkipped(t *testing.T) {
	cfg := baseConfig()
	cfg.Policy = map[string]string{"onMitm": "BLOCK", "onRoot": "BLOCK"}

	rep := newTestOrchestrator(t, Params{Config: cfg}).Run(context.Background())

	if len(rep.Findings) != 0 {
		t.Errorf("findings = %+v, want none for unwired producers", rep.Findings)
	}
	if rep.OverallSeverity != policy.SeverityOK {
		t.Errorf("overall = %s", rep.OverallSeverity)
	}
}

func TestExecutorFailuresDoNotAbortRun(t *testing.T) {
	cfg := baseConfig()
	cfg.Policy = map[string]string{"onDebugger": "WARN", "onVpn": "WARN"}

	signals := signal.NewRegistry()
	signals.RegisterBool(policy.CategoryDebugger, signal.StaticBool(true))
	signals.RegisterBool(policy.CategoryVPN, signal.StaticBool(true))

	rep := newTestOrchestrator(t, Params{
		Config:   cfg,
		Signals:  signals,
		Executor: &capturingExecutor{err: errors.New("navigation failed")},
	}).Run(context.Background())

	if len(rep.Findings) != 2 {
		t.Errorf("findings = %d, want 2", len(rep.Findings))
	}
}

func TestPanickingTelemetrySinkIsIsolated(t *testing.T) {
	cfg := baseConfig()
	cfg.Policy = map[string]string{"onDebugger": "WARN"}

	signals := signal.NewRegistry()
	signals.RegisterBool(policy.CategoryDebugger, signal.StaticBool(true))

	rep := newTestOrchestrator(t, Params{
		Config:  cfg,
		Signals: signals,
		Telemetry: TelemetrySinkFunc(func(string, map[string]string) {
			panic("sink down")
		}),
	}).Run(context.Background())

	if rep == nil || len(rep.Findings) != 1 {
		t.Fatalf("report = %+v", rep)
	}
}

func TestSeverityAggregation(t *testing.T) {
	if got := aggregate(nil); got != policy.SeverityOK {
		t.Errorf("empty aggregate = %s", got)
	}
	got := aggregate([]Finding{
		{Severity: policy.SeverityWarn},
		{Severity: policy.SeverityBlock},
		{Severity: policy.SeverityOK},
	})
	if got != policy.SeverityBlock {
		t.Errorf("aggregate = %s", got)
	}
}
