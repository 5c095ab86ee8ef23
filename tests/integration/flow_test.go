//go:build integration

package integration

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"appguard/internal/appintegrity"
	"appguard/internal/hmacsig"
	"appguard/internal/keystore"
	"appguard/internal/override"
	"appguard/internal/policy"
	"appguard/internal/report"
	"appguard/internal/secureconfig"
	"appguard/internal/signal"
	"appguard/internal/tamper"
)

// testEnv wires the full stack against a temp directory: software-only
// resolver, signed config on disk, sqlite tamper store.
type testEnv struct {
	T        *testing.T
	Dir      string
	Resolver *keystore.Resolver
	Store    *tamper.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	resolver := keystore.NewResolver(keystore.Options{
		DataDir:         dir,
		PackageName:     "com.example.app",
		DisableHardware: true,
	})
	store, err := tamper.Open(filepath.Join(dir, "tamper.db"), resolver)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	return &testEnv{T: t, Dir: dir, Resolver: resolver, Store: store}
}

// writeSignedConfig signs the raw bytes with the config MAC key exactly the
// way the signing CLI does.
func (env *testEnv) writeSignedConfig(raw []byte) (configPath, sigPath string) {
	env.T.Helper()
	configPath = filepath.Join(env.Dir, "config.json")
	sigPath = configPath + ".sig"

	if err := os.WriteFile(configPath, raw, 0o600); err != nil {
		env.T.Fatal(err)
	}
	key, err := env.Resolver.GetBestAvailable(keystore.AliasConfigMAC)
	if err != nil {
		env.T.Fatal(err)
	}
	sig, err := hmacsig.Sign(raw, key)
	if err != nil {
		env.T.Fatal(err)
	}
	if err := os.WriteFile(sigPath, []byte(sig+"\n"), 0o600); err != nil {
		env.T.Fatal(err)
	}
	return configPath, sigPath
}

const flowConfig = `{
	"features": {"playIntegrity": false, "strongBox": false},
	"thresholds": {"rootSignalsToBlock": 2},
	"policy": {
		"onRoot": "BLOCK",
		"onDebugger": "WARN",
		"onAppIntegrityFailure": "BLOCK",
		"onConfigTampering": "BLOCK"
	},
	"appIntegrity": {"expectedPackageName": "com.example.app"}
}`

func TestSignedConfigToReportFlow(t *testing.T) {
	env := newTestEnv(t)
	configPath, sigPath := env.writeSignedConfig([]byte(flowConfig))

	loader, err := secureconfig.NewSignedLoader(env.Resolver, nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := loader.Load(configPath, sigPath)
	if err != nil {
		t.Fatal(err)
	}
	if res.State != secureconfig.StateVerified {
		t.Fatalf("config state = %s, want verified", res.State)
	}

	signals := signal.NewRegistry()
	signals.RegisterCount(policy.CategoryRoot, signal.StaticCount(1))
	signals.RegisterBool(policy.CategoryDebugger, signal.StaticBool(true))

	orch := report.New(report.Params{
		Config:          res.Config,
		Signals:         signals,
		Resolver:        env.Resolver,
		AppFacts:        appintegrity.AppFacts{PackageName: "com.example.app"},
		TamperStore:     env.Store,
		ConfigState:     res.State,
		DeviceBindingID: keystore.DeviceBindingID(keystore.Options{DisableHardware: true}),
	})
	if err := orch.StoreConfigSnapshot([]byte(flowConfig)); err != nil {
		t.Fatal(err)
	}

	rep := orch.Run(context.Background())

	// One root indicator is below the threshold of two; the attached
	// debugger is the only expected finding.
	if len(rep.Findings) != 1 {
		t.Fatalf("findings = %+v", rep.Findings)
	}
	if rep.Findings[0].ID != "debugger" || rep.OverallSeverity != policy.SeverityWarn {
		t.Errorf("finding = %+v, overall = %s", rep.Findings[0], rep.OverallSeverity)
	}
	if rep.DeviceBindingID == "" {
		t.Error("report missing device binding ID")
	}
}

func TestTamperedConfigBytesEscalate(t *testing.T) {
	env := newTestEnv(t)
	configPath, sigPath := env.writeSignedConfig([]byte(flowConfig))

	// Re-indent the file. Same semantics, different bytes.
	raw, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(configPath, append([]byte(" "), raw...), 0o600); err != nil {
		t.Fatal(err)
	}

	loader, err := secureconfig.NewSignedLoader(env.Resolver, nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := loader.Load(configPath, sigPath)
	if err != nil {
		t.Fatal(err)
	}
	if res.State != secureconfig.StateVerifiedAndFailed {
		t.Fatalf("config state = %s, want verified_and_failed", res.State)
	}

	rep := report.New(report.Params{
		Config:      res.Config,
		Signals:     signal.NewRegistry(),
		Resolver:    env.Resolver,
		ConfigState: res.State,
	}).Run(context.Background())

	found := false
	for _, f := range rep.Findings {
		if f.ID == "configTampering" && f.Metadata["source"] == "signed_config" {
			found = true
		}
	}
	if !found {
		t.Fatalf("no configTampering finding: %+v", rep.Findings)
	}
	if rep.OverallSeverity != policy.SeverityBlock {
		t.Errorf("overall = %s", rep.OverallSeverity)
	}
}

func TestTamperStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	resolver := keystore.NewResolver(keystore.Options{
		DataDir:         dir,
		PackageName:     "com.example.app",
		DisableHardware: true,
	})
	dbPath := filepath.Join(dir, "tamper.db")

	store, err := tamper.Open(dbPath, resolver)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Put("state.flag", []byte("armed"), "1"); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	// A fresh resolver over the same data dir must derive the same MAC key.
	resolver = keystore.NewResolver(keystore.Options{
		DataDir:         dir,
		PackageName:     "com.example.app",
		DisableHardware: true,
	})
	store, err = tamper.Open(dbPath, resolver)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	data, err := store.Get("state.flag", "1")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "armed" {
		t.Errorf("data = %q", data)
	}
}

func TestDenyListShortCircuitsFlow(t *testing.T) {
	env := newTestEnv(t)

	cfg := secureconfig.DefaultConfig()
	cfg.Features = map[string]bool{
		"playIntegrity": false, "appIntegrity": false,
		"strongBox": false, "configTampering": false,
	}
	cfg.Overrides = override.Overrides{DeniedModels: []string{"RootedLabDevice"}}

	signals := signal.NewRegistry()
	signals.RegisterCount(policy.CategoryRoot, signal.StaticCount(10))

	executed := []policy.Action{}
	rep := report.New(report.Params{
		Config:   cfg,
		Identity: override.DeviceIdentity{Model: "RootedLabDevice"},
		Signals:  signals,
		Resolver: env.Resolver,
		Executor: report.PolicyExecutorFunc(func(a policy.Action) error {
			executed = append(executed, a)
			return nil
		}),
	}).Run(context.Background())

	if len(rep.Findings) != 1 || rep.Findings[0].ID != "override" {
		t.Fatalf("findings = %+v", rep.Findings)
	}
	if len(executed) != 1 || executed[0] != policy.ActionBlock {
		t.Errorf("executed = %v", executed)
	}
}
