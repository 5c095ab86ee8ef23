// appguardctl is the control CLI for appguard.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"appguard/internal/keystore"
	"appguard/internal/logging"
	"appguard/internal/override"
	"appguard/internal/policy"
	"appguard/internal/report"
	"appguard/internal/secureconfig"
	"appguard/internal/signal"
	"appguard/internal/tamper"
)

var (
	configPath  = flag.String("config", "", "path to config file")
	sigPath     = flag.String("sig", "", "path to detached config signature (enables signed load)")
	dataDir     = flag.String("data", defaultDataDir(), "appguard data directory")
	packageName = flag.String("package", "appguard", "package name for device binding")
	noHardware  = flag.Bool("no-hardware", false, "skip hardware key tiers")
	jsonOut     = flag.Bool("json", false, "print reports as JSON")
	verbose     = flag.Bool("v", false, "verbose logging")
)

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	logCfg := logging.DefaultConfig()
	if *verbose {
		logCfg.Level = logging.LevelDebug
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		fatalf("init logging: %v", err)
	}
	logging.SetDefault(logger)

	switch cmd := flag.Arg(0); cmd {
	case "check":
		cmdCheck(logger)
	case "probe":
		cmdProbe(logger)
	case "store":
		if flag.NArg() < 3 {
			fatalf("usage: appguardctl store <key> <value>")
		}
		cmdStore(logger, flag.Arg(1), flag.Arg(2))
	case "verify":
		if flag.NArg() < 2 {
			fatalf("usage: appguardctl verify <key>")
		}
		cmdVerify(logger, flag.Arg(1))
	case "rotate-key":
		if flag.NArg() < 2 {
			fatalf("usage: appguardctl rotate-key <alias>")
		}
		cmdRotateKey(logger, flag.Arg(1))
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `appguardctl - Control utility for appguard

Usage: appguardctl [options] <command> [args]

Commands:
  check                Run all integrity checks and print the report
  probe                Report which key tiers work on this device
  store <key> <value>  Store a value in the tamper-evidence store
  verify <key>         Retrieve and verify a stored value
  rotate-key <alias>   Rotate a key (invalidates existing MACs)
  help                 Show this help message

Options:
  -config <path>  Path to config file (TOML, JSON, or YAML)
  -sig <path>     Detached signature for the config (JSON configs only)
  -data <dir>     Data directory (default: platform state dir)
  -package <name> Package name for device binding
  -no-hardware    Skip hardware key tiers
  -json           Print reports as JSON
  -v              Verbose logging`)
}

func defaultDataDir() string {
	stateHome := os.Getenv("XDG_STATE_HOME")
	if stateHome == "" {
		home, _ := os.UserHomeDir()
		stateHome = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(stateHome, "appguard")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(2)
}

func newResolver(logger *logging.Logger) *keystore.Resolver {
	return keystore.NewResolver(keystore.Options{
		DataDir:         *dataDir,
		PackageName:     *packageName,
		DisableHardware: *noHardware,
		Logger:          logger.Logger,
	})
}

func loadConfig(resolver *keystore.Resolver) (*secureconfig.SecurityConfig, secureconfig.VerificationState) {
	if *sigPath != "" {
		loader, err := secureconfig.NewSignedLoader(resolver, nil)
		if err != nil {
			fatalf("signed loader: %v", err)
		}
		result, err := loader.Load(*configPath, *sigPath)
		if err != nil {
			fatalf("load signed config: %v", err)
		}
		return result.Config, result.State
	}

	cfg, err := secureconfig.Load(*configPath)
	if err != nil {
		fatalf("load config: %v", err)
	}
	return cfg, secureconfig.StateNoSignature
}

func cmdCheck(logger *logging.Logger) {
	resolver := newResolver(logger)
	cfg, state := loadConfig(resolver)

	store, err := tamper.Open(filepath.Join(*dataDir, "tamper.db"), resolver)
	if err != nil {
		fatalf("open tamper store: %v", err)
	}
	defer store.Close()

	opts := keystore.Options{
		DataDir:         *dataDir,
		PackageName:     *packageName,
		DisableHardware: *noHardware,
	}

	orch := report.New(report.Params{
		Config:          cfg,
		Identity:        hostIdentity(),
		Signals:         signal.NewRegistry(),
		Resolver:        resolver,
		TamperStore:     store,
		ConfigState:     state,
		DeviceBindingID: keystore.DeviceBindingID(opts),
		Logger:          logger.Logger,
	})

	rep := orch.Run(context.Background())
	printReport(rep)

	switch rep.OverallSeverity {
	case policy.SeverityBlock:
		os.Exit(2)
	case policy.SeverityWarn:
		os.Exit(1)
	}
}

// hostIdentity maps host facts onto the device identity fields. On a
// server-class host only a subset is meaningful.
func hostIdentity() override.DeviceIdentity {
	host, _ := os.Hostname()
	return override.DeviceIdentity{
		Model:  host,
		Device: host,
	}
}

func printReport(rep *report.Report) {
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			fatalf("encode report: %v", err)
		}
		return
	}

	fmt.Printf("Overall severity: %s\n", rep.OverallSeverity)
	if rep.DeviceBindingID != "" {
		fmt.Printf("Device binding:   %s\n", rep.DeviceBindingID)
	}
	if rep.Terminated {
		fmt.Println("Run terminated early by policy")
	}
	if len(rep.Findings) == 0 {
		fmt.Println("No findings.")
		return
	}
	fmt.Printf("Findings (%d):\n", len(rep.Findings))
	for _, f := range rep.Findings {
		fmt.Printf("  [%s] %s: %s\n", f.Severity, f.ID, f.Title)
		for k, v := range f.Metadata {
			fmt.Printf("      %s=%s\n", k, v)
		}
	}
}

func cmdProbe(logger *logging.Logger) {
	resolver := newResolver(logger)
	results := resolver.ProbeAll()

	tiers := []keystore.Tier{
		keystore.TierStrongBox,
		keystore.TierTEE,
		keystore.TierDeviceBound,
		keystore.TierSoftware,
		keystore.TierSimpleSoftware,
	}
	for _, t := range tiers {
		ok, probed := results[t]
		switch {
		case !probed:
			fmt.Printf("%-16s not configured\n", t)
		case ok:
			fmt.Printf("%-16s available\n", t)
		default:
			fmt.Printf("%-16s unavailable\n", t)
		}
	}
}

func cmdStore(logger *logging.Logger, key, value string) {
	resolver := newResolver(logger)
	store, err := tamper.Open(filepath.Join(*dataDir, "tamper.db"), resolver)
	if err != nil {
		fatalf("open tamper store: %v", err)
	}
	defer store.Close()

	if err := store.Put(key, []byte(value), "1"); err != nil {
		fatalf("store: %v", err)
	}
	fmt.Printf("stored %q (%d bytes)\n", key, len(value))
}

func cmdVerify(logger *logging.Logger, key string) {
	resolver := newResolver(logger)
	store, err := tamper.Open(filepath.Join(*dataDir, "tamper.db"), resolver)
	if err != nil {
		fatalf("open tamper store: %v", err)
	}
	defer store.Close()

	data, err := store.Get(key, "1")
	if err != nil {
		fmt.Fprintf(os.Stderr, "verify failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("verified %q: %s\n", key, data)
}

func cmdRotateKey(logger *logging.Logger, alias string) {
	resolver := newResolver(logger)
	key, err := resolver.Rotate(alias)
	if err != nil {
		fatalf("rotate: %v", err)
	}
	fmt.Printf("rotated %q at tier %s (existing MACs under this alias are now invalid)\n", alias, key.Tier())
}
