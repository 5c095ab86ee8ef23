package secureconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Load reads and parses a local (unsigned) configuration file. A missing
// file yields the defaults; a file that parses but violates the contract is
// an error.
func Load(path string) (*SecurityConfig, error) {
	cfg, err := loadFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFromFile parses a config file based on its extension, falling back to
// format auto-detection.
func loadFromFile(path string) (*SecurityConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("secureconfig: read config: %w", err)
	}

	cfg := DefaultConfig()
	switch filepath.Ext(path) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("secureconfig: decode TOML: %w", err)
		}
	case ".json":
		if err := ParseJSON(data, cfg); err != nil {
			return nil, err
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("secureconfig: decode YAML: %w", err)
		}
	default:
		if err := autoDetectAndParse(data, cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// ParseJSON decodes a JSON config after schema validation. Unknown fields
// are ignored for forward compatibility.
func ParseJSON(data []byte, cfg *SecurityConfig) error {
	if err := ValidateSchema(data); err != nil {
		return err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("secureconfig: decode JSON: %w", err)
	}
	return nil
}

func autoDetectAndParse(data []byte, cfg *SecurityConfig) error {
	if err := json.Unmarshal(data, cfg); err == nil {
		return nil
	}
	if _, err := toml.Decode(string(data), cfg); err == nil {
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err == nil {
		return nil
	}
	return fmt.Errorf("secureconfig: unable to parse config (tried JSON, TOML, YAML)")
}

// ApplyEnvOverrides applies environment variables on top of the file:
// APPGUARD_EXPECTED_PACKAGE replaces the expected package name and
// APPGUARD_DISABLE_FEATURES is a comma-separated list of checks to disable.
func (c *SecurityConfig) ApplyEnvOverrides() {
	if pkg := os.Getenv("APPGUARD_EXPECTED_PACKAGE"); pkg != "" {
		c.AppIntegrity.ExpectedPackageName = pkg
	}
	if disabled := os.Getenv("APPGUARD_DISABLE_FEATURES"); disabled != "" {
		if c.Features == nil {
			c.Features = map[string]bool{}
		}
		for _, name := range strings.Split(disabled, ",") {
			name = strings.TrimSpace(name)
			if name != "" {
				c.Features[name] = false
			}
		}
	}
}

// Loader watches a local configuration file and hot-reloads it on change.
type Loader struct {
	path     string
	mu       sync.RWMutex
	config   *SecurityConfig
	watcher  *fsnotify.Watcher
	onChange []func(*SecurityConfig)
	ctx      context.Context
	cancel   context.CancelFunc
	errChan  chan error
}

// NewLoader creates a loader for the given path.
func NewLoader(path string) *Loader {
	ctx, cancel := context.WithCancel(context.Background())
	return &Loader{
		path:    path,
		ctx:     ctx,
		cancel:  cancel,
		errChan: make(chan error, 1),
	}
}

// Load reads the file and makes it the current snapshot.
func (l *Loader) Load() (*SecurityConfig, error) {
	cfg, err := Load(l.path)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.config = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Config returns the current snapshot.
func (l *Loader) Config() *SecurityConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// OnChange registers a callback invoked with each accepted reload. Register
// before calling Watch.
func (l *Loader) OnChange(cb func(*SecurityConfig)) {
	l.onChange = append(l.onChange, cb)
}

// Errors returns the channel carrying reload failures.
func (l *Loader) Errors() <-chan error {
	return l.errChan
}

// Watch starts watching the config file's directory. Editors replace files
// rather than writing in place, so watching the parent directory is the only
// reliable way to see every update.
func (l *Loader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("secureconfig: create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("secureconfig: watch directory: %w", err)
	}
	l.watcher = watcher
	go l.watchLoop()
	return nil
}

func (l *Loader) watchLoop() {
	var debounce *time.Timer
	const debounceDelay = 100 * time.Millisecond

	for {
		select {
		case <-l.ctx.Done():
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(l.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, l.reload)

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			select {
			case l.errChan <- err:
			default:
			}
		}
	}
}

// reload applies the file if it parses and validates; a bad file leaves the
// current snapshot in place and reports on the error channel.
func (l *Loader) reload() {
	cfg, err := Load(l.path)
	if err != nil {
		select {
		case l.errChan <- fmt.Errorf("secureconfig: reload: %w", err):
		default:
		}
		return
	}

	l.mu.Lock()
	l.config = cfg
	l.mu.Unlock()

	for _, cb := range l.onChange {
		cb(cfg)
	}
}

// Close stops the watcher.
func (l *Loader) Close() error {
	l.cancel()
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}
