package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// AuditEventType classifies a security-relevant event.
type AuditEventType string

const (
	AuditEventKeyGenerated    AuditEventType = "key_generated"
	AuditEventKeyAccess       AuditEventType = "key_access"
	AuditEventKeyRotated      AuditEventType = "key_rotated"
	AuditEventVerification    AuditEventType = "verification"
	AuditEventPolicyExecution AuditEventType = "policy_execution"
	AuditEventConfigLoaded    AuditEventType = "config_loaded"
	AuditEventTamperDetected  AuditEventType = "tamper_detected"
	AuditEventCheckRun        AuditEventType = "check_run"
	AuditEventError           AuditEventType = "error"
)

// AuditEvent is one entry in the append-only audit trail.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType AuditEventType    `json:"event_type"`
	Component string            `json:"component"`
	DeviceID  string            `json:"device_id,omitempty"`
	Action    string            `json:"action"`
	Resource  string            `json:"resource,omitempty"`
	Result    string            `json:"result"` // "success", "failure", "denied"
	Details   map[string]string `json:"details,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// AuditLoggerConfig configures the audit trail.
type AuditLoggerConfig struct {
	FilePath   string
	MaxSize    int64
	MaxBackups int
	Component  string
	DeviceID   string
}

// DefaultAuditConfig returns the default audit logger configuration.
func DefaultAuditConfig() *AuditLoggerConfig {
	return &AuditLoggerConfig{
		FilePath:   defaultAuditLogPath(),
		MaxSize:    50,
		MaxBackups: 10,
		Component:  "appguard",
	}
}

func defaultAuditLogPath() string {
	switch runtime.GOOS {
	case "darwin":
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "Library", "Logs", "appguard", "audit.log")
	case "windows":
		appData := os.Getenv("LOCALAPPDATA")
		if appData == "" {
			appData = os.Getenv("APPDATA")
		}
		return filepath.Join(appData, "appguard", "logs", "audit.log")
	default:
		stateHome := os.Getenv("XDG_STATE_HOME")
		if stateHome == "" {
			homeDir, _ := os.UserHomeDir()
			stateHome = filepath.Join(homeDir, ".local", "state")
		}
		return filepath.Join(stateHome, "appguard", "audit.log")
	}
}

// AuditLogger writes audit events as JSON lines with rotation. Safe for
// concurrent use.
type AuditLogger struct {
	config  *AuditLoggerConfig
	rotator *FileRotator
	mu      sync.Mutex
}

// NewAuditLogger creates an audit logger.
func NewAuditLogger(cfg *AuditLoggerConfig) (*AuditLogger, error) {
	if cfg == nil {
		cfg = DefaultAuditConfig()
	}
	rotator, err := NewFileRotator(cfg.FilePath, cfg.MaxSize, cfg.MaxBackups)
	if err != nil {
		return nil, fmt.Errorf("create audit rotator: %w", err)
	}
	return &AuditLogger{config: cfg, rotator: rotator}, nil
}

// Log appends an audit event.
func (a *AuditLogger) Log(event AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Component == "" {
		event.Component = a.config.Component
	}
	if event.DeviceID == "" {
		event.DeviceID = a.config.DeviceID
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	data = append(data, '\n')
	if _, err := a.rotator.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// LogKeyEvent records key lifecycle activity for an alias.
func (a *AuditLogger) LogKeyEvent(eventType AuditEventType, alias, tier, result string) error {
	return a.Log(AuditEvent{
		EventType: eventType,
		Action:    string(eventType),
		Resource:  alias,
		Result:    result,
		Details:   map[string]string{"tier": tier},
	})
}

// LogVerification records a MAC or signature verification outcome.
func (a *AuditLogger) LogVerification(resource string, ok bool) error {
	result := "success"
	if !ok {
		result = "failure"
	}
	return a.Log(AuditEvent{
		EventType: AuditEventVerification,
		Action:    "verify",
		Resource:  resource,
		Result:    result,
	})
}

// LogPolicyExecution records an action handed to the policy executor.
func (a *AuditLogger) LogPolicyExecution(action string, details map[string]string) error {
	return a.Log(AuditEvent{
		EventType: AuditEventPolicyExecution,
		Action:    action,
		Result:    "success",
		Details:   details,
	})
}

// Close closes the audit log file.
func (a *AuditLogger) Close() error {
	return a.rotator.Close()
}
