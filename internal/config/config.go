// Package config loads killswitch settings. Precedence, lowest first:
// built-in defaults, the TOML file, KILLSWITCH_* environment variables, and
// command-line flags (applied by the caller).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/steveyegge/killswitch/internal/util"
)

// FileName is the config file looked up in the state directory.
const FileName = "killswitch.toml"

// Environment variables.
const (
	EnvConfig              = "KILLSWITCH_CONFIG"
	EnvStateDir            = "KILLSWITCH_STATE_DIR"
	EnvStateFile           = "KILLSWITCH_STATE_FILE"
	EnvBackupTrigger       = "KILLSWITCH_BACKUP_TRIGGER"
	EnvAuditDB             = "KILLSWITCH_AUDIT_DB"
	EnvLogLevel            = "KILLSWITCH_LOG_LEVEL"
	EnvAckTimeout          = "KILLSWITCH_ACK_TIMEOUT"
	EnvRecoveryTestTimeout = "KILLSWITCH_RECOVERY_TEST_TIMEOUT"
	EnvTestInterval        = "KILLSWITCH_TEST_INTERVAL"
	EnvGracePeriod         = "KILLSWITCH_GRACE_PERIOD"
	EnvMaxBackups          = "KILLSWITCH_MAX_BACKUPS"
	EnvNATSURL             = "KILLSWITCH_NATS_URL"
	EnvNATSToken           = "KILLSWITCH_NATS_TOKEN"
	EnvMetricsURL          = "KILLSWITCH_OTEL_METRICS_URL"
	EnvLogsURL             = "KILLSWITCH_OTEL_LOGS_URL"
)

// AuditDisabled as audit_db turns the audit ledger off.
const AuditDisabled = "none"

// Duration is a time.Duration written as a string ("5s") in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the full killswitch configuration.
type Config struct {
	StateDir            string   `toml:"state_dir"`
	StateFile           string   `toml:"state_file"`
	BackupTriggerPath   string   `toml:"backup_trigger_path"`
	AuditDB             string   `toml:"audit_db"`
	LogLevel            string   `toml:"log_level"`
	AckTimeout          Duration `toml:"ack_timeout"`
	RecoveryTestTimeout Duration `toml:"recovery_test_timeout"`
	TestInterval        Duration `toml:"test_interval"`
	GracePeriod         Duration `toml:"grace_period"`
	MaxBackups          int      `toml:"max_backups"`

	Lock struct {
		MaxAttempts int      `toml:"max_attempts"`
		BaseDelay   Duration `toml:"base_delay"`
		Multiplier  float64  `toml:"multiplier"`
	} `toml:"lock"`

	Publish struct {
		MaxAttempts int      `toml:"max_attempts"`
		BaseDelay   Duration `toml:"base_delay"`
	} `toml:"publish"`

	NATS struct {
		URL   string `toml:"url"`
		Token string `toml:"token"`
		Name  string `toml:"name"`
	} `toml:"nats"`

	Telemetry struct {
		MetricsURL string `toml:"metrics_url"`
		LogsURL    string `toml:"logs_url"`
	} `toml:"telemetry"`

	// Source is the file the config was read from, empty if none.
	Source string `toml:"-"`
}

// Default returns the built-in configuration.
func Default() *Config {
	c := &Config{
		StateDir:            defaultStateDir(),
		StateFile:           "killswitch.json",
		LogLevel:            "info",
		AckTimeout:          Duration{5 * time.Second},
		RecoveryTestTimeout: Duration{5 * time.Second},
		GracePeriod:         Duration{2 * time.Second},
		MaxBackups:          10,
	}
	c.Lock.MaxAttempts = 4
	c.Lock.BaseDelay = Duration{500 * time.Millisecond}
	c.Lock.Multiplier = 2
	c.Publish.MaxAttempts = 3
	c.Publish.BaseDelay = Duration{100 * time.Millisecond}
	c.NATS.Name = "killswitch"
	return c
}

func defaultStateDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".killswitch")
	}
	return ".killswitch"
}

// Load resolves the config file and applies it and the environment over the
// defaults. path may be empty; then $KILLSWITCH_CONFIG, then
// <state_dir>/killswitch.toml are tried. An explicitly named file must
// exist; the state directory file is optional.
func Load(path string) (*Config, error) {
	c := Default()
	if dir := os.Getenv(EnvStateDir); dir != "" {
		c.StateDir = dir
	}

	explicit := true
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path == "" {
		path = filepath.Join(c.StateDir, FileName)
		explicit = false
	}

	if _, err := toml.DecodeFile(path, c); err != nil {
		if !errors.Is(err, os.ErrNotExist) || explicit {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else {
		c.Source = path
	}

	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyEnv() error {
	envString(EnvStateDir, &c.StateDir)
	envString(EnvStateFile, &c.StateFile)
	envString(EnvBackupTrigger, &c.BackupTriggerPath)
	envString(EnvAuditDB, &c.AuditDB)
	envString(EnvLogLevel, &c.LogLevel)
	envString(EnvNATSURL, &c.NATS.URL)
	envString(EnvNATSToken, &c.NATS.Token)
	envString(EnvMetricsURL, &c.Telemetry.MetricsURL)
	envString(EnvLogsURL, &c.Telemetry.LogsURL)

	for key, dst := range map[string]*Duration{
		EnvAckTimeout:          &c.AckTimeout,
		EnvRecoveryTestTimeout: &c.RecoveryTestTimeout,
		EnvTestInterval:        &c.TestInterval,
		EnvGracePeriod:         &c.GracePeriod,
	} {
		if v := os.Getenv(key); v != "" {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
		}
	}
	if v := os.Getenv(EnvMaxBackups); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxBackups, err)
		}
		c.MaxBackups = n
	}
	return nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate rejects settings the controller cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q: want debug, info, warn or error", c.LogLevel))
	}
	if c.StateDir == "" {
		errs = append(errs, errors.New("state_dir is empty"))
	}
	if c.StateFile == "" {
		errs = append(errs, errors.New("state_file is empty"))
	}
	if c.AckTimeout.Duration <= 0 {
		errs = append(errs, errors.New("ack_timeout must be positive"))
	}
	if c.RecoveryTestTimeout.Duration <= 0 {
		errs = append(errs, errors.New("recovery_test_timeout must be positive"))
	}
	if c.TestInterval.Duration < 0 {
		errs = append(errs, errors.New("test_interval must not be negative"))
	}
	if c.MaxBackups < 1 {
		errs = append(errs, errors.New("max_backups must be at least 1"))
	}
	if c.Lock.MaxAttempts < 1 {
		errs = append(errs, errors.New("lock.max_attempts must be at least 1"))
	}
	if c.Lock.Multiplier < 1 {
		errs = append(errs, errors.New("lock.multiplier must be at least 1"))
	}
	if c.Publish.MaxAttempts < 1 {
		errs = append(errs, errors.New("publish.max_attempts must be at least 1"))
	}
	return errors.Join(errs...)
}

// StatePath is the state document path. A relative state_file is taken
// relative to state_dir.
func (c *Config) StatePath() string {
	return c.resolve(c.StateFile)
}

// BackupPath is the backup trigger file; empty means the default next to
// the state document.
func (c *Config) BackupPath() string {
	if c.BackupTriggerPath == "" {
		return ""
	}
	return c.resolve(c.BackupTriggerPath)
}

// AuditPath is the audit ledger database, or "" when auditing is off.
func (c *Config) AuditPath() string {
	switch c.AuditDB {
	case AuditDisabled:
		return ""
	case "":
		return filepath.Join(c.StateDir, "audit.db")
	}
	return c.resolve(c.AuditDB)
}

func (c *Config) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.StateDir, p)
}

// LockPolicy bounds state lock acquisition.
func (c *Config) LockPolicy() util.RetryPolicy {
	return util.RetryPolicy{
		MaxAttempts: c.Lock.MaxAttempts,
		BaseDelay:   c.Lock.BaseDelay.Duration,
		MaxDelay:    10 * time.Second,
		Multiplier:  c.Lock.Multiplier,
		Jitter:      true,
	}
}

// PublishPolicy applies the [publish] settings to base, keeping its
// retryability rule.
func (c *Config) PublishPolicy(base util.RetryPolicy) util.RetryPolicy {
	base.MaxAttempts = c.Publish.MaxAttempts
	if c.Publish.BaseDelay.Duration > 0 {
		base.BaseDelay = c.Publish.BaseDelay.Duration
	}
	return base
}

// Write saves c as TOML, creating the directory.
func (c *Config) Write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(c)
	return errors.Join(encErr, f.Close())
}
