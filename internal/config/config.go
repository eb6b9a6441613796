package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/benaskins/seedvault/internal/health"
	"github.com/benaskins/seedvault/internal/migrate"
	"github.com/benaskins/seedvault/internal/selector"
)

// Backend types understood by the backend factory.
const (
	TypeMemory   = "memory"
	TypeKeychain = "keychain"
	TypeFile     = "file"
	TypeVault    = "vault"
	TypeS3       = "s3"
)

// Config holds persistent daemon configuration loaded from ~/.seedvault/config.yaml.
type Config struct {
	Backends    []Backend `yaml:"backends,omitempty"`
	Health      Health    `yaml:"health,omitempty"`
	Migration   Migration `yaml:"migration,omitempty"`
	Selector    Selector  `yaml:"selector,omitempty"`
	APIAddr     string    `yaml:"api_addr,omitempty"`
	MetricsAddr string    `yaml:"metrics_addr,omitempty"`
	LogLevel    string    `yaml:"log_level,omitempty"`  // debug | info | warn | error
	LogFormat   string    `yaml:"log_format,omitempty"` // text | json
	AuditLog    string    `yaml:"audit_log,omitempty"`
}

// Backend is one candidate storage backend.
type Backend struct {
	ID       string `yaml:"id"`
	Type     string `yaml:"type"`
	Priority int    `yaml:"priority,omitempty"`
	Disabled bool   `yaml:"disabled,omitempty"`
	Audit    bool   `yaml:"audit,omitempty"` // record every secret access in the audit log

	Keychain Keychain `yaml:"keychain,omitempty"`
	File     File     `yaml:"file,omitempty"`
	Vault    Vault    `yaml:"vault,omitempty"`
	S3       S3       `yaml:"s3,omitempty"`
}

type Keychain struct {
	Service string `yaml:"service,omitempty"`
}

type File struct {
	Dir           string `yaml:"dir,omitempty"`
	PassphraseEnv string `yaml:"passphrase_env,omitempty"`
}

type Vault struct {
	Address   string `yaml:"address,omitempty"`
	Mount     string `yaml:"mount,omitempty"`
	Path      string `yaml:"path,omitempty"`
	Namespace string `yaml:"namespace,omitempty"`
	TokenEnv  string `yaml:"token_env,omitempty"`
}

type S3 struct {
	Bucket       string `yaml:"bucket,omitempty"`
	Prefix       string `yaml:"prefix,omitempty"`
	Region       string `yaml:"region,omitempty"`
	Endpoint     string `yaml:"endpoint,omitempty"`
	UsePathStyle bool   `yaml:"use_path_style,omitempty"`
	AccessKeyEnv string `yaml:"access_key_env,omitempty"`
	SecretKeyEnv string `yaml:"secret_key_env,omitempty"`
	// PassphraseEnv names the variable holding the passphrase objects are
	// sealed with before upload.
	PassphraseEnv string `yaml:"passphrase_env,omitempty"`
}

// Health overrides monitor thresholds. Zero values keep the defaults.
type Health struct {
	CheckInterval         Duration `yaml:"check_interval,omitempty"`
	ProbeTimeout          Duration `yaml:"probe_timeout,omitempty"`
	MaxErrors             int      `yaml:"max_errors,omitempty"`
	DegradedThreshold     float64  `yaml:"degraded_threshold,omitempty"`
	UnhealthyThreshold    float64  `yaml:"unhealthy_threshold,omitempty"`
	ResponseTimeThreshold Duration `yaml:"response_time_threshold,omitempty"`
	MaxHistorySize        int      `yaml:"max_history_size,omitempty"`
	AutoRecovery          *bool    `yaml:"auto_recovery,omitempty"`
	RecoveryDelay         Duration `yaml:"recovery_delay,omitempty"`
	CriticalWindow        Duration `yaml:"critical_window,omitempty"`
}

// Migration overrides migrator settings.
type Migration struct {
	MaxRetries         *int     `yaml:"max_retries,omitempty"`
	RetryDelay         Duration `yaml:"retry_delay,omitempty"`
	ValidateData       *bool    `yaml:"validate_data,omitempty"`
	PreserveTimestamps *bool    `yaml:"preserve_timestamps,omitempty"`
	EnableRollback     *bool    `yaml:"enable_rollback,omitempty"`
	RateLimit          float64  `yaml:"rate_limit,omitempty"`
	Retention          Duration `yaml:"retention,omitempty"`
}

// Selector overrides switching settings.
type Selector struct {
	SwitchMargin float64 `yaml:"switch_margin,omitempty"`
	AutoMigrate  *bool   `yaml:"auto_migrate,omitempty"`
}

// Duration wraps time.Duration for YAML unmarshaling from strings like "10s", "5m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

func (d Duration) IsZero() bool { return d.Duration == 0 }

// Dir returns the seedvault home directory: ~/.seedvault.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".seedvault")
}

// DefaultPath returns the default config file path: ~/.seedvault/config.yaml.
func DefaultPath() string {
	dir := Dir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "config.yaml")
}

// DefaultFileDir is where the file backend keeps sealed items unless
// configured otherwise.
func DefaultFileDir() string { return filepath.Join(Dir(), "vault") }

// Load reads a YAML config file from path. If the file does not exist,
// it returns an empty Config and no error. An empty or all-comment file
// also returns an empty Config with no error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks thresholds and backend entries.
func (c *Config) Validate() error {
	var errs []error

	seen := make(map[string]bool)
	for i, b := range c.Backends {
		if b.ID == "" {
			errs = append(errs, fmt.Errorf("backends[%d]: id is required", i))
			continue
		}
		if seen[b.ID] {
			errs = append(errs, fmt.Errorf("backends[%d]: duplicate id %q", i, b.ID))
		}
		seen[b.ID] = true
		if err := b.validate(); err != nil {
			errs = append(errs, fmt.Errorf("backend %q: %w", b.ID, err))
		}
	}

	h := c.Health
	if h.DegradedThreshold < 0 || h.DegradedThreshold > 1 {
		errs = append(errs, fmt.Errorf("health.degraded_threshold must be within [0, 1]"))
	}
	if h.UnhealthyThreshold < 0 || h.UnhealthyThreshold > 1 {
		errs = append(errs, fmt.Errorf("health.unhealthy_threshold must be within [0, 1]"))
	}
	hc := c.HealthConfig()
	if hc.DegradedThreshold >= hc.UnhealthyThreshold {
		errs = append(errs, fmt.Errorf("health.degraded_threshold (%.2f) must be below health.unhealthy_threshold (%.2f)",
			hc.DegradedThreshold, hc.UnhealthyThreshold))
	}
	if h.MaxErrors < 0 || h.MaxHistorySize < 0 {
		errs = append(errs, fmt.Errorf("health limits must not be negative"))
	}

	if m := c.Migration; m.MaxRetries != nil && *m.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("migration.max_retries must not be negative"))
	}
	if c.Migration.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("migration.rate_limit must not be negative"))
	}
	if c.Selector.SwitchMargin < 0 {
		errs = append(errs, fmt.Errorf("selector.switch_margin must not be negative"))
	}

	if c.LogLevel != "" {
		if _, err := c.Level(); err != nil {
			errs = append(errs, err)
		}
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}

	return errors.Join(errs...)
}

func (b Backend) validate() error {
	switch b.Type {
	case TypeMemory, TypeKeychain:
	case TypeFile:
		if b.File.PassphraseEnv == "" {
			return fmt.Errorf("file.passphrase_env is required")
		}
	case TypeVault:
		if b.Vault.Address == "" && os.Getenv("VAULT_ADDR") == "" {
			return fmt.Errorf("vault.address is required")
		}
	case TypeS3:
		if b.S3.Bucket == "" {
			return fmt.Errorf("s3.bucket is required")
		}
		if b.S3.PassphraseEnv == "" {
			return fmt.Errorf("s3.passphrase_env is required")
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown type %q", b.Type)
	}
	return nil
}

// Level parses LogLevel, defaulting to info.
func (c *Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level: %w", err)
	}
	return lvl, nil
}

// EnabledBackends returns the configured backends that are not disabled.
// With none configured, the defaults for rt are returned.
func (c *Config) EnabledBackends(rt selector.Runtime) []Backend {
	if len(c.Backends) == 0 {
		return DefaultBackends(rt)
	}
	var out []Backend
	for _, b := range c.Backends {
		if !b.Disabled {
			out = append(out, b)
		}
	}
	return out
}

// DefaultPassphraseEnv is read by the default file backend.
const DefaultPassphraseEnv = "SEEDVAULT_PASSPHRASE"

// DefaultBackends lists the backends registered when none are configured,
// in the runtime's candidate order.
func DefaultBackends(rt selector.Runtime) []Backend {
	var out []Backend
	for i, kind := range selector.Candidates(rt) {
		b := Backend{ID: kind, Type: kind, Priority: i}
		if kind == TypeFile {
			b.File = File{Dir: DefaultFileDir(), PassphraseEnv: DefaultPassphraseEnv}
		}
		out = append(out, b)
	}
	return out
}

// HealthConfig returns monitor settings with overrides applied.
func (c *Config) HealthConfig() health.Config {
	out := health.DefaultConfig()
	h := c.Health
	if !h.CheckInterval.IsZero() {
		out.CheckInterval = h.CheckInterval.Duration
	}
	if !h.ProbeTimeout.IsZero() {
		out.ProbeTimeout = h.ProbeTimeout.Duration
	}
	if h.MaxErrors > 0 {
		out.MaxErrors = h.MaxErrors
	}
	if h.DegradedThreshold > 0 {
		out.DegradedThreshold = h.DegradedThreshold
	}
	if h.UnhealthyThreshold > 0 {
		out.UnhealthyThreshold = h.UnhealthyThreshold
	}
	if !h.ResponseTimeThreshold.IsZero() {
		out.ResponseTimeThreshold = h.ResponseTimeThreshold.Duration
	}
	if h.MaxHistorySize > 0 {
		out.MaxHistorySize = h.MaxHistorySize
	}
	if h.AutoRecovery != nil {
		out.EnableAutoRecovery = *h.AutoRecovery
	}
	if !h.RecoveryDelay.IsZero() {
		out.RecoveryDelay = h.RecoveryDelay.Duration
	}
	if !h.CriticalWindow.IsZero() {
		out.CriticalWindow = h.CriticalWindow.Duration
	}
	return out
}

// MigrateConfig returns migrator settings with overrides applied.
// Callbacks and the audit sink are left for the caller to wire.
func (c *Config) MigrateConfig() migrate.Config {
	out := migrate.DefaultConfig()
	m := c.Migration
	if m.MaxRetries != nil {
		out.MaxRetries = *m.MaxRetries
	}
	if !m.RetryDelay.IsZero() {
		out.RetryDelay = m.RetryDelay.Duration
	}
	if m.ValidateData != nil {
		out.ValidateData = *m.ValidateData
	}
	if m.PreserveTimestamps != nil {
		out.PreserveTimestamps = *m.PreserveTimestamps
	}
	if m.EnableRollback != nil {
		out.EnableRollback = *m.EnableRollback
	}
	out.RateLimit = m.RateLimit
	if !m.Retention.IsZero() {
		out.RetentionPeriod = m.Retention.Duration
	}
	return out
}

// SelectorConfig returns switching settings with overrides applied.
func (c *Config) SelectorConfig() selector.Config {
	out := selector.DefaultConfig()
	if c.Selector.SwitchMargin > 0 {
		out.SwitchMargin = c.Selector.SwitchMargin
	}
	if c.Selector.AutoMigrate != nil {
		out.AutoMigrate = *c.Selector.AutoMigrate
	}
	return out
}
