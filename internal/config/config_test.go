package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benaskins/seedvault/internal/selector"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `api_addr: 127.0.0.1:9090
metrics_addr: 127.0.0.1:9091
log_level: debug
log_format: json
audit_log: /tmp/seedvault/audit.log
backends:
  - id: keychain
    type: keychain
    priority: 0
  - id: vault
    type: vault
    priority: 1
    audit: true
    vault:
      address: https://vault.internal:8200
      mount: secret
      path: seedvault
      token_env: VAULT_TOKEN
health:
  check_interval: 10s
  max_errors: 5
  auto_recovery: false
migration:
  max_retries: 0
  retry_delay: 250ms
  rate_limit: 50
selector:
  switch_margin: 0.3
  auto_migrate: false
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.APIAddr != "127.0.0.1:9090" {
		t.Errorf("APIAddr = %q, want %q", cfg.APIAddr, "127.0.0.1:9090")
	}
	if len(cfg.Backends) != 2 {
		t.Fatalf("len(Backends) = %d, want 2", len(cfg.Backends))
	}
	v := cfg.Backends[1]
	if v.Vault.Address != "https://vault.internal:8200" || !v.Audit || v.Priority != 1 {
		t.Errorf("vault backend = %+v", v)
	}

	hc := cfg.HealthConfig()
	if hc.CheckInterval != 10*time.Second {
		t.Errorf("CheckInterval = %v, want 10s", hc.CheckInterval)
	}
	if hc.MaxErrors != 5 {
		t.Errorf("MaxErrors = %d, want 5", hc.MaxErrors)
	}
	if hc.EnableAutoRecovery {
		t.Error("EnableAutoRecovery = true, want false")
	}
	if hc.ProbeTimeout != 10*time.Second {
		t.Errorf("ProbeTimeout = %v, want default 10s", hc.ProbeTimeout)
	}

	mc := cfg.MigrateConfig()
	if mc.MaxRetries != 0 {
		t.Errorf("MaxRetries = %d, want 0", mc.MaxRetries)
	}
	if mc.RetryDelay != 250*time.Millisecond {
		t.Errorf("RetryDelay = %v, want 250ms", mc.RetryDelay)
	}
	if mc.RateLimit != 50 {
		t.Errorf("RateLimit = %v, want 50", mc.RateLimit)
	}
	if !mc.ValidateData || !mc.EnableRollback {
		t.Error("expected validation and rollback defaults to stay enabled")
	}

	sc := cfg.SelectorConfig()
	if sc.SwitchMargin != 0.3 || sc.AutoMigrate {
		t.Errorf("SelectorConfig = %+v", sc)
	}

	lvl, err := cfg.Level()
	if err != nil || lvl != slog.LevelDebug {
		t.Errorf("Level() = %v, %v", lvl, err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	cfg, err := Load("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("expected no error for missing file, got: %v", err)
	}
	if len(cfg.Backends) != 0 || cfg.APIAddr != "" {
		t.Errorf("expected empty config, got %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("empty config should validate: %v", err)
	}
}

func TestLoadEmptyFile(t *testing.T) {
	t.Parallel()
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.APIAddr != "" {
		t.Errorf("APIAddr = %q, want empty", cfg.APIAddr)
	}
}

func TestLoadCommentsOnly(t *testing.T) {
	t.Parallel()
	cfg, err := Load(writeConfig(t, "# api_addr: 127.0.0.1:9090\n# log_level: debug\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.APIAddr != "" || cfg.LogLevel != "" {
		t.Errorf("expected empty config, got %+v", cfg)
	}
}

func TestLoadInvalidDuration(t *testing.T) {
	t.Parallel()
	_, err := Load(writeConfig(t, "health:\n  check_interval: soon\n"))
	if err == nil {
		t.Fatal("expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "invalid duration") {
		t.Errorf("error = %v, want invalid duration", err)
	}
}

func TestDefaultsMatchComponents(t *testing.T) {
	t.Parallel()
	cfg := &Config{}
	if cfg.HealthConfig().CheckInterval != 30*time.Second {
		t.Error("health defaults not applied")
	}
	mc := cfg.MigrateConfig()
	if mc.MaxRetries != 3 || mc.RetryDelay != time.Second {
		t.Errorf("migrate defaults = %+v", mc)
	}
	if cfg.SelectorConfig().SwitchMargin != 0.2 || !cfg.SelectorConfig().AutoMigrate {
		t.Error("selector defaults not applied")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"missing id", Config{Backends: []Backend{{Type: TypeMemory}}}, "id is required"},
		{"duplicate id", Config{Backends: []Backend{{ID: "a", Type: TypeMemory}, {ID: "a", Type: TypeMemory}}}, "duplicate id"},
		{"unknown type", Config{Backends: []Backend{{ID: "a", Type: "floppy"}}}, "unknown type"},
		{"missing type", Config{Backends: []Backend{{ID: "a"}}}, "type is required"},
		{"file without passphrase", Config{Backends: []Backend{{ID: "f", Type: TypeFile}}}, "passphrase_env"},
		{"s3 without bucket", Config{Backends: []Backend{{ID: "s", Type: TypeS3}}}, "s3.bucket"},
		{"threshold order", Config{Health: Health{DegradedThreshold: 0.5}}, "must be below"},
		{"threshold range", Config{Health: Health{UnhealthyThreshold: 1.5}}, "within [0, 1]"},
		{"negative retries", Config{Migration: Migration{MaxRetries: ptr(-1)}}, "max_retries"},
		{"negative margin", Config{Selector: Selector{SwitchMargin: -0.1}}, "switch_margin"},
		{"bad log level", Config{LogLevel: "loud"}, "log_level"},
		{"bad log format", Config{LogFormat: "xml"}, "log_format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if err == nil {
				t.Fatalf("expected error containing %q", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestEnabledBackends(t *testing.T) {
	t.Parallel()
	cfg := &Config{Backends: []Backend{
		{ID: "a", Type: TypeMemory},
		{ID: "b", Type: TypeMemory, Disabled: true},
	}}
	got := cfg.EnabledBackends(selector.RuntimeLinux)
	if len(got) != 1 || got[0].ID != "a" {
		t.Errorf("EnabledBackends = %+v", got)
	}

	empty := &Config{}
	def := empty.EnabledBackends(selector.RuntimeDarwin)
	if len(def) != 2 || def[0].Type != TypeKeychain || def[1].Type != TypeFile {
		t.Fatalf("darwin defaults = %+v", def)
	}
	if def[1].File.PassphraseEnv != DefaultPassphraseEnv || def[1].Priority != 1 {
		t.Errorf("file default = %+v", def[1])
	}
	for _, b := range def {
		if err := b.validate(); err != nil {
			t.Errorf("default backend %q invalid: %v", b.ID, err)
		}
	}
}

func TestWatchReloads(t *testing.T) {
	path := writeConfig(t, "log_level: info\n")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Config, 4)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, logger, func(c *Config) { got <- c }) }()

	// Give the watcher time to subscribe before writing.
	time.Sleep(100 * time.Millisecond)

	// Invalid content is skipped.
	if err := os.WriteFile(path, []byte("log_format: xml\n"), 0644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(watchDebounce + 200*time.Millisecond)
	if err := os.WriteFile(path, []byte("log_level: debug\n"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-got:
		if cfg.LogLevel != "debug" {
			t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch returned %v", err)
	}
}

func ptr[T any](v T) *T { return &v }
