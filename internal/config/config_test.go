package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/Dicklesworthstone/qgov/internal/governor"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultPathHonorsXDG(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	want := filepath.Join(dir, "qgov", "config.toml")
	if got := DefaultPath(); got != want {
		t.Errorf("DefaultPath() = %q, want %q", got, want)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Selector.HighUsageThreshold != 90 {
		t.Errorf("HighUsageThreshold = %v, want 90", cfg.Selector.HighUsageThreshold)
	}
	if cfg.Collector.MinInterval != 5*time.Minute {
		t.Errorf("MinInterval = %v, want 5m", cfg.Collector.MinInterval)
	}
	if cfg.Governor.Target != 0.90 {
		t.Errorf("Target = %v, want 0.90", cfg.Governor.Target)
	}
	if len(cfg.Governor.Automations) == 0 {
		t.Fatal("expected default automations")
	}
	if cfg.Governor.Automations[0].Name != "production-health-check" || cfg.Governor.Automations[0].CeilingMinutes != 120 {
		t.Errorf("first automation = %+v", cfg.Governor.Automations[0])
	}
	if len(cfg.Credentials) != 1 || !cfg.Credentials[0].Writable {
		t.Errorf("Credentials = %+v", cfg.Credentials)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() = %v", err)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	t.Setenv("QGOV_USAGE_URL", "")
	t.Setenv("QGOV_TOKEN_URL", "")
	t.Setenv("QGOV_CLIENT_ID", "")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Upstream.BaseURL != Default().Upstream.BaseURL {
		t.Errorf("BaseURL = %q", cfg.Upstream.BaseURL)
	}
}

func TestLoadMergesPartialFile(t *testing.T) {
	t.Setenv("QGOV_USAGE_URL", "")
	t.Setenv("QGOV_TOKEN_URL", "")
	t.Setenv("QGOV_CLIENT_ID", "")

	path := writeConfig(t, `
[selector]
high_usage_threshold = 80
switch_margin = 5

[collector]
min_interval = "10m"

[governor]
target = 0.8

[[governor.automation]]
name = "nightly-build"
default_minutes = 90
mode = "static"
static_minutes = 45

[daemon.backoff]
initial_delay = "1m"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Selector.HighUsageThreshold != 80 || cfg.Selector.SwitchMargin != 5 {
		t.Errorf("Selector = %+v", cfg.Selector)
	}
	if cfg.Selector.ExhaustionThreshold != 100 {
		t.Errorf("ExhaustionThreshold = %v, want default 100", cfg.Selector.ExhaustionThreshold)
	}
	if cfg.Collector.MinInterval != 10*time.Minute {
		t.Errorf("MinInterval = %v, want 10m", cfg.Collector.MinInterval)
	}
	if cfg.Collector.Retention != Default().Collector.Retention {
		t.Errorf("Retention = %v, want default", cfg.Collector.Retention)
	}
	if cfg.Governor.Target != 0.8 || cfg.Governor.Step != Default().Governor.Step {
		t.Errorf("Governor = %+v", cfg.Governor)
	}
	if cfg.Daemon.Backoff.InitialDelay != time.Minute || cfg.Daemon.Backoff.MaxDelay != Default().Daemon.Backoff.MaxDelay {
		t.Errorf("Backoff = %+v", cfg.Daemon.Backoff)
	}

	autos := cfg.Automations()
	if len(autos) != 1 {
		t.Fatalf("Automations() = %+v", autos)
	}
	if autos[0].Mode != governor.ModeStatic || autos[0].StaticMinutes != 45 {
		t.Errorf("automation = %+v", autos[0])
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("QGOV_USAGE_URL", "http://127.0.0.1:9999")
	t.Setenv("QGOV_TOKEN_URL", "http://127.0.0.1:9999/token")
	t.Setenv("QGOV_CLIENT_ID", "client-x")

	path := writeConfig(t, "[upstream]\nbase_url = \"https://example.invalid\"\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	opts := cfg.UpstreamOptions()
	if opts.BaseURL != "http://127.0.0.1:9999" || opts.TokenURL != "http://127.0.0.1:9999/token" || opts.ClientID != "client-x" {
		t.Errorf("UpstreamOptions() = %+v", opts)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"syntax", "[selector\n", "parsing config"},
		{"unknown mode", "[[governor.automation]]\nname = \"a\"\ndefault_minutes = 5\nmode = \"turbo\"\n", "unknown mode"},
		{"duplicate", "[[governor.automation]]\nname = \"a\"\ndefault_minutes = 5\n[[governor.automation]]\nname = \"a\"\ndefault_minutes = 6\n", "duplicate"},
		{"no minutes", "[[governor.automation]]\nname = \"a\"\n", "default_minutes"},
		{"credential path", "[[credentials]]\nname = \"x\"\n", "path is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestSourcesExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	cfg := Default()
	cfg.Credentials = []CredentialFile{{Path: "~/.creds/a.json", Writable: true}}

	sources := cfg.Sources()
	if len(sources) != 1 {
		t.Fatalf("Sources() = %+v", sources)
	}
	if sources[0].Path != filepath.Join(home, ".creds", "a.json") {
		t.Errorf("Path = %q", sources[0].Path)
	}
	if sources[0].Name != "a.json" {
		t.Errorf("Name = %q, want file name fallback", sources[0].Name)
	}
}

func TestKeyConfig(t *testing.T) {
	cfg := Default()
	if _, ok := cfg.KeyConfig(); ok {
		t.Error("KeyConfig() enabled by default")
	}

	cfg.Encryption.Enabled = true
	kc, ok := cfg.KeyConfig()
	if !ok {
		t.Fatal("KeyConfig() disabled after enabling")
	}
	if kc.KeySource != "env" || kc.KeyEnv != "QGOV_ENCRYPTION_KEY" || kc.KeyFormat != "hex" {
		t.Errorf("KeyConfig() = %+v", kc)
	}
}

func TestLoadEncryptionKeepsDefaults(t *testing.T) {
	path := writeConfig(t, "[encryption]\nenabled = true\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Encryption.KeyEnv != "QGOV_ENCRYPTION_KEY" || cfg.Encryption.KeyFormat != "hex" {
		t.Errorf("Encryption = %+v", cfg.Encryption)
	}
}

func TestPrintRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	if err := Print(Default(), &buf); err != nil {
		t.Fatalf("Print() error = %v", err)
	}

	var parsed Config
	if _, err := toml.Decode(buf.String(), &parsed); err != nil {
		t.Fatalf("printed config does not parse: %v\n%s", err, buf.String())
	}
	def := Default()
	if parsed.Collector.Retention != def.Collector.Retention {
		t.Errorf("Retention = %v, want %v", parsed.Collector.Retention, def.Collector.Retention)
	}
	if len(parsed.Governor.Automations) != len(def.Governor.Automations) {
		t.Errorf("automations = %d, want %d", len(parsed.Governor.Automations), len(def.Governor.Automations))
	}
	if parsed.Daemon.Backoff.MaxDelay != def.Daemon.Backoff.MaxDelay {
		t.Errorf("MaxDelay = %v", parsed.Daemon.Backoff.MaxDelay)
	}
}

func TestCreateDefault(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	path, err := CreateDefault()
	if err != nil {
		t.Fatalf("CreateDefault() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config not written: %v", err)
	}
	if _, err := CreateDefault(); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Errorf("second CreateDefault() error = %v", err)
	}
}
