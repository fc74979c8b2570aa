package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/Dicklesworthstone/qgov/internal/credsource"
	"github.com/Dicklesworthstone/qgov/internal/encryption"
	"github.com/Dicklesworthstone/qgov/internal/governor"
	"github.com/Dicklesworthstone/qgov/internal/reviver"
	"github.com/Dicklesworthstone/qgov/internal/scheduler"
	"github.com/Dicklesworthstone/qgov/internal/selector"
	"github.com/Dicklesworthstone/qgov/internal/snapshot"
	"github.com/Dicklesworthstone/qgov/internal/trajectory"
	"github.com/Dicklesworthstone/qgov/internal/upstream"
	"github.com/Dicklesworthstone/qgov/internal/util"
)

// Config represents the main configuration
type Config struct {
	Upstream    UpstreamConfig   `toml:"upstream"`
	Selector    SelectorConfig   `toml:"selector"`
	Collector   CollectorConfig  `toml:"collector"`
	Estimator   EstimatorConfig  `toml:"estimator"`
	Governor    GovernorConfig   `toml:"governor"`
	Reviver     ReviverConfig    `toml:"reviver"`
	Credentials []CredentialFile `toml:"credentials"`
	Encryption  EncryptionConfig `toml:"encryption"`
	Daemon      DaemonConfig     `toml:"daemon"`
}

// UpstreamConfig holds the usage and token endpoints
type UpstreamConfig struct {
	BaseURL           string        `toml:"base_url"`
	TokenURL          string        `toml:"token_url"`
	ClientID          string        `toml:"client_id"`
	Timeout           time.Duration `toml:"timeout"`
	RequestsPerSecond float64       `toml:"requests_per_second"`
	Burst             int           `toml:"burst"`
}

// SelectorConfig holds key selection thresholds (percent)
type SelectorConfig struct {
	ExhaustionThreshold float64 `toml:"exhaustion_threshold"`
	HighUsageThreshold  float64 `toml:"high_usage_threshold"`
	SwitchMargin        float64 `toml:"switch_margin"`
}

// CollectorConfig holds snapshot collection settings
type CollectorConfig struct {
	MinInterval time.Duration `toml:"min_interval"`
	Retention   time.Duration `toml:"retention"`
}

// EstimatorConfig holds burn-rate estimation settings
type EstimatorConfig struct {
	Window           time.Duration `toml:"window"`
	Spacing          time.Duration `toml:"spacing"`
	MinDelta         time.Duration `toml:"min_delta"`
	Alpha            float64       `toml:"alpha"`
	MinSamples       int           `toml:"min_samples"`
	ColdStartSamples int           `toml:"cold_start_samples"`
	ResetDrop        float64       `toml:"reset_drop"`
}

// GovernorConfig holds control-loop settings and the governed automations
type GovernorConfig struct {
	Target          float64            `toml:"target"`
	Step            float64            `toml:"step"`
	ProjectionCap   float64            `toml:"projection_cap"`
	FloorMinutes    int                `toml:"floor_minutes"`
	HotKeyThreshold float64            `toml:"hot_key_threshold"`
	FlatSpeedUp     float64            `toml:"flat_speed_up"`
	Automations     []AutomationConfig `toml:"automation"`
}

// AutomationConfig is one governed automation
type AutomationConfig struct {
	Name           string `toml:"name"`
	DefaultMinutes int    `toml:"default_minutes"`
	CeilingMinutes int    `toml:"ceiling_minutes,omitempty"`
	Mode           string `toml:"mode,omitempty"`
	StaticMinutes  int    `toml:"static_minutes,omitempty"`
}

// ReviverConfig holds revival queue limits
type ReviverConfig struct {
	TTL        time.Duration `toml:"ttl"`
	MaxEntries int           `toml:"max_entries"`
}

// CredentialFile is one credential source on disk
type CredentialFile struct {
	Name     string `toml:"name"`
	Path     string `toml:"path"`
	Writable bool   `toml:"writable"`
}

// EncryptionConfig enables token sealing at rest
type EncryptionConfig struct {
	Enabled     bool              `toml:"enabled"`
	KeySource   string            `toml:"key_source"`
	KeyEnv      string            `toml:"key_env"`
	KeyFile     string            `toml:"key_file"`
	KeyCommand  string            `toml:"key_command"`
	KeyFormat   string            `toml:"key_format"`
	ActiveKeyID string            `toml:"active_key_id"`
	Keyring     map[string]string `toml:"keyring"`
}

// DaemonConfig holds the poll loop settings
type DaemonConfig struct {
	Interval     time.Duration           `toml:"interval"`
	JitterFactor float64                 `toml:"jitter_factor"`
	Backoff      scheduler.BackoffConfig `toml:"backoff"`
}

// DefaultPath returns the default config file path
func DefaultPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "qgov", "config.toml")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "qgov", "config.toml")
}

// DefaultAutomations returns the automations governed out of the box.
func DefaultAutomations() []AutomationConfig {
	return []AutomationConfig{
		{Name: "production-health-check", DefaultMinutes: 30, CeilingMinutes: 120},
		{Name: "code-review", DefaultMinutes: 60},
		{Name: "dependency-audit", DefaultMinutes: 240},
	}
}

// Default returns the default configuration
func Default() *Config {
	sel := selector.DefaultOptions()
	est := trajectory.DefaultOptions()
	gov := governor.DefaultOptions()
	daemon := scheduler.DefaultDaemonConfig()

	cfg := &Config{
		Upstream: UpstreamConfig{
			BaseURL:           upstream.DefaultBaseURL,
			TokenURL:          upstream.DefaultTokenURL,
			ClientID:          upstream.DefaultClientID,
			Timeout:           upstream.DefaultTimeout,
			RequestsPerSecond: upstream.DefaultRequestsPerSecond,
			Burst:             upstream.DefaultBurst,
		},
		Selector: SelectorConfig{
			ExhaustionThreshold: sel.ExhaustionThreshold,
			HighUsageThreshold:  sel.HighUsageThreshold,
		},
		Collector: CollectorConfig{
			MinInterval: snapshot.DefaultMinInterval,
			Retention:   snapshot.DefaultRetention,
		},
		Estimator: EstimatorConfig{
			Window:           est.Window,
			Spacing:          est.Spacing,
			MinDelta:         est.MinDelta,
			Alpha:            est.Alpha,
			MinSamples:       est.MinSamples,
			ColdStartSamples: est.ColdStartSamples,
			ResetDrop:        est.ResetDrop,
		},
		Governor: GovernorConfig{
			Target:          gov.Target,
			Step:            gov.Step,
			ProjectionCap:   gov.ProjectionCap,
			FloorMinutes:    gov.FloorMinutes,
			HotKeyThreshold: gov.HotKeyThreshold,
			FlatSpeedUp:     gov.FlatSpeedUp,
			Automations:     DefaultAutomations(),
		},
		Reviver: ReviverConfig{
			TTL:        reviver.DefaultTTL,
			MaxEntries: reviver.DefaultMaxEntries,
		},
		Encryption: EncryptionConfig{
			KeySource: "env",
			KeyEnv:    "QGOV_ENCRYPTION_KEY",
			KeyFormat: "hex",
		},
		Daemon: DaemonConfig{
			Interval:     daemon.Interval,
			JitterFactor: daemon.JitterFactor,
			Backoff:      daemon.Backoff,
		},
	}
	for _, s := range credsource.DefaultSources() {
		cfg.Credentials = append(cfg.Credentials, CredentialFile{Name: s.Name, Path: s.Path, Writable: s.Writable})
	}
	return cfg
}

// Load loads configuration from a file. A missing file yields the defaults
// with environment overrides applied.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		applyEnv(cfg)
		return cfg, nil
	case err != nil:
		return nil, err
	}

	var parsed Config
	if err := toml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	merge(cfg, &parsed)
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// merge overlays the values set in src onto dst.
func merge(dst, src *Config) {
	u := src.Upstream
	setString(&dst.Upstream.BaseURL, u.BaseURL)
	setString(&dst.Upstream.TokenURL, u.TokenURL)
	setString(&dst.Upstream.ClientID, u.ClientID)
	setDuration(&dst.Upstream.Timeout, u.Timeout)
	setFloat(&dst.Upstream.RequestsPerSecond, u.RequestsPerSecond)
	setInt(&dst.Upstream.Burst, u.Burst)

	setFloat(&dst.Selector.ExhaustionThreshold, src.Selector.ExhaustionThreshold)
	setFloat(&dst.Selector.HighUsageThreshold, src.Selector.HighUsageThreshold)
	setFloat(&dst.Selector.SwitchMargin, src.Selector.SwitchMargin)

	setDuration(&dst.Collector.MinInterval, src.Collector.MinInterval)
	setDuration(&dst.Collector.Retention, src.Collector.Retention)

	e := src.Estimator
	setDuration(&dst.Estimator.Window, e.Window)
	setDuration(&dst.Estimator.Spacing, e.Spacing)
	setDuration(&dst.Estimator.MinDelta, e.MinDelta)
	setFloat(&dst.Estimator.Alpha, e.Alpha)
	setInt(&dst.Estimator.MinSamples, e.MinSamples)
	setInt(&dst.Estimator.ColdStartSamples, e.ColdStartSamples)
	setFloat(&dst.Estimator.ResetDrop, e.ResetDrop)

	g := src.Governor
	setFloat(&dst.Governor.Target, g.Target)
	setFloat(&dst.Governor.Step, g.Step)
	setFloat(&dst.Governor.ProjectionCap, g.ProjectionCap)
	setInt(&dst.Governor.FloorMinutes, g.FloorMinutes)
	setFloat(&dst.Governor.HotKeyThreshold, g.HotKeyThreshold)
	setFloat(&dst.Governor.FlatSpeedUp, g.FlatSpeedUp)
	if len(g.Automations) > 0 {
		dst.Governor.Automations = g.Automations
	}

	setDuration(&dst.Reviver.TTL, src.Reviver.TTL)
	setInt(&dst.Reviver.MaxEntries, src.Reviver.MaxEntries)

	if len(src.Credentials) > 0 {
		dst.Credentials = src.Credentials
	}

	if src.Encryption.Enabled {
		defaults := dst.Encryption
		dst.Encryption = src.Encryption
		setString(&dst.Encryption.KeySource, defaults.KeySource)
		setString(&dst.Encryption.KeyFormat, defaults.KeyFormat)
		if dst.Encryption.KeySource == "env" {
			setString(&dst.Encryption.KeyEnv, defaults.KeyEnv)
		}
	}

	d := src.Daemon
	setDuration(&dst.Daemon.Interval, d.Interval)
	setFloat(&dst.Daemon.JitterFactor, d.JitterFactor)
	setDuration(&dst.Daemon.Backoff.InitialDelay, d.Backoff.InitialDelay)
	setDuration(&dst.Daemon.Backoff.MaxDelay, d.Backoff.MaxDelay)
	setFloat(&dst.Daemon.Backoff.Multiplier, d.Backoff.Multiplier)
	setFloat(&dst.Daemon.Backoff.JitterFactor, d.Backoff.JitterFactor)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}

func setFloat(dst *float64, v float64) {
	if v > 0 {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

// applyEnv applies environment variable overrides.
func applyEnv(cfg *Config) {
	if v := os.Getenv("QGOV_USAGE_URL"); v != "" {
		cfg.Upstream.BaseURL = v
	}
	if v := os.Getenv("QGOV_TOKEN_URL"); v != "" {
		cfg.Upstream.TokenURL = v
	}
	if v := os.Getenv("QGOV_CLIENT_ID"); v != "" {
		cfg.Upstream.ClientID = v
	}
}

// Validate reports settings the components cannot run with.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Governor.Automations))
	for _, a := range c.Governor.Automations {
		if strings.TrimSpace(a.Name) == "" {
			return fmt.Errorf("governor.automation: name is required")
		}
		if seen[a.Name] {
			return fmt.Errorf("governor.automation %q: duplicate name", a.Name)
		}
		seen[a.Name] = true
		if a.DefaultMinutes <= 0 {
			return fmt.Errorf("governor.automation %q: default_minutes must be positive", a.Name)
		}
		if a.CeilingMinutes < 0 {
			return fmt.Errorf("governor.automation %q: ceiling_minutes must not be negative", a.Name)
		}
		if a.Mode != "" && !governor.Mode(a.Mode).Valid() {
			return fmt.Errorf("governor.automation %q: unknown mode %q", a.Name, a.Mode)
		}
	}
	for _, cred := range c.Credentials {
		if cred.Path == "" {
			return fmt.Errorf("credentials %q: path is required", cred.Name)
		}
	}
	if c.Encryption.Enabled {
		switch c.Encryption.KeySource {
		case "env", "file", "command":
		default:
			if c.Encryption.ActiveKeyID == "" {
				return fmt.Errorf("encryption: unknown key_source %q", c.Encryption.KeySource)
			}
		}
	}
	return nil
}

// UpstreamOptions converts the [upstream] section.
func (c *Config) UpstreamOptions() upstream.Config {
	return upstream.Config{
		BaseURL:           c.Upstream.BaseURL,
		TokenURL:          c.Upstream.TokenURL,
		ClientID:          c.Upstream.ClientID,
		Timeout:           c.Upstream.Timeout,
		RequestsPerSecond: c.Upstream.RequestsPerSecond,
		Burst:             c.Upstream.Burst,
	}
}

// SelectorOptions converts the [selector] section.
func (c *Config) SelectorOptions() selector.Options {
	return selector.Options{
		ExhaustionThreshold: c.Selector.ExhaustionThreshold,
		HighUsageThreshold:  c.Selector.HighUsageThreshold,
		SwitchMargin:        c.Selector.SwitchMargin,
	}
}

// CollectorOptions converts the [collector] section.
func (c *Config) CollectorOptions() snapshot.Options {
	return snapshot.Options{
		MinInterval:         c.Collector.MinInterval,
		Retention:           c.Collector.Retention,
		ExhaustionThreshold: c.Selector.ExhaustionThreshold,
	}
}

// EstimatorOptions converts the [estimator] section.
func (c *Config) EstimatorOptions() trajectory.Options {
	e := c.Estimator
	return trajectory.Options{
		Window:           e.Window,
		Spacing:          e.Spacing,
		MinDelta:         e.MinDelta,
		Alpha:            e.Alpha,
		MinSamples:       e.MinSamples,
		ColdStartSamples: e.ColdStartSamples,
		ResetDrop:        e.ResetDrop,
	}
}

// GovernorOptions converts the [governor] section.
func (c *Config) GovernorOptions() governor.Options {
	g := c.Governor
	return governor.Options{
		Target:          g.Target,
		Step:            g.Step,
		ProjectionCap:   g.ProjectionCap,
		FloorMinutes:    g.FloorMinutes,
		HotKeyThreshold: g.HotKeyThreshold,
		FlatSpeedUp:     g.FlatSpeedUp,
	}
}

// Automations converts the [[governor.automation]] entries.
func (c *Config) Automations() []governor.Automation {
	out := make([]governor.Automation, 0, len(c.Governor.Automations))
	for _, a := range c.Governor.Automations {
		mode := governor.Mode(a.Mode)
		if mode == "" {
			mode = governor.ModeDynamic
		}
		out = append(out, governor.Automation{
			Name:           a.Name,
			DefaultMinutes: a.DefaultMinutes,
			CeilingMinutes: a.CeilingMinutes,
			Mode:           mode,
			StaticMinutes:  a.StaticMinutes,
		})
	}
	return out
}

// Sources converts the [[credentials]] entries, expanding ~/.
func (c *Config) Sources() []credsource.Source {
	out := make([]credsource.Source, 0, len(c.Credentials))
	for _, cred := range c.Credentials {
		name := cred.Name
		if name == "" {
			name = filepath.Base(cred.Path)
		}
		out = append(out, credsource.Source{
			Name:     name,
			Path:     util.ExpandHome(cred.Path),
			Writable: cred.Writable,
		})
	}
	return out
}

// KeyConfig converts the [encryption] section. ok is false when sealing is
// disabled.
func (c *Config) KeyConfig() (encryption.KeyConfig, bool) {
	e := c.Encryption
	if !e.Enabled {
		return encryption.KeyConfig{}, false
	}
	return encryption.KeyConfig{
		KeySource:   e.KeySource,
		KeyEnv:      e.KeyEnv,
		KeyFile:     util.ExpandHome(e.KeyFile),
		KeyCommand:  e.KeyCommand,
		KeyFormat:   e.KeyFormat,
		ActiveKeyID: e.ActiveKeyID,
		Keyring:     e.Keyring,
	}, true
}

// DaemonOptions converts the [daemon] section.
func (c *Config) DaemonOptions() scheduler.DaemonConfig {
	return scheduler.DaemonConfig{
		Interval:     c.Daemon.Interval,
		JitterFactor: c.Daemon.JitterFactor,
		Backoff:      c.Daemon.Backoff,
	}
}

// CreateDefault creates a default config file
func CreateDefault() (string, error) {
	path := DefaultPath()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating config directory: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("config file already exists: %s", path)
	}

	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if err := Print(Default(), f); err != nil {
		return "", err
	}

	return path, nil
}

// Print writes config to a writer in TOML format
func Print(cfg *Config, w io.Writer) error {
	p := &printer{w: w}

	p.line("# qgov configuration")
	p.line("# Environment overrides: QGOV_USAGE_URL, QGOV_TOKEN_URL, QGOV_CLIENT_ID")
	p.line("")

	p.line("[upstream]")
	p.kv("base_url", fmt.Sprintf("%q", cfg.Upstream.BaseURL))
	p.kv("token_url", fmt.Sprintf("%q", cfg.Upstream.TokenURL))
	p.kv("client_id", fmt.Sprintf("%q", cfg.Upstream.ClientID))
	p.kv("timeout", quoteDuration(cfg.Upstream.Timeout))
	p.kv("requests_per_second", fmt.Sprintf("%g", cfg.Upstream.RequestsPerSecond))
	p.kv("burst", fmt.Sprintf("%d", cfg.Upstream.Burst))
	p.line("")

	p.line("[selector]")
	p.line("# Percent thresholds. The active key is kept below high_usage_threshold.")
	p.kv("exhaustion_threshold", fmt.Sprintf("%g", cfg.Selector.ExhaustionThreshold))
	p.kv("high_usage_threshold", fmt.Sprintf("%g", cfg.Selector.HighUsageThreshold))
	p.kv("switch_margin", fmt.Sprintf("%g", cfg.Selector.SwitchMargin))
	p.line("")

	p.line("[collector]")
	p.kv("min_interval", quoteDuration(cfg.Collector.MinInterval))
	p.kv("retention", quoteDuration(cfg.Collector.Retention))
	p.line("")

	p.line("[estimator]")
	p.kv("window", quoteDuration(cfg.Estimator.Window))
	p.kv("spacing", quoteDuration(cfg.Estimator.Spacing))
	p.kv("min_delta", quoteDuration(cfg.Estimator.MinDelta))
	p.kv("alpha", fmt.Sprintf("%g", cfg.Estimator.Alpha))
	p.kv("min_samples", fmt.Sprintf("%d", cfg.Estimator.MinSamples))
	p.kv("cold_start_samples", fmt.Sprintf("%d", cfg.Estimator.ColdStartSamples))
	p.kv("reset_drop", fmt.Sprintf("%g", cfg.Estimator.ResetDrop))
	p.line("")

	p.line("[governor]")
	p.line("# Target fraction of quota used at reset.")
	p.kv("target", fmt.Sprintf("%g", cfg.Governor.Target))
	p.kv("step", fmt.Sprintf("%g", cfg.Governor.Step))
	p.kv("projection_cap", fmt.Sprintf("%g", cfg.Governor.ProjectionCap))
	p.kv("floor_minutes", fmt.Sprintf("%d", cfg.Governor.FloorMinutes))
	p.kv("hot_key_threshold", fmt.Sprintf("%g", cfg.Governor.HotKeyThreshold))
	p.kv("flat_speed_up", fmt.Sprintf("%g", cfg.Governor.FlatSpeedUp))
	p.line("")

	for _, a := range cfg.Governor.Automations {
		p.line("[[governor.automation]]")
		p.kv("name", fmt.Sprintf("%q", a.Name))
		p.kv("default_minutes", fmt.Sprintf("%d", a.DefaultMinutes))
		if a.CeilingMinutes > 0 {
			p.kv("ceiling_minutes", fmt.Sprintf("%d", a.CeilingMinutes))
		}
		if a.Mode != "" {
			p.kv("mode", fmt.Sprintf("%q", a.Mode))
		}
		if a.StaticMinutes > 0 {
			p.kv("static_minutes", fmt.Sprintf("%d", a.StaticMinutes))
		}
		p.line("")
	}

	p.line("[reviver]")
	p.kv("ttl", quoteDuration(cfg.Reviver.TTL))
	p.kv("max_entries", fmt.Sprintf("%d", cfg.Reviver.MaxEntries))
	p.line("")

	for _, cred := range cfg.Credentials {
		p.line("[[credentials]]")
		p.kv("name", fmt.Sprintf("%q", cred.Name))
		p.kv("path", fmt.Sprintf("%q", cred.Path))
		p.kv("writable", fmt.Sprintf("%t", cred.Writable))
		p.line("")
	}

	p.line("[encryption]")
	p.line("# Seal access and refresh tokens at rest (AES-256-GCM).")
	p.kv("enabled", fmt.Sprintf("%t", cfg.Encryption.Enabled))
	p.kv("key_source", fmt.Sprintf("%q", cfg.Encryption.KeySource))
	p.kv("key_env", fmt.Sprintf("%q", cfg.Encryption.KeyEnv))
	if cfg.Encryption.KeyFile != "" {
		p.kv("key_file", fmt.Sprintf("%q", cfg.Encryption.KeyFile))
	}
	if cfg.Encryption.KeyCommand != "" {
		p.kv("key_command", fmt.Sprintf("%q", cfg.Encryption.KeyCommand))
	}
	p.kv("key_format", fmt.Sprintf("%q", cfg.Encryption.KeyFormat))
	p.line("")

	p.line("[daemon]")
	p.kv("interval", quoteDuration(cfg.Daemon.Interval))
	p.kv("jitter_factor", fmt.Sprintf("%g", cfg.Daemon.JitterFactor))
	p.line("")
	p.line("[daemon.backoff]")
	p.kv("initial_delay", quoteDuration(cfg.Daemon.Backoff.InitialDelay))
	p.kv("max_delay", quoteDuration(cfg.Daemon.Backoff.MaxDelay))
	p.kv("multiplier", fmt.Sprintf("%g", cfg.Daemon.Backoff.Multiplier))
	p.kv("jitter_factor", fmt.Sprintf("%g", cfg.Daemon.Backoff.JitterFactor))

	return p.err
}

type printer struct {
	w   io.Writer
	err error
}

func (p *printer) line(s string) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintln(p.w, s)
}

func (p *printer) kv(key, value string) {
	p.line(key + " = " + value)
}

func quoteDuration(d time.Duration) string {
	return fmt.Sprintf("%q", d.String())
}
