package governor

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"

	"github.com/Dicklesworthstone/qgov/internal/jsonfile"
	"github.com/Dicklesworthstone/qgov/internal/util"
)

// FileName is the governor document inside the state directory.
const FileName = "governor_config.json"

// Mode selects whether an automation's cooldown follows the factor.
type Mode string

const (
	ModeDynamic Mode = "dynamic"
	ModeStatic  Mode = "static"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool { return m == ModeDynamic || m == ModeStatic }

// Metric names a quota window.
type Metric string

const (
	MetricFiveHour Metric = "five_hour"
	MetricSevenDay Metric = "seven_day"
)

// Direction records what a cycle did to the factor.
type Direction string

const (
	DirectionUp        Direction = "up"
	DirectionDown      Direction = "down"
	DirectionHold      Direction = "hold"
	DirectionRecovery  Direction = "recovery"
	DirectionOverdrive Direction = "overdrive"
	DirectionRestored  Direction = "restored"
)

// AutomationMode is the per-automation mode override.
type AutomationMode struct {
	Mode          Mode `json:"mode"`
	StaticMinutes *int `json:"static_minutes,omitempty"`
}

// Adjustment is the rationale of the last factor change.
type Adjustment struct {
	Factor             float64   `json:"factor"`
	ConstrainingMetric Metric    `json:"constraining_metric,omitempty"`
	ProjectedAtReset   float64   `json:"projected_at_reset"`
	Direction          Direction `json:"direction,omitempty"`
	HoursUntilReset    float64   `json:"hours_until_reset"`
	Rate               float64   `json:"rate"`
	Current            float64   `json:"current"`
	Reason             string    `json:"reason,omitempty"`
	LastUpdated        int64     `json:"last_updated"`
}

// PreviousState is what overdrive replaced and restores on expiry.
type PreviousState struct {
	Factor    float64        `json:"factor"`
	Effective map[string]int `json:"effective"`
}

// Overdrive pins the factor until ExpiresAt (epoch ms).
type Overdrive struct {
	Active        bool           `json:"active"`
	Factor        float64        `json:"factor,omitempty"`
	ExpiresAt     int64          `json:"expires_at,omitempty"`
	PreviousState *PreviousState `json:"previous_state,omitempty"`
}

// Config is the governor document read by the caller-spawning scheduler.
type Config struct {
	Version    int64                     `json:"version"`
	Effective  map[string]int            `json:"effective"`
	Defaults   map[string]int            `json:"defaults"`
	Ceilings   map[string]int            `json:"ceilings,omitempty"`
	Adjustment Adjustment                `json:"adjustment"`
	Overdrive  Overdrive                 `json:"overdrive"`
	Modes      map[string]AutomationMode `json:"modes"`
}

func (c *Config) GetVersion() int64  { return c.Version }
func (c *Config) SetVersion(v int64) { c.Version = v }

// NewConfig returns a neutral document with factor 1.0.
func NewConfig() *Config {
	return &Config{
		Effective:  map[string]int{},
		Defaults:   map[string]int{},
		Ceilings:   map[string]int{},
		Modes:      map[string]AutomationMode{},
		Adjustment: Adjustment{Factor: 1.0},
	}
}

// Factor returns the factor currently in force.
func (c *Config) Factor() float64 {
	if c.Overdrive.Active && c.Overdrive.Factor > 0 {
		return c.Overdrive.Factor
	}
	return c.Adjustment.Factor
}

// ModeOf returns the automation's mode (dynamic unless overridden).
func (c *Config) ModeOf(automation string) AutomationMode {
	if m, ok := c.Modes[automation]; ok && m.Mode.Valid() {
		return m
	}
	return AutomationMode{Mode: ModeDynamic}
}

// EffectiveMinutes returns the cooldown for automation, falling back to its
// default when no effective value was computed yet.
func (c *Config) EffectiveMinutes(automation string) (int, bool) {
	if v, ok := c.Effective[automation]; ok {
		return v, true
	}
	v, ok := c.Defaults[automation]
	return v, ok
}

func copyMinutes(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Store persists the governor document.
type Store struct {
	path   string
	logger *slog.Logger
}

// NewStore returns a store for <root>/.qgov/governor_config.json.
func NewStore(root string) *Store {
	return &Store{path: filepath.Join(util.StateDir(root), FileName)}
}

// WithLogger sets the logger.
func (s *Store) WithLogger(logger *slog.Logger) *Store {
	s.logger = logger
	return s
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

func (s *Store) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

// Load reads the document; missing or corrupt files yield NewConfig.
func (s *Store) Load() (*Config, error) {
	cfg := NewConfig()
	if _, err := jsonfile.Read(s.path, cfg); err != nil {
		if !errors.Is(err, jsonfile.ErrCorrupt) {
			return nil, err
		}
		s.log().Warn("governor config unreadable, using defaults", "path", s.path, "error", err)
		return NewConfig(), nil
	}
	s.sanitize(cfg)
	return cfg, nil
}

func (s *Store) sanitize(cfg *Config) {
	if cfg.Effective == nil {
		cfg.Effective = map[string]int{}
	}
	if cfg.Defaults == nil {
		cfg.Defaults = map[string]int{}
	}
	if cfg.Ceilings == nil {
		cfg.Ceilings = map[string]int{}
	}
	if cfg.Modes == nil {
		cfg.Modes = map[string]AutomationMode{}
	}
	if f := cfg.Adjustment.Factor; f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		if f != 0 {
			s.log().Warn("governor factor out of range, resetting", "factor", f)
		}
		cfg.Adjustment.Factor = 1.0
	}
	cfg.Adjustment.Factor = clamp(cfg.Adjustment.Factor, MinFactor, MaxFactor)
	for name, m := range cfg.Modes {
		if !m.Mode.Valid() {
			s.log().Warn("unknown automation mode, using dynamic", "automation", name, "mode", m.Mode)
			delete(cfg.Modes, name)
		}
	}
	if cfg.Overdrive.Active && (cfg.Overdrive.Factor <= 0 || cfg.Overdrive.ExpiresAt == 0) {
		s.log().Warn("overdrive record incomplete, clearing")
		cfg.Overdrive = Overdrive{}
	}
}

// Update applies fn to fresh state and saves with optimistic retry.
func (s *Store) Update(fn func(*Config) error) (*Config, error) {
	cfg, err := jsonfile.Update(s.path, s.Load, fn)
	if err != nil {
		return cfg, fmt.Errorf("update governor config: %w", err)
	}
	return cfg, nil
}
