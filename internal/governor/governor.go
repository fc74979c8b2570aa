// Package governor is the feedback loop that turns projected utilization at
// reset into a speed factor, and the factor into per-automation cooldowns.
package governor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Dicklesworthstone/qgov/internal/snapshot"
	"github.com/Dicklesworthstone/qgov/internal/trajectory"
)

// Automation is a throttled caller class and its base cooldown.
type Automation struct {
	Name           string
	DefaultMinutes int
	CeilingMinutes int
	Mode           Mode
	StaticMinutes  int
}

// Input is what one cycle sees.
type Input struct {
	Latest   *snapshot.Snapshot
	Estimate trajectory.Result
}

// CycleResult describes one cycle. It never carries a Go error: the
// scheduler reading the governor must not be blocked by a failure here.
type CycleResult struct {
	OK             bool           `json:"ok"`
	Error          string         `json:"error,omitempty"`
	Skipped        bool           `json:"skipped"`
	Reason         string         `json:"reason,omitempty"`
	PreviousFactor float64        `json:"previous_factor"`
	Factor         float64        `json:"factor"`
	Direction      Direction      `json:"direction,omitempty"`
	FiveHour       *WindowState   `json:"five_hour,omitempty"`
	SevenDay       *WindowState   `json:"seven_day,omitempty"`
	Constraining   Metric         `json:"constraining_metric,omitempty"`
	Effective      map[string]int `json:"effective,omitempty"`
}

var errSkipCycle = errors.New("cycle skipped")

// Governor owns the governor document.
type Governor struct {
	store       *Store
	automations []Automation
	opts        Options
	now         func() time.Time
	logger      *slog.Logger
}

// New creates a Governor. automations, when non-empty, define the
// defaults and ceilings written into the document on every cycle.
func New(store *Store, automations []Automation, opts Options) *Governor {
	return &Governor{
		store:       store,
		automations: automations,
		opts:        opts.withDefaults(),
		now:         time.Now,
	}
}

// WithClock sets the time source.
func (g *Governor) WithClock(now func() time.Time) *Governor {
	g.now = now
	return g
}

// WithLogger sets the logger.
func (g *Governor) WithLogger(logger *slog.Logger) *Governor {
	g.logger = logger
	return g
}

func (g *Governor) log() *slog.Logger {
	if g.logger != nil {
		return g.logger
	}
	return slog.Default()
}

// Show returns the current document with configured automations applied.
func (g *Governor) Show() (*Config, error) {
	cfg, err := g.store.Load()
	if err != nil {
		return nil, err
	}
	g.syncAutomations(cfg)
	return cfg, nil
}

// RunCycle runs one control step after a fresh snapshot was stored.
func (g *Governor) RunCycle(ctx context.Context, in Input) CycleResult {
	if err := ctx.Err(); err != nil {
		return CycleResult{Error: err.Error()}
	}
	now := g.now()
	var res CycleResult

	_, err := g.store.Update(func(cfg *Config) error {
		res = CycleResult{}
		g.syncAutomations(cfg)
		res.PreviousFactor = cfg.Factor()

		if cfg.Overdrive.Active {
			if now.UnixMilli() < cfg.Overdrive.ExpiresAt {
				cfg.Effective = ComputeEffective(cfg, cfg.Overdrive.Factor, g.opts.FloorMinutes)
				res.Factor = cfg.Overdrive.Factor
				res.Direction = DirectionOverdrive
				res.Reason = fmt.Sprintf("overdrive until %s", time.UnixMilli(cfg.Overdrive.ExpiresAt).UTC().Format(time.RFC3339))
				res.Effective = cfg.Effective
				return nil
			}
			g.restore(cfg, now, "overdrive expired")
			res.Factor = cfg.Adjustment.Factor
			res.Direction = DirectionRestored
			res.Reason = "overdrive expired, previous state restored"
			res.Effective = cfg.Effective
			return nil
		}

		if in.Latest == nil || len(in.Latest.Keys) == 0 {
			res.Reason = "no usage snapshot"
			return errSkipCycle
		}
		if in.Estimate.ResetDetected {
			res.Reason = "quota window reset detected"
			return errSkipCycle
		}

		five, seven := Windows(*in.Latest, in.Estimate, now, g.opts)
		w := Constraining(five, seven)
		res.FiveHour, res.SevenDay, res.Constraining = &five, &seven, w.Metric

		factor, dir, reason := NextFactor(cfg.Adjustment.Factor, w, g.opts)
		cfg.Adjustment = Adjustment{
			Factor:             factor,
			ConstrainingMetric: w.Metric,
			ProjectedAtReset:   w.Projected,
			Direction:          dir,
			HoursUntilReset:    w.HoursUntilReset,
			Rate:               w.Rate,
			Current:            w.Current,
			Reason:             reason,
			LastUpdated:        now.UnixMilli(),
		}
		cfg.Effective = ComputeEffective(cfg, factor, g.opts.FloorMinutes)

		res.Factor = factor
		res.Direction = dir
		res.Reason = reason
		res.Effective = cfg.Effective
		return nil
	})
	if errors.Is(err, errSkipCycle) {
		res.OK = true
		res.Skipped = true
		res.Factor = res.PreviousFactor
		g.log().Info("governor cycle skipped", "reason", res.Reason)
		return res
	}
	if err != nil {
		g.log().Warn("governor cycle failed", "error", err)
		return CycleResult{Error: err.Error(), PreviousFactor: res.PreviousFactor, Factor: res.PreviousFactor}
	}
	res.OK = true
	g.log().Info("governor cycle",
		"factor", res.Factor,
		"previous", res.PreviousFactor,
		"direction", res.Direction,
		"constraining", res.Constraining,
	)
	return res
}

// SetOverdrive pins the factor for d. The state it replaces is kept and
// restored when the overdrive expires or is cleared.
func (g *Governor) SetOverdrive(factor float64, d time.Duration) (*Config, error) {
	if factor < MinFactor || factor > MaxFactor {
		return nil, fmt.Errorf("overdrive factor %.2f outside [%.2f, %.2f]", factor, MinFactor, MaxFactor)
	}
	if d <= 0 {
		return nil, fmt.Errorf("overdrive duration must be positive")
	}
	now := g.now()
	return g.store.Update(func(cfg *Config) error {
		g.syncAutomations(cfg)
		if !cfg.Overdrive.Active {
			cfg.Overdrive.PreviousState = &PreviousState{
				Factor:    cfg.Adjustment.Factor,
				Effective: copyMinutes(cfg.Effective),
			}
		}
		cfg.Overdrive.Active = true
		cfg.Overdrive.Factor = factor
		cfg.Overdrive.ExpiresAt = now.Add(d).UnixMilli()
		cfg.Effective = ComputeEffective(cfg, factor, g.opts.FloorMinutes)
		g.log().Info("overdrive set", "factor", factor, "until", now.Add(d))
		return nil
	})
}

// ClearOverdrive ends an overdrive immediately.
func (g *Governor) ClearOverdrive() (*Config, error) {
	now := g.now()
	return g.store.Update(func(cfg *Config) error {
		if !cfg.Overdrive.Active {
			return nil
		}
		g.syncAutomations(cfg)
		g.restore(cfg, now, "overdrive cleared")
		return nil
	})
}

// SetMode switches an automation between dynamic and static cooldowns.
func (g *Governor) SetMode(automation string, mode Mode, staticMinutes *int) (*Config, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("unknown mode %q", mode)
	}
	if staticMinutes != nil && *staticMinutes <= 0 {
		return nil, fmt.Errorf("static minutes must be positive")
	}
	return g.store.Update(func(cfg *Config) error {
		g.syncAutomations(cfg)
		if _, ok := cfg.Defaults[automation]; !ok {
			return fmt.Errorf("unknown automation %q", automation)
		}
		m := AutomationMode{Mode: mode}
		if mode == ModeStatic {
			m.StaticMinutes = staticMinutes
		}
		cfg.Modes[automation] = m
		cfg.Effective = ComputeEffective(cfg, cfg.Factor(), g.opts.FloorMinutes)
		return nil
	})
}

func (g *Governor) restore(cfg *Config, now time.Time, reason string) {
	prev := cfg.Overdrive.PreviousState
	cfg.Overdrive = Overdrive{}
	if prev == nil {
		cfg.Effective = ComputeEffective(cfg, cfg.Adjustment.Factor, g.opts.FloorMinutes)
		return
	}
	cfg.Adjustment.Factor = clamp(prev.Factor, MinFactor, MaxFactor)
	cfg.Adjustment.Direction = DirectionRestored
	cfg.Adjustment.Reason = reason
	cfg.Adjustment.LastUpdated = now.UnixMilli()
	cfg.Effective = copyMinutes(prev.Effective)
	// Automations added during the overdrive have no saved value.
	for name, minutes := range ComputeEffective(cfg, cfg.Adjustment.Factor, g.opts.FloorMinutes) {
		if _, ok := cfg.Effective[name]; !ok {
			cfg.Effective[name] = minutes
		}
	}
}

// syncAutomations writes configured defaults, ceilings and initial modes.
func (g *Governor) syncAutomations(cfg *Config) {
	if len(g.automations) == 0 {
		return
	}
	cfg.Defaults = map[string]int{}
	cfg.Ceilings = map[string]int{}
	for _, a := range g.automations {
		cfg.Defaults[a.Name] = a.DefaultMinutes
		if a.CeilingMinutes > 0 {
			cfg.Ceilings[a.Name] = a.CeilingMinutes
		}
		if _, ok := cfg.Modes[a.Name]; !ok && a.Mode == ModeStatic {
			m := AutomationMode{Mode: ModeStatic}
			if a.StaticMinutes > 0 {
				v := a.StaticMinutes
				m.StaticMinutes = &v
			}
			cfg.Modes[a.Name] = m
		}
	}
}
