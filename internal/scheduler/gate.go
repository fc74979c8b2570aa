// Package scheduler decides when throttled automations may run and drives
// the poll cycle as a long-running daemon.
package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/Dicklesworthstone/qgov/internal/governor"
)

// ErrUnknownAutomation is returned for an automation the governor has no
// cooldown for.
var ErrUnknownAutomation = errors.New("unknown automation")

// ConfigSource yields the governor document.
type ConfigSource interface {
	Show() (*governor.Config, error)
}

// Decision is the gate's answer for one automation.
type Decision struct {
	Automation string        `json:"automation"`
	Due        bool          `json:"due"`
	Minutes    int           `json:"minutes"`
	Factor     float64       `json:"factor"`
	Mode       governor.Mode `json:"mode"`
	LastRun    time.Time     `json:"last_run,omitempty"`
	NextRun    time.Time     `json:"next_run"`
	Remaining  time.Duration `json:"remaining"`
}

// Gate answers whether an automation's cooldown has elapsed.
type Gate struct {
	source ConfigSource
}

// NewGate returns a gate reading from source.
func NewGate(source ConfigSource) *Gate {
	return &Gate{source: source}
}

// Due reports whether automation may run at now given its last run. A zero
// lastRun is always due.
func (g *Gate) Due(automation string, lastRun, now time.Time) (Decision, error) {
	cfg, err := g.source.Show()
	if err != nil {
		return Decision{}, fmt.Errorf("read governor config: %w", err)
	}
	minutes, ok := cfg.EffectiveMinutes(automation)
	if !ok || minutes <= 0 {
		return Decision{}, fmt.Errorf("%w: %q", ErrUnknownAutomation, automation)
	}

	d := Decision{
		Automation: automation,
		Minutes:    minutes,
		Factor:     cfg.Factor(),
		Mode:       cfg.ModeOf(automation).Mode,
		LastRun:    lastRun,
	}
	if lastRun.IsZero() {
		d.Due = true
		d.NextRun = now
		return d, nil
	}
	d.NextRun = lastRun.Add(time.Duration(minutes) * time.Minute)
	if !now.Before(d.NextRun) {
		d.Due = true
		return d, nil
	}
	d.Remaining = d.NextRun.Sub(now)
	return d, nil
}
