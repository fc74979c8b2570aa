package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Dicklesworthstone/qgov/internal/cycle"
)

// DefaultInterval is the time between successful poll cycles.
const DefaultInterval = 5 * time.Minute

// CycleRunner runs one poll cycle.
type CycleRunner interface {
	Run(ctx context.Context) cycle.Report
}

// Background is a task that runs alongside the cycle loop until the context
// ends, e.g. a credential source watcher.
type Background interface {
	Run(ctx context.Context) error
}

// DaemonConfig tunes the loop.
type DaemonConfig struct {
	Interval time.Duration
	// JitterFactor spreads successful cycles so several daemons sharing a
	// project do not poll in lockstep.
	JitterFactor float64
	Backoff      BackoffConfig
}

// DefaultDaemonConfig returns the standard loop settings.
func DefaultDaemonConfig() DaemonConfig {
	return DaemonConfig{
		Interval:     DefaultInterval,
		JitterFactor: 0.1,
		Backoff:      DefaultBackoffConfig(),
	}
}

// Daemon runs poll cycles on an interval and backs off on failures.
type Daemon struct {
	runner      CycleRunner
	cfg         DaemonConfig
	backoff     *Backoff
	background  []Background
	maintenance []func(ctx context.Context)
	onReport    func(cycle.Report, time.Duration)
	after       func(time.Duration) <-chan time.Time
	logger      *slog.Logger
}

// NewDaemon creates a daemon around runner.
func NewDaemon(runner CycleRunner, cfg DaemonConfig) *Daemon {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.JitterFactor < 0 || cfg.JitterFactor > 1 {
		cfg.JitterFactor = 0
	}
	return &Daemon{
		runner:  runner,
		cfg:     cfg,
		backoff: NewBackoff(cfg.Backoff),
		after:   time.After,
	}
}

// WithBackground adds a task that runs for the daemon's lifetime.
func (d *Daemon) WithBackground(task Background) *Daemon {
	d.background = append(d.background, task)
	return d
}

// WithMaintenance adds a step run after every cycle.
func (d *Daemon) WithMaintenance(fn func(ctx context.Context)) *Daemon {
	d.maintenance = append(d.maintenance, fn)
	return d
}

// OnReport sets a callback receiving each report and the wait before the
// next cycle.
func (d *Daemon) OnReport(fn func(cycle.Report, time.Duration)) *Daemon {
	d.onReport = fn
	return d
}

// WithTimer replaces time.After.
func (d *Daemon) WithTimer(after func(time.Duration) <-chan time.Time) *Daemon {
	d.after = after
	return d
}

// WithLogger sets the logger.
func (d *Daemon) WithLogger(logger *slog.Logger) *Daemon {
	d.logger = logger
	return d
}

func (d *Daemon) log() *slog.Logger {
	if d.logger != nil {
		return d.logger
	}
	return slog.Default()
}

// Backoff exposes the failure tracker.
func (d *Daemon) Backoff() *Backoff { return d.backoff }

// Run loops until ctx is cancelled. Cancellation is not an error.
func (d *Daemon) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, task := range d.background {
		task := task
		g.Go(func() error {
			if err := task.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				d.log().Warn("background task stopped", "error", err)
			}
			return nil
		})
	}
	g.Go(func() error { return d.loop(ctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (d *Daemon) loop(ctx context.Context) error {
	d.log().Info("daemon started", "interval", d.cfg.Interval)
	for {
		rep := d.runner.Run(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait := d.next(rep)
		for _, fn := range d.maintenance {
			fn(ctx)
		}
		if d.onReport != nil {
			d.onReport(rep, wait)
		}

		select {
		case <-ctx.Done():
			d.log().Info("daemon stopped")
			return ctx.Err()
		case <-d.after(wait):
		}
	}
}

func (d *Daemon) next(rep cycle.Report) time.Duration {
	if !rep.OK {
		return d.backoff.RecordFailure(rep.Error)
	}
	d.backoff.RecordSuccess()
	return CalculateJitteredDelay(d.cfg.Interval, d.cfg.JitterFactor)
}
