package scheduler

import (
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"
)

// BackoffConfig configures the exponential backoff behavior.
type BackoffConfig struct {
	// InitialDelay is the delay after the first failed cycle.
	InitialDelay time.Duration `json:"initial_delay" toml:"initial_delay"`

	// MaxDelay is the maximum backoff delay.
	MaxDelay time.Duration `json:"max_delay" toml:"max_delay"`

	// Multiplier is the factor by which delay increases.
	Multiplier float64 `json:"multiplier" toml:"multiplier"`

	// JitterFactor is the random jitter as a fraction of delay (0.0-1.0).
	JitterFactor float64 `json:"jitter_factor" toml:"jitter_factor"`
}

// DefaultBackoffConfig returns the daemon's default backoff.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 30 * time.Second,
		MaxDelay:     30 * time.Minute,
		Multiplier:   2.0,
		JitterFactor: 0.2,
	}
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = d.MaxDelay
		if c.MaxDelay < c.InitialDelay {
			c.MaxDelay = c.InitialDelay
		}
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.JitterFactor < 0 || c.JitterFactor > 1 {
		c.JitterFactor = d.JitterFactor
	}
	return c
}

// BackoffStats contains backoff statistics.
type BackoffStats struct {
	TotalFailures    int64         `json:"total_failures"`
	TotalSuccesses   int64         `json:"total_successes"`
	Consecutive      int           `json:"consecutive"`
	MaxConsecutive   int           `json:"max_consecutive"`
	TotalBackoffTime time.Duration `json:"total_backoff_time"`
	LastError        string        `json:"last_error,omitempty"`
	LastFailureAt    time.Time     `json:"last_failure_at,omitempty"`
}

// Backoff tracks consecutive failed cycles and hands out growing,
// jittered delays until a cycle succeeds.
type Backoff struct {
	mu sync.Mutex

	config BackoffConfig

	// currentDelay is the un-jittered delay for the next failure.
	currentDelay time.Duration

	stats BackoffStats

	rand func() float64
	now  func() time.Time
}

// NewBackoff creates a backoff controller.
func NewBackoff(cfg BackoffConfig) *Backoff {
	cfg = cfg.withDefaults()
	return &Backoff{
		config:       cfg,
		currentDelay: cfg.InitialDelay,
		rand:         rand.Float64,
		now:          time.Now,
	}
}

// RecordFailure registers a failed cycle and returns how long to wait
// before the next one.
func (b *Backoff) RecordFailure(reason string) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stats.TotalFailures++
	b.stats.Consecutive++
	b.stats.LastError = reason
	b.stats.LastFailureAt = b.now()
	if b.stats.Consecutive > b.stats.MaxConsecutive {
		b.stats.MaxConsecutive = b.stats.Consecutive
	}

	delay := b.calculateDelay()
	b.stats.TotalBackoffTime += delay

	slog.Info("cycle failed, backing off",
		"consecutive_failures", b.stats.Consecutive,
		"backoff_delay", delay,
		"reason", reason,
	)
	return delay
}

// calculateDelay returns the next backoff delay with jitter.
func (b *Backoff) calculateDelay() time.Duration {
	delay := b.currentDelay

	jitter := float64(delay) * b.config.JitterFactor
	randomJitter := (b.rand() * jitter * 2) - jitter
	delayWithJitter := time.Duration(float64(delay) + randomJitter)

	// Cap the float before converting so the multiplication cannot overflow.
	nextDelay := float64(b.currentDelay) * b.config.Multiplier
	if nextDelay > float64(b.config.MaxDelay) {
		b.currentDelay = b.config.MaxDelay
	} else {
		b.currentDelay = time.Duration(nextDelay)
	}

	if delayWithJitter < 100*time.Millisecond {
		delayWithJitter = 100 * time.Millisecond
	}
	return delayWithJitter
}

// RecordSuccess resets the backoff after a good cycle.
func (b *Backoff) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stats.Consecutive > 0 {
		slog.Debug("backoff reset after success",
			"previous_consecutive_failures", b.stats.Consecutive,
		)
	}
	b.stats.TotalSuccesses++
	b.stats.Consecutive = 0
	b.currentDelay = b.config.InitialDelay
}

// ConsecutiveFailures returns the current failure streak.
func (b *Backoff) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats.Consecutive
}

// Stats returns backoff statistics.
func (b *Backoff) Stats() BackoffStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Reset returns the controller to its initial state.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.Consecutive = 0
	b.currentDelay = b.config.InitialDelay
}

// CalculateJitteredDelay calculates a delay with jitter for a given base.
func CalculateJitteredDelay(base time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 {
		return base
	}
	if jitterFactor > 1 {
		jitterFactor = 1
	}
	jitter := float64(base) * jitterFactor
	randomJitter := (rand.Float64() * jitter * 2) - jitter
	return time.Duration(float64(base) + randomJitter)
}

// ExponentialBackoff returns the un-jittered delay for the nth retry attempt.
func ExponentialBackoff(attempt int, initial, max time.Duration, multiplier float64) time.Duration {
	if attempt <= 0 {
		return initial
	}
	delay := float64(initial) * math.Pow(multiplier, float64(attempt))
	if delay > float64(max) {
		return max
	}
	return time.Duration(delay)
}
