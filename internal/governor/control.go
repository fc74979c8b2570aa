package governor

import (
	"math"
	"time"

	"github.com/Dicklesworthstone/qgov/internal/snapshot"
	"github.com/Dicklesworthstone/qgov/internal/trajectory"
)

// Control constants.
const (
	MinFactor = 0.05
	MaxFactor = 20.0

	DefaultTarget          = 0.90
	DefaultStep            = 0.10
	DefaultProjectionCap   = 1.5
	DefaultFloorMinutes    = 5
	DefaultHotKeyThreshold = 0.80
	DefaultHotKeyWeight    = 0.80
	DefaultFlatSpeedUp     = 1.05
	DefaultRecoveryFactor  = 0.15
	DefaultRecoveryUsage   = 0.45

	fiveHourWindow = 5 * time.Hour
	sevenDayWindow = 7 * 24 * time.Hour
	minHorizon     = 0.1
)

// Options tune the control loop.
type Options struct {
	Target          float64
	Step            float64
	ProjectionCap   float64
	FloorMinutes    int
	HotKeyThreshold float64
	FlatSpeedUp     float64
}

// DefaultOptions returns the standard control settings.
func DefaultOptions() Options {
	return Options{}.withDefaults()
}

func (o Options) withDefaults() Options {
	if o.Target <= 0 || o.Target > 1.5 {
		o.Target = DefaultTarget
	}
	if o.Step <= 0 || o.Step >= 1 {
		o.Step = DefaultStep
	}
	if o.ProjectionCap <= 0 {
		o.ProjectionCap = DefaultProjectionCap
	}
	if o.FloorMinutes <= 0 {
		o.FloorMinutes = DefaultFloorMinutes
	}
	if o.HotKeyThreshold <= 0 {
		o.HotKeyThreshold = DefaultHotKeyThreshold
	}
	if o.FlatSpeedUp <= 1 {
		o.FlatSpeedUp = DefaultFlatSpeedUp
	}
	return o
}

// WindowState is one quota window's position.
type WindowState struct {
	Metric          Metric  `json:"metric"`
	Current         float64 `json:"current"`
	Rate            float64 `json:"rate"`
	HoursUntilReset float64 `json:"hours_until_reset"`
	Projected       float64 `json:"projected"`
	HotKey          bool    `json:"hot_key,omitempty"`
}

// Windows derives the five-hour and seven-day window states from the newest
// snapshot and the estimated rates.
func Windows(latest snapshot.Snapshot, est trajectory.Result, now time.Time, opts Options) (WindowState, WindowState) {
	opts = opts.withDefaults()
	meanFive, meanSeven, maxFive, maxSeven := trajectory.Current(latest)

	five := WindowState{Metric: MetricFiveHour, Current: meanFive, Rate: est.FiveHourRate}
	seven := WindowState{Metric: MetricSevenDay, Current: meanSeven, Rate: est.SevenDayRate}
	five.Current, five.HotKey = hotKeyBias(meanFive, maxFive, opts.HotKeyThreshold)
	seven.Current, seven.HotKey = hotKeyBias(meanSeven, maxSeven, opts.HotKeyThreshold)

	var fiveResets, sevenResets []*int64
	for _, u := range latest.Keys {
		fiveResets = append(fiveResets, u.FiveHourResetAt)
		sevenResets = append(sevenResets, u.SevenDayResetAt)
	}
	five.HoursUntilReset = hoursUntil(fiveResets, now, fiveHourWindow)
	seven.HoursUntilReset = hoursUntil(sevenResets, now, sevenDayWindow)

	five.Projected = Project(five.Current, five.Rate, five.HoursUntilReset, opts.ProjectionCap)
	seven.Projected = Project(seven.Current, seven.Rate, seven.HoursUntilReset, opts.ProjectionCap)
	return five, seven
}

// hotKeyBias raises the fleet figure when a single key is close to empty.
func hotKeyBias(mean, maxKey, threshold float64) (float64, bool) {
	if maxKey < threshold {
		return mean, false
	}
	floor := DefaultHotKeyWeight * maxKey
	if mean < floor {
		return floor, true
	}
	return mean, true
}

// hoursUntil returns the time to the earliest future reset, or the full
// window length when no reset time is known.
func hoursUntil(resets []*int64, now time.Time, window time.Duration) float64 {
	best := -1.0
	for _, r := range resets {
		if r == nil {
			continue
		}
		h := time.UnixMilli(*r).Sub(now).Hours()
		if h <= 0 {
			continue
		}
		if best < 0 || h < best {
			best = h
		}
	}
	if best < 0 {
		best = window.Hours()
	}
	return math.Max(best, minHorizon)
}

// Project extrapolates utilization at reset, capped to avoid runaway values
// from long horizons.
func Project(current, rate, hours, capAt float64) float64 {
	p := current + rate*hours
	if p > capAt {
		return capAt
	}
	return p
}

// Constraining picks the window with the higher projection.
func Constraining(five, seven WindowState) WindowState {
	if seven.Projected > five.Projected {
		return seven
	}
	return five
}

// NextFactor applies one control step to factor for window w.
func NextFactor(factor float64, w WindowState, opts Options) (float64, Direction, string) {
	opts = opts.withDefaults()
	lo, hi := 1-opts.Step, 1+opts.Step

	if factor <= DefaultRecoveryFactor && w.Current < DefaultRecoveryUsage {
		return 1.0, DirectionRecovery, "factor pinned near floor while usage is low"
	}

	desired := (opts.Target - w.Current) / w.HoursUntilReset
	var next float64
	var reason string
	switch {
	case w.Current >= opts.Target:
		ratio := lo
		if w.Rate > 0 {
			ratio = math.Min(desired/w.Rate, 1)
		}
		next = factor * clamp(ratio, lo, hi)
		reason = "at or above target, slowing only"
	case w.Rate <= 0:
		next = factor * opts.FlatSpeedUp
		reason = "flat or falling usage"
	default:
		next = factor * clamp(desired/w.Rate, lo, hi)
		reason = "tracking target"
	}
	next = clamp(next, MinFactor, MaxFactor)
	return next, direction(factor, next), reason
}

func direction(prev, next float64) Direction {
	switch {
	case next > prev:
		return DirectionUp
	case next < prev:
		return DirectionDown
	default:
		return DirectionHold
	}
}

// ComputeEffective converts factor into cooldown minutes per automation.
func ComputeEffective(cfg *Config, factor float64, floorMinutes int) map[string]int {
	if floorMinutes <= 0 {
		floorMinutes = DefaultFloorMinutes
	}
	out := make(map[string]int, len(cfg.Defaults))
	for name, def := range cfg.Defaults {
		mode := cfg.ModeOf(name)
		if mode.Mode == ModeStatic {
			if mode.StaticMinutes != nil {
				out[name] = *mode.StaticMinutes
			} else {
				out[name] = def
			}
			continue
		}
		minutes := int(math.Round(float64(def) / factor))
		if minutes < floorMinutes {
			minutes = floorMinutes
		}
		if ceil, ok := cfg.Ceilings[name]; ok && ceil > 0 && minutes > ceil {
			minutes = ceil
		}
		out[name] = minutes
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
