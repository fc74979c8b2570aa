// Package trajectory estimates how fast the pool consumes quota from the
// snapshot series, using an exponential moving average over spaced pairs.
package trajectory

import (
	"time"

	"github.com/Dicklesworthstone/qgov/internal/snapshot"
)

// Defaults for Options.
const (
	DefaultWindow           = 2 * time.Hour
	DefaultSpacing          = 5 * time.Minute
	DefaultMinDelta         = 3 * time.Minute
	DefaultAlpha            = 0.3
	DefaultMinSamples       = 3
	DefaultColdStartSamples = 30
	DefaultResetDrop        = 0.30
)

// Options tune the estimator.
type Options struct {
	Window           time.Duration
	Spacing          time.Duration
	MinDelta         time.Duration
	Alpha            float64
	MinSamples       int
	ColdStartSamples int
	// ResetDrop is the aggregate five-hour drop (fraction) that marks a
	// window reset between two snapshots.
	ResetDrop float64
}

// DefaultOptions returns the standard estimator settings.
func DefaultOptions() Options {
	return Options{}.withDefaults()
}

func (o Options) withDefaults() Options {
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.Spacing <= 0 {
		o.Spacing = DefaultSpacing
	}
	if o.MinDelta <= 0 {
		o.MinDelta = DefaultMinDelta
	}
	if o.Alpha <= 0 || o.Alpha > 1 {
		o.Alpha = DefaultAlpha
	}
	if o.MinSamples <= 0 {
		o.MinSamples = DefaultMinSamples
	}
	if o.ColdStartSamples <= 0 {
		o.ColdStartSamples = DefaultColdStartSamples
	}
	if o.ResetDrop <= 0 {
		o.ResetDrop = DefaultResetDrop
	}
	return o
}

// Result is a smoothed consumption rate per quota window, in fraction of
// the window per hour.
type Result struct {
	FiveHourRate  float64 `json:"five_hour_rate"`
	SevenDayRate  float64 `json:"seven_day_rate"`
	Samples       int     `json:"samples"`
	Intervals     int     `json:"intervals"`
	ColdStart     bool    `json:"cold_start"`
	ResetDetected bool    `json:"reset_detected"`
}

// Estimate computes rates from snaps (oldest first) as of now.
func Estimate(snaps []snapshot.Snapshot, now time.Time, opts Options) Result {
	opts = opts.withDefaults()
	var res Result
	if n := len(snaps); n >= 2 {
		res.ResetDetected = DetectReset(snaps[n-2], snaps[n-1], opts.ResetDrop)
	}

	cut := now.Add(-opts.Window).UnixMilli()
	var window []snapshot.Snapshot
	for _, s := range snaps {
		if s.TS >= cut && s.TS <= now.UnixMilli() {
			window = append(window, s)
		}
	}
	if len(window) < opts.MinSamples {
		res.ColdStart = true
		window = snaps
		if len(window) > opts.ColdStartSamples {
			window = window[len(window)-opts.ColdStartSamples:]
		}
	}

	spaced := space(window, opts.Spacing)
	res.Samples = len(spaced)

	var five, seven ema
	for i := 1; i < len(spaced); i++ {
		a, b := spaced[i-1], spaced[i]
		dt := b.Time().Sub(a.Time())
		if dt < opts.MinDelta {
			continue
		}
		aggA, aggB, ok := commonMeans(a, b)
		if !ok {
			continue
		}
		hours := dt.Hours()
		counted := false
		if drop := aggA.fiveHour - aggB.fiveHour; drop <= opts.ResetDrop {
			five.add((aggB.fiveHour-aggA.fiveHour)/hours, opts.Alpha)
			counted = true
		}
		if drop := aggA.sevenDay - aggB.sevenDay; drop <= opts.ResetDrop {
			seven.add((aggB.sevenDay-aggA.sevenDay)/hours, opts.Alpha)
			counted = true
		}
		if counted {
			res.Intervals++
		}
	}
	res.FiveHourRate = five.value
	res.SevenDayRate = seven.value
	return res
}

// DetectReset reports whether the mean five-hour utilization over keys
// common to prev and cur dropped by more than threshold.
func DetectReset(prev, cur snapshot.Snapshot, threshold float64) bool {
	a, b, ok := commonMeans(prev, cur)
	if !ok {
		return false
	}
	return a.fiveHour-b.fiveHour > threshold
}

type ema struct {
	value  float64
	seeded bool
}

func (e *ema) add(x, alpha float64) {
	if !e.seeded {
		e.value = x
		e.seeded = true
		return
	}
	e.value = alpha*x + (1-alpha)*e.value
}

// space keeps snapshots at least spacing apart, always keeping the first.
func space(snaps []snapshot.Snapshot, spacing time.Duration) []snapshot.Snapshot {
	var out []snapshot.Snapshot
	for _, s := range snaps {
		if len(out) > 0 && s.Time().Sub(out[len(out)-1].Time()) < spacing {
			continue
		}
		out = append(out, s)
	}
	return out
}

type aggregate struct {
	fiveHour float64
	sevenDay float64
}

// commonMeans averages each window over the keys present in both snapshots.
func commonMeans(a, b snapshot.Snapshot) (aggregate, aggregate, bool) {
	var sa, sb aggregate
	n := 0
	for id, ua := range a.Keys {
		ub, ok := b.Keys[id]
		if !ok {
			continue
		}
		sa.fiveHour += ua.FiveHour
		sa.sevenDay += ua.SevenDay
		sb.fiveHour += ub.FiveHour
		sb.sevenDay += ub.SevenDay
		n++
	}
	if n == 0 {
		return sa, sb, false
	}
	f := float64(n)
	return aggregate{sa.fiveHour / f, sa.sevenDay / f}, aggregate{sb.fiveHour / f, sb.sevenDay / f}, true
}

// Current returns the mean utilization of the newest snapshot and the
// highest single-key value for each window.
func Current(snap snapshot.Snapshot) (meanFive, meanSeven, maxFive, maxSeven float64) {
	if len(snap.Keys) == 0 {
		return 0, 0, 0, 0
	}
	for _, u := range snap.Keys {
		meanFive += u.FiveHour
		meanSeven += u.SevenDay
		if u.FiveHour > maxFive {
			maxFive = u.FiveHour
		}
		if u.SevenDay > maxSeven {
			maxSeven = u.SevenDay
		}
	}
	n := float64(len(snap.Keys))
	return meanFive / n, meanSeven / n, maxFive, maxSeven
}
