// Package selector picks the key to use next from the key store.
package selector

import (
	"sort"

	"github.com/Dicklesworthstone/qgov/internal/keystore"
)

// Defaults for Options.
const (
	DefaultExhaustionThreshold = 100.0
	DefaultHighUsageThreshold  = 90.0
)

// Options tune selection. Thresholds are percentages (0-100).
type Options struct {
	// ExhaustionThreshold marks a key exhausted when any window reaches it.
	ExhaustionThreshold float64
	// HighUsageThreshold is the hysteresis boundary: the current key is kept
	// while it stays below this, or while every alternative is above it too.
	HighUsageThreshold float64
	// SwitchMargin, when positive, additionally requires the best candidate
	// to beat the current key by this many points before switching.
	SwitchMargin float64
}

// DefaultOptions returns the standard thresholds.
func DefaultOptions() Options {
	return Options{
		ExhaustionThreshold: DefaultExhaustionThreshold,
		HighUsageThreshold:  DefaultHighUsageThreshold,
	}
}

func (o Options) withDefaults() Options {
	if o.ExhaustionThreshold <= 0 {
		o.ExhaustionThreshold = DefaultExhaustionThreshold
	}
	if o.HighUsageThreshold <= 0 {
		o.HighUsageThreshold = DefaultHighUsageThreshold
	}
	return o
}

// Candidate is a selectable key with its score.
type Candidate struct {
	Key       *keystore.KeyRecord
	Score     float64
	Exhausted bool
}

// Candidates returns every selectable key with a usage reading, best first.
func Candidates(st *keystore.RotationState, opts Options) []Candidate {
	opts = opts.withDefaults()
	var out []Candidate
	for _, k := range st.SortedKeys() {
		if !k.Status.Selectable() || k.LastUsage == nil {
			continue
		}
		out = append(out, Candidate{
			Key:       k,
			Score:     k.LastUsage.Max(),
			Exhausted: k.Status == keystore.StatusExhausted || k.LastUsage.Exhausted(opts.ExhaustionThreshold),
		})
	}
	sortCandidates(out)
	return out
}

// SelectActiveKey returns the id of the key to use, or "" if none is
// eligible. It does not modify st.
func SelectActiveKey(st *keystore.RotationState, opts Options) string {
	opts = opts.withDefaults()
	cands := Candidates(st, opts)
	if len(cands) == 0 {
		return ""
	}
	best := cands[0]

	var current *Candidate
	for i := range cands {
		if cands[i].Key.ID == st.ActiveKeyID {
			current = &cands[i]
			break
		}
	}
	if current != nil && keepCurrent(*current, best, cands, opts) {
		return current.Key.ID
	}
	return best.Key.ID
}

func keepCurrent(current, best Candidate, cands []Candidate, opts Options) bool {
	if current.Exhausted {
		return false
	}
	if current.Key.ID == best.Key.ID {
		return true
	}
	if opts.SwitchMargin > 0 && best.Score+opts.SwitchMargin >= current.Score {
		return true
	}
	if current.Score < opts.HighUsageThreshold {
		return true
	}
	// Current is running hot. Only move if some other active-status key is
	// below the high-usage line.
	for _, c := range cands {
		if c.Key.ID == current.Key.ID || c.Exhausted || c.Key.Status != keystore.StatusActive {
			continue
		}
		if c.Score < opts.HighUsageThreshold {
			return false
		}
	}
	return true
}

// sortCandidates orders non-exhausted first, then by lowest score, fresher
// health check, and id.
func sortCandidates(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.Exhausted != b.Exhausted {
			return !a.Exhausted
		}
		if a.Score != b.Score {
			return a.Score < b.Score
		}
		if a.Key.LastHealthCheck != b.Key.LastHealthCheck {
			return a.Key.LastHealthCheck > b.Key.LastHealthCheck
		}
		return a.Key.ID < b.Key.ID
	})
}
