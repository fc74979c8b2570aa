// Package snapshot collects periodic usage readings across the key pool into
// a time series that the trajectory estimator consumes.
package snapshot

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// DefaultRetention bounds how much history the series keeps.
const DefaultRetention = 7 * 24 * time.Hour

// ErrNotMonotonic is returned when appending a snapshot that is not newer
// than the last one.
var ErrNotMonotonic = errors.New("snapshot timestamp not after last snapshot")

// KeyUsage is one key's utilization in a snapshot, as a 0-1 fraction.
type KeyUsage struct {
	FiveHour        float64 `json:"five_hour"`
	SevenDay        float64 `json:"seven_day"`
	FiveHourResetAt *int64  `json:"five_hour_reset_at,omitempty"`
	SevenDayResetAt *int64  `json:"seven_day_reset_at,omitempty"`
}

// Snapshot is the pool's utilization at one instant, keyed by short key id.
type Snapshot struct {
	TS   int64               `json:"ts"`
	Keys map[string]KeyUsage `json:"keys"`
}

// Time returns the snapshot timestamp.
func (s Snapshot) Time() time.Time {
	return time.UnixMilli(s.TS)
}

// Series is the persisted, time-ordered snapshot history.
type Series struct {
	Version   int64      `json:"version"`
	Snapshots []Snapshot `json:"snapshots"`
}

func (s *Series) GetVersion() int64  { return s.Version }
func (s *Series) SetVersion(v int64) { s.Version = v }

// Last returns the newest snapshot, or nil.
func (s *Series) Last() *Snapshot {
	if len(s.Snapshots) == 0 {
		return nil
	}
	return &s.Snapshots[len(s.Snapshots)-1]
}

// Append adds snap at the end. Timestamps must strictly increase.
func (s *Series) Append(snap Snapshot) error {
	if last := s.Last(); last != nil && snap.TS <= last.TS {
		return fmt.Errorf("%w: %d <= %d", ErrNotMonotonic, snap.TS, last.TS)
	}
	s.Snapshots = append(s.Snapshots, snap)
	return nil
}

// Prune drops snapshots older than retention before now.
func (s *Series) Prune(now time.Time, retention time.Duration) int {
	cut := now.Add(-retention).UnixMilli()
	i := sort.Search(len(s.Snapshots), func(i int) bool { return s.Snapshots[i].TS >= cut })
	if i == 0 {
		return 0
	}
	s.Snapshots = append([]Snapshot(nil), s.Snapshots[i:]...)
	return i
}

// Since returns the snapshots with ts >= since, oldest first.
func (s *Series) Since(since time.Time) []Snapshot {
	cut := since.UnixMilli()
	i := sort.Search(len(s.Snapshots), func(i int) bool { return s.Snapshots[i].TS >= cut })
	return s.Snapshots[i:]
}

// Tail returns at most n of the newest snapshots.
func (s *Series) Tail(n int) []Snapshot {
	if n >= len(s.Snapshots) {
		return s.Snapshots
	}
	return s.Snapshots[len(s.Snapshots)-n:]
}

// legacyScaleThreshold separates 0-100 percentages from 0-1 fractions. A
// fraction slightly above 1 is possible during overage; values this high
// only appear in the old percent encoding.
const legacyScaleThreshold = 1.5

// migrateLegacy drops entries that break timestamp order and converts a
// legacy percent document to fractions. The scale is decided once for the
// whole document: a document that was never saved with a version and holds
// any value above legacyScaleThreshold is percent throughout, so its low
// readings are scaled too. Versioned documents are always fractions.
func (s *Series) migrateLegacy() (migrated, dropped int) {
	kept := s.Snapshots[:0]
	var lastTS int64
	for _, snap := range s.Snapshots {
		if len(kept) > 0 && snap.TS <= lastTS {
			dropped++
			continue
		}
		if snap.Keys == nil {
			snap.Keys = map[string]KeyUsage{}
		}
		kept = append(kept, snap)
		lastTS = snap.TS
	}
	s.Snapshots = kept

	if s.Version != 0 || !s.hasPercentValues() {
		return 0, dropped
	}
	for _, snap := range s.Snapshots {
		for id, u := range snap.Keys {
			u.FiveHour /= 100
			u.SevenDay /= 100
			snap.Keys[id] = u
		}
		migrated++
	}
	return migrated, dropped
}

func (s *Series) hasPercentValues() bool {
	for _, snap := range s.Snapshots {
		for _, u := range snap.Keys {
			if u.FiveHour > legacyScaleThreshold || u.SevenDay > legacyScaleThreshold {
				return true
			}
		}
	}
	return false
}
