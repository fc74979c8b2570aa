// Package rotation switches the active key out of band, refreshing and
// re-checking the pool first, and keeps a history of rotations.
package rotation

import (
	"errors"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/Dicklesworthstone/qgov/internal/jsonfile"
	"github.com/Dicklesworthstone/qgov/internal/util"
)

// HistoryFileName is the rotation history inside the state directory.
const HistoryFileName = "rotation_history.json"

// MaxHistory bounds the stored records; the oldest are dropped.
const MaxHistory = 200

// Trigger names what started a rotation.
type Trigger string

const (
	TriggerQuotaDeath Trigger = "quota_death"
	TriggerManual     Trigger = "manual"
	TriggerPoll       Trigger = "poll"
)

// RotationRecord tracks one rotation attempt.
type RotationRecord struct {
	ID             string        `json:"id"`
	FromKey        string        `json:"from_key,omitempty"`
	ToKey          string        `json:"to_key,omitempty"`
	Switched       bool          `json:"switched"`
	RotatedAt      time.Time     `json:"rotated_at"`
	TriggeredBy    Trigger       `json:"triggered_by"`
	TriggerPattern string        `json:"trigger_pattern,omitempty"`
	SessionID      string        `json:"session_id,omitempty"`
	TimeSinceLast  time.Duration `json:"time_since_last,omitempty"`
	Refreshed      []string      `json:"refreshed,omitempty"`
	Invalidated    []string      `json:"invalidated,omitempty"`
	WrittenTo      []string      `json:"written_to,omitempty"`
}

// HistoryDoc is the persisted history.
type HistoryDoc struct {
	Version int64            `json:"version"`
	Records []RotationRecord `json:"records"`
}

func (d *HistoryDoc) GetVersion() int64  { return d.Version }
func (d *HistoryDoc) SetVersion(v int64) { d.Version = v }

// Stats summarizes the history.
type Stats struct {
	TotalRotations int             `json:"total_rotations"`
	Switches       int             `json:"switches"`
	AvgTimeBetween time.Duration   `json:"avg_time_between,omitempty"`
	KeyUsage       map[string]int  `json:"key_usage,omitempty"`
	ByTrigger      map[Trigger]int `json:"by_trigger,omitempty"`
}

// History persists rotation records at <root>/.qgov/rotation_history.json.
type History struct {
	path   string
	logger *slog.Logger
}

// NewHistory returns the history for a project root.
func NewHistory(root string) *History {
	return &History{path: filepath.Join(util.StateDir(root), HistoryFileName)}
}

// WithLogger sets the logger.
func (h *History) WithLogger(logger *slog.Logger) *History {
	h.logger = logger
	return h
}

// Path returns the backing file path.
func (h *History) Path() string { return h.path }

func (h *History) log() *slog.Logger {
	if h.logger != nil {
		return h.logger
	}
	return slog.Default()
}

// Load reads the history; a corrupt file yields an empty history.
func (h *History) Load() (*HistoryDoc, error) {
	doc := &HistoryDoc{}
	if _, err := jsonfile.Read(h.path, doc); err != nil {
		if !errors.Is(err, jsonfile.ErrCorrupt) {
			return nil, err
		}
		h.log().Warn("rotation history unreadable, starting empty", "path", h.path, "error", err)
		return &HistoryDoc{}, nil
	}
	return doc, nil
}

// Record appends rec, filling ID, RotatedAt and TimeSinceLast when unset.
func (h *History) Record(rec RotationRecord) (RotationRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.RotatedAt.IsZero() {
		rec.RotatedAt = time.Now()
	}
	_, err := jsonfile.Update(h.path, h.Load, func(doc *HistoryDoc) error {
		if rec.Switched && rec.TimeSinceLast == 0 {
			for i := len(doc.Records) - 1; i >= 0; i-- {
				if last := doc.Records[i]; last.Switched && !last.RotatedAt.IsZero() {
					rec.TimeSinceLast = rec.RotatedAt.Sub(last.RotatedAt)
					break
				}
			}
		}
		doc.Records = append(doc.Records, rec)
		if len(doc.Records) > MaxHistory {
			doc.Records = append([]RotationRecord(nil), doc.Records[len(doc.Records)-MaxHistory:]...)
		}
		return nil
	})
	if err != nil {
		return rec, err
	}
	h.log().Info("rotation recorded",
		"from", rec.FromKey,
		"to", rec.ToKey,
		"switched", rec.Switched,
		"triggered_by", rec.TriggeredBy,
		"pattern", rec.TriggerPattern,
		"time_since_last", rec.TimeSinceLast,
	)
	return rec, nil
}

// Recent returns up to limit records, newest last. limit <= 0 returns all.
func (h *History) Recent(limit int) ([]RotationRecord, error) {
	doc, err := h.Load()
	if err != nil {
		return nil, err
	}
	records := doc.Records
	if limit <= 0 || limit > len(records) {
		limit = len(records)
	}
	out := make([]RotationRecord, limit)
	copy(out, records[len(records)-limit:])
	return out, nil
}

// Stats aggregates the stored history.
func (h *History) Stats() (Stats, error) {
	doc, err := h.Load()
	if err != nil {
		return Stats{}, err
	}
	return ComputeStats(doc.Records), nil
}

// ComputeStats aggregates records.
func ComputeStats(records []RotationRecord) Stats {
	stats := Stats{
		KeyUsage:  make(map[string]int),
		ByTrigger: make(map[Trigger]int),
	}
	var totalBetween time.Duration
	var betweenCount int
	for _, r := range records {
		stats.TotalRotations++
		stats.ByTrigger[r.TriggeredBy]++
		if !r.Switched {
			continue
		}
		stats.Switches++
		if r.ToKey != "" {
			stats.KeyUsage[r.ToKey]++
		}
		if r.TimeSinceLast > 0 {
			totalBetween += r.TimeSinceLast
			betweenCount++
		}
	}
	if betweenCount > 0 {
		stats.AvgTimeBetween = totalBetween / time.Duration(betweenCount)
	}
	return stats
}
