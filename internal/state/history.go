package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Dicklesworthstone/qgov/internal/governor"
	"github.com/Dicklesworthstone/qgov/internal/rotation"
)

// Adjustment is one stored governor cycle.
type Adjustment struct {
	ID                 int64     `json:"id"`
	RecordedAt         time.Time `json:"recorded_at"`
	PreviousFactor     float64   `json:"previous_factor"`
	Factor             float64   `json:"factor"`
	Direction          string    `json:"direction,omitempty"`
	ConstrainingMetric string    `json:"constraining_metric,omitempty"`
	ProjectedAtReset   float64   `json:"projected_at_reset"`
	HoursUntilReset    float64   `json:"hours_until_reset"`
	Rate               float64   `json:"rate"`
	Current            float64   `json:"current"`
	Reason             string    `json:"reason,omitempty"`
	Skipped            bool      `json:"skipped"`
}

// Rotation is one stored rotation.
type Rotation struct {
	ID             string    `json:"id"`
	RotatedAt      time.Time `json:"rotated_at"`
	FromKey        string    `json:"from_key,omitempty"`
	ToKey          string    `json:"to_key,omitempty"`
	Switched       bool      `json:"switched"`
	TriggeredBy    string    `json:"triggered_by"`
	TriggerPattern string    `json:"trigger_pattern,omitempty"`
	SessionID      string    `json:"session_id,omitempty"`
	Refreshed      int       `json:"refreshed"`
	Invalidated    int       `json:"invalidated"`
}

// RecordCycle stores a governor cycle. Failed cycles are not stored.
func (s *Store) RecordCycle(at time.Time, res governor.CycleResult) error {
	if s == nil || s.db == nil {
		return errors.New("history store is nil")
	}
	if !res.OK {
		return nil
	}
	var w governor.WindowState
	switch {
	case res.Constraining == governor.MetricSevenDay && res.SevenDay != nil:
		w = *res.SevenDay
	case res.FiveHour != nil:
		w = *res.FiveHour
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO governor_adjustments
			(recorded_at, previous_factor, factor, direction, constraining_metric,
			 projected_at_reset, hours_until_reset, rate, current_usage, reason, skipped)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		at.UTC(), res.PreviousFactor, res.Factor, string(res.Direction), string(res.Constraining),
		w.Projected, w.HoursUntilReset, w.Rate, w.Current, res.Reason, res.Skipped,
	)
	if err != nil {
		return fmt.Errorf("insert adjustment: %w", err)
	}
	return nil
}

// RecordRotation stores a rotation record. Records already stored are
// ignored.
func (s *Store) RecordRotation(rec rotation.RotationRecord) error {
	if s == nil || s.db == nil {
		return errors.New("history store is nil")
	}
	if rec.ID == "" {
		return errors.New("rotation id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO rotations
			(id, rotated_at, from_key, to_key, switched, triggered_by, trigger_pattern, session_id, refreshed, invalidated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RotatedAt.UTC(), rec.FromKey, rec.ToKey, rec.Switched, string(rec.TriggeredBy),
		rec.TriggerPattern, rec.SessionID, len(rec.Refreshed), len(rec.Invalidated),
	)
	if err != nil {
		return fmt.Errorf("insert rotation: %w", err)
	}
	return nil
}

// Adjustments returns cycles recorded at or after since, newest first.
// limit <= 0 means no limit.
func (s *Store) Adjustments(since time.Time, limit int) ([]Adjustment, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("history store is nil")
	}
	if limit <= 0 {
		limit = -1
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`
		SELECT id, recorded_at, previous_factor, factor, COALESCE(direction, ''),
		       COALESCE(constraining_metric, ''), COALESCE(projected_at_reset, 0),
		       COALESCE(hours_until_reset, 0), COALESCE(rate, 0), COALESCE(current_usage, 0),
		       COALESCE(reason, ''), skipped
		FROM governor_adjustments
		WHERE recorded_at >= ?
		ORDER BY recorded_at DESC, id DESC
		LIMIT ?`, since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list adjustments: %w", err)
	}
	defer rows.Close()

	var out []Adjustment
	for rows.Next() {
		var a Adjustment
		if err := rows.Scan(
			&a.ID,
			&a.RecordedAt,
			&a.PreviousFactor,
			&a.Factor,
			&a.Direction,
			&a.ConstrainingMetric,
			&a.ProjectedAtReset,
			&a.HoursUntilReset,
			&a.Rate,
			&a.Current,
			&a.Reason,
			&a.Skipped,
		); err != nil {
			return nil, fmt.Errorf("scan adjustment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Rotations returns rotations at or after since, newest first.
func (s *Store) Rotations(since time.Time, limit int) ([]Rotation, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("history store is nil")
	}
	if limit <= 0 {
		limit = -1
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`
		SELECT id, rotated_at, COALESCE(from_key, ''), COALESCE(to_key, ''), switched,
		       triggered_by, COALESCE(trigger_pattern, ''), COALESCE(session_id, ''),
		       refreshed, invalidated
		FROM rotations
		WHERE rotated_at >= ?
		ORDER BY rotated_at DESC
		LIMIT ?`, since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list rotations: %w", err)
	}
	defer rows.Close()

	var out []Rotation
	for rows.Next() {
		var r Rotation
		if err := rows.Scan(
			&r.ID,
			&r.RotatedAt,
			&r.FromKey,
			&r.ToKey,
			&r.Switched,
			&r.TriggeredBy,
			&r.TriggerPattern,
			&r.SessionID,
			&r.Refreshed,
			&r.Invalidated,
		); err != nil {
			return nil, fmt.Errorf("scan rotation: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune deletes history older than before and returns the rows removed.
func (s *Store) Prune(before time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("history store is nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	var total int64
	if err := func() error {
		for _, q := range []string{
			`DELETE FROM governor_adjustments WHERE recorded_at < ?`,
			`DELETE FROM rotations WHERE rotated_at < ?`,
		} {
			res, err := tx.Exec(q, before.UTC())
			if err != nil {
				return fmt.Errorf("prune history: %w", err)
			}
			n, _ := res.RowsAffected()
			total += n
		}
		return nil
	}(); err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return 0, err
	}
	return total, nil
}
