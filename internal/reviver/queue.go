// Package reviver detects callers that died of quota exhaustion and queues
// their sessions for an external reviver.
package reviver

import (
	"errors"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/muesli/reflow/truncate"

	"github.com/Dicklesworthstone/qgov/internal/jsonfile"
	"github.com/Dicklesworthstone/qgov/internal/util"
)

// QueueFileName is the revival queue inside the state directory.
const QueueFileName = "revival_queue.json"

// Queue limits.
const (
	DefaultTTL        = 30 * time.Minute
	DefaultMaxEntries = 20
	MaxMessageWidth   = 300
)

// StatusPendingRevival is the only status a queued record has.
const StatusPendingRevival = "pending_revival"

// RevivalRecord is one interrupted session waiting to be resumed.
type RevivalRecord struct {
	ID                 string `json:"id"`
	SessionID          string `json:"session_id"`
	TranscriptPath     string `json:"transcript_path"`
	AgentID            string `json:"agent_id,omitempty"`
	QuotaMessage       string `json:"quota_message"`
	InterruptedAt      int64  `json:"interrupted_at"`
	CredentialsRotated bool   `json:"credentials_rotated"`
	// ResumeAfter is the unix-ms time the limit was reported to lift, or 0.
	ResumeAfter        int64  `json:"resume_after,omitempty"`
	Status             string `json:"status"`
}

// QueueDoc is the persisted queue.
type QueueDoc struct {
	Version  int64           `json:"version"`
	Sessions []RevivalRecord `json:"sessions"`
}

func (d *QueueDoc) GetVersion() int64  { return d.Version }
func (d *QueueDoc) SetVersion(v int64) { d.Version = v }

// Queue persists revival records at <root>/.qgov/revival_queue.json.
type Queue struct {
	path       string
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
	logger     *slog.Logger
}

// NewQueue returns the queue for a project root.
func NewQueue(root string) *Queue {
	return &Queue{
		path:       filepath.Join(util.StateDir(root), QueueFileName),
		ttl:        DefaultTTL,
		maxEntries: DefaultMaxEntries,
		now:        time.Now,
	}
}

// WithLimits overrides the TTL and the maximum number of entries.
func (q *Queue) WithLimits(ttl time.Duration, maxEntries int) *Queue {
	if ttl > 0 {
		q.ttl = ttl
	}
	if maxEntries > 0 {
		q.maxEntries = maxEntries
	}
	return q
}

// WithClock sets the time source.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// WithLogger sets the logger.
func (q *Queue) WithLogger(logger *slog.Logger) *Queue {
	q.logger = logger
	return q
}

// Path returns the backing file path.
func (q *Queue) Path() string { return q.path }

func (q *Queue) log() *slog.Logger {
	if q.logger != nil {
		return q.logger
	}
	return slog.Default()
}

// Load reads the queue as stored, expired entries included.
func (q *Queue) Load() (*QueueDoc, error) {
	doc := &QueueDoc{}
	if _, err := jsonfile.Read(q.path, doc); err != nil {
		if !errors.Is(err, jsonfile.ErrCorrupt) {
			return nil, err
		}
		q.log().Warn("revival queue unreadable, starting empty", "path", q.path, "error", err)
		return &QueueDoc{}, nil
	}
	kept := doc.Sessions[:0]
	for _, r := range doc.Sessions {
		if r.TranscriptPath == "" && r.SessionID == "" {
			continue
		}
		if r.Status == "" {
			r.Status = StatusPendingRevival
		}
		kept = append(kept, r)
	}
	doc.Sessions = kept
	return doc, nil
}

func (q *Queue) expired(r RevivalRecord, now time.Time) bool {
	return now.Sub(time.UnixMilli(r.InterruptedAt)) > q.ttl
}

// Enqueue adds rec. A record for a transcript already queued replaces the
// queued one and keeps its id. Expired entries are dropped and the queue is
// capped by discarding the oldest. Returns the stored record and whether it
// replaced an existing one.
func (q *Queue) Enqueue(rec RevivalRecord) (RevivalRecord, bool, error) {
	now := q.now()
	if rec.InterruptedAt == 0 {
		rec.InterruptedAt = now.UnixMilli()
	}
	rec.Status = StatusPendingRevival
	rec.QuotaMessage = truncate.StringWithTail(rec.QuotaMessage, MaxMessageWidth, "…")

	var replaced bool
	_, err := jsonfile.Update(q.path, q.Load, func(doc *QueueDoc) error {
		replaced = false
		stored := rec
		kept := doc.Sessions[:0]
		for _, r := range doc.Sessions {
			if q.expired(r, now) {
				continue
			}
			if sameSession(r, rec) {
				stored.ID = r.ID
				replaced = true
				continue
			}
			kept = append(kept, r)
		}
		if stored.ID == "" {
			stored.ID = uuid.NewString()
		}
		kept = append(kept, stored)
		sort.SliceStable(kept, func(i, j int) bool { return kept[i].InterruptedAt < kept[j].InterruptedAt })
		if len(kept) > q.maxEntries {
			kept = kept[len(kept)-q.maxEntries:]
		}
		doc.Sessions = kept
		rec = stored
		return nil
	})
	if err != nil {
		return rec, false, err
	}
	return rec, replaced, nil
}

func sameSession(a, b RevivalRecord) bool {
	if a.TranscriptPath != "" || b.TranscriptPath != "" {
		return a.TranscriptPath == b.TranscriptPath
	}
	return a.SessionID == b.SessionID
}

// List returns unexpired records, oldest first.
func (q *Queue) List() ([]RevivalRecord, error) {
	doc, err := q.Load()
	if err != nil {
		return nil, err
	}
	now := q.now()
	out := []RevivalRecord{}
	for _, r := range doc.Sessions {
		if !q.expired(r, now) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Prune removes expired records and returns how many were removed.
func (q *Queue) Prune() (int, error) {
	now := q.now()
	removed := 0
	_, err := jsonfile.Update(q.path, q.Load, func(doc *QueueDoc) error {
		removed = 0
		kept := doc.Sessions[:0]
		for _, r := range doc.Sessions {
			if q.expired(r, now) {
				removed++
				continue
			}
			kept = append(kept, r)
		}
		doc.Sessions = kept
		return nil
	})
	return removed, err
}

// Remove deletes the record with id, reporting whether it was queued.
func (q *Queue) Remove(id string) (bool, error) {
	found := false
	_, err := jsonfile.Update(q.path, q.Load, func(doc *QueueDoc) error {
		found = false
		kept := doc.Sessions[:0]
		for _, r := range doc.Sessions {
			if r.ID == id {
				found = true
				continue
			}
			kept = append(kept, r)
		}
		doc.Sessions = kept
		return nil
	})
	return found, err
}
