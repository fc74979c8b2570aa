package reviver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/Dicklesworthstone/qgov/internal/ratelimit"
	"github.com/Dicklesworthstone/qgov/internal/rotation"
	"github.com/Dicklesworthstone/qgov/internal/runenv"
)

// Transcript inspection limits.
const (
	TailBytes  = 64 * 1024
	MaxEntries = 5
)

// HookInput is the caller-termination event delivered by the host.
type HookInput struct {
	SessionID      string `json:"session_id"`
	TranscriptPath string `json:"transcript_path"`
	AgentID        string `json:"agent_id,omitempty"`
	HookEventName  string `json:"hook_event_name,omitempty"`
}

// Rotator is the rotation entry point the detector calls.
type Rotator interface {
	RotateOutOfBand(ctx context.Context, req rotation.Request) rotation.Result
}

// Outcome describes one inspection. It never carries a Go error: the host
// must always be allowed to continue.
type Outcome struct {
	OK         bool             `json:"ok"`
	Error      string           `json:"error,omitempty"`
	Detected   bool             `json:"detected"`
	Pattern    string           `json:"pattern,omitempty"`
	Message    string           `json:"message,omitempty"`
	Rotation   *rotation.Result `json:"rotation,omitempty"`
	Queued     bool             `json:"queued"`
	Replaced   bool             `json:"replaced,omitempty"`
	Record     *RevivalRecord   `json:"record,omitempty"`
	Suppressed bool             `json:"suppressed,omitempty"`
}

// Detector inspects terminated callers for quota death.
type Detector struct {
	env     runenv.Env
	queue   *Queue
	rotator Rotator
	notices io.Writer
	now     func() time.Time
	logger  *slog.Logger
}

// NewDetector wires a detector. rotator may be nil, in which case sessions
// are queued without rotating credentials.
func NewDetector(env runenv.Env, queue *Queue, rotator Rotator) *Detector {
	return &Detector{
		env:     env,
		queue:   queue,
		rotator: rotator,
		notices: os.Stderr,
		now:     time.Now,
	}
}

// WithNotices sets where the caller-facing notice is written.
func (d *Detector) WithNotices(w io.Writer) *Detector {
	d.notices = w
	return d
}

// WithClock sets the time source.
func (d *Detector) WithClock(now func() time.Time) *Detector {
	d.now = now
	return d
}

// WithLogger sets the logger.
func (d *Detector) WithLogger(logger *slog.Logger) *Detector {
	d.logger = logger
	return d
}

func (d *Detector) log() *slog.Logger {
	if d.logger != nil {
		return d.logger
	}
	return slog.Default()
}

// Inspect reads the tail of the caller's transcript and, on a quota marker,
// rotates credentials and queues the session for revival. The caller itself
// is never retried here.
func (d *Detector) Inspect(ctx context.Context, in HookInput) Outcome {
	if in.TranscriptPath == "" {
		return Outcome{OK: true, Error: "no transcript path"}
	}
	entries, err := ReadTail(in.TranscriptPath, TailBytes, MaxEntries)
	if err != nil {
		d.log().Warn("transcript unreadable", "path", in.TranscriptPath, "error", err)
		return Outcome{OK: true, Error: err.Error()}
	}
	marker, found := FindMarker(entries)
	if !found {
		return Outcome{OK: true}
	}

	out := Outcome{OK: true, Detected: true, Pattern: marker.Pattern, Message: marker.Message}
	d.log().Info("quota death detected", "session", in.SessionID, "pattern", marker.Pattern, "spawned", d.env.IsSpawnedSession)

	rotated := false
	if d.rotator != nil {
		rot := d.rotator.RotateOutOfBand(ctx, rotation.Request{
			Trigger:     rotation.TriggerQuotaDeath,
			Pattern:     marker.Pattern,
			SessionID:   in.SessionID,
			SwapSources: !d.env.IsSpawnedSession,
		})
		out.Rotation = &rot
		rotated = rot.OK && rot.Switched
	}

	now := d.now()
	rec := RevivalRecord{
		SessionID:          in.SessionID,
		TranscriptPath:     in.TranscriptPath,
		AgentID:            in.AgentID,
		QuotaMessage:       marker.Message,
		InterruptedAt:      now.UnixMilli(),
		CredentialsRotated: rotated,
	}
	if t := marker.Limit.ResumeAfter(now); !t.IsZero() {
		rec.ResumeAfter = t.UnixMilli()
	}
	rec, replaced, err := d.queue.Enqueue(rec)
	if err != nil {
		d.log().Warn("revival enqueue failed", "session", in.SessionID, "error", err)
		out.OK = false
		out.Error = fmt.Sprintf("enqueue: %v", err)
	} else {
		out.Queued = true
		out.Replaced = replaced
		out.Record = &rec
	}

	if d.env.IsSpawnedSession {
		out.Suppressed = true
		return out
	}
	d.notify(out)
	return out
}

func (d *Detector) notify(out Outcome) {
	if d.notices == nil {
		return
	}
	msg := "qgov: quota limit reached (" + out.Pattern + ")"
	if out.Rotation != nil && out.Rotation.Switched {
		msg += fmt.Sprintf(", switched to key %s", short(out.Rotation.ActiveKey))
	} else if out.Rotation != nil && out.Rotation.ActiveKey == "" {
		msg += ", no healthy key available"
	}
	if out.Queued {
		msg += ", session queued for revival"
	}
	fmt.Fprintln(d.notices, msg)
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Entry is the subset of a transcript line the detector looks at.
type Entry struct {
	Type              string          `json:"type"`
	Error             string          `json:"error,omitempty"`
	IsAPIErrorMessage bool            `json:"isApiErrorMessage,omitempty"`
	Message           json.RawMessage `json:"message,omitempty"`
	Content           json.RawMessage `json:"content,omitempty"`
}

// Text returns the entry's human-readable text.
func (e Entry) Text() string {
	if t := contentText(e.Content); t != "" {
		return t
	}
	if len(e.Message) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(e.Message, &s) == nil {
		return s
	}
	var msg struct {
		Content json.RawMessage `json:"content"`
	}
	if json.Unmarshal(e.Message, &msg) != nil {
		return ""
	}
	return contentText(msg.Content)
}

func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &blocks) != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ReadTail returns up to maxEntries parseable JSONL entries from the last
// tailBytes of path, oldest first. Unparseable lines are skipped.
func ReadTail(path string, tailBytes int64, maxEntries int) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat transcript: %w", err)
	}
	offset := info.Size() - tailBytes
	if offset < 0 {
		offset = 0
	}
	buf := make([]byte, info.Size()-offset)
	if _, err := f.ReadAt(buf, offset); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	if offset > 0 {
		// The first line is cut mid-record.
		if i := bytes.IndexByte(buf, '\n'); i >= 0 {
			buf = buf[i+1:]
		} else {
			buf = nil
		}
	}

	var lines [][]byte
	sc := bufio.NewScanner(bytes.NewReader(buf))
	sc.Buffer(make([]byte, 0, 64*1024), int(tailBytes)+1)
	for sc.Scan() {
		if line := bytes.TrimSpace(sc.Bytes()); len(line) > 0 {
			lines = append(lines, append([]byte(nil), line...))
		}
	}

	var out []Entry
	for i := len(lines) - 1; i >= 0 && len(out) < maxEntries; i-- {
		var e Entry
		if json.Unmarshal(lines[i], &e) != nil {
			continue
		}
		out = append(out, e)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Marker is a quota signal found in a transcript.
type Marker struct {
	Pattern string
	Message string
	// Limit holds the wait or reset time printed with the message.
	Limit ratelimit.Detection
}

// FindMarker looks for a quota marker, newest entry first. User entries are
// only matched through the explicit error fields so a prompt quoting an
// error message is not mistaken for one.
func FindMarker(entries []Entry) (Marker, bool) {
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		text := e.Text()
		if e.Error == "rate_limit" {
			return Marker{Pattern: "rate_limit", Message: messageOr(text, "rate limit"), Limit: ratelimit.DetectRateLimit(text)}, true
		}
		if e.Type == "user" {
			continue
		}
		d := ratelimit.DetectRateLimit(text)
		if !d.RateLimited {
			continue
		}
		if e.IsAPIErrorMessage || e.Type == "assistant" || e.Type == "system" || e.Type == "result" {
			return Marker{Pattern: d.Pattern, Message: ratelimit.FirstLine(text), Limit: d}, true
		}
	}
	return Marker{}, false
}

func messageOr(text, fallback string) string {
	if line := ratelimit.FirstLine(text); line != "" {
		return line
	}
	return fallback
}
