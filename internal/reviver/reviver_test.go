package reviver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dicklesworthstone/qgov/internal/rotation"
	"github.com/Dicklesworthstone/qgov/internal/runenv"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeTranscript(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600))
	return path
}

const (
	userLine      = `{"type":"user","message":{"role":"user","content":"refactor the parser"}}`
	assistantLine = `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Working on it."}]}}`
	apiErrorLine  = `{"type":"assistant","error":"rate_limit","isApiErrorMessage":true,"message":{"role":"assistant","content":[{"type":"text","text":"Claude AI usage limit reached|1760000000"}]}}`
	textOnlyLine  = `{"type":"assistant","isApiErrorMessage":true,"message":{"content":[{"type":"text","text":"5-hour limit reached ∙ resets 3pm"}]}}`
)

type fakeRotator struct {
	calls []rotation.Request
	res   rotation.Result
}

func (f *fakeRotator) RotateOutOfBand(_ context.Context, req rotation.Request) rotation.Result {
	f.calls = append(f.calls, req)
	return f.res
}

func newDetector(t *testing.T, env runenv.Env, rot Rotator) (*Detector, *Queue, *bytes.Buffer) {
	t.Helper()
	q := NewQueue(t.TempDir()).WithClock(func() time.Time { return t0 }).WithLogger(discardLogger())
	var notices bytes.Buffer
	d := NewDetector(env, q, rot).
		WithNotices(&notices).
		WithClock(func() time.Time { return t0 }).
		WithLogger(discardLogger())
	return d, q, &notices
}

func TestReadTailKeepsLastParseableEntries(t *testing.T) {
	t.Parallel()
	var lines []string
	for i := 0; i < 8; i++ {
		lines = append(lines, fmt.Sprintf(`{"type":"assistant","content":"line %d"}`, i))
	}
	lines = append(lines, `{not json`, "")
	path := writeTranscript(t, lines...)

	entries, err := ReadTail(path, TailBytes, MaxEntries)
	require.NoError(t, err)
	require.Len(t, entries, MaxEntries)
	assert.Equal(t, "line 3", entries[0].Text())
	assert.Equal(t, "line 7", entries[4].Text())
}

func TestReadTailDropsPartialFirstLine(t *testing.T) {
	t.Parallel()
	long := `{"type":"assistant","content":"` + strings.Repeat("x", 200) + `"}`
	path := writeTranscript(t, long, `{"type":"assistant","content":"tail"}`)

	entries, err := ReadTail(path, 100, MaxEntries)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "tail", entries[0].Text())
}

func TestFindMarker(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		lines       []string
		wantFound   bool
		wantPattern string
	}{
		{"error field", []string{userLine, apiErrorLine}, true, "rate_limit"},
		{"api error text", []string{userLine, textOnlyLine}, true, "five_hour_limit"},
		{"assistant text", []string{userLine, `{"type":"assistant","message":{"content":[{"type":"text","text":"Weekly limit reached"}]}}`}, true, "weekly_limit"},
		{"user quoting error", []string{`{"type":"user","message":{"content":"why did I see usage limit reached?"}}`}, false, ""},
		{"healthy", []string{userLine, assistantLine}, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := ReadTail(writeTranscript(t, tt.lines...), TailBytes, MaxEntries)
			require.NoError(t, err)
			m, found := FindMarker(entries)
			assert.Equal(t, tt.wantFound, found)
			assert.Equal(t, tt.wantPattern, m.Pattern)
		})
	}
}

func TestFindMarkerCarriesResetHint(t *testing.T) {
	t.Parallel()
	waitLine := `{"type":"system","content":"API error: rate limit exceeded, retry in 45s"}`
	entries, err := ReadTail(writeTranscript(t, userLine, waitLine), TailBytes, MaxEntries)
	require.NoError(t, err)
	m, found := FindMarker(entries)
	require.True(t, found)
	assert.Equal(t, "rate_limit", m.Pattern)
	assert.Equal(t, 45, m.Limit.WaitSeconds)

	entries, err = ReadTail(writeTranscript(t, userLine, textOnlyLine), TailBytes, MaxEntries)
	require.NoError(t, err)
	m, found = FindMarker(entries)
	require.True(t, found)
	assert.True(t, m.Limit.ResumeAfter(t0).IsZero(), "no machine-readable reset in text")
}

func TestInspectRecordsResumeAfterFromWait(t *testing.T) {
	t.Parallel()
	d, q, _ := newDetector(t, runenv.Env{}, nil)
	path := writeTranscript(t, userLine, `{"type":"assistant","isApiErrorMessage":true,"content":"Too many requests. Retry-After: 120"}`)

	out := d.Inspect(context.Background(), HookInput{SessionID: "s-wait", TranscriptPath: path})
	require.True(t, out.OK, out.Error)
	require.NotNil(t, out.Record)
	assert.Equal(t, t0.Add(2*time.Minute).UnixMilli(), out.Record.ResumeAfter)

	list, err := q.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, out.Record.ResumeAfter, list[0].ResumeAfter)
}

func TestInspectRotatesQueuesAndNotifies(t *testing.T) {
	t.Parallel()
	rot := &fakeRotator{res: rotation.Result{OK: true, Switched: true, ActiveKey: "bbbbbbbbcccccccc"}}
	d, q, notices := newDetector(t, runenv.Env{}, rot)
	path := writeTranscript(t, userLine, apiErrorLine)

	out := d.Inspect(context.Background(), HookInput{SessionID: "s1", TranscriptPath: path, AgentID: "agent-7"})
	require.True(t, out.OK, out.Error)
	assert.True(t, out.Detected)
	assert.True(t, out.Queued)
	assert.Equal(t, "rate_limit", out.Pattern)
	assert.Equal(t, "Claude AI usage limit reached|1760000000", out.Message)

	require.Len(t, rot.calls, 1)
	assert.Equal(t, rotation.TriggerQuotaDeath, rot.calls[0].Trigger)
	assert.True(t, rot.calls[0].SwapSources)
	assert.Equal(t, "s1", rot.calls[0].SessionID)

	list, err := q.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, StatusPendingRevival, list[0].Status)
	assert.True(t, list[0].CredentialsRotated)
	assert.Equal(t, "agent-7", list[0].AgentID)
	assert.Equal(t, t0.UnixMilli(), list[0].InterruptedAt)
	assert.Equal(t, int64(1760000000)*1000, list[0].ResumeAfter, "printed reset time carried onto the record")

	assert.Contains(t, notices.String(), "switched to key bbbbbbbb")
}

func TestInspectSpawnedSessionSuppressesSideEffects(t *testing.T) {
	t.Parallel()
	rot := &fakeRotator{res: rotation.Result{OK: true, Switched: true, ActiveKey: "k2"}}
	d, q, notices := newDetector(t, runenv.Env{IsSpawnedSession: true}, rot)
	path := writeTranscript(t, apiErrorLine)

	out := d.Inspect(context.Background(), HookInput{SessionID: "s1", TranscriptPath: path})
	assert.True(t, out.Detected)
	assert.True(t, out.Queued, "queueing still happens for spawned sessions")
	assert.True(t, out.Suppressed)
	require.Len(t, rot.calls, 1)
	assert.False(t, rot.calls[0].SwapSources)
	assert.Empty(t, notices.String())

	list, err := q.List()
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestInspectNoMarker(t *testing.T) {
	t.Parallel()
	rot := &fakeRotator{}
	d, q, notices := newDetector(t, runenv.Env{}, rot)
	out := d.Inspect(context.Background(), HookInput{SessionID: "s1", TranscriptPath: writeTranscript(t, userLine, assistantLine)})
	assert.True(t, out.OK)
	assert.False(t, out.Detected)
	assert.Empty(t, rot.calls)
	assert.Empty(t, notices.String())
	list, err := q.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestInspectMissingTranscript(t *testing.T) {
	t.Parallel()
	d, _, _ := newDetector(t, runenv.Env{}, nil)
	out := d.Inspect(context.Background(), HookInput{SessionID: "s1", TranscriptPath: filepath.Join(t.TempDir(), "gone.jsonl")})
	assert.True(t, out.OK)
	assert.False(t, out.Detected)
	assert.NotEmpty(t, out.Error)
}

func TestInspectWithoutRotator(t *testing.T) {
	t.Parallel()
	d, q, notices := newDetector(t, runenv.Env{}, nil)
	out := d.Inspect(context.Background(), HookInput{SessionID: "s1", TranscriptPath: writeTranscript(t, textOnlyLine)})
	assert.True(t, out.Queued)
	assert.Nil(t, out.Rotation)
	list, err := q.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.False(t, list[0].CredentialsRotated)
	assert.Contains(t, notices.String(), "session queued for revival")
}

func TestQueueDedupeByTranscript(t *testing.T) {
	t.Parallel()
	now := t0
	q := NewQueue(t.TempDir()).WithClock(func() time.Time { return now }).WithLogger(discardLogger())

	first, replaced, err := q.Enqueue(RevivalRecord{SessionID: "s1", TranscriptPath: "/t/a.jsonl", QuotaMessage: "limit"})
	require.NoError(t, err)
	assert.False(t, replaced)

	now = t0.Add(time.Minute)
	second, replaced, err := q.Enqueue(RevivalRecord{SessionID: "s1b", TranscriptPath: "/t/a.jsonl", QuotaMessage: "limit again"})
	require.NoError(t, err)
	assert.True(t, replaced)
	assert.Equal(t, first.ID, second.ID)

	list, err := q.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "limit again", list[0].QuotaMessage)
	assert.Equal(t, now.UnixMilli(), list[0].InterruptedAt)
}

func TestQueueTTLAndPrune(t *testing.T) {
	t.Parallel()
	now := t0
	q := NewQueue(t.TempDir()).WithClock(func() time.Time { return now }).WithLogger(discardLogger())
	_, _, err := q.Enqueue(RevivalRecord{TranscriptPath: "/t/old.jsonl"})
	require.NoError(t, err)

	now = t0.Add(DefaultTTL + time.Minute)
	_, _, err = q.Enqueue(RevivalRecord{TranscriptPath: "/t/new.jsonl"})
	require.NoError(t, err)

	list, err := q.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "/t/new.jsonl", list[0].TranscriptPath)

	now = t0.Add(2*DefaultTTL + 2*time.Minute)
	removed, err := q.Prune()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	doc, err := q.Load()
	require.NoError(t, err)
	assert.Empty(t, doc.Sessions)
}

func TestQueueCapAndRemove(t *testing.T) {
	t.Parallel()
	now := t0
	q := NewQueue(t.TempDir()).WithClock(func() time.Time { return now }).WithLogger(discardLogger())
	var last RevivalRecord
	for i := 0; i < DefaultMaxEntries+3; i++ {
		now = t0.Add(time.Duration(i) * time.Second)
		rec, _, err := q.Enqueue(RevivalRecord{TranscriptPath: fmt.Sprintf("/t/%02d.jsonl", i)})
		require.NoError(t, err)
		last = rec
	}
	list, err := q.List()
	require.NoError(t, err)
	require.Len(t, list, DefaultMaxEntries)
	assert.Equal(t, "/t/03.jsonl", list[0].TranscriptPath)

	found, err := q.Remove(last.ID)
	require.NoError(t, err)
	assert.True(t, found)
	found, err = q.Remove(last.ID)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestQueueTruncatesMessage(t *testing.T) {
	t.Parallel()
	q := NewQueue(t.TempDir()).WithClock(func() time.Time { return t0 }).WithLogger(discardLogger())
	rec, _, err := q.Enqueue(RevivalRecord{TranscriptPath: "/t/a.jsonl", QuotaMessage: strings.Repeat("m", 1000)})
	require.NoError(t, err)
	assert.LessOrEqual(t, len([]rune(rec.QuotaMessage)), MaxMessageWidth)
	assert.True(t, strings.HasSuffix(rec.QuotaMessage, "…"))
}
