package rotation

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dicklesworthstone/qgov/internal/credsource"
	"github.com/Dicklesworthstone/qgov/internal/keystore"
	"github.com/Dicklesworthstone/qgov/internal/selector"
	"github.com/Dicklesworthstone/qgov/internal/upstream"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeUpstream struct {
	mu        sync.Mutex
	health    map[string]upstream.HealthResult
	refresh   map[string]upstream.RefreshResult
	refreshed []string
}

func (f *fakeUpstream) CheckKeyHealth(_ context.Context, token string) upstream.HealthResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.health[token]; ok {
		return r
	}
	return upstream.HealthResult{Error: keystore.ErrTagNetwork}
}

func (f *fakeUpstream) RefreshExpiredToken(_ context.Context, rec *keystore.KeyRecord) upstream.RefreshResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed = append(f.refreshed, rec.ID)
	if r, ok := f.refresh[rec.RefreshToken]; ok {
		return r
	}
	return upstream.RefreshResult{Outcome: upstream.RefreshFailed}
}

func usage(five, seven float64) upstream.HealthResult {
	return upstream.HealthResult{Valid: true, Usage: &keystore.Usage{FiveHour: five, SevenDay: seven}}
}

func ms(t time.Time) *int64 {
	v := t.UnixMilli()
	return &v
}

// seed stores keys and returns their ids in order.
func seed(t *testing.T, store *keystore.Store, active int, creds ...keystore.Credential) []string {
	t.Helper()
	var ids []string
	_, err := store.Update(func(st *keystore.RotationState) error {
		ids = ids[:0]
		for _, c := range creds {
			id, _ := st.Ingest(c, "test", t0.Add(-time.Hour))
			ids = append(ids, id)
		}
		if active >= 0 {
			return st.SwitchActive(ids[active], "seed", t0.Add(-time.Hour))
		}
		return nil
	})
	require.NoError(t, err)
	return ids
}

func TestRotateSwitchesAwayFromDeadKey(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	store := keystore.NewStore(root).WithLogger(discardLogger())
	ids := seed(t, store, 0,
		keystore.Credential{AccessToken: "at-a", RefreshToken: "rt-a"},
		keystore.Credential{AccessToken: "at-b", RefreshToken: "rt-b"},
	)
	up := &fakeUpstream{health: map[string]upstream.HealthResult{
		"at-a": usage(100, 60),
		"at-b": usage(20, 30),
	}}
	hist := NewHistory(root).WithLogger(discardLogger())
	r := NewRotator(store, up, selector.DefaultOptions()).
		WithHistory(hist).
		WithClock(func() time.Time { return t0 }).
		WithLogger(discardLogger())

	res := r.RotateOutOfBand(context.Background(), Request{Trigger: TriggerQuotaDeath, Pattern: "usage_limit", SessionID: "s1"})
	require.True(t, res.OK, res.Error)
	assert.Equal(t, ids[0], res.PreviousKey)
	assert.Equal(t, ids[1], res.ActiveKey)
	assert.True(t, res.Switched)
	assert.Equal(t, 2, res.Checked)

	st, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, keystore.StatusExhausted, st.Keys[ids[0]].Status)
	last := st.EventLog[len(st.EventLog)-1]
	assert.Equal(t, keystore.EventKeySwitched, last.Type)
	assert.Equal(t, ids[0], last.PreviousKeyID)

	records, err := hist.Recent(0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, TriggerQuotaDeath, records[0].TriggeredBy)
	assert.Equal(t, "s1", records[0].SessionID)
	require.NotNil(t, res.Record)
	assert.Equal(t, records[0].ID, res.Record.ID)
}

func TestRotateRefreshesExpiredKeys(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	store := keystore.NewStore(root).WithLogger(discardLogger())
	ids := seed(t, store, -1,
		keystore.Credential{AccessToken: "at-old", RefreshToken: "rt-ok", ExpiresAt: ms(t0.Add(-time.Minute))},
		keystore.Credential{AccessToken: "at-dead", RefreshToken: "rt-revoked", ExpiresAt: ms(t0.Add(-time.Minute))},
		keystore.Credential{AccessToken: "at-flaky", RefreshToken: "rt-flaky", ExpiresAt: ms(t0.Add(-time.Minute))},
	)
	newExp := t0.Add(8 * time.Hour).UnixMilli()
	up := &fakeUpstream{
		health: map[string]upstream.HealthResult{"at-new": usage(10, 10)},
		refresh: map[string]upstream.RefreshResult{
			"rt-ok": {Outcome: upstream.RefreshOK, Credentials: &keystore.Credential{
				AccessToken: "at-new", RefreshToken: "rt-ok", ExpiresAt: &newExp,
			}},
			"rt-revoked": {Outcome: upstream.RefreshInvalidGrant},
		},
	}
	r := NewRotator(store, up, selector.Options{}).
		WithClock(func() time.Time { return t0 }).
		WithLogger(discardLogger())

	res := r.RotateOutOfBand(context.Background(), Request{})
	require.True(t, res.OK, res.Error)
	assert.Equal(t, []string{ids[0]}, res.Refreshed)
	assert.Equal(t, []string{ids[1]}, res.Invalidated)
	assert.Equal(t, ids[0], res.ActiveKey)
	assert.Equal(t, 1, res.Checked, "only the refreshed key has a usable token")
	assert.Len(t, up.refreshed, 3)

	st, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, keystore.StatusActive, st.Keys[ids[0]].Status)
	assert.Equal(t, "at-new", st.Keys[ids[0]].AccessToken)
	assert.Equal(t, keystore.StatusInvalid, st.Keys[ids[1]].Status)
	assert.Equal(t, keystore.StatusExpired, st.Keys[ids[2]].Status)
}

func TestRefreshExpiredLeavesSelectionAlone(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	store := keystore.NewStore(root).WithLogger(discardLogger())
	ids := seed(t, store, 2,
		keystore.Credential{AccessToken: "at-old", RefreshToken: "rt-ok", ExpiresAt: ms(t0.Add(-time.Minute))},
		keystore.Credential{AccessToken: "at-flaky", RefreshToken: "rt-flaky", ExpiresAt: ms(t0.Add(-time.Minute))},
		keystore.Credential{AccessToken: "at-fresh", RefreshToken: "rt-fresh", ExpiresAt: ms(t0.Add(time.Hour))},
	)
	newExp := t0.Add(8 * time.Hour).UnixMilli()
	up := &fakeUpstream{refresh: map[string]upstream.RefreshResult{
		"rt-ok": {Outcome: upstream.RefreshOK, Credentials: &keystore.Credential{AccessToken: "at-new", ExpiresAt: &newExp}},
	}}
	r := NewRotator(store, up, selector.Options{}).
		WithClock(func() time.Time { return t0 }).
		WithLogger(discardLogger())

	sum, err := r.RefreshExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{ids[0]}, sum.Refreshed)
	assert.Empty(t, sum.Invalidated)
	require.Len(t, sum.Errors, 1)
	assert.Equal(t, ids[1], sum.Errors[0].KeyID)
	assert.Len(t, up.refreshed, 2, "unexpired token is not refreshed")

	st, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, ids[2], st.ActiveKeyID)
	assert.Equal(t, "at-new", st.Keys[ids[0]].AccessToken)
	assert.Equal(t, "rt-ok", st.Keys[ids[0]].RefreshToken, "refresh token kept when none is returned")
	assert.Equal(t, keystore.StatusActive, st.Keys[ids[0]].Status)
	assert.Equal(t, keystore.StatusExpired, st.Keys[ids[1]].Status)
}

func TestRotateNoSelectableKey(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	store := keystore.NewStore(root).WithLogger(discardLogger())
	seed(t, store, -1, keystore.Credential{AccessToken: "at-a"})
	up := &fakeUpstream{health: map[string]upstream.HealthResult{
		"at-a": {Error: keystore.ErrTagUnauthorized},
	}}
	r := NewRotator(store, up, selector.DefaultOptions()).
		WithClock(func() time.Time { return t0 }).
		WithLogger(discardLogger())

	res := r.RotateOutOfBand(context.Background(), Request{Trigger: TriggerManual})
	assert.True(t, res.OK)
	assert.Empty(t, res.ActiveKey)
	assert.False(t, res.Switched)
	assert.Equal(t, "no selectable key", res.Error)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, keystore.ErrTagUnauthorized, res.Errors[0].Error)
}

func TestRotateSwapsCredentialSources(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	store := keystore.NewStore(root).WithLogger(discardLogger())
	ids := seed(t, store, 0,
		keystore.Credential{AccessToken: "at-a", RefreshToken: "rt-a"},
		keystore.Credential{AccessToken: "at-b", RefreshToken: "rt-b"},
	)
	src := credsource.Source{Name: "claude", Path: filepath.Join(root, "home", ".credentials.json"), Writable: true}
	ro := credsource.Source{Name: "readonly", Path: filepath.Join(root, "ro.json")}
	require.NoError(t, credsource.Write(src.Path, keystore.Credential{AccessToken: "at-a", RefreshToken: "rt-a"}))

	up := &fakeUpstream{health: map[string]upstream.HealthResult{
		"at-a": usage(100, 100),
		"at-b": usage(5, 5),
	}}
	r := NewRotator(store, up, selector.DefaultOptions()).
		WithSources([]credsource.Source{src, ro}).
		WithClock(func() time.Time { return t0 }).
		WithLogger(discardLogger())

	res := r.RotateOutOfBand(context.Background(), Request{Trigger: TriggerQuotaDeath, SwapSources: true})
	require.True(t, res.OK, res.Error)
	assert.Equal(t, ids[1], res.ActiveKey)
	assert.Equal(t, []string{"claude"}, res.WrittenTo)

	c, err := credsource.Read(src.Path)
	require.NoError(t, err)
	assert.Equal(t, "at-b", c.AccessToken)

	// A second rotation keeps the key and finds the source already current.
	res = r.RotateOutOfBand(context.Background(), Request{Trigger: TriggerQuotaDeath, SwapSources: true})
	require.True(t, res.OK, res.Error)
	assert.False(t, res.Switched)
	assert.Empty(t, res.WrittenTo)
}

type recordingMirror struct{ got []RotationRecord }

func (m *recordingMirror) RecordRotation(rec RotationRecord) error {
	m.got = append(m.got, rec)
	return nil
}

func TestRotateMirrorsRecords(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	store := keystore.NewStore(root).WithLogger(discardLogger())
	seed(t, store, -1, keystore.Credential{AccessToken: "at-a"})
	mirror := &recordingMirror{}
	r := NewRotator(store, &fakeUpstream{health: map[string]upstream.HealthResult{"at-a": usage(1, 1)}}, selector.DefaultOptions()).
		WithHistory(NewHistory(root).WithLogger(discardLogger())).
		WithMirror(mirror).
		WithLogger(discardLogger())

	res := r.RotateOutOfBand(context.Background(), Request{Trigger: TriggerPoll})
	require.True(t, res.OK)
	require.Len(t, mirror.got, 1)
	assert.Equal(t, TriggerPoll, mirror.got[0].TriggeredBy)
}

func TestHistoryTimeSinceLastAndStats(t *testing.T) {
	t.Parallel()
	h := NewHistory(t.TempDir()).WithLogger(discardLogger())

	_, err := h.Record(RotationRecord{ToKey: "a", Switched: true, RotatedAt: t0, TriggeredBy: TriggerQuotaDeath})
	require.NoError(t, err)
	_, err = h.Record(RotationRecord{ToKey: "a", Switched: false, RotatedAt: t0.Add(5 * time.Minute), TriggeredBy: TriggerPoll})
	require.NoError(t, err)
	rec, err := h.Record(RotationRecord{ToKey: "b", Switched: true, RotatedAt: t0.Add(30 * time.Minute), TriggeredBy: TriggerQuotaDeath})
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, rec.TimeSinceLast)
	assert.NotEmpty(t, rec.ID)

	stats, err := h.Stats()
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalRotations)
	assert.Equal(t, 2, stats.Switches)
	assert.Equal(t, 30*time.Minute, stats.AvgTimeBetween)
	assert.Equal(t, 2, stats.ByTrigger[TriggerQuotaDeath])
	assert.Equal(t, map[string]int{"a": 1, "b": 1}, stats.KeyUsage)

	recent, err := h.Recent(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "b", recent[1].ToKey)
}

func TestHistoryCapped(t *testing.T) {
	t.Parallel()
	h := NewHistory(t.TempDir()).WithLogger(discardLogger())
	for i := 0; i < MaxHistory+5; i++ {
		_, err := h.Record(RotationRecord{RotatedAt: t0.Add(time.Duration(i) * time.Minute), TriggeredBy: TriggerPoll})
		require.NoError(t, err)
	}
	all, err := h.Recent(0)
	require.NoError(t, err)
	assert.Len(t, all, MaxHistory)
	assert.Equal(t, t0.Add(5*time.Minute).Unix(), all[0].RotatedAt.Unix())
}

func TestHistoryEmptyAndCorrupt(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	h := NewHistory(root).WithLogger(discardLogger())
	recent, err := h.Recent(10)
	require.NoError(t, err)
	assert.Empty(t, recent)

	require.NoError(t, os.MkdirAll(filepath.Dir(h.Path()), 0o755))
	require.NoError(t, os.WriteFile(h.Path(), []byte("{not json"), 0o600))
	doc, err := h.Load()
	require.NoError(t, err)
	assert.Empty(t, doc.Records)
}
