package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Dicklesworthstone/qgov/internal/keystore"
	"github.com/Dicklesworthstone/qgov/internal/upstream"
)

// DefaultMinInterval is the collection throttle.
const DefaultMinInterval = 5 * time.Minute

var errThrottled = errors.New("collected recently")

// Poller probes a key's usage.
type Poller interface {
	CheckKeyHealth(ctx context.Context, accessToken string) upstream.HealthResult
}

// ProfileFetcher is optionally implemented by a Poller to resolve account
// identity for keys that lack it.
type ProfileFetcher interface {
	FetchProfile(ctx context.Context, accessToken string) (upstream.Profile, error)
}

// Options tune collection.
type Options struct {
	MinInterval         time.Duration
	Retention           time.Duration
	ExhaustionThreshold float64
}

func (o Options) withDefaults() Options {
	if o.MinInterval <= 0 {
		o.MinInterval = DefaultMinInterval
	}
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	if o.ExhaustionThreshold <= 0 {
		o.ExhaustionThreshold = 100
	}
	return o
}

// KeyError is a per-key poll failure.
type KeyError struct {
	KeyID string `json:"key_id"`
	Error string `json:"error"`
}

// CollectResult describes one Collect call.
type CollectResult struct {
	Skipped  bool       `json:"skipped"`
	Reason   string     `json:"reason,omitempty"`
	Polled   int        `json:"polled"`
	Snapshot *Snapshot  `json:"snapshot,omitempty"`
	Errors   []KeyError `json:"errors,omitempty"`
}

// Collector polls every live key and appends a deduplicated snapshot.
type Collector struct {
	keys   *keystore.Store
	series *Store
	poller Poller
	opts   Options
	now    func() time.Time
	logger *slog.Logger
}

// NewCollector wires a collector.
func NewCollector(keys *keystore.Store, series *Store, poller Poller, opts Options) *Collector {
	return &Collector{
		keys:   keys,
		series: series,
		poller: poller,
		opts:   opts.withDefaults(),
		now:    time.Now,
	}
}

// WithClock sets the time source.
func (c *Collector) WithClock(now func() time.Time) *Collector {
	c.now = now
	return c
}

// WithLogger sets the logger.
func (c *Collector) WithLogger(logger *slog.Logger) *Collector {
	c.logger = logger
	return c
}

func (c *Collector) log() *slog.Logger {
	if c.logger != nil {
		return c.logger
	}
	return slog.Default()
}

type pollResult struct {
	id      string
	health  upstream.HealthResult
	profile *upstream.Profile
}

// Collect runs one collection. Per-key failures land in the result; only
// state-file failures are returned as errors.
func (c *Collector) Collect(ctx context.Context) (CollectResult, error) {
	now := c.now()

	series, err := c.series.Load()
	if err != nil {
		return CollectResult{}, fmt.Errorf("load snapshots: %w", err)
	}
	if c.recent(series, now) {
		return CollectResult{Skipped: true, Reason: "last snapshot younger than " + c.opts.MinInterval.String()}, nil
	}

	st, err := c.keys.Load()
	if err != nil {
		return CollectResult{}, fmt.Errorf("load keys: %w", err)
	}
	if len(st.Live()) == 0 {
		return CollectResult{Skipped: true, Reason: "no live keys"}, nil
	}
	live := pollable(st, now)
	if len(live) == 0 {
		return CollectResult{Skipped: true, Reason: "every live token is past expiry"}, nil
	}

	results := c.poll(ctx, live)
	res := CollectResult{Polled: len(live)}
	for _, r := range results {
		if !r.health.Valid {
			res.Errors = append(res.Errors, KeyError{KeyID: r.id, Error: r.health.Error})
			c.log().Warn("usage poll failed", "key", shortID(r.id), "error", r.health.Error)
		}
	}

	st, err = c.keys.Update(func(st *keystore.RotationState) error {
		for _, r := range results {
			if _, ok := st.Keys[r.id]; !ok {
				continue
			}
			if r.profile != nil {
				_ = st.SetIdentity(r.id, r.profile.AccountUUID, r.profile.AccountEmail)
			}
			if err := st.RecordHealth(r.id, r.health.Observation(), c.opts.ExhaustionThreshold, now); err != nil {
				c.log().Warn("apply health result", "key", shortID(r.id), "error", err)
			}
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("save keys: %w", err)
	}

	snap := buildSnapshot(st, results, now)
	if len(snap.Keys) == 0 {
		res.Reason = "no usable readings"
		return res, nil
	}

	_, err = c.series.Update(func(series *Series) error {
		if c.recent(series, now) {
			return errThrottled
		}
		if err := series.Append(snap); err != nil {
			return err
		}
		series.Prune(now, c.opts.Retention)
		return nil
	})
	if errors.Is(err, errThrottled) {
		res.Skipped = true
		res.Reason = "another collector stored a snapshot first"
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("save snapshots: %w", err)
	}
	res.Snapshot = &snap
	c.log().Info("usage snapshot stored", "keys", len(snap.Keys), "polled", res.Polled, "errors", len(res.Errors))
	return res, nil
}

// pollable returns live keys whose access token has not passed expires_at.
// A key whose refresh failed keeps its stale token and is left out.
func pollable(st *keystore.RotationState, now time.Time) []*keystore.KeyRecord {
	var out []*keystore.KeyRecord
	for _, k := range st.Live() {
		if !k.TokenExpired(now) {
			out = append(out, k)
		}
	}
	return out
}

func (c *Collector) recent(series *Series, now time.Time) bool {
	last := series.Last()
	return last != nil && now.Sub(last.Time()) < c.opts.MinInterval
}

// poll probes every key concurrently. Each goroutine writes only its own
// slot, and a failing key never cancels the others.
func (c *Collector) poll(ctx context.Context, keys []*keystore.KeyRecord) []pollResult {
	results := make([]pollResult, len(keys))
	fetcher, canFetch := c.poller.(ProfileFetcher)

	var g errgroup.Group
	g.SetLimit(len(keys))
	for i, k := range keys {
		i, k := i, k
		g.Go(func() error {
			r := pollResult{id: k.ID, health: c.poller.CheckKeyHealth(ctx, k.AccessToken)}
			if r.health.Valid && canFetch && k.AccountUUID == "" {
				if p, err := fetcher.FetchProfile(ctx, k.AccessToken); err == nil && p.AccountUUID != "" {
					r.profile = &p
				} else if err != nil {
					c.log().Debug("profile lookup failed", "key", k.ShortID(), "error", err)
				}
			}
			results[i] = r
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// buildSnapshot turns valid readings into a snapshot, counting each
// underlying account once.
func buildSnapshot(st *keystore.RotationState, results []pollResult, now time.Time) Snapshot {
	snap := Snapshot{TS: now.UnixMilli(), Keys: map[string]KeyUsage{}}
	seen := map[string]bool{}
	for _, r := range results {
		if !r.health.Valid || r.health.Usage == nil {
			continue
		}
		u := r.health.Usage
		identity := ""
		if k, ok := st.Keys[r.id]; ok && k.AccountUUID != "" {
			identity = "acct:" + k.AccountUUID
		} else {
			identity = Fingerprint(u.FiveHour, u.SevenDay)
		}
		if seen[identity] {
			continue
		}
		seen[identity] = true
		snap.Keys[shortID(r.id)] = KeyUsage{
			FiveHour:        u.FiveHour / 100,
			SevenDay:        u.SevenDay / 100,
			FiveHourResetAt: u.FiveHourResetAt,
			SevenDayResetAt: u.SevenDayResetAt,
		}
	}
	return snap
}

// Fingerprint identifies an account by its usage pair when its identity is
// unknown.
func Fingerprint(fiveHour, sevenDay float64) string {
	return fmt.Sprintf("fp:%g:%g", fiveHour, sevenDay)
}

func shortID(id string) string {
	if len(id) <= keystore.ShortIDLen {
		return id
	}
	return id[:keystore.ShortIDLen]
}
