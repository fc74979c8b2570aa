package rotation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Dicklesworthstone/qgov/internal/credsource"
	"github.com/Dicklesworthstone/qgov/internal/keystore"
	"github.com/Dicklesworthstone/qgov/internal/selector"
	"github.com/Dicklesworthstone/qgov/internal/upstream"
)

// Upstream is the part of the upstream client a rotation needs.
type Upstream interface {
	CheckKeyHealth(ctx context.Context, accessToken string) upstream.HealthResult
	RefreshExpiredToken(ctx context.Context, rec *keystore.KeyRecord) upstream.RefreshResult
}

// Mirror receives every stored record, e.g. a history database.
type Mirror interface {
	RecordRotation(rec RotationRecord) error
}

// Request describes why a rotation runs.
type Request struct {
	Trigger   Trigger
	Pattern   string
	SessionID string
	// SwapSources writes the selected credential into the writable
	// credential sources when they hold a different one.
	SwapSources bool
}

// KeyError is a per-key failure during a rotation.
type KeyError struct {
	KeyID string `json:"key_id"`
	Error string `json:"error"`
}

// Result describes one rotation. It never carries a Go error so callers on
// a caller-termination path can report and move on.
type Result struct {
	OK          bool            `json:"ok"`
	Error       string          `json:"error,omitempty"`
	PreviousKey string          `json:"previous_key,omitempty"`
	ActiveKey   string          `json:"active_key,omitempty"`
	Switched    bool            `json:"switched"`
	Checked     int             `json:"checked"`
	Refreshed   []string        `json:"refreshed,omitempty"`
	Invalidated []string        `json:"invalidated,omitempty"`
	WrittenTo   []string        `json:"written_to,omitempty"`
	Errors      []KeyError      `json:"errors,omitempty"`
	Record      *RotationRecord `json:"record,omitempty"`
}

// Rotator refreshes, re-checks and re-selects keys outside the poll cycle.
type Rotator struct {
	keys     *keystore.Store
	upstream Upstream
	selOpts  selector.Options
	sources  []credsource.Source
	history  *History
	mirror   Mirror
	now      func() time.Time
	logger   *slog.Logger
}

// NewRotator wires a rotator.
func NewRotator(keys *keystore.Store, up Upstream, selOpts selector.Options) *Rotator {
	if selOpts.ExhaustionThreshold <= 0 {
		selOpts.ExhaustionThreshold = selector.DefaultExhaustionThreshold
	}
	if selOpts.HighUsageThreshold <= 0 {
		selOpts.HighUsageThreshold = selector.DefaultHighUsageThreshold
	}
	return &Rotator{
		keys:     keys,
		upstream: up,
		selOpts:  selOpts,
		now:      time.Now,
	}
}

// WithSources sets the credential sources a rotation may write to.
func (r *Rotator) WithSources(sources []credsource.Source) *Rotator {
	r.sources = sources
	return r
}

// WithHistory enables rotation history.
func (r *Rotator) WithHistory(h *History) *Rotator {
	r.history = h
	return r
}

// WithMirror sets a secondary sink for stored records.
func (r *Rotator) WithMirror(m Mirror) *Rotator {
	r.mirror = m
	return r
}

// WithClock sets the time source.
func (r *Rotator) WithClock(now func() time.Time) *Rotator {
	r.now = now
	return r
}

// WithLogger sets the logger.
func (r *Rotator) WithLogger(logger *slog.Logger) *Rotator {
	r.logger = logger
	return r
}

func (r *Rotator) log() *slog.Logger {
	if r.logger != nil {
		return r.logger
	}
	return slog.Default()
}

type refreshOutcome struct {
	id  string
	res upstream.RefreshResult
}

type healthOutcome struct {
	id  string
	res upstream.HealthResult
}

// RotateOutOfBand refreshes expired keys, health-checks every live key,
// selects the best key and makes it active.
func (r *Rotator) RotateOutOfBand(ctx context.Context, req Request) Result {
	if req.Trigger == "" {
		req.Trigger = TriggerManual
	}
	now := r.now()
	res := Result{}

	st, err := r.keys.Load()
	if err != nil {
		return r.fail(res, fmt.Errorf("load keys: %w", err))
	}
	res.PreviousKey = st.ActiveKeyID

	if st, err = r.refreshExpired(ctx, st, now, &res); err != nil {
		return r.fail(res, fmt.Errorf("save refreshed keys: %w", err))
	}

	checks := r.check(ctx, checkable(st, now))
	res.Checked = len(checks)
	for _, c := range checks {
		if !c.res.Valid {
			res.Errors = append(res.Errors, KeyError{KeyID: c.id, Error: c.res.Error})
		}
	}

	var chosen keystore.Credential
	st, err = r.keys.Update(func(st *keystore.RotationState) error {
		for _, c := range checks {
			if _, ok := st.Keys[c.id]; !ok {
				continue
			}
			if err := st.RecordHealth(c.id, c.res.Observation(), r.selOpts.ExhaustionThreshold, now); err != nil {
				r.log().Warn("apply health result", "key", c.id, "error", err)
			}
		}
		id := selector.SelectActiveKey(st, r.selOpts)
		if id == "" {
			return nil
		}
		if err := st.SwitchActive(id, string(req.Trigger), now); err != nil {
			return err
		}
		chosen = st.Keys[id].Credential()
		return nil
	})
	if err != nil {
		return r.fail(res, fmt.Errorf("save rotation: %w", err))
	}
	res.ActiveKey = st.ActiveKeyID
	res.Switched = res.ActiveKey != "" && res.ActiveKey != res.PreviousKey

	if req.SwapSources && res.ActiveKey != "" {
		res.WrittenTo = r.swapSources(chosen)
	}

	res.OK = true
	if res.ActiveKey == "" {
		res.Error = "no selectable key"
		r.log().Warn("rotation found no selectable key", "trigger", req.Trigger)
	} else {
		r.log().Info("rotation complete",
			"trigger", req.Trigger,
			"from", res.PreviousKey,
			"to", res.ActiveKey,
			"switched", res.Switched,
			"refreshed", len(res.Refreshed),
		)
	}
	r.record(&res, req, now)
	return res
}

// RefreshSummary is the outcome of refreshing expired keys.
type RefreshSummary struct {
	Refreshed   []string   `json:"refreshed,omitempty"`
	Invalidated []string   `json:"invalidated,omitempty"`
	Errors      []KeyError `json:"errors,omitempty"`
}

// RefreshExpired exchanges the refresh token of every live key whose access
// token is expired and saves the outcome. A key whose refresh fails stays
// expired; a revoked grant invalidates the key.
func (r *Rotator) RefreshExpired(ctx context.Context) (RefreshSummary, error) {
	now := r.now()
	st, err := r.keys.Load()
	if err != nil {
		return RefreshSummary{}, fmt.Errorf("load keys: %w", err)
	}
	var res Result
	if _, err := r.refreshExpired(ctx, st, now, &res); err != nil {
		return RefreshSummary{}, fmt.Errorf("save refreshed keys: %w", err)
	}
	if len(res.Refreshed) > 0 || len(res.Invalidated) > 0 {
		r.log().Info("expired keys refreshed", "refreshed", len(res.Refreshed), "invalidated", len(res.Invalidated))
	}
	return RefreshSummary{Refreshed: res.Refreshed, Invalidated: res.Invalidated, Errors: res.Errors}, nil
}

func (r *Rotator) refreshExpired(ctx context.Context, st *keystore.RotationState, now time.Time, res *Result) (*keystore.RotationState, error) {
	outcomes := r.refresh(ctx, expiredKeys(st, now))
	if len(outcomes) == 0 {
		return st, nil
	}
	return r.keys.Update(func(st *keystore.RotationState) error {
		res.Refreshed, res.Invalidated, res.Errors = res.Refreshed[:0], res.Invalidated[:0], res.Errors[:0]
		for _, o := range outcomes {
			r.applyRefresh(st, o, now, res)
		}
		return nil
	})
}

func (r *Rotator) fail(res Result, err error) Result {
	r.log().Warn("rotation failed", "error", err)
	res.OK = false
	res.Error = err.Error()
	return res
}

// expiredKeys returns non-terminal keys whose token is expired and that can
// be refreshed.
func expiredKeys(st *keystore.RotationState, now time.Time) []*keystore.KeyRecord {
	var out []*keystore.KeyRecord
	for _, k := range st.Live() {
		if k.RefreshToken == "" {
			continue
		}
		if k.Status == keystore.StatusExpired || k.TokenExpired(now) {
			out = append(out, k)
		}
	}
	return out
}

// checkable returns live keys whose token can be used right now.
func checkable(st *keystore.RotationState, now time.Time) []*keystore.KeyRecord {
	var out []*keystore.KeyRecord
	for _, k := range st.Live() {
		if k.Status == keystore.StatusExpired || k.TokenExpired(now) {
			continue
		}
		out = append(out, k)
	}
	return out
}

func (r *Rotator) refresh(ctx context.Context, keys []*keystore.KeyRecord) []refreshOutcome {
	if len(keys) == 0 {
		return nil
	}
	out := make([]refreshOutcome, len(keys))
	var g errgroup.Group
	g.SetLimit(len(keys))
	for i, k := range keys {
		i, k := i, k
		g.Go(func() error {
			out[i] = refreshOutcome{id: k.ID, res: r.upstream.RefreshExpiredToken(ctx, k)}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (r *Rotator) applyRefresh(st *keystore.RotationState, o refreshOutcome, now time.Time, res *Result) {
	k, ok := st.Keys[o.id]
	if !ok || k.Status.Terminal() {
		return
	}
	switch o.res.Outcome {
	case upstream.RefreshOK:
		if err := st.ApplyRefresh(o.id, *o.res.Credentials, now); err != nil {
			r.log().Warn("apply refresh", "key", k.ShortID(), "error", err)
			return
		}
		res.Refreshed = append(res.Refreshed, o.id)
	case upstream.RefreshInvalidGrant:
		if err := st.SetStatus(o.id, keystore.StatusInvalid, "refresh grant revoked", now); err != nil {
			r.log().Warn("invalidate key", "key", k.ShortID(), "error", err)
			return
		}
		res.Invalidated = append(res.Invalidated, o.id)
	default:
		if k.Status != keystore.StatusExpired {
			_ = st.SetStatus(o.id, keystore.StatusExpired, "token expired, refresh failed", now)
		}
		msg := "refresh failed"
		if o.res.Err != nil {
			msg = o.res.Err.Error()
		}
		res.Errors = append(res.Errors, KeyError{KeyID: o.id, Error: msg})
		r.log().Warn("token refresh failed", "key", k.ShortID(), "error", o.res.Err)
	}
}

func (r *Rotator) check(ctx context.Context, keys []*keystore.KeyRecord) []healthOutcome {
	if len(keys) == 0 {
		return nil
	}
	out := make([]healthOutcome, len(keys))
	var g errgroup.Group
	g.SetLimit(len(keys))
	for i, k := range keys {
		i, k := i, k
		g.Go(func() error {
			out[i] = healthOutcome{id: k.ID, res: r.upstream.CheckKeyHealth(ctx, k.AccessToken)}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// swapSources writes c into every writable source that holds a different
// access token.
func (r *Rotator) swapSources(c keystore.Credential) []string {
	var written []string
	for _, src := range r.sources {
		if !src.Writable {
			continue
		}
		if cur, err := credsource.Read(src.Path); err == nil && cur.AccessToken == c.AccessToken {
			continue
		}
		if err := credsource.Write(src.Path, c); err != nil {
			r.log().Warn("credential swap failed", "source", src.Name, "error", err)
			continue
		}
		written = append(written, src.Name)
	}
	return written
}

func (r *Rotator) record(res *Result, req Request, now time.Time) {
	if r.history == nil {
		return
	}
	rec, err := r.history.Record(RotationRecord{
		FromKey:        res.PreviousKey,
		ToKey:          res.ActiveKey,
		Switched:       res.Switched,
		RotatedAt:      now,
		TriggeredBy:    req.Trigger,
		TriggerPattern: req.Pattern,
		SessionID:      req.SessionID,
		Refreshed:      res.Refreshed,
		Invalidated:    res.Invalidated,
		WrittenTo:      res.WrittenTo,
	})
	if err != nil {
		r.log().Warn("rotation history write failed", "error", err)
		return
	}
	res.Record = &rec
	if r.mirror != nil {
		if err := r.mirror.RecordRotation(rec); err != nil {
			r.log().Debug("rotation mirror write failed", "error", err)
		}
	}
}
