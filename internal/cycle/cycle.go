// Package cycle runs one poll cycle: collect usage, re-select the active
// key, estimate consumption and step the governor.
package cycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Dicklesworthstone/qgov/internal/credsource"
	"github.com/Dicklesworthstone/qgov/internal/governor"
	"github.com/Dicklesworthstone/qgov/internal/keystore"
	"github.com/Dicklesworthstone/qgov/internal/rotation"
	"github.com/Dicklesworthstone/qgov/internal/selector"
	"github.com/Dicklesworthstone/qgov/internal/snapshot"
	"github.com/Dicklesworthstone/qgov/internal/trajectory"
)

// Mirror receives cycle outcomes, e.g. the history database.
type Mirror interface {
	RecordCycle(at time.Time, res governor.CycleResult) error
	RecordRotation(rec rotation.RotationRecord) error
}

// Refresher exchanges the refresh tokens of expired keys, e.g. a
// rotation.Rotator.
type Refresher interface {
	RefreshExpired(ctx context.Context) (rotation.RefreshSummary, error)
}

// Selection is the select/switch step of a cycle.
type Selection struct {
	PreviousKey string   `json:"previous_key,omitempty"`
	ActiveKey   string   `json:"active_key,omitempty"`
	Switched    bool     `json:"switched"`
	WrittenTo   []string `json:"written_to,omitempty"`
}

// Report describes one cycle. OK is false only when collection or
// selection could not touch the state files; a governor failure is
// reported in Governor and leaves OK set.
type Report struct {
	OK        bool                     `json:"ok"`
	Error     string                   `json:"error,omitempty"`
	StartedAt time.Time                `json:"started_at"`
	Duration  time.Duration            `json:"duration"`
	Refresh   *rotation.RefreshSummary `json:"refresh,omitempty"`
	Collect   *snapshot.CollectResult  `json:"collect,omitempty"`
	Selection *Selection               `json:"selection,omitempty"`
	Estimate  *trajectory.Result       `json:"estimate,omitempty"`
	Governor  *governor.CycleResult    `json:"governor,omitempty"`
	Rotation  *rotation.RotationRecord `json:"rotation,omitempty"`
}

// Runner wires the cycle's components.
type Runner struct {
	keys      *keystore.Store
	series    *snapshot.Store
	collector *snapshot.Collector
	governor  *governor.Governor
	refresher Refresher
	selOpts   selector.Options
	estOpts   trajectory.Options
	sources   []credsource.Source
	history   *rotation.History
	mirror    Mirror
	now       func() time.Time
	logger    *slog.Logger
}

// NewRunner creates a Runner. gov may be nil to only collect and select.
func NewRunner(keys *keystore.Store, series *snapshot.Store, collector *snapshot.Collector, gov *governor.Governor) *Runner {
	return &Runner{
		keys:      keys,
		series:    series,
		collector: collector,
		governor:  gov,
		selOpts:   selector.DefaultOptions(),
		estOpts:   trajectory.DefaultOptions(),
		now:       time.Now,
	}
}

// WithRefresher refreshes expired tokens before each collection.
func (r *Runner) WithRefresher(ref Refresher) *Runner {
	r.refresher = ref
	return r
}

// WithSelector sets the selection thresholds.
func (r *Runner) WithSelector(opts selector.Options) *Runner {
	r.selOpts = opts
	return r
}

// WithEstimator sets the estimator options.
func (r *Runner) WithEstimator(opts trajectory.Options) *Runner {
	r.estOpts = opts
	return r
}

// WithSources makes a switch also write the new credential into the
// writable credential sources.
func (r *Runner) WithSources(sources []credsource.Source) *Runner {
	r.sources = sources
	return r
}

// WithHistory records switches into the rotation history.
func (r *Runner) WithHistory(h *rotation.History) *Runner {
	r.history = h
	return r
}

// WithMirror sets the best-effort history mirror.
func (r *Runner) WithMirror(m Mirror) *Runner {
	r.mirror = m
	return r
}

// WithClock sets the time source.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// WithLogger sets the logger.
func (r *Runner) WithLogger(logger *slog.Logger) *Runner {
	r.logger = logger
	return r
}

func (r *Runner) log() *slog.Logger {
	if r.logger != nil {
		return r.logger
	}
	return slog.Default()
}

// Run executes one cycle. Expired tokens are refreshed before collection
// when a Refresher is set. The governor steps only when this cycle stored a
// fresh snapshot.
func (r *Runner) Run(ctx context.Context) (rep Report) {
	start := r.now()
	rep = Report{OK: true, StartedAt: start}
	defer func() { rep.Duration = r.now().Sub(start) }()

	if r.refresher != nil {
		sum, err := r.refresher.RefreshExpired(ctx)
		if err != nil {
			r.log().Warn("refresh expired keys", "error", err)
		} else {
			rep.Refresh = &sum
		}
	}

	col, err := r.collector.Collect(ctx)
	rep.Collect = &col
	if err != nil {
		r.log().Warn("collect failed", "error", err)
		rep.OK = false
		rep.Error = err.Error()
		return rep
	}

	sel, err := r.selectActive(start)
	if err != nil {
		r.log().Warn("select failed", "error", err)
		rep.OK = false
		rep.Error = err.Error()
		return rep
	}
	rep.Selection = &sel
	if sel.Switched {
		rep.Rotation = r.recordSwitch(sel, start)
	}

	if col.Snapshot == nil || r.governor == nil {
		return rep
	}

	series, err := r.series.Load()
	if err != nil {
		r.log().Warn("load snapshots for estimate", "error", err)
		rep.Error = err.Error()
		return rep
	}
	est := trajectory.Estimate(series.Snapshots, start, r.estOpts)
	rep.Estimate = &est

	gov := r.governor.RunCycle(ctx, governor.Input{Latest: col.Snapshot, Estimate: est})
	rep.Governor = &gov
	if !gov.OK {
		r.log().Warn("governor cycle failed", "error", gov.Error)
	}
	if r.mirror != nil {
		if err := r.mirror.RecordCycle(start, gov); err != nil {
			r.log().Warn("mirror governor cycle", "error", err)
		}
	}
	return rep
}

func (r *Runner) selectActive(now time.Time) (Selection, error) {
	var sel Selection
	var cred keystore.Credential
	_, err := r.keys.Update(func(st *keystore.RotationState) error {
		sel = Selection{PreviousKey: st.ActiveKeyID}
		id := selector.SelectActiveKey(st, r.selOpts)
		sel.ActiveKey = id
		if id == "" || id == st.ActiveKeyID {
			return nil
		}
		if err := st.SwitchActive(id, string(rotation.TriggerPoll), now); err != nil {
			return err
		}
		sel.Switched = true
		cred = st.Keys[id].Credential()
		return nil
	})
	if err != nil {
		return Selection{}, err
	}
	if sel.Switched {
		r.log().Info("active key switched", "from", short(sel.PreviousKey), "to", short(sel.ActiveKey))
		if len(r.sources) > 0 {
			written, err := credsource.WriteAll(r.sources, cred)
			sel.WrittenTo = written
			if err != nil {
				r.log().Warn("write credential sources", "error", err)
			}
		}
	}
	return sel, nil
}

func (r *Runner) recordSwitch(sel Selection, now time.Time) *rotation.RotationRecord {
	rec := rotation.RotationRecord{
		FromKey:     sel.PreviousKey,
		ToKey:       sel.ActiveKey,
		Switched:    true,
		RotatedAt:   now,
		TriggeredBy: rotation.TriggerPoll,
		WrittenTo:   sel.WrittenTo,
	}
	if r.history != nil {
		stored, err := r.history.Record(rec)
		if err != nil {
			r.log().Warn("record rotation history", "error", err)
		} else {
			rec = stored
		}
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if r.mirror != nil {
		if err := r.mirror.RecordRotation(rec); err != nil {
			r.log().Warn("mirror rotation", "error", err)
		}
	}
	return &rec
}

func short(id string) string {
	if len(id) > keystore.ShortIDLen {
		return id[:keystore.ShortIDLen]
	}
	return id
}
