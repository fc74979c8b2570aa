package cli

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/Dicklesworthstone/qgov/internal/config"
	"github.com/Dicklesworthstone/qgov/internal/credsource"
	"github.com/Dicklesworthstone/qgov/internal/cycle"
	"github.com/Dicklesworthstone/qgov/internal/encryption"
	"github.com/Dicklesworthstone/qgov/internal/governor"
	"github.com/Dicklesworthstone/qgov/internal/keystore"
	"github.com/Dicklesworthstone/qgov/internal/reviver"
	"github.com/Dicklesworthstone/qgov/internal/rotation"
	"github.com/Dicklesworthstone/qgov/internal/runenv"
	"github.com/Dicklesworthstone/qgov/internal/snapshot"
	"github.com/Dicklesworthstone/qgov/internal/state"
	"github.com/Dicklesworthstone/qgov/internal/upstream"
	"github.com/Dicklesworthstone/qgov/internal/util"
)

// app holds the components one command invocation works with. Everything is
// rooted at env.ProjectRoot and configured from cfg.
type app struct {
	cfg     *config.Config
	env     runenv.Env
	keys    *keystore.Store
	series  *snapshot.Store
	gov     *governor.Governor
	client  *upstream.Client
	queue   *reviver.Queue
	history *rotation.History
	sources []credsource.Source
	logger  *slog.Logger
	now     func() time.Time
}

func newApp(cfg *config.Config, env runenv.Env, logger *slog.Logger) (*app, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := util.EnsureDir(env.StateDir()); err != nil {
		return nil, fmt.Errorf("state directory: %w", err)
	}

	keys := keystore.NewStore(env.ProjectRoot).WithLogger(logger)
	if kc, ok := cfg.KeyConfig(); ok {
		sealer, err := encryption.NewTokenSealer(kc)
		if err != nil {
			return nil, fmt.Errorf("token encryption: %w", err)
		}
		keys = keys.WithSealer(sealer)
	}

	a := &app{
		cfg:     cfg,
		env:     env,
		keys:    keys,
		series:  snapshot.NewStore(env.ProjectRoot).WithLogger(logger),
		client:  upstream.New(cfg.UpstreamOptions()).WithLogger(logger),
		queue:   reviver.NewQueue(env.ProjectRoot).WithLimits(cfg.Reviver.TTL, cfg.Reviver.MaxEntries).WithLogger(logger),
		history: rotation.NewHistory(env.ProjectRoot).WithLogger(logger),
		sources: cfg.Sources(),
		logger:  logger,
		now:     time.Now,
	}
	a.gov = governor.New(governor.NewStore(env.ProjectRoot), cfg.Automations(), cfg.GovernorOptions()).WithLogger(logger)
	return a, nil
}

// currentApp builds an app from the flags and config loaded by the root
// command.
func currentApp() (*app, error) {
	return newApp(cfg, env, slog.Default())
}

func (a *app) collector() *snapshot.Collector {
	return snapshot.NewCollector(a.keys, a.series, a.client, a.cfg.CollectorOptions()).WithLogger(a.logger)
}

// openDB opens the history database. Failure is logged and yields nil: the
// JSON state files stay authoritative.
func (a *app) openDB() *state.Store {
	db, err := state.OpenProject(a.env.ProjectRoot)
	if err != nil {
		a.logger.Warn("history database unavailable", "error", err)
		return nil
	}
	return db
}

func (a *app) rotator(db *state.Store) *rotation.Rotator {
	r := rotation.NewRotator(a.keys, a.client, a.cfg.SelectorOptions()).
		WithSources(a.sources).
		WithHistory(a.history).
		WithLogger(a.logger)
	if db != nil {
		r = r.WithMirror(db)
	}
	return r
}

func (a *app) runner(db *state.Store) *cycle.Runner {
	r := cycle.NewRunner(a.keys, a.series, a.collector(), a.gov).
		WithSelector(a.cfg.SelectorOptions()).
		WithEstimator(a.cfg.EstimatorOptions()).
		WithHistory(a.history).
		WithRefresher(a.rotator(db)).
		WithLogger(a.logger)
	if !a.env.IsSpawnedSession {
		r = r.WithSources(a.sources)
	}
	if db != nil {
		r = r.WithMirror(db)
	}
	return r
}

func (a *app) detector(db *state.Store) *reviver.Detector {
	return reviver.NewDetector(a.env, a.queue, a.rotator(db)).WithLogger(a.logger)
}

// resolveKey finds the record whose id starts with prefix.
func resolveKey(st *keystore.RotationState, prefix string) (*keystore.KeyRecord, error) {
	if prefix == "" {
		return nil, fmt.Errorf("key id is required")
	}
	var match *keystore.KeyRecord
	for _, k := range st.SortedKeys() {
		if len(k.ID) < len(prefix) || k.ID[:len(prefix)] != prefix {
			continue
		}
		if match != nil {
			return nil, fmt.Errorf("key id %q is ambiguous", prefix)
		}
		match = k
	}
	if match == nil {
		return nil, fmt.Errorf("no key matches %q", prefix)
	}
	return match, nil
}

func shortKey(id string) string {
	if len(id) > keystore.ShortIDLen {
		return id[:keystore.ShortIDLen]
	}
	return id
}
