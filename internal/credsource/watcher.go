package credsource

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Dicklesworthstone/qgov/internal/keystore"
)

// DefaultDebounce coalesces the burst of events an atomic replace produces.
const DefaultDebounce = 250 * time.Millisecond

// Watcher ingests credentials whenever a source file changes.
type Watcher struct {
	sources  []Source
	store    *keystore.Store
	debounce time.Duration
	now      func() time.Time
	logger   *slog.Logger
	onIngest func(added []string)
}

// NewWatcher creates a watcher over sources feeding store.
func NewWatcher(sources []Source, store *keystore.Store) *Watcher {
	return &Watcher{
		sources:  sources,
		store:    store,
		debounce: DefaultDebounce,
		now:      time.Now,
	}
}

// WithLogger sets the logger.
func (w *Watcher) WithLogger(logger *slog.Logger) *Watcher {
	w.logger = logger
	return w
}

// WithDebounce sets the quiet period before a changed source is read.
func (w *Watcher) WithDebounce(d time.Duration) *Watcher {
	if d > 0 {
		w.debounce = d
	}
	return w
}

// OnIngest registers a callback run after each ingest with new key ids.
func (w *Watcher) OnIngest(fn func(added []string)) *Watcher {
	w.onIngest = fn
	return w
}

func (w *Watcher) log() *slog.Logger {
	if w.logger != nil {
		return w.logger
	}
	return slog.Default()
}

// Run blocks until ctx is done. Source directories are watched rather than
// the files so replaced files keep being observed.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	byPath := make(map[string]Source, len(w.sources))
	dirs := map[string]bool{}
	for _, src := range w.sources {
		p := filepath.Clean(src.Path)
		byPath[p] = src
		dirs[filepath.Dir(p)] = true
	}
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			w.log().Warn("cannot watch credential directory", "dir", dir, "error", err)
		}
	}
	if len(fw.WatchList()) == 0 {
		return fmt.Errorf("no credential directory could be watched")
	}

	// Pick up anything present before the first event.
	w.ingest(w.sources)

	pending := map[string]Source{}
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			src, tracked := byPath[filepath.Clean(ev.Name)]
			if !tracked || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			pending[src.Path] = src
			timer.Reset(w.debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log().Warn("credential watcher error", "error", err)
		case <-timer.C:
			batch := make([]Source, 0, len(pending))
			for _, src := range pending {
				batch = append(batch, src)
			}
			pending = map[string]Source{}
			w.ingest(batch)
		}
	}
}

func (w *Watcher) ingest(sources []Source) {
	cands := Scan(sources, w.log())
	added, err := IngestAll(w.store, cands, w.now())
	if err != nil {
		w.log().Warn("credential ingest failed", "error", err)
		return
	}
	for _, id := range added {
		w.log().Info("key added from credential source", "key", id)
	}
	if w.onIngest != nil && len(added) > 0 {
		w.onIngest(added)
	}
}
