package snapshot

import (
	"errors"
	"log/slog"
	"path/filepath"

	"github.com/Dicklesworthstone/qgov/internal/jsonfile"
	"github.com/Dicklesworthstone/qgov/internal/util"
)

// FileName is the snapshot series file inside the state directory.
const FileName = "usage_snapshots.json"

// Store persists the snapshot series.
type Store struct {
	path   string
	logger *slog.Logger
}

// NewStore returns a store for <root>/.qgov/usage_snapshots.json.
func NewStore(root string) *Store {
	return &Store{path: filepath.Join(util.StateDir(root), FileName)}
}

// WithLogger sets the logger.
func (s *Store) WithLogger(logger *slog.Logger) *Store {
	s.logger = logger
	return s
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

func (s *Store) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

// Load reads the series, migrating legacy percent values. Missing or corrupt
// files yield an empty series.
func (s *Store) Load() (*Series, error) {
	series := &Series{}
	if _, err := jsonfile.Read(s.path, series); err != nil {
		if !errors.Is(err, jsonfile.ErrCorrupt) {
			return nil, err
		}
		s.log().Warn("snapshot series unreadable, starting empty", "path", s.path, "error", err)
		return &Series{}, nil
	}
	if migrated, dropped := series.migrateLegacy(); migrated > 0 || dropped > 0 {
		s.log().Info("normalized snapshot series", "migrated", migrated, "dropped_out_of_order", dropped)
	}
	return series, nil
}

// Update applies fn to fresh state and saves with optimistic retry.
func (s *Store) Update(fn func(*Series) error) (*Series, error) {
	return jsonfile.Update(s.path, s.Load, fn)
}
