package keystore

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/Dicklesworthstone/qgov/internal/encryption"
	"github.com/Dicklesworthstone/qgov/internal/jsonfile"
	"github.com/Dicklesworthstone/qgov/internal/util"
)

// FileName is the key store file inside the state directory.
const FileName = "rotation_state.json"

// Sealer encrypts tokens at rest. A nil Sealer stores tokens in clear.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(stored string) (string, error)
}

// Store loads and saves the rotation state file.
type Store struct {
	path   string
	sealer Sealer
	logger *slog.Logger
}

// NewStore returns a store for <root>/.qgov/rotation_state.json.
func NewStore(root string) *Store {
	return &Store{path: filepath.Join(util.StateDir(root), FileName)}
}

// WithSealer enables token encryption at rest.
func (s *Store) WithSealer(sealer Sealer) *Store {
	s.sealer = sealer
	return s
}

// WithLogger sets the logger used for load warnings.
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

// Load reads the state. A missing or corrupt file yields an empty state;
// only I/O and decryption failures are returned as errors.
func (s *Store) Load() (*RotationState, error) {
	st := NewRotationState()
	found, err := jsonfile.Read(s.path, st)
	if err != nil {
		if !errors.Is(err, jsonfile.ErrCorrupt) {
			return nil, err
		}
		s.log().Warn("key store unreadable, starting empty", "path", s.path, "error", err)
		return NewRotationState(), nil
	}
	if !found {
		return st, nil
	}
	s.sanitize(st)
	if err := s.openTokens(st); err != nil {
		return nil, err
	}
	return st, nil
}

// sanitize repairs fields a hand-edited or older file may get wrong.
func (s *Store) sanitize(st *RotationState) {
	if st.Keys == nil {
		st.Keys = make(map[string]*KeyRecord)
	}
	if st.EventLog == nil {
		st.EventLog = []Event{}
	}
	for id, k := range st.Keys {
		if k == nil || k.AccessToken == "" {
			s.log().Warn("dropping key record without token", "key", id)
			delete(st.Keys, id)
			continue
		}
		if k.ID != id {
			k.ID = id
		}
		if !k.Status.Valid() {
			s.log().Warn("key record has unknown status, marking invalid", "key", id, "status", k.Status)
			k.Status = StatusInvalid
		}
	}
	if st.ActiveKeyID != "" {
		if k, ok := st.Keys[st.ActiveKeyID]; !ok || !k.Status.Selectable() && k.Status != StatusExpired {
			st.ActiveKeyID = ""
		}
	}
	if len(st.EventLog) > MaxEvents {
		st.EventLog = st.EventLog[len(st.EventLog)-MaxEvents:]
	}
}

func (s *Store) openTokens(st *RotationState) error {
	for _, k := range st.Keys {
		for _, tok := range []*string{&k.AccessToken, &k.RefreshToken} {
			if *tok == "" {
				continue
			}
			if s.sealer == nil {
				if encryption.IsSealed(*tok) {
					return fmt.Errorf("key %s: stored tokens are encrypted but no encryption key is configured", k.ShortID())
				}
				continue
			}
			plain, err := s.sealer.Open(*tok)
			if err != nil {
				return fmt.Errorf("key %s: open token: %w", k.ShortID(), err)
			}
			*tok = plain
		}
	}
	return nil
}

// Save writes st if the file still holds the version st was read at.
func (s *Store) Save(st *RotationState) error {
	out, err := s.sealedCopy(st)
	if err != nil {
		return err
	}
	if err := jsonfile.Save(s.path, out, st.Version); err != nil {
		return err
	}
	st.Version = out.Version
	return nil
}

// Update loads fresh state, applies fn, and saves, retrying when another
// writer got there first.
func (s *Store) Update(fn func(*RotationState) error) (*RotationState, error) {
	var st *RotationState
	var err error
	for attempt := 1; attempt <= jsonfile.MaxUpdateAttempts; attempt++ {
		if st, err = s.Load(); err != nil {
			return nil, err
		}
		if err = fn(st); err != nil {
			return st, err
		}
		if err = s.Save(st); err == nil {
			return st, nil
		}
		if !errors.Is(err, jsonfile.ErrStaleWrite) {
			return st, err
		}
		s.log().Debug("key store changed during update, retrying", "attempt", attempt)
	}
	return st, fmt.Errorf("update key store: %w", err)
}

func (s *Store) sealedCopy(st *RotationState) (*RotationState, error) {
	out := *st
	out.Keys = make(map[string]*KeyRecord, len(st.Keys))
	for id, k := range st.Keys {
		rec := *k
		if s.sealer != nil {
			var err error
			if rec.AccessToken, err = s.sealer.Seal(rec.AccessToken); err != nil {
				return nil, fmt.Errorf("key %s: seal access token: %w", k.ShortID(), err)
			}
			if rec.RefreshToken, err = s.sealer.Seal(rec.RefreshToken); err != nil {
				return nil, fmt.Errorf("key %s: seal refresh token: %w", k.ShortID(), err)
			}
		}
		out.Keys[id] = &rec
	}
	return &out, nil
}
