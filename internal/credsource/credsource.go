// Package credsource reads and writes the host's credential files and
// watches them for credentials the key store has not seen yet.
package credsource

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/Dicklesworthstone/qgov/internal/jsonfile"
	"github.com/Dicklesworthstone/qgov/internal/keystore"
	"github.com/Dicklesworthstone/qgov/internal/util"
)

// oauthField is the top-level member holding the OAuth credential.
const oauthField = "claudeAiOauth"

// Source is one credential file.
type Source struct {
	Name     string
	Path     string
	Writable bool
}

// DefaultSources returns the host's standard credential file.
func DefaultSources() []Source {
	return []Source{{
		Name:     "claude",
		Path:     util.ExpandHome("~/.claude/.credentials.json"),
		Writable: true,
	}}
}

// oauthEntry is the known subset of the credential entry. Unknown members
// are preserved on write.
type oauthEntry struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresAt    int64  `json:"expiresAt,omitempty"`
}

// Candidate is a credential read from a source.
type Candidate struct {
	Source     string
	Credential keystore.Credential
}

// ErrNoCredential is returned when a source holds no OAuth credential.
var ErrNoCredential = errors.New("no oauth credential in source")

// Read returns the credential stored at path.
func Read(path string) (keystore.Credential, error) {
	var doc map[string]json.RawMessage
	found, err := jsonfile.Read(path, &doc)
	if err != nil {
		return keystore.Credential{}, err
	}
	raw, ok := doc[oauthField]
	if !found || !ok {
		return keystore.Credential{}, ErrNoCredential
	}
	var e oauthEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return keystore.Credential{}, fmt.Errorf("%w: %s: %v", jsonfile.ErrCorrupt, filepath.Base(path), err)
	}
	if e.AccessToken == "" {
		return keystore.Credential{}, ErrNoCredential
	}
	c := keystore.Credential{AccessToken: e.AccessToken, RefreshToken: e.RefreshToken}
	if e.ExpiresAt > 0 {
		v := e.ExpiresAt
		c.ExpiresAt = &v
	}
	return c, nil
}

// Scan reads every source. Missing or empty sources are skipped; unreadable
// ones are logged.
func Scan(sources []Source, logger *slog.Logger) []Candidate {
	if logger == nil {
		logger = slog.Default()
	}
	var out []Candidate
	for _, src := range sources {
		c, err := Read(src.Path)
		if err != nil {
			if !errors.Is(err, ErrNoCredential) {
				logger.Warn("credential source unreadable", "source", src.Name, "error", err)
			}
			continue
		}
		out = append(out, Candidate{Source: src.Name, Credential: c})
	}
	return out
}

// Write stores c into path, keeping every other member of the file.
func Write(path string, c keystore.Credential) error {
	doc := map[string]json.RawMessage{}
	if _, err := jsonfile.Read(path, &doc); err != nil {
		if !errors.Is(err, jsonfile.ErrCorrupt) {
			return err
		}
		doc = nil
	}
	if doc == nil {
		doc = map[string]json.RawMessage{}
	}
	entry := map[string]any{}
	if raw, ok := doc[oauthField]; ok {
		// An unparseable entry is replaced wholesale.
		_ = json.Unmarshal(raw, &entry)
		if entry == nil {
			entry = map[string]any{}
		}
	}
	entry["accessToken"] = c.AccessToken
	if c.RefreshToken != "" {
		entry["refreshToken"] = c.RefreshToken
	}
	if c.ExpiresAt != nil {
		entry["expiresAt"] = *c.ExpiresAt
	} else {
		delete(entry, "expiresAt")
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}
	doc[oauthField] = raw
	return jsonfile.WriteAtomic(path, doc)
}

// WriteAll swaps c into every writable source. It returns the names of the
// sources written; the first error is returned after all were attempted.
func WriteAll(sources []Source, c keystore.Credential) ([]string, error) {
	var written []string
	var firstErr error
	for _, src := range sources {
		if !src.Writable {
			continue
		}
		if err := Write(src.Path, c); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("write %s: %w", src.Name, err)
			}
			continue
		}
		written = append(written, src.Name)
	}
	return written, firstErr
}

// IngestAll records every candidate in the key store and returns the ids of
// newly added keys.
func IngestAll(store *keystore.Store, cands []Candidate, now time.Time) ([]string, error) {
	if len(cands) == 0 {
		return nil, nil
	}
	var added []string
	_, err := store.Update(func(st *keystore.RotationState) error {
		added = added[:0]
		for _, c := range cands {
			if id, isNew := st.Ingest(c.Credential, c.Source, now); isNew {
				added = append(added, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return added, nil
}
