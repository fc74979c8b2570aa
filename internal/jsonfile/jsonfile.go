// Package jsonfile persists JSON state documents with atomic replacement and
// optimistic versioning.
//
// Every document carries a monotonically increasing "version". A writer
// remembers the version it read; Save refuses to replace the file when the
// on-disk version moved in the meantime, so concurrent invocations retry on
// fresh state instead of silently overwriting each other.
package jsonfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Versioned is implemented by persisted documents.
type Versioned interface {
	GetVersion() int64
	SetVersion(v int64)
}

var (
	// ErrStaleWrite is returned when the file changed after it was read.
	ErrStaleWrite = errors.New("stale write: file changed since it was read")
	// ErrCorrupt wraps decode failures of an existing file.
	ErrCorrupt = errors.New("corrupt state file")
	// ErrLocked is returned when the write lock could not be acquired in time.
	ErrLocked = errors.New("state file is locked by another writer")
)

const (
	// MaxUpdateAttempts bounds Update's retry loop on stale writes.
	MaxUpdateAttempts = 3

	lockWait  = 2 * time.Second
	lockPoll  = 20 * time.Millisecond
	lockStale = 10 * time.Second
)

// Read decodes path into v. A missing file returns (false, nil) and leaves v
// untouched. Undecodable content returns an error wrapping ErrCorrupt.
func Read(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("%w: %s: %v", ErrCorrupt, filepath.Base(path), err)
	}
	return true, nil
}

// WriteAtomic marshals v and replaces path via a temp file and rename.
func WriteAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Save writes doc to path if the on-disk version still equals readVersion.
// On success doc's version is readVersion+1.
func Save(path string, doc Versioned, readVersion int64) error {
	release, err := acquireLock(path)
	if err != nil {
		return err
	}
	defer release()

	onDisk, err := peekVersion(path)
	if err != nil {
		return err
	}
	if onDisk != readVersion {
		return fmt.Errorf("%w (%s: read v%d, found v%d)", ErrStaleWrite, filepath.Base(path), readVersion, onDisk)
	}
	doc.SetVersion(readVersion + 1)
	if err := WriteAtomic(path, doc); err != nil {
		doc.SetVersion(readVersion)
		return err
	}
	return nil
}

// Update runs a read-modify-write cycle with optimistic retry. load must
// return a fresh document on every call (fail-soft to defaults); mutate
// applies the change.
func Update[T Versioned](path string, load func() (T, error), mutate func(T) error) (T, error) {
	var doc T
	for attempt := 1; attempt <= MaxUpdateAttempts; attempt++ {
		var err error
		if doc, err = load(); err != nil {
			return doc, err
		}
		readVersion := doc.GetVersion()
		if err := mutate(doc); err != nil {
			return doc, err
		}
		err = Save(path, doc, readVersion)
		if err == nil {
			return doc, nil
		}
		if !errors.Is(err, ErrStaleWrite) {
			return doc, err
		}
	}
	return doc, fmt.Errorf("%w after %d attempts", ErrStaleWrite, MaxUpdateAttempts)
}

// peekVersion reads only the version field; missing or corrupt files count as 0.
func peekVersion(path string) (int64, error) {
	var probe struct {
		Version int64 `json:"version"`
	}
	if _, err := Read(path, &probe); err != nil {
		if errors.Is(err, ErrCorrupt) {
			return 0, nil
		}
		return 0, err
	}
	return probe.Version, nil
}

// acquireLock takes <path>.lock with O_EXCL, breaking locks older than lockStale.
func acquireLock(path string) (func(), error) {
	lockPath := path + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	deadline := time.Now().Add(lockWait)
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return func() { os.Remove(lockPath) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lock: %w", err)
		}
		if info, statErr := os.Stat(lockPath); statErr == nil && time.Since(info.ModTime()) > lockStale {
			os.Remove(lockPath)
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, filepath.Base(path))
		}
		time.Sleep(lockPoll)
	}
}
