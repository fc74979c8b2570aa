package jsonfile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type doc struct {
	Version int64    `json:"version"`
	Items   []string `json:"items"`
}

func (d *doc) GetVersion() int64  { return d.Version }
func (d *doc) SetVersion(v int64) { d.Version = v }

func loadDoc(t *testing.T, path string) *doc {
	t.Helper()
	d := &doc{}
	if _, err := Read(path, d); err != nil {
		t.Fatalf("Read: %v", err)
	}
	return d
}

func TestReadMissingFile(t *testing.T) {
	t.Parallel()
	var d doc
	found, err := Read(filepath.Join(t.TempDir(), "nope.json"), &d)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Error("found = true for missing file")
	}
}

func TestReadCorruptFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	var d doc
	_, err := Read(path, &d)
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("err = %v, want ErrCorrupt", err)
	}
}

func TestSaveIncrementsVersion(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.json")

	d := &doc{Items: []string{"a"}}
	if err := Save(path, d, 0); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if d.Version != 1 {
		t.Errorf("Version = %d, want 1", d.Version)
	}

	got := loadDoc(t, path)
	if got.Version != 1 || len(got.Items) != 1 {
		t.Errorf("reloaded = %+v", got)
	}
	if _, err := os.Stat(path + ".lock"); !os.IsNotExist(err) {
		t.Error("lock file should be released after Save")
	}
}

func TestSaveRejectsStaleWrite(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.json")

	first := &doc{}
	if err := Save(path, first, 0); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// A second writer that read before the first write still holds v0.
	stale := &doc{Items: []string{"lost"}}
	err := Save(path, stale, 0)
	if !errors.Is(err, ErrStaleWrite) {
		t.Fatalf("err = %v, want ErrStaleWrite", err)
	}
	if stale.Version != 0 {
		t.Errorf("stale doc version mutated to %d", stale.Version)
	}
}

func TestUpdateRetriesOnConcurrentChange(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.json")
	if err := Save(path, &doc{Items: []string{"seed"}}, 0); err != nil {
		t.Fatalf("seed: %v", err)
	}

	interfered := false
	got, err := Update(path,
		func() (*doc, error) { return loadDoc(t, path), nil },
		func(d *doc) error {
			if !interfered {
				interfered = true
				// Simulate another invocation landing a write mid-cycle.
				other := loadDoc(t, path)
				other.Items = append(other.Items, "other")
				if err := Save(path, other, other.Version); err != nil {
					t.Fatalf("interfering save: %v", err)
				}
			}
			d.Items = append(d.Items, "mine")
			return nil
		})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	want := []string{"seed", "other", "mine"}
	if len(got.Items) != len(want) {
		t.Fatalf("Items = %v, want %v", got.Items, want)
	}
	for i := range want {
		if got.Items[i] != want[i] {
			t.Errorf("Items[%d] = %q, want %q", i, got.Items[i], want[i])
		}
	}
	if got.Version != 3 {
		t.Errorf("Version = %d, want 3", got.Version)
	}
}

func TestUpdatePropagatesMutateError(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.json")
	boom := errors.New("boom")
	_, err := Update(path, func() (*doc, error) { return &doc{}, nil }, func(*doc) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		t.Error("file should not be written when mutate fails")
	}
}
