package runenv

import (
	"path/filepath"
	"testing"
)

func fakeEnv(vals map[string]string) func(string) string {
	return func(k string) string { return vals[k] }
}

func TestBuildFlags(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		vals      map[string]string
		spawned   bool
		promotion bool
	}{
		{"unset", nil, false, false},
		{"one", map[string]string{EnvSpawnedSession: "1"}, true, false},
		{"true upper", map[string]string{EnvSpawnedSession: "TRUE", EnvPromotionPipeline: "yes"}, true, true},
		{"zero", map[string]string{EnvSpawnedSession: "0", EnvPromotionPipeline: "false"}, false, false},
	}
	dir := t.TempDir()
	for _, tt := range tests {
		env := build(fakeEnv(tt.vals), dir)
		if env.IsSpawnedSession != tt.spawned || env.IsPromotionPipeline != tt.promotion {
			t.Errorf("%s: got %+v", tt.name, env)
		}
	}
}

func TestProjectRootPrecedence(t *testing.T) {
	t.Parallel()
	flagDir := t.TempDir()
	envDir := t.TempDir()

	env := build(fakeEnv(map[string]string{EnvProjectRoot: envDir}), flagDir)
	if env.ProjectRoot != flagDir {
		t.Errorf("flag should win: got %q", env.ProjectRoot)
	}
	env = build(fakeEnv(map[string]string{EnvProjectRoot: envDir}), "")
	if env.ProjectRoot != envDir {
		t.Errorf("env root: got %q", env.ProjectRoot)
	}
	if want := filepath.Join(envDir, ".qgov"); env.StateDir() != want {
		t.Errorf("StateDir = %q, want %q", env.StateDir(), want)
	}
}
