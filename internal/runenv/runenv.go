// Package runenv describes the execution context a qgov entry point runs in.
package runenv

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/Dicklesworthstone/qgov/internal/util"
)

// Environment variables read by FromEnv.
const (
	EnvSpawnedSession    = "QGOV_SPAWNED_SESSION"
	EnvPromotionPipeline = "QGOV_PROMOTION_PIPELINE"
	EnvProjectRoot       = "QGOV_PROJECT_ROOT"
)

// Env is passed into every entry point instead of being re-read from the
// process environment deep inside components.
type Env struct {
	// IsSpawnedSession is set for callers started by the automation
	// scheduler. Caller-facing side effects are suppressed for them.
	IsSpawnedSession bool
	// IsPromotionPipeline is carried for callers; the core does not use it.
	IsPromotionPipeline bool
	ProjectRoot         string
}

// FromEnv builds an Env from the process environment. projectFlag, when
// non-empty, wins over QGOV_PROJECT_ROOT, the git root and the working
// directory, in that order.
func FromEnv(projectFlag string) Env {
	return build(os.Getenv, projectFlag)
}

func build(getenv func(string) string, projectFlag string) Env {
	env := Env{
		IsSpawnedSession:    truthy(getenv(EnvSpawnedSession)),
		IsPromotionPipeline: truthy(getenv(EnvPromotionPipeline)),
	}
	env.ProjectRoot = resolveRoot(projectFlag, getenv(EnvProjectRoot))
	return env
}

func resolveRoot(flag, fromEnv string) string {
	for _, candidate := range []string{flag, fromEnv} {
		if candidate == "" {
			continue
		}
		candidate = util.ExpandHome(candidate)
		if abs, err := filepath.Abs(candidate); err == nil {
			return abs
		}
		return candidate
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	if root, err := util.FindGitRoot(wd); err == nil && root != "" {
		return root
	}
	return wd
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// StateDir returns the project's state directory.
func (e Env) StateDir() string {
	return util.StateDir(e.ProjectRoot)
}
