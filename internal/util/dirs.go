package util

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// StateDirName is the per-project directory holding qgov state files.
const StateDirName = ".qgov"

// StateDir returns <projectRoot>/.qgov.
func StateDir(projectRoot string) string {
	return filepath.Join(projectRoot, StateDirName)
}

// HomeStateDir returns the path to the ~/.qgov directory, used when no
// project root can be resolved.
func HomeStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, StateDirName), nil
}

// EnsureDir ensures that a directory exists, creating it if necessary.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}

// ExpandHome expands a leading ~/ in path.
func ExpandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// FindGitRoot attempts to find the root of the git repository
// containing the given directory. Returns empty string if not found.
func FindGitRoot(startDir string) (string, error) {
	cmd := exec.Command("git", "rev-parse", "--show-toplevel")
	cmd.Dir = startDir
	output, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(output)), nil
}
