package dashboard

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment overrides for `qgov top`.
const (
	EnvRefresh   = "QGOV_TOP_REFRESH"
	EnvMaxEvents = "QGOV_TOP_EVENTS"
)

// applyDashboardEnvOverrides lets the environment tune a model built with
// defaults. Unparseable or non-positive values are ignored.
func applyDashboardEnvOverrides(m *Model) {
	if m == nil {
		return
	}
	if d, ok := envDuration(EnvRefresh); ok {
		m.refreshInterval = d
	}
	if n, ok := envPositiveInt(EnvMaxEvents); ok {
		m.maxEvents = n
	}
}

func envDuration(name string) (time.Duration, bool) {
	d, err := time.ParseDuration(strings.TrimSpace(os.Getenv(name)))
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}

func envPositiveInt(name string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(name)))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
