// Package ratelimit recognizes quota-exhaustion messages in caller output.
package ratelimit

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"
)

// Detection is a quota signal found in output, with the reset hint printed
// alongside it.
type Detection struct {
	RateLimited bool
	Pattern     string
	WaitSeconds int
	ResetAt     *time.Time
}

// ResumeAfter returns when the limit is expected to lift: the printed reset
// time, else now plus the suggested wait. It is zero when the output gave no
// hint.
func (d Detection) ResumeAfter(now time.Time) time.Time {
	if d.ResetAt != nil {
		return *d.ResetAt
	}
	if d.WaitSeconds > 0 {
		return now.Add(time.Duration(d.WaitSeconds) * time.Second)
	}
	return time.Time{}
}

type namedPattern struct {
	name string
	re   *regexp.Regexp
}

var quotaPatterns = []namedPattern{
	{"usage_limit", regexp.MustCompile(`(?i)usage\s+limit\s+(?:reached|exceeded)`)},
	{"five_hour_limit", regexp.MustCompile(`(?i)(?:5|five)[-\s]hour\s+limit\s+reached`)},
	{"weekly_limit", regexp.MustCompile(`(?i)weekly\s+limit\s+reached`)},
	{"rate_limit_error", regexp.MustCompile(`(?i)rate_limit_error`)},
	{"too_many_requests", regexp.MustCompile(`(?i)too\s+many\s+requests`)},
	{"rate_limit", regexp.MustCompile(`(?i)rate[\s_-]?limit(?:ed)?\s+(?:exceeded|reached|hit)`)},
	{"quota_exceeded", regexp.MustCompile(`(?i)quota\s+(?:exceeded|exhausted)`)},
	{"limit_reset", regexp.MustCompile(`(?i)limit\s+will\s+reset`)},
}

// resetEpochPattern matches the "limit reached|<epoch>" form some hosts print.
var resetEpochPattern = regexp.MustCompile(`(?i)limit\s+reached\|(\d{10})`)

type waitPattern struct {
	re         *regexp.Regexp
	multiplier int
}

var waitTimePatterns = []waitPattern{
	{regexp.MustCompile(`(?i)retry-after[:=]\s*(\d+)`), 1},
	{regexp.MustCompile(`(?i)try\s+again\s+in\s+(\d+)\s*s`), 1},
	{regexp.MustCompile(`(?i)try\s+again\s+in\s+(\d+)\s*(?:m|min|minute|minutes)\b`), 60},
	{regexp.MustCompile(`(?i)wait\s+(\d+)\s*(?:second|sec|s)`), 1},
	{regexp.MustCompile(`(?i)retry\s+(?:after|in)\s+(\d+)\s*(?:s|sec)\b`), 1},
	{regexp.MustCompile(`(?i)retry\s+(?:after|in)\s+(\d+)\s*(?:m|min|minute|minutes)\b`), 60},
	{regexp.MustCompile(`(?i)(\d+)\s*(?:second|sec)s?\s+(?:cooldown|delay|wait)`), 1},
}

// ParseWaitSeconds extracts a suggested wait time in seconds from output.
// Returns 0 if no wait time is found.
func ParseWaitSeconds(output string) int {
	if output == "" {
		return 0
	}
	output = ansi.Strip(output)

	for _, pattern := range waitTimePatterns {
		if matches := pattern.re.FindStringSubmatch(output); len(matches) > 1 {
			seconds, err := strconv.Atoi(matches[1])
			if err == nil && seconds > 0 {
				return seconds * pattern.multiplier
			}
		}
	}
	return 0
}

// ParseResetAt extracts a reset time from the "limit reached|<epoch>" form.
func ParseResetAt(output string) (time.Time, bool) {
	m := resetEpochPattern.FindStringSubmatch(ansi.Strip(output))
	if len(m) < 2 {
		return time.Time{}, false
	}
	sec, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(sec, 0).UTC(), true
}

// MatchQuota reports the name of the first quota pattern text matches.
func MatchQuota(text string) (string, bool) {
	text = ansi.Strip(text)
	if resetEpochPattern.MatchString(text) {
		return "usage_limit", true
	}
	for _, p := range quotaPatterns {
		if p.re.MatchString(text) {
			return p.name, true
		}
	}
	return "", false
}

// DetectRateLimit inspects output for a quota signal and, when one is
// present, the wait or reset time that came with it.
func DetectRateLimit(output string) Detection {
	name, ok := MatchQuota(output)
	if !ok {
		return Detection{}
	}
	d := Detection{RateLimited: true, Pattern: name, WaitSeconds: ParseWaitSeconds(output)}
	if t, ok := ParseResetAt(output); ok {
		d.ResetAt = &t
	}
	return d
}

// FirstLine returns the first non-empty line of text with ANSI removed.
func FirstLine(text string) string {
	for _, line := range strings.Split(ansi.Strip(text), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}
