package ratelimit

import (
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type waitPattern struct {
	re         *regexp.Regexp
	multiplier time.Duration
}

var waitTimePatterns = []waitPattern{
	{regexp.MustCompile(`(?i)retry-after[:=]\s*(\d+)`), time.Second},
	{regexp.MustCompile(`(?i)try\s+again\s+in\s+(\d+)\s*(?:s|sec|second)`), time.Second},
	{regexp.MustCompile(`(?i)try\s+again\s+in\s+(\d+)\s*(?:m|min|minute)`), time.Minute},
	{regexp.MustCompile(`(?i)wait\s+(\d+)\s*(?:second|sec|s)`), time.Second},
	{regexp.MustCompile(`(?i)retry\s+(?:after|in)\s+(\d+)\s*(?:m|min|minute|minutes)\b`), time.Minute},
	{regexp.MustCompile(`(?i)retry\s+(?:after|in)\s+(\d+)\s*(?:s|sec|seconds?)?\b`), time.Second},
	{regexp.MustCompile(`(?i)(\d+)\s*(?:second|sec)s?\s+(?:cooldown|delay|wait)`), time.Second},
}

// ParseRetryAfter extracts a suggested wait from free-form text such as an
// error body. Returns 0 if no hint is found.
func ParseRetryAfter(text string) time.Duration {
	if text == "" {
		return 0
	}
	for _, pattern := range waitTimePatterns {
		if matches := pattern.re.FindStringSubmatch(text); len(matches) > 1 {
			n, err := strconv.Atoi(matches[1])
			if err == nil && n > 0 {
				return time.Duration(n) * pattern.multiplier
			}
		}
	}
	return 0
}

// ParseRetryAfterHeader reads a Retry-After header value, either delay
// seconds or an HTTP date. Returns 0 when absent or unparseable.
func ParseRetryAfterHeader(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// FormatDelay formats a duration as a human-readable string.
func FormatDelay(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%.1fm", d.Minutes())
}
