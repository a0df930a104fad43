package utils

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var dayPrefix = regexp.MustCompile(`^(\d+)d(.*)$`)

// ParseDuration parses human-friendly durations like "500ms", "30s", "7d"
// or "1d12h". A bare integer is read as seconds. Days are fixed 24h spans.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration string")
	}

	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("negative duration: %s", s)
		}
		return time.Duration(secs) * time.Second, nil
	}

	var total time.Duration
	rest := s
	if m := dayPrefix.FindStringSubmatch(s); m != nil {
		days, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid day count: %s", m[1])
		}
		total = time.Duration(days) * 24 * time.Hour
		rest = m[2]
	}

	if rest != "" {
		d, err := time.ParseDuration(rest)
		if err != nil {
			return 0, fmt.Errorf("invalid duration format: %s (expected format like '30s', '5m', '7d')", s)
		}
		total += d
	}

	if total < 0 {
		return 0, fmt.Errorf("negative duration: %s", s)
	}
	return total, nil
}

// FormatDuration renders d with a day component when it spans whole days
func FormatDuration(d time.Duration) string {
	if d < 0 {
		return "invalid"
	}
	day := 24 * time.Hour
	if d < day {
		return d.String()
	}
	days := d / day
	rem := d % day
	if rem == 0 {
		return fmt.Sprintf("%dd", days)
	}
	return fmt.Sprintf("%dd%s", days, rem)
}

// ParseDurationWithDefault parses s and returns def if empty or invalid
func ParseDurationWithDefault(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
