package utils

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	Day   = 24 * time.Hour
	Week  = 7 * Day
	Month = 30 * Day
	Year  = 365 * Day
)

var validityPattern = regexp.MustCompile(`^([\d.]+)\s*([A-Za-z]+)$`)

// ParseValidity parses license lifetimes like "30d", "2w", "1y", "12h" or
// "1.5y". "0", "never" and "" mean a license that never expires.
// Anything time.ParseDuration accepts is accepted too.
func ParseValidity(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "0", "never":
		return 0, nil
	}

	if d, err := time.ParseDuration(s); err == nil {
		if d < 0 {
			return 0, fmt.Errorf("negative validity: %s", s)
		}
		return d, nil
	}

	matches := validityPattern.FindStringSubmatch(s)
	if len(matches) != 3 {
		return 0, fmt.Errorf("invalid validity format: %s (expected format like '30d', '2w', '1y')", s)
	}

	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric value: %s", matches[1])
	}

	unit := unitFor(strings.ToLower(matches[2]))
	if unit == 0 {
		return 0, fmt.Errorf("unknown unit: %s (supported: h, d, w, mo, y)", matches[2])
	}

	d := time.Duration(value * float64(unit))
	if d < 0 {
		return 0, fmt.Errorf("validity overflow: %s", s)
	}
	return d, nil
}

func unitFor(unit string) time.Duration {
	switch unit {
	case "h", "hour", "hours":
		return time.Hour
	case "d", "day", "days":
		return Day
	case "w", "week", "weeks":
		return Week
	case "mo", "month", "months":
		return Month
	case "y", "year", "years":
		return Year
	default:
		return 0
	}
}

// FormatRemaining renders the time left until expireTime (unix seconds) at
// now. A zero expireTime never expires.
func FormatRemaining(expireTime int64, now time.Time) string {
	if expireTime == 0 {
		return "never expires"
	}
	left := time.Unix(expireTime, 0).Sub(now)
	if left < 0 {
		return "expired"
	}

	switch {
	case left >= Year:
		return fmt.Sprintf("%.1f years", float64(left)/float64(Year))
	case left >= 2*Day:
		return fmt.Sprintf("%d days", int(left/Day))
	case left >= time.Hour:
		return fmt.Sprintf("%d hours", int(left/time.Hour))
	default:
		return fmt.Sprintf("%d minutes", int(left/time.Minute))
	}
}
