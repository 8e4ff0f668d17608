package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationSet parses a duration string. set is false for an empty
// value, so callers can tell "omitted" from an explicit "0s".
func ParseDurationSet(path, raw string) (d time.Duration, set bool, err error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, false, nil
	}
	if d, err = time.ParseDuration(s); err != nil {
		return 0, true, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, true, fmt.Errorf("%s: duration must be >= 0, got %s", path, s)
	}
	return d, true, nil
}

// ParseDurationField parses an optional duration. Empty yields zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	d, _, err := ParseDurationSet(path, raw)
	return d, err
}

// ParseDurationOrDefault falls back to def when raw is empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	switch d, _, err := ParseDurationSet(path, raw); {
	case err != nil:
		return 0, err
	case d == 0:
		return def, nil
	default:
		return d, nil
	}
}
