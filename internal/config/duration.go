package config

import (
	"fmt"
	"strings"
	"time"
)

// Timeouts and budgets in the agent config are Go duration strings
// ("10s", "1h30m"). Empty means unset; the accessor applies the
// default. Negative durations are always a config error since every
// consumer treats them as a deadline.

// ParseDurationField validates one duration field. path names the
// field in errors, e.g. "wake.budget".
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault substitutes def for unset (or zero) fields.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
