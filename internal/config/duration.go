package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration-valued fields (scheduler.interval, scheduler.drain_timeout,
// storage.busy_timeout, recurring[].timeout) are carried as strings in the
// file so JSON and YAML configs read the same. An empty string means the
// field is unset.

// ParseDurationField parses a duration field at the given config path.
// Unset parses to zero; negative durations are rejected.
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

// ParseDurationOrDefault substitutes def when the field is unset or zero,
// for fields that must end up positive such as scheduler.interval.
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
