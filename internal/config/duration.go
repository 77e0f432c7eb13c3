package config

import (
	"fmt"
	"strings"
	"time"
)

// Durations in the config file are Go duration strings ("500ms", "1m30s").
// They stay strings in the Config structs so an invalid value can be reported
// with its config path; callers parse at the point of use.

// ParseDurationField parses one duration field. Empty means unset and parses
// to zero; negative values are rejected, since no knob here means anything
// backwards in time.
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

// ParseDurationOrDefault substitutes def for an unset field.
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
