package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a Go duration string from config. Empty input
// yields zero, which callers treat as unset. Negative values are rejected:
// every duration in this config is a wait or an interval.
func ParseDurationField(name, value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a duration: %w", name, value, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %q", name, value)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with a fallback for unset
// fields.
func ParseDurationOrDefault(name, value string, fallback time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(name, value)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return fallback, nil
	}
	return d, nil
}
