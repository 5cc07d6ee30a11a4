package config

import (
	"fmt"
	"strings"
)

// Validate checks cross-field constraints that a strict decode cannot.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	if _, err := cfg.Window.OperationalMinutes(); err != nil {
		return err
	}
	if _, err := cfg.Window.Location(); err != nil {
		return fmt.Errorf("window.timezone: %w", err)
	}

	for _, d := range []struct{ path, raw string }{
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"posting.inter_post_gap", cfg.Posting.InterPostGap},
		{"rate_gate.batch_interval", cfg.RateGate.BatchInterval},
		{"rate_gate.post_interval", cfg.RateGate.PostInterval},
		{"rate_gate.post_interval_jitter", cfg.RateGate.PostIntervalJitter},
	} {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	if cfg.Posting.PostsPerDay < 0 {
		return fmt.Errorf("posting.posts_per_day: must be >= 0")
	}
	if cfg.Fetching.PageSize < 0 {
		return fmt.Errorf("fetching.page_size: must be >= 0")
	}

	if strings.TrimSpace(cfg.Publisher.AccountID) == "" {
		return fmt.Errorf("publisher.account_id: required")
	}
	if strings.TrimSpace(cfg.Feed.BaseURL) == "" {
		return fmt.Errorf("feed.base_url: required")
	}
	return nil
}
