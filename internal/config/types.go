package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`

	// Window is the daily operational window. Outside of it nothing posts.
	Window   WindowConfig   `json:"window"`
	Posting  PostingConfig  `json:"posting"`
	Fetching FetchingConfig `json:"fetching"`
	RateGate RateGateConfig `json:"rate_gate"`

	Publisher PublisherConfig `json:"publisher"`
	Feed      FeedConfig      `json:"feed"`
	Collage   CollageConfig   `json:"collage"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the sqlite queue store.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// WindowConfig is the daily posting window, local to Timezone.
// Start == End means the window never opens. Start > End wraps past midnight.
type WindowConfig struct {
	Start    string `json:"start"` // "HH:MM"
	End      string `json:"end"`   // "HH:MM"
	Timezone string `json:"timezone,omitempty"`
}

// PostingConfig controls dispatch quota.
//
// All durations are Go duration strings (e.g. "10m").
//
// Defaults (when fields are omitted/zero):
//   - posts_per_day: 20
//   - max_stories_per_day: 5
//   - max_burst_per_tick: 2
//   - inter_post_gap: "10m"
type PostingConfig struct {
	PostsPerDay      int    `json:"posts_per_day,omitempty"`
	MaxStoriesPerDay int    `json:"max_stories_per_day,omitempty"`
	MaxBurstPerTick  int    `json:"max_burst_per_tick,omitempty"`
	InterPostGap     string `json:"inter_post_gap,omitempty"`
}

// FetchingConfig controls feed ingestion.
//
// Defaults: fetches_per_day 8, page_size 50, default_backfill_days 1.
type FetchingConfig struct {
	FetchesPerDay       int `json:"fetches_per_day,omitempty"`
	PageSize            int `json:"page_size,omitempty"`
	DefaultBackfillDays int `json:"default_backfill_days,omitempty"`
}

// RateGateConfig controls outbound publish pacing.
//
// A batch is BatchSize consecutive publishes; after each full batch the gate
// waits BatchInterval. Within a batch, publishes are spaced PostInterval
// plus up to PostIntervalJitter of random extra delay.
type RateGateConfig struct {
	BatchSize          int    `json:"batch_size,omitempty"`
	BatchInterval      string `json:"batch_interval,omitempty"`
	PostInterval       string `json:"post_interval,omitempty"`
	PostIntervalJitter string `json:"post_interval_jitter,omitempty"`
}

type PublisherConfig struct {
	AccessToken string `json:"access_token,omitempty"` // or INSTAPUB_ACCESS_TOKEN
	AccountID   string `json:"account_id"`
	AppID       string `json:"app_id,omitempty"`
	AppSecret   string `json:"app_secret,omitempty"`
	BaseURL     string `json:"base_url,omitempty"` // default: https://graph.facebook.com/v19.0
}

type FeedConfig struct {
	BaseURL    string `json:"base_url"`
	PrivateKey string `json:"private_key,omitempty"` // hex secp256k1; or INSTAPUB_FEED_PRIVATE_KEY
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	RetryMax   int    `json:"retry_max,omitempty"`
}

type CollageConfig struct {
	APIKey    string `json:"api_key,omitempty"` // or INSTAPUB_IMGBB_KEY
	UploadURL string `json:"upload_url,omitempty"`
}

// ---- Derived helpers ----

// ParseClock parses "HH:MM" into minutes since midnight.
func ParseClock(s string) (int, error) {
	s = strings.TrimSpace(s)
	var hh, mm int
	if _, err := fmt.Sscanf(s, "%d:%d", &hh, &mm); err != nil {
		return 0, fmt.Errorf("invalid clock %q (want HH:MM): %w", s, err)
	}
	if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 0, fmt.Errorf("invalid clock %q (want HH:MM)", s)
	}
	return hh*60 + mm, nil
}

// OperationalMinutes returns the window length in minutes, handling wrap past
// midnight. A zero-length window returns 0.
func (w WindowConfig) OperationalMinutes() (int, error) {
	start, err := ParseClock(w.Start)
	if err != nil {
		return 0, fmt.Errorf("window.start: %w", err)
	}
	end, err := ParseClock(w.End)
	if err != nil {
		return 0, fmt.Errorf("window.end: %w", err)
	}
	if start == end {
		return 0, nil
	}
	if end > start {
		return end - start, nil
	}
	return 24*60 - start + end, nil
}

// Location resolves the window timezone (default: local).
func (w WindowConfig) Location() (*time.Location, error) {
	if strings.TrimSpace(w.Timezone) == "" {
		return time.Local, nil
	}
	return time.LoadLocation(w.Timezone)
}

func (p PostingConfig) EffectivePostsPerDay() int {
	if p.PostsPerDay > 0 {
		return p.PostsPerDay
	}
	return 20
}

func (p PostingConfig) EffectiveMaxStoriesPerDay() int {
	if p.MaxStoriesPerDay > 0 {
		return p.MaxStoriesPerDay
	}
	return 5
}

func (p PostingConfig) EffectiveMaxBurstPerTick() int {
	if p.MaxBurstPerTick > 0 {
		return p.MaxBurstPerTick
	}
	return 2
}

func (f FetchingConfig) EffectiveFetchesPerDay() int {
	if f.FetchesPerDay > 0 {
		return f.FetchesPerDay
	}
	return 8
}

func (f FetchingConfig) EffectivePageSize() int {
	if f.PageSize > 0 {
		return f.PageSize
	}
	return 50
}

func (f FetchingConfig) EffectiveBackfillDays() int {
	if f.DefaultBackfillDays > 0 {
		return f.DefaultBackfillDays
	}
	return 1
}
