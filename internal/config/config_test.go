package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const validYAML = `
logging:
  level: INFO
  console: true
  file: {enabled: false, path: ""}
storage:
  path: ./data/queue.db
window:
  start: "08:00"
  end: "22:00"
  timezone: UTC
posting:
  posts_per_day: 20
  max_stories_per_day: 5
  max_burst_per_tick: 2
  inter_post_gap: 10m
fetching:
  fetches_per_day: 8
  page_size: 50
rate_gate:
  batch_size: 3
  batch_interval: 30m
  post_interval: 5m
  post_interval_jitter: 1m
publisher:
  account_id: "1789"
feed:
  base_url: https://feed.example
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadValidYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", validYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Window.Start != "08:00" || cfg.Publisher.AccountID != "1789" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if m.Get() != cfg {
		t.Fatalf("Get() did not return the committed config")
	}
}

func TestStrictDecodeRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", validYAML+"\nbogus_section:\n  x: 1\n"))
	if _, err := m.Load(); err == nil {
		t.Fatalf("expected unknown-field error")
	}
}

func TestEnvOverridesSecrets(t *testing.T) {
	t.Setenv("INSTAPUB_ACCESS_TOKEN", "tok-from-env")
	t.Setenv("INSTAPUB_FEED_PRIVATE_KEY", "key-from-env")

	m := NewManager(writeConfig(t, "config.yaml", validYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Publisher.AccessToken != "tok-from-env" {
		t.Fatalf("access token = %q", cfg.Publisher.AccessToken)
	}
	if cfg.Feed.PrivateKey != "key-from-env" {
		t.Fatalf("private key = %q", cfg.Feed.PrivateKey)
	}
}

func TestValidateCatchesBadValues(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"bad window clock", func(c *Config) { c.Window.Start = "26:00" }},
		{"bad timezone", func(c *Config) { c.Window.Timezone = "Mars/Olympus" }},
		{"bad duration", func(c *Config) { c.Posting.InterPostGap = "eleven" }},
		{"missing account", func(c *Config) { c.Publisher.AccountID = " " }},
		{"missing feed url", func(c *Config) { c.Feed.BaseURL = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := NewManager(writeConfig(t, "config.yaml", validYAML))
			cfg, err := m.Load()
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			tc.mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestParseClock(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"00:00", 0, false},
		{"08:30", 510, false},
		{"23:59", 1439, false},
		{" 10:05 ", 605, false},
		{"24:00", 0, true},
		{"10:60", 0, true},
		{"nope", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseClock(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseClock(%q) succeeded, want error", tc.in)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("ParseClock(%q) = %d, %v; want %d", tc.in, got, err, tc.want)
		}
	}
}

func TestOperationalMinutes(t *testing.T) {
	t.Parallel()
	cases := []struct {
		start, end string
		want       int
	}{
		{"08:00", "22:00", 840},
		{"22:00", "02:00", 240}, // wraps midnight
		{"09:00", "09:00", 0},
	}
	for _, tc := range cases {
		w := WindowConfig{Start: tc.start, End: tc.end}
		got, err := w.OperationalMinutes()
		if err != nil {
			t.Fatalf("OperationalMinutes(%s-%s): %v", tc.start, tc.end, err)
		}
		if got != tc.want {
			t.Fatalf("OperationalMinutes(%s-%s) = %d, want %d", tc.start, tc.end, got, tc.want)
		}
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", " 10m "); err != nil || d != 10*time.Minute {
		t.Fatalf("got %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: got %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatalf("negative duration accepted")
	}
	if d, err := ParseDurationOrDefault("x", "", 7*time.Second); err != nil || d != 7*time.Second {
		t.Fatalf("default: got %v, %v", d, err)
	}
}
