package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return NewManager(path)
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, `
timezone: "Asia/Jakarta"
headless: true
logging:
  level: debug
storage:
  path: ./state.db
quota:
  per_minute: 5
  per_day: 80
  warmup: true
  warmup_days: 3
dispatch:
  max_retries: 2
  min_send_gap: 4s
  tolerance_minutes: 20
engine:
  poll_interval: 7s
`)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Timezone != "Asia/Jakarta" || !cfg.Headless {
		t.Fatalf("top-level fields = %+v", cfg)
	}
	if cfg.Quota.PerMinute != 5 || cfg.Quota.PerDay != 80 || !cfg.Quota.Warmup || cfg.Quota.WarmupDays != 3 {
		t.Fatalf("quota = %+v", cfg.Quota)
	}
	if cfg.Dispatch.MaxRetries != 2 || cfg.Dispatch.MinSendGap != "4s" {
		t.Fatalf("dispatch = %+v", cfg.Dispatch)
	}
	if got := DurationOr(cfg.Engine.PollInterval, 5*time.Second); got != 7*time.Second {
		t.Fatalf("poll_interval = %v, want 7s", got)
	}
	if got := cfg.Dispatch.ResolvedTolerance(); got != 20*time.Minute {
		t.Fatalf("tolerance = %v, want 20m", got)
	}
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"storage":{"path":"./state.db"},"quota":{"per_minute":3}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Quota.PerMinute != 3 {
		t.Fatalf("per_minute = %d, want 3", cfg.Quota.PerMinute)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, `
storage:
  path: ./state.db
qutoa:
  per_minute: 5
`)
	if _, err := m.Load(); err == nil {
		t.Fatal("misspelled section must be rejected")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	valid := Config{Storage: StorageConfig{Path: "./state.db"}}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing storage path", func(c *Config) { c.Storage.Path = " " }, "storage.path"},
		{"bad timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }, "timezone"},
		{"negative quota", func(c *Config) { c.Quota.PerDay = -1 }, "quota"},
		{"negative retries", func(c *Config) { c.Dispatch.MaxRetries = -1 }, "max_retries"},
		{"bad duration", func(c *Config) { c.Engine.PollInterval = "five seconds" }, "poll_interval"},
		{"negative duration", func(c *Config) { c.Dispatch.MinSendGap = "-3s" }, "min_send_gap"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestQuotaDefaults(t *testing.T) {
	t.Parallel()
	var q QuotaConfig
	if q.ResolvedPerMinute() != DefaultPerMinute {
		t.Fatalf("per_minute default = %d", q.ResolvedPerMinute())
	}
	if q.ResolvedPerDay() != DefaultPerDay {
		t.Fatalf("per_day default = %d", q.ResolvedPerDay())
	}
	if q.ResolvedWarmupDays() != DefaultWarmupDays {
		t.Fatalf("warmup_days default = %d", q.ResolvedWarmupDays())
	}
	var d DispatchConfig
	if d.ResolvedMaxRetries() != DefaultMaxRetries {
		t.Fatalf("max_retries default = %d", d.ResolvedMaxRetries())
	}
	if d.ResolvedTolerance() != time.Duration(DefaultToleranceMinutes)*time.Minute {
		t.Fatalf("tolerance default = %v", d.ResolvedTolerance())
	}
}

func TestExampleYAMLLoads(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, ExampleYAML)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("example config must load: %v", err)
	}
	if cfg.Quota.PerMinute != 10 || cfg.Quota.PerDay != 200 {
		t.Fatalf("example quota = %+v", cfg.Quota)
	}
}

func TestReloadPublishesOnChange(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, "storage:\n  path: ./a.db\n")
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	// Unchanged content: no publish.
	m.reload(context.Background())
	select {
	case cfg := <-ch:
		t.Fatalf("unexpected publish for unchanged config: %+v", cfg)
	default:
	}

	if err := os.WriteFile(m.path, []byte("storage:\n  path: ./b.db\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	m.reload(context.Background())
	select {
	case cfg := <-ch:
		if cfg.Storage.Path != "./b.db" {
			t.Fatalf("published path = %q, want ./b.db", cfg.Storage.Path)
		}
	case <-time.After(time.Second):
		t.Fatal("no publish after config change")
	}
	if got := m.Get().Storage.Path; got != "./b.db" {
		t.Fatalf("Get().Storage.Path = %q, want ./b.db", got)
	}
}

func TestReloadRejectsInvalid(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, "storage:\n  path: ./a.db\n")
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := os.WriteFile(m.path, []byte("storage:\n  path: \"\"\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	m.reload(context.Background())
	if got := m.Get().Storage.Path; got != "./a.db" {
		t.Fatalf("invalid reload replaced config: path = %q", got)
	}
}
