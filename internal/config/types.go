package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the full on-disk configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// The file may be JSON or YAML; YAML is coerced to JSON before strict
// decoding, so unknown fields are rejected in both formats.
type Config struct {
	// Timezone is the IANA zone used for day rollover and cron evaluation,
	// e.g. "Asia/Jakarta". Empty means the process-local zone.
	Timezone string `json:"timezone,omitempty"`

	// Headless controls whether the automation session runs without a
	// visible browser window. Reported in the health snapshot.
	Headless bool `json:"headless,omitempty"`

	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Quota    QuotaConfig    `json:"quota"`
	Contacts ContactsConfig `json:"contacts,omitempty"`
	Dispatch DispatchConfig `json:"dispatch,omitempty"`
	Engine   EngineConfig   `json:"engine,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level,omitempty"`
	Console *bool         `json:"console,omitempty"` // nil means enabled
	File    LogFileConfig `json:"file,omitempty"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

// StorageConfig controls the sqlite state database.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// QuotaConfig controls the persisted send quota.
//
// Defaults (when fields are omitted/zero):
//   - per_minute: 10
//   - per_day: 200
//   - warmup_days: 7
type QuotaConfig struct {
	PerMinute  int  `json:"per_minute,omitempty"`
	PerDay     int  `json:"per_day,omitempty"`
	Warmup     bool `json:"warmup,omitempty"`
	WarmupDays int  `json:"warmup_days,omitempty"`
}

type ContactsConfig struct {
	// RefreshInterval is the minimum age before the contact snapshot is
	// re-fetched from the session. Default "30m".
	RefreshInterval string `json:"refresh_interval,omitempty"`
}

type DispatchConfig struct {
	MaxRetries    int    `json:"max_retries,omitempty"`     // default 3
	RetryBase     string `json:"retry_base,omitempty"`      // default "30s"
	RetryMaxDelay string `json:"retry_max_delay,omitempty"` // default "10m"

	// MinSendGap paces consecutive transport calls. The web session
	// misbehaves when messages are fired back to back. Default "3s".
	MinSendGap string `json:"min_send_gap,omitempty"`

	// ToleranceMinutes is the default lateness window for schedules that
	// do not set their own. Default 15.
	ToleranceMinutes int `json:"tolerance_minutes,omitempty"`
}

type EngineConfig struct {
	PollInterval string `json:"poll_interval,omitempty"`  // default "5s"
	SendTimeout  string `json:"send_timeout,omitempty"`   // default "90s"
	DrainTimeout string `json:"drain_timeout,omitempty"`  // default "2m"
	SendNowWait  string `json:"send_now_wait,omitempty"`  // default "10s"
}

// Defaults used when fields are omitted.
const (
	DefaultPerMinute        = 10
	DefaultPerDay           = 200
	DefaultWarmupDays       = 7
	DefaultMaxRetries       = 3
	DefaultToleranceMinutes = 15
)

// Validate rejects configs that cannot be run. It does not mutate cfg;
// zero values are resolved by the Resolve* helpers.
func (c *Config) Validate() error {
	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("timezone: unknown zone %q", c.Timezone)
		}
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.Quota.PerMinute < 0 || c.Quota.PerDay < 0 || c.Quota.WarmupDays < 0 {
		return fmt.Errorf("quota: counts must be >= 0")
	}
	if c.Dispatch.MaxRetries < 0 {
		return fmt.Errorf("dispatch.max_retries must be >= 0")
	}
	if c.Dispatch.ToleranceMinutes < 0 {
		return fmt.Errorf("dispatch.tolerance_minutes must be >= 0")
	}
	for _, f := range []struct{ path, raw string }{
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"contacts.refresh_interval", c.Contacts.RefreshInterval},
		{"dispatch.retry_base", c.Dispatch.RetryBase},
		{"dispatch.retry_max_delay", c.Dispatch.RetryMaxDelay},
		{"dispatch.min_send_gap", c.Dispatch.MinSendGap},
		{"engine.poll_interval", c.Engine.PollInterval},
		{"engine.send_timeout", c.Engine.SendTimeout},
		{"engine.drain_timeout", c.Engine.DrainTimeout},
		{"engine.send_now_wait", c.Engine.SendNowWait},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}

// Location resolves the configured timezone, falling back to time.Local.
func (c *Config) Location() *time.Location {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return loc
}

func (c *Config) ConsoleLogging() bool {
	return c.Logging.Console == nil || *c.Logging.Console
}

func (q QuotaConfig) ResolvedPerMinute() int {
	if q.PerMinute > 0 {
		return q.PerMinute
	}
	return DefaultPerMinute
}

func (q QuotaConfig) ResolvedPerDay() int {
	if q.PerDay > 0 {
		return q.PerDay
	}
	return DefaultPerDay
}

func (q QuotaConfig) ResolvedWarmupDays() int {
	if q.WarmupDays > 0 {
		return q.WarmupDays
	}
	return DefaultWarmupDays
}

func (d DispatchConfig) ResolvedMaxRetries() int {
	if d.MaxRetries > 0 {
		return d.MaxRetries
	}
	return DefaultMaxRetries
}

func (d DispatchConfig) ResolvedTolerance() time.Duration {
	m := d.ToleranceMinutes
	if m <= 0 {
		m = DefaultToleranceMinutes
	}
	return time.Duration(m) * time.Minute
}
