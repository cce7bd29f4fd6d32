package config

import (
	"strings"
	"time"
)

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Notifier  NotifierConfig  `json:"notifier"`
	Storage   StorageConfig   `json:"storage"`
	Ops       OpsConfig       `json:"ops,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
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

// SchedulerConfig controls due evaluation and delivery inside one tick.
//
// Defaults (when fields are omitted/zero):
//   - default_timezone: "UTC"
//   - daily_policy: "exact_minute"
//   - catch_up_window: "0s" (unlimited, only used by daily_policy=catch_up)
//   - delivery_timeout: "10s"
//   - concurrency: 4
type SchedulerConfig struct {
	DefaultTimezone string `json:"default_timezone,omitempty"`
	DailyPolicy     string `json:"daily_policy,omitempty"`
	CatchUpWindow   string `json:"catch_up_window,omitempty"`
	DeliveryTimeout string `json:"delivery_timeout,omitempty"`
	Concurrency     int    `json:"concurrency,omitempty"`
}

// DispatchConfig controls the periodic driver.
//
// Cron, when set, replaces Interval. It accepts robfig/cron specs with an
// optional seconds field ("0 * * * * *" ticks on every minute boundary).
type DispatchConfig struct {
	Interval     string `json:"interval,omitempty"`
	Cron         string `json:"cron,omitempty"`
	ReadyTimeout string `json:"ready_timeout,omitempty"`
}

type NotifierConfig struct {
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	Burst      int    `json:"burst,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
}

// StorageConfig selects the reminder store backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/remindbot.db" }
//
// Drivers: memory, file, sqlite, postgres, redis, mongo.
// DSN is used by postgres, redis and mongo.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	Database    string `json:"database,omitempty"`   // mongo
	KeyPrefix   string `json:"key_prefix,omitempty"` // redis
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// OpsConfig enables the health/status HTTP endpoint when Addr is set.
// Pprof additionally mounts /debug/pprof/, guarded by PprofToken when set.
type OpsConfig struct {
	Addr       string `json:"addr,omitempty"`
	Pprof      bool   `json:"pprof,omitempty"`
	PprofToken string `json:"pprof_token,omitempty"`
}

const (
	DefaultInterval        = 60 * time.Second
	DefaultReadyTimeout    = 2 * time.Minute
	DefaultDeliveryTimeout = 10 * time.Second
	DefaultConcurrency     = 4
	DefaultTimezone        = "UTC"
	DefaultDailyPolicy     = "exact_minute"
	DefaultStorageDriver   = "sqlite"
	DefaultStoragePath     = "./data/remindbot.db"
)

// Default returns a config with every optional knob filled in.
func Default() *Config {
	cfg := &Config{Logging: LoggingConfig{Level: "info", Console: true}}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values in place.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if strings.TrimSpace(c.Scheduler.DefaultTimezone) == "" {
		c.Scheduler.DefaultTimezone = DefaultTimezone
	}
	if strings.TrimSpace(c.Scheduler.DailyPolicy) == "" {
		c.Scheduler.DailyPolicy = DefaultDailyPolicy
	}
	if c.Scheduler.Concurrency <= 0 {
		c.Scheduler.Concurrency = DefaultConcurrency
	}
	if strings.TrimSpace(c.Storage.Driver) == "" {
		c.Storage.Driver = DefaultStorageDriver
	}
	if strings.TrimSpace(c.Storage.Path) == "" && (c.Storage.Driver == "sqlite" || c.Storage.Driver == "file") {
		if c.Storage.Driver == "file" {
			c.Storage.Path = "./data/reminders"
		} else {
			c.Storage.Path = DefaultStoragePath
		}
	}
	if c.Notifier.RatePerSec <= 0 {
		c.Notifier.RatePerSec = 20
	}
	if c.Notifier.Burst <= 0 {
		c.Notifier.Burst = c.Notifier.RatePerSec
	}
}

func (d DispatchConfig) IntervalDuration() (time.Duration, error) {
	return ParseDurationOrDefault("dispatch.interval", d.Interval, DefaultInterval)
}

func (d DispatchConfig) ReadyTimeoutDuration() (time.Duration, error) {
	return ParseDurationOrDefault("dispatch.ready_timeout", d.ReadyTimeout, DefaultReadyTimeout)
}

func (s SchedulerConfig) DeliveryTimeoutDuration() (time.Duration, error) {
	return ParseDurationOrDefault("scheduler.delivery_timeout", s.DeliveryTimeout, DefaultDeliveryTimeout)
}

func (s SchedulerConfig) CatchUpWindowDuration() (time.Duration, error) {
	return ParseDurationField("scheduler.catch_up_window", s.CatchUpWindow)
}

func (n NotifierConfig) TimeoutDuration() (time.Duration, error) {
	return ParseDurationOrDefault("notifier.timeout", n.Timeout, DefaultDeliveryTimeout)
}

func (t TelegramConfig) PollTimeoutDuration() (time.Duration, error) {
	return ParseDurationOrDefault("telegram.poll_timeout", t.PollTimeout, 10*time.Second)
}
