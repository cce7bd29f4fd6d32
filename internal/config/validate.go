package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks a config after defaults were applied. It never mutates c.
func Validate(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if _, err := time.LoadLocation(strings.TrimSpace(c.Scheduler.DefaultTimezone)); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.default_timezone: %w", err))
	}
	switch strings.ToLower(strings.TrimSpace(c.Scheduler.DailyPolicy)) {
	case "", "exact_minute", "catch_up":
	default:
		errs = append(errs, fmt.Errorf("scheduler.daily_policy: unknown policy %q", c.Scheduler.DailyPolicy))
	}
	if _, err := c.Scheduler.CatchUpWindowDuration(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Scheduler.DeliveryTimeoutDuration(); err != nil {
		errs = append(errs, err)
	}

	iv, err := c.Dispatch.IntervalDuration()
	if err != nil {
		errs = append(errs, err)
	} else if iv < time.Second {
		errs = append(errs, fmt.Errorf("dispatch.interval: must be >= 1s, got %s", iv))
	}
	if spec := strings.TrimSpace(c.Dispatch.Cron); spec != "" {
		if _, err := cronParser.Parse(spec); err != nil {
			errs = append(errs, fmt.Errorf("dispatch.cron: %w", err))
		}
	}
	if _, err := c.Dispatch.ReadyTimeoutDuration(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Notifier.TimeoutDuration(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Telegram.PollTimeoutDuration(); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		errs = append(errs, err)
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "memory", "file", "sqlite":
	case "postgres", "redis", "mongo":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			errs = append(errs, fmt.Errorf("storage.dsn: required for driver %q", c.Storage.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	return errors.Join(errs...)
}
