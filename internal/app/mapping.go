package app

import (
	"strings"

	"remindbot/internal/config"
	"remindbot/internal/dispatch"
	"remindbot/internal/notifier"
	"remindbot/internal/scheduler"
	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func schedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	policy, err := scheduler.ParsePolicy(cfg.Scheduler.DailyPolicy)
	if err != nil {
		return scheduler.Config{}, err
	}
	window, err := cfg.Scheduler.CatchUpWindowDuration()
	if err != nil {
		return scheduler.Config{}, err
	}
	timeout, err := cfg.Scheduler.DeliveryTimeoutDuration()
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Policy:          policy,
		CatchUpWindow:   window,
		DeliveryTimeout: timeout,
		Concurrency:     cfg.Scheduler.Concurrency,
	}, nil
}

func dispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	iv, err := cfg.Dispatch.IntervalDuration()
	if err != nil {
		return dispatch.Config{}, err
	}
	rt, err := cfg.Dispatch.ReadyTimeoutDuration()
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{Interval: iv, Cron: strings.TrimSpace(cfg.Dispatch.Cron), ReadyTimeout: rt}, nil
}

func notifierConfig(cfg *config.Config) (notifier.Config, error) {
	timeout, err := cfg.Notifier.TimeoutDuration()
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{RatePerSec: cfg.Notifier.RatePerSec, Burst: cfg.Notifier.Burst, Timeout: timeout}, nil
}

// StorageConfig maps the storage section for the bot and the operator CLI.
func StorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		DSN:         cfg.Storage.DSN,
		Database:    cfg.Storage.Database,
		KeyPrefix:   cfg.Storage.KeyPrefix,
		BusyTimeout: busy,
	}, nil
}
