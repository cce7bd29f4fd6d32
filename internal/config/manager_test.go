package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestParseJSONAndYAML(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name string
		file string
		body string
	}{
		{"json", "config.json", `{"telegram":{"token":"abc"},"dispatch":{"interval":"30s"},"storage":{"driver":"memory"}}`},
		{"yaml", "config.yaml", "telegram:\n  token: abc\ndispatch:\n  interval: 30s\nstorage:\n  driver: memory\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := writeFile(t, dir, tc.file, tc.body)
			cfg, err := NewManager(p).Load()
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if cfg.Telegram.Token != "abc" {
				t.Fatalf("token = %q, want abc", cfg.Telegram.Token)
			}
			iv, _ := cfg.Dispatch.IntervalDuration()
			if iv != 30*time.Second {
				t.Fatalf("interval = %v, want 30s", iv)
			}
			if cfg.Scheduler.DefaultTimezone != "UTC" || cfg.Scheduler.DailyPolicy != "exact_minute" {
				t.Fatalf("defaults not applied: %+v", cfg.Scheduler)
			}
		})
	}
}

func TestParseRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	dir := t.TempDir()
	for name, body := range map[string]string{
		"unknown.json":  `{"telegram":{"token":"x","owner":1}}`,
		"trailing.json": `{"telegram":{"token":"x"}}{}`,
		"unknown.yaml":  "dispatch:\n  intervall: 1m\n",
	} {
		p := writeFile(t, dir, name, body)
		if _, err := NewManager(p).Parse(); err == nil {
			t.Fatalf("%s: Parse() error = nil, want error", name)
		}
	}
}

func TestParseMissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewManager(filepath.Join(t.TempDir(), "absent.json")).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Driver != DefaultStorageDriver || cfg.Storage.Path != DefaultStoragePath {
		t.Fatalf("storage = %+v, want sqlite defaults", cfg.Storage)
	}
	if !cfg.Logging.Console {
		t.Fatalf("console logging disabled without a config file")
	}
}

func TestEnvOverlay(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.json", `{"telegram":{"token":"file"},"scheduler":{"concurrency":2}}`)
	t.Setenv("REMINDBOT_TELEGRAM__TOKEN", "from-env")
	t.Setenv("REMINDBOT_SCHEDULER__CONCURRENCY", "8")
	t.Setenv("REMINDBOT_STORAGE__DRIVER", "memory")

	cfg, err := NewManager(p).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "from-env" {
		t.Fatalf("token = %q, want from-env", cfg.Telegram.Token)
	}
	if cfg.Scheduler.Concurrency != 8 {
		t.Fatalf("concurrency = %d, want 8", cfg.Scheduler.Concurrency)
	}
	if cfg.Storage.Driver != "memory" {
		t.Fatalf("driver = %q, want memory", cfg.Storage.Driver)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"ok", func(c *Config) {}, ""},
		{"bad tz", func(c *Config) { c.Scheduler.DefaultTimezone = "Mars/Olympus" }, "scheduler.default_timezone"},
		{"bad policy", func(c *Config) { c.Scheduler.DailyPolicy = "sometimes" }, "scheduler.daily_policy"},
		{"short interval", func(c *Config) { c.Dispatch.Interval = "100ms" }, "dispatch.interval"},
		{"bad cron", func(c *Config) { c.Dispatch.Cron = "every minute" }, "dispatch.cron"},
		{"dsn required", func(c *Config) { c.Storage.Driver = "postgres" }, "storage.dsn"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "etcd" }, "storage.driver"},
		{"negative duration", func(c *Config) { c.Scheduler.DeliveryTimeout = "-1s" }, "scheduler.delivery_timeout"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := Validate(cfg)
			if tc.want == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Validate() = %v, want error mentioning %q", err, tc.want)
			}
		})
	}
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.json", `{"dispatch":{"interval":"60s"}}`)
	m := NewManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	published, err := m.Reload(context.Background())
	if err != nil || published {
		t.Fatalf("Reload unchanged = (%v, %v), want (false, nil)", published, err)
	}

	writeFile(t, filepath.Dir(p), "config.json", `{"dispatch":{"interval":"30s"}}`)
	published, err = m.Reload(context.Background())
	if err != nil || !published {
		t.Fatalf("Reload changed = (%v, %v), want (true, nil)", published, err)
	}
	select {
	case cfg := <-ch:
		if cfg.Dispatch.Interval != "30s" {
			t.Fatalf("published interval = %q, want 30s", cfg.Dispatch.Interval)
		}
	default:
		t.Fatalf("no config published")
	}

	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		return context.Canceled
	})
	writeFile(t, filepath.Dir(p), "config.json", `{"dispatch":{"interval":"45s"}}`)
	if published, err := m.Reload(context.Background()); err == nil || published {
		t.Fatalf("Reload rejected = (%v, %v), want (false, error)", published, err)
	}
	if got := m.Get().Dispatch.Interval; got != "30s" {
		t.Fatalf("committed interval = %q, want 30s", got)
	}
}

func TestSummarizeHidesSecrets(t *testing.T) {
	a := Default()
	b := Default()
	b.Telegram.Token = "secret-token"
	b.Storage.DSN = "postgres://user:pw@host/db"
	b.Storage.Driver = "postgres"
	b.Dispatch.Interval = "30s"

	changed, attrs := Summarize(a, b)
	want := map[string]bool{"telegram": true, "dispatch": true, "storage": true}
	if len(changed) != len(want) {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	for _, s := range changed {
		if !want[s] {
			t.Fatalf("unexpected changed section %q", s)
		}
	}
	if len(attrs) == 0 {
		t.Fatalf("no attrs")
	}
	restart := RequiresRestart(changed)
	if len(restart) != 2 {
		t.Fatalf("RequiresRestart = %v, want telegram and storage", restart)
	}
}
