package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

var base = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func sample(owner, label string, rec reminder.Recurrence, fire time.Time) reminder.Reminder {
	return reminder.Reminder{
		OwnerID:    owner,
		Label:      label,
		Recurrence: rec,
		FireAt:     fire,
		Timezone:   "UTC",
		LocalTime:  fire.UTC().Format("15:04"),
		CreatedAt:  base.Add(-time.Hour),
	}
}

// runConformance exercises the ReminderStore contract against one driver.
func runConformance(t *testing.T, open func(t *testing.T) ReminderStore) {
	ctx := context.Background()

	t.Run("upsert fetch order", func(t *testing.T) {
		st := open(t)
		for _, r := range []reminder.Reminder{
			sample("200", "b", reminder.Once, base),
			sample("100", "z", reminder.Daily, base),
			sample("100", "a", reminder.Once, base.Add(time.Hour)),
		} {
			if err := st.Upsert(ctx, r); err != nil {
				t.Fatalf("Upsert(%s): %v", r.Key(), err)
			}
		}
		all, err := st.FetchAll(ctx)
		if err != nil {
			t.Fatalf("FetchAll: %v", err)
		}
		var keys []string
		for _, r := range all {
			keys = append(keys, r.Key().String())
		}
		want := []string{"100/a", "100/z", "200/b"}
		if fmt.Sprint(keys) != fmt.Sprint(want) {
			t.Fatalf("FetchAll keys = %v, want %v", keys, want)
		}
		if !all[0].FireAt.Equal(base.Add(time.Hour)) || all[0].FireAt.Location() != time.UTC {
			t.Fatalf("FireAt = %v, want %v in UTC", all[0].FireAt, base.Add(time.Hour))
		}
		if all[1].Recurrence != reminder.Daily || all[1].LocalTime != "10:00" {
			t.Fatalf("daily round trip = %+v", all[1])
		}
	})

	t.Run("upsert overwrites label", func(t *testing.T) {
		st := open(t)
		_ = st.Upsert(ctx, sample("1", "stretch", reminder.Once, base))
		if err := st.Upsert(ctx, sample("1", "stretch", reminder.Daily, base.Add(2*time.Hour))); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
		list, err := st.List(ctx, "1")
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(list) != 1 || list[0].Recurrence != reminder.Daily || !list[0].FireAt.Equal(base.Add(2*time.Hour)) {
			t.Fatalf("List = %+v, want one overwritten daily reminder", list)
		}
	})

	t.Run("upsert rejects invalid", func(t *testing.T) {
		st := open(t)
		bad := sample("1", "", reminder.Once, base)
		if err := st.Upsert(ctx, bad); !reminder.IsValidation(err) {
			t.Fatalf("Upsert(empty label) = %v, want validation error", err)
		}
	})

	t.Run("delete idempotent", func(t *testing.T) {
		st := open(t)
		_ = st.Upsert(ctx, sample("1", "a", reminder.Once, base))
		_ = st.Upsert(ctx, sample("1", "b", reminder.Once, base))
		for i := 0; i < 2; i++ {
			if err := st.Delete(ctx, "1", "a"); err != nil {
				t.Fatalf("Delete #%d: %v", i, err)
			}
		}
		if err := st.Delete(ctx, "nobody", "nothing"); err != nil {
			t.Fatalf("Delete(missing owner): %v", err)
		}
		list, _ := st.List(ctx, "1")
		if len(list) != 1 || list[0].Label != "b" {
			t.Fatalf("List after delete = %+v, want only b", list)
		}
	})

	t.Run("reschedule", func(t *testing.T) {
		st := open(t)
		_ = st.Upsert(ctx, sample("1", "daily", reminder.Daily, base))
		next := base.Add(24 * time.Hour)
		ok, err := st.Reschedule(ctx, "1", "daily", next, base)
		if err != nil || !ok {
			t.Fatalf("Reschedule = (%v, %v), want (true, nil)", ok, err)
		}
		list, _ := st.List(ctx, "1")
		if len(list) != 1 || !list[0].FireAt.Equal(next) || !list[0].LastFiredAt.Equal(base) {
			t.Fatalf("after Reschedule = %+v", list)
		}
		if list[0].LocalTime != "10:00" || list[0].Recurrence != reminder.Daily {
			t.Fatalf("Reschedule clobbered fields: %+v", list[0])
		}

		ok, err = st.Reschedule(ctx, "1", "gone", next, base)
		if err != nil || ok {
			t.Fatalf("Reschedule(missing) = (%v, %v), want (false, nil)", ok, err)
		}
		all, _ := st.FetchAll(ctx)
		if len(all) != 1 {
			t.Fatalf("Reschedule(missing) created a reminder: %+v", all)
		}
	})

	t.Run("timezone", func(t *testing.T) {
		st := open(t)
		tz, err := st.GetTimezone(ctx, "1")
		if err != nil || tz != "" {
			t.Fatalf("GetTimezone(unset) = (%q, %v), want empty", tz, err)
		}
		if err := st.SetTimezone(ctx, "1", "America/New_York"); err != nil {
			t.Fatalf("SetTimezone: %v", err)
		}
		if err := st.SetTimezone(ctx, "1", "Europe/Berlin"); err != nil {
			t.Fatalf("SetTimezone again: %v", err)
		}
		tz, _ = st.GetTimezone(ctx, "1")
		if tz != "Europe/Berlin" {
			t.Fatalf("GetTimezone = %q, want Europe/Berlin", tz)
		}
		all, _ := st.FetchAll(ctx)
		if len(all) != 0 {
			t.Fatalf("timezone-only owner produced reminders: %+v", all)
		}
	})

	t.Run("concurrent writes same owner", func(t *testing.T) {
		st := open(t)
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if err := st.Upsert(ctx, sample("1", fmt.Sprintf("task-%02d", i), reminder.Once, base)); err != nil {
					t.Errorf("Upsert %d: %v", i, err)
				}
			}(i)
		}
		wg.Wait()
		list, err := st.List(ctx, "1")
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(list) != 20 {
			t.Fatalf("List len = %d, want 20", len(list))
		}
	})
}

func TestMemoryStore(t *testing.T) {
	runConformance(t, func(t *testing.T) ReminderStore {
		st := NewMemory()
		t.Cleanup(func() { _ = st.Close() })
		return st
	})
}

func TestFileStore(t *testing.T) {
	runConformance(t, func(t *testing.T) ReminderStore {
		st, err := Open(context.Background(), Config{Driver: "file", Path: filepath.Join(t.TempDir(), "reminders")}, logx.Nop())
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		t.Cleanup(func() { _ = st.Close() })
		return st
	})
}

func TestSQLiteStore(t *testing.T) {
	runConformance(t, func(t *testing.T) ReminderStore {
		st, err := Open(context.Background(), Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "r.db")}, logx.Nop())
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		t.Cleanup(func() { _ = st.Close() })
		return st
	})
}

// External backends run only when a DSN is provided, e.g.
// REMINDBOT_TEST_POSTGRES_DSN=postgres://localhost/remindbot_test.
func TestExternalStores(t *testing.T) {
	for _, tc := range []struct{ driver, env string }{
		{"postgres", "REMINDBOT_TEST_POSTGRES_DSN"},
		{"redis", "REMINDBOT_TEST_REDIS_DSN"},
		{"mongo", "REMINDBOT_TEST_MONGO_DSN"},
	} {
		t.Run(tc.driver, func(t *testing.T) {
			dsn := os.Getenv(tc.env)
			if dsn == "" {
				t.Skipf("%s not set", tc.env)
			}
			n := 0
			runConformance(t, func(t *testing.T) ReminderStore {
				n++
				cfg := Config{
					Driver:    tc.driver,
					DSN:       dsn,
					Database:  fmt.Sprintf("remindbot_test_%d_%d", time.Now().UnixNano(), n),
					KeyPrefix: fmt.Sprintf("remindbot_test:%d:%d:", time.Now().UnixNano(), n),
				}
				st, err := Open(context.Background(), cfg, logx.Nop())
				if err != nil {
					t.Fatalf("Open: %v", err)
				}
				if tc.driver == "postgres" {
					wipePostgres(t, st)
				}
				t.Cleanup(func() { _ = st.Close() })
				return st
			})
		})
	}
}

func TestRedisDeleteDropsEmptyOwner(t *testing.T) {
	dsn := os.Getenv("REMINDBOT_TEST_REDIS_DSN")
	if dsn == "" {
		t.Skip("REMINDBOT_TEST_REDIS_DSN not set")
	}
	ctx := context.Background()
	st, err := Open(ctx, Config{Driver: "redis", DSN: dsn, KeyPrefix: fmt.Sprintf("remindbot_test:%d:", time.Now().UnixNano())}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	rs := st.(*redisStore)

	_ = st.Upsert(ctx, sample("1", "a", reminder.Once, base))
	_ = st.Upsert(ctx, sample("1", "b", reminder.Once, base))
	if err := st.Delete(ctx, "1", "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ok, _ := rs.rdb.SIsMember(ctx, rs.ownersKey(), "1").Result(); !ok {
		t.Fatalf("owner dropped while a reminder remains")
	}
	if err := st.Delete(ctx, "1", "b"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ok, _ := rs.rdb.SIsMember(ctx, rs.ownersKey(), "1").Result(); ok {
		t.Fatalf("owner still in owners set after last reminder was deleted")
	}
}

func wipePostgres(t *testing.T, st ReminderStore) {
	t.Helper()
	pg := st.(*postgresStore)
	if _, err := pg.pool.Exec(context.Background(), `TRUNCATE reminders, owners`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
}

func TestReopenPersists(t *testing.T) {
	ctx := context.Background()
	for _, cfg := range []Config{
		{Driver: "file", Path: filepath.Join(t.TempDir(), "reminders")},
		{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "r.db")},
	} {
		t.Run(cfg.Driver, func(t *testing.T) {
			st, err := Open(ctx, cfg, logx.Nop())
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			_ = st.Upsert(ctx, sample("1", "a", reminder.Once, base))
			_ = st.Upsert(ctx, sample("1", "b", reminder.Daily, base))
			_ = st.Delete(ctx, "1", "a")
			_, _ = st.Reschedule(ctx, "1", "b", base.Add(24*time.Hour), base)
			_ = st.SetTimezone(ctx, "1", "Asia/Tokyo")
			if err := st.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			st, err = Open(ctx, cfg, logx.Nop())
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			defer st.Close()
			all, _ := st.FetchAll(ctx)
			if len(all) != 1 || all[0].Label != "b" || !all[0].FireAt.Equal(base.Add(24*time.Hour)) {
				t.Fatalf("after reopen = %+v", all)
			}
			if tz, _ := st.GetTimezone(ctx, "1"); tz != "Asia/Tokyo" {
				t.Fatalf("timezone after reopen = %q", tz)
			}
		})
	}
}

func TestFileStoreReplaysJournalWithoutClose(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reminders")
	st, err := openFile(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("openFile: %v", err)
	}
	_ = st.Upsert(ctx, sample("1", "a", reminder.Once, base))
	_ = st.SetTimezone(ctx, "1", "Europe/Paris")

	// Simulate a crash: a torn trailing line and no compaction.
	fs := st.(*fileStore)
	_, _ = fs.journal.WriteString(`{"op":"upsert","owner":"1","rem`)
	_ = fs.journal.Close()
	fs.journal = nil

	st2, err := openFile(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	list, _ := st2.List(ctx, "1")
	if len(list) != 1 || list[0].Label != "a" {
		t.Fatalf("List after replay = %+v", list)
	}
	if tz, _ := st2.GetTimezone(ctx, "1"); tz != "Europe/Paris" {
		t.Fatalf("timezone after replay = %q", tz)
	}
}

func TestFileStoreCompactionKeepsTriggeringWrite(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name string
		last func(st ReminderStore) error
		want int
	}{
		{"upsert", func(st ReminderStore) error {
			return st.Upsert(ctx, sample("1", fmt.Sprintf("task-%d", compactEvery-1), reminder.Once, base))
		}, compactEvery},
		{"delete", func(st ReminderStore) error {
			return st.Delete(ctx, "1", "task-0")
		}, compactEvery - 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "reminders")
			st, err := openFile(Config{Path: path}, logx.Nop())
			if err != nil {
				t.Fatalf("openFile: %v", err)
			}
			for i := 0; i < compactEvery-1; i++ {
				if err := st.Upsert(ctx, sample("1", fmt.Sprintf("task-%d", i), reminder.Once, base)); err != nil {
					t.Fatalf("Upsert %d: %v", i, err)
				}
			}
			if err := tc.last(st); err != nil {
				t.Fatalf("last write: %v", err)
			}

			// Crash right after the compacting write.
			fs := st.(*fileStore)
			_ = fs.journal.Close()
			fs.journal = nil

			st2, err := openFile(Config{Path: path}, logx.Nop())
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			defer st2.Close()
			list, _ := st2.List(ctx, "1")
			if len(list) != tc.want {
				t.Fatalf("reminders after reopen = %d, want %d", len(list), tc.want)
			}
			if tc.name == "delete" {
				for _, r := range list {
					if r.Label == "task-0" {
						t.Fatalf("deleted reminder came back after reopen")
					}
				}
			}
		})
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "etcd"}, logx.Nop())
	if !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("Open(etcd) = %v, want ErrUnknownDriver", err)
	}
}

func TestClosedMemoryStore(t *testing.T) {
	st := NewMemory()
	_ = st.Close()
	if _, err := st.FetchAll(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("FetchAll after Close = %v, want ErrClosed", err)
	}
}
