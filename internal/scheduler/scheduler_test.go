package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"remindbot/internal/eventbus"
	"remindbot/internal/notifier"
	"remindbot/internal/reminder"
	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

type recorder struct {
	mu   sync.Mutex
	got  []reminder.Message
	fail map[string]error
}

func (r *recorder) Deliver(_ context.Context, owner string, msg reminder.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, msg)
	if err := r.fail[msg.Label]; err != nil {
		return err
	}
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func utc(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func newFixture(t *testing.T, cfg Config, rs ...reminder.Reminder) (*Scheduler, *storage.Memory, *recorder) {
	t.Helper()
	st := storage.NewMemory()
	for _, r := range rs {
		if err := st.Upsert(context.Background(), r); err != nil {
			t.Fatalf("Upsert(%s): %v", r.Label, err)
		}
	}
	rec := &recorder{fail: map[string]error{}}
	return New(st, rec, cfg, logx.Nop(), nil), st, rec
}

func once(owner, label, at string) reminder.Reminder {
	return reminder.Reminder{OwnerID: owner, Label: label, Recurrence: reminder.Once, FireAt: utc(at), Timezone: "UTC"}
}

func daily(owner, label, at, tz, local string) reminder.Reminder {
	return reminder.Reminder{OwnerID: owner, Label: label, Recurrence: reminder.Daily, FireAt: utc(at), Timezone: tz, LocalTime: local}
}

func poll(t *testing.T, s *Scheduler, now string) Result {
	t.Helper()
	res, err := s.PollOnce(context.Background(), utc(now))
	if err != nil {
		t.Fatalf("PollOnce(%s): %v", now, err)
	}
	return res
}

func TestOnceFiresExactlyOnce(t *testing.T) {
	t.Parallel()
	s, st, rec := newFixture(t, Config{}, once("1", "standup", "2025-03-01T10:00:00Z"))

	if res := poll(t, s, "2025-03-01T09:59:00Z"); res.Due != 0 || rec.count() != 0 {
		t.Fatalf("early poll: due = %d, delivered = %d, want 0", res.Due, rec.count())
	}
	res := poll(t, s, "2025-03-01T10:00:00Z")
	if res.Fired != 1 || res.Applied != 1 {
		t.Fatalf("on-time poll = %+v, want 1 fired and applied", res)
	}
	all, _ := st.FetchAll(context.Background())
	if len(all) != 0 {
		t.Fatalf("store after fire = %v, want empty", all)
	}
	poll(t, s, "2025-03-01T10:05:00Z")
	if rec.count() != 1 {
		t.Fatalf("deliveries = %d, want 1", rec.count())
	}
}

func TestDailyNewYorkAcrossDays(t *testing.T) {
	t.Parallel()
	s, st, rec := newFixture(t, Config{}, daily("1", "meds", "2025-06-10T13:00:00Z", "America/New_York", "09:00"))

	poll(t, s, "2025-06-10T13:00:00Z")
	first, _ := st.List(context.Background(), "1")
	poll(t, s, "2025-06-11T13:00:00Z")
	second, _ := st.List(context.Background(), "1")

	if rec.count() != 2 {
		t.Fatalf("deliveries = %d, want 2", rec.count())
	}
	if got := second[0].FireAt.Sub(first[0].FireAt); got != 24*time.Hour {
		t.Fatalf("gap between fire times = %v, want 24h", got)
	}
	if !second[0].LastFiredAt.Equal(utc("2025-06-11T13:00:00Z")) {
		t.Fatalf("LastFiredAt = %v", second[0].LastFiredAt)
	}
}

func TestDailyAdvanceAcrossDST(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		fire string
		next string
	}{
		{"spring forward", "2025-03-08T14:00:00Z", "2025-03-09T13:00:00Z"},
		{"fall back", "2025-11-01T13:00:00Z", "2025-11-02T14:00:00Z"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s, st, _ := newFixture(t, Config{}, daily("1", "meds", tc.fire, "America/New_York", "09:00"))
			res := poll(t, s, tc.fire)
			if res.Fired != 1 {
				t.Fatalf("Fired = %d, want 1", res.Fired)
			}
			rs, _ := st.List(context.Background(), "1")
			if !rs[0].FireAt.Equal(utc(tc.next)) {
				t.Fatalf("next FireAt = %v, want %v", rs[0].FireAt, tc.next)
			}
		})
	}
}

func TestNoFireBeforeDue(t *testing.T) {
	t.Parallel()
	s, _, rec := newFixture(t, Config{},
		once("1", "later", "2025-03-01T10:00:01Z"),
		daily("1", "daily", "2025-03-01T11:00:00Z", "UTC", "11:00"),
	)
	for _, now := range []string{"2025-03-01T10:00:00Z", "2025-03-01T10:59:59Z", "2025-03-01T09:00:00Z"} {
		if res := poll(t, s, now); res.Due != 0 {
			t.Fatalf("PollOnce(%s) due = %d, want 0", now, res.Due)
		}
	}
	if rec.count() != 0 {
		t.Fatalf("deliveries = %d, want 0", rec.count())
	}
}

func TestExactMinuteDoesNotRefireWithinMinute(t *testing.T) {
	t.Parallel()
	s, st, rec := newFixture(t, Config{}, daily("1", "tea", "2025-03-01T09:00:00Z", "UTC", "09:00"))

	poll(t, s, "2025-03-01T09:00:10Z")
	poll(t, s, "2025-03-01T09:00:40Z")
	if rec.count() != 1 {
		t.Fatalf("deliveries = %d, want 1", rec.count())
	}
	rs, _ := st.List(context.Background(), "1")
	if want := utc("2025-03-02T09:00:00Z"); !rs[0].FireAt.Equal(want) {
		t.Fatalf("FireAt = %v, want %v", rs[0].FireAt, want)
	}
}

func TestExactMinuteStaleReminder(t *testing.T) {
	t.Parallel()
	// Left behind yesterday; matches again only at its wall-clock minute.
	s, st, rec := newFixture(t, Config{}, daily("1", "tea", "2025-03-01T09:00:00Z", "UTC", "09:00"))

	if res := poll(t, s, "2025-03-02T09:05:00Z"); res.Due != 0 {
		t.Fatalf("off-minute poll due = %d, want 0", res.Due)
	}
	if res := poll(t, s, "2025-03-03T09:00:30Z"); res.Fired != 1 {
		t.Fatalf("on-minute poll fired = %d, want 1", res.Fired)
	}
	rs, _ := st.List(context.Background(), "1")
	if want := utc("2025-03-04T09:00:00Z"); !rs[0].FireAt.Equal(want) {
		t.Fatalf("FireAt = %v, want %v", rs[0].FireAt, want)
	}
	if rec.count() != 1 {
		t.Fatalf("deliveries = %d, want 1", rec.count())
	}
}

func TestCatchUpPolicy(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name      string
		window    time.Duration
		now       string
		wantFired int
		wantStale int
	}{
		{"late tick fires", 0, "2025-03-01T09:07:00Z", 1, 0},
		{"within window", 10 * time.Minute, "2025-03-01T09:07:00Z", 1, 0},
		{"beyond window", time.Minute, "2025-03-01T09:07:00Z", 0, 1},
		{"not yet", 0, "2025-03-01T08:59:59Z", 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := Config{Policy: PolicyCatchUp, CatchUpWindow: tc.window}
			s, st, rec := newFixture(t, cfg, daily("1", "tea", "2025-03-01T09:00:00Z", "UTC", "09:00"))
			res := poll(t, s, tc.now)
			if res.Fired != tc.wantFired || res.Stale != tc.wantStale {
				t.Fatalf("result = %+v, want fired %d stale %d", res, tc.wantFired, tc.wantStale)
			}
			if rec.count() != tc.wantFired {
				t.Fatalf("deliveries = %d, want %d", rec.count(), tc.wantFired)
			}
			rs, _ := st.List(context.Background(), "1")
			moved := rs[0].FireAt.Equal(utc("2025-03-02T09:00:00Z"))
			if moved != (tc.wantFired+tc.wantStale > 0) {
				t.Fatalf("FireAt = %v after %s", rs[0].FireAt, tc.name)
			}
		})
	}
}

func TestPartialFailureIsolation(t *testing.T) {
	t.Parallel()
	s, st, rec := newFixture(t, Config{},
		once("1", "a", "2025-03-01T10:00:00Z"),
		once("2", "b", "2025-03-01T10:00:00Z"),
		daily("3", "c", "2025-03-01T10:00:00Z", "UTC", "10:00"),
	)
	rec.fail["a"] = errors.New("chat not found")

	res := poll(t, s, "2025-03-01T10:00:00Z")
	if res.Due != 3 || res.Fired != 2 || res.Failed != 1 || res.Applied != 3 {
		t.Fatalf("result = %+v, want due 3 fired 2 failed 1 applied 3", res)
	}
	all, _ := st.FetchAll(context.Background())
	if len(all) != 1 || all[0].Label != "c" {
		t.Fatalf("remaining = %v, want only daily c", all)
	}
	if snap := s.Snapshot(); snap.Fired != 2 || snap.Failed != 1 || snap.Ticks != 1 {
		t.Fatalf("Snapshot() = %+v", snap)
	}
}

func TestPanicAndTimeoutCountAsFailures(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	ctx := context.Background()
	_ = st.Upsert(ctx, once("1", "panics", "2025-03-01T10:00:00Z"))
	_ = st.Upsert(ctx, once("1", "hangs", "2025-03-01T10:00:00Z"))

	n := notifier.Func(func(ctx context.Context, _ string, m reminder.Message) error {
		if m.Label == "panics" {
			panic("boom")
		}
		<-ctx.Done()
		return ctx.Err()
	})
	s := New(st, n, Config{DeliveryTimeout: 20 * time.Millisecond}, logx.Nop(), nil)
	res, err := s.PollOnce(ctx, utc("2025-03-01T10:00:00Z"))
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if res.Failed != 2 || res.Applied != 2 {
		t.Fatalf("result = %+v, want 2 failed and 2 applied", res)
	}
}

type brokenStore struct {
	*storage.Memory
	fetchErr  error
	deleteErr error
}

func (b brokenStore) FetchAll(ctx context.Context) ([]reminder.Reminder, error) {
	if b.fetchErr != nil {
		return nil, b.fetchErr
	}
	return b.Memory.FetchAll(ctx)
}

func (b brokenStore) Delete(ctx context.Context, owner, label string) error {
	if b.deleteErr != nil {
		return b.deleteErr
	}
	return b.Memory.Delete(ctx, owner, label)
}

func TestFetchErrorAbortsPoll(t *testing.T) {
	t.Parallel()
	mem := storage.NewMemory()
	_ = mem.Upsert(context.Background(), once("1", "a", "2025-03-01T10:00:00Z"))
	rec := &recorder{}
	boom := errors.New("db down")
	s := New(brokenStore{Memory: mem, fetchErr: boom}, rec, Config{}, logx.Nop(), nil)

	_, err := s.PollOnce(context.Background(), utc("2025-03-01T10:00:00Z"))
	if !errors.Is(err, boom) {
		t.Fatalf("PollOnce err = %v, want %v", err, boom)
	}
	if rec.count() != 0 {
		t.Fatalf("deliveries = %d, want 0", rec.count())
	}
	if snap := s.Snapshot(); snap.Errors != 1 || snap.LastError == "" {
		t.Fatalf("Snapshot() = %+v", snap)
	}
}

func TestApplyErrorStopsRemainingTransitions(t *testing.T) {
	t.Parallel()
	mem := storage.NewMemory()
	ctx := context.Background()
	_ = mem.Upsert(ctx, daily("1", "a", "2025-03-01T10:00:00Z", "UTC", "10:00"))
	_ = mem.Upsert(ctx, once("1", "b", "2025-03-01T10:00:00Z"))
	_ = mem.Upsert(ctx, daily("1", "c", "2025-03-01T10:00:00Z", "UTC", "10:00"))
	boom := errors.New("read-only")
	s := New(brokenStore{Memory: mem, deleteErr: boom}, &recorder{}, Config{}, logx.Nop(), nil)

	res, err := s.PollOnce(ctx, utc("2025-03-01T10:00:00Z"))
	if !errors.Is(err, boom) {
		t.Fatalf("PollOnce err = %v, want %v", err, boom)
	}
	if res.Fired != 3 || res.Applied != 1 {
		t.Fatalf("result = %+v, want fired 3 applied 1", res)
	}
	rs, _ := mem.List(ctx, "1")
	if !rs[2].FireAt.Equal(utc("2025-03-01T10:00:00Z")) {
		t.Fatalf("c was rescheduled after the failed transition: %v", rs[2].FireAt)
	}
}

func TestPollPublishesEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	st := storage.NewMemory()
	_ = st.Upsert(context.Background(), once("1", "a", "2025-03-01T10:00:00Z"))
	s := New(st, &recorder{}, Config{}, logx.Nop(), bus)
	poll(t, s, "2025-03-01T10:00:00Z")

	var types []string
	for len(ch) > 0 {
		types = append(types, (<-ch).Type)
	}
	if len(types) != 2 || types[0] != eventbus.ReminderFired || types[1] != eventbus.SchedulerTick {
		t.Fatalf("events = %v", types)
	}
}

func TestParsePolicy(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]Policy{"": PolicyExactMinute, "CATCH_UP": PolicyCatchUp, "exact_minute": PolicyExactMinute} {
		got, err := ParsePolicy(in)
		if err != nil || got != want {
			t.Fatalf("ParsePolicy(%q) = %q, %v, want %q", in, got, err, want)
		}
	}
	if _, err := ParsePolicy("hourly"); err == nil {
		t.Fatalf("ParsePolicy(hourly) = nil error")
	}
}
