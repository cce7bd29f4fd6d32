package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"remindbot/internal/clock"
	"remindbot/internal/runtime/supervisor"
	"remindbot/internal/scheduler"
)

type fakePoller struct {
	calls   chan time.Time
	release chan struct{}
	done    atomic.Int32
}

func newFakePoller(blocking bool) *fakePoller {
	p := &fakePoller{calls: make(chan time.Time, 16)}
	if blocking {
		p.release = make(chan struct{})
	}
	return p
}

func (p *fakePoller) PollOnce(_ context.Context, now time.Time) (scheduler.Result, error) {
	p.calls <- now
	if p.release != nil {
		<-p.release
	}
	p.done.Add(1)
	return scheduler.Result{}, nil
}

func (p *fakePoller) next(t *testing.T) time.Time {
	t.Helper()
	select {
	case now := <-p.calls:
		return now
	case <-time.After(2 * time.Second):
		t.Fatalf("no poll within 2s")
		return time.Time{}
	}
}

func (p *fakePoller) none(t *testing.T) {
	t.Helper()
	select {
	case now := <-p.calls:
		t.Fatalf("unexpected poll at %v", now)
	case <-time.After(30 * time.Millisecond):
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

var start = time.Date(2025, 3, 1, 10, 0, 30, 0, time.UTC)

func stop(t *testing.T, d *Driver) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Stop(ctx); err != nil {
		t.Fatalf("Stop() = %v", err)
	}
}

func TestDriverWaitsForReadyThenTicks(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(start)
	p := newFakePoller(false)
	ready := make(chan struct{})
	d, err := New(Config{Interval: time.Minute}, Deps{Poller: p, Clock: clk, Ready: ready})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if d.State() != NotStarted {
		t.Fatalf("State() = %v, want %v", d.State(), NotStarted)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stop(t, d)

	if d.State() != WaitingForReady {
		t.Fatalf("State() = %v, want %v", d.State(), WaitingForReady)
	}
	p.none(t)

	close(ready)
	if got := p.next(t); !got.Equal(start) {
		t.Fatalf("first poll at %v, want %v", got, start)
	}
	waitFor(t, "ticker", func() bool { return clk.Tickers() == 1 })
	if d.State() != Running {
		t.Fatalf("State() = %v, want %v", d.State(), Running)
	}

	waitFor(t, "first poll to finish", func() bool { return p.done.Load() == 1 })
	clk.Advance(time.Minute)
	if got, want := p.next(t), start.Add(time.Minute); !got.Equal(want) {
		t.Fatalf("second poll at %v, want %v", got, want)
	}
}

func TestDriverReadyTimeout(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(start)
	p := newFakePoller(false)
	d, _ := New(Config{ReadyTimeout: time.Minute}, Deps{Poller: p, Clock: clk, Ready: make(chan struct{})})
	_ = d.Start(context.Background())

	waitFor(t, "ready timer", func() bool { return clk.Tickers() == 1 })
	clk.Advance(59 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if d.Err() != nil || d.State() != WaitingForReady {
		t.Fatalf("before deadline: Err() = %v, State() = %v", d.Err(), d.State())
	}
	clk.Advance(time.Second)
	waitFor(t, "ready timeout", func() bool { return d.Err() != nil })
	if !errors.Is(d.Err(), ErrReadyTimeout) {
		t.Fatalf("Err() = %v, want %v", d.Err(), ErrReadyTimeout)
	}
	if d.State() != Stopped {
		t.Fatalf("State() = %v, want %v", d.State(), Stopped)
	}
	p.none(t)
}

func TestDriverReadyTimeoutIsFatalUnderSupervisor(t *testing.T) {
	t.Parallel()
	sup := supervisor.New(context.Background(), supervisor.WithCancelOnError(true))
	clk := clock.NewManual(start)
	d, _ := New(Config{ReadyTimeout: time.Minute}, Deps{
		Poller: newFakePoller(false), Clock: clk, Ready: make(chan struct{}), Supervisor: sup,
	})
	_ = d.Start(sup.Context())
	waitFor(t, "ready timer", func() bool { return clk.Tickers() == 1 })
	clk.Advance(time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Wait(ctx); !errors.Is(err, ErrReadyTimeout) {
		t.Fatalf("supervisor Wait() = %v, want %v", err, ErrReadyTimeout)
	}
}

func TestDriverSkipsWhileBusy(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(start)
	p := newFakePoller(true)
	d, _ := New(Config{Interval: time.Minute}, Deps{Poller: p, Clock: clk})
	_ = d.Start(context.Background())

	p.next(t)
	waitFor(t, "ticker", func() bool { return clk.Tickers() == 1 })
	clk.Advance(time.Minute)
	waitFor(t, "skip", func() bool { return d.Stats().Skipped == 1 })
	p.none(t)

	close(p.release)
	stop(t, d)
	if st := d.Stats(); st.Ticks != 1 || st.State != "stopped" {
		t.Fatalf("Stats() = %+v", st)
	}
}

func TestStopWaitsForInflightPoll(t *testing.T) {
	t.Parallel()
	p := newFakePoller(true)
	d, _ := New(Config{Interval: time.Minute}, Deps{Poller: p, Clock: clock.NewManual(start)})
	_ = d.Start(context.Background())
	p.next(t)

	go func() {
		time.Sleep(30 * time.Millisecond)
		close(p.release)
	}()
	stop(t, d)
	if p.done.Load() != 1 {
		t.Fatalf("Stop returned before the in-flight poll finished")
	}
}

func TestStopTimesOutOnStuckPoll(t *testing.T) {
	t.Parallel()
	p := newFakePoller(true)
	defer close(p.release)
	d, _ := New(Config{Interval: time.Minute}, Deps{Poller: p, Clock: clock.NewManual(start)})
	_ = d.Start(context.Background())
	p.next(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stop() = %v, want deadline exceeded", err)
	}
}

func TestDriverCronSchedule(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(start)
	p := newFakePoller(false)
	d, err := New(Config{Cron: "0 * * * * *"}, Deps{Poller: p, Clock: clk})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_ = d.Start(context.Background())
	defer stop(t, d)

	p.next(t)
	waitFor(t, "ticker", func() bool { return clk.Tickers() == 1 })
	waitFor(t, "first poll to finish", func() bool { return p.done.Load() == 1 })

	clk.Advance(30 * time.Second)
	if got, want := p.next(t), time.Date(2025, 3, 1, 10, 1, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("cron poll at %v, want %v", got, want)
	}
	waitFor(t, "second poll to finish", func() bool { return p.done.Load() == 2 })
	clk.Advance(59 * time.Second)
	p.none(t)
	clk.Advance(time.Second)
	if got, want := p.next(t), time.Date(2025, 3, 1, 10, 2, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("cron poll at %v, want %v", got, want)
	}
}

func TestSetIntervalRetunes(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(start)
	p := newFakePoller(false)
	d, _ := New(Config{Interval: time.Hour}, Deps{Poller: p, Clock: clk})
	_ = d.Start(context.Background())
	defer stop(t, d)
	p.next(t)
	waitFor(t, "ticker", func() bool { return clk.Tickers() == 1 })

	d.SetInterval(10 * time.Second)
	for i := 0; i < 50; i++ {
		time.Sleep(5 * time.Millisecond)
		clk.Advance(10 * time.Second)
		select {
		case got := <-p.calls:
			if got.Sub(start) >= time.Hour {
				t.Fatalf("poll at %v came from the old interval", got)
			}
			if d.Stats().Trigger != "10s" {
				t.Fatalf("Trigger = %q, want 10s", d.Stats().Trigger)
			}
			return
		default:
		}
	}
	t.Fatalf("no poll after SetInterval")
}

func TestDriverStartTwice(t *testing.T) {
	t.Parallel()
	d, _ := New(Config{}, Deps{Poller: newFakePoller(false), Clock: clock.NewManual(start)})
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stop(t, d)
	if err := d.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start() = %v, want %v", err, ErrAlreadyStarted)
	}
}

func TestNewRejectsBadCron(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Cron: "every minute"}, Deps{Poller: newFakePoller(false)}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("New() = %v, want %v", err, ErrInvalidConfig)
	}
	if err := ValidateCron("*/5 * * * *"); err != nil {
		t.Fatalf("ValidateCron: %v", err)
	}
}
