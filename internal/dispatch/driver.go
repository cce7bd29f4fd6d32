// Package dispatch drives the scheduler: it waits for the transport to be
// ready, then polls on a fixed interval or a cron schedule until stopped.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"remindbot/internal/clock"
	"remindbot/internal/eventbus"
	"remindbot/internal/runtime/supervisor"
	"remindbot/internal/scheduler"
	logx "remindbot/pkg/logx"
)

var (
	ErrReadyTimeout   = errors.New("dispatch: transport not ready before timeout")
	ErrAlreadyStarted = errors.New("dispatch: driver already started")
	ErrInvalidConfig  = errors.New("dispatch: invalid config")
)

type State int32

const (
	NotStarted State = iota
	WaitingForReady
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case WaitingForReady:
		return "waiting_for_ready"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Poller is what the driver invokes on every tick.
type Poller interface {
	PollOnce(ctx context.Context, now time.Time) (scheduler.Result, error)
}

type Config struct {
	Interval time.Duration
	// Cron, when set, replaces Interval. Seconds are optional.
	Cron         string
	ReadyTimeout time.Duration
}

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateCron parses a cron expression the way the driver does.
func ValidateCron(spec string) error {
	_, err := cronParser.Parse(spec)
	return err
}

type Deps struct {
	Poller Poller
	Clock  clock.Clock
	// Ready is closed once deliveries can be made. Nil means ready at once.
	Ready      <-chan struct{}
	Log        logx.Logger
	Bus        eventbus.Bus
	Supervisor *supervisor.Supervisor
}

type Driver struct {
	poller Poller
	clk    clock.Clock
	ready  <-chan struct{}
	log    logx.Logger
	bus    eventbus.Bus
	sup    *supervisor.Supervisor

	state atomic.Int32
	busy  atomic.Bool

	ticks   atomic.Uint64
	skipped atomic.Uint64
	failed  atomic.Uint64

	mu       sync.Mutex
	cfg      Config
	schedule cron.Schedule
	retune   chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
	inflight sync.WaitGroup
	err      error
}

func New(cfg Config, deps Deps) (*Driver, error) {
	if deps.Poller == nil {
		return nil, fmt.Errorf("%w: nil poller", ErrInvalidConfig)
	}
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop{}
	}
	d := &Driver{
		poller: deps.Poller,
		clk:    deps.Clock,
		ready:  deps.Ready,
		log:    deps.Log.With(logx.String("comp", "dispatch")),
		bus:    deps.Bus,
		sup:    deps.Supervisor,
		retune: make(chan struct{}, 1),
	}
	if err := d.configure(cfg); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Driver) configure(cfg Config) error {
	var sched cron.Schedule
	if cfg.Cron != "" {
		s, err := cronParser.Parse(cfg.Cron)
		if err != nil {
			return fmt.Errorf("%w: cron %q: %v", ErrInvalidConfig, cfg.Cron, err)
		}
		sched = s
	} else if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	d.mu.Lock()
	d.cfg = cfg
	d.schedule = sched
	d.mu.Unlock()
	return nil
}

func (d *Driver) State() State { return State(d.state.Load()) }

func (d *Driver) setState(s State) {
	if State(d.state.Swap(int32(s))) != s {
		d.log.Info("state changed", logx.String("state", s.String()))
		d.bus.Publish(eventbus.Event{Type: eventbus.DispatchState, Data: s.String()})
	}
}

// Err returns the error that ended the loop, if any.
func (d *Driver) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Start launches the loop. It returns immediately; readiness and polling
// happen in the background.
func (d *Driver) Start(ctx context.Context) error {
	if !d.state.CompareAndSwap(int32(NotStarted), int32(WaitingForReady)) {
		return ErrAlreadyStarted
	}
	d.bus.Publish(eventbus.Event{Type: eventbus.DispatchState, Data: WaitingForReady.String()})

	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.done = make(chan struct{})
	d.mu.Unlock()

	if d.sup != nil {
		d.sup.Go("dispatch.loop", func(supCtx context.Context) error {
			stop := context.AfterFunc(supCtx, cancel)
			defer stop()
			return d.run(ctx)
		})
	} else {
		go func() { _ = d.run(ctx) }()
	}
	return nil
}

// Stop ends the loop and waits for an in-flight poll, bounded by ctx.
func (d *Driver) Stop(ctx context.Context) error {
	prev := State(d.state.Swap(int32(Stopped)))
	if prev == NotStarted || prev == Stopped {
		return nil
	}
	d.bus.Publish(eventbus.Event{Type: eventbus.DispatchState, Data: Stopped.String()})
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.mu.Unlock()
	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	idle := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(idle)
	}()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetInterval changes the fixed interval of a running driver. It has no
// effect while a cron schedule is configured.
func (d *Driver) SetInterval(iv time.Duration) {
	if iv <= 0 {
		return
	}
	d.mu.Lock()
	changed := d.cfg.Interval != iv
	d.cfg.Interval = iv
	d.mu.Unlock()
	if changed {
		select {
		case d.retune <- struct{}{}:
		default:
		}
	}
}

func (d *Driver) run(ctx context.Context) error {
	d.mu.Lock()
	done := d.done
	d.mu.Unlock()
	defer close(done)

	if err := d.waitReady(ctx); err != nil {
		if errors.Is(err, ErrReadyTimeout) {
			d.mu.Lock()
			d.err = err
			d.mu.Unlock()
			d.log.Error("transport never became ready", logx.Err(err))
			d.setState(Stopped)
			return err
		}
		return nil
	}
	if !d.state.CompareAndSwap(int32(WaitingForReady), int32(Running)) {
		return nil
	}
	d.log.Info("state changed", logx.String("state", Running.String()))
	d.bus.Publish(eventbus.Event{Type: eventbus.DispatchState, Data: Running.String()})

	d.tick(ctx)

	tk := d.clk.NewTicker(d.nextDelay())
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.retune:
			tk.Reset(d.nextDelay())
		case <-tk.C():
			if d.cronMode() {
				tk.Reset(d.nextDelay())
			}
			d.tick(ctx)
		}
	}
}

func (d *Driver) waitReady(ctx context.Context) error {
	if d.ready == nil {
		return nil
	}
	select {
	case <-d.ready:
		return nil
	default:
	}
	d.mu.Lock()
	rt := d.cfg.ReadyTimeout
	d.mu.Unlock()

	// The first tick of a clock ticker is the deadline, so a manual clock
	// drives the timeout the same way it drives polls.
	var timeout <-chan time.Time
	if rt > 0 {
		t := d.clk.NewTicker(rt)
		defer t.Stop()
		timeout = t.C()
	}
	select {
	case <-d.ready:
		return nil
	case <-timeout:
		return ErrReadyTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Driver) cronMode() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.schedule != nil
}

// nextDelay is the fixed interval, or the gap to the next cron activation.
func (d *Driver) nextDelay() time.Duration {
	d.mu.Lock()
	sched, iv := d.schedule, d.cfg.Interval
	d.mu.Unlock()
	if sched == nil {
		return iv
	}
	now := d.clk.Now()
	gap := sched.Next(now).Sub(now)
	if gap <= 0 {
		gap = time.Second
	}
	return gap
}

// tick starts one poll unless the previous one is still running.
func (d *Driver) tick(ctx context.Context) {
	if !d.busy.CompareAndSwap(false, true) {
		n := d.skipped.Add(1)
		d.log.Warn("tick skipped, previous poll still running", logx.Int64("skipped", int64(n)))
		d.bus.Publish(eventbus.Event{Type: eventbus.DispatchSkipped, Data: n})
		return
	}
	now := d.clk.Now()
	// A poll in progress finishes its writes even when the loop is stopping.
	pctx := context.WithoutCancel(ctx)
	d.ticks.Add(1)
	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		defer d.busy.Store(false)
		defer func() {
			if r := recover(); r != nil {
				d.failed.Add(1)
				d.log.Error("poll panicked", logx.Any("panic", r), logx.Stack(logx.StackTrace(3, 16)))
			}
		}()
		if _, err := d.poller.PollOnce(pctx, now); err != nil {
			d.failed.Add(1)
		}
	}()
}

type Stats struct {
	State   string `json:"state"`
	Ticks   uint64 `json:"ticks"`
	Skipped uint64 `json:"skipped"`
	Failed  uint64 `json:"failed"`
	Trigger string `json:"trigger"`
}

func (d *Driver) Stats() Stats {
	d.mu.Lock()
	trigger := d.cfg.Interval.String()
	if d.schedule != nil {
		trigger = "cron " + d.cfg.Cron
	}
	d.mu.Unlock()
	return Stats{
		State:   d.State().String(),
		Ticks:   d.ticks.Load(),
		Skipped: d.skipped.Load(),
		Failed:  d.failed.Load(),
		Trigger: trigger,
	}
}
