// Package scheduler evaluates every stored reminder against the current
// instant, delivers the due ones and retires or reschedules them.
//
// A poll works on a transient snapshot from the store. Transitions are
// computed for the whole snapshot first and only then applied, so
// evaluation never observes its own mutations.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"remindbot/internal/eventbus"
	"remindbot/internal/notifier"
	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

// Store is the part of storage.ReminderStore the scheduler needs.
type Store interface {
	FetchAll(ctx context.Context) ([]reminder.Reminder, error)
	Delete(ctx context.Context, ownerID, label string) error
	Reschedule(ctx context.Context, ownerID, label string, next, firedAt time.Time) (bool, error)
}

type Config struct {
	Policy          Policy
	CatchUpWindow   time.Duration
	DeliveryTimeout time.Duration
	Concurrency     int
}

func (c Config) withDefaults() Config {
	if c.Policy == "" {
		c.Policy = PolicyExactMinute
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 10 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	return c
}

// Result summarizes one poll.
type Result struct {
	TickID    string        `json:"tick_id"`
	Now       time.Time     `json:"now"`
	Evaluated int           `json:"evaluated"`
	Due       int           `json:"due"`
	Stale     int           `json:"stale"`
	Fired     int           `json:"fired"`
	Failed    int           `json:"failed"`
	Applied   int           `json:"applied"`
	Duration  time.Duration `json:"duration"`
}

// Delivery is published for every attempted delivery.
type Delivery struct {
	TickID string    `json:"tick_id"`
	Owner  string    `json:"owner"`
	Task   string    `json:"task"`
	FireAt time.Time `json:"fire_at"`
	Error  string    `json:"error,omitempty"`
}

type Scheduler struct {
	store    Store
	notifier notifier.Notifier
	log      logx.Logger
	bus      eventbus.Bus

	mu  sync.RWMutex
	cfg Config

	ticks  atomic.Uint64
	fired  atomic.Uint64
	failed atomic.Uint64
	errs   atomic.Uint64

	lastMu   sync.Mutex
	last     Result
	lastErr  string
	lastErrT time.Time
}

func New(store Store, n notifier.Notifier, cfg Config, log logx.Logger, bus eventbus.Bus) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Scheduler{
		store:    store,
		notifier: n,
		log:      log.With(logx.String("comp", "scheduler")),
		bus:      bus,
		cfg:      cfg.withDefaults(),
	}
}

// Apply replaces the evaluation settings. The next poll picks them up.
func (s *Scheduler) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Scheduler) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

type dueItem struct {
	r   reminder.Reminder
	loc *time.Location
	tr  Transition
	// deliver is false for stale reminders.
	deliver bool
	err     error
}

// PollOnce runs one evaluation pass at now.
//
// A store fetch error aborts the pass before anything is delivered.
// Delivery failures are counted but never block a transition. The first
// transition that fails to apply stops the remaining ones and is returned.
func (s *Scheduler) PollOnce(ctx context.Context, now time.Time) (Result, error) {
	start := time.Now()
	cfg := s.Config()
	now = now.UTC()
	res := Result{TickID: uuid.NewString(), Now: now}
	log := s.log.With(logx.String("tick", res.TickID))
	s.ticks.Add(1)

	all, err := s.store.FetchAll(ctx)
	if err != nil {
		err = fmt.Errorf("fetch reminders: %w", err)
		return s.finish(log, res, start, err)
	}
	res.Evaluated = len(all)

	var items []*dueItem
	for _, r := range all {
		loc := r.Location()
		switch Evaluate(r, loc, now, cfg.Policy, cfg.CatchUpWindow) {
		case Due:
			items = append(items, &dueItem{r: r, loc: loc, deliver: true})
			res.Due++
		case Stale:
			items = append(items, &dueItem{r: r, loc: loc})
			res.Stale++
			log.Warn("daily reminder missed its catch-up window",
				logx.String("owner", r.OwnerID), logx.String("task", r.Label), logx.Time("fire_at", r.FireAt))
		}
	}

	s.deliverAll(ctx, cfg, res.TickID, items)
	for _, it := range items {
		if !it.deliver {
			continue
		}
		if it.err != nil {
			res.Failed++
		} else {
			res.Fired++
		}
	}

	for _, it := range items {
		it.tr = Plan(it.r, it.loc, now)
	}
	for _, it := range items {
		if err := s.apply(ctx, it.tr, now); err != nil {
			err = fmt.Errorf("apply %s: %w", it.tr.Key, err)
			return s.finish(log, res, start, err)
		}
		res.Applied++
	}
	return s.finish(log, res, start, nil)
}

func (s *Scheduler) deliverAll(ctx context.Context, cfg Config, tickID string, items []*dueItem) {
	sem := make(chan struct{}, cfg.Concurrency)
	var wg sync.WaitGroup
	for _, it := range items {
		if !it.deliver {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(it *dueItem) {
			defer wg.Done()
			defer func() { <-sem }()

			dctx, cancel := context.WithTimeout(ctx, cfg.DeliveryTimeout)
			defer cancel()
			it.err = notifier.SafeDeliver(dctx, s.notifier, it.r.OwnerID, reminder.NewMessage(it.r))

			d := Delivery{TickID: tickID, Owner: it.r.OwnerID, Task: it.r.Label, FireAt: it.r.FireAt}
			if it.err != nil {
				d.Error = it.err.Error()
				s.failed.Add(1)
				s.bus.Publish(eventbus.Event{Type: eventbus.ReminderFailed, Data: d})
				s.log.Warn("reminder delivery failed",
					logx.String("tick", tickID), logx.String("owner", d.Owner), logx.String("task", d.Task), logx.Err(it.err))
				return
			}
			s.fired.Add(1)
			s.bus.Publish(eventbus.Event{Type: eventbus.ReminderFired, Data: d})
		}(it)
	}
	wg.Wait()
}

func (s *Scheduler) apply(ctx context.Context, tr Transition, now time.Time) error {
	if tr.Delete {
		return s.store.Delete(ctx, tr.Key.OwnerID, tr.Key.Label)
	}
	ok, err := s.store.Reschedule(ctx, tr.Key.OwnerID, tr.Key.Label, tr.Next, now)
	if err != nil {
		return err
	}
	if !ok {
		s.log.Debug("reminder removed before reschedule", logx.String("key", tr.Key.String()))
	}
	return nil
}

func (s *Scheduler) finish(log logx.Logger, res Result, start time.Time, err error) (Result, error) {
	res.Duration = time.Since(start)
	s.lastMu.Lock()
	s.last = res
	if err != nil {
		s.lastErr = err.Error()
		s.lastErrT = res.Now
	}
	s.lastMu.Unlock()

	if err != nil {
		s.errs.Add(1)
		log.Error("poll failed", logx.Err(err), logx.Int("applied", res.Applied))
		s.bus.Publish(eventbus.Event{Type: eventbus.SchedulerError, Data: res})
		return res, err
	}
	fields := []logx.Field{
		logx.Int("evaluated", res.Evaluated),
		logx.Int("due", res.Due),
		logx.Int("fired", res.Fired),
		logx.Int("failed", res.Failed),
		logx.Duration("took", res.Duration),
	}
	if res.Due > 0 || res.Stale > 0 {
		log.Info("poll done", fields...)
	} else {
		log.Debug("poll done", fields...)
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.SchedulerTick, Data: res})
	return res, nil
}

// Stats is a point-in-time view of scheduler counters.
type Stats struct {
	Policy      Policy    `json:"policy"`
	Ticks       uint64    `json:"ticks"`
	Fired       uint64    `json:"fired"`
	Failed      uint64    `json:"failed"`
	Errors      uint64    `json:"errors"`
	LastTick    Result    `json:"last_tick"`
	LastError   string    `json:"last_error,omitempty"`
	LastErrorAt time.Time `json:"last_error_at,omitempty"`
}

func (s *Scheduler) Snapshot() Stats {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	return Stats{
		Policy:      s.Config().Policy,
		Ticks:       s.ticks.Load(),
		Fired:       s.fired.Load(),
		Failed:      s.failed.Load(),
		Errors:      s.errs.Load(),
		LastTick:    s.last,
		LastError:   s.lastErr,
		LastErrorAt: s.lastErrT,
	}
}
