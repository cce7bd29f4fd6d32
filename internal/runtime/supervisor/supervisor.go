// Package supervisor runs named goroutines bound to one context, recovers
// their panics and records the first failure.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logx "remindbot/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	wg       sync.WaitGroup
	started  atomic.Uint64
	active   atomic.Int64
	errOnce  sync.Once
	firstErr atomic.Pointer[error]

	doneOnce sync.Once
	done     chan struct{}

	mu    sync.Mutex
	tasks map[string]*TaskStats
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option { return func(s *Supervisor) { s.log = log } }

// WithCancelOnError cancels the shared context on the first failure.
func WithCancelOnError(enabled bool) Option { return func(s *Supervisor) { s.cancelOnErr = enabled } }

// TaskStats aggregates runs by goroutine name.
type TaskStats struct {
	Name      string        `json:"name"`
	Active    int64         `json:"active"`
	Runs      uint64        `json:"runs"`
	Restarts  uint64        `json:"restarts"`
	Panics    uint64        `json:"panics"`
	LastStart time.Time     `json:"last_start"`
	LastStop  time.Time     `json:"last_stop,omitempty"`
	LastErr   string        `json:"last_err,omitempty"`
	Runtime   time.Duration `json:"runtime"`
}

type Snapshot struct {
	Active     int64       `json:"active"`
	Started    uint64      `json:"started"`
	FirstError string      `json:"first_error,omitempty"`
	Tasks      []TaskStats `json:"tasks"`
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel, done: make(chan struct{}), tasks: map[string]*TaskStats{}}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first recorded failure.
func (s *Supervisor) Err() error {
	if p := s.firstErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *Supervisor) fail(err error) {
	s.errOnce.Do(func() { s.firstErr.Store(&err) })
	if s.cancelOnErr {
		s.cancel()
	}
}

// Go runs fn once. A returned error (other than cancellation) or a panic is
// recorded as a failure.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.spawn(func() {
		start := s.begin(name, false)
		err := run(s.ctx, fn)
		if err != nil && !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%s: %w", name, err)
			s.end(name, start, err)
			s.log.Error("goroutine failed", logx.String("name", name), logx.Err(err))
			s.fail(err)
			return
		}
		s.end(name, start, nil)
	})
}

// RestartPolicy tunes GoRestart.
type RestartPolicy struct {
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	MaxRestarts int // 0 means unlimited
	// Fatal records a failure once MaxRestarts is exhausted.
	Fatal bool
}

// GoRestart runs fn until it returns nil or the context ends, restarting it
// with exponential backoff after errors and panics.
func (s *Supervisor) GoRestart(name string, pol RestartPolicy, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	if pol.MinBackoff <= 0 {
		pol.MinBackoff = 250 * time.Millisecond
	}
	if pol.MaxBackoff < pol.MinBackoff {
		pol.MaxBackoff = 30 * time.Second
	}
	s.spawn(func() {
		backoff := pol.MinBackoff
		for restarts := 0; ; restarts++ {
			start := s.begin(name, restarts > 0)
			err := run(s.ctx, fn)
			if err == nil || s.ctx.Err() != nil || errors.Is(err, context.Canceled) {
				s.end(name, start, nil)
				return
			}
			err = fmt.Errorf("%s: %w", name, err)
			s.end(name, start, err)

			if pol.MaxRestarts > 0 && restarts >= pol.MaxRestarts {
				s.log.Error("goroutine gave up", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				if pol.Fatal {
					s.fail(err)
				}
				return
			}
			if time.Since(start) >= 30*time.Second {
				backoff = pol.MinBackoff
			}
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", backoff), logx.Err(err))
			t := time.NewTimer(backoff)
			select {
			case <-s.ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			backoff = min(backoff*2, pol.MaxBackoff)
		}
	})
}

func (s *Supervisor) spawn(body func()) {
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		body()
	}()
}

// panicError carries a recovered panic out of run.
type panicError struct {
	val   any
	stack string
}

func (p *panicError) Error() string { return fmt.Sprintf("panic: %v", p.val) }

func run(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{val: r, stack: logx.StackTrace(3, 24)}
		}
	}()
	return fn(ctx)
}

func (s *Supervisor) stats(name string) *TaskStats {
	st := s.tasks[name]
	if st == nil {
		st = &TaskStats{Name: name}
		s.tasks[name] = st
	}
	return st
}

func (s *Supervisor) begin(name string, restart bool) time.Time {
	now := time.Now()
	s.mu.Lock()
	st := s.stats(name)
	st.Runs++
	st.Active++
	st.LastStart = now
	if restart {
		st.Restarts++
	}
	s.mu.Unlock()
	s.log.Debug("goroutine started", logx.String("name", name))
	return now
}

func (s *Supervisor) end(name string, start time.Time, err error) {
	now := time.Now()
	s.mu.Lock()
	st := s.stats(name)
	st.Active--
	st.LastStop = now
	st.Runtime += now.Sub(start)
	if err != nil {
		st.LastErr = err.Error()
		var pe *panicError
		if errors.As(err, &pe) {
			st.Panics++
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", pe.val), logx.Stack(pe.stack))
		}
	}
	s.mu.Unlock()
}

func (s *Supervisor) Snapshot() Snapshot {
	snap := Snapshot{Active: s.active.Load(), Started: s.started.Load()}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	s.mu.Lock()
	for _, st := range s.tasks {
		snap.Tasks = append(snap.Tasks, *st)
	}
	s.mu.Unlock()
	sort.Slice(snap.Tasks, func(i, j int) bool { return snap.Tasks[i].Name < snap.Tasks[j].Name })
	return snap
}

// Stop cancels the context and waits for every goroutine, bounded by ctx.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until all goroutines exit or ctx ends, then returns the first
// recorded failure.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}

// Done is closed once the shared context is cancelled.
func (s *Supervisor) Done() <-chan struct{} { return s.ctx.Done() }
