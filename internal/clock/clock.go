// Package clock supplies the current instant. Production code uses System;
// tests drive a Manual clock and its tickers by hand.
package clock

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker mirrors the subset of *time.Ticker the driver needs.
type Ticker interface {
	C() <-chan time.Time
	Reset(d time.Duration)
	Stop()
}

// System is the wall clock. Now is always returned in UTC.
type System struct{}

func (System) Now() time.Time { return time.Now().UTC() }

func (System) NewTicker(d time.Duration) Ticker { return &sysTicker{t: time.NewTicker(d)} }

type sysTicker struct{ t *time.Ticker }

func (s *sysTicker) C() <-chan time.Time   { return s.t.C }
func (s *sysTicker) Reset(d time.Duration) { s.t.Reset(d) }
func (s *sysTicker) Stop()                 { s.t.Stop() }

// Manual is a clock that only moves when told to.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*manualTicker
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t.UTC()
	m.mu.Unlock()
}

// Advance moves the clock forward and fires every live ticker whose period
// elapsed. Ticks are dropped when the ticker channel is full, as with time.Ticker.
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now
	tickers := append([]*manualTicker(nil), m.tickers...)
	m.mu.Unlock()

	for _, t := range tickers {
		t.advance(now)
	}
	return now
}

func (m *Manual) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTicker{clk: m, ch: make(chan time.Time, 1), period: d, next: m.now.Add(d)}
	m.tickers = append(m.tickers, t)
	return t
}

// Tickers reports how many tickers are live.
func (m *Manual) Tickers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tickers {
		if !t.stopped() {
			n++
		}
	}
	return n
}

type manualTicker struct {
	clk *Manual
	ch  chan time.Time

	mu     sync.Mutex
	period time.Duration
	next   time.Time
	done   bool
}

func (t *manualTicker) C() <-chan time.Time { return t.ch }

// Reset restarts the period from the clock's current instant.
func (t *manualTicker) Reset(d time.Duration) {
	if d <= 0 {
		panic("clock: non-positive interval for Reset")
	}
	now := t.clk.Now()
	t.mu.Lock()
	t.next = now.Add(d)
	t.period = d
	t.done = false
	t.mu.Unlock()
}

func (t *manualTicker) Stop() {
	t.mu.Lock()
	t.done = true
	t.mu.Unlock()
}

func (t *manualTicker) stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

func (t *manualTicker) advance(now time.Time) {
	t.mu.Lock()
	if t.done || now.Before(t.next) {
		t.mu.Unlock()
		return
	}
	for !now.Before(t.next) {
		t.next = t.next.Add(t.period)
	}
	t.mu.Unlock()

	select {
	case t.ch <- now:
	default:
	}
}
