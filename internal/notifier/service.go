package notifier

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"remindbot/internal/eventbus"
	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

// Config controls delivery throttling.
type Config struct {
	RatePerSec int
	Burst      int
	// Timeout caps one delivery, including the wait for a rate token.
	Timeout time.Duration
}

type HistoryItem struct {
	At    time.Time `json:"at"`
	Owner string    `json:"owner"`
	Task  string    `json:"task"`
	Error string    `json:"error,omitempty"`
}

type Stats struct {
	Sent   uint64 `json:"sent"`
	Failed uint64 `json:"failed"`
}

const historySize = 50

// Service implements Notifier on top of a Sender. It is safe for concurrent use.
type Service struct {
	sender Sender
	log    logx.Logger
	bus    eventbus.Bus
	now    func() time.Time

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	sent   atomic.Uint64
	failed atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	s := &Service{sender: sender, log: log, bus: bus, now: time.Now}
	s.Apply(cfg)
	return s
}

// Apply swaps throttling settings at runtime.
func (s *Service) Apply(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.RatePerSec
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
	s.mu.Unlock()
}

func (s *Service) settings() (Config, *rate.Limiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.limiter
}

// Deliver renders msg and sends it to ownerID. It never panics.
func (s *Service) Deliver(ctx context.Context, ownerID string, msg reminder.Message) (err error) {
	start := s.now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
			s.log.Error("notifier panic", logx.String("owner", ownerID), logx.Any("panic", r),
				logx.Stack(logx.StackTrace(3, 16)))
		}
		s.record(start, ownerID, msg, err)
	}()

	if s.sender == nil {
		return ErrNoSender
	}
	cfg, lim := s.settings()
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	if err := lim.Wait(ctx); err != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.NotifierDropped, Data: HistoryItem{At: start, Owner: ownerID, Task: msg.Label}})
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	if err := s.sender.SendText(ctx, ownerID, msg.Render()); err != nil {
		return fmt.Errorf("send to %s: %w", ownerID, err)
	}
	return nil
}

func (s *Service) record(at time.Time, owner string, msg reminder.Message, err error) {
	it := HistoryItem{At: at, Owner: owner, Task: msg.Label}
	if err != nil {
		s.failed.Add(1)
		it.Error = err.Error()
	} else {
		s.sent.Add(1)
	}
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > historySize {
		s.history = append(s.history[:0:0], s.history[len(s.history)-historySize:]...)
	}
	s.hmu.Unlock()
}

func (s *Service) Stats() Stats {
	return Stats{Sent: s.sent.Load(), Failed: s.failed.Load()}
}

// History returns recent deliveries, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}
