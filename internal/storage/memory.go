package storage

import (
	"context"
	"sync"
	"time"

	"remindbot/internal/reminder"
)

// ownerDoc mirrors one owner's record: a timezone plus reminders keyed by label.
type ownerDoc struct {
	Timezone  string                       `json:"timezone,omitempty"`
	Reminders map[string]reminder.Reminder `json:"reminders"`
}

// state is the in-memory model shared by the memory and file drivers.
// Callers hold the owning store's mutex.
type state struct {
	owners map[string]*ownerDoc
}

func newState() state { return state{owners: map[string]*ownerDoc{}} }

func (s state) doc(owner string) *ownerDoc {
	d, ok := s.owners[owner]
	if !ok {
		d = &ownerDoc{Reminders: map[string]reminder.Reminder{}}
		s.owners[owner] = d
	}
	if d.Reminders == nil {
		d.Reminders = map[string]reminder.Reminder{}
	}
	return d
}

func (s state) all() []reminder.Reminder {
	out := make([]reminder.Reminder, 0, len(s.owners))
	for _, d := range s.owners {
		for _, r := range d.Reminders {
			out = append(out, r)
		}
	}
	sortReminders(out)
	return out
}

func (s state) list(owner string) []reminder.Reminder {
	d, ok := s.owners[owner]
	if !ok {
		return nil
	}
	out := make([]reminder.Reminder, 0, len(d.Reminders))
	for _, r := range d.Reminders {
		out = append(out, r)
	}
	sortReminders(out)
	return out
}

func (s state) upsert(r reminder.Reminder) { s.doc(r.OwnerID).Reminders[r.Label] = r }

func (s state) remove(owner, label string) {
	if d, ok := s.owners[owner]; ok {
		delete(d.Reminders, label)
		if len(d.Reminders) == 0 && d.Timezone == "" {
			delete(s.owners, owner)
		}
	}
}

func (s state) reschedule(owner, label string, next, fired time.Time) bool {
	d, ok := s.owners[owner]
	if !ok {
		return false
	}
	r, ok := d.Reminders[label]
	if !ok {
		return false
	}
	r.FireAt = next.UTC()
	if !fired.IsZero() {
		r.LastFiredAt = fired.UTC()
	}
	d.Reminders[label] = r
	return true
}

func (s state) timezone(owner string) string {
	if d, ok := s.owners[owner]; ok {
		return d.Timezone
	}
	return ""
}

func (s state) setTimezone(owner, tz string) { s.doc(owner).Timezone = tz }

// Memory is a process-local ReminderStore.
type Memory struct {
	mu     sync.RWMutex
	st     state
	closed bool
}

func NewMemory() *Memory { return &Memory{st: newState()} }

func (m *Memory) FetchAll(ctx context.Context) ([]reminder.Reminder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.st.all(), nil
}

func (m *Memory) List(ctx context.Context, ownerID string) ([]reminder.Reminder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	owner, _ := cleanKey(ownerID, "")
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.st.list(owner), nil
}

func (m *Memory) Upsert(ctx context.Context, r reminder.Reminder) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r, err := prepare(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.st.upsert(r)
	return nil
}

func (m *Memory) Delete(ctx context.Context, ownerID, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	owner, label := cleanKey(ownerID, label)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.st.remove(owner, label)
	return nil
}

func (m *Memory) Reschedule(ctx context.Context, ownerID, label string, next, firedAt time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	owner, label := cleanKey(ownerID, label)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	return m.st.reschedule(owner, label, next, firedAt), nil
}

func (m *Memory) GetTimezone(ctx context.Context, ownerID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	owner, _ := cleanKey(ownerID, "")
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return "", ErrClosed
	}
	return m.st.timezone(owner), nil
}

func (m *Memory) SetTimezone(ctx context.Context, ownerID, tz string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	owner, _ := cleanKey(ownerID, "")
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.st.setTimezone(owner, tz)
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
