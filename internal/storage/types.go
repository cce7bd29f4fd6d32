package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"remindbot/internal/reminder"
)

var (
	ErrClosed        = errors.New("storage closed")
	ErrUnknownDriver = errors.New("unknown storage driver")
)

// Config configures storage.
type Config struct {
	Driver      string
	Path        string
	DSN         string
	Database    string        // mongo; default "remindbot"
	KeyPrefix   string        // redis; default "remindbot:"
	BusyTimeout time.Duration // sqlite; 0 means 5s
}

// ReminderStore is the durable per-owner reminder list.
type ReminderStore interface {
	// FetchAll returns every reminder of every owner, ordered by owner then label.
	FetchAll(ctx context.Context) ([]reminder.Reminder, error)
	// List returns one owner's reminders ordered by label.
	List(ctx context.Context, ownerID string) ([]reminder.Reminder, error)
	// Upsert inserts or replaces the reminder keyed by (OwnerID, Label).
	Upsert(ctx context.Context, r reminder.Reminder) error
	// Delete removes one reminder. Deleting a missing reminder is not an error.
	Delete(ctx context.Context, ownerID, label string) error
	// Reschedule moves an existing reminder's FireAt and records when it fired.
	// It reports false, without error, when the reminder no longer exists.
	Reschedule(ctx context.Context, ownerID, label string, next, firedAt time.Time) (bool, error)
	// GetTimezone returns the owner's timezone name, or "" when unset.
	GetTimezone(ctx context.Context, ownerID string) (string, error)
	SetTimezone(ctx context.Context, ownerID, tz string) error
	Close() error
}

func sortReminders(rs []reminder.Reminder) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].OwnerID != rs[j].OwnerID {
			return rs[i].OwnerID < rs[j].OwnerID
		}
		return rs[i].Label < rs[j].Label
	})
}

// prepare normalizes and validates a reminder before it is written.
func prepare(r reminder.Reminder) (reminder.Reminder, error) {
	r = r.Normalize()
	if err := r.Validate(); err != nil {
		return reminder.Reminder{}, err
	}
	return r, nil
}

func cleanKey(ownerID, label string) (string, string) {
	return strings.TrimSpace(ownerID), reminder.NormalizeLabel(label)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
