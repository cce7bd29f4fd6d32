// Package reminder holds the reminder record, its validation and the
// calendar arithmetic that turns an owner's wall-clock request into UTC
// fire instants.
package reminder

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"remindbot/internal/timezone"
)

type Recurrence string

const (
	Once  Recurrence = "once"
	Daily Recurrence = "daily"
)

func (r Recurrence) Valid() bool { return r == Once || r == Daily }

// ParseRecurrence accepts "once" and "daily" in any case.
func ParseRecurrence(s string) (Recurrence, error) {
	r := Recurrence(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", &ValidationError{Field: "recurrence", Value: s, Err: ErrInvalidRecurrence}
	}
	return r, nil
}

// MaxLabelLen bounds the task label in characters (runes).
const MaxLabelLen = 256

// Reminder is identified by (OwnerID, Label). FireAt is always UTC; Timezone
// is only consulted to render it and to compute the next daily occurrence.
type Reminder struct {
	OwnerID    string     `json:"owner_id"`
	Label      string     `json:"task"`
	Recurrence Recurrence `json:"frequency"`
	FireAt     time.Time  `json:"fire_at"`
	Timezone   string     `json:"timezone"`
	// LocalTime is the requested wall-clock time (HH:MM) in Timezone.
	LocalTime   string    `json:"local_time,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	LastFiredAt time.Time `json:"last_fired_at"`
}

// Key addresses one reminder.
type Key struct {
	OwnerID string
	Label   string
}

func (r Reminder) Key() Key { return Key{OwnerID: r.OwnerID, Label: r.Label} }

func (k Key) String() string { return k.OwnerID + "/" + k.Label }

// Normalize trims the identity fields and forces UTC instants.
func (r Reminder) Normalize() Reminder {
	r.OwnerID = strings.TrimSpace(r.OwnerID)
	r.Label = NormalizeLabel(r.Label)
	r.FireAt = r.FireAt.UTC()
	if !r.CreatedAt.IsZero() {
		r.CreatedAt = r.CreatedAt.UTC()
	}
	if !r.LastFiredAt.IsZero() {
		r.LastFiredAt = r.LastFiredAt.UTC()
	}
	if r.Timezone == "" {
		r.Timezone = "UTC"
	}
	return r
}

// Validate checks a record before it is written to a store.
func (r Reminder) Validate() error {
	if strings.TrimSpace(r.OwnerID) == "" {
		return &ValidationError{Field: "owner", Err: ErrEmptyOwner}
	}
	if err := validateLabel(r.Label); err != nil {
		return err
	}
	if !r.Recurrence.Valid() {
		return &ValidationError{Field: "recurrence", Value: string(r.Recurrence), Err: ErrInvalidRecurrence}
	}
	if r.FireAt.IsZero() {
		return &ValidationError{Field: "fire_at", Err: ErrInvalidTime}
	}
	if r.LocalTime != "" {
		if _, _, err := ParseClock(r.LocalTime); err != nil {
			return err
		}
	}
	return nil
}

// NormalizeLabel trims a label and collapses inner whitespace runs to a
// single space, so "buy  milk" and "buy milk" name the same reminder.
func NormalizeLabel(label string) string {
	return strings.Join(strings.Fields(label), " ")
}

func validateLabel(label string) error {
	label = NormalizeLabel(label)
	if label == "" {
		return &ValidationError{Field: "task", Err: ErrEmptyLabel}
	}
	if utf8.RuneCountInString(label) > MaxLabelLen {
		return &ValidationError{Field: "task", Value: truncate(label, 32) + "...", Err: ErrLabelTooLong}
	}
	return nil
}

// truncate keeps the first n runes of s.
func truncate(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// Location returns the reminder's location, or UTC when the name is unknown.
func (r Reminder) Location() *time.Location {
	return timezone.Load(r.Timezone)
}

// Anchor returns the wall-clock hour and minute daily occurrences snap to.
func (r Reminder) Anchor(loc *time.Location) (hour, minute int) {
	if h, m, err := ParseClock(r.LocalTime); err == nil {
		return h, m
	}
	local := r.FireAt.In(loc)
	return local.Hour(), local.Minute()
}

// Describe renders the reminder for listings in the owner's location.
func (r Reminder) Describe(loc *time.Location) string {
	local := r.FireAt.In(loc)
	switch r.Recurrence {
	case Daily:
		return fmt.Sprintf("%s: daily at %s (next %s %s)", r.Label, local.Format("15:04"), local.Format("2006-01-02"), r.Timezone)
	default:
		return fmt.Sprintf("%s: once at %s %s", r.Label, local.Format("2006-01-02 15:04"), r.Timezone)
	}
}
