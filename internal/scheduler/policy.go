package scheduler

import (
	"fmt"
	"strings"
	"time"

	"remindbot/internal/reminder"
)

// Policy selects how daily reminders are judged due.
type Policy string

const (
	// PolicyExactMinute fires a daily reminder only during the local minute
	// it is anchored to. A poll that misses that minute skips the day.
	PolicyExactMinute Policy = "exact_minute"
	// PolicyCatchUp fires a daily reminder on the first poll at or after
	// its fire minute, optionally bounded by a window.
	PolicyCatchUp Policy = "catch_up"
)

func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyExactMinute, nil
	case PolicyExactMinute, PolicyCatchUp:
		return p, nil
	default:
		return "", fmt.Errorf("unknown daily policy %q", s)
	}
}

// Verdict is the outcome of evaluating one reminder at one instant.
type Verdict int

const (
	NotDue Verdict = iota
	Due
	// Stale means a daily reminder missed its catch-up window. It is
	// rescheduled without delivery.
	Stale
)

func (v Verdict) String() string {
	switch v {
	case Due:
		return "due"
	case Stale:
		return "stale"
	default:
		return "not_due"
	}
}

// Evaluate decides whether r is due at now. loc is r's location.
func Evaluate(r reminder.Reminder, loc *time.Location, now time.Time, p Policy, window time.Duration) Verdict {
	now = now.UTC()
	if r.Recurrence == reminder.Once {
		if now.Before(r.FireAt) {
			return NotDue
		}
		return Due
	}

	minute := now.Truncate(time.Minute)
	switch p {
	case PolicyCatchUp:
		if now.Before(r.FireAt.Truncate(time.Minute)) {
			return NotDue
		}
		if window > 0 && now.Sub(r.FireAt) > window {
			return Stale
		}
		return Due
	default:
		// FireAt beyond the current minute means the reminder was already
		// advanced during this minute.
		if !r.FireAt.Before(minute.Add(time.Minute)) {
			return NotDue
		}
		if reminder.SameLocalMinute(now, r.FireAt, loc) {
			return Due
		}
		return NotDue
	}
}

// Transition is the state change a fired (or stale) reminder undergoes.
type Transition struct {
	Key    reminder.Key
	Delete bool
	Next   time.Time
}

// Plan returns the transition for a reminder handled at now: once reminders
// are retired, daily ones move to their next occurrence after now.
func Plan(r reminder.Reminder, loc *time.Location, now time.Time) Transition {
	if r.Recurrence == reminder.Once {
		return Transition{Key: r.Key(), Delete: true}
	}
	return Transition{Key: r.Key(), Next: reminder.NextDaily(r, loc, now)}
}
