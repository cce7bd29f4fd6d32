package reminder

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	clockLayout    = "15:04"
	dateTimeLayout = "2006-01-02 15:04"
)

// ParseClock parses a 24-hour HH:MM (or H:MM) string.
func ParseClock(s string) (hour, minute int, err error) {
	s = strings.TrimSpace(s)
	hs, ms, ok := strings.Cut(s, ":")
	if !ok || len(ms) != 2 || len(hs) == 0 || len(hs) > 2 {
		return 0, 0, &ValidationError{Field: "time", Value: s, Err: ErrInvalidTime}
	}
	hour, err1 := strconv.Atoi(hs)
	minute, err2 := strconv.Atoi(ms)
	if err1 != nil || err2 != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, &ValidationError{Field: "time", Value: s, Err: ErrInvalidTime}
	}
	return hour, minute, nil
}

// FormatClock renders hour and minute as HH:MM.
func FormatClock(hour, minute int) string {
	return fmt.Sprintf("%02d:%02d", hour, minute)
}

// Request is the validated input of the command layer.
type Request struct {
	OwnerID    string
	Label      string
	Recurrence Recurrence
	// When is "HH:MM" (next occurrence) or "YYYY-MM-DD HH:MM" (absolute local time).
	When string
}

// New builds a reminder for req in loc. The local time is converted to an
// absolute UTC instant once, here; nonexistent or repeated wall times around
// DST transitions resolve through time.Date's normalization.
//
// A bare HH:MM picks today when that minute has not passed yet in loc,
// otherwise tomorrow. A full date must not be in the past for Once reminders;
// a past date for a Daily reminder rolls forward to the next occurrence.
func New(req Request, loc *time.Location, now time.Time) (Reminder, error) {
	if loc == nil {
		loc = time.UTC
	}
	r := Reminder{
		OwnerID:    strings.TrimSpace(req.OwnerID),
		Label:      NormalizeLabel(req.Label),
		Recurrence: req.Recurrence,
		Timezone:   loc.String(),
		CreatedAt:  now.UTC(),
	}
	if r.OwnerID == "" {
		return Reminder{}, &ValidationError{Field: "owner", Err: ErrEmptyOwner}
	}
	if err := validateLabel(r.Label); err != nil {
		return Reminder{}, err
	}
	if !r.Recurrence.Valid() {
		return Reminder{}, &ValidationError{Field: "recurrence", Value: string(req.Recurrence), Err: ErrInvalidRecurrence}
	}

	when := strings.Join(strings.Fields(req.When), " ")
	nowLocal := now.In(loc)
	minuteStart := nowLocal.Truncate(time.Minute)

	var fire time.Time
	if strings.Contains(when, " ") {
		t, err := time.Parse(dateTimeLayout, when)
		if err != nil {
			return Reminder{}, &ValidationError{Field: "time", Value: when, Err: ErrInvalidTime}
		}
		fire = WallTime(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), loc)
		// Keep the requested wall time, not the DST-normalized one.
		_, clock, _ := strings.Cut(when, " ")
		h, m, err := ParseClock(clock)
		if err != nil {
			return Reminder{}, err
		}
		r.LocalTime = FormatClock(h, m)
		if fire.Before(minuteStart) {
			if r.Recurrence == Once {
				return Reminder{}, &ValidationError{Field: "time", Value: when, Err: ErrInPast}
			}
			r.FireAt = fire.UTC()
			fire = NextDaily(r, loc, minuteStart.Add(-time.Nanosecond))
		}
	} else {
		h, m, err := ParseClock(when)
		if err != nil {
			return Reminder{}, err
		}
		y, mo, d := nowLocal.Date()
		fire = WallTime(y, mo, d, h, m, loc)
		if fire.Before(minuteStart) {
			fire = WallTime(y, mo, d+1, h, m, loc)
		}
		r.LocalTime = FormatClock(h, m)
	}
	r.FireAt = fire.UTC()
	return r, nil
}

// NextDaily returns the next occurrence strictly after `after`: the local
// calendar date of r.FireAt plus whole days, at r's anchor wall time in loc.
// Stepping by calendar day keeps the local time fixed across DST changes,
// so the UTC gap between occurrences is 23h, 24h or 25h.
func NextDaily(r Reminder, loc *time.Location, after time.Time) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	h, m := r.Anchor(loc)
	y, mo, d := r.FireAt.In(loc).Date()

	// Skip whole missed days in one step when far behind.
	if gap := after.Sub(r.FireAt); gap > 48*time.Hour {
		d += int(gap/(24*time.Hour)) - 1
	}
	for i := 1; ; i++ {
		next := WallTime(y, mo, d+i, h, m, loc)
		if next.After(after) {
			return next.UTC()
		}
	}
}

// WallTime is time.Date for a whole minute in loc, except that a wall time
// skipped by a forward DST jump resolves to the same distance past the jump:
// 02:30 on a 02:00 to 03:00 spring-forward day becomes 03:30.
// Repeated wall times (fall back) keep time.Date's choice.
func WallTime(year int, month time.Month, day, hour, minute int, loc *time.Location) time.Time {
	t := time.Date(year, month, day, hour, minute, 0, 0, loc)
	if t.Hour() == hour && t.Minute() == minute {
		return t
	}
	// Read the wall time with the offset in force before the jump.
	_, off := t.Add(-24 * time.Hour).Zone()
	return time.Date(year, month, day, hour, minute, 0, 0, time.FixedZone("", off)).In(loc)
}

// LocalDate returns t's calendar date in loc as YYYY-MM-DD.
func LocalDate(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}

// SameLocalMinute reports whether a and b show the same HH:MM in loc.
func SameLocalMinute(a, b time.Time, loc *time.Location) bool {
	return a.In(loc).Format(clockLayout) == b.In(loc).Format(clockLayout)
}
