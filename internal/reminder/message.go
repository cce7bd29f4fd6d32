package reminder

import (
	"fmt"
	"time"

	"remindbot/internal/timezone"
)

// Message is the payload handed to a notifier for one due reminder.
type Message struct {
	OwnerID    string
	Label      string
	FireAt     time.Time
	Timezone   string
	Recurrence Recurrence
}

func NewMessage(r Reminder) Message {
	return Message{
		OwnerID:    r.OwnerID,
		Label:      r.Label,
		FireAt:     r.FireAt,
		Timezone:   r.Timezone,
		Recurrence: r.Recurrence,
	}
}

// Render formats the message in the owner's timezone.
func (m Message) Render() string {
	loc := timezone.Load(m.Timezone)
	local := m.FireAt.In(loc)
	when := local.Format(dateTimeLayout)
	if m.Recurrence == Daily {
		when = local.Format(clockLayout) + " daily"
	}
	return fmt.Sprintf("⏰ Reminder: %s\n(%s %s)", m.Label, when, loc.String())
}
