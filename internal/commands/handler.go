// Package commands implements the chat command layer. It is transport
// independent: adapters hand it an owner id and the raw message text and
// send back whatever reply it returns.
package commands

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"remindbot/internal/clock"
	"remindbot/internal/reminder"
	"remindbot/internal/timezone"
	logx "remindbot/pkg/logx"
)

// Store is the part of storage.ReminderStore the commands use.
type Store interface {
	List(ctx context.Context, ownerID string) ([]reminder.Reminder, error)
	Upsert(ctx context.Context, r reminder.Reminder) error
	Delete(ctx context.Context, ownerID, label string) error
	GetTimezone(ctx context.Context, ownerID string) (string, error)
	SetTimezone(ctx context.Context, ownerID, tz string) error
}

// Info describes one command for help output and bot menus.
type Info struct {
	Name        string
	Usage       string
	Description string
}

var Catalog = []Info{
	{Name: "remind", Usage: "/remind <once|daily> <HH:MM|YYYY-MM-DD HH:MM> <task>", Description: "Set a reminder"},
	{Name: "reminders", Usage: "/reminders", Description: "List your reminders"},
	{Name: "forget", Usage: "/forget <task>", Description: "Delete a reminder"},
	{Name: "timezone", Usage: "/timezone [Area/City]", Description: "Show or set your timezone"},
	{Name: "poke", Usage: "/poke", Description: "Poke the bot"},
	{Name: "help", Usage: "/help", Description: "Show this help"},
}

type Handler struct {
	store    Store
	resolver timezone.Resolver
	clk      clock.Clock
	log      logx.Logger
}

func New(store Store, resolver timezone.Resolver, clk clock.Clock, log logx.Logger) *Handler {
	if clk == nil {
		clk = clock.System{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Handler{store: store, resolver: resolver, clk: clk, log: log.With(logx.String("comp", "commands"))}
}

// Handle runs one command and returns the reply. Plain text that is not a
// command yields an empty reply.
func (h *Handler) Handle(ctx context.Context, ownerID, text string) string {
	name, args, ok := split(text)
	if !ok {
		return ""
	}
	log := h.log.With(logx.String("owner", ownerID), logx.String("cmd", name))
	var (
		reply string
		err   error
	)
	switch name {
	case "start", "help":
		reply = Usage()
	case "poke":
		reply = "Pokes you back!"
	case "remind":
		reply, err = h.remind(ctx, ownerID, args)
	case "reminders", "list":
		reply, err = h.list(ctx, ownerID)
	case "forget":
		reply, err = h.forget(ctx, ownerID, args)
	case "timezone", "tz":
		reply, err = h.timezone(ctx, ownerID, args)
	default:
		return fmt.Sprintf("Unknown command /%s. Try /help.", name)
	}
	if err != nil {
		var ve *reminder.ValidationError
		if errors.As(err, &ve) {
			log.Debug("command rejected", logx.Err(err))
			return "❌ " + userMessage(ve)
		}
		log.Error("command failed", logx.Err(err))
		return "❌ Something went wrong, please try again later."
	}
	return reply
}

// split extracts the command name, dropping a leading "/" and a "@botname"
// suffix.
func split(text string) (name, args string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	head, rest, _ := strings.Cut(text[1:], " ")
	head, _, _ = strings.Cut(head, "@")
	if head == "" {
		return "", "", false
	}
	return strings.ToLower(head), strings.TrimSpace(rest), true
}

func Usage() string {
	var b strings.Builder
	b.WriteString("I remind you of things.\n\n")
	for _, c := range Catalog {
		fmt.Fprintf(&b, "%s\n  %s\n", c.Usage, c.Description)
	}
	b.WriteString("\nTimes are in your timezone (UTC until you set one).")
	return b.String()
}

var dateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

func (h *Handler) remind(ctx context.Context, owner, args string) (string, error) {
	fields := strings.Fields(args)
	if len(fields) < 3 {
		return "Usage: " + Catalog[0].Usage, nil
	}
	rec, err := reminder.ParseRecurrence(fields[0])
	if err != nil {
		return "", err
	}
	when, rest := fields[1], fields[2:]
	if dateRe.MatchString(when) {
		if len(fields) < 4 {
			return "Usage: " + Catalog[0].Usage, nil
		}
		when += " " + fields[2]
		rest = fields[3:]
	}
	tz := h.resolver.Resolve(ctx, owner)
	loc := timezone.Load(tz)

	r, err := reminder.New(reminder.Request{
		OwnerID:    owner,
		Label:      strings.Join(rest, " "),
		Recurrence: rec,
		When:       when,
	}, loc, h.clk.Now())
	if err != nil {
		return "", err
	}
	existing, err := h.store.List(ctx, owner)
	if err != nil {
		return "", err
	}
	if err := h.store.Upsert(ctx, r); err != nil {
		return "", err
	}
	verb := "set"
	for _, e := range existing {
		if e.Label == r.Label {
			verb = "updated"
			break
		}
	}
	h.log.Info("reminder saved", logx.String("owner", owner), logx.String("task", r.Label),
		logx.String("frequency", string(r.Recurrence)), logx.Time("fire_at", r.FireAt))
	local := r.FireAt.In(loc)
	return fmt.Sprintf("✅ Reminder %s: %s at %s %s (%s).", verb, r.Label, local.Format("2006-01-02 15:04"), tz, r.Recurrence), nil
}

func (h *Handler) list(ctx context.Context, owner string) (string, error) {
	rs, err := h.store.List(ctx, owner)
	if err != nil {
		return "", err
	}
	if len(rs) == 0 {
		return "You have no reminders.", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Your reminders (%d):\n", len(rs))
	for _, r := range rs {
		b.WriteString("• ")
		b.WriteString(r.Describe(r.Location()))
		if !r.LastFiredAt.IsZero() {
			fmt.Fprintf(&b, ", last fired %s", r.LastFiredAt.In(r.Location()).Format("2006-01-02 15:04"))
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (h *Handler) forget(ctx context.Context, owner, label string) (string, error) {
	label = reminder.NormalizeLabel(label)
	if label == "" {
		return "Usage: /forget <task>", nil
	}
	rs, err := h.store.List(ctx, owner)
	if err != nil {
		return "", err
	}
	found := false
	for _, r := range rs {
		if r.Label == label {
			found = true
			break
		}
	}
	if err := h.store.Delete(ctx, owner, label); err != nil {
		return "", err
	}
	if !found {
		return fmt.Sprintf("No reminder named %q.", label), nil
	}
	return fmt.Sprintf("🗑 Forgot %s.", label), nil
}

func (h *Handler) timezone(ctx context.Context, owner, name string) (string, error) {
	if name == "" {
		return fmt.Sprintf("Your timezone is %s. Change it with /timezone Area/City.", h.resolver.Resolve(ctx, owner)), nil
	}
	if !h.resolver.Validate(name) {
		return "", &reminder.ValidationError{Field: "timezone", Value: name, Err: reminder.ErrInvalidTimezone}
	}
	if err := h.store.SetTimezone(ctx, owner, name); err != nil {
		return "", err
	}
	now := h.clk.Now().In(timezone.Load(name))
	return fmt.Sprintf("✅ Timezone set to %s (local time %s). New reminders use it; existing ones keep theirs.", name, now.Format(time.Kitchen)), nil
}

func userMessage(ve *reminder.ValidationError) string {
	switch {
	case errors.Is(ve, reminder.ErrInvalidTime):
		return "Invalid time format. Please use HH:MM (24-hour format) or YYYY-MM-DD HH:MM."
	case errors.Is(ve, reminder.ErrInvalidRecurrence):
		return "Frequency must be once or daily."
	case errors.Is(ve, reminder.ErrInPast):
		return "That time is already in the past."
	case errors.Is(ve, reminder.ErrEmptyLabel):
		return "Tell me what to remind you about."
	case errors.Is(ve, reminder.ErrLabelTooLong):
		return fmt.Sprintf("Task is too long (max %d characters).", reminder.MaxLabelLen)
	case errors.Is(ve, reminder.ErrInvalidTimezone):
		return fmt.Sprintf("Unknown timezone %q. Use an IANA name such as Europe/Berlin.", ve.Value)
	default:
		return ve.Error()
	}
}
