package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"remindbot/internal/reminder"
	"remindbot/internal/scheduler"
)

var (
	headerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("81")).Bold(true)
	ownerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("183"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("114")).Bold(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	boxStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240")).Padding(0, 1)
)

const helpMarkdown = `# remindctl

Operate on the reminder store configured for **remindbot**.

| command | what it does |
|---|---|
| ` + "`list [-owner ID]`" + ` | list reminders |
| ` + "`add -owner ID -freq once|daily -at WHEN <task>`" + ` | create or replace a reminder |
| ` + "`forget -owner ID <task>`" + ` | delete a reminder |
| ` + "`tz -owner ID [Area/City]`" + ` | show or set an owner's timezone |
| ` + "`poll [-at RFC3339] [-apply]`" + ` | run one tick, printing deliveries |
| ` + "`mcp`" + ` | serve the store as MCP tools on stdio |

Global flags: ` + "`-config ./config.json`" + `, ` + "`-env .env`" + `.
`

func renderHelp() string {
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
	if err != nil {
		return helpMarkdown
	}
	out, err := r.Render(helpMarkdown)
	if err != nil {
		return helpMarkdown
	}
	return out
}

func renderReminders(rs []reminder.Reminder, now time.Time) string {
	if len(rs) == 0 {
		return dimStyle.Render("no reminders")
	}
	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("%d reminder(s)", len(rs))))
	owner := ""
	for _, r := range rs {
		if r.OwnerID != owner {
			owner = r.OwnerID
			b.WriteString("\n" + ownerStyle.Render("owner "+owner))
		}
		line := "  " + r.Describe(r.Location())
		if r.FireAt.Before(now) {
			line += dimStyle.Render("  (overdue)")
		}
		b.WriteString("\n" + line)
	}
	return boxStyle.Render(b.String())
}

func renderResult(res scheduler.Result, applied bool) string {
	mode := "dry run"
	if applied {
		mode = "applied"
	}
	lines := []string{
		headerStyle.Render("tick " + res.TickID),
		fmt.Sprintf("at %s (%s)", res.Now.Format(time.RFC3339), mode),
		fmt.Sprintf("evaluated %d, due %d, stale %d", res.Evaluated, res.Due, res.Stale),
		okStyle.Render(fmt.Sprintf("fired %d", res.Fired)) + "  " + errorStyle.Render(fmt.Sprintf("failed %d", res.Failed)),
		dimStyle.Render(fmt.Sprintf("transitions %d in %s", res.Applied, res.Duration.Round(time.Millisecond))),
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}
