// Package mcptools exposes reminder management as MCP tools so an agent can
// create and inspect reminders on behalf of an owner.
package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"remindbot/internal/clock"
	"remindbot/internal/reminder"
	"remindbot/internal/storage"
	"remindbot/internal/timezone"
)

const (
	serverName    = "remindbot"
	serverVersion = "1.0.0"
)

type Server struct {
	mcpServer *server.MCPServer
	store     storage.ReminderStore
	resolver  timezone.Resolver
	clk       clock.Clock
}

func NewServer(store storage.ReminderStore, resolver timezone.Resolver, clk clock.Clock) *Server {
	if clk == nil {
		clk = clock.System{}
	}
	s := &Server{store: store, resolver: resolver, clk: clk}
	s.mcpServer = server.NewMCPServer(serverName, serverVersion, server.WithToolCapabilities(false))
	s.registerTools()
	return s
}

func (s *Server) MCPServer() *server.MCPServer { return s.mcpServer }

// ServeStdio blocks serving MCP over stdin/stdout.
func (s *Server) ServeStdio() error { return server.ServeStdio(s.mcpServer) }

func (s *Server) registerTools() {
	owner := mcp.WithString("owner_id", mcp.Required(), mcp.Description("Owner (Telegram chat id)"))

	s.mcpServer.AddTool(
		mcp.NewTool("add_reminder",
			mcp.WithDescription("Create or replace a reminder in the owner's timezone"),
			owner,
			mcp.WithString("task", mcp.Required(), mcp.Description("Task label, unique per owner")),
			mcp.WithString("frequency", mcp.Required(), mcp.Description("once or daily")),
			mcp.WithString("when", mcp.Required(), mcp.Description("HH:MM, or YYYY-MM-DD HH:MM for a one-off date")),
		),
		s.handleAdd,
	)
	s.mcpServer.AddTool(
		mcp.NewTool("list_reminders",
			mcp.WithDescription("List an owner's reminders"),
			owner,
		),
		s.handleList,
	)
	s.mcpServer.AddTool(
		mcp.NewTool("delete_reminder",
			mcp.WithDescription("Delete a reminder by task label"),
			owner,
			mcp.WithString("task", mcp.Required(), mcp.Description("Task label")),
		),
		s.handleDelete,
	)
	s.mcpServer.AddTool(
		mcp.NewTool("get_timezone",
			mcp.WithDescription("Show the owner's effective timezone"),
			owner,
		),
		s.handleGetTimezone,
	)
	s.mcpServer.AddTool(
		mcp.NewTool("set_timezone",
			mcp.WithDescription("Set the owner's IANA timezone for new reminders"),
			owner,
			mcp.WithString("timezone", mcp.Required(), mcp.Description("IANA name, e.g. Europe/Berlin")),
		),
		s.handleSetTimezone,
	)
}

// view is the JSON shape returned to agents.
type view struct {
	Task      string `json:"task"`
	Frequency string `json:"frequency"`
	Next      string `json:"next"`
	Timezone  string `json:"timezone"`
	FireAtUTC string `json:"fire_at_utc"`
	LastFired string `json:"last_fired,omitempty"`
}

func toView(r reminder.Reminder) view {
	loc := r.Location()
	v := view{
		Task:      r.Label,
		Frequency: string(r.Recurrence),
		Next:      r.FireAt.In(loc).Format("2006-01-02 15:04"),
		Timezone:  r.Timezone,
		FireAtUTC: r.FireAt.Format("2006-01-02T15:04:05Z"),
	}
	if !r.LastFiredAt.IsZero() {
		v.LastFired = r.LastFiredAt.In(loc).Format("2006-01-02 15:04")
	}
	return v
}

func jsonResult(v any) *mcp.CallToolResult {
	out, _ := json.MarshalIndent(v, "", "  ")
	return mcp.NewToolResultText(string(out))
}

func ownerArg(req mcp.CallToolRequest) (string, *mcp.CallToolResult) {
	owner := strings.TrimSpace(req.GetString("owner_id", ""))
	if owner == "" {
		return "", mcp.NewToolResultError("owner_id is required")
	}
	return owner, nil
}

func (s *Server) handleAdd(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner, bad := ownerArg(req)
	if bad != nil {
		return bad, nil
	}
	rec, err := reminder.ParseRecurrence(req.GetString("frequency", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	tz := s.resolver.Resolve(ctx, owner)
	r, err := reminder.New(reminder.Request{
		OwnerID:    owner,
		Label:      req.GetString("task", ""),
		Recurrence: rec,
		When:       req.GetString("when", ""),
	}, timezone.Load(tz), s.clk.Now())
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.store.Upsert(ctx, r); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to save reminder: %v", err)), nil
	}
	return jsonResult(toView(r)), nil
}

func (s *Server) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner, bad := ownerArg(req)
	if bad != nil {
		return bad, nil
	}
	rs, err := s.store.List(ctx, owner)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list reminders: %v", err)), nil
	}
	if len(rs) == 0 {
		return mcp.NewToolResultText("No reminders found."), nil
	}
	views := make([]view, 0, len(rs))
	for _, r := range rs {
		views = append(views, toView(r))
	}
	return jsonResult(views), nil
}

func (s *Server) handleDelete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner, bad := ownerArg(req)
	if bad != nil {
		return bad, nil
	}
	task := strings.TrimSpace(req.GetString("task", ""))
	if task == "" {
		return mcp.NewToolResultError("task is required"), nil
	}
	if err := s.store.Delete(ctx, owner, task); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to delete reminder: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Reminder %q deleted.", task)), nil
}

func (s *Server) handleGetTimezone(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner, bad := ownerArg(req)
	if bad != nil {
		return bad, nil
	}
	return mcp.NewToolResultText(s.resolver.Resolve(ctx, owner)), nil
}

func (s *Server) handleSetTimezone(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner, bad := ownerArg(req)
	if bad != nil {
		return bad, nil
	}
	name := strings.TrimSpace(req.GetString("timezone", ""))
	if !s.resolver.Validate(name) {
		return mcp.NewToolResultError(fmt.Sprintf("unknown timezone %q", name)), nil
	}
	if err := s.store.SetTimezone(ctx, owner, name); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to set timezone: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Timezone set to %s.", name)), nil
}
