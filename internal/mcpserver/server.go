// Package mcpserver is the MCP ingress described in spec §6: a
// JSON-RPC-over-HTTP endpoint (POST /mcp) exposing tools an agent's
// own MCP client can call mid-turn, in contrast to
// internal/mcp's MCP *client* role (the teacher connects outward to
// third-party MCP servers; this package is the other direction —
// Gorp itself acting as the server an agent connects to).
package mcpserver

import (
	"context"
	"fmt"
	"net/http"

	mcpsdk "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nextlevelbuilder/gorp/internal/bus"
	"github.com/nextlevelbuilder/gorp/internal/scheduler"
	"github.com/nextlevelbuilder/gorp/internal/store"
)

// sessionHeaderKey carries the caller's session name through the
// request context. Agents configure their MCP client with a
// X-Gorp-Session header pointing at their own workspace's session,
// the HTTP-transport equivalent of reading .agent/context.json off
// the local filesystem (spec §6: "channel_name may be omitted if the
// current workspace contains .agent/context.json").
type sessionHeaderKey struct{}

const sessionHeaderName = "X-Gorp-Session"

// Config shapes the MCP listener.
type Config struct {
	Host string
	Port int
}

// Server is the MCP tool server: schedule_prompt, send_attachment,
// and the DISPATCH cross-room visibility tools (list_rooms,
// get_room_status, get_room_by_name).
type Server struct {
	cfg       Config
	stores    *store.Stores
	sched     *scheduler.Scheduler
	bus       *bus.Bus
	mcpServer *server.MCPServer
}

// New builds an mcpserver.Server and registers its tool set.
func New(cfg Config, sched *scheduler.Scheduler, b *bus.Bus, stores *store.Stores) *Server {
	s := &Server{cfg: cfg, stores: stores, sched: sched, bus: b}
	s.mcpServer = server.NewMCPServer("gorp", "1.0.0", server.WithToolCapabilities(true))
	s.registerTools()
	return s
}

// Handler returns the http.Handler to mount at POST /mcp.
func (s *Server) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer,
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			return context.WithValue(ctx, sessionHeaderKey{}, r.Header.Get(sessionHeaderName))
		}),
	)
}

// Start runs the MCP listener until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	mux := http.NewServeMux()
	mux.Handle("POST /mcp", s.Handler())

	httpServer := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = httpServer.Close()
	}()

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("mcpserver: listener: %w", err)
	}
	return nil
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcpsdk.NewTool("schedule_prompt",
			mcpsdk.WithDescription("Create a scheduled prompt that fires into a session at a future time or on a recurring cadence."),
			mcpsdk.WithString("prompt", mcpsdk.Required(), mcpsdk.Description("The prompt text to deliver when the schedule fires.")),
			mcpsdk.WithString("execute_at", mcpsdk.Required(), mcpsdk.Description("When to fire: an RFC3339 timestamp, a relative phrase (\"in 10 minutes\"), or a recurring phrase (\"every day at 8am\").")),
			mcpsdk.WithString("channel_name", mcpsdk.Description("Target session name. Omit to use the calling session.")),
		),
		s.handleSchedulePrompt,
	)

	s.mcpServer.AddTool(
		mcpsdk.NewTool("send_attachment",
			mcpsdk.WithDescription("Deliver a file from the session workspace to the bound chat platform."),
			mcpsdk.WithString("file_path", mcpsdk.Required(), mcpsdk.Description("Path to the file, relative to the session workspace or absolute within it.")),
			mcpsdk.WithString("caption", mcpsdk.Description("Optional caption to send alongside the file.")),
			mcpsdk.WithString("room_id", mcpsdk.Description("Target session name. Omit to use the calling session.")),
		),
		s.handleSendAttachment,
	)

	s.mcpServer.AddTool(
		mcpsdk.NewTool("list_rooms",
			mcpsdk.WithDescription("List all active sessions visible to DISPATCH, excluding the DISPATCH session itself."),
		),
		s.handleListRooms,
	)

	s.mcpServer.AddTool(
		mcpsdk.NewTool("get_room_status",
			mcpsdk.WithDescription("Get the status of a specific session by name."),
			mcpsdk.WithString("channel_name", mcpsdk.Required(), mcpsdk.Description("Session name to look up.")),
		),
		s.handleGetRoomStatus,
	)

	s.mcpServer.AddTool(
		mcpsdk.NewTool("get_room_by_name",
			mcpsdk.WithDescription("Get a session's info by its channel name."),
			mcpsdk.WithString("channel_name", mcpsdk.Required(), mcpsdk.Description("Session name to look up.")),
		),
		s.handleGetRoomByName,
	)
}

// resolveChannelName returns explicit if set, else falls back to the
// X-Gorp-Session header the MCP client attached for this connection.
func resolveChannelName(ctx context.Context, explicit string) (string, error) {
	if explicit != "" {
		return store.NormalizeSessionName(explicit), nil
	}
	if v, ok := ctx.Value(sessionHeaderKey{}).(string); ok && v != "" {
		return store.NormalizeSessionName(v), nil
	}
	return "", fmt.Errorf("channel_name not given and no session context available")
}
