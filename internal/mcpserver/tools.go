package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	mcpsdk "github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/gorp/internal/bus"
)

// toJSONResult marshals v as the tool's text result. mcp-go's text
// content block is the one result shape stable across client
// versions, so structured tool output here is JSON-as-text rather
// than a transport-specific structured-content block.
func toJSONResult(v any) *mcpsdk.CallToolResult {
	body, err := json.Marshal(v)
	if err != nil {
		return mcpsdk.NewToolResultError(fmt.Sprintf("could not encode result: %v", err))
	}
	return mcpsdk.NewToolResultText(string(body))
}

func (s *Server) handleSchedulePrompt(ctx context.Context, req mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	prompt, err := req.RequireString("prompt")
	if err != nil {
		return mcpsdk.NewToolResultError(err.Error()), nil
	}
	executeAt, err := req.RequireString("execute_at")
	if err != nil {
		return mcpsdk.NewToolResultError(err.Error()), nil
	}
	channelName, err := resolveChannelName(ctx, req.GetString("channel_name", ""))
	if err != nil {
		return mcpsdk.NewToolResultError(err.Error()), nil
	}

	sched, err := s.sched.CreateSchedule(ctx, channelName, "mcp:"+channelName, prompt, executeAt)
	if err != nil {
		return mcpsdk.NewToolResultError(fmt.Sprintf("could not schedule prompt: %v", err)), nil
	}

	return mcpsdk.NewToolResultText(fmt.Sprintf(
		"scheduled prompt %d for %s, next execution at %s",
		sched.ID, sched.ChannelName, sched.NextExecutionAt.Format("2006-01-02T15:04:05Z07:00"),
	)), nil
}

func (s *Server) handleSendAttachment(ctx context.Context, req mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	filePath, err := req.RequireString("file_path")
	if err != nil {
		return mcpsdk.NewToolResultError(err.Error()), nil
	}
	caption := req.GetString("caption", "")
	channelName, err := resolveChannelName(ctx, req.GetString("room_id", ""))
	if err != nil {
		return mcpsdk.NewToolResultError(err.Error()), nil
	}

	sess, err := s.stores.Sessions.GetSession(ctx, channelName)
	if err != nil {
		return mcpsdk.NewToolResultError(fmt.Sprintf("no such session %q", channelName)), nil
	}

	resolved := filePath
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(sess.Workspace, resolved)
	}
	if !strings.HasPrefix(resolved, filepath.Clean(sess.Workspace)+string(filepath.Separator)) {
		return mcpsdk.NewToolResultError("file_path must stay within the session workspace"), nil
	}
	if _, err := os.Stat(resolved); err != nil {
		return mcpsdk.NewToolResultError(fmt.Sprintf("attachment not found: %v", err)), nil
	}

	s.bus.PublishOutbound(bus.AttachmentResponse(sess.Name, resolved, mimeFromExt(resolved), caption))
	return mcpsdk.NewToolResultText(fmt.Sprintf("attachment %s queued for delivery to %s", filepath.Base(resolved), sess.Name)), nil
}

func (s *Server) handleListRooms(ctx context.Context, _ mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	rooms, err := listRooms(ctx, s.stores.Sessions)
	if err != nil {
		return mcpsdk.NewToolResultError(err.Error()), nil
	}
	return toJSONResult(rooms), nil
}

func (s *Server) handleGetRoomStatus(ctx context.Context, req mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	name, err := req.RequireString("channel_name")
	if err != nil {
		return mcpsdk.NewToolResultError(err.Error()), nil
	}
	room, err := getRoomByName(ctx, s.stores.Sessions, name)
	if err != nil {
		return mcpsdk.NewToolResultError(err.Error()), nil
	}
	return toJSONResult(room), nil
}

func (s *Server) handleGetRoomByName(ctx context.Context, req mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	return s.handleGetRoomStatus(ctx, req)
}

// mimeFromExt makes a best effort at a MIME type from a file
// extension; gateway adapters that care about exact types can always
// re-detect from the bytes themselves.
func mimeFromExt(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".pdf":
		return "application/pdf"
	case ".txt", ".md":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}
