package mcpserver

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/gorp/internal/bus"
	"github.com/nextlevelbuilder/gorp/internal/scheduler"
	"github.com/nextlevelbuilder/gorp/internal/store"
	"github.com/nextlevelbuilder/gorp/internal/store/sqlite"
	"github.com/nextlevelbuilder/gorp/internal/warmsession"
	"github.com/nextlevelbuilder/gorp/internal/agentbackend"
	"github.com/nextlevelbuilder/gorp/internal/agentbackend/mock"

	mcpsdk "github.com/mark3labs/mcp-go/mcp"
)

func newTestMCPServer(t *testing.T) (*Server, *store.Stores) {
	t.Helper()
	db, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	stores := db.AsStores()

	registry := agentbackend.NewRegistry(mock.Kind)
	registry.Register(mock.Kind, mock.NewFactory(mock.New()))

	b := bus.New(16)
	warm := warmsession.New(warmsession.Config{KeepAlive: time.Hour}, registry, stores.Sessions)
	sched, err := scheduler.New(scheduler.Config{Timezone: "UTC"}, b, warm, &stores)
	require.NoError(t, err)

	return New(Config{}, sched, b, &stores), &stores
}

func callTool(ctx context.Context, s *Server, handler func(context.Context, mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error), args map[string]any) (*mcpsdk.CallToolResult, error) {
	req := mcpsdk.CallToolRequest{}
	req.Params.Arguments = args
	return handler(ctx, req)
}

func TestScheduleToolCreatesScheduleForExplicitChannel(t *testing.T) {
	srv, stores := newTestMCPServer(t)
	ctx := context.Background()
	require.NoError(t, stores.Sessions.CreateSession(ctx, store.Session{Name: "ops", Workspace: t.TempDir()}))

	result, err := callTool(ctx, srv, srv.handleSchedulePrompt, map[string]any{
		"prompt":       "status check",
		"execute_at":   "in 5 minutes",
		"channel_name": "ops",
	})
	require.NoError(t, err)
	require.False(t, result.IsError)

	rows, err := stores.Scheduler.ListSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "ops", rows[0].ChannelName)
}

func TestScheduleToolFallsBackToSessionHeader(t *testing.T) {
	srv, stores := newTestMCPServer(t)
	ctx := context.Background()
	require.NoError(t, stores.Sessions.CreateSession(ctx, store.Session{Name: "ops", Workspace: t.TempDir()}))

	ctxWithSession := context.WithValue(ctx, sessionHeaderKey{}, "ops")
	result, err := callTool(ctxWithSession, srv, srv.handleSchedulePrompt, map[string]any{
		"prompt":     "status check",
		"execute_at": "in 5 minutes",
	})
	require.NoError(t, err)
	require.False(t, result.IsError)
}

func TestScheduleToolErrorsWithoutChannelNameOrHeader(t *testing.T) {
	srv, _ := newTestMCPServer(t)
	ctx := context.Background()

	result, err := callTool(ctx, srv, srv.handleSchedulePrompt, map[string]any{
		"prompt":     "status check",
		"execute_at": "in 5 minutes",
	})
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestSendAttachmentPublishesOutboundAndRejectsEscapingPaths(t *testing.T) {
	srv, stores := newTestMCPServer(t)
	ctx := context.Background()
	workspace := t.TempDir()
	require.NoError(t, stores.Sessions.CreateSession(ctx, store.Session{Name: "ops", Workspace: workspace}))
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "report.png"), []byte("x"), 0o644))

	sub := srv.bus.SubscribeResponses()
	defer sub.Close()

	result, err := callTool(ctx, srv, srv.handleSendAttachment, map[string]any{
		"file_path": "report.png",
		"room_id":   "ops",
		"caption":   "weekly report",
	})
	require.NoError(t, err)
	require.False(t, result.IsError)

	select {
	case env := <-sub.C():
		assert.Equal(t, bus.ContentAttachment, env.Response.Kind)
		assert.Equal(t, "weekly report", env.Response.Text)
		require.NotNil(t, env.Response.Media)
		assert.Equal(t, "image/png", env.Response.Media.MIME)
	case <-time.After(time.Second):
		t.Fatal("expected an outbound attachment response")
	}

	escaping, err := callTool(ctx, srv, srv.handleSendAttachment, map[string]any{
		"file_path": "../../etc/passwd",
		"room_id":   "ops",
	})
	require.NoError(t, err)
	assert.True(t, escaping.IsError)
}

func TestListRoomsExcludesDispatch(t *testing.T) {
	srv, stores := newTestMCPServer(t)
	ctx := context.Background()
	require.NoError(t, stores.Sessions.CreateSession(ctx, store.Session{Name: "ops", Workspace: t.TempDir()}))
	require.NoError(t, stores.Sessions.CreateSession(ctx, store.Session{Name: "dispatch", Workspace: t.TempDir(), Dispatch: true}))

	result, err := callTool(ctx, srv, srv.handleListRooms, nil)
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "\"ops\"")
	assert.NotContains(t, resultText(t, result), "dispatch")
}

func TestGetRoomStatusNotFound(t *testing.T) {
	srv, _ := newTestMCPServer(t)
	ctx := context.Background()

	result, err := callTool(ctx, srv, srv.handleGetRoomStatus, map[string]any{"channel_name": "ghost"})
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func resultText(t *testing.T, result *mcpsdk.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcpsdk.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no text content in result")
	return ""
}
