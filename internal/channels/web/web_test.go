package web

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/gorp/internal/bus"
	"github.com/nextlevelbuilder/gorp/internal/store"
	"github.com/nextlevelbuilder/gorp/internal/store/sqlite"
)

func newTestSessions(t *testing.T) store.SessionStore {
	t.Helper()
	db, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db.AsStores().Sessions
}

func TestHandleWSRejectsBadToken(t *testing.T) {
	b := bus.New(16)
	a := New(Config{Token: "secret"}, b, newTestSessions(t))

	srv := httptest.NewServer(http.HandlerFunc(a.handleWS))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=wrong"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandleWSPublishesPromptsAndRelaysResponses(t *testing.T) {
	ctx := context.Background()
	b := bus.New(16)
	sessions := newTestSessions(t)
	a := New(Config{}, b, sessions)

	srv := httptest.NewServer(http.HandlerFunc(a.handleWS))
	defer srv.Close()

	require.NoError(t, sessions.CreateSession(ctx, store.Session{Name: "research", Workspace: t.TempDir()}))

	sub := b.SubscribeInbound()
	defer sub.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(inboundFrame{Prompt: "hello there"}))

	select {
	case env := <-sub.C():
		assert.Equal(t, "hello there", env.Message.Body)
		platform, connID := env.Message.Source.PlatformKey()
		assert.Equal(t, "web", platform)

		require.NoError(t, sessions.SetBinding(ctx, store.ConnectionBinding{
			Platform: "web", ConnectionID: connID, SessionName: "research",
		}))
	case <-time.After(time.Second):
		t.Fatal("expected inbound prompt")
	}

	require.NoError(t, a.Send(ctx, bus.CompleteResponse("research", "done thinking")))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	var out outboundFrame
	require.NoError(t, conn.ReadJSON(&out))
	assert.Equal(t, "done thinking", out.Text)
}
