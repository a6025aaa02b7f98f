package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/gorp/internal/agentbackend"
	"github.com/nextlevelbuilder/gorp/internal/agentbackend/mock"
	"github.com/nextlevelbuilder/gorp/internal/bus"
	"github.com/nextlevelbuilder/gorp/internal/orchestrator"
	"github.com/nextlevelbuilder/gorp/internal/ratelimit"
	"github.com/nextlevelbuilder/gorp/internal/store"
	"github.com/nextlevelbuilder/gorp/internal/store/sqlite"
	"github.com/nextlevelbuilder/gorp/internal/warmsession"
)

func newTestServer(t *testing.T, apiKey string) (*Server, *store.Stores) {
	t.Helper()
	db, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	stores := db.AsStores()

	registry := agentbackend.NewRegistry(mock.Kind)
	registry.Register(mock.Kind, mock.NewFactory(mock.New()))

	b := bus.New(16)
	warm := warmsession.New(warmsession.Config{KeepAlive: time.Hour}, registry, stores.Sessions)
	orch := orchestrator.New(orchestrator.Config{WorkspaceRoot: t.TempDir(), ShutdownTimeout: time.Second}, b, warm, &stores)

	srv := New(Config{APIKey: apiKey}, orch, &stores)
	return srv, &stores
}

func doWebhook(t *testing.T, srv *Server, sessionID string, body map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/webhook/session/"+sessionID, bytes.NewReader(payload))
	req.SetPathValue("session_id", sessionID)
	rec := httptest.NewRecorder()
	srv.handleWebhook(rec, req)
	return rec
}

func TestWebhookDeliversPromptAndReturns200(t *testing.T) {
	srv, stores := newTestServer(t, "")
	require.NoError(t, stores.Sessions.CreateSession(context.Background(), store.Session{Name: "ops", Workspace: t.TempDir()}))

	rec := doWebhook(t, srv, "ops", map[string]string{"prompt": "status check"})
	assert.Equal(t, 200, rec.Code)

	var resp webhookResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
}

func TestWebhookRejectsEmptyPrompt(t *testing.T) {
	srv, stores := newTestServer(t, "")
	require.NoError(t, stores.Sessions.CreateSession(context.Background(), store.Session{Name: "ops", Workspace: t.TempDir()}))

	rec := doWebhook(t, srv, "ops", map[string]string{"prompt": ""})
	assert.Equal(t, 400, rec.Code)
}

func TestWebhookRejectsOversizedPrompt(t *testing.T) {
	srv, stores := newTestServer(t, "")
	require.NoError(t, stores.Sessions.CreateSession(context.Background(), store.Session{Name: "ops", Workspace: t.TempDir()}))

	huge := make([]byte, maxPromptBytes+1)
	for i := range huge {
		huge[i] = 'x'
	}
	rec := doWebhook(t, srv, "ops", map[string]string{"prompt": string(huge)})
	assert.Equal(t, 400, rec.Code)
}

func TestWebhookRejectsBadAPIKey(t *testing.T) {
	srv, stores := newTestServer(t, "secret")
	require.NoError(t, stores.Sessions.CreateSession(context.Background(), store.Session{Name: "ops", Workspace: t.TempDir()}))

	rec := doWebhook(t, srv, "ops", map[string]string{"prompt": "hi", "api_key": "wrong"})
	assert.Equal(t, 401, rec.Code)
}

func TestWebhookAcceptsCorrectAPIKey(t *testing.T) {
	srv, stores := newTestServer(t, "secret")
	require.NoError(t, stores.Sessions.CreateSession(context.Background(), store.Session{Name: "ops", Workspace: t.TempDir()}))

	rec := doWebhook(t, srv, "ops", map[string]string{"prompt": "hi", "api_key": "secret"})
	assert.Equal(t, 200, rec.Code)
}

func TestWebhookRejectsUnknownSession(t *testing.T) {
	srv, _ := newTestServer(t, "")
	rec := doWebhook(t, srv, "ghost", map[string]string{"prompt": "hi"})
	assert.Equal(t, 404, rec.Code)
}

func TestWebhookRateLimiterBlocksAfterThreshold(t *testing.T) {
	rl := ratelimit.New()
	for i := 0; i < 30; i++ {
		assert.True(t, rl.Allow("ops"))
	}
	assert.False(t, rl.Allow("ops"))
}
