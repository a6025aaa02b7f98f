package warmsession

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/gorp/internal/agentbackend"
	"github.com/nextlevelbuilder/gorp/internal/agentbackend/mock"
	"github.com/nextlevelbuilder/gorp/internal/store"
	"github.com/nextlevelbuilder/gorp/internal/store/sqlite"
)

func newTestManager(t *testing.T) (*Manager, *store.Stores) {
	t.Helper()
	db, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	stores := db.AsStores()

	registry := agentbackend.NewRegistry(mock.Kind)
	registry.Register(mock.Kind, mock.NewFactory(mock.New()))

	mgr := New(Config{KeepAlive: time.Hour}, registry, stores.Sessions)
	return mgr, &stores
}

func createSession(t *testing.T, stores *store.Stores, name string) {
	t.Helper()
	require.NoError(t, stores.Sessions.CreateSession(context.Background(), store.Session{
		Name:      name,
		Workspace: "/tmp/" + name,
	}))
}

func TestWarmSessionManagerCreation(t *testing.T) {
	mgr, _ := newTestManager(t)
	assert.False(t, mgr.HasSession("ops"))
}

func TestPrepareSessionCreatesOnFirstCall(t *testing.T) {
	mgr, stores := newTestManager(t)
	createSession(t, stores, "ops")

	id, isNew, err := mgr.PrepareSession(context.Background(), SessionTarget{Name: "ops", Workspace: "/tmp/ops"})
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.NotEmpty(t, id)
	assert.True(t, mgr.HasSession("ops"))

	persisted, err := stores.Sessions.GetSession(context.Background(), "ops")
	require.NoError(t, err)
	assert.True(t, persisted.Started)
	assert.Equal(t, id, persisted.AgentID)
}

func TestPrepareSessionReusesWarmEntry(t *testing.T) {
	mgr, stores := newTestManager(t)
	createSession(t, stores, "ops")

	id1, isNew1, err := mgr.PrepareSession(context.Background(), SessionTarget{Name: "ops", Workspace: "/tmp/ops"})
	require.NoError(t, err)
	require.True(t, isNew1)

	id2, isNew2, err := mgr.PrepareSession(context.Background(), SessionTarget{Name: "ops", Workspace: "/tmp/ops"})
	require.NoError(t, err)
	assert.False(t, isNew2)
	assert.Equal(t, id1, id2)
}

func TestSendPromptReturnsEventsWithoutWarmLockHeld(t *testing.T) {
	mgr, stores := newTestManager(t)
	createSession(t, stores, "ops")

	id, _, err := mgr.PrepareSession(context.Background(), SessionTarget{Name: "ops", Workspace: "/tmp/ops"})
	require.NoError(t, err)

	events, err := mgr.SendPrompt(context.Background(), "ops", id, "hello")
	require.NoError(t, err)

	var sawResult bool
	for ev := range events {
		if ev.Kind == agentbackend.EventResult {
			sawResult = true
			assert.Equal(t, "hello", ev.ResultText)
		}
	}
	assert.True(t, sawResult)
}

func TestCleanupStaleRemovesOldSessions(t *testing.T) {
	mgr, stores := newTestManager(t)
	createSession(t, stores, "ops")

	_, _, err := mgr.PrepareSession(context.Background(), SessionTarget{Name: "ops", Workspace: "/tmp/ops"})
	require.NoError(t, err)
	require.True(t, mgr.HasSession("ops"))

	ws, ok := mgr.existing("ops")
	require.True(t, ok)
	ws.mu.Lock()
	ws.lastUsed = time.Now().Add(-2 * time.Hour)
	ws.mu.Unlock()

	removed := mgr.CleanupStale()
	assert.Equal(t, 1, removed)
	assert.False(t, mgr.HasSession("ops"))
}

func TestCleanupStaleWithNoSessions(t *testing.T) {
	mgr, _ := newTestManager(t)
	assert.Equal(t, 0, mgr.CleanupStale())
}

func TestCleanupStaleKeepsAllRecentSessions(t *testing.T) {
	mgr, stores := newTestManager(t)
	createSession(t, stores, "ops")
	createSession(t, stores, "research")

	_, _, err := mgr.PrepareSession(context.Background(), SessionTarget{Name: "ops", Workspace: "/tmp/ops"})
	require.NoError(t, err)
	_, _, err = mgr.PrepareSession(context.Background(), SessionTarget{Name: "research", Workspace: "/tmp/research"})
	require.NoError(t, err)

	assert.Equal(t, 0, mgr.CleanupStale())
	assert.True(t, mgr.HasSession("ops"))
	assert.True(t, mgr.HasSession("research"))
}

func TestPreWarmOnlyReportsFreshlyCreatedSessions(t *testing.T) {
	mgr, stores := newTestManager(t)
	createSession(t, stores, "ops")

	newID, err := mgr.PreWarm(context.Background(), SessionTarget{Name: "ops", Workspace: "/tmp/ops"})
	require.NoError(t, err)
	assert.NotEmpty(t, newID)

	// A second pre-warm against an already-warm session reports nothing.
	again, err := mgr.PreWarm(context.Background(), SessionTarget{Name: "ops", Workspace: "/tmp/ops"})
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestOrphanRecoveryEvictsAndResetsPersistedID(t *testing.T) {
	mgr, stores := newTestManager(t)
	createSession(t, stores, "ops")

	_, _, err := mgr.PrepareSession(context.Background(), SessionTarget{Name: "ops", Workspace: "/tmp/ops"})
	require.NoError(t, err)
	require.True(t, mgr.HasSession("ops"))

	mgr.HandleEvent(context.Background(), "ops", agentbackend.AgentEvent{
		Kind:      agentbackend.EventError,
		ErrorCode: agentbackend.CodeSessionOrphaned,
	})

	assert.False(t, mgr.HasSession("ops"))

	persisted, err := stores.Sessions.GetSession(context.Background(), "ops")
	require.NoError(t, err)
	assert.False(t, persisted.Started)
	assert.Empty(t, persisted.AgentID)
}

func TestSessionChangedEventRotatesPersistedID(t *testing.T) {
	mgr, stores := newTestManager(t)
	createSession(t, stores, "ops")

	_, _, err := mgr.PrepareSession(context.Background(), SessionTarget{Name: "ops", Workspace: "/tmp/ops"})
	require.NoError(t, err)

	mgr.HandleEvent(context.Background(), "ops", agentbackend.AgentEvent{
		Kind:         agentbackend.EventSessionChanged,
		NewSessionID: "rotated-id",
	})

	persisted, err := stores.Sessions.GetSession(context.Background(), "ops")
	require.NoError(t, err)
	assert.Equal(t, "rotated-id", persisted.AgentID)
}
