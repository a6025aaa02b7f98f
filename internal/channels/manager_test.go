package channels

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/gorp/internal/bus"
	"github.com/nextlevelbuilder/gorp/internal/store"
	"github.com/nextlevelbuilder/gorp/internal/store/sqlite"
)

// fakeAdapter records Start/Stop/Send calls for assertions without
// pulling in any real platform SDK.
type fakeAdapter struct {
	platform string
	startErr error

	mu       sync.Mutex
	started  bool
	stopped  bool
	received []bus.BusResponse
}

func (f *fakeAdapter) PlatformID() string { return f.platform }

func (f *fakeAdapter) Start(context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) Stop(context.Context) error {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) Send(_ context.Context, resp bus.BusResponse) error {
	f.mu.Lock()
	f.received = append(f.received, resp)
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) receivedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

func newTestStores(t *testing.T) store.Stores {
	t.Helper()
	db, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db.AsStores()
}

func TestManagerStartRestoresBindingsAndFansOutResponses(t *testing.T) {
	stores := newTestStores(t)
	ctx := context.Background()

	require.NoError(t, stores.Sessions.CreateSession(ctx, store.Session{Name: "research", Workspace: t.TempDir()}))
	require.NoError(t, stores.Sessions.SetBinding(ctx, store.ConnectionBinding{
		Platform: "telegram", ConnectionID: "chat-1", SessionName: "research",
	}))

	b := bus.New(16)
	mgr := NewManager(b, stores.Sessions)
	adapter := &fakeAdapter{platform: "telegram"}
	mgr.Register(adapter)

	require.Equal(t, 1, mgr.Len())
	require.NoError(t, mgr.Start(ctx))
	defer func() { _ = mgr.Stop(ctx) }()

	assert.True(t, adapter.started)
	target := b.ResolveTarget("telegram", "chat-1")
	assert.Equal(t, bus.TargetSession, target.Kind)
	assert.Equal(t, "research", target.Name)

	b.PublishOutbound(bus.CompleteResponse("research", "done"))

	require.Eventually(t, func() bool { return adapter.receivedCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestManagerStartRollsBackOnAdapterFailure(t *testing.T) {
	stores := newTestStores(t)
	b := bus.New(16)
	mgr := NewManager(b, stores.Sessions)

	good := &fakeAdapter{platform: "discord"}
	bad := &fakeAdapter{platform: "slack", startErr: assert.AnError}
	mgr.Register(good)
	mgr.Register(bad)

	err := mgr.Start(context.Background())
	require.Error(t, err)
	// Adapters start in map order, so good may or may not have started
	// before bad failed; if it did, the rollback must have stopped it.
	assert.Equal(t, good.started, good.stopped)
}

func TestManagerStopStopsEveryAdapter(t *testing.T) {
	stores := newTestStores(t)
	b := bus.New(16)
	mgr := NewManager(b, stores.Sessions)

	a := &fakeAdapter{platform: "web"}
	mgr.Register(a)

	require.NoError(t, mgr.Start(context.Background()))
	require.NoError(t, mgr.Stop(context.Background()))

	assert.True(t, a.stopped)
}
