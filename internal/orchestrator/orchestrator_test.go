package orchestrator

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/gorp/internal/agentbackend"
	"github.com/nextlevelbuilder/gorp/internal/agentbackend/mock"
	"github.com/nextlevelbuilder/gorp/internal/bus"
	"github.com/nextlevelbuilder/gorp/internal/store"
	"github.com/nextlevelbuilder/gorp/internal/store/sqlite"
	"github.com/nextlevelbuilder/gorp/internal/warmsession"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *bus.Bus, *store.Stores) {
	t.Helper()
	db, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	stores := db.AsStores()

	registry := agentbackend.NewRegistry(mock.Kind)
	registry.Register(mock.Kind, mock.NewFactory(mock.New()))

	b := bus.New(16)
	warm := warmsession.New(warmsession.Config{KeepAlive: time.Hour}, registry, stores.Sessions)

	root := t.TempDir()
	o := New(Config{WorkspaceRoot: root, ShutdownTimeout: time.Second}, b, warm, &stores)
	return o, b, &stores
}

func runLoop(t *testing.T, o *Orchestrator) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = o.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestDispatchCreateAndList(t *testing.T) {
	o, b, _ := newTestOrchestrator(t)
	runLoop(t, o)

	out := b.SubscribeResponses()
	defer out.Close()

	b.PublishInbound(bus.BusMessage{ID: "1", Target: bus.DispatchTarget(), Body: "!create research"})
	first := mustReceive(t, out)
	assert.Equal(t, bus.ContentSystemNotice, first.Kind)

	b.PublishInbound(bus.BusMessage{ID: "2", Target: bus.DispatchTarget(), Body: "!list"})
	second := mustReceive(t, out)
	assert.Contains(t, second.Text, "research")
}

func TestDispatchBindAndRoute(t *testing.T) {
	o, b, _ := newTestOrchestrator(t)
	runLoop(t, o)

	out := b.SubscribeResponses()
	defer out.Close()

	source := bus.PlatformSource("telegram", "chat-1")

	b.PublishInbound(bus.BusMessage{ID: "1", Target: bus.DispatchTarget(), Source: source, Body: "!create X"})
	mustReceive(t, out)

	b.PublishInbound(bus.BusMessage{ID: "2", Target: bus.DispatchTarget(), Source: source, Body: "!join X"})
	mustReceive(t, out)

	b.PublishInbound(bus.BusMessage{ID: "3", Target: bus.BoundTarget(), Source: source, Body: "hello"})

	var sawChunk bool
	deadline := time.After(2 * time.Second)
	for !sawChunk {
		select {
		case env := <-out.C():
			if env.Response.SessionName == "x" {
				sawChunk = true
			}
		case <-deadline:
			t.Fatal("expected a response routed to session x")
		}
	}
}

func TestDispatchTellRelay(t *testing.T) {
	o, b, _ := newTestOrchestrator(t)
	runLoop(t, o)

	out := b.SubscribeResponses()
	defer out.Close()
	inbound := b.SubscribeInbound()
	defer inbound.Close()

	b.PublishInbound(bus.BusMessage{ID: "1", Target: bus.DispatchTarget(), Body: "!create Y"})
	mustReceive(t, out)

	// drain the inbound subscriber of the !create message itself before
	// asserting on the relayed one
	select {
	case <-inbound.C():
	case <-time.After(time.Second):
	}

	b.PublishInbound(bus.BusMessage{ID: "2", Target: bus.DispatchTarget(), Body: "!tell Y ping"})
	mustReceive(t, out)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-inbound.C():
			if env.Message.Target.Kind == bus.TargetSession && env.Message.Target.Name == "y" {
				assert.Equal(t, "ping", env.Message.Body)
				return
			}
		case <-deadline:
			t.Fatal("expected a relayed inbound message targeting session y")
		}
	}
}

func TestValidSessionName(t *testing.T) {
	assert.True(t, ValidSessionName("ops"))
	assert.True(t, ValidSessionName("ops-2"))
	assert.False(t, ValidSessionName(".hidden"))
	assert.False(t, ValidSessionName("-ops"))
	assert.False(t, ValidSessionName(""))
}

func mustReceive(t *testing.T, out *bus.OutboundSubscription) bus.BusResponse {
	t.Helper()
	select {
	case env := <-out.C():
		return env.Response
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound response")
		return bus.BusResponse{}
	}
}

func TestMain(m *testing.M) {
	os.Exit(m.Run())
}
