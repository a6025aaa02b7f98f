package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/gorp/internal/bus"
	"github.com/nextlevelbuilder/gorp/internal/store"
)

// Manager owns the configured set of gateway adapters. At startup it
// restores every persisted connection binding into the bus's
// in-memory binding table (so a restart doesn't forget which chats
// are joined to which sessions), starts each adapter, and fans out
// every outbound BusResponse to all of them.
type Manager struct {
	bus      *bus.Bus
	sessions store.SessionStore
	adapters map[string]Adapter

	mu  sync.Mutex
	sub *bus.OutboundSubscription
}

// NewManager creates an empty Manager. Adapters are added with Register.
func NewManager(b *bus.Bus, sessions store.SessionStore) *Manager {
	return &Manager{bus: b, sessions: sessions, adapters: make(map[string]Adapter)}
}

// Register adds an adapter. Call before Start.
func (m *Manager) Register(a Adapter) {
	m.adapters[a.PlatformID()] = a
}

// Len reports how many adapters are registered, for startup logging.
func (m *Manager) Len() int { return len(m.adapters) }

// Start restores bindings, starts every registered adapter, and begins
// the outbound fan-out loop. If any adapter fails to start, Start
// returns its error after attempting to stop adapters already
// started.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.restoreBindings(ctx); err != nil {
		return fmt.Errorf("channels: restoring bindings: %w", err)
	}

	started := make([]Adapter, 0, len(m.adapters))
	for platform, a := range m.adapters {
		if err := a.Start(ctx); err != nil {
			for _, s := range started {
				_ = s.Stop(ctx)
			}
			return fmt.Errorf("channels: starting %s adapter: %w", platform, err)
		}
		started = append(started, a)
		slog.Info("channels: adapter started", "platform", platform)
	}

	m.mu.Lock()
	m.sub = m.bus.SubscribeResponses()
	m.mu.Unlock()

	go m.dispatchOutbound(ctx)
	return nil
}

// Stop stops every registered adapter and closes the outbound
// subscription. Collects and returns the first error encountered but
// still attempts to stop every adapter.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.sub != nil {
		m.sub.Close()
		m.sub = nil
	}
	m.mu.Unlock()

	var firstErr error
	for platform, a := range m.adapters {
		if err := a.Stop(ctx); err != nil {
			slog.Error("channels: error stopping adapter", "platform", platform, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (m *Manager) dispatchOutbound(ctx context.Context) {
	m.mu.Lock()
	sub := m.sub
	m.mu.Unlock()
	if sub == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-sub.C():
			if !ok {
				return
			}
			m.fanOut(ctx, env.Response)
		}
	}
}

func (m *Manager) fanOut(ctx context.Context, resp bus.BusResponse) {
	for platform, a := range m.adapters {
		if err := a.Send(ctx, resp); err != nil {
			slog.Warn("channels: adapter send failed", "platform", platform, "session", resp.SessionName, "error", err)
		}
	}
}

// restoreBindings loads every persisted connection binding into the
// bus's in-memory table, so adapters can resolve a session's bound
// connections on their very first Send after a restart.
func (m *Manager) restoreBindings(ctx context.Context) error {
	sessions, err := m.sessions.ListSessions(ctx)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		bindings, err := m.sessions.ListBindings(ctx, s.Name)
		if err != nil {
			return err
		}
		for _, b := range bindings {
			m.bus.SetBinding(b.Platform, b.ConnectionID, b.SessionName)
		}
	}
	return nil
}
