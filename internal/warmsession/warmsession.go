// Package warmsession is the warm session manager: a per-session
// cache of live agent subprocess handles with lazy creation,
// per-session locking, idle eviction, pre-warming, and orphan
// recovery.
package warmsession

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/gorp/internal/agentbackend"
	"github.com/nextlevelbuilder/gorp/internal/store"
)

// Config shapes warm-session lifetime behavior.
type Config struct {
	// KeepAlive is how long a session may sit idle before idle
	// eviction removes its warm entry (default 1h per spec §5).
	KeepAlive time.Duration
	// PreWarmLeadTime is unused by this package directly but kept
	// alongside KeepAlive since both come from the same config block
	// and the scheduler reads it to size its lookahead window.
	PreWarmLeadTime time.Duration
}

// SessionTarget is the minimal view of a store.Session the manager
// needs to create or resume an agent handle.
type SessionTarget struct {
	Name        string
	Workspace   string
	BackendKind string
	Started     bool
	AgentID     string
}

// warmSession is one cached handle. All mutation of its fields must
// happen while its own mutex is held; the mutex is never held across
// a call into the agent handle's Prompt method.
type warmSession struct {
	mu          sync.Mutex
	handle      agentbackend.Handle
	sessionID   string
	lastUsed    time.Time
	invalidated bool
}

// Manager is the warm session manager described in spec §4.3. Its
// map lock (mu) protects only the map itself and is held for O(1)
// work; each warmSession's own mutex protects that session's fields
// and is likewise held only for O(1) work, never across a prompt's
// event stream.
type Manager struct {
	cfg      Config
	registry *agentbackend.Registry
	sessions store.SessionStore

	mu      sync.RWMutex
	entries map[string]*warmSession
}

// New creates a Manager backed by registry (for constructing agent
// handles) and sessions (for persisting id rotations on orphan
// recovery).
func New(cfg Config, registry *agentbackend.Registry, sessions store.SessionStore) *Manager {
	return &Manager{
		cfg:      cfg,
		registry: registry,
		sessions: sessions,
		entries:  make(map[string]*warmSession),
	}
}

func (m *Manager) existing(name string) (*warmSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ws, ok := m.entries[name]
	return ws, ok
}

// insert records ws under name unless another caller raced us and
// already inserted one, in which case the existing entry wins and is
// returned (the caller discards its own freshly built handle).
func (m *Manager) insert(name string, ws *warmSession) *warmSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.entries[name]; ok {
		return existing
	}
	m.entries[name] = ws
	return ws
}

func (m *Manager) evict(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, name)
}

// PrepareSession is prepare_session_async: the preferred entry point.
// It returns the session's current backend session id and whether a
// brand new agent id was created. Heavy work (handle construction,
// new_session/load_session) always happens outside any lock.
func (m *Manager) PrepareSession(ctx context.Context, target SessionTarget) (sessionID string, isNew bool, err error) {
	// Step 1: quick check for an existing entry.
	if ws, ok := m.existing(target.Name); ok {
		ws.mu.Lock()
		ws.lastUsed = time.Now()
		id := ws.sessionID
		ws.mu.Unlock()
		slog.Info("warmsession: reusing existing handle", "session", target.Name, "agent_session_id", id)
		return id, false, nil
	}

	// Step 2: build a fresh handle outside any lock.
	slog.Info("warmsession: creating new agent handle", "session", target.Name, "workspace", target.Workspace)
	handle, err := m.registry.Create(ctx, target.BackendKind, agentbackend.Config{
		WorkingDir: target.Workspace,
	})
	if err != nil {
		return "", false, fmt.Errorf("warmsession: create handle for %q: %w", target.Name, err)
	}

	// Step 3: resume or create, outside any lock.
	var id string
	var fresh bool
	if target.Started && target.AgentID != "" {
		if loadErr := handle.LoadSession(ctx, target.AgentID); loadErr == nil {
			id = target.AgentID
			fresh = false
			slog.Info("warmsession: resumed session", "session", target.Name, "agent_session_id", id)
		} else {
			slog.Warn("warmsession: resume failed, creating fresh session", "session", target.Name, "error", loadErr)
			id, err = handle.NewSession(ctx)
			if err != nil {
				_ = handle.Close()
				return "", false, fmt.Errorf("warmsession: new_session for %q: %w", target.Name, err)
			}
			fresh = true
		}
	} else {
		id, err = handle.NewSession(ctx)
		if err != nil {
			_ = handle.Close()
			return "", false, fmt.Errorf("warmsession: new_session for %q: %w", target.Name, err)
		}
		fresh = true
	}

	ws := &warmSession{handle: handle, sessionID: id, lastUsed: time.Now()}

	// Step 4: brief write-lock insert, race-checked.
	final := m.insert(target.Name, ws)
	if final != ws {
		// Another caller beat us to it; discard our handle.
		_ = handle.Close()
		final.mu.Lock()
		final.lastUsed = time.Now()
		winnerID := final.sessionID
		final.mu.Unlock()
		return winnerID, false, nil
	}
	if fresh && m.sessions != nil {
		if sess, getErr := m.sessions.GetSession(ctx, target.Name); getErr == nil {
			sess.AgentID = id
			sess.Started = true
			if updErr := m.sessions.UpdateSession(ctx, sess); updErr != nil {
				slog.Warn("warmsession: failed to persist new agent id", "session", target.Name, "error", updErr)
			}
		} else {
			slog.Warn("warmsession: failed to load session row to persist agent id", "session", target.Name, "error", getErr)
		}
	}
	return id, fresh, nil
}

// SendPrompt is send_prompt_with_handle: it locks the session only
// long enough to clone the handle and update last_used, then calls
// Prompt entirely outside any lock.
func (m *Manager) SendPrompt(ctx context.Context, sessionName, agentSessionID, text string) (agentbackend.EventReceiver, error) {
	ws, ok := m.existing(sessionName)
	if !ok {
		return nil, fmt.Errorf("warmsession: no warm handle for %q", sessionName)
	}
	ws.mu.Lock()
	ws.lastUsed = time.Now()
	handle := ws.handle
	ws.mu.Unlock()

	return handle.Prompt(ctx, agentSessionID, text)
}

// HandleEvent applies the orphan-recovery and session-id-rotation
// side effects described in spec §4.3 for one event observed while
// draining a prompt's event stream. Callers should invoke this for
// every event as it streams past, outside any lock (HandleEvent takes
// its own locks as needed).
func (m *Manager) HandleEvent(ctx context.Context, sessionName string, ev agentbackend.AgentEvent) {
	switch ev.Kind {
	case agentbackend.EventSessionChanged:
		if ws, ok := m.existing(sessionName); ok {
			ws.mu.Lock()
			ws.sessionID = ev.NewSessionID
			ws.mu.Unlock()
		}
		if m.sessions != nil {
			if sess, err := m.sessions.GetSession(ctx, sessionName); err == nil {
				sess.AgentID = ev.NewSessionID
				sess.Started = true
				if err := m.sessions.UpdateSession(ctx, sess); err != nil {
					slog.Warn("warmsession: failed to persist rotated session id", "session", sessionName, "error", err)
				}
			} else {
				slog.Warn("warmsession: failed to load session row to persist rotated id", "session", sessionName, "error", err)
			}
		}
	case agentbackend.EventSessionInvalid:
		m.recoverOrphan(ctx, sessionName)
	case agentbackend.EventError:
		if ev.ErrorCode == agentbackend.CodeSessionOrphaned {
			m.recoverOrphan(ctx, sessionName)
		}
	}
}

// recoverOrphan implements spec §4.3's orphan recovery: invalidate
// and evict the warm entry, then reset the persisted agent id so the
// next prompt starts fresh.
func (m *Manager) recoverOrphan(ctx context.Context, sessionName string) {
	if ws, ok := m.existing(sessionName); ok {
		ws.mu.Lock()
		ws.invalidated = true
		handle := ws.handle
		ws.mu.Unlock()
		_ = handle.Close()
	}
	m.evict(sessionName)
	if m.sessions == nil {
		return
	}
	if err := m.sessions.ResetSession(ctx, sessionName, ""); err != nil {
		slog.Warn("warmsession: failed to reset persisted session id after orphan recovery", "session", sessionName, "error", err)
	}
}

// PreWarm calls PrepareSession purely for its side effect of
// producing a warm entry, returning the new agent id only if a fresh
// one was created (the caller should persist it), per spec §4.3
// "Pre-warm".
func (m *Manager) PreWarm(ctx context.Context, target SessionTarget) (newAgentID string, err error) {
	if _, ok := m.existing(target.Name); ok {
		return "", nil
	}
	id, isNew, err := m.PrepareSession(ctx, target)
	if err != nil {
		return "", err
	}
	if isNew {
		return id, nil
	}
	return "", nil
}

// CleanupStale is the idle-eviction background sweep: it removes any
// entry whose mutex is immediately available (try-lock) and whose
// last_used predates now-KeepAlive. Locked (in-use) entries are never
// evicted.
func (m *Manager) CleanupStale() int {
	now := time.Now()
	keepAlive := m.cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = time.Hour
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for name, ws := range m.entries {
		if !ws.mu.TryLock() {
			continue // in use, never evict
		}
		age := now.Sub(ws.lastUsed)
		handle := ws.handle
		stale := age > keepAlive
		ws.mu.Unlock()
		if stale {
			_ = handle.Close()
			delete(m.entries, name)
			removed++
			slog.Info("warmsession: removed stale handle", "session", name, "idle", age)
		}
	}
	return removed
}

// HasSession reports whether name currently has a warm entry.
func (m *Manager) HasSession(name string) bool {
	_, ok := m.existing(name)
	return ok
}

// CloseAll closes every warm handle. Used during orchestrator
// shutdown after in-flight work has drained.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, ws := range m.entries {
		ws.mu.Lock()
		_ = ws.handle.Close()
		ws.mu.Unlock()
		delete(m.entries, name)
	}
}
