// Package agentbackend defines the Agent Backend contract consumed
// by the warm session manager, and a registry for looking up a
// backend implementation by kind.
package agentbackend

import (
	"context"
	"fmt"
	"sync"
)

// EventKind tags the variant of an AgentEvent (spec §4.3).
type EventKind string

const (
	EventToolStart      EventKind = "tool_start"
	EventToolEnd        EventKind = "tool_end"
	EventToolProgress   EventKind = "tool_progress"
	EventText           EventKind = "text"
	EventResult         EventKind = "result"
	EventError          EventKind = "error"
	EventSessionInvalid EventKind = "session_invalid"
	EventSessionChanged EventKind = "session_changed"
	EventCustom         EventKind = "custom"
)

// ErrorCode classifies fatal turn failures. CodeSessionOrphaned
// triggers the warm manager's orphan recovery path; any other code
// preserves the warm entry.
type ErrorCode string

const (
	CodeSessionOrphaned ErrorCode = "SessionOrphaned"
	CodeUnknown         ErrorCode = "Unknown"
)

// Usage carries token/cost accounting for a completed turn.
type Usage struct {
	InputTokens  int
	OutputTokens int
	CostUSD      float64
}

// AgentEvent is one item in the lazy event stream a Handle's Prompt
// call returns. The stream is finite and terminates on exactly one
// of EventResult or EventError, or on the channel closing.
type AgentEvent struct {
	Kind EventKind

	// EventToolStart / EventToolEnd / EventToolProgress
	ToolName  string
	ToolInput string

	// EventText
	TextChunk string

	// EventResult
	ResultText string
	ResultUsage Usage

	// EventError / EventSessionInvalid
	ErrorCode    ErrorCode
	ErrorMessage string

	// EventSessionChanged
	NewSessionID string

	// EventCustom — a Kind prefixed "dispatch:" is routed to the
	// orchestrator's DISPATCH handling (spec §6).
	CustomKind    string
	CustomPayload string
}

// EventReceiver is the lazy stream of AgentEvent a prompt call
// returns. Callers drain it outside any warm-manager lock.
type EventReceiver <-chan AgentEvent

// Handle is a live connection to one agent subprocess/session,
// obtained from a Registry and owned by exactly one WarmSession at a
// time.
type Handle interface {
	// NewSession allocates a fresh backend-side session id.
	NewSession(ctx context.Context) (sessionID string, err error)
	// LoadSession attempts to resume a previously allocated session id.
	LoadSession(ctx context.Context, sessionID string) error
	// Prompt submits text to the given session and returns a stream of
	// AgentEvent. The stream is finite and self-terminating.
	Prompt(ctx context.Context, sessionID, text string) (EventReceiver, error)
	// Cancel is a best-effort request to stop an in-flight turn. Not
	// all backends support it.
	Cancel(ctx context.Context, requestID string) error
	// Close releases any resources (subprocess, connection) the handle
	// holds. Called when a warm entry is evicted or the manager shuts
	// down.
	Close() error
}

// Config is the JSON-shaped configuration passed to a Factory: the
// session's working directory plus whatever else the backend kind
// needs (agent binary path, model name, ...).
type Config struct {
	WorkingDir string
	Binary     string
	Extra      map[string]string
}

// Factory constructs a new Handle for one session.
type Factory func(ctx context.Context, cfg Config) (Handle, error)

// Registry resolves a backend kind string to a Factory. The warm
// session manager selects a kind per session (its backend override,
// falling back to the registry's configured default).
type Registry struct {
	mu       sync.RWMutex
	factories map[string]Factory
	defaultKind string
}

// NewRegistry creates an empty registry. defaultKind names the kind
// used when a session has no backend override.
func NewRegistry(defaultKind string) *Registry {
	return &Registry{factories: make(map[string]Factory), defaultKind: defaultKind}
}

// Register adds or replaces the factory for kind.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// DefaultKind returns the registry's configured default backend kind.
func (r *Registry) DefaultKind() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultKind
}

// Create builds a new Handle for kind (or the default kind, if kind
// is empty) using cfg.
func (r *Registry) Create(ctx context.Context, kind string, cfg Config) (Handle, error) {
	if kind == "" {
		kind = r.DefaultKind()
	}
	r.mu.RLock()
	f, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("agentbackend: unknown backend kind %q", kind)
	}
	return f(ctx, cfg)
}

// Kinds lists every registered backend kind, for CLI/diagnostics use.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	return out
}
