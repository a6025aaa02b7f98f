// Package orchestrator is the single actor that consumes the bus's
// inbound stream, interprets DISPATCH control commands, and relays
// everything else to the warm session manager.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/gorp/internal/agentbackend"
	"github.com/nextlevelbuilder/gorp/internal/bus"
	"github.com/nextlevelbuilder/gorp/internal/store"
	"github.com/nextlevelbuilder/gorp/internal/warmsession"
)

func newEventID() string { return uuid.NewString() }

// DispatchSessionName is the reserved, always-present control-plane
// session name.
const DispatchSessionName = "dispatch"

// sessionNamePattern enforces spec's session-name shape: lowercase
// [a-z0-9_-], 1-64 chars, not starting with '.' or '-'.
var sessionNamePattern = regexp.MustCompile(`^[a-z0-9_][a-z0-9_-]{0,63}$`)

// ValidSessionName reports whether name satisfies the naming invariant.
func ValidSessionName(name string) bool {
	return sessionNamePattern.MatchString(name)
}

// Config shapes the orchestrator's session-creation and shutdown
// behavior.
type Config struct {
	WorkspaceRoot      string
	DefaultBackendKind string
	ShutdownTimeout    time.Duration
}

// Orchestrator wires the bus, the warm session manager, and the store
// together per spec §4.2.
type Orchestrator struct {
	cfg    Config
	bus    *bus.Bus
	warm   *warmsession.Manager
	stores *store.Stores

	wg sync.WaitGroup
}

// New builds an Orchestrator. stores must have all three sub-stores
// populated.
func New(cfg Config, b *bus.Bus, warm *warmsession.Manager, stores *store.Stores) *Orchestrator {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return &Orchestrator{cfg: cfg, bus: b, warm: warm, stores: stores}
}

// Run consumes the inbound subscription until ctx is cancelled, then
// waits (up to cfg.ShutdownTimeout) for in-flight message handlers to
// finish before returning.
func (o *Orchestrator) Run(ctx context.Context) error {
	sub := o.bus.SubscribeInbound()
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return o.drain()
		case env, ok := <-sub.C():
			if !ok {
				return o.drain()
			}
			if env.LaggedBy > 0 {
				slog.Warn("orchestrator: inbound subscriber lagged", "dropped", env.LaggedBy)
			}
			msg := env.Message
			o.wg.Add(1)
			go func() {
				defer o.wg.Done()
				o.handle(ctx, msg)
			}()
		}
	}
}

func (o *Orchestrator) drain() error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(o.cfg.ShutdownTimeout):
		return fmt.Errorf("orchestrator: shutdown timed out with handlers still in flight")
	}
}

// handle resolves msg's target and either executes it as a DISPATCH
// command or forwards it to a worker session.
func (o *Orchestrator) handle(ctx context.Context, msg bus.BusMessage) {
	target := msg.Target
	if target.Kind == bus.TargetBound {
		platform, connID := msg.Source.PlatformKey()
		target = o.bus.ResolveTarget(platform, connID)
	}

	switch target.Kind {
	case bus.TargetDispatch:
		o.handleDispatch(ctx, msg)
	case bus.TargetSession:
		name := store.NormalizeSessionName(target.Name)
		if err := o.DeliverPrompt(ctx, name, msg); err == ErrSessionNotFound {
			o.notice(name, fmt.Sprintf("no such session %q", name))
		}
	default:
		slog.Warn("orchestrator: message with unresolvable target dropped", "source", msg.Source)
	}
}

// ErrSessionNotFound is returned by DeliverPrompt when the named
// session does not exist.
var ErrSessionNotFound = fmt.Errorf("orchestrator: no such session")

// DeliverPrompt runs one full turn against the named session: prepare
// the warm handle, send the prompt, and stream the response onto the
// outbound bus. It blocks until the turn completes (or errors), which
// is what lets internal/httpapi's webhook ingress hold the HTTP
// response open until the agent turn is done (spec §6). Used both by
// that ingress directly and by handle() for bus-originated traffic.
func (o *Orchestrator) DeliverPrompt(ctx context.Context, name string, msg bus.BusMessage) error {
	name = store.NormalizeSessionName(name)
	sess, err := o.stores.Sessions.GetSession(ctx, name)
	if err != nil {
		return ErrSessionNotFound
	}

	id, _, err := o.warm.PrepareSession(ctx, warmsession.SessionTarget{
		Name:        sess.Name,
		Workspace:   sess.Workspace,
		BackendKind: sess.BackendKind,
		Started:     sess.Started,
		AgentID:     sess.AgentID,
	})
	if err != nil {
		o.bus.PublishOutbound(bus.ErrorResponse(sess.Name, fmt.Sprintf("could not prepare session: %v", err)))
		return fmt.Errorf("orchestrator: prepare session %q: %w", sess.Name, err)
	}

	if err := WriteContextFile(sess.Workspace, msg.Source.ChannelID, sess.Name, id); err != nil {
		slog.Warn("orchestrator: failed to write context file", "session", sess.Name, "error", err)
	}

	prompt := ExpandSlashCommands(sess.Workspace, msg.Body)

	_ = o.stores.Sessions.AppendHistory(ctx, store.AgentHistoryEntry{SessionName: sess.Name, Role: "user", Body: prompt})

	events, err := o.warm.SendPrompt(ctx, sess.Name, id, prompt)
	if err != nil {
		o.bus.PublishOutbound(bus.ErrorResponse(sess.Name, fmt.Sprintf("could not send prompt: %v", err)))
		return fmt.Errorf("orchestrator: send prompt to %q: %w", sess.Name, err)
	}

	for ev := range events {
		o.warm.HandleEvent(ctx, sess.Name, ev)
		switch ev.Kind {
		case agentbackend.EventText:
			o.bus.PublishOutbound(bus.ChunkResponse(sess.Name, ev.TextChunk))
		case agentbackend.EventResult:
			o.bus.PublishOutbound(bus.CompleteResponse(sess.Name, ev.ResultText))
			_ = o.stores.Sessions.AppendHistory(ctx, store.AgentHistoryEntry{SessionName: sess.Name, Role: "agent", Body: ev.ResultText})
		case agentbackend.EventError:
			o.bus.PublishOutbound(bus.ErrorResponse(sess.Name, ev.ErrorMessage))
		case agentbackend.EventCustom:
			if strings.HasPrefix(ev.CustomKind, "dispatch:") {
				o.handleCustomDispatchEvent(ctx, sess.Name, ev)
			}
		}
	}
	return nil
}

// handleCustomDispatchEvent records a worker-originated dispatch event
// (spec §4.2's "Dispatch Event") for later processing by DISPATCH.
func (o *Orchestrator) handleCustomDispatchEvent(ctx context.Context, sessionName string, ev agentbackend.AgentEvent) {
	_ = o.stores.Dispatch.RecordEvent(ctx, store.DispatchEvent{
		Verb:   strings.TrimPrefix(ev.CustomKind, "dispatch:"),
		Args:   ev.CustomPayload,
		Sender: sessionName,
	})
}

func (o *Orchestrator) notice(sessionName, text string) {
	o.bus.PublishOutbound(bus.SystemNotice(sessionName, text))
}

// WriteContextFile writes <workspace>/.agent/context.json, the
// mechanism tools in the agent's sandbox use to learn which session
// and room they are operating in (spec §6). Shared with
// internal/scheduler, which writes the same file before firing a
// scheduled prompt.
func WriteContextFile(workspace, roomID, sessionName, sessionID string) error {
	if workspace == "" {
		return nil
	}
	dir := filepath.Join(workspace, ".agent")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	payload := fmt.Sprintf(`{"room_id":%q,"channel_name":%q,"session_id":%q,"updated_at":%q}`,
		roomID, sessionName, sessionID, time.Now().UTC().Format(time.RFC3339))
	return os.WriteFile(filepath.Join(dir, "context.json"), []byte(payload), 0o644)
}

// ExpandSlashCommands substitutes a leading "/name" token in prompt
// with the contents of <workspace>/.commands/name.md, if present.
// Shared with internal/scheduler so a scheduled prompt sees the same
// expansion a live chat message would.
func ExpandSlashCommands(workspace, prompt string) string {
	trimmed := strings.TrimSpace(prompt)
	if workspace == "" || !strings.HasPrefix(trimmed, "/") {
		return prompt
	}
	fields := strings.SplitN(trimmed, " ", 2)
	name := strings.TrimPrefix(fields[0], "/")
	if name == "" {
		return prompt
	}
	body, err := os.ReadFile(filepath.Join(workspace, ".commands", name+".md"))
	if err != nil {
		return prompt
	}
	rest := ""
	if len(fields) > 1 {
		rest = fields[1]
	}
	return strings.TrimSpace(string(body)) + "\n\n" + rest
}

func debugMarkerPath(workspace string) string {
	return filepath.Join(workspace, ".agent", "enable-debug")
}
