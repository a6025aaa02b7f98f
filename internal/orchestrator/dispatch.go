package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/gorp/internal/bus"
	"github.com/nextlevelbuilder/gorp/internal/store"
)

// handleDispatch interprets msg.Body as a DISPATCH command when it
// begins with "!", and otherwise replies with a help reminder, per
// spec §4.2.1.
func (o *Orchestrator) handleDispatch(ctx context.Context, msg bus.BusMessage) {
	body := strings.TrimSpace(msg.Body)
	if !strings.HasPrefix(body, "!") {
		o.notice(DispatchSessionName, "DISPATCH understands commands starting with '!' — try !list, !create <name>, !status <name>.")
		return
	}

	fields := strings.Fields(body)
	verb := fields[0]
	args := strings.TrimSpace(strings.TrimPrefix(body, verb))

	var result string
	switch verb {
	case "!create":
		result = o.cmdCreate(ctx, args)
	case "!delete":
		result = o.cmdDelete(ctx, args)
	case "!list":
		result = o.cmdList(ctx)
	case "!status":
		result = o.cmdStatus(ctx, args)
	case "!join":
		result = o.cmdJoin(ctx, msg.Source, args)
	case "!leave":
		result = o.cmdLeave(ctx, msg.Source)
	case "!tell":
		result = o.cmdTell(args)
	case "!broadcast":
		result = o.cmdBroadcast(ctx, args)
	case "!read":
		result = o.cmdRead(ctx, args)
	case "!backend":
		result = o.cmdBackend(ctx, args)
	case "!debug":
		result = o.cmdDebug(ctx, args)
	default:
		result = fmt.Sprintf("unrecognized DISPATCH command %q", verb)
	}

	_ = o.stores.Dispatch.RecordEvent(ctx, store.DispatchEvent{Verb: verb, Args: args, Sender: msg.Source.ConnectionID, Result: result})
	o.notice(DispatchSessionName, result)
}

func (o *Orchestrator) cmdCreate(ctx context.Context, name string) string {
	name = store.NormalizeSessionName(name)
	if !ValidSessionName(name) {
		return fmt.Sprintf("%q is not a valid session name", name)
	}
	workspace := filepath.Join(o.cfg.WorkspaceRoot, name)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return fmt.Sprintf("could not allocate workspace for %q: %v", name, err)
	}
	now := time.Now().UTC()
	err := o.stores.Sessions.CreateSession(ctx, store.Session{
		Name:      name,
		Workspace: workspace,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return fmt.Sprintf("could not create session %q: %v", name, err)
	}
	return fmt.Sprintf("created session %q", name)
}

func (o *Orchestrator) cmdDelete(ctx context.Context, name string) string {
	name = store.NormalizeSessionName(name)
	if err := o.stores.Sessions.DeleteSession(ctx, name); err != nil {
		if err == store.ErrNotFound {
			return "" // silent if absent, per spec
		}
		return fmt.Sprintf("could not delete session %q: %v", name, err)
	}
	return fmt.Sprintf("deleted session %q (workspace preserved)", name)
}

func (o *Orchestrator) cmdList(ctx context.Context) string {
	sessions, err := o.stores.Sessions.ListSessions(ctx)
	if err != nil {
		return fmt.Sprintf("could not list sessions: %v", err)
	}
	var names []string
	for _, s := range sessions {
		if s.Dispatch {
			continue
		}
		names = append(names, s.Name)
	}
	return fmt.Sprintf("%d session(s): %s", len(names), strings.Join(names, ", "))
}

func (o *Orchestrator) cmdStatus(ctx context.Context, name string) string {
	name = store.NormalizeSessionName(name)
	sess, err := o.stores.Sessions.GetSession(ctx, name)
	if err != nil {
		return fmt.Sprintf("no such session %q", name)
	}
	backend := sess.BackendKind
	if backend == "" {
		backend = "(default)"
	}
	return fmt.Sprintf("session %q: id=%s workspace=%s started=%t backend=%s",
		sess.Name, sess.AgentID, sess.Workspace, sess.Started, backend)
}

func (o *Orchestrator) cmdJoin(ctx context.Context, source bus.MessageSource, name string) string {
	name = store.NormalizeSessionName(name)
	if _, err := o.stores.Sessions.GetSession(ctx, name); err != nil {
		return fmt.Sprintf("no such session %q", name)
	}
	platform, connID := source.PlatformKey()
	o.bus.SetBinding(platform, connID, name)
	if err := o.stores.Sessions.SetBinding(ctx, store.ConnectionBinding{
		Platform:     platform,
		ConnectionID: connID,
		SessionName:  name,
	}); err != nil {
		return fmt.Sprintf("bound in-memory but failed to persist binding: %v", err)
	}
	return fmt.Sprintf("this conversation is now bound to %q", name)
}

func (o *Orchestrator) cmdLeave(ctx context.Context, source bus.MessageSource) string {
	platform, connID := source.PlatformKey()
	o.bus.ClearBinding(platform, connID)
	_ = o.stores.Sessions.ClearBinding(ctx, platform, connID)
	return "this conversation is no longer bound to a session"
}

func (o *Orchestrator) cmdTell(args string) string {
	fields := strings.SplitN(args, " ", 2)
	if len(fields) < 2 {
		return "usage: !tell <name> <text>"
	}
	name := store.NormalizeSessionName(fields[0])
	o.bus.PublishInbound(bus.BusMessage{
		ID:        newEventID(),
		Source:    bus.SchedulerSource(),
		Target:    bus.SessionTargetNamed(name),
		Body:      fields[1],
		Timestamp: time.Now().UTC(),
	})
	return fmt.Sprintf("relayed to %q", name)
}

func (o *Orchestrator) cmdBroadcast(ctx context.Context, text string) string {
	if text == "" {
		return "usage: !broadcast <text>"
	}
	sessions, err := o.stores.Sessions.ListSessions(ctx)
	if err != nil {
		return fmt.Sprintf("could not list sessions: %v", err)
	}
	count := 0
	for _, s := range sessions {
		if s.Dispatch {
			continue
		}
		o.bus.PublishInbound(bus.BusMessage{
			ID:        newEventID(),
			Source:    bus.SchedulerSource(),
			Target:    bus.SessionTargetNamed(s.Name),
			Body:      text,
			Timestamp: time.Now().UTC(),
		})
		count++
	}
	return fmt.Sprintf("broadcast to %d session(s)", count)
}

func (o *Orchestrator) cmdRead(ctx context.Context, name string) string {
	return o.cmdStatus(ctx, name)
}

func (o *Orchestrator) cmdBackend(ctx context.Context, args string) string {
	fields := strings.SplitN(args, " ", 2)
	if len(fields) == 0 || fields[0] == "" {
		return "usage: !backend <name> [kind]"
	}
	name := store.NormalizeSessionName(fields[0])
	sess, err := o.stores.Sessions.GetSession(ctx, name)
	if err != nil {
		return fmt.Sprintf("no such session %q", name)
	}
	if len(fields) == 1 {
		kind := sess.BackendKind
		if kind == "" {
			kind = "(default)"
		}
		return fmt.Sprintf("session %q backend: %s", name, kind)
	}
	sess.BackendKind = strings.TrimSpace(fields[1])
	if err := o.stores.Sessions.UpdateSession(ctx, sess); err != nil {
		return fmt.Sprintf("could not update backend for %q: %v", name, err)
	}
	return fmt.Sprintf("session %q backend set to %q", name, sess.BackendKind)
}

func (o *Orchestrator) cmdDebug(ctx context.Context, args string) string {
	fields := strings.SplitN(args, " ", 2)
	if len(fields) < 2 {
		return "usage: !debug <name> on|off"
	}
	name := store.NormalizeSessionName(fields[0])
	sess, err := o.stores.Sessions.GetSession(ctx, name)
	if err != nil {
		return fmt.Sprintf("no such session %q", name)
	}
	on := strings.TrimSpace(fields[1]) == "on"
	marker := debugMarkerPath(sess.Workspace)
	if on {
		if err := os.MkdirAll(filepath.Dir(marker), 0o755); err != nil {
			return fmt.Sprintf("could not enable debug for %q: %v", name, err)
		}
		if err := os.WriteFile(marker, []byte{}, 0o644); err != nil {
			return fmt.Sprintf("could not enable debug for %q: %v", name, err)
		}
		return fmt.Sprintf("debug enabled for %q", name)
	}
	if err := os.Remove(marker); err != nil && !os.IsNotExist(err) {
		return fmt.Sprintf("could not disable debug for %q: %v", name, err)
	}
	return fmt.Sprintf("debug disabled for %q", name)
}
