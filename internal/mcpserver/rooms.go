package mcpserver

import (
	"context"
	"fmt"

	"github.com/nextlevelbuilder/gorp/internal/orchestrator"
	"github.com/nextlevelbuilder/gorp/internal/store"
)

// RoomInfo is the DISPATCH-facing view of a session: "room" is the
// terminology the original cross-room tools used for what Gorp calls
// a session, kept here since it's the name the MCP tool contract
// (list_rooms, get_room_status, get_room_by_name) exposes to agents.
type RoomInfo struct {
	ChannelName string   `json:"channel_name"`
	Workspace   string   `json:"workspace_path"`
	Started     bool     `json:"started"`
	BackendKind string   `json:"backend_kind,omitempty"`
	Platforms   []string `json:"platforms,omitempty"`
}

func toRoomInfo(ctx context.Context, sessions store.SessionStore, sess store.Session) RoomInfo {
	info := RoomInfo{
		ChannelName: sess.Name,
		Workspace:   sess.Workspace,
		Started:     sess.Started,
		BackendKind: sess.BackendKind,
	}
	bindings, err := sessions.ListBindings(ctx, sess.Name)
	if err == nil {
		for _, b := range bindings {
			info.Platforms = append(info.Platforms, b.Platform+":"+b.ConnectionID)
		}
	}
	return info
}

// listRooms returns every non-DISPATCH session (spec's "room" is a
// session; the DISPATCH session itself is excluded, matching the
// original cross-room tool's dispatch-room filter).
func listRooms(ctx context.Context, sessions store.SessionStore) ([]RoomInfo, error) {
	all, err := sessions.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	rooms := make([]RoomInfo, 0, len(all))
	for _, sess := range all {
		if sess.Dispatch || sess.Name == orchestrator.DispatchSessionName {
			continue
		}
		rooms = append(rooms, toRoomInfo(ctx, sessions, sess))
	}
	return rooms, nil
}

// getRoomByName looks up a single session by name. Gorp's session
// name already is the stable, human-chosen identifier the original's
// separate room_id/channel_name pair distinguished, so
// get_room_status and get_room_by_name resolve identically here.
func getRoomByName(ctx context.Context, sessions store.SessionStore, name string) (RoomInfo, error) {
	name = store.NormalizeSessionName(name)
	sess, err := sessions.GetSession(ctx, name)
	if err != nil {
		return RoomInfo{}, fmt.Errorf("room not found: %s", name)
	}
	if sess.Dispatch || sess.Name == orchestrator.DispatchSessionName {
		return RoomInfo{}, fmt.Errorf("cannot get status of the dispatch room")
	}
	return toRoomInfo(ctx, sessions, sess), nil
}
