// Package channels holds the gateway adapters that bridge external
// chat platforms to the message bus: each adapter turns inbound
// platform events into bus.BusMessage and relays outbound
// bus.BusResponse back to whichever connection is bound to that
// response's session.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/gorp/internal/bus"
	"github.com/nextlevelbuilder/gorp/internal/ratelimit"
)

// inboundLimiter throttles inbound platform events per
// (platformID, connectionID) so a single flooding chat connection
// can't starve the bus. Shared process-wide across every adapter,
// the same way internal/httpapi shares one limiter for webhook keys.
var inboundLimiter = ratelimit.New()

// Adapter is the gateway contract every chat-platform integration
// satisfies.
type Adapter interface {
	// PlatformID names the adapter for binding lookups, e.g. "telegram".
	PlatformID() string
	// Start begins listening for platform events. Non-blocking: any
	// long-running receive loop runs in its own goroutine.
	Start(ctx context.Context) error
	// Stop shuts the adapter down, releasing its platform connection.
	Stop(ctx context.Context) error
	// Send relays an outbound response to whatever connection on this
	// platform is bound to resp.SessionName. A no-op, not an error, if
	// no connection of this platform is currently bound to that session.
	Send(ctx context.Context, resp bus.BusResponse) error
}

// Publish wraps one inbound platform event as a BusMessage addressed
// at whatever session is currently bound to (platformID, connectionID)
// — falling back to DISPATCH until a "!join" command binds it (the
// orchestrator's target resolution, spec §4.2).
func Publish(b *bus.Bus, platformID, connectionID, sender, body string) {
	if !inboundLimiter.Allow(platformID + "\x00" + connectionID) {
		slog.Warn("channels: inbound rate limit exceeded, dropping message", "platform", platformID, "connection_id", connectionID)
		return
	}
	b.PublishInbound(bus.BusMessage{
		ID:        fmt.Sprintf("%s-%s-%d", platformID, connectionID, time.Now().UnixNano()),
		Source:    bus.PlatformSource(platformID, connectionID),
		Target:    bus.BoundTarget(),
		Sender:    sender,
		Body:      body,
		Timestamp: time.Now().UTC(),
	})
}

// PublishMedia is Publish's variant for inbound events carrying a
// downloaded attachment alongside (or instead of) text (spec §9's
// structured-attachment redesign note).
func PublishMedia(b *bus.Bus, platformID, connectionID, sender, body string, parts []bus.MessagePart) {
	if !inboundLimiter.Allow(platformID + "\x00" + connectionID) {
		slog.Warn("channels: inbound rate limit exceeded, dropping message", "platform", platformID, "connection_id", connectionID)
		return
	}
	b.PublishInbound(bus.BusMessage{
		ID:        fmt.Sprintf("%s-%s-%d", platformID, connectionID, time.Now().UnixNano()),
		Source:    bus.PlatformSource(platformID, connectionID),
		Target:    bus.BoundTarget(),
		Sender:    sender,
		Body:      body,
		Parts:     parts,
		Timestamp: time.Now().UTC(),
	})
}
