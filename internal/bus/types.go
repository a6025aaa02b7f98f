// Package bus is the process-wide broadcast message bus: one topic
// for inbound chat traffic, one for outbound agent responses, and a
// binding table mapping gateway connections to session names.
package bus

import "time"

// MessageSourceKind tags the origin of an inbound BusMessage.
type MessageSourceKind string

const (
	SourceWeb       MessageSourceKind = "web"
	SourceAPI       MessageSourceKind = "api"
	SourcePlatform  MessageSourceKind = "platform"
	SourceScheduler MessageSourceKind = "scheduler"
)

// MessageSource identifies where an inbound message came from. Only
// the fields relevant to Kind are populated.
type MessageSource struct {
	Kind MessageSourceKind
	// ConnectionID identifies a web console connection (Kind == SourceWeb).
	ConnectionID string
	// TokenHint identifies the webhook/API caller (Kind == SourceAPI).
	TokenHint string
	// PlatformID and ChannelID identify a gateway adapter connection
	// (Kind == SourcePlatform), e.g. "telegram" + a chat id.
	PlatformID string
	ChannelID  string
}

func WebSource(connectionID string) MessageSource {
	return MessageSource{Kind: SourceWeb, ConnectionID: connectionID}
}

func APISource(tokenHint string) MessageSource {
	return MessageSource{Kind: SourceAPI, TokenHint: tokenHint}
}

func PlatformSource(platformID, channelID string) MessageSource {
	return MessageSource{Kind: SourcePlatform, PlatformID: platformID, ChannelID: channelID}
}

func SchedulerSource() MessageSource {
	return MessageSource{Kind: SourceScheduler}
}

// PlatformKey returns the (platform, connectionID) pair this source
// resolves bindings under. Web and API sources use their own id as
// both halves of the key (each console/API connection is its own
// platform namespace); platform sources use PlatformID + ChannelID.
func (s MessageSource) PlatformKey() (platform, connectionID string) {
	switch s.Kind {
	case SourcePlatform:
		return s.PlatformID, s.ChannelID
	case SourceWeb:
		return "web", s.ConnectionID
	case SourceAPI:
		return "api", s.TokenHint
	default:
		return "", ""
	}
}

// SessionTargetKind tags which of Dispatch/Session/Bound a message
// or command is aimed at.
type SessionTargetKind string

const (
	TargetDispatch SessionTargetKind = "dispatch"
	TargetSession  SessionTargetKind = "session"
	TargetBound    SessionTargetKind = "bound"
)

// SessionTarget is the effective-target variant resolved by the
// orchestrator (spec §4.2 "Target resolution").
type SessionTarget struct {
	Kind SessionTargetKind
	Name string // populated only when Kind == TargetSession
}

func DispatchTarget() SessionTarget { return SessionTarget{Kind: TargetDispatch} }

func SessionTargetNamed(name string) SessionTarget {
	return SessionTarget{Kind: TargetSession, Name: name}
}

func BoundTarget() SessionTarget { return SessionTarget{Kind: TargetBound} }

// MessagePartKind distinguishes the text and media variants of a
// structured message part.
type MessagePartKind string

const (
	PartText  MessagePartKind = "text"
	PartMedia MessagePartKind = "media"
)

// MediaRef points at a downloaded attachment on disk.
type MediaRef struct {
	Path string
	MIME string
}

// MessagePart is one structured fragment of a message body. Bodies
// carrying attachments are represented as []MessagePart rather than
// prose embedding a path (spec §9 redesign note), so downstream code
// never has to parse "[Attached image: <path>]" back out of text.
type MessagePart struct {
	Kind  MessagePartKind
	Text  string
	Media *MediaRef
}

func TextPart(text string) MessagePart {
	return MessagePart{Kind: PartText, Text: text}
}

func MediaPart(path, mime string) MessagePart {
	return MessagePart{Kind: PartMedia, Media: &MediaRef{Path: path, MIME: mime}}
}

// BusMessage is the inbound envelope carried on the bus's inbound
// topic: a chat message (or scheduler/webhook-originated prompt)
// headed toward a session.
type BusMessage struct {
	ID        string
	Source    MessageSource
	Target    SessionTarget
	Sender    string
	Body      string
	Parts     []MessagePart
	Timestamp time.Time
}

// ResponseContentKind tags the payload variant of a BusResponse.
type ResponseContentKind string

const (
	ContentChunk        ResponseContentKind = "chunk"
	ContentComplete      ResponseContentKind = "complete"
	ContentError         ResponseContentKind = "error"
	ContentSystemNotice  ResponseContentKind = "system_notice"
	ContentAttachment    ResponseContentKind = "attachment"
)

// BusResponse is the outbound envelope carried on the bus's outbound
// topic: an agent turn's streaming or final output, or an
// orchestrator-generated system notice, addressed to a session name
// so gateway adapters can route it back to the right room/chat.
type BusResponse struct {
	SessionName string
	Kind        ResponseContentKind
	Text        string
	Media       *MediaRef // populated only when Kind == ContentAttachment
	Timestamp   time.Time
}

func ChunkResponse(session, text string) BusResponse {
	return BusResponse{SessionName: session, Kind: ContentChunk, Text: text, Timestamp: time.Now()}
}

func CompleteResponse(session, text string) BusResponse {
	return BusResponse{SessionName: session, Kind: ContentComplete, Text: text, Timestamp: time.Now()}
}

func ErrorResponse(session, text string) BusResponse {
	return BusResponse{SessionName: session, Kind: ContentError, Text: text, Timestamp: time.Now()}
}

func SystemNotice(session, text string) BusResponse {
	return BusResponse{SessionName: session, Kind: ContentSystemNotice, Text: text, Timestamp: time.Now()}
}

// AttachmentResponse delivers a file to the gateway adapter bound to
// session: the MCP send_attachment tool's only output path, since
// attachments are never returned inline over JSON-RPC (same
// "delivered via the outbound bus" rule the webhook ingress follows).
func AttachmentResponse(session, path, mime, caption string) BusResponse {
	return BusResponse{
		SessionName: session,
		Kind:        ContentAttachment,
		Text:        caption,
		Media:       &MediaRef{Path: path, MIME: mime},
		Timestamp:   time.Now(),
	}
}
