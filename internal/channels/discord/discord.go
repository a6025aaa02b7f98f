// Package discord is the Discord gateway adapter: a bwmarrin/discordgo
// bot session relaying guild and DM messages onto the bus and routing
// outbound responses back to whichever channel is bound to a session.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/gorp/internal/bus"
	"github.com/nextlevelbuilder/gorp/internal/channels"
	"github.com/nextlevelbuilder/gorp/internal/store"
)

const platformID = "discord"

const maxMessageLen = 2000

// Adapter connects to Discord via the bot gateway.
type Adapter struct {
	token    string
	bus      *bus.Bus
	sessions store.SessionStore

	session   *discordgo.Session
	botUserID string
}

// New builds a Discord adapter. The session is not opened until Start.
func New(token string, b *bus.Bus, sessions store.SessionStore) (*Adapter, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Adapter{token: token, bus: b, sessions: sessions, session: session}, nil
}

func (a *Adapter) PlatformID() string { return platformID }

// Start opens the Discord gateway connection.
func (a *Adapter) Start(_ context.Context) error {
	a.session.AddHandler(a.handleMessage)

	if err := a.session.Open(); err != nil {
		return fmt.Errorf("discord: open session: %w", err)
	}
	user, err := a.session.User("@me")
	if err != nil {
		_ = a.session.Close()
		return fmt.Errorf("discord: fetch bot identity: %w", err)
	}
	a.botUserID = user.ID
	slog.Info("discord: connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the Discord gateway connection.
func (a *Adapter) Stop(_ context.Context) error {
	return a.session.Close()
}

// Send writes resp.Text to every Discord channel currently bound to
// resp.SessionName.
func (a *Adapter) Send(ctx context.Context, resp bus.BusResponse) error {
	if resp.Text == "" && resp.Media == nil {
		return nil
	}
	bindings, err := a.sessions.ListBindings(ctx, resp.SessionName)
	if err != nil {
		return fmt.Errorf("discord: listing bindings for %q: %w", resp.SessionName, err)
	}
	for _, b := range bindings {
		if b.Platform != platformID {
			continue
		}
		if err := a.sendToChannel(b.ConnectionID, resp); err != nil {
			slog.Warn("discord: send failed", "channel_id", b.ConnectionID, "error", err)
		}
	}
	return nil
}

func (a *Adapter) sendToChannel(channelID string, resp bus.BusResponse) error {
	if resp.Media != nil {
		f, err := os.Open(resp.Media.Path)
		if err != nil {
			return fmt.Errorf("open attachment: %w", err)
		}
		_, sendErr := a.session.ChannelFileSend(channelID, filepath.Base(resp.Media.Path), f)
		_ = f.Close()
		if sendErr != nil {
			return fmt.Errorf("send attachment: %w", sendErr)
		}
		if resp.Text == "" {
			return nil
		}
	}

	content := resp.Text
	for len(content) > 0 {
		chunk := content
		if len(chunk) > maxMessageLen {
			cutAt := maxMessageLen
			if idx := lastIndexByte(content[:maxMessageLen], '\n'); idx > maxMessageLen/2 {
				cutAt = idx + 1
			}
			chunk = content[:cutAt]
			content = content[cutAt:]
		} else {
			content = ""
		}
		if _, err := a.session.ChannelMessageSend(channelID, chunk); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

func (a *Adapter) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == a.botUserID || m.Author.Bot {
		return
	}

	content := m.Content
	for _, att := range m.Attachments {
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[attachment: %s]", att.URL)
	}
	if content == "" {
		return
	}

	sender := resolveDisplayName(m)
	channels.Publish(a.bus, platformID, m.ChannelID, sender, content)
}

func resolveDisplayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

func lastIndexByte(s string, c byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == c {
			return i
		}
	}
	return -1
}
