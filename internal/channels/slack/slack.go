// Package slack is the Slack gateway adapter: a slack-go/slack Socket
// Mode connection relaying channel and DM messages onto the bus and
// routing outbound responses back to whichever channel is bound to a
// session.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/nextlevelbuilder/gorp/internal/bus"
	"github.com/nextlevelbuilder/gorp/internal/channels"
	"github.com/nextlevelbuilder/gorp/internal/store"
)

const platformID = "slack"

// Adapter connects to Slack via Socket Mode.
type Adapter struct {
	api      *slack.Client
	socket   *socketmode.Client
	bus      *bus.Bus
	sessions store.SessionStore

	botUserID string
	cancel    context.CancelFunc
	done      chan struct{}
}

// New builds a Slack adapter from a bot token and an app-level token
// (Socket Mode requires both).
func New(botToken, appToken string, b *bus.Bus, sessions store.SessionStore) *Adapter {
	api := slack.New(botToken, slack.OptionAppLevelToken(appToken))
	socket := socketmode.New(api)
	return &Adapter{api: api, socket: socket, bus: b, sessions: sessions}
}

func (a *Adapter) PlatformID() string { return platformID }

// Start opens the Socket Mode connection and begins receiving events.
func (a *Adapter) Start(ctx context.Context) error {
	auth, err := a.api.AuthTest()
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	a.botUserID = auth.UserID

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})

	go func() {
		for evt := range a.socket.Events {
			a.handleEvent(evt)
		}
	}()

	go func() {
		defer close(a.done)
		if err := a.socket.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			slog.Error("slack: socket mode run exited", "error", err)
		}
	}()

	slog.Info("slack: connected", "user_id", a.botUserID)
	return nil
}

// Stop closes the Socket Mode connection.
func (a *Adapter) Stop(_ context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	if a.done != nil {
		<-a.done
	}
	return nil
}

// Send writes resp.Text to every Slack channel currently bound to
// resp.SessionName.
func (a *Adapter) Send(ctx context.Context, resp bus.BusResponse) error {
	if resp.Text == "" && resp.Media == nil {
		return nil
	}
	bindings, err := a.sessions.ListBindings(ctx, resp.SessionName)
	if err != nil {
		return fmt.Errorf("slack: listing bindings for %q: %w", resp.SessionName, err)
	}
	for _, b := range bindings {
		if b.Platform != platformID {
			continue
		}
		if err := a.sendToChannel(b.ConnectionID, resp); err != nil {
			slog.Warn("slack: send failed", "channel_id", b.ConnectionID, "error", err)
		}
	}
	return nil
}

func (a *Adapter) sendToChannel(channelID string, resp bus.BusResponse) error {
	if resp.Media != nil {
		info, err := os.Stat(resp.Media.Path)
		if err != nil {
			return fmt.Errorf("stat attachment: %w", err)
		}
		_, err = a.api.UploadFileV2(slack.UploadFileV2Parameters{
			Channel:  channelID,
			Filename: filepath.Base(resp.Media.Path),
			File:     resp.Media.Path,
			FileSize: int(info.Size()),
			Title:    resp.Text,
		})
		if err != nil {
			return fmt.Errorf("upload file: %w", err)
		}
		return nil
	}
	_, _, err := a.api.PostMessage(channelID, slack.MsgOptionText(resp.Text, false))
	if err != nil {
		return fmt.Errorf("post message: %w", err)
	}
	return nil
}

func (a *Adapter) handleEvent(evt socketmode.Event) {
	if evt.Type != socketmode.EventTypeEventsAPI {
		return
	}
	if evt.Request != nil {
		a.socket.Ack(*evt.Request)
	}

	apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
	if !ok || apiEvent.Type != slackevents.CallbackEvent {
		return
	}

	switch ev := apiEvent.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		if ev.User == "" || ev.User == a.botUserID || ev.SubType != "" {
			return
		}
		if ev.Text == "" {
			return
		}
		channels.Publish(a.bus, platformID, ev.Channel, ev.User, ev.Text)
	case *slackevents.AppMentionEvent:
		if ev.User == a.botUserID {
			return
		}
		channels.Publish(a.bus, platformID, ev.Channel, ev.User, ev.Text)
	}
}
