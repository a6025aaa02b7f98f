// Package telegram is the Telegram gateway adapter: a mymmrac/telego
// bot session using long polling, relaying chat messages onto the bus
// and routing outbound responses back to whichever chat is bound to a
// session.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/gorp/internal/bus"
	"github.com/nextlevelbuilder/gorp/internal/channels"
	"github.com/nextlevelbuilder/gorp/internal/store"
)

const platformID = "telegram"

// Adapter connects to Telegram via the bot API using long polling.
type Adapter struct {
	bot      *telego.Bot
	bus      *bus.Bus
	sessions store.SessionStore

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New builds a Telegram adapter from a bot token.
func New(token string, b *bus.Bus, sessions store.SessionStore) (*Adapter, error) {
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	return &Adapter{bot: bot, bus: b, sessions: sessions}, nil
}

func (a *Adapter) PlatformID() string { return platformID }

// Start begins long polling for updates.
func (a *Adapter) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	a.pollCancel = cancel
	a.pollDone = make(chan struct{})

	updates, err := a.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("telegram: start long polling: %w", err)
	}

	slog.Info("telegram: connected", "username", a.bot.Username())

	go func() {
		defer close(a.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil {
					a.handleMessage(update.Message)
				}
			}
		}
	}()

	return nil
}

// Stop cancels long polling and waits for the receive loop to exit.
func (a *Adapter) Stop(_ context.Context) error {
	if a.pollCancel != nil {
		a.pollCancel()
	}
	if a.pollDone != nil {
		<-a.pollDone
	}
	return nil
}

// Send writes resp.Text to every Telegram chat currently bound to
// resp.SessionName.
func (a *Adapter) Send(ctx context.Context, resp bus.BusResponse) error {
	if resp.Text == "" && resp.Media == nil {
		return nil
	}
	bindings, err := a.sessions.ListBindings(ctx, resp.SessionName)
	if err != nil {
		return fmt.Errorf("telegram: listing bindings for %q: %w", resp.SessionName, err)
	}
	for _, b := range bindings {
		if b.Platform != platformID {
			continue
		}
		if err := a.sendToChat(ctx, b.ConnectionID, resp); err != nil {
			slog.Warn("telegram: send failed", "chat_id", b.ConnectionID, "error", err)
		}
	}
	return nil
}

func (a *Adapter) sendToChat(ctx context.Context, chatIDStr string, resp bus.BusResponse) error {
	chatID, err := parseChatID(chatIDStr)
	if err != nil {
		return fmt.Errorf("parse chat id %q: %w", chatIDStr, err)
	}
	target := tu.ID(chatID)

	if resp.Media != nil {
		f, err := os.Open(resp.Media.Path)
		if err != nil {
			return fmt.Errorf("open attachment: %w", err)
		}
		defer f.Close()
		doc := tu.Document(target, tu.File(f))
		doc.Caption = resp.Text
		if _, sendErr := a.bot.SendDocument(ctx, doc); sendErr != nil {
			return fmt.Errorf("send document: %w", sendErr)
		}
		return nil
	}

	if _, err := a.bot.SendMessage(ctx, tu.Message(target, resp.Text)); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (a *Adapter) handleMessage(message *telego.Message) {
	if message.Text == "" {
		return
	}
	sender := message.From.Username
	if sender == "" {
		sender = message.From.FirstName
	}
	chatID := fmt.Sprintf("%d", message.Chat.ID)
	channels.Publish(a.bus, platformID, chatID, sender, message.Text)
}

func parseChatID(s string) (int64, error) {
	var id int64
	_, err := fmt.Sscanf(s, "%d", &id)
	return id, err
}
