// Package whatsapp is the WhatsApp gateway adapter. Device pairing and
// multi-device session management are out of scope for this adapter —
// it satisfies the full Adapter contract against go.mau.fi/whatsmeow,
// but first-run pairing is operator-driven (scan the QR code printed
// to the log) rather than automated.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/gorp/internal/bus"
	"github.com/nextlevelbuilder/gorp/internal/channels"
	"github.com/nextlevelbuilder/gorp/internal/store"
)

const platformID = "whatsapp"

// Adapter connects to WhatsApp via a paired multi-device session.
type Adapter struct {
	storePath string
	bus       *bus.Bus
	sessions  store.SessionStore

	container *sqlstore.Container
	client    *whatsmeow.Client
}

// New builds a WhatsApp adapter. storePath is the sqlite file backing
// the paired device's session; it is created on first Start if absent.
func New(storePath string, b *bus.Bus, sessions store.SessionStore) *Adapter {
	return &Adapter{storePath: storePath, bus: b, sessions: sessions}
}

func (a *Adapter) PlatformID() string { return platformID }

// Start opens (or creates) the device store and connects. If no device
// is paired yet, a QR login URL is logged; scanning it is an operator
// action, not something this adapter automates.
func (a *Adapter) Start(ctx context.Context) error {
	container, err := sqlstore.New(ctx, "sqlite", fmt.Sprintf("file:%s?_pragma=foreign_keys(1)", a.storePath), waLog.Noop)
	if err != nil {
		return fmt.Errorf("whatsapp: open device store: %w", err)
	}
	a.container = container

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("whatsapp: get device: %w", err)
	}

	a.client = whatsmeow.NewClient(deviceStore, waLog.Noop)
	a.client.AddEventHandler(a.handleEvent)

	if a.client.Store.ID == nil {
		qrChan, _ := a.client.GetQRChannel(ctx)
		if err := a.client.Connect(); err != nil {
			return fmt.Errorf("whatsapp: connect: %w", err)
		}
		go func() {
			for evt := range qrChan {
				if evt.Event == "code" {
					slog.Info("whatsapp: scan this QR code to pair", "code", evt.Code)
				}
			}
		}()
		return nil
	}

	if err := a.client.Connect(); err != nil {
		return fmt.Errorf("whatsapp: connect: %w", err)
	}
	slog.Info("whatsapp: connected", "jid", a.client.Store.ID.String())
	return nil
}

// Stop disconnects the WhatsApp client.
func (a *Adapter) Stop(_ context.Context) error {
	if a.client != nil {
		a.client.Disconnect()
	}
	return nil
}

// Send writes resp.Text to every WhatsApp chat currently bound to
// resp.SessionName.
func (a *Adapter) Send(ctx context.Context, resp bus.BusResponse) error {
	if resp.Text == "" {
		return nil
	}
	bindings, err := a.sessions.ListBindings(ctx, resp.SessionName)
	if err != nil {
		return fmt.Errorf("whatsapp: listing bindings for %q: %w", resp.SessionName, err)
	}
	for _, b := range bindings {
		if b.Platform != platformID {
			continue
		}
		jid, err := types.ParseJID(b.ConnectionID)
		if err != nil {
			slog.Warn("whatsapp: invalid chat jid", "jid", b.ConnectionID, "error", err)
			continue
		}
		msg := &waProto.Message{Conversation: &resp.Text}
		if _, err := a.client.SendMessage(ctx, jid, msg); err != nil {
			slog.Warn("whatsapp: send failed", "jid", b.ConnectionID, "error", err)
		}
	}
	return nil
}

func (a *Adapter) handleEvent(evt interface{}) {
	msg, ok := evt.(*events.Message)
	if !ok || msg.Info.IsFromMe {
		return
	}
	text := msg.Message.GetConversation()
	if text == "" {
		text = msg.Message.GetExtendedTextMessage().GetText()
	}
	if text == "" {
		return
	}
	channels.Publish(a.bus, platformID, msg.Info.Chat.String(), msg.Info.PushName, text)
}
