package channels

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/nextlevelbuilder/gorp/internal/bus"
)

func TestPublishAddressesBoundTarget(t *testing.T) {
	b := bus.New(16)
	sub := b.SubscribeInbound()
	defer sub.Close()

	Publish(b, "telegram", "chat-unique-1", "alice", "hello")

	select {
	case env := <-sub.C():
		assert.Equal(t, bus.TargetBound, env.Message.Target.Kind)
		platform, connID := env.Message.Source.PlatformKey()
		assert.Equal(t, "telegram", platform)
		assert.Equal(t, "chat-unique-1", connID)
		assert.Equal(t, "hello", env.Message.Body)
	case <-time.After(time.Second):
		t.Fatal("expected inbound message")
	}
}

func TestPublishDropsMessagesOverRateLimit(t *testing.T) {
	b := bus.New(256)
	sub := b.SubscribeInbound()
	defer sub.Close()

	connID := fmt.Sprintf("flood-test-%d", time.Now().UnixNano())
	for i := 0; i < 40; i++ {
		Publish(b, "telegram", connID, "spammer", "msg")
	}

	received := 0
drain:
	for {
		select {
		case <-sub.C():
			received++
		case <-time.After(50 * time.Millisecond):
			break drain
		}
	}

	assert.Less(t, received, 40, "rate limiter should have dropped some of the flood")
}

func TestPublishMediaCarriesParts(t *testing.T) {
	b := bus.New(16)
	sub := b.SubscribeInbound()
	defer sub.Close()

	parts := []bus.MessagePart{bus.TextPart("caption")}
	PublishMedia(b, "discord", "chan-unique-1", "bob", "caption", parts)

	select {
	case env := <-sub.C():
		assert.Len(t, env.Message.Parts, 1)
	case <-time.After(time.Second):
		t.Fatal("expected inbound message")
	}
}
