package bus

import (
	"sync"
	"sync/atomic"
)

// DefaultBufferSize is the default bounded buffer size for each
// subscriber's receive channel (spec §4.1: "configurable, default >= 64").
const DefaultBufferSize = 64

// InboundEnvelope is delivered to inbound subscribers. LaggedBy counts
// messages dropped for this subscriber because its buffer was full;
// each drop is counted on exactly one later envelope, so the LaggedBy
// values a subscriber receives add up to the number it missed.
type InboundEnvelope struct {
	Message  BusMessage
	LaggedBy int
}

// OutboundEnvelope is delivered to outbound subscribers, with the
// same lag-signal semantics as InboundEnvelope.
type OutboundEnvelope struct {
	Response BusResponse
	LaggedBy int
}

type inboundSub struct {
	ch  chan InboundEnvelope
	lag atomic.Int64
}

type outboundSub struct {
	ch  chan OutboundEnvelope
	lag atomic.Int64
}

// InboundSubscription is an independent, bounded receiver on the
// inbound topic. Call Close when done to release its resources.
type InboundSubscription struct {
	id  uint64
	bus *Bus
	sub *inboundSub
}

// C returns the channel to receive on.
func (s *InboundSubscription) C() <-chan InboundEnvelope { return s.sub.ch }

// Close unsubscribes and closes the underlying channel. Safe to call
// more than once.
func (s *InboundSubscription) Close() { s.bus.closeInbound(s.id) }

// OutboundSubscription is the outbound-topic analogue of
// InboundSubscription.
type OutboundSubscription struct {
	id  uint64
	bus *Bus
	sub *outboundSub
}

func (s *OutboundSubscription) C() <-chan OutboundEnvelope { return s.sub.ch }

func (s *OutboundSubscription) Close() { s.bus.closeOutbound(s.id) }

// Bus is the process-wide broadcast message bus described in
// spec §4.1: two independent broadcast topics plus a binding table.
// Publish never blocks: a full subscriber channel has its oldest
// entry dropped to make room, and the subscriber's later deliveries
// report how many messages it missed.
type Bus struct {
	bufSize int

	mu           sync.RWMutex
	inboundSubs  map[uint64]*inboundSub
	outboundSubs map[uint64]*outboundSub
	nextID       uint64

	bindMu   sync.RWMutex
	bindings map[string]string // "platform\x00connectionID" -> session name
}

// New creates a Bus whose subscriber channels are buffered to
// bufSize. A non-positive bufSize falls back to DefaultBufferSize.
func New(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &Bus{
		bufSize:      bufSize,
		inboundSubs:  make(map[uint64]*inboundSub),
		outboundSubs: make(map[uint64]*outboundSub),
		bindings:     make(map[string]string),
	}
}

// SubscribeInbound registers a new independent inbound receiver.
func (b *Bus) SubscribeInbound() *InboundSubscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	sub := &inboundSub{ch: make(chan InboundEnvelope, b.bufSize)}
	b.inboundSubs[id] = sub
	return &InboundSubscription{id: id, bus: b, sub: sub}
}

// SubscribeResponses registers a new independent outbound receiver.
func (b *Bus) SubscribeResponses() *OutboundSubscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	sub := &outboundSub{ch: make(chan OutboundEnvelope, b.bufSize)}
	b.outboundSubs[id] = sub
	return &OutboundSubscription{id: id, bus: b, sub: sub}
}

func (b *Bus) closeInbound(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.inboundSubs[id]
	if !ok {
		return
	}
	delete(b.inboundSubs, id)
	close(sub.ch)
}

func (b *Bus) closeOutbound(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.outboundSubs[id]
	if !ok {
		return
	}
	delete(b.outboundSubs, id)
	close(sub.ch)
}

// PublishInbound broadcasts msg to every live inbound subscriber.
// Fire-and-forget: late subscribers never see it, and a subscriber
// with a full buffer loses its oldest buffered message rather than
// blocking this call.
func (b *Bus) PublishInbound(msg BusMessage) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.inboundSubs {
		deliverInbound(sub, msg)
	}
}

// PublishOutbound is the outbound-topic analogue of PublishInbound.
func (b *Bus) PublishOutbound(resp BusResponse) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.outboundSubs {
		deliverOutbound(sub, resp)
	}
}

func deliverInbound(sub *inboundSub, msg BusMessage) {
	env := InboundEnvelope{Message: msg, LaggedBy: int(sub.lag.Swap(0))}
	select {
	case sub.ch <- env:
		return
	default:
	}
	// Channel full: drop the oldest entry to make room and record the
	// miss (plus any lag that entry was itself carrying), then retry
	// once. A concurrent receiver may have already freed a slot, or may
	// race us for the one we just freed — either way this never blocks
	// the publisher.
	select {
	case old := <-sub.ch:
		sub.lag.Add(int64(old.LaggedBy) + 1)
	default:
	}
	env.LaggedBy += int(sub.lag.Swap(0))
	select {
	case sub.ch <- env:
	default:
		sub.lag.Add(int64(env.LaggedBy) + 1)
	}
}

func deliverOutbound(sub *outboundSub, resp BusResponse) {
	env := OutboundEnvelope{Response: resp, LaggedBy: int(sub.lag.Swap(0))}
	select {
	case sub.ch <- env:
		return
	default:
	}
	select {
	case old := <-sub.ch:
		sub.lag.Add(int64(old.LaggedBy) + 1)
	default:
	}
	env.LaggedBy += int(sub.lag.Swap(0))
	select {
	case sub.ch <- env:
	default:
		sub.lag.Add(int64(env.LaggedBy) + 1)
	}
}

func bindingKey(platform, connectionID string) string {
	return platform + "\x00" + connectionID
}

// ResolveTarget returns Session{name} if a binding exists for
// (platform, connectionID), else Dispatch. Safe to call concurrently
// with SetBinding/ClearBinding and from synchronous gateway code (it
// never blocks on anything but a read lock).
func (b *Bus) ResolveTarget(platform, connectionID string) SessionTarget {
	b.bindMu.RLock()
	defer b.bindMu.RUnlock()
	if name, ok := b.bindings[bindingKey(platform, connectionID)]; ok {
		return SessionTargetNamed(name)
	}
	return DispatchTarget()
}

// SetBinding idempotently binds (platform, connectionID) to
// sessionName, overwriting any prior binding for that key.
func (b *Bus) SetBinding(platform, connectionID, sessionName string) {
	b.bindMu.Lock()
	defer b.bindMu.Unlock()
	b.bindings[bindingKey(platform, connectionID)] = sessionName
}

// ClearBinding idempotently removes any binding for (platform,
// connectionID). A no-op if none exists.
func (b *Bus) ClearBinding(platform, connectionID string) {
	b.bindMu.Lock()
	defer b.bindMu.Unlock()
	delete(b.bindings, bindingKey(platform, connectionID))
}

// InboundSubscriberCount reports the number of live inbound
// subscribers, for diagnostics and tests.
func (b *Bus) InboundSubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.inboundSubs)
}

// OutboundSubscriberCount reports the number of live outbound
// subscribers, for diagnostics and tests.
func (b *Bus) OutboundSubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.outboundSubs)
}
