// Package bus defines the wire types Transport and the core coordination
// layer exchange, and a small in-process pub/sub for inbound/outbound
// message flow between a GatewayManager and the IMSessionMultiplexer.
package bus

import (
	"context"

	"github.com/coworkhq/imgateway/pkg/media"
)

// ConversationKey identifies an IM conversation independent of platform
// identity (spec §3). It is a value type so it can be used directly as a
// map key.
type ConversationKey struct {
	Platform       string
	ConversationID string
}

// IMMessage is one inbound chat message, as emitted by a Transport
// (spec §3). It is immutable and consumed exactly once by the Multiplexer.
type IMMessage struct {
	Platform       string
	ConversationID string
	MessageID      string
	SenderID       string
	Content        string
	Attachments    []media.Attachment
	MediaGroupID   string
	ThreadID       string // forum/topic thread id, if the platform has one
	TimestampMS    int64

	// Reply sends text back to the originating conversation. Implementations
	// handle media-marker expansion, ~/ expansion, retries, and chunking
	// per spec §6; it is supplied by Transport and is safe to call from any
	// goroutine.
	Reply func(ctx context.Context, text string) error
}

func (m IMMessage) Key() ConversationKey {
	return ConversationKey{Platform: m.Platform, ConversationID: m.ConversationID}
}

// OutboundMessage is a gateway-initiated send (notifications, subagent
// results) not tied to a Reply closure.
type OutboundMessage struct {
	Platform       string
	ConversationID string
	Content        string
	Metadata       map[string]string
}

// MessageBus is a minimal in-process pub/sub connecting GatewayManager
// (producer of IMMessage, consumer of OutboundMessage) to the
// Multiplexer. It exists so GatewayManager and Multiplexer can be wired
// without a direct import cycle and so tests can substitute a fake bus.
type MessageBus struct {
	inbound  chan IMMessage
	outbound chan OutboundMessage
}

func NewMessageBus(buffer int) *MessageBus {
	return &MessageBus{
		inbound:  make(chan IMMessage, buffer),
		outbound: make(chan OutboundMessage, buffer),
	}
}

// PublishInbound is called by a Transport when a chat message arrives.
func (b *MessageBus) PublishInbound(m IMMessage) {
	b.inbound <- m
}

// ConsumeInbound blocks for the next inbound message, honoring ctx
// cancellation. ok is false once ctx is done.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (IMMessage, bool) {
	select {
	case m, ok := <-b.inbound:
		return m, ok
	case <-ctx.Done():
		return IMMessage{}, false
	}
}

// PublishOutbound queues a gateway-initiated send for delivery by the
// owning Transport.
func (b *MessageBus) PublishOutbound(m OutboundMessage) {
	select {
	case b.outbound <- m:
	default:
		// Outbound buffer full: the message is dropped silently rather
		// than blocking the caller; losing a best-effort notification is
		// preferable to stalling a turn.
	}
}

func (b *MessageBus) ConsumeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case m, ok := <-b.outbound:
		return m, ok
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}
