// Package bus carries messages between the channels and the gateway.
package bus

import (
	"context"
	"sync"
)

type OutboundHandler func(OutboundMessage) error

// MessageBus is a pair of buffered queues plus per-channel outbound
// subscribers.
type MessageBus struct {
	Inbound  chan InboundMessage
	Outbound chan OutboundMessage

	mu   sync.RWMutex
	subs map[string][]OutboundHandler
}

func NewMessageBus(bufSize int) *MessageBus {
	if bufSize <= 0 {
		bufSize = 100
	}
	return &MessageBus{
		Inbound:  make(chan InboundMessage, bufSize),
		Outbound: make(chan OutboundMessage, bufSize),
		subs:     make(map[string][]OutboundHandler),
	}
}

// SubscribeOutbound registers fn for outbound messages addressed to channel.
func (b *MessageBus) SubscribeOutbound(channel string, fn OutboundHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[channel] = append(b.subs[channel], fn)
}

// Publish queues an outbound message, giving up when ctx is done.
func (b *MessageBus) Publish(ctx context.Context, msg OutboundMessage) error {
	select {
	case b.Outbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DispatchOutbound delivers outbound messages to subscribers until ctx is
// done, then delivers whatever is still queued. onErr, if set, receives
// delivery failures.
func (b *MessageBus) DispatchOutbound(ctx context.Context, onErr func(OutboundMessage, error)) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case msg := <-b.Outbound:
					b.deliver(msg, onErr)
				default:
					return
				}
			}
		case msg := <-b.Outbound:
			b.deliver(msg, onErr)
		}
	}
}

func (b *MessageBus) deliver(msg OutboundMessage, onErr func(OutboundMessage, error)) {
	b.mu.RLock()
	handlers := b.subs[msg.Channel]
	b.mu.RUnlock()
	for _, h := range handlers {
		if err := h(msg); err != nil && onErr != nil {
			onErr(msg, err)
		}
	}
}
