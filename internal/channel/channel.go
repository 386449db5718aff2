// Package channel connects messaging transports to the message bus.
package channel

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/stellarlinkco/bennet/internal/bus"
	"github.com/stellarlinkco/bennet/internal/logging"
)

type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Send(msg bus.OutboundMessage) error
}

// BaseChannel holds what every transport shares: its name, the bus and the
// sender allowlist.
type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowFrom map[string]bool
	logger    zerolog.Logger
}

func NewBaseChannel(name string, b *bus.MessageBus, allowFrom []string, logger zerolog.Logger) BaseChannel {
	allow := make(map[string]bool, len(allowFrom))
	for _, id := range allowFrom {
		allow[id] = true
	}
	return BaseChannel{
		name:      name,
		bus:       b,
		allowFrom: allow,
		logger:    logging.For(logger, "channel").With().Str("channel", name).Logger(),
	}
}

func (c *BaseChannel) Name() string { return c.name }

// IsAllowed reports whether senderID may talk to the bot. An empty allowlist
// admits everyone.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowFrom) == 0 {
		return true
	}
	return c.allowFrom[senderID]
}

// publish queues msg on the inbound queue unless ctx ends first.
func (c *BaseChannel) publish(ctx context.Context, msg bus.InboundMessage) bool {
	select {
	case c.bus.Inbound <- msg:
		return true
	case <-ctx.Done():
		c.logger.Warn().Str("chat_id", msg.ChatID).Msg("dropped inbound message on shutdown")
		return false
	}
}
