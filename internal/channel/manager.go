package channel

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"github.com/stellarlinkco/bennet/internal/bus"
	"github.com/stellarlinkco/bennet/internal/config"
	"github.com/stellarlinkco/bennet/internal/logging"
)

type ChannelManager struct {
	channels map[string]Channel
	bus      *bus.MessageBus
	logger   zerolog.Logger
}

// NewChannelManager builds the enabled channels and subscribes each to its
// outbound messages.
func NewChannelManager(cfg config.ChannelsConfig, gwCfg config.GatewayConfig, b *bus.MessageBus, logger zerolog.Logger) (*ChannelManager, error) {
	m := &ChannelManager{
		channels: make(map[string]Channel),
		bus:      b,
		logger:   logging.For(logger, "channel-mgr"),
	}

	if cfg.Telegram.Enabled {
		ch, err := NewTelegramChannel(cfg.Telegram, b, logger)
		if err != nil {
			return nil, fmt.Errorf("init telegram channel: %w", err)
		}
		m.Add(ch)
	}
	if cfg.WebUI.Enabled {
		ch, err := NewWebUIChannel(gwCfg, b, logger)
		if err != nil {
			return nil, fmt.Errorf("init webui channel: %w", err)
		}
		m.Add(ch)
	}
	return m, nil
}

// Add registers ch and routes its outbound messages to it.
func (m *ChannelManager) Add(ch Channel) {
	m.channels[ch.Name()] = ch
	m.bus.SubscribeOutbound(ch.Name(), ch.Send)
}

func (m *ChannelManager) StartAll(ctx context.Context) error {
	for _, name := range m.EnabledChannels() {
		m.logger.Info().Str("channel", name).Msg("starting")
		if err := m.channels[name].Start(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// StopAll stops every channel. Stop errors are logged.
func (m *ChannelManager) StopAll() error {
	for _, name := range m.EnabledChannels() {
		m.logger.Info().Str("channel", name).Msg("stopping")
		if err := m.channels[name].Stop(); err != nil {
			m.logger.Error().Err(err).Str("channel", name).Msg("stop failed")
		}
	}
	return nil
}

// EnabledChannels lists channel names, sorted.
func (m *ChannelManager) EnabledChannels() []string {
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
