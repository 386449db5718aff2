// Package gateway ties the channels, the conversation engine and the module
// registry into one running service.
package gateway

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stellarlinkco/bennet/internal/alert"
	"github.com/stellarlinkco/bennet/internal/assembler"
	"github.com/stellarlinkco/bennet/internal/bus"
	"github.com/stellarlinkco/bennet/internal/channel"
	"github.com/stellarlinkco/bennet/internal/config"
	"github.com/stellarlinkco/bennet/internal/errs"
	"github.com/stellarlinkco/bennet/internal/history"
	"github.com/stellarlinkco/bennet/internal/logging"
	"github.com/stellarlinkco/bennet/internal/modules"
	"github.com/stellarlinkco/bennet/internal/modules/statestore"
	"github.com/stellarlinkco/bennet/internal/provider"
	"github.com/stellarlinkco/bennet/internal/tokenizer"

	// registers the shipped module kinds
	_ "github.com/stellarlinkco/bennet/internal/modules/builtin"
)

const alertCooldown = 5 * time.Minute

// Options replace the parts NewWithOptions would otherwise build from config.
type Options struct {
	Completer  Completer
	Health     HealthChecker
	Store      Store
	Modules    Modules
	Channels   *channel.ChannelManager
	LoadConfig func() (*config.Config, error) // reread by /reload_config
	SignalChan chan os.Signal                 // for testing
}

type Gateway struct {
	cfg        *config.Config
	bus        *bus.MessageBus
	engine     *Engine
	store      Store
	modules    Modules
	channels   *channel.ChannelManager
	closers    []io.Closer
	loadConfig func() (*config.Config, error)
	logger     zerolog.Logger
	root       zerolog.Logger

	// set when the provider gateway was built here, so reloads rebuild it
	ownProvider bool
	mu          sync.Mutex
	health      HealthChecker

	signalChan   chan os.Signal
	stopCh       chan struct{}
	stopOnce     sync.Once
	stopDispatch context.CancelFunc
	dispatchDone chan struct{}
	wg           sync.WaitGroup
}

func New(cfg *config.Config, logger zerolog.Logger) (*Gateway, error) {
	return NewWithOptions(cfg, logger, Options{})
}

// NewWithOptions builds the service. Anything not supplied in opts is built
// from cfg.
func NewWithOptions(cfg *config.Config, logger zerolog.Logger, opts Options) (_ *Gateway, err error) {
	g := &Gateway{
		cfg:        cfg,
		bus:        bus.NewMessageBus(config.DefaultBufSize),
		loadConfig: opts.LoadConfig,
		logger:     logging.For(logger, "gateway"),
		root:       logger,
		signalChan: opts.SignalChan,
		stopCh:     make(chan struct{}),
	}
	if g.loadConfig == nil {
		g.loadConfig = config.LoadConfig
	}
	defer func() {
		if err != nil {
			g.close()
		}
	}()

	est := tokenizer.New(cfg.History.TokensPerCharacter, tokenizer.WithLogger(logger))

	g.store = opts.Store
	if g.store == nil {
		st, err := history.Open(cfg.History.DBPath, history.Options{
			Driver:           cfg.History.Driver,
			Counter:          est,
			MaxHistoryLength: cfg.History.MaxHistoryLength,
			TokenBudget:      max(0, cfg.History.MaxTokenLimit-cfg.History.TokenSafetyMargin),
			Logger:           logger,
		})
		if err != nil {
			return nil, fmt.Errorf("open chat history: %w", err)
		}
		g.store = st
		g.closers = append(g.closers, st)
	}

	llm := opts.Completer
	g.health = opts.Health
	if llm == nil {
		pg, err := provider.FromConfig(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("create provider gateway: %w", err)
		}
		llm = pg
		g.ownProvider = true
		if g.health == nil {
			g.health = pg
		}
	}

	notify := alert.Safe(g.alertSink(), logger)

	asm := assembler.New(g.store, est, assembler.Config{
		MaxTokenLimit:     cfg.History.MaxTokenLimit,
		TokenSafetyMargin: cfg.History.TokenSafetyMargin,
		MaxHistoryLength:  cfg.History.MaxHistoryLength,
	}, logger)
	g.engine = NewEngine(g.store, asm, llm, engineConfig(cfg), notify, logger)

	switch {
	case opts.Modules != nil:
		g.modules = opts.Modules
	case cfg.Modules.Enabled:
		reg, err := g.newRegistry(notify, logger)
		if err != nil {
			return nil, err
		}
		g.modules = reg
	}

	g.channels = opts.Channels
	if g.channels == nil {
		g.channels, err = channel.NewChannelManager(cfg.Channels, cfg.Gateway, g.bus, logger)
		if err != nil {
			return nil, fmt.Errorf("create channel manager: %w", err)
		}
	}
	return g, nil
}

func engineConfig(cfg *config.Config) EngineConfig {
	return EngineConfig{
		Model:         cfg.Agent.Model,
		Temperature:   cfg.Agent.Temperature,
		MaxTokens:     cfg.Agent.MaxTokens,
		SystemMessage: cfg.Agent.SystemMessage,
	}
}

// newRegistry builds the module registry. Modules complete through the
// engine so they follow /reload_config.
func (g *Gateway) newRegistry(notify alert.Notifier, logger zerolog.Logger) (*modules.Registry, error) {
	ctx := context.Background()
	store, err := statestore.FromConfig(ctx, g.cfg.Modules)
	if err != nil {
		return nil, fmt.Errorf("create module state store: %w", err)
	}
	if c, ok := store.(io.Closer); ok {
		g.closers = append(g.closers, c)
	}
	mc := g.cfg.Modules
	reg, err := modules.New(ctx, modules.Options{
		Dir:          mc.Dir,
		Store:        store,
		Settings:     mc.Settings,
		PollInterval: mc.PollInterval(),
		RetryDelay:   mc.RetryDelay(),
		MaxRetries:   mc.MaxRetries,
		Debounce:     mc.ReloadDebounce(),
		HotReload:    mc.HotReload,
		Logger:       logger,
		Notifier:     notify,
		Sender:       &busSender{bus: g.bus, channel: g.adminChannel(), chatID: g.cfg.Gateway.AdminChatID},
		Completer:    g.engine,
		Chat:         g.engine,
		AdminChat:    g.cfg.Gateway.AdminChatID,
	})
	if err != nil {
		return nil, fmt.Errorf("create module registry: %w", err)
	}
	return reg, nil
}

// alertSink logs every alert and, with an admin chat configured, posts it
// there at most once per category per cooldown.
func (g *Gateway) alertSink() alert.Sink {
	sinks := alert.Multi{alert.LogSink{Logger: g.logger}}
	if g.cfg.Gateway.AdminChatID != "" {
		sinks = append(sinks, &alert.Throttle{
			Sink:     alert.BusSink{Bus: g.bus, Channel: g.adminChannel(), ChatID: g.cfg.Gateway.AdminChatID},
			Cooldown: alertCooldown,
		})
	}
	return sinks
}

func (g *Gateway) adminChannel() string {
	if g.cfg.Gateway.AdminChannel != "" {
		return g.cfg.Gateway.AdminChannel
	}
	if g.cfg.Channels.Telegram.Enabled {
		return channel.TelegramChannelName
	}
	return channel.WebUIChannelName
}

// Engine exposes the conversation engine, e.g. for the CLI agent.
func (g *Gateway) Engine() *Engine { return g.engine }

// reloadConfig rereads the config and applies its agent and provider
// settings to turns that start afterwards. Storage, channels and modules keep
// the settings they started with.
func (g *Gateway) reloadConfig() error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	var llm Completer
	if g.ownProvider {
		pg, err := provider.FromConfig(cfg, g.root)
		if err != nil {
			return fmt.Errorf("create provider gateway: %w", err)
		}
		llm = pg
		g.mu.Lock()
		if _, built := g.health.(*provider.Gateway); built {
			g.health = pg
		}
		g.mu.Unlock()
	}
	g.engine.Reconfigure(llm, engineConfig(cfg))
	g.logger.Info().Str("model", cfg.Agent.Model).Str("provider", string(cfg.Provider.Type)).
		Msg("configuration reloaded")
	return nil
}

func (g *Gateway) healthChecker() HealthChecker {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.health
}

// Stop makes Run return as if it had been signalled. Safe to call more than
// once.
func (g *Gateway) Stop() {
	g.stopOnce.Do(func() { close(g.stopCh) })
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// outlives ctx so replies queued during shutdown still go out
	dctx, stopDispatch := context.WithCancel(context.Background())
	g.stopDispatch = stopDispatch
	g.dispatchDone = make(chan struct{})
	go func() {
		defer close(g.dispatchDone)
		g.bus.DispatchOutbound(dctx, func(msg bus.OutboundMessage, err error) {
			g.logger.Error().Err(err).Str("channel", msg.Channel).Str("chat_id", msg.ChatID).Msg("outbound delivery failed")
		})
	}()

	if err := g.channels.StartAll(ctx); err != nil {
		g.finishDispatch()
		_ = g.channels.StopAll()
		g.close()
		return fmt.Errorf("start channels: %w", err)
	}
	g.logger.Info().Strs("channels", g.channels.EnabledChannels()).Msg("channels started")

	if g.modules != nil {
		if err := g.modules.Start(ctx); err != nil {
			g.logger.Error().Err(err).Msg("module registry start failed")
		}
	}

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		g.processLoop(ctx)
	}()

	g.logger.Info().Str("host", g.cfg.Gateway.Host).Int("port", g.cfg.Gateway.Port).Msg("running")

	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}
	select {
	case <-sigCh:
	case <-g.stopCh:
	case <-ctx.Done():
	}

	g.logger.Info().Msg("shutting down")
	cancel()
	<-loopDone
	return g.Shutdown()
}

func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			g.wg.Add(1)
			go func() {
				defer g.wg.Done()
				g.handle(ctx, msg)
			}()
		case <-ctx.Done():
			return
		}
	}
}

// handle answers one inbound message on the channel it came from.
func (g *Gateway) handle(ctx context.Context, msg bus.InboundMessage) {
	g.logger.Info().Str("channel", msg.Channel).Str("sender_id", msg.SenderID).
		Str("content", truncate(msg.Content, 80)).Msg("inbound")

	res, ok := g.command(ctx, msg)
	reply := res.reply
	if !ok {
		meta := map[string]any{"channel": msg.Channel, "sender_id": msg.SenderID}
		for k, v := range msg.Metadata {
			meta[k] = v
		}
		reply = g.engine.Respond(ctx, msg.ChatID, msg.Content, meta)
	}
	if reply == "" {
		return
	}
	if err := g.bus.Publish(ctx, bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: reply,
	}); err != nil {
		g.logger.Warn().Err(err).Str("chat_id", msg.ChatID).Msg("reply dropped")
	}
	if res.stop {
		g.logger.Info().Str("sender_id", msg.SenderID).Msg("stop requested")
		g.Stop()
	}
}

func (g *Gateway) Shutdown() error {
	g.wg.Wait()
	if g.modules != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := g.modules.Shutdown(ctx); err != nil {
			g.logger.Error().Err(err).Msg("module shutdown")
		}
		cancel()
	}
	g.finishDispatch()
	_ = g.channels.StopAll()
	g.close()
	g.logger.Info().Msg("shutdown complete")
	return nil
}

// finishDispatch delivers what is still queued and stops the dispatcher.
func (g *Gateway) finishDispatch() {
	if g.stopDispatch == nil {
		return
	}
	g.stopDispatch()
	<-g.dispatchDone
	g.stopDispatch = nil
}

func (g *Gateway) close() {
	for _, c := range g.closers {
		if err := c.Close(); err != nil {
			g.logger.Warn().Err(err).Msg("close")
		}
	}
	g.closers = nil
}

// busSender delivers module output to the admin chat.
type busSender struct {
	bus     *bus.MessageBus
	channel string
	chatID  string
}

func (s *busSender) Send(ctx context.Context, text string) error {
	if s.chatID == "" {
		return errs.New(errs.ErrConfig, "send to admin chat", "gateway.adminChatId not set")
	}
	return s.bus.Publish(ctx, bus.OutboundMessage{Channel: s.channel, ChatID: s.chatID, Content: text})
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
