package channel

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/stellarlinkco/bennet/internal/bus"
	"github.com/stellarlinkco/bennet/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var nop = zerolog.Nop()

type mockTelegramBot struct {
	updatesChan chan tgbotapi.Update
	mu          sync.Mutex
	stopped     bool
	sent        []tgbotapi.MessageConfig
	// sendErr fails sends whose parse mode matches failMode.
	sendErr  error
	failMode string
}

func newMockBot() *mockTelegramBot {
	return &mockTelegramBot{updatesChan: make(chan tgbotapi.Update, 10), failMode: "*"}
}

func (m *mockTelegramBot) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return m.updatesChan
}

func (m *mockTelegramBot) StopReceivingUpdates() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
}

func (m *mockTelegramBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := c.(tgbotapi.MessageConfig)
	m.sent = append(m.sent, msg)
	if m.sendErr != nil && (m.failMode == "*" || m.failMode == msg.ParseMode) {
		return tgbotapi.Message{}, m.sendErr
	}
	return tgbotapi.Message{MessageID: len(m.sent)}, nil
}

func (m *mockTelegramBot) GetSelf() tgbotapi.User { return tgbotapi.User{UserName: "testbot"} }

func newTelegram(t *testing.T, cfg config.TelegramConfig) (*TelegramChannel, *bus.MessageBus, *mockTelegramBot) {
	t.Helper()
	if cfg.Token == "" {
		cfg.Token = "fake-token"
	}
	b := bus.NewMessageBus(10)
	bot := newMockBot()
	ch, err := NewTelegramChannelWithFactory(cfg, b, nop, func(token, _ string, _ *http.Client) (TelegramBot, error) {
		assert.Equal(t, cfg.Token, token)
		return bot, nil
	})
	require.NoError(t, err)
	return ch, b, bot
}

func TestBaseChannelAllowlist(t *testing.T) {
	b := bus.NewMessageBus(10)
	open := NewBaseChannel("test", b, nil, nop)
	assert.Equal(t, "test", open.Name())
	assert.True(t, open.IsAllowed("anyone"))

	closed := NewBaseChannel("test", b, []string{"user1", "user2"}, nop)
	assert.True(t, closed.IsAllowed("user1"))
	assert.True(t, closed.IsAllowed("user2"))
	assert.False(t, closed.IsAllowed("user3"))
}

func TestNewTelegramChannel(t *testing.T) {
	_, err := NewTelegramChannel(config.TelegramConfig{}, bus.NewMessageBus(1), nop)
	assert.Error(t, err)

	ch, err := NewTelegramChannel(config.TelegramConfig{Token: "t", Proxy: "http://proxy.local:8080"}, bus.NewMessageBus(1), nop)
	require.NoError(t, err)
	assert.Equal(t, TelegramChannelName, ch.Name())
	assert.Equal(t, "http://proxy.local:8080", ch.proxy)
	assert.NoError(t, ch.Stop(), "stop before start")
	assert.Error(t, ch.Send(bus.OutboundMessage{ChatID: "1", Content: "x"}), "bot not initialized")
}

func TestTelegramHandleMessage(t *testing.T) {
	ch, b, _ := newTelegram(t, config.TelegramConfig{})
	ctx := context.Background()

	ch.handleMessage(ctx, &tgbotapi.Message{
		MessageID: 9,
		From:      &tgbotapi.User{ID: 123, UserName: "testuser", FirstName: "Test"},
		Chat:      &tgbotapi.Chat{ID: 456},
		Text:      "hello",
		Date:      1234567890,
	})
	require.Len(t, b.Inbound, 1)
	in := <-b.Inbound
	assert.Equal(t, TelegramChannelName, in.Channel)
	assert.Equal(t, "123", in.SenderID)
	assert.Equal(t, "456", in.ChatID)
	assert.Equal(t, "hello", in.Content)
	assert.Equal(t, time.Unix(1234567890, 0), in.Timestamp)
	assert.Equal(t, "testuser", in.Metadata["username"])
	assert.Equal(t, "Test", in.Metadata["first_name"])
	assert.Equal(t, 9, in.Metadata["message_id"])

	ch.handleMessage(ctx, &tgbotapi.Message{From: &tgbotapi.User{ID: 1}, Chat: &tgbotapi.Chat{ID: 2}, Caption: "image caption"})
	require.Len(t, b.Inbound, 1)
	assert.Equal(t, "image caption", (<-b.Inbound).Content)

	ch.handleMessage(ctx, &tgbotapi.Message{From: &tgbotapi.User{ID: 1}, Chat: &tgbotapi.Chat{ID: 2}, Text: "  "})
	ch.handleMessage(ctx, &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 2}, Text: "no sender"})
	assert.Empty(t, b.Inbound)
}

func TestTelegramCommandsDropBotSuffix(t *testing.T) {
	ch, b, _ := newTelegram(t, config.TelegramConfig{})
	text := "/clear_history@testbot now"
	ch.handleMessage(context.Background(), &tgbotapi.Message{
		From:     &tgbotapi.User{ID: 1},
		Chat:     &tgbotapi.Chat{ID: 2},
		Text:     text,
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len("/clear_history@testbot")}},
	})
	require.Len(t, b.Inbound, 1)
	assert.Equal(t, "/clear_history now", (<-b.Inbound).Content)
}

func TestTelegramRejectsUnlistedSender(t *testing.T) {
	ch, b, _ := newTelegram(t, config.TelegramConfig{AllowFrom: []string{"999"}})
	ch.handleMessage(context.Background(), &tgbotapi.Message{
		From: &tgbotapi.User{ID: 123},
		Chat: &tgbotapi.Chat{ID: 456},
		Text: "hello",
	})
	assert.Empty(t, b.Inbound)
}

func TestTelegramStartPollsUpdates(t *testing.T) {
	ch, b, bot := newTelegram(t, config.TelegramConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, ch.Start(ctx))

	bot.updatesChan <- tgbotapi.Update{}
	bot.updatesChan <- tgbotapi.Update{Message: &tgbotapi.Message{From: &tgbotapi.User{ID: 1}, Chat: &tgbotapi.Chat{ID: 2}, Text: "polled"}}

	select {
	case in := <-b.Inbound:
		assert.Equal(t, "polled", in.Content)
	case <-time.After(time.Second):
		t.Fatal("no inbound message")
	}

	require.NoError(t, ch.Stop())
	bot.mu.Lock()
	assert.True(t, bot.stopped)
	bot.mu.Unlock()
}

func TestTelegramSend(t *testing.T) {
	ch, _, bot := newTelegram(t, config.TelegramConfig{})
	ch.SetBot(bot)

	assert.Error(t, ch.Send(bus.OutboundMessage{ChatID: "not-a-number", Content: "x"}))

	require.NoError(t, ch.Send(bus.OutboundMessage{ChatID: "42", Content: "**hi** <there>"}))
	require.Len(t, bot.sent, 1)
	assert.Equal(t, int64(42), bot.sent[0].ChatID)
	assert.Equal(t, tgbotapi.ModeHTML, bot.sent[0].ParseMode)
	assert.Equal(t, "<b>hi</b> &lt;there&gt;", bot.sent[0].Text)
}

func TestTelegramSendFallsBackToPlainText(t *testing.T) {
	ch, _, bot := newTelegram(t, config.TelegramConfig{})
	ch.SetBot(bot)
	bot.sendErr = errors.New("can't parse entities")
	bot.failMode = tgbotapi.ModeHTML

	require.NoError(t, ch.Send(bus.OutboundMessage{ChatID: "42", Content: "*broken"}))
	require.Len(t, bot.sent, 2)
	assert.Equal(t, "", bot.sent[1].ParseMode)
	assert.Equal(t, "*broken", bot.sent[1].Text)

	bot.failMode = "*"
	assert.Error(t, ch.Send(bus.OutboundMessage{ChatID: "42", Content: "still broken"}))
}

func TestTelegramSendSplitsLongMessages(t *testing.T) {
	ch, _, bot := newTelegram(t, config.TelegramConfig{})
	ch.SetBot(bot)

	line := strings.Repeat("a", 3000)
	require.NoError(t, ch.Send(bus.OutboundMessage{ChatID: "1", Content: line + "\n" + line}))
	require.Len(t, bot.sent, 2)
	assert.Equal(t, line, bot.sent[0].Text)
	assert.Equal(t, line, bot.sent[1].Text)
}

func TestSplitMessage(t *testing.T) {
	assert.Equal(t, []string{""}, splitMessage("", 10))
	assert.Equal(t, []string{"short"}, splitMessage("short", 10))
	assert.Equal(t, []string{"abcdefghij", "klm"}, splitMessage("abcdefghijklm", 10))
	assert.Equal(t, []string{"abc", "defgh"}, splitMessage("abc\ndefgh", 6))
}

func TestToTelegramHTML(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "hello", "hello"},
		{"bold", "**bold**", "<b>bold</b>"},
		{"inline code", "`code`", "<code>code</code>"},
		{"ampersand", "a & b", "a &amp; b"},
		{"tags escaped", "<tag>", "&lt;tag&gt;"},
		{"code block with language", "```go\nfunc main() {}\n```", "<pre>func main() {}\n</pre>"},
		{"code block without language", "```\ncode here\n```", "<pre>\ncode here\n</pre>"},
		{"italic", "*italic*", "<i>italic</i>"},
		{"bold and italic", "**bold** and *italic*", "<b>bold</b> and <i>italic</i>"},
		{"unclosed code block", "```code", "<code></code>`code"},
		{"unclosed inline code", "`code", "`code"},
		{"unclosed bold", "**bold", "<i></i>bold"},
		{"unclosed italic", "*italic", "*italic"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, toTelegramHTML(tt.input))
		})
	}
}

type mockChannel struct {
	name     string
	started  bool
	stopped  bool
	startErr error
	stopErr  error
	sent     []bus.OutboundMessage
}

func (m *mockChannel) Name() string { return m.name }

func (m *mockChannel) Start(context.Context) error {
	m.started = true
	return m.startErr
}

func (m *mockChannel) Stop() error {
	m.stopped = true
	return m.stopErr
}

func (m *mockChannel) Send(msg bus.OutboundMessage) error {
	m.sent = append(m.sent, msg)
	return nil
}

func TestChannelManagerEmpty(t *testing.T) {
	m, err := NewChannelManager(config.ChannelsConfig{}, config.GatewayConfig{}, bus.NewMessageBus(1), nop)
	require.NoError(t, err)
	assert.Empty(t, m.EnabledChannels())
	assert.NoError(t, m.StartAll(context.Background()))
	assert.NoError(t, m.StopAll())
}

func TestChannelManagerBuildsEnabled(t *testing.T) {
	m, err := NewChannelManager(config.ChannelsConfig{
		Telegram: config.TelegramConfig{Enabled: true, Token: "t"},
		WebUI:    config.WebUIConfig{Enabled: true},
	}, config.GatewayConfig{}, bus.NewMessageBus(1), nop)
	require.NoError(t, err)
	assert.Equal(t, []string{TelegramChannelName, WebUIChannelName}, m.EnabledChannels())

	_, err = NewChannelManager(config.ChannelsConfig{Telegram: config.TelegramConfig{Enabled: true}},
		config.GatewayConfig{}, bus.NewMessageBus(1), nop)
	assert.Error(t, err)
}

func TestChannelManagerRoutesOutbound(t *testing.T) {
	b := bus.NewMessageBus(10)
	m, err := NewChannelManager(config.ChannelsConfig{}, config.GatewayConfig{}, b, nop)
	require.NoError(t, err)
	mock := &mockChannel{name: "mock"}
	m.Add(mock)

	require.NoError(t, m.StartAll(context.Background()))
	assert.True(t, mock.started)
	assert.Equal(t, []string{"mock"}, m.EnabledChannels())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.DispatchOutbound(ctx, nil)
	}()
	require.NoError(t, b.Publish(ctx, bus.OutboundMessage{Channel: "mock", ChatID: "1", Content: "hi"}))
	require.NoError(t, b.Publish(ctx, bus.OutboundMessage{Channel: "other", ChatID: "1", Content: "lost"}))
	assert.Eventually(t, func() bool { return len(b.Outbound) == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	require.Len(t, mock.sent, 1)
	assert.Equal(t, "hi", mock.sent[0].Content)

	assert.NoError(t, m.StopAll())
	assert.True(t, mock.stopped)
}

func TestChannelManagerStartError(t *testing.T) {
	m, err := NewChannelManager(config.ChannelsConfig{}, config.GatewayConfig{}, bus.NewMessageBus(1), nop)
	require.NoError(t, err)
	m.Add(&mockChannel{name: "mock", startErr: errors.New("start failed"), stopErr: errors.New("stop failed")})
	assert.ErrorContains(t, m.StartAll(context.Background()), "start failed")
	assert.NoError(t, m.StopAll(), "stop errors are logged")
}
