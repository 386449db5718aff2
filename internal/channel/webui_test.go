package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stellarlinkco/bennet/internal/bus"
	"github.com/stellarlinkco/bennet/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWebUI(t *testing.T) (*WebUIChannel, *bus.MessageBus, string) {
	t.Helper()
	b := bus.NewMessageBus(10)
	ch, err := NewWebUIChannel(config.GatewayConfig{Host: "127.0.0.1"}, b, nop)
	require.NoError(t, err)
	h, err := ch.Handler()
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return ch, b, srv.URL
}

func dial(t *testing.T, ctx context.Context, base string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(base, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) wsMessage {
	t.Helper()
	readCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(readCtx)
	require.NoError(t, err)
	var msg wsMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestNewWebUIChannel(t *testing.T) {
	ch, err := NewWebUIChannel(config.GatewayConfig{}, bus.NewMessageBus(1), nop)
	require.NoError(t, err)
	assert.Equal(t, WebUIChannelName, ch.Name())
	assert.Equal(t, ":18790", ch.addr)
}

func TestWebUIServesPage(t *testing.T) {
	_, _, base := newWebUI(t)
	resp, err := http.Get(base + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebUIStartStop(t *testing.T) {
	ch, err := NewWebUIChannel(config.GatewayConfig{Host: "127.0.0.1", Port: 19876}, bus.NewMessageBus(1), nop)
	require.NoError(t, err)
	require.NoError(t, ch.Start(context.Background()))

	assert.Eventually(t, func() bool {
		resp, err := http.Get("http://127.0.0.1:19876/")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)
	assert.NoError(t, ch.Stop())
}

func TestWebUIRoundTrip(t *testing.T) {
	ch, b, base := newWebUI(t)
	ctx := context.Background()
	conn := dial(t, ctx, base)

	data, _ := json.Marshal(wsMessage{Type: "message", Content: "hello from test"})
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
	noise, _ := json.Marshal(wsMessage{Type: "typing"})
	require.NoError(t, conn.Write(ctx, websocket.MessageText, noise))
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("not json")))

	var in bus.InboundMessage
	select {
	case in = <-b.Inbound:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for inbound message")
	}
	assert.Equal(t, WebUIChannelName, in.Channel)
	assert.Equal(t, "hello from test", in.Content)
	assert.True(t, strings.HasPrefix(in.ChatID, "webui-"))
	assert.Equal(t, in.ChatID, in.SenderID)

	require.NoError(t, ch.Send(bus.OutboundMessage{Channel: WebUIChannelName, ChatID: in.ChatID, Content: "reply from bot"}))
	assert.Equal(t, wsMessage{Type: "message", Content: "reply from bot"}, readMessage(t, ctx, conn))
}

func TestWebUIBroadcastsUnknownChat(t *testing.T) {
	ch, _, base := newWebUI(t)
	ctx := context.Background()
	conns := []*websocket.Conn{dial(t, ctx, base), dial(t, ctx, base)}

	assert.Eventually(t, func() bool {
		n := 0
		ch.clients.Range(func(any, any) bool { n++; return true })
		return n == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, ch.Send(bus.OutboundMessage{Channel: WebUIChannelName, ChatID: "unknown-id", Content: "broadcast msg"}))
	for _, conn := range conns {
		assert.Equal(t, "broadcast msg", readMessage(t, ctx, conn).Content)
	}
}
