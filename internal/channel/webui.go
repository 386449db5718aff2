package channel

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stellarlinkco/bennet/internal/bus"
	"github.com/stellarlinkco/bennet/internal/config"
)

//go:embed static
var staticFiles embed.FS

const WebUIChannelName = "webui"

type wsMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

type wsClient struct {
	conn *websocket.Conn
	id   string
}

// WebUIChannel serves a one-page chat UI and relays its websocket messages.
// Every connection is its own chat, keyed by a fresh client id.
type WebUIChannel struct {
	BaseChannel
	addr    string
	server  *http.Server
	clients sync.Map
	ctx     context.Context
}

func NewWebUIChannel(gwCfg config.GatewayConfig, b *bus.MessageBus, logger zerolog.Logger) (*WebUIChannel, error) {
	port := gwCfg.Port
	if port == 0 {
		port = config.DefaultPort
	}
	return &WebUIChannel{
		BaseChannel: NewBaseChannel(WebUIChannelName, b, nil, logger),
		addr:        net.JoinHostPort(gwCfg.Host, fmt.Sprint(port)),
		ctx:         context.Background(),
	}, nil
}

// Handler returns the UI and websocket routes.
func (w *WebUIChannel) Handler() (http.Handler, error) {
	staticFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		return nil, fmt.Errorf("embed static fs: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.FS(staticFS)))
	mux.HandleFunc("/ws", w.handleWS)
	return mux, nil
}

func (w *WebUIChannel) Start(ctx context.Context) error {
	h, err := w.Handler()
	if err != nil {
		return err
	}
	w.ctx = ctx
	ln, err := net.Listen("tcp", w.addr)
	if err != nil {
		return fmt.Errorf("webui listen: %w", err)
	}
	w.server = &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		w.logger.Info().Str("addr", ln.Addr().String()).Msg("listening")
		if err := w.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.logger.Error().Err(err).Msg("server error")
		}
	}()
	return nil
}

func (w *WebUIChannel) handleWS(wr http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(wr, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		w.logger.Warn().Err(err).Msg("websocket accept error")
		return
	}

	clientID := "webui-" + uuid.NewString()
	w.clients.Store(clientID, &wsClient{conn: conn, id: clientID})
	log := w.logger.With().Str("client_id", clientID).Logger()
	log.Info().Msg("client connected")

	defer func() {
		w.clients.Delete(clientID)
		conn.CloseNow()
		log.Info().Msg("client disconnected")
	}()

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type != "message" || msg.Content == "" {
			continue
		}
		if !w.publish(w.ctx, bus.InboundMessage{
			Channel:   WebUIChannelName,
			SenderID:  clientID,
			ChatID:    clientID,
			Content:   msg.Content,
			Timestamp: time.Now(),
		}) {
			return
		}
	}
}

// Send writes msg to its client, or to every client when the chat is not a
// connected client.
func (w *WebUIChannel) Send(msg bus.OutboundMessage) error {
	data, err := json.Marshal(wsMessage{Type: "message", Content: msg.Content})
	if err != nil {
		return err
	}

	client, ok := w.clients.Load(msg.ChatID)
	if !ok {
		w.clients.Range(func(_, value any) bool {
			_ = write(value.(*wsClient), data)
			return true
		})
		return nil
	}
	return write(client.(*wsClient), data)
}

func write(c *wsClient, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (w *WebUIChannel) Stop() error {
	if w.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.server.Shutdown(ctx); err != nil {
			w.logger.Warn().Err(err).Msg("shutdown error")
		}
	}
	w.clients.Range(func(_, value any) bool {
		value.(*wsClient).conn.CloseNow()
		return true
	})
	w.logger.Info().Msg("stopped")
	return nil
}
