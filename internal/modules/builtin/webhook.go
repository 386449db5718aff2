package builtin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stellarlinkco/bennet/internal/modules"
)

const (
	KindWebhook = "webhook"

	defaultWebhookAddr = "127.0.0.1:18791"
	defaultWebhookPath = "/webhook"
	maxWebhookBody     = 64 << 10
	secretHeader       = "X-Webhook-Secret"
)

type WebhookState struct {
	Relayed int `json:"relayed"`
}

// Webhook listens for POSTed text and relays it to the admin chat until its
// task is cancelled. A JSON body with a "text" or "message" field has that
// field relayed; any other body is relayed as is.
type Webhook struct {
	env    modules.Env
	log    zerolog.Logger
	addr   string
	path   string
	secret string
	prefix string

	mu     sync.Mutex
	state  WebhookState
	bound  net.Addr
	listen chan struct{}
}

func NewWebhook(env modules.Env) (modules.Module, error) {
	return &Webhook{
		env:    env,
		log:    env.Logger,
		addr:   env.String("addr", defaultWebhookAddr),
		path:   env.String("path", defaultWebhookPath),
		secret: env.String("secret", ""),
		prefix: env.String("prefix", ""),
		listen: make(chan struct{}),
	}, nil
}

func (w *Webhook) Info() modules.Info {
	return modules.Info{
		Name:        KindWebhook,
		Description: "Relays webhook payloads to the admin chat",
		Author:      "bennet",
	}
}

func (w *Webhook) Trigger() modules.Trigger {
	return modules.Trigger{
		Type:        modules.TriggerEvent,
		EventType:   "webhook",
		EventConfig: map[string]any{"addr": w.addr, "path": w.path},
	}
}

func (w *Webhook) ValidateConfig() error {
	if !strings.HasPrefix(w.path, "/") {
		return fmt.Errorf("path must start with '/': %q", w.path)
	}
	if _, _, err := net.SplitHostPort(w.addr); err != nil {
		return fmt.Errorf("invalid addr %q: %w", w.addr, err)
	}
	if w.env.Sender == nil {
		return errors.New("no sender configured")
	}
	return nil
}

func (w *Webhook) Initialize(context.Context) error { return nil }

// Run serves until ctx is done.
func (w *Webhook) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", w.addr)
	if err != nil {
		return fmt.Errorf("webhook listen: %w", err)
	}
	w.mu.Lock()
	w.bound = ln.Addr()
	w.mu.Unlock()
	close(w.listen)

	srv := &http.Server{
		Handler:           w.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	w.log.Info().Str("addr", ln.Addr().String()).Str("path", w.path).Msg("webhook listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			w.log.Warn().Err(err).Msg("webhook shutdown")
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("webhook serve: %w", err)
	}
}

// Addr blocks until Run is listening and returns the bound address.
func (w *Webhook) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-w.listen:
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.bound, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *Webhook) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(w.path, w.handle)
	return mux
}

func (w *Webhook) handle(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.Header().Set("Allow", http.MethodPost)
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if w.secret != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get(secretHeader)), []byte(w.secret)) != 1 {
		http.Error(rw, "forbidden", http.StatusForbidden)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		http.Error(rw, "read body", http.StatusBadRequest)
		return
	}
	if len(body) > maxWebhookBody {
		http.Error(rw, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}
	text := payloadText(body)
	if text == "" {
		http.Error(rw, "empty payload", http.StatusBadRequest)
		return
	}
	if w.prefix != "" {
		text = w.prefix + " " + text
	}
	if err := w.env.Sender.Send(r.Context(), text); err != nil {
		w.log.Error().Err(err).Msg("webhook relay failed")
		http.Error(rw, "relay failed", http.StatusBadGateway)
		return
	}
	w.mu.Lock()
	w.state.Relayed++
	w.mu.Unlock()
	rw.WriteHeader(http.StatusAccepted)
}

func payloadText(body []byte) string {
	var doc struct {
		Text    string `json:"text"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &doc) == nil {
		if t := strings.TrimSpace(doc.Text); t != "" {
			return t
		}
		if t := strings.TrimSpace(doc.Message); t != "" {
			return t
		}
	}
	return strings.TrimSpace(string(body))
}

func (w *Webhook) Cleanup(context.Context) error { return nil }

func (w *Webhook) SaveState() (any, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state, nil
}

func (w *Webhook) LoadState(data json.RawMessage) error {
	var st WebhookState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	w.mu.Lock()
	w.state = st
	w.mu.Unlock()
	return nil
}

func (w *Webhook) Relayed() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.Relayed
}

func init() {
	modules.MustRegister(KindWebhook, NewWebhook)
}
