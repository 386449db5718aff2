package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stellarlinkco/bennet/internal/alert"
	"github.com/stellarlinkco/bennet/internal/assembler"
	"github.com/stellarlinkco/bennet/internal/chatlock"
	"github.com/stellarlinkco/bennet/internal/errs"
	"github.com/stellarlinkco/bennet/internal/history"
	"github.com/stellarlinkco/bennet/internal/logging"
	"github.com/stellarlinkco/bennet/internal/provider"
)

// FallbackReply is sent when neither the contextual nor the plain completion
// produced an answer.
const FallbackReply = "Sorry, I encountered an error processing your message."

// Store is the part of the conversation store a turn writes to.
type Store interface {
	assembler.HistoryReader
	AddMessage(ctx context.Context, chatID string, role history.Role, content string, opts ...history.MessageOption) (int64, error)
	ClearChatHistory(ctx context.Context, chatID string, conversationID int64) (int64, error)
}

type Completer interface {
	Complete(ctx context.Context, req provider.Request) (*provider.Result, error)
}

type EngineConfig struct {
	Model         string
	Temperature   float64
	MaxTokens     int
	SystemMessage string
}

// Engine runs chat turns through the conversation store and the context
// assembler. All writes for one chat happen under that chat's lock.
type Engine struct {
	store  Store
	asm    *assembler.Assembler
	locks  *chatlock.Map
	notify alert.Notifier
	logger zerolog.Logger

	mu  sync.RWMutex
	llm Completer
	cfg EngineConfig
}

func NewEngine(store Store, asm *assembler.Assembler, llm Completer, cfg EngineConfig, notify alert.Notifier, logger zerolog.Logger) *Engine {
	logger = logging.For(logger, "engine")
	if notify == nil {
		notify = alert.Safe(alert.LogSink{Logger: logger}, logger)
	}
	return &Engine{
		store:  store,
		asm:    asm,
		llm:    llm,
		locks:  chatlock.New(),
		notify: notify,
		cfg:    cfg,
		logger: logger,
	}
}

// Reconfigure swaps the completer and settings used by turns that start
// afterwards. A nil llm keeps the current one.
func (e *Engine) Reconfigure(llm Completer, cfg EngineConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if llm != nil {
		e.llm = llm
	}
	e.cfg = cfg
}

func (e *Engine) settings() (Completer, EngineConfig) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.llm, e.cfg
}

// Complete forwards req to the current completer, so holders of the Engine
// follow Reconfigure.
func (e *Engine) Complete(ctx context.Context, req provider.Request) (*provider.Result, error) {
	llm, _ := e.settings()
	return llm.Complete(ctx, req)
}

// Converse runs one contextual turn for chatID and returns the reply. An
// empty systemMessage uses the configured default. Errors are returned, no
// fallback is attempted.
func (e *Engine) Converse(ctx context.Context, chatID, systemMessage, text string) (string, error) {
	unlock, err := e.locks.LockContext(ctx, chatID)
	if err != nil {
		return "", err
	}
	defer unlock()
	llm, cfg := e.settings()
	return e.turn(ctx, llm, cfg, chatID, system(cfg, systemMessage), text, nil)
}

// Respond is Converse for end users: a failed contextual turn degrades to a
// plain completion of [system, user], and when that fails too the user gets
// FallbackReply.
func (e *Engine) Respond(ctx context.Context, chatID, text string, meta map[string]any) string {
	unlock, err := e.locks.LockContext(ctx, chatID)
	if err != nil {
		return ""
	}
	defer unlock()

	llm, cfg := e.settings()
	sys := system(cfg, "")
	reply, err := e.turn(ctx, llm, cfg, chatID, sys, text, meta)
	if err == nil {
		return reply
	}
	log := e.logger.With().Str("chat_id", chatID).Logger()
	log.Warn().Err(err).Msg("contextual turn failed, falling back to plain completion")

	reply, ferr := plain(ctx, llm, cfg, sys, text)
	if ferr == nil {
		return reply
	}
	log.Error().Err(ferr).Msg("plain completion failed")
	e.notify.Notify(ctx, alert.CategoryProvider, fmt.Sprintf("reply to chat %s failed: %v", chatID, ferr))
	return FallbackReply
}

// Clear deletes every message of chatID.
func (e *Engine) Clear(ctx context.Context, chatID string) (int64, error) {
	unlock, err := e.locks.LockContext(ctx, chatID)
	if err != nil {
		return 0, err
	}
	defer unlock()
	return e.store.ClearChatHistory(ctx, chatID, 0)
}

func system(cfg EngineConfig, s string) string {
	if strings.TrimSpace(s) == "" {
		return cfg.SystemMessage
	}
	return s
}

// turn persists text, assembles the window, completes it and persists the
// reply. The caller holds the chat lock.
func (e *Engine) turn(ctx context.Context, llm Completer, cfg EngineConfig, chatID, system, text string, meta map[string]any) (string, error) {
	md := map[string]any{"turn_id": uuid.NewString()}
	for k, v := range meta {
		md[k] = v
	}

	if _, err := e.store.AddMessage(ctx, chatID, history.RoleUser, text,
		history.WithModel(cfg.Model), history.WithMetadata(md)); err != nil {
		return "", fmt.Errorf("persist user message: %w", err)
	}

	entries, err := e.asm.BuildContext(ctx, assembler.Request{
		ChatID:        chatID,
		SystemMessage: system,
		ModelID:       cfg.Model,
	})
	if err != nil {
		return "", fmt.Errorf("build context: %w", err)
	}
	entries = withCurrentTurn(entries, text)

	res, err := llm.Complete(ctx, request(cfg, entries))
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(res.Content) == "" {
		return "", errs.New(errs.ErrProvider, "complete", "empty completion from %s", res.Provider)
	}

	model := res.Model
	if model == "" {
		model = cfg.Model
	}
	md["provider"] = res.Provider
	if _, err := e.store.AddMessage(ctx, chatID, history.RoleAssistant, res.Content,
		history.WithModel(model), history.WithMetadata(md)); err != nil {
		e.logger.Error().Err(err).Str("chat_id", chatID).Msg("failed to persist assistant reply")
		e.notify.Notify(ctx, alert.CategoryStorage, fmt.Sprintf("assistant reply for chat %s not saved: %v", chatID, err))
	}

	e.logger.Debug().Str("chat_id", chatID).Int("entries", len(entries)).
		Int("tokens_used", res.TokensUsed).Msg("turn complete")
	return res.Content, nil
}

func plain(ctx context.Context, llm Completer, cfg EngineConfig, system, text string) (string, error) {
	res, err := llm.Complete(ctx, request(cfg, []assembler.Entry{
		{Role: history.RoleSystem, Content: system},
		{Role: history.RoleUser, Content: text},
	}))
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(res.Content) == "" {
		return "", errs.New(errs.ErrProvider, "complete", "empty completion from %s", res.Provider)
	}
	return res.Content, nil
}

func request(cfg EngineConfig, entries []assembler.Entry) provider.Request {
	msgs := make([]provider.Message, len(entries))
	for i, en := range entries {
		msgs[i] = provider.Message{Role: string(en.Role), Content: en.Content}
	}
	return provider.Request{
		Messages:    msgs,
		Model:       cfg.Model,
		Temperature: provider.Float(cfg.Temperature),
		MaxTokens:   cfg.MaxTokens,
	}
}

// withCurrentTurn appends the user text when the budget left it out of the
// window.
func withCurrentTurn(entries []assembler.Entry, text string) []assembler.Entry {
	if n := len(entries); n > 1 {
		last := entries[n-1]
		if last.Role == history.RoleUser && last.Content == text {
			return entries
		}
	}
	return append(entries, assembler.Entry{Role: history.RoleUser, Content: text})
}
