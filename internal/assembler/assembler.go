// Package assembler builds the bounded message list handed to a completion
// provider for one chat turn.
package assembler

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/stellarlinkco/bennet/internal/history"
	"github.com/stellarlinkco/bennet/internal/logging"
)

// Entry is one {role, content} pair of a context window.
type Entry struct {
	Role    history.Role `json:"role"`
	Content string       `json:"content"`
}

// HistoryReader is the part of the conversation store the assembler needs.
type HistoryReader interface {
	GetConversationHistory(ctx context.Context, chatID string, q history.HistoryQuery) ([]history.Message, error)
}

type Counter interface {
	CountTokens(text, modelID string) int
}

type Config struct {
	MaxTokenLimit     int
	TokenSafetyMargin int
	MaxHistoryLength  int
}

type Assembler struct {
	store   HistoryReader
	counter Counter
	cfg     Config
	logger  zerolog.Logger
}

func New(store HistoryReader, counter Counter, cfg Config, logger zerolog.Logger) *Assembler {
	return &Assembler{
		store:   store,
		counter: counter,
		cfg:     cfg,
		logger:  logging.For(logger, "assembler"),
	}
}

// Request parameterises BuildContext. MaxTokenBudget zero uses the
// configured limit.
type Request struct {
	ChatID               string
	SystemMessage        string
	ModelID              string
	MaxTokenBudget       int
	ExcludeSystemHistory bool
}

// Ceiling is the token limit a window must stay within for budget.
func (a *Assembler) Ceiling(budget int) int {
	if budget <= 0 {
		budget = a.cfg.MaxTokenLimit
	}
	c := budget - a.cfg.TokenSafetyMargin
	if c < 0 {
		return 0
	}
	return c
}

// BuildContext returns [system, ...history] where history is the newest
// contiguous run of the chat's current conversation that fits, together with
// the system message, under the ceiling. Storage errors are returned as is.
func (a *Assembler) BuildContext(ctx context.Context, req Request) ([]Entry, error) {
	ceiling := a.Ceiling(req.MaxTokenBudget)
	systemTokens := a.counter.CountTokens(req.SystemMessage, req.ModelID)

	out := []Entry{{Role: history.RoleSystem, Content: req.SystemMessage}}

	remaining := ceiling - systemTokens
	if remaining <= 0 {
		a.logger.Warn().Str("chat_id", req.ChatID).Int("system_tokens", systemTokens).Int("ceiling", ceiling).
			Msg("system message fills the token budget, history omitted")
		return out, nil
	}

	msgs, err := a.store.GetConversationHistory(ctx, req.ChatID, history.HistoryQuery{
		MaxMessages:    a.cfg.MaxHistoryLength,
		ExcludeSystem:  req.ExcludeSystemHistory,
		MaxTokenBudget: remaining,
		ModelID:        req.ModelID,
	})
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		out = append(out, Entry{Role: m.Role, Content: m.Content})
	}
	a.logger.Debug().Str("chat_id", req.ChatID).Int("entries", len(out)).Int("ceiling", ceiling).Msg("context built")
	return out, nil
}

// Tokens is the estimated size of entries for modelID.
func (a *Assembler) Tokens(entries []Entry, modelID string) int {
	total := 0
	for _, e := range entries {
		total += a.counter.CountTokens(e.Content, modelID)
	}
	return total
}
