// Package provider is the completion provider gateway: one request/response
// shape over several model-serving backends, with per-backend rate limiting
// and retry with exponential backoff.
package provider

import (
	"context"
	"strings"

	"github.com/stellarlinkco/bennet/internal/errs"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Request struct {
	Messages    []Message
	Model       string
	Temperature *float64
	MaxTokens   int
	// Provider selects a backend by name; empty uses the default.
	Provider string
}

type Result struct {
	Content      string
	Model        string
	Provider     string
	TokensUsed   int
	FinishReason string
	Metadata     map[string]any
}

// Chunk is one increment of a streamed completion. The last chunk has Done
// set and carries the assembled Result.
type Chunk struct {
	Delta  string
	Done   bool
	Result *Result
}

type StreamFunc func(Chunk) error

// Backend talks to one model-serving API.
type Backend interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Result, error)
	Stream(ctx context.Context, req Request, fn StreamFunc) error
}

// Float is a helper for Request.Temperature.
func Float(v float64) *float64 { return &v }

// splitSystem joins system entries into one prompt and returns the rest.
func splitSystem(msgs []Message) (string, []Message) {
	var (
		system []string
		rest   = make([]Message, 0, len(msgs))
	)
	for _, m := range msgs {
		if m.Role == "system" {
			if strings.TrimSpace(m.Content) != "" {
				system = append(system, m.Content)
			}
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n\n"), rest
}

// classify tags a backend error as rate limited when the API said so.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "rate_limit") {
		return errs.E(errs.ErrRateLimited, op, err)
	}
	return errs.Provider(op, err)
}
