package provider

import (
	"context"
	"strings"

	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/stellarlinkco/bennet/internal/errs"
)

// Default API endpoints for the openai-compatible providers.
var openAICompatibleURLs = map[string]string{
	"openrouter": "https://openrouter.ai/api/v1",
	"deepseek":   "https://api.deepseek.com/v1",
}

// SDKBackend adapts an agentsdk-go model to Backend.
type SDKBackend struct {
	name  string
	model model.Model
	def   string
}

// NewSDKBackend wraps m. defaultModel is reported when a request names none.
func NewSDKBackend(name string, m model.Model, defaultModel string) *SDKBackend {
	return &SDKBackend{name: name, model: m, def: defaultModel}
}

// NewAnthropicBackend builds a Claude backend.
func NewAnthropicBackend(apiKey, baseURL, defaultModel string, maxTokens int) (*SDKBackend, error) {
	m, err := model.NewAnthropic(model.AnthropicConfig{
		APIKey:     apiKey,
		BaseURL:    baseURL,
		Model:      defaultModel,
		MaxTokens:  maxTokens,
		MaxRetries: 1,
	})
	if err != nil {
		return nil, errs.E(errs.ErrConfig, "create anthropic backend", err)
	}
	return NewSDKBackend("anthropic", m, defaultModel), nil
}

// NewOpenAIBackend builds an openai-compatible backend. name is one of
// openai, openrouter or deepseek; an empty baseURL uses the provider default.
func NewOpenAIBackend(name, apiKey, baseURL, defaultModel string, maxTokens int) (*SDKBackend, error) {
	if baseURL == "" {
		baseURL = openAICompatibleURLs[name]
	}
	m, err := model.NewOpenAI(model.OpenAIConfig{
		APIKey:     apiKey,
		BaseURL:    baseURL,
		Model:      defaultModel,
		MaxTokens:  maxTokens,
		MaxRetries: 1,
	})
	if err != nil {
		return nil, errs.E(errs.ErrConfig, "create "+name+" backend", err)
	}
	return NewSDKBackend(name, m, defaultModel), nil
}

func (b *SDKBackend) Name() string { return b.name }

func (b *SDKBackend) Complete(ctx context.Context, req Request) (*Result, error) {
	resp, err := b.model.Complete(ctx, b.toSDK(req))
	if err != nil {
		return nil, classify(b.name+" complete", err)
	}
	return b.fromSDK(req, resp), nil
}

func (b *SDKBackend) Stream(ctx context.Context, req Request, fn StreamFunc) error {
	var text strings.Builder
	err := b.model.CompleteStream(ctx, b.toSDK(req), func(sr model.StreamResult) error {
		if sr.Delta != "" {
			text.WriteString(sr.Delta)
			if err := fn(Chunk{Delta: sr.Delta}); err != nil {
				return err
			}
		}
		if sr.Final {
			res := &Result{Content: text.String(), Model: b.modelName(req), Provider: b.name}
			if sr.Response != nil {
				res = b.fromSDK(req, sr.Response)
				if res.Content == "" {
					res.Content = text.String()
				}
			}
			return fn(Chunk{Done: true, Result: res})
		}
		return nil
	})
	if err != nil {
		return classify(b.name+" stream", err)
	}
	return nil
}

func (b *SDKBackend) toSDK(req Request) model.Request {
	system, rest := splitSystem(req.Messages)
	msgs := make([]model.Message, 0, len(rest))
	for _, m := range rest {
		msgs = append(msgs, model.Message{Role: m.Role, Content: m.Content})
	}
	return model.Request{
		Messages:    msgs,
		System:      system,
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
}

func (b *SDKBackend) fromSDK(req Request, resp *model.Response) *Result {
	return &Result{
		Content:      resp.Message.Content,
		Model:        b.modelName(req),
		Provider:     b.name,
		TokensUsed:   resp.Usage.TotalTokens,
		FinishReason: resp.StopReason,
		Metadata: map[string]any{
			"input_tokens":  resp.Usage.InputTokens,
			"output_tokens": resp.Usage.OutputTokens,
		},
	}
}

func (b *SDKBackend) modelName(req Request) string {
	if req.Model != "" {
		return req.Model
	}
	return b.def
}
