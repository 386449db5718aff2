package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/stellarlinkco/bennet/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeModel struct {
	got    model.Request
	resp   *model.Response
	deltas []string
	err    error
}

func (m *fakeModel) Complete(_ context.Context, req model.Request) (*model.Response, error) {
	m.got = req
	if m.err != nil {
		return nil, m.err
	}
	return m.resp, nil
}

func (m *fakeModel) CompleteStream(_ context.Context, req model.Request, cb model.StreamHandler) error {
	m.got = req
	if m.err != nil {
		return m.err
	}
	for _, d := range m.deltas {
		if err := cb(model.StreamResult{Delta: d}); err != nil {
			return err
		}
	}
	return cb(model.StreamResult{Final: true, Response: m.resp})
}

func TestSDKBackendSplitsSystemPrompt(t *testing.T) {
	fm := &fakeModel{resp: &model.Response{
		Message:    model.Message{Role: "assistant", Content: "Hi!"},
		Usage:      model.Usage{InputTokens: 12, OutputTokens: 3, TotalTokens: 15},
		StopReason: "end_turn",
	}}
	b := NewSDKBackend("anthropic", fm, "claude-3-5-haiku-latest")

	res, err := b.Complete(context.Background(), Request{
		Messages: []Message{
			{Role: "system", Content: "You are helpful"},
			{Role: "user", Content: "Hello"},
			{Role: "system", Content: "Be brief"},
		},
		MaxTokens:   64,
		Temperature: Float(0.2),
	})
	require.NoError(t, err)

	assert.Equal(t, "You are helpful\n\nBe brief", fm.got.System)
	require.Len(t, fm.got.Messages, 1)
	assert.Equal(t, "user", fm.got.Messages[0].Role)
	assert.Equal(t, 64, fm.got.MaxTokens)
	require.NotNil(t, fm.got.Temperature)
	assert.InDelta(t, 0.2, *fm.got.Temperature, 1e-9)

	assert.Equal(t, "Hi!", res.Content)
	assert.Equal(t, "anthropic", res.Provider)
	assert.Equal(t, "claude-3-5-haiku-latest", res.Model)
	assert.Equal(t, 15, res.TokensUsed)
	assert.Equal(t, "end_turn", res.FinishReason)
	assert.Equal(t, 12, res.Metadata["input_tokens"])
}

func TestSDKBackendClassifiesErrors(t *testing.T) {
	b := NewSDKBackend("openai", &fakeModel{err: errors.New("POST /chat: 429 Too Many Requests")}, "gpt-4o-mini")
	_, err := b.Complete(context.Background(), Request{})
	assert.ErrorIs(t, err, errs.ErrRateLimited)

	b = NewSDKBackend("openai", &fakeModel{err: errors.New("connection refused")}, "gpt-4o-mini")
	_, err = b.Complete(context.Background(), Request{})
	assert.ErrorIs(t, err, errs.ErrProvider)
	assert.NotErrorIs(t, err, errs.ErrRateLimited)
}

func TestSDKBackendStream(t *testing.T) {
	fm := &fakeModel{
		deltas: []string{"Hel", "lo"},
		resp:   &model.Response{Usage: model.Usage{TotalTokens: 4}},
	}
	b := NewSDKBackend("openai", fm, "gpt-4o-mini")

	var deltas []string
	var final *Result
	err := b.Stream(context.Background(), Request{Model: "gpt-4o"}, func(c Chunk) error {
		if c.Done {
			final = c.Result
			return nil
		}
		deltas = append(deltas, c.Delta)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo"}, deltas)
	require.NotNil(t, final)
	assert.Equal(t, "Hello", final.Content, "deltas fill in an empty final message")
	assert.Equal(t, "gpt-4o", final.Model)
	assert.Equal(t, 4, final.TokensUsed)
}

func TestOpenAICompatibleDefaults(t *testing.T) {
	b, err := NewOpenAIBackend("openrouter", "sk-test", "", "openai/gpt-4o-mini", 256)
	require.NoError(t, err)
	assert.Equal(t, "openrouter", b.Name())
}
