package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultOllamaURL = "http://localhost:11434"

// OllamaBackend calls a local Ollama server's /api/chat endpoint.
type OllamaBackend struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

func NewOllamaBackend(baseURL, defaultModel string, timeout time.Duration) *OllamaBackend {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OllamaBackend{
		baseURL:    baseURL,
		model:      defaultModel,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (o *OllamaBackend) Name() string { return "ollama" }

type ollamaResponse struct {
	Model   string `json:"model"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error"`
}

func (o *OllamaBackend) Complete(ctx context.Context, req Request) (*Result, error) {
	resp, err := o.send(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify("ollama complete", fmt.Errorf("read response: %w", err))
	}
	var decoded ollamaResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, classify("ollama complete", fmt.Errorf("decode response: %w", err))
	}
	if decoded.Error != "" {
		return nil, classify("ollama complete", fmt.Errorf("ollama: %s", decoded.Error))
	}
	return o.result(req, decoded, decoded.Message.Content), nil
}

func (o *OllamaBackend) Stream(ctx context.Context, req Request, fn StreamFunc) error {
	resp, err := o.send(ctx, req, true)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var text strings.Builder
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var part ollamaResponse
		if err := json.Unmarshal(line, &part); err != nil {
			return classify("ollama stream", fmt.Errorf("decode chunk: %w", err))
		}
		if part.Error != "" {
			return classify("ollama stream", fmt.Errorf("ollama: %s", part.Error))
		}
		if d := part.Message.Content; d != "" {
			text.WriteString(d)
			if err := fn(Chunk{Delta: d}); err != nil {
				return err
			}
		}
		if part.Done {
			return fn(Chunk{Done: true, Result: o.result(req, part, text.String())})
		}
	}
	if err := sc.Err(); err != nil {
		return classify("ollama stream", fmt.Errorf("read stream: %w", err))
	}
	return classify("ollama stream", fmt.Errorf("stream ended before done"))
}

func (o *OllamaBackend) send(ctx context.Context, req Request, stream bool) (*http.Response, error) {
	modelName := req.Model
	if modelName == "" {
		modelName = o.model
	}
	options := map[string]any{}
	if req.Temperature != nil {
		options["temperature"] = *req.Temperature
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	body := map[string]any{
		"model":    modelName,
		"messages": req.Messages,
		"stream":   stream,
		"options":  options,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, classify("ollama request", fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, classify("ollama request", fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classify("ollama request", fmt.Errorf("send request: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, classify("ollama request", fmt.Errorf("ollama http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))))
	}
	return resp, nil
}

func (o *OllamaBackend) result(req Request, r ollamaResponse, content string) *Result {
	modelName := r.Model
	if modelName == "" {
		modelName = req.Model
	}
	if modelName == "" {
		modelName = o.model
	}
	return &Result{
		Content:      content,
		Model:        modelName,
		Provider:     "ollama",
		TokensUsed:   r.PromptEvalCount + r.EvalCount,
		FinishReason: r.DoneReason,
		Metadata: map[string]any{
			"prompt_eval_count": r.PromptEvalCount,
			"eval_count":        r.EvalCount,
		},
	}
}
