// Package ollama adapts a local Ollama server to the gateway's Caller
// contract. It backs the zero-cost local tier.
package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/modelrelay/modelrelay/internal/providers"
	"github.com/modelrelay/modelrelay/internal/router"
)

// Adapter implements providers.Caller for Ollama.
type Adapter struct {
	id      string
	baseURL string
	client  *http.Client
}

// New creates a new Ollama adapter. Local models can be slow to load, so the
// default timeout is generous (120s).
func New(id, baseURL string, opts ...Option) *Adapter {
	a := &Adapter{
		id:      id,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		a.client.Timeout = d
	}
}

func (a *Adapter) ID() string { return a.id }

// HealthEndpoint returns the URL probed for liveness.
func (a *Adapter) HealthEndpoint() string { return a.baseURL + "/api/tags" }

type chatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	PromptEvalCount int `json:"prompt_eval_count"`
	EvalCount       int `json:"eval_count"`
}

func (a *Adapter) Call(ctx context.Context, model string, messages []router.Message, maxOutput int) (providers.Result, error) {
	msgs := make([]map[string]string, len(messages))
	for i, m := range messages {
		msgs[i] = map[string]string{"role": m.Role, "content": m.Content}
	}
	payload := map[string]any{
		"model":    model,
		"messages": msgs,
		"stream":   false,
	}
	if maxOutput > 0 {
		payload["options"] = map[string]any{"num_predict": maxOutput}
	}

	body, err := providers.DoRequest(ctx, a.client, a.baseURL+"/api/chat", payload, nil)
	if err != nil {
		return providers.Result{}, err
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return providers.Result{}, fmt.Errorf("decode response: %w", err)
	}
	return providers.Result{
		Text:         parsed.Message.Content,
		InputTokens:  parsed.PromptEvalCount,
		OutputTokens: parsed.EvalCount,
	}, nil
}

func (a *Adapter) ClassifyError(err error) *providers.ClassifiedError {
	return providers.ClassifyHTTPError(err)
}
