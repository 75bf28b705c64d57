// Package openai adapts the OpenAI chat completions API to the gateway's
// Caller contract.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/modelrelay/modelrelay/internal/providers"
	"github.com/modelrelay/modelrelay/internal/router"
)

// Adapter implements providers.Caller for OpenAI.
type Adapter struct {
	id      string
	apiKey  string
	baseURL string
	client  *http.Client
}

// New creates a new OpenAI adapter. A zero timeout defaults to 60s.
func New(id, apiKey, baseURL string, opts ...Option) *Adapter {
	a := &Adapter{
		id:      id,
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 60 * time.Second},
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

// HealthEndpoint returns the URL probed for liveness. The models listing
// answers 401 without a key, which still proves the endpoint is up.
func (a *Adapter) HealthEndpoint() string { return a.baseURL + "/v1/models" }

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (a *Adapter) Call(ctx context.Context, model string, messages []router.Message, maxOutput int) (providers.Result, error) {
	msgs := make([]map[string]string, len(messages))
	for i, m := range messages {
		msgs[i] = map[string]string{"role": m.Role, "content": m.Content}
	}
	payload := map[string]any{
		"model":    model,
		"messages": msgs,
	}
	if maxOutput > 0 {
		payload["max_tokens"] = maxOutput
	}

	body, err := providers.DoRequest(ctx, a.client, a.baseURL+"/v1/chat/completions", payload, map[string]string{
		"Authorization": "Bearer " + a.apiKey,
	})
	if err != nil {
		return providers.Result{}, err
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return providers.Result{}, fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return providers.Result{}, fmt.Errorf("response has no choices")
	}
	return providers.Result{
		Text:         parsed.Choices[0].Message.Content,
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
	}, nil
}

func (a *Adapter) ClassifyError(err error) *providers.ClassifiedError {
	return providers.ClassifyHTTPError(err)
}
