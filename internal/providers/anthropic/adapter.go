// Package anthropic adapts the Anthropic messages API to the gateway's
// Caller contract.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/modelrelay/modelrelay/internal/providers"
	"github.com/modelrelay/modelrelay/internal/router"
)

const apiVersion = "2023-06-01"

// Adapter implements providers.Caller for Anthropic.
type Adapter struct {
	id      string
	apiKey  string
	baseURL string
	client  *http.Client
}

// New creates a new Anthropic adapter. A zero timeout defaults to 60s.
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

// HealthEndpoint returns the URL probed for liveness.
func (a *Adapter) HealthEndpoint() string { return a.baseURL + "/v1/models" }

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (a *Adapter) Call(ctx context.Context, model string, messages []router.Message, maxOutput int) (providers.Result, error) {
	msgs := make([]map[string]string, len(messages))
	for i, m := range messages {
		msgs[i] = map[string]string{"role": m.Role, "content": m.Content}
	}
	// Anthropic requires max_tokens.
	if maxOutput <= 0 {
		maxOutput = 4096
	}
	payload := map[string]any{
		"model":      model,
		"messages":   msgs,
		"max_tokens": maxOutput,
	}

	body, err := providers.DoRequest(ctx, a.client, a.baseURL+"/v1/messages", payload, map[string]string{
		"x-api-key":         a.apiKey,
		"anthropic-version": apiVersion,
	})
	if err != nil {
		return providers.Result{}, err
	}

	var parsed messagesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return providers.Result{}, fmt.Errorf("decode response: %w", err)
	}
	text := ""
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" && len(parsed.Content) == 0 {
		return providers.Result{}, fmt.Errorf("response has no content")
	}
	return providers.Result{
		Text:         text,
		InputTokens:  parsed.Usage.InputTokens,
		OutputTokens: parsed.Usage.OutputTokens,
	}, nil
}

func (a *Adapter) ClassifyError(err error) *providers.ClassifiedError {
	// 529 is Anthropic's overloaded status; treat it like a rate limit.
	var se *providers.StatusError
	if errors.As(err, &se) && se.StatusCode == 529 {
		return &providers.ClassifiedError{
			Err: err, Class: providers.ErrRateLimited, RetryAfter: se.RetryAfterSecs,
		}
	}
	return providers.ClassifyHTTPError(err)
}
