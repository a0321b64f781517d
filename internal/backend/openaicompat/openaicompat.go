// Package openaicompat implements the OpenAI-compatible Backend
// Dispatcher (spec §4.6, component F): a single-attempt, no-retry
// client built on sashabaranov/go-openai, pointed at a configurable
// base URL (spec o_url/o_key).
package openaicompat

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/guanke/geminimw/internal/backend/common"
)

func base64Encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// Dispatcher calls an OpenAI-compatible /chat/completions endpoint.
// Unlike the Google dispatcher it never rotates keys and never retries
// (spec §4.6: "the OpenAI-compatible dispatcher makes a single attempt;
// retry and fallback are the orchestrator's responsibility, not this
// backend's").
type Dispatcher struct {
	defaultClient *openai.Client
	baseURL       string
	apiKey        string
	httpClient    *http.Client
}

// New builds a Dispatcher against baseURL using apiKey, reusing
// httpClient if non-nil (spec §6 proxy wiring).
func New(baseURL, apiKey string, httpClient *http.Client, timeout time.Duration) *Dispatcher {
	if httpClient == nil && timeout > 0 {
		httpClient = &http.Client{Timeout: timeout}
	}
	d := &Dispatcher{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, httpClient: httpClient}
	d.defaultClient = d.clientFor("", "")
	return d
}

// clientFor builds a client against the process-wide defaults, or a
// per-chat override when either is non-empty (spec §4.6: "per-chat
// o_url/o_key override the process-wide defaults").
func (d *Dispatcher) clientFor(overrideBaseURL, overrideAPIKey string) *openai.Client {
	baseURL, apiKey := d.baseURL, d.apiKey
	if overrideBaseURL != "" {
		baseURL = strings.TrimRight(overrideBaseURL, "/")
	}
	if overrideAPIKey != "" {
		apiKey = overrideAPIKey
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if d.httpClient != nil {
		cfg.HTTPClient = d.httpClient
	}
	return openai.NewClientWithConfig(cfg)
}

// Name implements common.Backend.
func (d *Dispatcher) Name() string { return "openai" }

// Generate implements common.Backend (spec §4.6, grounded on
// original_source's _send_request/generate_response).
func (d *Dispatcher) Generate(ctx context.Context, req common.Request) common.Outcome {
	messages, err := renderMessages(req.Prompt)
	if err != nil {
		return common.Outcome{Kind: common.OutcomeInvalidArgument, Err: err, Retryable: false}
	}

	chatReq := openai.ChatCompletionRequest{
		Model:            req.Model,
		Messages:         messages,
		Temperature:      float32(req.Temperature),
		TopP:             float32(req.TopP),
		FrequencyPenalty: float32(req.FrequencyPenalty),
		PresencePenalty:  float32(req.PresencePenalty),
	}

	// o1-family models reject max_tokens/temperature/top_p and require
	// max_completion_tokens instead, unless the configured URL points at
	// a local tunnel that doesn't enforce the o1 wire contract (spec
	// §4.6).
	if isO1Family(req.Model) && !isLocalTunnel(req.OverrideBaseURL, d.baseURL) {
		chatReq.MaxCompletionTokens = req.MaxOutputTokens
		chatReq.Temperature = 0
		chatReq.TopP = 0
	} else {
		chatReq.MaxTokens = req.MaxOutputTokens
	}

	client := d.defaultClient
	if req.OverrideBaseURL != "" || req.OverrideAPIKey != "" {
		client = d.clientFor(req.OverrideBaseURL, req.OverrideAPIKey)
	}

	resp, err := client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return classifyError(err)
	}

	if len(resp.Choices) == 0 {
		return common.Outcome{Kind: common.OutcomeInternal, Err: errors.New("openaicompat: empty choices"), Retryable: true}
	}

	text := resp.Choices[0].Message.Content
	if strings.Contains(text, "oai-proxy-error") {
		return common.Outcome{Kind: common.OutcomeUnavailable, Err: fmt.Errorf("openaicompat: proxy error: %s", text), Retryable: true}
	}

	return common.Outcome{
		Kind:             common.OutcomeText,
		Text:             text,
		ContextTokens:    resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}
}

func isO1Family(model string) bool {
	return strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3")
}

// isLocalTunnel reports whether the effective base URL for this request
// points at a loopback/LAN tunnel rather than the real OpenAI API (spec
// §4.6 o1 exception).
func isLocalTunnel(overrideBaseURL, defaultBaseURL string) bool {
	url := overrideBaseURL
	if url == "" {
		url = defaultBaseURL
	}
	return strings.Contains(url, "localhost") || strings.Contains(url, "127.0.0.1") || strings.Contains(url, "ngrok")
}

func renderMessages(p common.Prompt) ([]openai.ChatCompletionMessage, error) {
	var out []openai.ChatCompletionMessage

	if p.SystemPrompt != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: p.SystemPrompt})
	}

	for i, t := range p.Turns {
		role := openai.ChatMessageRoleUser
		switch t.Role {
		case common.RoleModel:
			role = openai.ChatMessageRoleAssistant
		case common.RoleSystem:
			role = openai.ChatMessageRoleSystem
		}

		isLast := i == len(p.Turns)-1
		if isLast && len(t.Media) > 0 {
			parts := []openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: t.Text}}
			for _, m := range t.Media {
				if len(m.Data) == 0 {
					continue
				}
				parts = append(parts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL: fmt.Sprintf("data:%s;base64,%s", m.MimeType, base64Encode(m.Data)),
					},
				})
			}
			out = append(out, openai.ChatCompletionMessage{Role: role, MultiContent: parts})
			continue
		}

		out = append(out, openai.ChatCompletionMessage{Role: role, Content: t.Text})
	}

	if len(out) == 0 {
		return nil, errors.New("openaicompat: no turns to render")
	}
	return out, nil
}

func classifyError(err error) common.Outcome {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusTooManyRequests:
			return common.Outcome{Kind: common.OutcomeQuotaExhausted, Err: err, Retryable: true}
		case http.StatusUnauthorized, http.StatusForbidden:
			return common.Outcome{Kind: common.OutcomeInvalidArgument, Err: err, Retryable: false}
		case http.StatusBadRequest:
			return common.Outcome{Kind: common.OutcomeInvalidArgument, Err: err, Retryable: false}
		case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
			return common.Outcome{Kind: common.OutcomeUnavailable, Err: err, Retryable: true}
		}
	}
	return common.Outcome{Kind: common.OutcomeUnavailable, Err: err, Retryable: true}
}
