// Package google implements the Google/Gemini Backend Dispatcher (spec
// §4.6, component F): a raw REST client against the generateContent
// endpoint, rotating keys from internal/keypool on each attempt unless
// the request carries a pinned key (spec §4.5/§8 property 3).
package google

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/guanke/geminimw/internal/backend/common"
	"github.com/guanke/geminimw/internal/keypool"
)

func base64Encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

const (
	apiBase        = "https://generativelanguage.googleapis.com/v1beta/models/"
	maxAttempts    = 3
	requestTimeout = 60 * time.Second
)

var safetyCategories = []string{
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
	"HARM_CATEGORY_CIVIC_INTEGRITY",
}

// Dispatcher calls the Gemini generateContent REST endpoint. Every
// per-chat knob (safety threshold, tools, grounding) rides on the
// Request instead of living on the Dispatcher, since it varies chat
// to chat (spec §3 ChatConfig google group).
type Dispatcher struct {
	pool            *keypool.Pool
	httpClient      *http.Client
	groundingClient *http.Client
}

// New builds a Dispatcher over pool, reusing proxyClient if non-nil
// (spec §6 HTTP(S)_PROXY wiring).
func New(pool *keypool.Pool, proxyClient *http.Client) *Dispatcher {
	client := proxyClient
	if client == nil {
		client = &http.Client{Timeout: requestTimeout}
	}
	return &Dispatcher{pool: pool, httpClient: client}
}

// WithGroundingProxy routes grounded (google_search_retrieval) requests
// through a second client, since GROUNDING_PROXY_URL often needs to reach
// a region Google Search serves that the base Gemini proxy doesn't (spec
// §6 GROUNDING_PROXY_URL).
func (d *Dispatcher) WithGroundingProxy(client *http.Client) *Dispatcher {
	d.groundingClient = client
	return d
}

// Name implements common.Backend.
func (d *Dispatcher) Name() string { return "google" }

type part struct {
	Text       string   `json:"text,omitempty"`
	InlineData *inline  `json:"inline_data,omitempty"`
	FileData   *fileRef `json:"file_data,omitempty"`
}

type inline struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"` // base64
}

type fileRef struct {
	MimeType string `json:"mime_type"`
	FileURI  string `json:"file_uri"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	TopP            float64 `json:"topP"`
	TopK            int     `json:"topK,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type safetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type generateRequest struct {
	SystemInstruction *content          `json:"system_instruction,omitempty"`
	Contents          []content         `json:"contents"`
	SafetySettings    []safetySetting   `json:"safetySettings"`
	GenerationConfig  generationConfig  `json:"generationConfig"`
	Tools             []map[string]any  `json:"tools,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason      string `json:"finishReason"`
		GroundingMetadata *struct {
			WebSearchQueries []string `json:"webSearchQueries"`
			GroundingChunks  []struct {
				Web struct {
					URI   string `json:"uri"`
					Title string `json:"title"`
				} `json:"web"`
			} `json:"groundingChunks"`
		} `json:"groundingMetadata"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Generate implements common.Backend (spec §4.6 Google dispatcher,
// grounded on original_source's _call_gemini_api/_handle_api_response).
func (d *Dispatcher) Generate(ctx context.Context, req common.Request) common.Outcome {
	body := d.buildRequest(req)

	hasPinnedMedia := req.PinnedKey != ""
	// Grounding is billed per query, so it draws from the billing-enabled
	// subset instead of the free pool (spec glossary "Grounding").
	billingOnly := req.Grounding

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		key := req.PinnedKey
		if !hasPinnedMedia {
			k, err := d.pool.Acquire(billingOnly)
			if err != nil {
				kind := common.OutcomeQuotaExhausted
				if billingOnly {
					kind = common.OutcomeBillingExhausted
				}
				return common.Outcome{Kind: kind, Err: err, Retryable: false}
			}
			key = k
		}

		resp, err := d.call(ctx, req.Model, key, body, billingOnly)
		if err != nil {
			lastErr = err
			if !hasPinnedMedia {
				d.pool.HandleError(key, keypool.ErrorTransient, billingOnly)
			}
			continue
		}

		outcome, retry := classify(resp, req)
		if !retry {
			return outcome
		}
		if !hasPinnedMedia {
			d.pool.HandleError(key, keypool.ErrorQuotaExhausted, billingOnly)
		}
		lastErr = outcome.Err
	}

	return common.Outcome{Kind: common.OutcomeUnavailable, Err: fmt.Errorf("google: exhausted %d attempts: %w", maxAttempts, lastErr), Retryable: false}
}

func (d *Dispatcher) buildRequest(req common.Request) generateRequest {
	var contents []content
	for _, t := range req.Prompt.Turns {
		role := "user"
		if t.Role == common.RoleModel {
			role = "model"
		}
		parts := []part{{Text: t.Text}}
		for _, m := range t.Media {
			if len(m.Data) > 0 {
				parts = append(parts, part{InlineData: &inline{MimeType: m.MimeType, Data: base64Encode(m.Data)}})
			} else if m.URI != "" {
				parts = append(parts, part{FileData: &fileRef{MimeType: m.MimeType, FileURI: m.URI}})
			}
		}
		contents = append(contents, content{Role: role, Parts: parts})
	}

	var safety []safetySetting
	for _, c := range safetyCategories {
		safety = append(safety, safetySetting{Category: c, Threshold: thresholdOrDefault(req.SafetyThreshold)})
	}

	gr := generateRequest{
		Contents:       contents,
		SafetySettings: safety,
		GenerationConfig: generationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			TopK:            req.TopK,
			MaxOutputTokens: req.MaxOutputTokens,
		},
	}
	if req.Prompt.SystemPrompt != "" {
		gr.SystemInstruction = &content{Parts: []part{{Text: req.Prompt.SystemPrompt}}}
	}
	// code_execution and google_search_retrieval are mutually exclusive
	// Gemini tools; grounding wins when both are configured since it
	// already forced a billing-key acquisition above.
	switch {
	case req.Grounding:
		threshold := req.GroundingThreshold
		if threshold <= 0 {
			threshold = 0.73
		}
		gr.Tools = []map[string]any{{
			"google_search_retrieval": map[string]any{
				"dynamic_retrieval_config": map[string]any{
					"mode":              "MODE_DYNAMIC",
					"dynamic_threshold": threshold,
				},
			},
		}}
	case req.CodeExecution:
		gr.Tools = []map[string]any{{"code_execution": map[string]any{}}}
	}
	return gr
}

func thresholdOrDefault(t string) string {
	if t == "" {
		return "BLOCK_NONE"
	}
	return t
}

func (d *Dispatcher) call(ctx context.Context, model, key string, body generateRequest, grounded bool) (*generateResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("google: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s%s:generateContent?key=%s", apiBase, model, key)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("google: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := d.httpClient
	if grounded && d.groundingClient != nil {
		client = d.groundingClient
	}
	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("google: do request: %w", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("google: read response: %w", err)
	}

	var decoded generateResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("google: decode response: %w", err)
	}
	return &decoded, nil
}

// groundingSeparator marks the start of appended grounding metadata in a
// delivered reply; the orchestrator strips everything from here on
// before persisting the reply into history (spec §4.7).
const groundingSeparator = "⎯⎯⎯⎯⎯"

// classify turns a decoded response into an Outcome, matching
// original_source's _handle_api_response precedence: API-level error >
// safety block > missing candidate > text (spec §4.6, §7).
func classify(resp *generateResponse, req common.Request) (outcome common.Outcome, shouldRetryWithNewKey bool) {
	if resp.Error != nil {
		switch resp.Error.Status {
		case "RESOURCE_EXHAUSTED":
			return common.Outcome{Kind: common.OutcomeQuotaExhausted, Err: fmt.Errorf("google: %s", resp.Error.Message), Retryable: true}, true
		case "INVALID_ARGUMENT", "FAILED_PRECONDITION":
			return common.Outcome{Kind: common.OutcomeInvalidArgument, Err: fmt.Errorf("google: %s", resp.Error.Message), Retryable: false}, false
		case "PERMISSION_DENIED", "UNAUTHENTICATED":
			return common.Outcome{Kind: common.OutcomeQuotaExhausted, Err: fmt.Errorf("google: %s", resp.Error.Message), Retryable: true}, true
		default:
			return common.Outcome{Kind: common.OutcomeInternal, Err: fmt.Errorf("google: %s", resp.Error.Message), Retryable: true}, true
		}
	}

	if resp.PromptFeedback.BlockReason != "" {
		return common.Outcome{Kind: common.OutcomeCensored, Err: fmt.Errorf("google: blocked: %s", resp.PromptFeedback.BlockReason), Retryable: false}, false
	}

	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		reason := ""
		if len(resp.Candidates) > 0 {
			reason = resp.Candidates[0].FinishReason
		}
		switch reason {
		case "SAFETY", "RECITATION", "PROHIBITED_CONTENT", "BLOCKLIST", "SPII":
			return common.Outcome{Kind: common.OutcomeCensored, Err: fmt.Errorf("google: finish reason %s", reason), Retryable: false}, false
		case "MAX_TOKENS":
			return common.Outcome{Kind: common.OutcomeInvalidArgument, Err: fmt.Errorf("google: response truncated at max tokens"), Retryable: false}, false
		default:
			return common.Outcome{Kind: common.OutcomeCensored, Err: fmt.Errorf("google: no candidates returned"), Retryable: false}, false
		}
	}

	candidate := resp.Candidates[0]
	parts := candidate.Content.Parts
	var text string
	if isThinkingModel(req.Model) && len(parts) > 1 {
		// Thinking variants put their reasoning in every part but the
		// last, which carries the actual answer (spec §4.6).
		reasoning := parts[0].Text
		text = parts[len(parts)-1].Text
		if req.ShowThinking && reasoning != "" {
			text = fmt.Sprintf("%s\n\n---\n\n%s", reasoning, text)
		}
	} else {
		// Code execution and grounding can return more than one part
		// (plain text interleaved with executed-code/search segments);
		// concatenate them in order rather than dropping everything
		// after the first.
		for _, p := range parts {
			text += p.Text
		}
	}

	if gm := candidate.GroundingMetadata; gm != nil {
		text += groundingSuffix(gm.WebSearchQueries, gm.GroundingChunks, req.ShowGroundingQueries, req.ShowGroundingSources)
	}

	return common.Outcome{
		Kind:             common.OutcomeText,
		Text:             text,
		ContextTokens:    resp.UsageMetadata.PromptTokenCount,
		CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
	}, false
}

// isThinkingModel reports whether model is one of Gemini's "thinking"
// variants, which interleave reasoning parts ahead of the final answer
// (spec §4.6).
func isThinkingModel(model string) bool {
	return strings.Contains(strings.ToLower(model), "thinking")
}

// groundingSuffix renders the optional trailing block of search queries
// and source links a grounded generation used (spec §4.6). Both halves
// are individually gated so a chat can show sources without queries or
// vice versa.
func groundingSuffix(queries []string, chunks []struct {
	Web struct {
		URI   string `json:"uri"`
		Title string `json:"title"`
	} `json:"web"`
}, showQueries, showSources bool) string {
	var b strings.Builder
	if showQueries && len(queries) > 0 {
		fmt.Fprintf(&b, "\n\n%s\nSearched: %s", groundingSeparator, strings.Join(queries, ", "))
	}
	if showSources && len(chunks) > 0 {
		if b.Len() == 0 {
			fmt.Fprintf(&b, "\n\n%s\n", groundingSeparator)
		} else {
			b.WriteString("\n")
		}
		b.WriteString("Sources:")
		for _, c := range chunks {
			if c.Web.URI == "" {
				continue
			}
			title := c.Web.Title
			if title == "" {
				title = c.Web.URI
			}
			fmt.Fprintf(&b, "\n- %s (%s)", title, c.Web.URI)
		}
	}
	return b.String()
}
