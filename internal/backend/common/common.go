// Package common defines the shared dispatcher contract: the prompt
// turn representation both backends render from, and the Outcome sum
// type every Backend.Generate call returns (spec §4.6, §9).
package common

import "context"

// Role is a rendered turn's speaker role.
type Role int

const (
	RoleUser Role = iota
	RoleModel
	RoleSystem
)

// MediaPart is a single attached image or file, already resolved to
// bytes or a backend-native URI by the media resolver.
type MediaPart struct {
	MimeType string
	Data     []byte // set for inline attachments (images)
	URI      string // set for backends that require an uploaded-file reference
}

// Turn is one rendered conversational turn ready to hand to a backend.
type Turn struct {
	Role  Role
	Text  string
	Media []MediaPart
}

// Prompt is the fully assembled request: optional system instructions
// plus the ordered turn list. The last Turn must have Role == RoleUser
// (spec property 4).
type Prompt struct {
	SystemPrompt string
	Turns        []Turn
}

// OutcomeKind classifies what happened to a generation attempt (spec §4.6).
type OutcomeKind int

const (
	OutcomeText OutcomeKind = iota
	OutcomeCensored
	OutcomeQuotaExhausted
	OutcomeBillingExhausted
	OutcomeUnavailable
	OutcomeInvalidArgument
	OutcomeInternal
	OutcomeUnsupportedMedia
	OutcomeUnknown
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeText:
		return "text"
	case OutcomeCensored:
		return "censored"
	case OutcomeQuotaExhausted:
		return "quota_exhausted"
	case OutcomeBillingExhausted:
		return "billing_exhausted"
	case OutcomeUnavailable:
		return "unavailable"
	case OutcomeInvalidArgument:
		return "invalid_argument"
	case OutcomeInternal:
		return "internal"
	case OutcomeUnsupportedMedia:
		return "unsupported_media"
	default:
		return "unknown"
	}
}

// Outcome is the sum-type result of one Backend.Generate call. Exactly
// one of Text/Err carries information beyond Kind: OutcomeText always
// has Text set; every other kind should have Err set for logging.
type Outcome struct {
	Kind             OutcomeKind
	Text             string
	Err              error
	ContextTokens    int
	CompletionTokens int
	// Retryable reports whether the orchestrator/keypool should retry
	// the same request against a different key or fall back to another
	// backend (spec §4.6, §7 error-handling table).
	Retryable bool
}

// Request bundles everything a Backend needs to generate one response.
type Request struct {
	RequestID      string
	ChatID         int64
	UserID         int64
	Model            string
	Prompt           Prompt
	MaxOutputTokens  int
	Temperature      float64
	TopP             float64
	FrequencyPenalty float64
	PresencePenalty  float64

	// PinnedKey, when non-empty, is the API key the dispatcher must use
	// for every attempt of this request instead of rotating (spec
	// §4.5/§4.6/§8 property 3: media key pinning).
	PinnedKey string

	// OverrideBaseURL/OverrideAPIKey are the OpenAI-compatible backend's
	// per-chat o_url/o_key overrides (spec §4.6); empty means "use the
	// process-wide default".
	OverrideBaseURL string
	OverrideAPIKey  string

	// SafetyThreshold, TopK, CodeExecution, Grounding and
	// GroundingThreshold are the Google backend's per-chat g_* knobs
	// (spec §4.6). Grounding requests are billed per-query and must be
	// served from a billing-enabled key (spec glossary "Grounding").
	SafetyThreshold    string
	TopK               int
	CodeExecution      bool
	Grounding          bool
	GroundingThreshold float64

	// ShowThinking appends a "thinking" model's reasoning segment behind a
	// horizontal rule instead of discarding it (spec §4.6 Google decoding).
	ShowThinking bool
	// ShowGroundingQueries/ShowGroundingSources append the grounding
	// tool's search queries / source links under a separator (spec §4.6,
	// g_web_show_queries/g_web_show_sources).
	ShowGroundingQueries bool
	ShowGroundingSources bool
}

// Backend dispatches a Request to a specific AI provider.
type Backend interface {
	Generate(ctx context.Context, req Request) Outcome
	Name() string
}
