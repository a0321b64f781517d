package configstore

// ParamType is the declared type of a config parameter (spec §3 ChatConfig).
type ParamType int

const (
	TypeText ParamType = iota
	TypeInteger
	TypeDecimal
	TypeBoolean
)

func (t ParamType) sqlType() string {
	switch t {
	case TypeInteger:
		return "integer"
	case TypeDecimal:
		return "double precision"
	case TypeBoolean:
		return "boolean"
	default:
		return "text"
	}
}

// AcceptedKind describes how a parameter's accepted values are checked
// (spec §3: range|enumerable|predicate|free).
type AcceptedKind int

const (
	AcceptFree AcceptedKind = iota
	AcceptRange
	AcceptEnum
)

// Param is one schema entry: a chat_config column plus its validation and
// visibility rules.
type Param struct {
	Name        string
	Group       string // "common", "google", or "openai"
	Type        ParamType
	Default     string // canonical textual form
	Accepted    AcceptedKind
	EnumValues  []string // for AcceptEnum
	RangeMin    float64  // for AcceptRange
	RangeMax    float64
	RangeStep   float64 // 0 means continuous (no step validation)
	Protected   bool    // writable only by global admins
	Private     bool    // left out of /settings for non-admins, shown in clear to admins; no obfuscated display and no DM set flow
	Advanced    bool
	Description string
}

// Schema is the static description of all chat_config parameters, grouped
// by endpoint the way original_source/utils/definitions.py lays it out:
// a "common" group plus one group per backend.
var Schema = buildSchema()

// byName indexes Schema for O(1) lookup.
var byName = func() map[string]*Param {
	m := make(map[string]*Param, len(Schema))
	for i := range Schema {
		m[Schema[i].Name] = &Schema[i]
	}
	return m
}()

// Lookup returns the Param definition for name, or nil if unknown.
func Lookup(name string) *Param {
	return byName[name]
}

// Names returns all parameter names in declaration order.
func Names() []string {
	names := make([]string, len(Schema))
	for i, p := range Schema {
		names[i] = p.Name
	}
	return names
}

func buildSchema() []Param {
	return []Param{
		// common
		{Name: "endpoint", Group: "common", Type: TypeText, Default: "google",
			Accepted: AcceptEnum, EnumValues: []string{"google", "openai"},
			Description: "Which backend the bot uses to generate responses"},
		{Name: "message_limit", Group: "common", Type: TypeInteger, Default: "50",
			Accepted: AcceptRange, RangeMin: 1, RangeMax: 2500,
			Description: "Maximum number of messages kept in the bot's memory"},
		{Name: "memory_alter_permission", Group: "common", Type: TypeText, Default: "all",
			Accepted: AcceptEnum, EnumValues: []string{"all", "admins", "owner"},
			Description: "Who may use /reset and /forget"},
		{Name: "show_advanced_settings", Group: "common", Type: TypeBoolean, Default: "false",
			Description: "Show advanced settings in /settings (still reachable via /set)"},
		{Name: "process_markdown", Group: "common", Type: TypeBoolean, Default: "true", Advanced: true,
			Description: "Let the platform parse Markdown in bot replies"},
		{Name: "show_error_messages", Group: "common", Type: TypeBoolean, Default: "true", Advanced: true,
			Description: "Show detailed error messages"},
		{Name: "add_reply_to", Group: "common", Type: TypeBoolean, Default: "false", Advanced: true,
			Description: "Prefix a [> ...] segment showing who replied to whom"},
		{Name: "token_limit", Group: "common", Type: TypeInteger, Default: "0", Advanced: true,
			Accepted: AcceptRange, RangeMin: 0, RangeMax: 127990,
			Description: "Desired maximum tokens in the bot's memory; 0 disables the limit"},
		{Name: "token_limit_action", Group: "common", Type: TypeText, Default: "warn", Advanced: true,
			Accepted: AcceptEnum, EnumValues: []string{"warn", "block"},
			Description: "What to do when the token limit is reached"},
		{Name: "max_output_tokens", Group: "common", Type: TypeInteger, Default: "1024", Advanced: true,
			Accepted: AcceptRange, RangeMin: 0, RangeMax: 65536,
			Description: "Maximum length of a generated response"},
		{Name: "media_context_max_depth", Group: "common", Type: TypeInteger, Default: "5", Advanced: true,
			Accepted: AcceptRange, RangeMin: 1, RangeMax: 20,
			Description: "How many messages to scan up the reply chain for media"},
		{Name: "max_requests_per_hour", Group: "common", Type: TypeInteger, Default: "80", Protected: true,
			Accepted: AcceptRange, RangeMin: 0, RangeMax: 1200,
			Description: "Requests per hour allowed into the bot; admin only"},

		// google
		{Name: "g_model", Group: "google", Type: TypeText, Default: "gemini-1.5-pro-latest",
			Description: "Gemini model used by the bot"},
		{Name: "g_safety_threshold", Group: "google", Type: TypeText, Default: "none",
			Accepted: AcceptEnum, EnumValues: []string{"none", "only_high", "medium_and_above", "low_and_above"},
			Description: "Confidence level at which to block unsafe content"},
		{Name: "g_temperature", Group: "google", Type: TypeDecimal, Default: "1.0", Advanced: true,
			Accepted: AcceptRange, RangeMin: 0, RangeMax: 2, RangeStep: 0.01,
			Description: "Sampling temperature"},
		{Name: "g_top_p", Group: "google", Type: TypeDecimal, Default: "0.95", Advanced: true,
			Accepted: AcceptRange, RangeMin: 0, RangeMax: 1, RangeStep: 0.01,
			Description: "Nucleus sampling probability threshold"},
		{Name: "g_top_k", Group: "google", Type: TypeInteger, Default: "40", Advanced: true,
			Accepted: AcceptRange, RangeMin: 1, RangeMax: 100,
			Description: "Number of highest-probability tokens considered at each step"},
		{Name: "g_code_execution", Group: "google", Type: TypeBoolean, Default: "false",
			Description: "Allow the model to execute Python code"},
		{Name: "g_web_search", Group: "google", Type: TypeBoolean, Default: "false",
			Description: "Allow Gemini grounding via web search"},
		{Name: "g_web_threshold", Group: "google", Type: TypeDecimal, Default: "0.73", Advanced: true,
			Accepted: AcceptRange, RangeMin: 0, RangeMax: 1, RangeStep: 0.01,
			Description: "Dynamic retrieval threshold for grounding"},
		{Name: "g_web_show_queries", Group: "google", Type: TypeBoolean, Default: "true", Advanced: true,
			Description: "Append the grounding search queries to the reply"},
		{Name: "g_web_show_sources", Group: "google", Type: TypeBoolean, Default: "true", Advanced: true,
			Description: "Append grounding source links to the reply"},
		{Name: "g_show_thinking", Group: "google", Type: TypeBoolean, Default: "false", Advanced: true,
			Description: "Append a thinking model's reasoning segment behind a horizontal rule"},

		// openai
		{Name: "o_url", Group: "openai", Type: TypeText, Default: "", Private: true,
			Description: "Endpoint base URL, without /v1/chat/completions"},
		{Name: "o_key", Group: "openai", Type: TypeText, Default: "", Private: true,
			Description: "Authorization key for o_url"},
		{Name: "o_model", Group: "openai", Type: TypeText, Default: "gpt-4o",
			Description: "Model used by the bot"},
		{Name: "o_auto_fallback", Group: "openai", Type: TypeBoolean, Default: "true",
			Description: "Automatically fall back to Gemini on OpenAI failure"},
		{Name: "o_add_system_prompt", Group: "openai", Type: TypeBoolean, Default: "true", Advanced: true,
			Description: "Add the built-in system prompt"},
		{Name: "o_add_system_messages", Group: "openai", Type: TypeBoolean, Default: "true", Advanced: true,
			Description: "Add any system messages to context"},
		{Name: "o_clarify_target_message", Group: "openai", Type: TypeBoolean, Default: "true", Advanced: true,
			Description: "Append a synthetic turn clarifying what to respond to"},
		{Name: "o_vision", Group: "openai", Type: TypeBoolean, Default: "true",
			Description: "Allow the model to see images"},
		{Name: "o_timeout", Group: "openai", Type: TypeInteger, Default: "60", Advanced: true,
			Accepted: AcceptRange, RangeMin: 1, RangeMax: 300,
			Description: "Maximum time to wait for an OpenAI response"},
		{Name: "o_temperature", Group: "openai", Type: TypeDecimal, Default: "1.0", Advanced: true,
			Accepted: AcceptRange, RangeMin: 0, RangeMax: 2, RangeStep: 0.01,
			Description: "Sampling temperature"},
		{Name: "o_top_p", Group: "openai", Type: TypeDecimal, Default: "1.0", Advanced: true,
			Accepted: AcceptRange, RangeMin: 0, RangeMax: 1, RangeStep: 0.01,
			Description: "Nucleus sampling probability threshold"},
		{Name: "o_presence_penalty", Group: "openai", Type: TypeDecimal, Default: "0.0", Advanced: true,
			Accepted: AcceptRange, RangeMin: -2, RangeMax: 2, RangeStep: 0.01,
			Description: "Penalty for repeating topics"},
		{Name: "o_frequency_penalty", Group: "openai", Type: TypeDecimal, Default: "0.0", Advanced: true,
			Accepted: AcceptRange, RangeMin: -2, RangeMax: 2, RangeStep: 0.01,
			Description: "Penalty for repeating exact phrases"},
		{Name: "o_log_prompt", Group: "openai", Type: TypeBoolean, Default: "false", Protected: true, Advanced: true,
			Description: "Log prompts for debugging; admin only"},
	}
}

// Preset is a named bag of (param, value) pairs applied to a chat's config
// (spec GLOSSARY "Preset"). ApplyPreset sets the values one by one, not in
// one transaction: a failed Set leaves the values set before it in place.
type Preset struct {
	Name   string
	Values map[string]string
}

// Presets mirrors original_source/utils/definitions.py's presets table.
var Presets = map[string]Preset{
	"default": {Name: "default", Values: map[string]string{
		"max_output_tokens":        "1024",
		"o_model":                  "gpt-4o",
		"g_model":                  "gemini-1.5-pro-latest",
		"o_add_system_prompt":      "true",
		"o_add_system_messages":    "true",
		"o_timeout":                "60",
		"o_vision":                 "true",
		"o_clarify_target_message": "true",
	}},
	"o1": {Name: "o1", Values: map[string]string{
		"endpoint":                 "openai",
		"max_output_tokens":        "32768",
		"o_model":                  "o1-preview",
		"o_vision":                 "false",
		"o_timeout":                "300",
		"o_add_system_messages":    "false",
		"o_clarify_target_message": "false",
	}},
}
