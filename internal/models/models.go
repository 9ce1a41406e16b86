package models

// Formatter selects how the wire request is shaped: a structured chat
// message array or a single flattened prompt string.
type Formatter string

const (
	FormatterChat Formatter = "chat"
	FormatterText Formatter = "text"
)

// GenerationMode distinguishes a fresh reply from a continuation of the
// previous assistant message. Continuation changes trimming and instruct
// formatting behaviour.
type GenerationMode string

const (
	ModeGenerate GenerationMode = "generate"
	ModeContinue GenerationMode = "continue"
)

// ContentPart is one typed element of a multi-part message.
type ContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// Message represents a single conversational message in the unified schema.
// Content holds plain text; Parts, when non-empty, holds an ordered sequence
// of typed parts instead.
type Message struct {
	Role    string        `json:"role"`
	Content string        `json:"content"`
	Parts   []ContentPart `json:"parts,omitempty"`
	Name    string        `json:"name,omitempty"`
}

// InstructTemplate declares the sequences used to flatten a chat message
// list into a single instruct-formatted prompt string.
type InstructTemplate struct {
	Name                   string `yaml:"name" json:"name"`
	InputSequence          string `yaml:"input_sequence" json:"input_sequence"`
	OutputSequence         string `yaml:"output_sequence" json:"output_sequence"`
	SystemSequence         string `yaml:"system_sequence" json:"system_sequence"`
	StopSequence           string `yaml:"stop_sequence" json:"stop_sequence"`
	InputSuffix            string `yaml:"input_suffix" json:"input_suffix"`
	OutputSuffix           string `yaml:"output_suffix" json:"output_suffix"`
	SystemSuffix           string `yaml:"system_suffix" json:"system_suffix"`
	SequencesAsStopStrings bool   `yaml:"sequences_as_stop_strings" json:"sequences_as_stop_strings"`
}

// ReasoningTemplate declares the literal markers that delimit model
// "thinking" text interleaved with visible output.
type ReasoningTemplate struct {
	Name   string `yaml:"name" json:"name"`
	Prefix string `yaml:"prefix" json:"prefix"`
	Suffix string `yaml:"suffix" json:"suffix"`
}

// ProviderEndpoints carries provider-specific URL sub-settings resolved for
// a single request. Cloned from global settings, then overridden by the
// profile's API URL when the profile sets the relevant provider's field.
type ProviderEndpoints struct {
	CustomURL    string `json:"custom_url,omitempty"`
	KoboldCppURL string `json:"koboldcpp_url,omitempty"`
	OllamaURL    string `json:"ollama_url,omitempty"`
}

// ResolvedConfig is the output of parameter resolution: one concrete,
// fully-resolved configuration for a single request. It is a value type,
// created fresh per request and never shared across in-flight requests.
type ResolvedConfig struct {
	Provider                   string
	Model                      string
	SamplerSettings            map[string]any
	Formatter                  Formatter
	InstructTemplate           *InstructTemplate
	ReasoningTemplate          *ReasoningTemplate
	Endpoints                  ProviderEndpoints
	CustomPromptPostProcessing string
}

// FunctionCall contains the function name and incrementally JSON-encoded
// arguments for a tool call.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall represents a structured function-invocation request emitted by
// the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// ToolFunction describes a callable function including its parameters schema.
type ToolFunction struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

// Tool describes a tool offered to the model.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// StreamedChunk is one element of a streaming response. Delta is the text
// appended by this event; Reasoning and ToolCalls carry the cumulative state
// so far, not an increment. Only Delta is additive.
type StreamedChunk struct {
	Delta     string     `json:"delta"`
	Reasoning string     `json:"reasoning,omitempty"`
	Images    []string   `json:"images,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// NormalizedResult is the provider-agnostic shape of a completed (or fully
// drained) generation. ParseError is informational: a structured-response
// parse failure never discards the raw content.
type NormalizedResult struct {
	Content    string     `json:"content"`
	Reasoning  string     `json:"reasoning,omitempty"`
	Images     []string   `json:"images,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	Parsed     any        `json:"parsed,omitempty"`
	ParseError string     `json:"parse_error,omitempty"`
}

// Usage records output token accounting for one generation.
type Usage struct {
	OutputTokens int   `json:"output_tokens"`
	DurationMS   int64 `json:"duration_ms"`
}
