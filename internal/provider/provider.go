// Package provider defines the seam that keeps the completion core
// provider-agnostic: a closed set of handlers, one per upstream API shape,
// that know how to pull message, reasoning, tool-call and image content out
// of raw response bodies and streaming frames. Adding a provider means
// adding one handler here, never touching the core algorithms.
package provider

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"chatcore/internal/models"
)

// ErrUnknownProvider indicates the requested provider identifier is not part
// of the closed handler set.
var ErrUnknownProvider = errors.New("unknown provider")

// ErrUnsupportedOperation indicates the provider cannot fulfill the
// requested action.
var ErrUnsupportedOperation = errors.New("unsupported provider operation")

// Known provider identifiers.
const (
	OpenAI     = "openai"
	Claude     = "claude"
	OpenRouter = "openrouter"
	KoboldCpp  = "koboldcpp"
	Ollama     = "ollama"
	Custom     = "custom"
)

// StreamEvent is the normalized content of a single streaming frame.
// ToolCallDeltas are sparse partial objects keyed by an integer "index"
// field, merged downstream by the tool-call accumulator.
type StreamEvent struct {
	Delta          string
	Reasoning      string
	ToolCallDeltas []map[string]any
	Images         []string
}

// Handler extracts normalized content from provider wire formats.
// Extraction methods receive the parsed JSON body (or frame) and return zero
// values when the provider did not populate the corresponding field; the
// caller falls back to the generic extractor for message content.
type Handler interface {
	ExtractMessage(body gjson.Result) string
	ExtractReasoning(body gjson.Result) string
	ExtractToolCalls(body gjson.Result) []models.ToolCall
	ExtractImages(body gjson.Result) []string
	StreamingReply(frame gjson.Result) StreamEvent
}

// Capabilities describes what wire formats a provider supports.
type Capabilities struct {
	Chat bool
	Text bool
	// TextEndpoint, when non-empty, overrides the generic chat endpoint for
	// text-formatter requests.
	TextEndpoint string
	// ToolCalls marks providers able to accept a tools list at all; the
	// per-request decision also depends on model and post-processing mode,
	// see SupportsToolCalling.
	ToolCalls bool
}

var capabilities = map[string]Capabilities{
	OpenAI:     {Chat: true, Text: true, ToolCalls: true},
	Claude:     {Chat: true, ToolCalls: true},
	// OpenRouter serves text completions over its chat endpoint with a
	// string messages field, so it has no TextEndpoint of its own.
	OpenRouter: {Chat: true, Text: true, ToolCalls: true},
	KoboldCpp:  {Text: true, TextEndpoint: "/api/v1/generate"},
	Ollama:     {Chat: true, Text: true, TextEndpoint: "/api/generate"},
	Custom:     {Chat: true, Text: true, ToolCalls: true},
}

var handlers = map[string]Handler{
	OpenAI:     openAIHandler{},
	Claude:     claudeHandler{},
	OpenRouter: openRouterHandler{},
	KoboldCpp:  koboldCppHandler{},
	Ollama:     ollamaHandler{},
	Custom:     openAIHandler{},
}

// ForID returns the handler for a provider identifier.
func ForID(id string) (Handler, error) {
	h, ok := handlers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	return h, nil
}

// CapabilitiesFor returns the capability matrix entry for a provider.
// Unknown providers report no capabilities.
func CapabilitiesFor(id string) Capabilities {
	return capabilities[id]
}

// SupportsToolCalling reports whether tools may be attached for the given
// provider, model and custom prompt post-processing mode. Post-processing
// modes that flatten tool messages into plain text ("merge", "strip") make
// structured tool calls unusable.
func SupportsToolCalling(id, model, postProcessing string) bool {
	if !capabilities[id].ToolCalls {
		return false
	}
	switch postProcessing {
	case "merge", "strip":
		return false
	}
	return true
}

// ExtractError probes a response body for a provider-declared error object
// and returns its message and code. The second return is false when the body
// carries no error.
func ExtractError(body gjson.Result) (message, code string, found bool) {
	errObj := body.Get("error")
	if !errObj.Exists() {
		return "", "", false
	}
	if errObj.Type == gjson.String {
		return errObj.String(), "", true
	}
	message = errObj.Get("message").String()
	code = errObj.Get("code").String()
	if code == "" {
		code = errObj.Get("type").String()
	}
	if message == "" {
		message = errObj.Raw
	}
	return message, code, true
}

// genericMessagePaths are tried in order when a provider handler yields no
// message content.
var genericMessagePaths = []string{
	"choices.0.message.content",
	"choices.0.text",
	"message.content",
	"content.0.text",
	"results.0.text",
	"response",
	"text",
}

// GenericMessage is the fallback extractor applied when a provider handler
// returns an empty message.
func GenericMessage(body gjson.Result) string {
	for _, path := range genericMessagePaths {
		if value := body.Get(path); value.Exists() && value.Type == gjson.String {
			return value.String()
		}
	}
	return ""
}
