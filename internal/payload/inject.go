package payload

import (
	"regexp"
	"strings"

	"chatcore/internal/instruct"
	"chatcore/internal/models"
	"chatcore/internal/provider"
)

// providerInjects allows arbitrary provider-only payload fixups after the
// generic mapping has run.
var providerInjects = map[string]func(Payload, models.ResolvedConfig, Options){
	provider.Claude:     injectClaude,
	provider.KoboldCpp:  injectKoboldCpp,
	provider.OpenRouter: injectOpenRouter,
}

// modelInjects are evaluated in order; every matching rule is applied, not
// just the first.
var modelInjects = []struct {
	Pattern *regexp.Regexp
	Apply   func(Payload, models.ResolvedConfig, Options)
}{
	{reasoningModelPattern, stripUnsupportedSamplers},
	{regexp.MustCompile(`gemini`), capStopSequences},
}

// injectClaude lifts system messages into the dedicated system field,
// renames stop and guarantees the required max_tokens.
func injectClaude(body Payload, _ models.ResolvedConfig, _ Options) {
	if messages, ok := body["messages"].([]models.Message); ok {
		var system []string
		kept := make([]models.Message, 0, len(messages))
		for _, msg := range messages {
			if msg.Role == "system" {
				system = append(system, instruct.TextContent(msg))
				continue
			}
			kept = append(kept, msg)
		}
		if len(system) > 0 {
			body["system"] = strings.Join(system, "\n\n")
			body["messages"] = kept
		}
	}

	if stops, ok := body["stop"]; ok {
		body["stop_sequences"] = stops
		delete(body, "stop")
	}
	if _, ok := body["max_tokens"]; !ok {
		body["max_tokens"] = 4096
	}
}

func injectKoboldCpp(body Payload, _ models.ResolvedConfig, _ Options) {
	if stops, ok := body["stop"]; ok {
		body["stop_sequence"] = stops
		delete(body, "stop")
	}
	delete(body, "chat_completion_source")
}

func injectOpenRouter(body Payload, _ models.ResolvedConfig, opts Options) {
	if opts.IncludeReasoning {
		body["reasoning"] = map[string]any{"exclude": false}
	}
}

// stripUnsupportedSamplers removes fields the o-series and gpt-5 endpoints
// reject outright.
func stripUnsupportedSamplers(body Payload, _ models.ResolvedConfig, _ Options) {
	delete(body, "logit_bias")
	delete(body, "stop")
}

// capStopSequences truncates the stop list to the four entries Gemini-style
// backends accept.
func capStopSequences(body Payload, _ models.ResolvedConfig, _ Options) {
	if stops, ok := body["stop"].([]string); ok && len(stops) > 4 {
		body["stop"] = stops[:4]
	}
}
