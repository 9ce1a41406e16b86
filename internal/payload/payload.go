// Package payload maps a resolved configuration plus a message list into a
// provider-specific wire payload. Build is a pure function: no I/O and no
// mutation of its inputs. Malformed sampler values are clamped or dropped,
// never fatal.
package payload

import (
	"encoding/json"
	"slices"
	"strings"

	"chatcore/internal/instruct"
	"chatcore/internal/models"
	"chatcore/internal/provider"
	"chatcore/internal/structured"
)

// Payload is the wire-level request body. Exactly one of "messages" and
// "prompt" is populated, except for the OpenRouter text special case which
// always uses "messages".
type Payload map[string]any

// Options carries caller-supplied build inputs beyond the resolved config.
type Options struct {
	Mode             models.GenerationMode
	RegisteredTools  []models.Tool
	ExtraTools       []models.Tool
	ExcludeTools     []string
	Structured       *structured.Spec
	ActiveCharacter  string
	IncludeReasoning bool
	ToolChoice       string
}

// providerDisabledFields lists sampler keys (by path or group) that a
// provider can never accept, on top of the global disabled-fields list.
var providerDisabledFields = map[string][]string{
	provider.Claude:    {"api.samplers.penalties", "api.samplers.logit_bias"},
	provider.KoboldCpp: {"api.samplers.logit_bias"},
	provider.Ollama:    {"api.samplers.logit_bias"},
}

// Build produces the wire payload. Steps are strictly ordered; later steps
// may overwrite earlier ones.
func Build(resolved models.ResolvedConfig, messages []models.Message, opts Options) Payload {
	body := Payload{}

	// Base fields.
	body["model"] = resolved.Model
	body["chat_completion_source"] = resolved.Provider
	if opts.IncludeReasoning {
		body["include_reasoning"] = true
	}

	// Structured response: only the chat formatter gets a schema constraint
	// injected; XML and native formats are validated downstream.
	if opts.Structured != nil && opts.Structured.Format == structured.FormatJSON && resolved.Formatter == models.FormatterChat {
		body["response_format"] = map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   "response",
				"strict": true,
				"schema": opts.Structured.Schema,
			},
		}
	}

	attachTools(body, resolved, opts)
	shapeMessages(body, resolved, messages, opts)
	mapParameters(body, resolved, opts)

	if inject, ok := providerInjects[resolved.Provider]; ok {
		inject(body, resolved, opts)
	}
	for _, rule := range modelInjects {
		if rule.Pattern.MatchString(resolved.Model) {
			rule.Apply(body, resolved, opts)
		}
	}

	return body
}

// attachTools assembles the tool list: registered tools plus caller extras,
// minus excluded names. The list is only attached when non-empty and the
// provider/model/post-processing combination supports tool calling.
func attachTools(body Payload, resolved models.ResolvedConfig, opts Options) {
	if !provider.SupportsToolCalling(resolved.Provider, resolved.Model, resolved.CustomPromptPostProcessing) {
		return
	}

	var tools []models.Tool
	for _, tool := range opts.RegisteredTools {
		if !slices.Contains(opts.ExcludeTools, tool.Function.Name) {
			tools = append(tools, tool)
		}
	}
	for _, tool := range opts.ExtraTools {
		if !slices.Contains(opts.ExcludeTools, tool.Function.Name) {
			tools = append(tools, tool)
		}
	}

	if len(tools) == 0 {
		return
	}
	body["tools"] = tools
	choice := opts.ToolChoice
	if choice == "" {
		choice = "auto"
	}
	body["tool_choice"] = choice
}

// shapeMessages writes either the chat message array or the flattened
// instruct prompt, plus the stop sequence list.
func shapeMessages(body Payload, resolved models.ResolvedConfig, messages []models.Message, opts Options) {
	samplerStops := stopsFrom(resolved.SamplerSettings)

	if resolved.Formatter == models.FormatterText && resolved.InstructTemplate != nil && opts.ActiveCharacter != "" {
		prompt := instruct.Flatten(messages, *resolved.InstructTemplate, opts.Mode)
		if resolved.Provider == provider.OpenRouter {
			body["messages"] = prompt
		} else {
			body["prompt"] = prompt
		}
		if stops := instruct.StopStrings(*resolved.InstructTemplate, samplerStops); len(stops) > 0 {
			body["stop"] = stops
		}
		return
	}

	body["messages"] = slices.Clone(messages)
	if len(samplerStops) > 0 {
		body["stop"] = samplerStops
	}
}

// mapParameters iterates every sampler key, skipping disabled ones, and
// writes each surviving value at its effective remote key after transform
// and clamping.
func mapParameters(body Payload, resolved models.ResolvedConfig, opts Options) {
	disabled := disabledFields(resolved)

nextKey:
	for key, raw := range resolved.SamplerSettings {
		if _, excluded := excludedKeys[key]; excluded {
			continue
		}
		if isDisabled(key, disabled) {
			continue
		}

		def, known := parameterDefinitions[key]
		if !known {
			// Unknown keys pass through untouched.
			body[key] = raw
			continue
		}

		rule := def.Default
		if rule == nil {
			continue
		}
		if override, present := def.Providers[resolved.Provider]; present {
			if override == nil {
				continue
			}
			rule = mergeRule(rule, override)
		}
		for _, fr := range def.Formatters {
			if !formatterRuleMatches(fr, resolved) {
				continue
			}
			if fr.Rule == nil {
				continue nextKey
			}
			rule = mergeRule(rule, fr.Rule)
		}
		for _, mr := range def.Models {
			if !mr.Pattern.MatchString(resolved.Model) {
				continue
			}
			if mr.Rule == nil {
				continue nextKey
			}
			rule = mergeRule(rule, mr.Rule)
		}

		value := raw
		if rule.Transform != nil {
			value = rule.Transform(value, opts)
			if value == nil {
				continue
			}
		}
		value = clamp(value, rule)

		remote := rule.RemoteKey
		if remote == "" {
			remote = key
		}
		setPath(body, remote, value)
	}
}

func disabledFields(resolved models.ResolvedConfig) []string {
	var disabled []string
	if raw, ok := resolved.SamplerSettings["disabled_samplers"]; ok {
		switch list := raw.(type) {
		case []string:
			disabled = append(disabled, list...)
		case []any:
			for _, item := range list {
				if s, ok := item.(string); ok {
					disabled = append(disabled, s)
				}
			}
		}
	}
	disabled = append(disabled, providerDisabledFields[resolved.Provider]...)
	return disabled
}

func formatterRuleMatches(fr FormatterRule, resolved models.ResolvedConfig) bool {
	if !slices.Contains(fr.Formatters, resolved.Formatter) {
		return false
	}
	if len(fr.Providers) > 0 && !slices.Contains(fr.Providers, resolved.Provider) {
		return false
	}
	return true
}

// mergeRule overlays the non-zero fields of overlay onto base, returning a
// fresh rule.
func mergeRule(base, overlay *Rule) *Rule {
	merged := *base
	if overlay.RemoteKey != "" {
		merged.RemoteKey = overlay.RemoteKey
	}
	if overlay.Transform != nil {
		merged.Transform = overlay.Transform
	}
	if overlay.Min != nil {
		merged.Min = overlay.Min
	}
	if overlay.Max != nil {
		merged.Max = overlay.Max
	}
	return &merged
}

func clamp(value any, rule *Rule) any {
	f, numeric := asFloat(value)
	if !numeric {
		return value
	}
	if rule.Min != nil && f < *rule.Min {
		return *rule.Min
	}
	if rule.Max != nil && f > *rule.Max {
		return *rule.Max
	}
	return value
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

// setPath writes value at a possibly dotted path, creating nested maps as
// needed.
func setPath(body Payload, path string, value any) {
	segments := strings.Split(path, ".")
	node := map[string]any(body)
	for _, segment := range segments[:len(segments)-1] {
		child, ok := node[segment].(map[string]any)
		if !ok {
			child = make(map[string]any)
			node[segment] = child
		}
		node = child
	}
	node[segments[len(segments)-1]] = value
}

func stopsFrom(samplers map[string]any) []string {
	raw, ok := samplers["stop"]
	if !ok {
		return nil
	}
	switch list := raw.(type) {
	case []string:
		return slices.Clone(list)
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if list == "" {
			return nil
		}
		return []string{list}
	}
	return nil
}
