package payload

import (
	"regexp"

	"chatcore/internal/models"
	"chatcore/internal/provider"
)

// Rule describes how one sampler key is written into the wire payload.
// A nil *Rule anywhere in the resolution chain means "drop this parameter
// entirely" and short-circuits further merging.
type Rule struct {
	// RemoteKey renames the key on the wire; dotted paths nest the value
	// (e.g. "options.num_predict"). Empty keeps the original key.
	RemoteKey string
	// Transform maps the raw value before clamping. Returning nil drops the
	// parameter.
	Transform func(value any, opts Options) any
	Min       *float64
	Max       *float64
}

// FormatterRule applies a rule override when the active formatter matches,
// optionally restricted to an allow-list of providers.
type FormatterRule struct {
	Formatters []models.Formatter
	Providers  []string
	Rule       *Rule
}

// ModelRule applies a rule override when the model string matches a pattern.
type ModelRule struct {
	Pattern *regexp.Regexp
	Rule    *Rule
}

// ParameterDefinition is the static, process-wide description of one logical
// sampler key: its default handling plus per-provider, per-formatter and
// per-model-pattern overrides.
type ParameterDefinition struct {
	Default    *Rule
	Providers  map[string]*Rule
	Formatters []FormatterRule
	Models     []ModelRule
}

// excludedKeys are sampler-settings entries that are not wire parameters:
// group containers, the context-unlock flag, reasoning effort and the
// disabled-fields list. Stop sequences are shaped in the message step.
var excludedKeys = map[string]struct{}{
	"disabled_samplers": {},
	"context_unlock":    {},
	"reasoning_effort":  {},
	"stop":              {},
	"dynatemp":          {},
	"dry":               {},
}

var (
	zero float64
	one  float64 = 1
	two  float64 = 2
)

// reasoningModelPattern matches models that reject classic sampler knobs and
// use max_completion_tokens instead of max_tokens.
var reasoningModelPattern = regexp.MustCompile(`^(o[134](-|$)|gpt-5)`)

var parameterDefinitions = map[string]ParameterDefinition{
	"temperature": {
		Default: &Rule{Min: &zero, Max: &two},
		Providers: map[string]*Rule{
			provider.Claude: {Min: &zero, Max: &one},
		},
		Models: []ModelRule{
			{Pattern: reasoningModelPattern, Rule: nil},
		},
	},
	"top_p": {
		Default: &Rule{Min: &zero, Max: &one},
		Models: []ModelRule{
			{Pattern: reasoningModelPattern, Rule: nil},
		},
	},
	"top_k": {
		Default: &Rule{},
		Providers: map[string]*Rule{
			provider.OpenAI: nil,
			provider.Custom: nil,
		},
	},
	"max_tokens": {
		Default: &Rule{},
		Providers: map[string]*Rule{
			provider.Ollama:    {RemoteKey: "options.num_predict"},
			provider.KoboldCpp: {RemoteKey: "max_length"},
		},
		Models: []ModelRule{
			{Pattern: reasoningModelPattern, Rule: &Rule{RemoteKey: "max_completion_tokens"}},
		},
	},
	"frequency_penalty": {
		Default: &Rule{},
		Providers: map[string]*Rule{
			provider.Claude:    nil,
			provider.KoboldCpp: nil,
		},
	},
	"presence_penalty": {
		Default: &Rule{},
		Providers: map[string]*Rule{
			provider.Claude:    nil,
			provider.KoboldCpp: nil,
		},
	},
	"repetition_penalty": {
		// Only text-completion backends understand repetition penalty.
		Default: &Rule{},
		Providers: map[string]*Rule{
			provider.OpenAI: nil,
			provider.Claude: nil,
			provider.Custom: nil,
			provider.Ollama: {RemoteKey: "options.repeat_penalty"},
		},
		Formatters: []FormatterRule{
			{
				Formatters: []models.Formatter{models.FormatterText},
				Providers:  []string{provider.KoboldCpp},
				Rule:       &Rule{RemoteKey: "rep_pen"},
			},
		},
	},
	"min_p": {
		Default: &Rule{Min: &zero, Max: &one},
		Providers: map[string]*Rule{
			provider.OpenAI: nil,
			provider.Claude: nil,
		},
	},
	"seed": {
		Default: &Rule{Transform: dropNegative},
		Providers: map[string]*Rule{
			provider.Claude: nil,
			provider.Ollama: {RemoteKey: "options.seed", Transform: dropNegative},
		},
	},
	"logit_bias": {
		Default: &Rule{},
		Providers: map[string]*Rule{
			provider.Claude:    nil,
			provider.KoboldCpp: nil,
			provider.Ollama:    nil,
		},
	},
}

// dropNegative removes sentinel negative values ("-1 means random seed").
func dropNegative(value any, _ Options) any {
	if f, ok := asFloat(value); ok && f < 0 {
		return nil
	}
	return value
}
