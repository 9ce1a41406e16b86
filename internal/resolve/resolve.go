// Package resolve turns a named connection profile plus global settings into
// one concrete, fully-resolved request configuration. Resolution is lenient
// by design: any field that cannot be resolved from a profile falls through
// silently to the next-lower-precedence source, and a missing profile,
// preset or template is never an error.
package resolve

import (
	"maps"
	"slices"

	"chatcore/internal/config"
	"chatcore/internal/models"
	"chatcore/internal/provider"
	"chatcore/internal/settings"
)

// Options carries the caller-supplied inputs to one resolution.
type Options struct {
	// ProfileName selects a connection profile; empty or unknown names
	// degrade to global defaults.
	ProfileName string
	// SamplerOverrides are ad-hoc sampler values with the highest
	// precedence.
	SamplerOverrides map[string]any
	// ForcedProvider, when set, wins over both profile and global provider.
	ForcedProvider string
}

// Resolve produces a ResolvedConfig for a single request. The result is a
// fresh value: nothing in it aliases the store's data.
func Resolve(store settings.Store, opts Options) models.ResolvedConfig {
	defaults := store.Defaults()

	var profile config.ConnectionProfile
	if opts.ProfileName != "" {
		profile, _ = store.Profile(opts.ProfileName)
	}

	providerID := firstNonEmpty(opts.ForcedProvider, profile.Provider, defaults.Provider)

	resolved := models.ResolvedConfig{
		Provider:                   providerID,
		Model:                      resolveModel(profile, defaults, providerID),
		SamplerSettings:            resolveSamplers(store, profile, defaults, opts.SamplerOverrides),
		Formatter:                  resolveFormatter(profile, defaults, providerID),
		Endpoints:                  resolveEndpoints(store, profile, providerID),
		CustomPromptPostProcessing: profile.PromptPostProcessing,
	}

	if name := firstNonEmpty(profile.InstructTemplate, defaults.InstructTemplate); name != "" {
		if tmpl, ok := store.InstructTemplate(name); ok {
			resolved.InstructTemplate = &tmpl
		}
	}
	if name := firstNonEmpty(profile.ReasoningTemplate, defaults.ReasoningTemplate); name != "" {
		if tmpl, ok := store.ReasoningTemplate(name); ok {
			resolved.ReasoningTemplate = &tmpl
		}
	}

	return resolved
}

func resolveModel(profile config.ConnectionProfile, defaults config.Defaults, providerID string) string {
	if profile.Model != "" {
		return profile.Model
	}
	if last, ok := defaults.LastModels[providerID]; ok && last != "" {
		return last
	}
	return defaults.Model
}

// resolveSamplers layers global settings, then a named preset if the profile
// references one, then caller overrides. The globally disabled sampler keys
// are folded into the disabled_samplers entry so they survive a preset or
// override replacing the list.
func resolveSamplers(store settings.Store, profile config.ConnectionProfile, defaults config.Defaults, overrides map[string]any) map[string]any {
	out := make(map[string]any, len(defaults.Samplers)+1)
	maps.Copy(out, defaults.Samplers)

	if profile.SamplerPreset != "" {
		if preset, ok := store.SamplerPreset(profile.SamplerPreset); ok {
			maps.Copy(out, preset)
		}
	}

	maps.Copy(out, overrides)

	if len(defaults.DisabledSamplers) > 0 {
		out["disabled_samplers"] = mergeDisabled(defaults.DisabledSamplers, out["disabled_samplers"])
	}
	return out
}

// mergeDisabled prepends the global disabled keys to whatever list the
// sampler layering produced.
func mergeDisabled(global []string, existing any) []string {
	out := slices.Clone(global)
	switch list := existing.(type) {
	case []string:
		out = append(out, list...)
	case []any:
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

// resolveFormatter picks profile over global, then corrects the choice
// against the provider capability matrix: a formatter the provider cannot
// serve is flipped to the one it can.
func resolveFormatter(profile config.ConnectionProfile, defaults config.Defaults, providerID string) models.Formatter {
	formatter := models.Formatter(firstNonEmpty(profile.Formatter, defaults.Formatter))
	if formatter == "" {
		formatter = models.FormatterChat
	}

	caps := provider.CapabilitiesFor(providerID)
	if formatter == models.FormatterText && !caps.Text {
		return models.FormatterChat
	}
	if formatter == models.FormatterChat && !caps.Chat {
		return models.FormatterText
	}
	return formatter
}

func resolveEndpoints(store settings.Store, profile config.ConnectionProfile, providerID string) models.ProviderEndpoints {
	endpoints := store.Endpoints()
	if profile.APIURL == "" {
		return endpoints
	}

	switch providerID {
	case provider.Custom:
		endpoints.CustomURL = profile.APIURL
	case provider.KoboldCpp:
		endpoints.KoboldCppURL = profile.APIURL
	case provider.Ollama:
		endpoints.OllamaURL = profile.APIURL
	}
	return endpoints
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
