// Package settings exposes the global settings store consumed by parameter
// resolution. Profiles, presets and templates are looked up by name; a
// missing name is never an error, callers fall back to lower-precedence
// defaults.
package settings

import (
	"sync"

	"chatcore/internal/config"
	"chatcore/internal/models"
)

// Store provides read access to global settings and named reference data.
type Store interface {
	Defaults() config.Defaults
	Endpoints() models.ProviderEndpoints
	Profile(name string) (config.ConnectionProfile, bool)
	SamplerPreset(name string) (map[string]any, bool)
	InstructTemplate(name string) (models.InstructTemplate, bool)
	ReasoningTemplate(name string) (models.ReasoningTemplate, bool)
}

// ConfigStore is a Store backed by the loaded application configuration.
// Preset lookups are materialised lazily on first use and cached for the
// lifetime of the store.
type ConfigStore struct {
	cfg config.Config

	presetOnce sync.Once
	presets    map[string]map[string]any
}

// NewConfigStore wraps a validated configuration in a Store.
func NewConfigStore(cfg config.Config) *ConfigStore {
	return &ConfigStore{cfg: cfg}
}

func (s *ConfigStore) Defaults() config.Defaults {
	return s.cfg.Defaults
}

func (s *ConfigStore) Endpoints() models.ProviderEndpoints {
	var endpoints models.ProviderEndpoints
	if s.cfg.Providers.Custom != nil {
		endpoints.CustomURL = s.cfg.Providers.Custom.BaseURL
	}
	if s.cfg.Providers.KoboldCpp != nil {
		endpoints.KoboldCppURL = s.cfg.Providers.KoboldCpp.BaseURL
	}
	if s.cfg.Providers.Ollama != nil {
		endpoints.OllamaURL = s.cfg.Providers.Ollama.BaseURL
	}
	return endpoints
}

func (s *ConfigStore) Profile(name string) (config.ConnectionProfile, bool) {
	for _, profile := range s.cfg.Profiles {
		if profile.Name == name {
			return profile, true
		}
	}
	return config.ConnectionProfile{}, false
}

func (s *ConfigStore) SamplerPreset(name string) (map[string]any, bool) {
	s.presetOnce.Do(func() {
		s.presets = make(map[string]map[string]any, len(s.cfg.Presets))
		for _, preset := range s.cfg.Presets {
			s.presets[preset.Name] = preset.Samplers
		}
	})
	preset, ok := s.presets[name]
	return preset, ok
}

func (s *ConfigStore) InstructTemplate(name string) (models.InstructTemplate, bool) {
	for _, tmpl := range s.cfg.InstructTemplates {
		if tmpl.Name == name {
			return tmpl, true
		}
	}
	return models.InstructTemplate{}, false
}

func (s *ConfigStore) ReasoningTemplate(name string) (models.ReasoningTemplate, bool) {
	for _, tmpl := range s.cfg.ReasoningTemplates {
		if tmpl.Name == name {
			return tmpl, true
		}
	}
	return models.ReasoningTemplate{}, false
}
