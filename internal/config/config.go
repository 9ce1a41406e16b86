package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"chatcore/internal/models"
)

// Config represents the application configuration parsed from YAML.
type Config struct {
	Server             ServerConfig              `yaml:"server"`
	Providers          ProvidersConfig           `yaml:"providers"`
	Defaults           Defaults                  `yaml:"defaults"`
	Profiles           []ConnectionProfile       `yaml:"profiles"`
	Presets            []SamplerPreset           `yaml:"presets"`
	InstructTemplates  []models.InstructTemplate  `yaml:"instruct_templates"`
	ReasoningTemplates []models.ReasoningTemplate `yaml:"reasoning_templates"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// ProvidersConfig catalogues configured upstream providers.
type ProvidersConfig struct {
	OpenAI     ProviderConfig  `yaml:"openai"`
	Claude     ProviderConfig  `yaml:"claude"`
	OpenRouter *ProviderConfig `yaml:"openrouter"`
	KoboldCpp  *ProviderConfig `yaml:"koboldcpp"`
	Ollama     *ProviderConfig `yaml:"ollama"`
	Custom     *ProviderConfig `yaml:"custom"`
}

// ProviderConfig captures authentication and routing info for a provider.
type ProviderConfig struct {
	APIKey  string  `yaml:"api_key"`
	BaseURL string  `yaml:"base_url"`
	Headers Headers `yaml:"headers"`
}

// Headers contains additional HTTP headers to send with a provider request.
type Headers map[string]string

// Defaults holds the global settings every resolution falls back to when a
// profile does not override them.
type Defaults struct {
	Provider          string            `yaml:"provider"`
	Formatter         string            `yaml:"formatter"`
	Model             string            `yaml:"model"`
	LastModels        map[string]string `yaml:"last_models"`
	Samplers          map[string]any    `yaml:"samplers"`
	DisabledSamplers  []string          `yaml:"disabled_samplers"`
	InstructTemplate  string            `yaml:"instruct_template"`
	ReasoningTemplate string            `yaml:"reasoning_template"`
}

// ConnectionProfile is a named override bundle selecting provider, model,
// templates and sampler preset for a request.
type ConnectionProfile struct {
	Name                 string `yaml:"name"`
	Provider             string `yaml:"provider"`
	Model                string `yaml:"model"`
	SamplerPreset        string `yaml:"sampler_preset"`
	Formatter            string `yaml:"formatter"`
	InstructTemplate     string `yaml:"instruct_template"`
	ReasoningTemplate    string `yaml:"reasoning_template"`
	APIURL               string `yaml:"api_url"`
	PromptPostProcessing string `yaml:"prompt_post_processing"`
}

// SamplerPreset is a named bundle of sampler values that a profile may
// reference.
type SamplerPreset struct {
	Name     string         `yaml:"name"`
	Samplers map[string]any `yaml:"samplers"`
}

// Load reads YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}

	if strings.TrimSpace(c.Defaults.Provider) == "" {
		return fmt.Errorf("defaults.provider must be set")
	}
	if err := validateFormatter(c.Defaults.Formatter); err != nil {
		return err
	}

	for name, provider := range c.namedProviders() {
		if err := validateProvider(name, provider); err != nil {
			return err
		}
	}

	presets := make(map[string]struct{}, len(c.Presets))
	for _, preset := range c.Presets {
		if strings.TrimSpace(preset.Name) == "" {
			return fmt.Errorf("preset name must not be empty")
		}
		if _, dup := presets[preset.Name]; dup {
			return fmt.Errorf("duplicate preset %q", preset.Name)
		}
		presets[preset.Name] = struct{}{}
	}

	seen := make(map[string]struct{}, len(c.Profiles))
	for _, profile := range c.Profiles {
		if strings.TrimSpace(profile.Name) == "" {
			return fmt.Errorf("profile name must not be empty")
		}
		if _, dup := seen[profile.Name]; dup {
			return fmt.Errorf("duplicate profile %q", profile.Name)
		}
		seen[profile.Name] = struct{}{}
		if profile.Formatter != "" {
			if err := validateFormatter(profile.Formatter); err != nil {
				return fmt.Errorf("profile %q: %w", profile.Name, err)
			}
		}
	}

	return nil
}

func (c Config) namedProviders() map[string]ProviderConfig {
	providers := map[string]ProviderConfig{
		"openai": c.Providers.OpenAI,
		"claude": c.Providers.Claude,
	}
	if c.Providers.OpenRouter != nil {
		providers["openrouter"] = *c.Providers.OpenRouter
	}
	if c.Providers.KoboldCpp != nil {
		providers["koboldcpp"] = *c.Providers.KoboldCpp
	}
	if c.Providers.Ollama != nil {
		providers["ollama"] = *c.Providers.Ollama
	}
	if c.Providers.Custom != nil {
		providers["custom"] = *c.Providers.Custom
	}
	return providers
}

// Provider returns the configuration block for a provider identifier.
func (c Config) Provider(name string) (ProviderConfig, bool) {
	cfg, ok := c.namedProviders()[name]
	return cfg, ok
}

func validateFormatter(formatter string) error {
	switch models.Formatter(formatter) {
	case models.FormatterChat, models.FormatterText, "":
		return nil
	default:
		return fmt.Errorf("formatter %q must be %q or %q", formatter, models.FormatterChat, models.FormatterText)
	}
}

func validateProvider(name string, provider ProviderConfig) error {
	if strings.TrimSpace(provider.BaseURL) == "" {
		return fmt.Errorf("provider %s: base_url must be provided", name)
	}

	for headerKey := range provider.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("provider %s: header %q is not a valid canonical HTTP header", name, headerKey)
		}
	}
	return nil
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}
