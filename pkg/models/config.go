package models

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Descriptor struct {
	ID             string                 `yaml:"id" json:"id"`
	DisplayName    string                 `yaml:"display-name" json:"displayName"`
	SystemPrompt   string                 `yaml:"system-prompt" json:"systemPrompt"`
	ProviderConfig map[string]interface{} `yaml:"provider,omitempty" json:"providerConfig,omitempty"`
}

// Label is the name shown to users.
func (d Descriptor) Label() string {
	if d.DisplayName != "" {
		return d.DisplayName
	}
	return d.ID
}

// UpstreamModel returns provider.model when set, otherwise the descriptor id.
func (d Descriptor) UpstreamModel() string {
	if v, ok := d.ProviderConfig["model"].(string); ok && v != "" {
		return v
	}
	return d.ID
}

type Config struct {
	DefaultModel string       `yaml:"default-model" json:"defaultModel"`
	Models       []Descriptor `yaml:"models" json:"models"`
}

func LoadConfig(b []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, errors.Wrap(err, "parse model config")
	}
	return cfg, nil
}

func LoadConfigFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read model config %s", path)
	}
	return LoadConfig(b)
}

// DefaultConfig is used when no model catalog is configured.
func DefaultConfig() *Config {
	return &Config{
		DefaultModel: "echo",
		Models: []Descriptor{
			{
				ID:           "echo",
				DisplayName:  "Echo",
				SystemPrompt: "You are {{ .DisplayName }}. Today is {{ now | date \"2006-01-02\" }}.",
				ProviderConfig: map[string]interface{}{
					"type": "echo",
				},
			},
			{
				ID:           "gpt-4o-mini",
				DisplayName:  "GPT-4o mini",
				SystemPrompt: "You are a helpful assistant. Answer in Markdown.",
				ProviderConfig: map[string]interface{}{
					"type":  "openai",
					"model": "gpt-4o-mini",
				},
			},
		},
	}
}
