package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ModelConfig describes a single backend entry from the config file. The
// command is a shell template; ${PORT}, ${CTX} and ${HOST} are substituted
// at start time, any declared macros before that.
type ModelConfig struct {
	Cmd          string            `yaml:"cmd"`
	Name         string            `yaml:"name"`
	Description  string            `yaml:"description"`
	Aliases      []string          `yaml:"aliases"`
	UseModelName string            `yaml:"useModelName"`
	Unlisted     bool              `yaml:"unlisted"`
	Macros       map[string]string `yaml:"macros"`
}

// Capabilities derives what the backend can do from its command template.
// Every model speaks the completion and chat endpoints; a multimodal
// projection argument marks it multimodal as well.
func (m ModelConfig) Capabilities() []string {
	capabilities := []string{"completion", "chat"}
	if strings.Contains(m.Cmd, "mmproj") {
		capabilities = append(capabilities, "multimodal")
	}
	return capabilities
}

type Config struct {
	Models map[string]ModelConfig `yaml:"models"`
	Macros map[string]string      `yaml:"macros"`

	// alias -> canonical model id, built once at load time
	aliases map[string]string
}

func LoadData(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Models == nil {
		cfg.Models = make(map[string]ModelConfig)
	}
	if err := cfg.buildAliases(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return LoadData(data)
}

func (c *Config) buildAliases() error {
	c.aliases = make(map[string]string)
	modelIDs := make([]string, 0, len(c.Models))
	for modelID := range c.Models {
		modelIDs = append(modelIDs, modelID)
	}
	sort.Strings(modelIDs)

	for _, modelID := range modelIDs {
		for _, alias := range c.Models[modelID].Aliases {
			alias = strings.TrimSpace(alias)
			if alias == "" {
				continue
			}
			if _, exists := c.Models[alias]; exists {
				return fmt.Errorf("alias %s conflicts with a model id", alias)
			}
			if owner, exists := c.aliases[alias]; exists && owner != modelID {
				return fmt.Errorf("alias %s used by both %s and %s", alias, owner, modelID)
			}
			c.aliases[alias] = modelID
		}
	}
	return nil
}

// RealModelName resolves a requested model id or alias to the canonical
// model id from the mapping.
func (c Config) RealModelName(name string) (string, bool) {
	if _, found := c.Models[name]; found {
		return name, true
	}
	if canonical, found := c.aliases[name]; found {
		return canonical, true
	}
	return "", false
}

// CommandMacros merges the config-level macros with a model's own, the
// model entry winning on conflicts.
func (c Config) CommandMacros(m ModelConfig) map[string]string {
	if len(c.Macros) == 0 && len(m.Macros) == 0 {
		return nil
	}
	merged := make(map[string]string, len(c.Macros)+len(m.Macros))
	for name, value := range c.Macros {
		merged[name] = value
	}
	for name, value := range m.Macros {
		merged[name] = value
	}
	return merged
}
