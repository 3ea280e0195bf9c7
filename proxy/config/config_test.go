package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadData_Basic(t *testing.T) {
	cfg, err := LoadData([]byte(`
macros:
  MODEL_DIR: /models
models:
  llama-8b:
    cmd: "llama-server -m ${MODEL_DIR}/q4.gguf --port ${PORT}"
    description: "small general model"
    aliases:
      - "gpt-4o"
      - "gpt-4o-mini"
`))
	require.NoError(t, err)
	require.Len(t, cfg.Models, 1)

	model := cfg.Models["llama-8b"]
	assert.Equal(t, "small general model", model.Description)
	assert.Equal(t, []string{"gpt-4o", "gpt-4o-mini"}, model.Aliases)
	assert.Equal(t, "/models", cfg.Macros["MODEL_DIR"])
}

func TestLoadData_EmptyModels(t *testing.T) {
	cfg, err := LoadData([]byte(`{}`))
	require.NoError(t, err)
	assert.NotNil(t, cfg.Models)
	assert.Empty(t, cfg.Models)
}

func TestLoadData_Invalid(t *testing.T) {
	_, err := LoadData([]byte("models: [not a map"))
	assert.Error(t, err)
}

func TestRealModelName(t *testing.T) {
	cfg, err := LoadData([]byte(`
models:
  llama-8b:
    cmd: "x"
    aliases: ["gpt-4o"]
  qwen-7b:
    cmd: "y"
`))
	require.NoError(t, err)

	tests := []struct {
		name      string
		requested string
		expected  string
		found     bool
	}{
		{"canonical id", "llama-8b", "llama-8b", true},
		{"alias", "gpt-4o", "llama-8b", true},
		{"other model", "qwen-7b", "qwen-7b", true},
		{"unknown", "mystery", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			real, found := cfg.RealModelName(tt.requested)
			assert.Equal(t, tt.found, found)
			assert.Equal(t, tt.expected, real)
		})
	}
}

func TestLoadData_AliasConflicts(t *testing.T) {
	_, err := LoadData([]byte(`
models:
  a:
    cmd: "x"
    aliases: ["b"]
  b:
    cmd: "y"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conflicts with a model id")

	_, err = LoadData([]byte(`
models:
  a:
    cmd: "x"
    aliases: ["shared"]
  b:
    cmd: "y"
    aliases: ["shared"]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "used by both")
}

func TestCapabilities(t *testing.T) {
	plain := ModelConfig{Cmd: "llama-server -m q4.gguf"}
	assert.Equal(t, []string{"completion", "chat"}, plain.Capabilities())

	vision := ModelConfig{Cmd: "llama-server -m q4.gguf --mmproj proj.gguf"}
	assert.Equal(t, []string{"completion", "chat", "multimodal"}, vision.Capabilities())
}

func TestCommandMacros(t *testing.T) {
	cfg, err := LoadData([]byte(`
macros:
  SHARED: global
  DIR: /global
models:
  m:
    cmd: "x"
    macros:
      DIR: /local
`))
	require.NoError(t, err)

	merged := cfg.CommandMacros(cfg.Models["m"])
	assert.Equal(t, "global", merged["SHARED"])
	assert.Equal(t, "/local", merged["DIR"], "model macros win on conflict")

	assert.Nil(t, Config{}.CommandMacros(ModelConfig{}))
}
