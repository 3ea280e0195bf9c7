package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCommand_Placeholders(t *testing.T) {
	tests := []struct {
		name     string
		template string
		expected string
	}{
		{
			name:     "braced placeholders",
			template: "llama-server --port ${PORT} --ctx-size ${CTX} --host ${HOST}",
			expected: "llama-server --port 9001 --ctx-size 2048 --host 127.0.0.1",
		},
		{
			name:     "bare dollar placeholders",
			template: "llama-server --port $PORT --ctx-size $CTX --host $HOST",
			expected: "llama-server --port 9001 --ctx-size 2048 --host 127.0.0.1",
		},
		{
			name:     "repeated placeholder",
			template: "srv -p ${PORT} --metrics-port ${PORT}",
			expected: "srv -p 9001 --metrics-port 9001",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			command, err := BuildCommand(tt.template, 9001, 2048, "127.0.0.1", nil)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, command)
		})
	}
}

func TestBuildCommand_Macros(t *testing.T) {
	macros := map[string]string{
		"MODEL_DIR": "/models",
		"GPU_ARGS":  "-ngl 99 --port ${PORT}",
	}
	command, err := BuildCommand("llama-server -m ${MODEL_DIR}/q4.gguf ${GPU_ARGS}", 9001, 2048, "localhost", macros)
	require.NoError(t, err)

	// macros expand before the builtins so a macro can carry ${PORT}
	assert.Equal(t, "llama-server -m /models/q4.gguf -ngl 99 --port 9001", command)
}

func TestBuildCommand_UnknownPlaceholder(t *testing.T) {
	_, err := BuildCommand("llama-server --port ${PROT}", 9001, 2048, "localhost", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "${PROT}")
}

func TestBuildCommand_Empty(t *testing.T) {
	_, err := BuildCommand("  \n  # only a comment\n", 9001, 2048, "localhost", nil)
	require.Error(t, err)
}

func TestBuildCommand_MultilineFlatten(t *testing.T) {
	template := `llama-server \
  -m /models/q4.gguf \
  # offload everything
  -ngl 99 \
  --port ${PORT}`

	command, err := BuildCommand(template, 9001, 2048, "localhost", nil)
	require.NoError(t, err)
	assert.Equal(t, "llama-server -m /models/q4.gguf -ngl 99 --port 9001", command)
}
