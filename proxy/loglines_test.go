package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findEvent(events []LineEvent, kind LineEventKind) (LineEvent, bool) {
	for _, event := range events {
		if event.Kind == kind {
			return event, true
		}
	}
	return LineEvent{}, false
}

func TestClassifyLine_Ready(t *testing.T) {
	lines := []string{
		"main: model loaded",
		`{"level":"INFO","msg":"model loaded","tid":"0"}`,
		"main: server is listening on http://127.0.0.1:9001 - starting the main loop",
		"srv  update_slots: all slots are idle, server is listening on port 9001",
	}
	for _, line := range lines {
		events := ClassifyLine(line)
		_, found := findEvent(events, EventReady)
		assert.True(t, found, "expected ready event for %q", line)
	}

	events := ClassifyLine("srv  params_from_: Chat format: Content-only")
	_, found := findEvent(events, EventReady)
	assert.False(t, found)
}

func TestClassifyLine_PromptMetric(t *testing.T) {
	line := "prompt eval time =       4.67 ms /    11 tokens (    0.42 ms per token,  2355.46 tokens per second)"
	events := ClassifyLine(line)

	event, found := findEvent(events, EventPromptMetric)
	require.True(t, found)
	assert.InDelta(t, 2355.46, event.Speed, 0.001)

	// the prompt summary must not double as a generation metric
	_, found = findEvent(events, EventGenMetric)
	assert.False(t, found)
}

func TestClassifyLine_GenMetric(t *testing.T) {
	line := "       eval time =     100.00 ms /     5 tokens (   20.00 ms per token,    50.00 tokens per second)"
	events := ClassifyLine(line)

	event, found := findEvent(events, EventGenMetric)
	require.True(t, found)
	assert.Equal(t, 5, event.Tokens)
	assert.InDelta(t, 50.0, event.Speed, 0.001)
}

func TestClassifyLine_SlotRelease(t *testing.T) {
	line := "slot      release: id  3 | task 10 | stop processing: n_tokens = 73, truncated = 0"
	events := ClassifyLine(line)

	event, found := findEvent(events, EventSlotRelease)
	require.True(t, found)
	assert.Equal(t, 73, event.Tokens)
}

func TestClassifyLine_MemoryMetrics(t *testing.T) {
	tests := []struct {
		name           string
		line           string
		expectedVramMB uint64
		expectedRamMB  uint64
	}{
		{
			name:           "cuda buffer in MiB",
			line:           "load_tensors:      CUDA0 model buffer size = 23347.06 MiB",
			expectedVramMB: 23347,
		},
		{
			name:          "cpu buffer in MiB",
			line:          "load_tensors:   CPU_Mapped model buffer size =   292.36 MiB",
			expectedRamMB: 292,
		},
		{
			name:           "gib scales to mb",
			line:           "llama_kv_cache: CUDA0 KV buffer size = 1.50 GiB",
			expectedVramMB: 1536,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := ClassifyLine(tt.line)
			event, found := findEvent(events, EventMemoryMetric)
			require.True(t, found)
			assert.Equal(t, tt.expectedVramMB, event.VramMB)
			assert.Equal(t, tt.expectedRamMB, event.RamMB)
		})
	}
}

func TestClassifyLine_Unrecognized(t *testing.T) {
	assert.Empty(t, ClassifyLine(""))
	assert.Empty(t, ClassifyLine("   "))
	assert.Empty(t, ClassifyLine("request: GET /v1/models 200"))
}
