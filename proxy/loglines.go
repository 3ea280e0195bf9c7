package proxy

import (
	"regexp"
	"strconv"
	"strings"
)

// LineEventKind tags what a backend log line reports.
type LineEventKind int

const (
	EventUnrecognized LineEventKind = iota
	EventReady
	EventPromptMetric
	EventGenMetric
	EventSlotRelease
	EventMemoryMetric
)

// LineEvent is the classified form of one log line. Tokens carries the
// generated token count for EventGenMetric and the context tokens consumed
// for EventSlotRelease; Speed is tokens per second for the metric events.
type LineEvent struct {
	Kind   LineEventKind
	Tokens int
	Speed  float64
	VramMB uint64
	RamMB  uint64
}

// Markers llama-server prints once the model is loaded and the HTTP
// listener is up, in both plain and JSON log formats.
var readyMarkers = []string{
	"main: model loaded",
	`"msg":"model loaded"`,
	"server is listening on",
	"main: server is listening",
}

var (
	// prompt eval time =       4.67 ms /    11 tokens (    0.42 ms per token,  2355.46 tokens per second)
	promptEvalRegex = regexp.MustCompile(`prompt eval time\s*=\s*[\d.]+\s*ms\s*/\s*\d+\s*tokens\s*\(\s*[\d.]+\s*ms per token,\s*([\d.]+)\s*tokens per second\)`)

	//        eval time =     492.12 ms /     9 tokens (   54.68 ms per token,    18.29 tokens per second)
	genEvalRegex = regexp.MustCompile(`eval time\s*=\s*[\d.]+\s*ms\s*/\s*(\d+)\s*tokens\s*\(\s*[\d.]+\s*ms per token,\s*([\d.]+)\s*tokens per second\)`)

	// slot      release: id  3 | task 10 | stop processing: n_tokens = 73, truncated = 0
	slotReleaseRegex = regexp.MustCompile(`stop processing: n_tokens = (\d+)`)

	// load_tensors:      CUDA0 model buffer size = 23347.06 MiB
	// no trailing word boundary: the device names come suffixed, as in
	// CUDA0 or CPU_Mapped
	vramBufferRegex = regexp.MustCompile(`(?i)\b(cuda|vram|gpu)[^\n]*?([0-9]+(?:\.[0-9]+)?)\s*(mi?b|gi?b)`)
	ramBufferRegex  = regexp.MustCompile(`(?i)\b(cpu|host|ram)[^\n]*?([0-9]+(?:\.[0-9]+)?)\s*(mi?b|gi?b)`)
)

// ClassifyLine maps one raw log line to zero or more tagged events. The
// signal patterns are independent; a single line may carry several. It is a
// pure function so the patterns stay testable without any process I/O.
func ClassifyLine(line string) []LineEvent {
	if strings.TrimSpace(line) == "" {
		return nil
	}

	var events []LineEvent

	for _, marker := range readyMarkers {
		if strings.Contains(line, marker) {
			events = append(events, LineEvent{Kind: EventReady})
			break
		}
	}

	promptMatch := promptEvalRegex.FindStringSubmatch(line)
	if promptMatch != nil {
		if speed, err := strconv.ParseFloat(promptMatch[1], 64); err == nil {
			events = append(events, LineEvent{Kind: EventPromptMetric, Speed: speed})
		}
	}

	// The generation summary is a separate line from the prompt one; the
	// bare "eval time" pattern would also hit "prompt eval time", so a
	// prompt match suppresses it.
	if promptMatch == nil {
		if match := genEvalRegex.FindStringSubmatch(line); match != nil {
			tokens, tokensErr := strconv.Atoi(match[1])
			speed, speedErr := strconv.ParseFloat(match[2], 64)
			if tokensErr == nil && speedErr == nil {
				events = append(events, LineEvent{Kind: EventGenMetric, Tokens: tokens, Speed: speed})
			}
		}
	}

	if match := slotReleaseRegex.FindStringSubmatch(line); match != nil {
		if tokens, err := strconv.Atoi(match[1]); err == nil {
			events = append(events, LineEvent{Kind: EventSlotRelease, Tokens: tokens})
		}
	}

	if vram, ram, ok := parseMemoryFromLine(line); ok {
		events = append(events, LineEvent{Kind: EventMemoryMetric, VramMB: vram, RamMB: ram})
	}

	return events
}

func parseMemoryFromLine(line string) (vramMB uint64, ramMB uint64, ok bool) {
	if match := vramBufferRegex.FindStringSubmatch(line); len(match) == 4 {
		if parsed, valid := parseSizeToMB(match[2], match[3]); valid {
			vramMB = parsed
		}
	}
	if match := ramBufferRegex.FindStringSubmatch(line); len(match) == 4 {
		if parsed, valid := parseSizeToMB(match[2], match[3]); valid {
			ramMB = parsed
		}
	}
	return vramMB, ramMB, vramMB > 0 || ramMB > 0
}

func parseSizeToMB(value string, unit string) (uint64, bool) {
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || parsed <= 0 {
		return 0, false
	}
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "mb", "mib":
		return uint64(parsed), true
	case "gb", "gib":
		return uint64(parsed * 1024), true
	default:
		return 0, false
	}
}
