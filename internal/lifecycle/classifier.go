package lifecycle

import (
	"strings"
)

// Diagnosis is the classified outcome of a failed engine start.
type Diagnosis struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Hint    string `json:"hint"`
	Matched bool   `json:"matched"`

	// LogTail holds the raw last lines when no pattern matched.
	LogTail string `json:"log_tail,omitempty"`
}

// logPattern maps a substring of engine output to a diagnosis triad.
type logPattern struct {
	substrs []string // any match wins
	code    string
	message string
	hint    string
}

var logPatterns = []logPattern{
	{
		substrs: []string{"CUDA out of memory", "torch.OutOfMemoryError", "failed to allocate", "ggml_backend_cuda_buffer_type_alloc_buffer"},
		code:    "oom",
		message: "out of memory while loading model weights",
		hint:    "insufficient VRAM; lower gpu_memory_utilization or choose a smaller model",
	},
	{
		substrs: []string{"Can't load tokenizer", "OSError: We couldn't connect", "offline mode is enabled", "LocalEntryNotFoundError"},
		code:    "tokenizer_offline",
		message: "tokenizer files not found in local cache",
		hint:    "offline tokenizer unavailable; pre-cache or point to a local config path",
	},
	{
		substrs: []string{"NCCL timeout", "NCCL communicator", "Watchdog caught collective operation timeout"},
		code:    "nccl_timeout",
		message: "multi-GPU coordination timed out",
		hint:    "coordination timeout; check interconnect, raise timeout",
	},
	{
		substrs: []string{"CUDA driver version is insufficient", "forward compatibility was attempted", "minimum required driver"},
		code:    "driver_mismatch",
		message: "CUDA driver does not match the runtime",
		hint:    "update host driver to required minimum",
	},
	{
		substrs: []string{"Loading model"},
		code:    "model_loading",
		message: "model is still loading",
		hint:    "model still loading; retry with backoff",
	},
	{
		substrs: []string{"context length", "exceeds the maximum", "n_ctx"},
		code:    "context_length",
		message: "requested context exceeds the model limit",
		hint:    "shorten prompt or raise context length",
	},
}

// tailLines kept verbatim when no pattern matches.
const unclassifiedTail = 20

// Classify matches engine output against the known failure patterns.
// First match wins, scanning patterns in order.
func Classify(output string) Diagnosis {
	for _, p := range logPatterns {
		for _, s := range p.substrs {
			if strings.Contains(output, s) {
				return Diagnosis{Code: p.code, Message: p.message, Hint: p.hint, Matched: true}
			}
		}
	}
	return Diagnosis{
		Code:    "unclassified",
		Message: "no pattern matched",
		LogTail: lastLines(output, unclassifiedTail),
	}
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// String renders the diagnosis for the model's last_error column.
func (d Diagnosis) String() string {
	if !d.Matched {
		return d.Message + ": " + d.LogTail
	}
	return d.Code + ": " + d.Message + " (" + d.Hint + ")"
}
