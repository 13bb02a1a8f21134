package lifecycle

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/cortexhub/cortex/internal/config"
	"github.com/cortexhub/cortex/pkg/models"
)

// DryRunResult previews a start without touching the container runtime.
type DryRunResult struct {
	CommandPreview []string     `json:"command_preview"`
	Env            []string     `json:"env"`
	Warnings       []string     `json:"warnings"`
	VRAMEstimate   VRAMEstimate `json:"vram_estimate"`

	// files to materialize before an actual start; not part of the
	// preview payload.
	files map[string]string
}

var (
	knownVLLMKeys  = jsonKeys(models.VLLMConfig{})
	knownLlamaKeys = jsonKeys(models.LlamaCppConfig{})
)

func jsonKeys(v interface{}) []string {
	t := reflect.TypeOf(v)
	keys := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		tag := strings.Split(t.Field(i).Tag.Get("json"), ",")[0]
		if tag != "" && tag != "-" {
			keys = append(keys, tag)
		}
	}
	return keys
}

// validateConfigKeys warns about unrecognized engine_config fields.
// Unknown keys are passed over, close misses get a suggestion.
func validateConfigKeys(raw json.RawMessage, known []string) []string {
	if len(raw) == 0 {
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return []string{fmt.Sprintf("engine_config is not a JSON object: %v", err)}
	}
	var warnings []string
	for key := range obj {
		if contains(known, key) {
			continue
		}
		if best, dist := closestMatch(key, known); dist <= 2 {
			warnings = append(warnings, fmt.Sprintf("unknown option %q (did you mean %q?)", key, best))
		} else {
			warnings = append(warnings, fmt.Sprintf("unknown option %q ignored", key))
		}
	}
	return warnings
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func closestMatch(key string, known []string) (string, int) {
	best, bestDist := "", 1<<30
	for _, k := range known {
		if d := levenshtein(key, k); d < bestDist {
			best, bestDist = k, d
		}
	}
	return best, bestDist
}

func levenshtein(a, b string) int {
	if a == b {
		return 0
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

// hfCached reports whether a repo id is present in the local
// HuggingFace-style cache directory.
func hfCached(cacheDir, repoID string) bool {
	if cacheDir == "" {
		return false
	}
	dir := filepath.Join(cacheDir, "models--"+strings.ReplaceAll(repoID, "/", "--"))
	st, err := os.Stat(dir)
	return err == nil && st.IsDir()
}

func isRepoID(ref string) bool {
	return !strings.HasPrefix(ref, "/") && !strings.HasPrefix(ref, "./") && strings.Count(ref, "/") == 1
}

// synthesize builds the command for either engine, running the shared
// validation: key checking, hard conflict checks, VRAM estimation.
// Hard conflicts return an error; soft conflicts become warnings.
func synthesize(m *models.Model, ec config.EngineConfig, internalSecret string) (DryRunResult, error) {
	var res DryRunResult

	switch m.Engine {
	case models.EngineVLLM:
		var cfg models.VLLMConfig
		if len(m.EngineConfig) > 0 {
			if err := json.Unmarshal(m.EngineConfig, &cfg); err != nil {
				return res, fmt.Errorf("engine_config: %w", err)
			}
		}
		res.Warnings = validateConfigKeys(m.EngineConfig, knownVLLMKeys)

		offline := m.Offline || ec.Offline
		if offline && m.TokenizerOverride != "" && isRepoID(m.TokenizerOverride) && !hfCached(ec.HFCacheDir, m.TokenizerOverride) {
			return res, fmt.Errorf("offline mode: tokenizer %q is not in the local cache; pre-cache it or set a local config path", m.TokenizerOverride)
		}
		if strings.HasSuffix(strings.ToLower(m.LocalPath), ".gguf") {
			if cfg.TensorParallelSize != nil && *cfg.TensorParallelSize > 1 {
				return res, fmt.Errorf("GGUF weights do not support tensor_parallel_size > 1 on this engine")
			}
			res.Warnings = append(res.Warnings, "GGUF weights on the GPU engine load slowly; consider the quantized engine")
		}
		if cfg.EnforceEager != nil && !*cfg.EnforceEager && cfg.Speculative != nil {
			res.Warnings = append(res.Warnings, "CUDA graphs with speculative decoding can be unstable; consider enforce_eager=true")
		}

		build, err := buildVLLMCommand(m, &cfg, ec, internalSecret)
		if err != nil {
			return res, err
		}
		res.CommandPreview = build.Cmd
		res.Env = build.Env
		res.Warnings = append(res.Warnings, build.Warnings...)
		res.VRAMEstimate = estimateVLLM(m, &cfg, ec.GPUVRAMMB)

	case models.EngineLlamaCpp:
		var cfg models.LlamaCppConfig
		if len(m.EngineConfig) > 0 {
			if err := json.Unmarshal(m.EngineConfig, &cfg); err != nil {
				return res, fmt.Errorf("engine_config: %w", err)
			}
		}
		res.Warnings = validateConfigKeys(m.EngineConfig, knownLlamaKeys)

		build, err := buildLlamaCppCommand(m, &cfg, ec, internalSecret)
		if err != nil {
			return res, err
		}
		res.CommandPreview = build.Cmd
		res.Env = build.Env
		res.Warnings = append(res.Warnings, build.Warnings...)
		res.files = build.Files
		res.VRAMEstimate = estimateLlamaCpp(m, &cfg, ec.ModelsDir, ec.GPUVRAMMB)

	default:
		return res, fmt.Errorf("unknown engine %q", m.Engine)
	}

	if !res.VRAMEstimate.Fits {
		res.Warnings = append(res.Warnings, fmt.Sprintf(
			"estimated VRAM %d MB exceeds available %d MB",
			res.VRAMEstimate.TotalMB, res.VRAMEstimate.AvailableMB))
	}
	return res, nil
}
