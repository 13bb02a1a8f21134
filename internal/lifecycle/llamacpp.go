package lifecycle

import (
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/cortexhub/cortex/internal/config"
	"github.com/cortexhub/cortex/pkg/models"
)

// llamaServingPort is the in-container port of the llama.cpp server.
const llamaServingPort = 8080

// containerConfigsDir is where generated files (system prompts) are
// mounted inside llama.cpp containers.
const containerConfigsDir = "/configs"

var shardRe = regexp.MustCompile(`-(\d{5})-of-(\d{5})\.gguf$`)

// firstShard rewrites a multi-part GGUF path to its first part. The
// server discovers the remaining parts itself.
func firstShard(p string) string {
	if m := shardRe.FindStringSubmatch(p); m != nil {
		return p[:len(p)-len(m[0])] + "-00001-of-" + m[2] + ".gguf"
	}
	return p
}

// buildLlamaCppCommand synthesizes the llama-server argument list.
func buildLlamaCppCommand(m *models.Model, cfg *models.LlamaCppConfig, ec config.EngineConfig, internalSecret string) (BuildResult, error) {
	var res BuildResult

	if m.LocalPath == "" {
		return res, fmt.Errorf("model %s: llama.cpp requires a local weight path", m.Name)
	}
	weights := path.Join(containerModelsDir, firstShard(m.LocalPath))

	args := []string{
		"--model", weights,
		"--alias", m.ServedModelName,
		"--host", "0.0.0.0",
		"--port", strconv.Itoa(llamaServingPort),
		"--metrics",
		"--slots",
	}
	if m.Task == models.TaskEmbed {
		args = append(args, "--embeddings")
	}

	if cfg != nil {
		args = appendIntFlag(args, "--n-gpu-layers", cfg.NGL)
		if len(cfg.TensorSplit) > 0 {
			parts := make([]string, len(cfg.TensorSplit))
			for i, f := range cfg.TensorSplit {
				parts[i] = strconv.FormatFloat(f, 'f', -1, 64)
			}
			args = append(args, "--tensor-split", strings.Join(parts, ","))
		}
		args = appendIntFlag(args, "--batch-size", cfg.BatchSize)
		args = appendIntFlag(args, "--ubatch-size", cfg.UBatchSize)
		args = appendIntFlag(args, "--threads", cfg.Threads)
		args = appendIntFlag(args, "--ctx-size", cfg.ContextSize)
		if cfg.FlashAttention != nil && *cfg.FlashAttention {
			args = append(args, "--flash-attn")
		}
		if cfg.MLock != nil && *cfg.MLock {
			args = append(args, "--mlock")
		}
		if cfg.NoMmap != nil && *cfg.NoMmap {
			args = append(args, "--no-mmap")
		}
		if cfg.NUMAPolicy != "" {
			args = append(args, "--numa", cfg.NUMAPolicy)
		}
		args = appendFloatFlag(args, "--rope-freq-base", cfg.RopeFreqBase)
		args = appendFloatFlag(args, "--rope-freq-scale", cfg.RopeFreqScale)
		if cfg.CacheTypeK != "" {
			args = append(args, "--cache-type-k", cfg.CacheTypeK)
		}
		if cfg.CacheTypeV != "" {
			args = append(args, "--cache-type-v", cfg.CacheTypeV)
		}
		args = appendIntFlag(args, "--parallel", cfg.ParallelSlots)
		if cfg.ContBatching != nil {
			if *cfg.ContBatching {
				args = append(args, "--cont-batching")
			} else {
				args = append(args, "--no-cont-batching")
			}
		}
		if cfg.DraftModelPath != "" {
			args = append(args, "--model-draft", path.Join(containerModelsDir, cfg.DraftModelPath))
			args = appendIntFlag(args, "--draft-max", cfg.DraftN)
			args = appendFloatFlag(args, "--draft-p-min", cfg.DraftPMin)
		}
		if cfg.VerboseLogging != nil && *cfg.VerboseLogging {
			args = append(args, "--verbose")
		}
		if cfg.LogTimestamps != nil && *cfg.LogTimestamps {
			args = append(args, "--log-timestamps")
		}
		if cfg.LogColors != nil && *cfg.LogColors {
			args = append(args, "--log-colors")
		}

		if cfg.ChatTemplate != "" && cfg.ChatTemplateFile != "" {
			return res, fmt.Errorf("chat_template and chat_template_file are mutually exclusive")
		}
		if cfg.ChatTemplate != "" {
			args = append(args, "--chat-template", cfg.ChatTemplate)
		}
		if cfg.ChatTemplateFile != "" {
			args = append(args, "--chat-template-file", path.Join(containerModelsDir, cfg.ChatTemplateFile))
		}
		if cfg.JinjaEnabled != nil && *cfg.JinjaEnabled {
			args = append(args, "--jinja")
		}
		if cfg.GrammarFile != "" {
			args = append(args, "--grammar-file", path.Join(containerModelsDir, cfg.GrammarFile))
		}
		if cfg.SystemPrompt != "" {
			name := fmt.Sprintf("system-prompt-%d.txt", m.ID)
			res.Files = map[string]string{
				filepath.Join(ec.ConfigsDir, name): cfg.SystemPrompt,
			}
			args = append(args, "--system-prompt-file", path.Join(containerConfigsDir, name))
		}

		for _, lora := range cfg.LoraAdapters {
			p := path.Join(containerModelsDir, lora.Path)
			if lora.Scale != 0 && lora.Scale != 1 {
				args = append(args, "--lora-scaled", p, strconv.FormatFloat(lora.Scale, 'f', -1, 64))
			} else {
				args = append(args, "--lora", p)
			}
		}
		if cfg.LoraInitWithoutApply != nil && *cfg.LoraInitWithoutApply {
			args = append(args, "--lora-init-without-apply")
		}

		// check_tensors defaults on; weight corruption surfaces at load
		// instead of as garbage output.
		if cfg.CheckTensors == nil || *cfg.CheckTensors {
			args = append(args, "--check-tensors")
		}
		if cfg.SkipWarmup != nil && *cfg.SkipWarmup {
			args = append(args, "--no-warmup")
		}
		args = appendFloatFlag(args, "--defrag-thold", cfg.DefragThold)
	} else {
		args = append(args, "--check-tensors")
	}

	env := []string{}
	if internalSecret != "" {
		env = append(env, "CORTEX_INTERNAL_SECRET="+internalSecret)
	}
	res.Cmd = args
	res.Env = env
	return res, nil
}

func appendFloatFlag(args []string, flag string, v *float64) []string {
	if v == nil {
		return args
	}
	return append(args, flag, strconv.FormatFloat(*v, 'f', -1, 64))
}
