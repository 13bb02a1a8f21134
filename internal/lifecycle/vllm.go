package lifecycle

import (
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/cortexhub/cortex/internal/config"
	"github.com/cortexhub/cortex/pkg/models"
)

// vllmServingPort is the in-container port the vLLM OpenAI server binds.
const vllmServingPort = 8000

// containerModelsDir is where the host models directory is mounted
// inside engine containers.
const containerModelsDir = "/models"

// containerHFCacheDir is where the optional host HuggingFace cache is
// mounted inside vLLM containers.
const containerHFCacheDir = "/root/.cache/huggingface"

// BuildResult is a synthesized container command line with its
// environment and any soft warnings collected while building.
type BuildResult struct {
	Cmd      []string `json:"command"`
	Env      []string `json:"env"`
	Warnings []string `json:"warnings,omitempty"`

	// Files are generated artifacts (system prompts) the controller
	// materializes under the configs directory before start. Keyed by
	// host path. Dry runs preview them without writing.
	Files map[string]string `json:"-"`
}

// buildVLLMCommand synthesizes the argument list for the vLLM OpenAI
// server image. The image entrypoint is the server itself, so Cmd holds
// flags only. Only knobs the admin actually set are emitted.
func buildVLLMCommand(m *models.Model, cfg *models.VLLMConfig, ec config.EngineConfig, internalSecret string) (BuildResult, error) {
	var res BuildResult

	modelRef := m.RepoID
	if m.Source == models.SourceLocalPath {
		modelRef = path.Join(containerModelsDir, m.LocalPath)
	}
	if modelRef == "" {
		return res, fmt.Errorf("model %s has neither repo_id nor local_path", m.Name)
	}

	args := []string{
		"--model", modelRef,
		"--served-model-name", m.ServedModelName,
		"--host", "0.0.0.0",
		"--port", strconv.Itoa(vllmServingPort),
	}
	if m.Task == models.TaskEmbed {
		args = append(args, "--task", "embed")
	}
	if m.TokenizerOverride != "" {
		args = append(args, "--tokenizer", resolveTokenizerRef(m.TokenizerOverride))
	}
	if m.HFConfigPath != "" {
		args = append(args, "--hf-config-path", path.Join(containerModelsDir, m.HFConfigPath))
	}

	if cfg != nil {
		if cfg.GPUMemoryUtilization != nil {
			v := *cfg.GPUMemoryUtilization
			if v <= 0 || v > 1 {
				return res, fmt.Errorf("gpu_memory_utilization %.3f outside (0,1]", v)
			}
			args = append(args, "--gpu-memory-utilization", strconv.FormatFloat(v, 'f', -1, 64))
		}
		args = appendIntFlag(args, "--max-model-len", cfg.MaxModelLen)
		if cfg.KVCacheDtype != "" {
			args = append(args, "--kv-cache-dtype", cfg.KVCacheDtype)
		}
		args = appendIntFlag(args, "--block-size", cfg.BlockSize)
		args = appendIntFlag(args, "--swap-space", cfg.SwapSpace)
		args = appendIntFlag(args, "--tensor-parallel-size", cfg.TensorParallelSize)
		args = appendIntFlag(args, "--pipeline-parallel-size", cfg.PipelineParallelSize)
		args = appendIntFlag(args, "--max-num-batched-tokens", cfg.MaxNumBatchedTokens)
		args = appendIntFlag(args, "--max-num-seqs", cfg.MaxNumSeqs)
		if cfg.EnablePrefixCaching != nil {
			if *cfg.EnablePrefixCaching {
				args = append(args, "--enable-prefix-caching")
				if cfg.PrefixCachingHashAlgo != "" {
					args = append(args, "--prefix-caching-hash-algo", cfg.PrefixCachingHashAlgo)
				}
			} else {
				args = append(args, "--no-enable-prefix-caching")
			}
		}
		if cfg.EnableChunkedPrefill != nil && *cfg.EnableChunkedPrefill {
			args = append(args, "--enable-chunked-prefill")
		}
		if len(cfg.CUDAGraphSizes) > 0 {
			args = append(args, "--cuda-graph-sizes", joinInts(cfg.CUDAGraphSizes))
		}
		if cfg.Dtype != "" {
			args = append(args, "--dtype", cfg.Dtype)
		}
		if cfg.Quantization != "" {
			args = append(args, "--quantization", cfg.Quantization)
		}
		if cfg.EnforceEager != nil && *cfg.EnforceEager {
			args = append(args, "--enforce-eager")
		}
		if cfg.TrustRemoteCode != nil && *cfg.TrustRemoteCode {
			args = append(args, "--trust-remote-code")
		}
		if cfg.DistributedExecutorBackend != "" {
			switch cfg.DistributedExecutorBackend {
			case "mp", "ray", "uni":
			default:
				return res, fmt.Errorf("distributed_executor_backend %q not one of mp, ray, uni", cfg.DistributedExecutorBackend)
			}
			args = append(args, "--distributed-executor-backend", cfg.DistributedExecutorBackend)
		}
		if cfg.Speculative != nil {
			raw, err := json.Marshal(cfg.Speculative)
			if err != nil {
				return res, fmt.Errorf("speculative_config: %w", err)
			}
			args = append(args, "--speculative-config", string(raw))
		}
	}

	env := []string{
		fmt.Sprintf("NCCL_TIMEOUT=%d", ec.NCCLTimeoutSec),
		"NCCL_DEBUG=" + ec.NCCLDebug,
		"TORCH_NCCL_BLOCKING_WAIT=0",
		"VLLM_WORKER_MULTIPROC_METHOD=spawn",
	}
	if internalSecret != "" {
		env = append(env, "CORTEX_INTERNAL_SECRET="+internalSecret)
	}
	if cfg != nil && cfg.AttentionBackend != "" {
		env = append(env, "VLLM_ATTENTION_BACKEND="+cfg.AttentionBackend)
	}
	if m.Offline || ec.Offline {
		env = append(env, "HF_HUB_OFFLINE=1", "TRANSFORMERS_OFFLINE=1")
	}

	res.Cmd = args
	res.Env = env
	return res, nil
}

// resolveTokenizerRef maps a path-style tokenizer override into the
// container mount; repo ids pass through untouched.
func resolveTokenizerRef(ref string) string {
	if strings.HasPrefix(ref, "/") || strings.HasPrefix(ref, "./") {
		return path.Join(containerModelsDir, strings.TrimPrefix(strings.TrimPrefix(ref, "./"), "/"))
	}
	return ref
}

func appendIntFlag(args []string, flag string, v *int) []string {
	if v == nil {
		return args
	}
	return append(args, flag, strconv.Itoa(*v))
}

func joinInts(vs []int) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}
