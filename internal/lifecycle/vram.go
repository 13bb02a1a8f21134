package lifecycle

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cortexhub/cortex/pkg/models"
)

// VRAMEstimate is the dry-run memory projection for a model start.
type VRAMEstimate struct {
	WeightsMB   int64    `json:"weights_mb"`
	KVCacheMB   int64    `json:"kv_cache_mb"`
	OverheadMB  int64    `json:"overhead_mb"`
	TotalMB     int64    `json:"total_mb"`
	AvailableMB int64    `json:"available_mb"`
	Fits        bool     `json:"fits"`
	Warnings    []string `json:"warnings,omitempty"`
}

const (
	overheadFactor = 0.15
	safetyFactor   = 0.10
	mb             = 1 << 20
)

// Defaults used when architecture hints are absent. Deliberately on the
// large side so a missing hint never under-estimates.
const (
	defaultParamsBillion = 7.0
	defaultNumLayers     = 32
	defaultHeadDim       = 128
	defaultNumKVHeads    = 8
)

func dtypeBytes(dtype string) float64 {
	switch strings.ToLower(dtype) {
	case "fp8", "fp8_e4m3", "fp8_e5m2", "int8", "q8_0":
		return 1
	case "int4", "awq", "gptq", "q4_0", "q4_k_m":
		return 0.5
	default: // fp16, bf16, auto
		return 2
	}
}

func archOrDefaults(a *models.ModelArch, warnings *[]string) models.ModelArch {
	out := models.ModelArch{
		ParamsBillion: defaultParamsBillion,
		NumLayers:     defaultNumLayers,
		HeadDim:       defaultHeadDim,
		NumKVHeads:    defaultNumKVHeads,
	}
	if a == nil {
		*warnings = append(*warnings, "no architecture hints declared; VRAM estimate uses conservative defaults")
		return out
	}
	if a.ParamsBillion > 0 {
		out.ParamsBillion = a.ParamsBillion
	}
	if a.NumLayers > 0 {
		out.NumLayers = a.NumLayers
	}
	if a.HeadDim > 0 {
		out.HeadDim = a.HeadDim
	}
	if a.NumKVHeads > 0 {
		out.NumKVHeads = a.NumKVHeads
	} else if a.NumHeads > 0 {
		out.NumKVHeads = a.NumHeads
	}
	return out
}

// estimateVLLM projects VRAM for a vLLM start: declared parameter count
// times dtype width for weights, plus a KV cache sized from context,
// batch and attention geometry, plus fixed overhead and safety margins.
func estimateVLLM(m *models.Model, cfg *models.VLLMConfig, gpuVRAMMB []int) VRAMEstimate {
	var est VRAMEstimate

	var arch *models.ModelArch
	quant, kvDtype := "", "auto"
	maxLen, maxSeqs := 4096, 256
	if cfg != nil {
		arch = cfg.Arch
		quant = cfg.Quantization
		if cfg.Dtype != "" && quant == "" {
			quant = cfg.Dtype
		}
		if cfg.KVCacheDtype != "" {
			kvDtype = cfg.KVCacheDtype
		}
		if cfg.MaxModelLen != nil {
			maxLen = *cfg.MaxModelLen
		}
		if cfg.MaxNumSeqs != nil {
			maxSeqs = *cfg.MaxNumSeqs
		}
	}
	a := archOrDefaults(arch, &est.Warnings)

	weights := a.ParamsBillion * 1e9 * dtypeBytes(quant)
	kv := float64(maxLen) * float64(maxSeqs) * float64(a.NumLayers) *
		float64(a.HeadDim) * float64(a.NumKVHeads) * 2 * dtypeBytes(kvDtype)

	est.WeightsMB = int64(weights / mb)
	est.KVCacheMB = int64(kv / mb)
	base := weights + kv
	est.OverheadMB = int64(base * overheadFactor / mb)
	est.TotalMB = int64(base * (1 + overheadFactor) * (1 + safetyFactor) / mb)
	est.AvailableMB = sumGPUs(m.SelectedGPUs, gpuVRAMMB, &est.Warnings)
	est.Fits = est.AvailableMB == 0 || est.TotalMB <= est.AvailableMB
	return est
}

// estimateLlamaCpp projects VRAM for a llama.cpp start. Weights are the
// on-disk size of the already-quantized file; partial offload scales the
// GPU-resident share by ngl/layer_count.
func estimateLlamaCpp(m *models.Model, cfg *models.LlamaCppConfig, modelsDir string, gpuVRAMMB []int) VRAMEstimate {
	var est VRAMEstimate

	var arch *models.ModelArch
	ctx, slots := 4096, 1
	cacheK, cacheV := "f16", "f16"
	ngl := -1
	if cfg != nil {
		arch = cfg.Arch
		if cfg.ContextSize != nil {
			ctx = *cfg.ContextSize
		}
		if cfg.ParallelSlots != nil && *cfg.ParallelSlots > 0 {
			slots = *cfg.ParallelSlots
		}
		if cfg.CacheTypeK != "" {
			cacheK = cfg.CacheTypeK
		}
		if cfg.CacheTypeV != "" {
			cacheV = cfg.CacheTypeV
		}
		if cfg.NGL != nil {
			ngl = *cfg.NGL
		}
	}
	a := archOrDefaults(arch, &est.Warnings)

	weights := weightFileBytes(m, modelsDir, &est.Warnings)
	kv := float64(ctx) * float64(slots) * float64(a.NumLayers) * float64(a.HeadDim) *
		float64(a.NumKVHeads) * (dtypeBytes(cacheK) + dtypeBytes(cacheV))

	// Partial offload: only ngl of the layers live on the GPU.
	offload := 1.0
	if ngl >= 0 && ngl < a.NumLayers {
		offload = float64(ngl) / float64(a.NumLayers)
	}
	weights *= offload
	kv *= offload

	est.WeightsMB = int64(weights / mb)
	est.KVCacheMB = int64(kv / mb)
	base := weights + kv
	est.OverheadMB = int64(base * overheadFactor / mb)
	est.TotalMB = int64(base * (1 + overheadFactor) * (1 + safetyFactor) / mb)
	est.AvailableMB = sumGPUs(m.SelectedGPUs, gpuVRAMMB, &est.Warnings)

	// Tensor split shifts load between devices; the aggregate bound
	// still applies, uneven splits get a warning instead of per-device
	// arithmetic.
	if cfg != nil && len(cfg.TensorSplit) > 1 {
		est.Warnings = append(est.Warnings,
			"tensor_split set; per-device headroom is not validated, only the aggregate")
	}
	est.Fits = est.AvailableMB == 0 || est.TotalMB <= est.AvailableMB
	return est
}

func weightFileBytes(m *models.Model, modelsDir string, warnings *[]string) float64 {
	if m.LocalPath == "" {
		*warnings = append(*warnings, "no local weight file; weight size unknown")
		return 0
	}
	full := filepath.Join(modelsDir, m.LocalPath)
	var total int64
	if st, err := os.Stat(full); err == nil {
		total = st.Size()
		// Multi-part archives: sum the sibling shards.
		if mparts := shardRe.FindStringSubmatch(m.LocalPath); mparts != nil {
			pattern := full[:len(full)-len(mparts[0])] + "-*-of-" + mparts[2] + ".gguf"
			if matches, err := filepath.Glob(pattern); err == nil && len(matches) > 1 {
				total = 0
				for _, p := range matches {
					if st, err := os.Stat(p); err == nil {
						total += st.Size()
					}
				}
			}
		}
	} else {
		*warnings = append(*warnings, fmt.Sprintf("weight file %s not readable: %v", m.LocalPath, err))
	}
	return float64(total)
}

func sumGPUs(selected []int, gpuVRAMMB []int, warnings *[]string) int64 {
	if len(gpuVRAMMB) == 0 {
		*warnings = append(*warnings, "GPU capacities not configured; fit check skipped")
		return 0
	}
	var sum int64
	for _, idx := range selected {
		if idx < 0 || idx >= len(gpuVRAMMB) {
			*warnings = append(*warnings, fmt.Sprintf("selected GPU %d has no declared capacity", idx))
			continue
		}
		sum += int64(gpuVRAMMB[idx])
	}
	if len(selected) == 0 && len(gpuVRAMMB) > 0 {
		sum = int64(gpuVRAMMB[0])
	}
	return sum
}
