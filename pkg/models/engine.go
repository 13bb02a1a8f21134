// Engine-specific configuration knobs. These are the known fields of
// Model.EngineConfig; unknown fields in the raw JSON are preserved but
// never interpreted. Pointer fields distinguish "unset" from zero so the
// command builders only emit flags the admin actually set.
package models

// ModelArch carries declared architecture hints used by the dry-run
// VRAM estimator. All optional; the estimator falls back to conservative
// defaults and warns.
type ModelArch struct {
	ParamsBillion float64 `json:"params_billion,omitempty"`
	NumLayers     int     `json:"num_layers,omitempty"`
	HeadDim       int     `json:"head_dim,omitempty"`
	NumHeads      int     `json:"num_heads,omitempty"`
	NumKVHeads    int     `json:"num_kv_heads,omitempty"`
}

// SpeculativeConfig configures speculative decoding on the vLLM engine.
type SpeculativeConfig struct {
	Method               string `json:"method,omitempty"`
	Model                string `json:"model,omitempty"`
	NumSpeculativeTokens int    `json:"num_speculative_tokens,omitempty"`
}

// VLLMConfig is the recognized knob set for the vLLM engine.
type VLLMConfig struct {
	GPUMemoryUtilization       *float64           `json:"gpu_memory_utilization,omitempty"`
	MaxModelLen                *int               `json:"max_model_len,omitempty"`
	KVCacheDtype               string             `json:"kv_cache_dtype,omitempty"`
	BlockSize                  *int               `json:"block_size,omitempty"`
	SwapSpace                  *int               `json:"swap_space,omitempty"`
	TensorParallelSize         *int               `json:"tensor_parallel_size,omitempty"`
	PipelineParallelSize       *int               `json:"pipeline_parallel_size,omitempty"`
	MaxNumBatchedTokens        *int               `json:"max_num_batched_tokens,omitempty"`
	MaxNumSeqs                 *int               `json:"max_num_seqs,omitempty"`
	EnablePrefixCaching        *bool              `json:"enable_prefix_caching,omitempty"`
	PrefixCachingHashAlgo      string             `json:"prefix_caching_hash_algo,omitempty"`
	EnableChunkedPrefill       *bool              `json:"enable_chunked_prefill,omitempty"`
	CUDAGraphSizes             []int              `json:"cuda_graph_sizes,omitempty"`
	Dtype                      string             `json:"dtype,omitempty"`
	Quantization               string             `json:"quantization,omitempty"`
	EnforceEager               *bool              `json:"enforce_eager,omitempty"`
	AttentionBackend           string             `json:"attention_backend,omitempty"`
	TrustRemoteCode            *bool              `json:"trust_remote_code,omitempty"`
	DistributedExecutorBackend string             `json:"distributed_executor_backend,omitempty"`
	Speculative                *SpeculativeConfig `json:"speculative_config,omitempty"`
	Arch                       *ModelArch         `json:"arch,omitempty"`
}

// LoraAdapter is one LoRA adapter applied by the llama.cpp engine.
type LoraAdapter struct {
	Path  string  `json:"path"`
	Scale float64 `json:"scale,omitempty"`
}

// LlamaCppConfig is the recognized knob set for the llama.cpp engine.
type LlamaCppConfig struct {
	NGL                  *int          `json:"ngl,omitempty"`
	TensorSplit          []float64     `json:"tensor_split,omitempty"`
	BatchSize            *int          `json:"batch_size,omitempty"`
	UBatchSize           *int          `json:"ubatch_size,omitempty"`
	Threads              *int          `json:"threads,omitempty"`
	ContextSize          *int          `json:"context_size,omitempty"`
	FlashAttention       *bool         `json:"flash_attention,omitempty"`
	MLock                *bool         `json:"mlock,omitempty"`
	NoMmap               *bool         `json:"no_mmap,omitempty"`
	NUMAPolicy           string        `json:"numa_policy,omitempty"`
	RopeFreqBase         *float64      `json:"rope_freq_base,omitempty"`
	RopeFreqScale        *float64      `json:"rope_freq_scale,omitempty"`
	CacheTypeK           string        `json:"cache_type_k,omitempty"`
	CacheTypeV           string        `json:"cache_type_v,omitempty"`
	ParallelSlots        *int          `json:"parallel_slots,omitempty"`
	ContBatching         *bool         `json:"cont_batching,omitempty"`
	DraftModelPath       string        `json:"draft_model_path,omitempty"`
	DraftN               *int          `json:"draft_n,omitempty"`
	DraftPMin            *float64      `json:"draft_p_min,omitempty"`
	VerboseLogging       *bool         `json:"verbose_logging,omitempty"`
	LogTimestamps        *bool         `json:"log_timestamps,omitempty"`
	LogColors            *bool         `json:"log_colors,omitempty"`
	ChatTemplate         string        `json:"chat_template,omitempty"`
	ChatTemplateFile     string        `json:"chat_template_file,omitempty"`
	JinjaEnabled         *bool         `json:"jinja_enabled,omitempty"`
	GrammarFile          string        `json:"grammar_file,omitempty"`
	SystemPrompt         string        `json:"system_prompt,omitempty"`
	LoraAdapters         []LoraAdapter `json:"lora_adapters,omitempty"`
	LoraInitWithoutApply *bool         `json:"lora_init_without_apply,omitempty"`
	CheckTensors         *bool         `json:"check_tensors,omitempty"`
	SkipWarmup           *bool         `json:"skip_warmup,omitempty"`
	DefragThold          *float64      `json:"defrag_thold,omitempty"`
	Arch                 *ModelArch    `json:"arch,omitempty"`
}
