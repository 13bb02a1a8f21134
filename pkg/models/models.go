// Package models defines the shared data types for the Cortex gateway:
// tenancy (organizations, users, API keys), managed models and their
// engine configuration, usage records, sessions, and deployment jobs.
//
// These types are persisted by internal/store and exposed (in part)
// through the admin API, so field names are stable JSON contracts.
package models

import (
	"encoding/json"
	"time"
)

// ── Tenancy ─────────────────────────────────────────────────

// Organization owns users and API keys.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Role is a user's authorization level for the admin API.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// User is an admin-API principal. Password hashes are bcrypt.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	OrgID        string    `json:"org_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Scope gates access to a family of inference endpoints.
type Scope string

const (
	ScopeChat        Scope = "chat"
	ScopeCompletions Scope = "completions"
	ScopeEmbeddings  Scope = "embeddings"
)

// AllScopes lists every recognized key scope.
var AllScopes = []Scope{ScopeChat, ScopeCompletions, ScopeEmbeddings}

// APIKey is a bearer credential for the inference API. Only the prefix
// and the SHA-256 hash of the full token are stored; the token itself is
// returned exactly once, at creation time.
type APIKey struct {
	ID          string     `json:"id"`
	Prefix      string     `json:"prefix"`
	Hash        string     `json:"-"`
	Scopes      []Scope    `json:"scopes"`
	IPAllowlist []string   `json:"ip_allowlist,omitempty"` // CIDRs; empty = unrestricted
	UserID      string     `json:"user_id,omitempty"`
	OrgID       string     `json:"org_id,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Revoked reports whether the key has been revoked.
func (k *APIKey) Revoked() bool { return k.RevokedAt != nil }

// Expired reports whether the key is past its expiry at the given time.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// HasScope reports whether the key carries the given scope.
func (k *APIKey) HasScope(s Scope) bool {
	for _, have := range k.Scopes {
		if have == s {
			return true
		}
	}
	return false
}

// APIKeyWithToken is the creation response: the key row plus the full
// token, which is never stored or shown again.
type APIKeyWithToken struct {
	APIKey
	Token string `json:"token"`
}

// Session is a server-generated opaque admin session.
type Session struct {
	Token     string    `json:"-"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// ── Managed models ──────────────────────────────────────────

// Engine identifies the inference server family a model runs on.
type Engine string

const (
	// EngineVLLM is the high-throughput GPU serving engine.
	EngineVLLM Engine = "vllm"
	// EngineLlamaCpp is the quantized-weight (GGUF) serving engine.
	EngineLlamaCpp Engine = "llamacpp"
)

// Task is the inference task a model serves.
type Task string

const (
	TaskGenerate Task = "generate"
	TaskEmbed    Task = "embed"
)

// ModelState is the lifecycle state of a managed model container.
type ModelState string

const (
	StateStopped  ModelState = "stopped"
	StateStarting ModelState = "starting"
	StateLoading  ModelState = "loading"
	StateRunning  ModelState = "running"
	StateFailed   ModelState = "failed"
)

// Model source kinds.
const (
	SourceLocalPath = "local-path"
	SourceRepoID    = "repo-id"
)

// Model is a managed model container definition plus its runtime state.
//
// EngineConfig holds the engine-specific knobs as raw JSON: known fields
// are interpreted by the lifecycle controller's command builders, unknown
// fields are preserved untouched. RequestDefaults is an overlay merged
// under client request bodies (client fields always win).
type Model struct {
	ID                int64           `json:"id"`
	Name              string          `json:"name"`
	ServedModelName   string          `json:"served_model_name"`
	Engine            Engine          `json:"engine"`
	Task              Task            `json:"task"`
	Source            string          `json:"source"`
	LocalPath         string          `json:"local_path,omitempty"`
	RepoID            string          `json:"repo_id,omitempty"`
	TokenizerOverride string          `json:"tokenizer_override,omitempty"`
	HFConfigPath      string          `json:"hf_config_path,omitempty"`
	State             ModelState      `json:"state"`
	ContainerName     string          `json:"container_name,omitempty"`
	HostPort          int             `json:"host_port,omitempty"`
	SelectedGPUs      []int           `json:"selected_gpus,omitempty"`
	EngineConfig      json.RawMessage `json:"engine_config,omitempty"`
	RequestDefaults   json.RawMessage `json:"request_defaults,omitempty"`
	StartupTimeoutSec int             `json:"startup_timeout_sec,omitempty"`
	Offline           bool            `json:"offline"`
	LastError         string          `json:"last_error,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Active reports whether the model holds its served name (any state but
// stopped). Served names must be unique among active models.
func (m *Model) Active() bool { return m.State != StateStopped }

// ── Registry ────────────────────────────────────────────────

// BreakerState mirrors the circuit breaker state of a registry entry.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// UpstreamHealth is the probe-derived health of a registry entry.
type UpstreamHealth struct {
	OK                  bool         `json:"ok"`
	LastCheckAt         time.Time    `json:"last_check_at"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	BreakerState        BreakerState `json:"breaker_state"`
}

// RegistryEntry maps a served model name to an upstream URL with health.
type RegistryEntry struct {
	ServedName  string         `json:"served_model_name"`
	ModelID     int64          `json:"model_id,omitempty"`
	UpstreamURL string         `json:"upstream_url"`
	Task        Task           `json:"task"`
	Engine      Engine         `json:"engine"`
	Static      bool           `json:"static,omitempty"`
	Health      UpstreamHealth `json:"health"`
}

// ── Usage ───────────────────────────────────────────────────

// UsageRecord is one metered inference request. Append-only.
type UsageRecord struct {
	ID               int64     `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	RequestID        string    `json:"request_id"`
	APIKeyID         string    `json:"api_key_id,omitempty"`
	UserID           string    `json:"user_id,omitempty"`
	OrgID            string    `json:"org_id,omitempty"`
	Model            string    `json:"model"`
	Task             Task      `json:"task"`
	Endpoint         string    `json:"endpoint"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	LatencyMs        int64     `json:"latency_ms"`
	TTFTMs           *int64    `json:"ttft_ms,omitempty"`
	StatusCode       int       `json:"status_code"`
}

// ── Config KV ───────────────────────────────────────────────

// ConfigKV is a runtime-tunable setting stored as JSON.
type ConfigKV struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ── Deployment ──────────────────────────────────────────────

// DeploymentJobType identifies the kind of deployment job.
type DeploymentJobType string

const (
	JobExport      DeploymentJobType = "export"
	JobImportDB    DeploymentJobType = "import-db"
	JobImportModel DeploymentJobType = "import-model"
)

// DeploymentJobStatus is the job lifecycle status.
type DeploymentJobStatus string

const (
	JobPending   DeploymentJobStatus = "pending"
	JobRunning   DeploymentJobStatus = "running"
	JobSucceeded DeploymentJobStatus = "succeeded"
	JobFailed    DeploymentJobStatus = "failed"
	JobCancelled DeploymentJobStatus = "cancelled"
)

// Terminal reports whether the status is a terminal one.
func (s DeploymentJobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCancelled
}

// DeploymentJob is the singleton in-process export/import job.
type DeploymentJob struct {
	ID         string              `json:"id"`
	Type       DeploymentJobType   `json:"type"`
	Status     DeploymentJobStatus `json:"status"`
	Progress   float64             `json:"progress"`
	Step       string              `json:"step,omitempty"`
	Error      string              `json:"error,omitempty"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt *time.Time          `json:"finished_at,omitempty"`
	Result     json.RawMessage     `json:"result,omitempty"`
}
