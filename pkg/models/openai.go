// OpenAI-compatible wire types. The proxy forwards client bodies mostly
// verbatim, so only the fields the gateway itself reads are declared;
// everything else passes through as raw JSON.
package models

// ChatMessage is one message in a chat completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// InferenceRequest is the subset of an OpenAI request body the gateway
// interprets. The full body, including fields not listed here, is what
// gets forwarded upstream (after the request-defaults overlay).
type InferenceRequest struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream,omitempty"`
}

// Usage is the OpenAI token usage block.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// ModelInfo is one entry of the OpenAI model list.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the OpenAI /v1/models response.
type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// ── Error envelope ──────────────────────────────────────────

// Error types used in the envelope.
const (
	ErrTypeInvalidRequest     = "invalid_request_error"
	ErrTypeAuthentication     = "authentication_error"
	ErrTypePermission         = "permission_error"
	ErrTypeRateLimit          = "rate_limit_error"
	ErrTypeServiceUnavailable = "service_unavailable"
	ErrTypeServer             = "server_error"
)

// Error codes used in the envelope.
const (
	ErrCodeModelLoading       = "model_loading"
	ErrCodeSlotUnavailable    = "slot_unavailable"
	ErrCodeContextLength      = "context_length_exceeded"
	ErrCodeModelNotFound      = "model_not_found"
	ErrCodeChecksumMismatch   = "checksum_mismatch"
	ErrCodeNameConflict       = "name_conflict"
	ErrCodeIPNotAllowed       = "ip_not_allowed"
	ErrCodeScopeNotPermitted  = "scope_not_permitted"
	ErrCodeBodyTooLarge       = "body_too_large"
	ErrCodeNoHealthyUpstream  = "no_healthy_upstream"
	ErrCodeStreamLimitReached = "stream_limit_reached"
)

// APIError is the OpenAI-shaped error payload.
type APIError struct {
	Message      string `json:"message"`
	Type         string `json:"type"`
	Code         string `json:"code,omitempty"`
	RetryAfter   int    `json:"retry_after,omitempty"` // seconds
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
	RequestID    string `json:"request_id,omitempty"`
}

// ErrorEnvelope wraps APIError the way every 4xx/5xx body does.
type ErrorEnvelope struct {
	Error APIError `json:"error"`
}
