package proxy

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/cortexhub/cortex/internal/lifecycle"
	"github.com/cortexhub/cortex/pkg/models"
)

// classifyHint runs the diagnostic log classifier over an error body and
// returns its fix hint when a pattern matches.
func classifyHint(text string) string {
	if d := lifecycle.Classify(text); d.Matched {
		return d.Hint
	}
	return ""
}

// translated is a normalized upstream failure.
type translated struct {
	status int
	apiErr models.APIError

	// retryElsewhere marks failures worth one attempt on another
	// healthy upstream of the same pool.
	retryElsewhere bool
}

// translateUpstream normalizes engine-specific error shapes to the
// OpenAI envelope. body is the upstream response body (possibly empty).
func translateUpstream(engine models.Engine, status int, body []byte) translated {
	text := string(body)

	// Engines often wrap errors in an OpenAI-style envelope already;
	// surface the inner message when present.
	msg := strings.TrimSpace(text)
	var env models.ErrorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Message != "" {
		msg = env.Error.Message
	}

	switch {
	case strings.Contains(text, "Loading model"):
		return translated{
			status: http.StatusServiceUnavailable,
			apiErr: models.APIError{
				Message:    "model is still loading; retry with backoff",
				Type:       models.ErrTypeServiceUnavailable,
				Code:       models.ErrCodeModelLoading,
				RetryAfter: 5,
			},
		}
	case strings.Contains(text, "slot unavailable") || strings.Contains(text, "no slot available"):
		return translated{
			status: http.StatusServiceUnavailable,
			apiErr: models.APIError{
				Message:    "all generation slots are busy",
				Type:       models.ErrTypeServiceUnavailable,
				Code:       models.ErrCodeSlotUnavailable,
				RetryAfter: 2,
			},
		}
	case strings.Contains(text, "context length") || strings.Contains(text, "maximum context"):
		return translated{
			status: http.StatusBadRequest,
			apiErr: models.APIError{
				Message: msg,
				Type:    models.ErrTypeInvalidRequest,
				Code:    models.ErrCodeContextLength,
			},
		}
	}

	if engine == models.EngineVLLM && status >= 500 {
		if strings.Contains(text, "CUDA") || strings.Contains(text, "driver") {
			apiErr := models.APIError{
				Message: "engine failure: " + firstLine(msg),
				Type:    models.ErrTypeServer,
			}
			if d := classifyHint(text); d != "" {
				apiErr.Message += " (" + d + ")"
			}
			return translated{status: http.StatusInternalServerError, apiErr: apiErr}
		}
	}

	if status >= 500 {
		return translated{
			status: http.StatusBadGateway,
			apiErr: models.APIError{
				Message: "upstream error: " + firstLine(msg),
				Type:    models.ErrTypeServer,
			},
			retryElsewhere: true,
		}
	}

	// 4xx pass through with the upstream's own message.
	return translated{
		status: status,
		apiErr: models.APIError{
			Message: msg,
			Type:    models.ErrTypeInvalidRequest,
		},
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 300 {
		s = s[:300]
	}
	return s
}
