// Package proxy implements the OpenAI-compatible data plane: request
// admission, upstream selection, streaming, error translation, and
// usage extraction.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cortexhub/cortex/internal/auth"
	"github.com/cortexhub/cortex/internal/metrics"
	"github.com/cortexhub/cortex/internal/ratelimit"
	"github.com/cortexhub/cortex/internal/registry"
	"github.com/cortexhub/cortex/internal/store"
	"github.com/cortexhub/cortex/internal/usage"
	"github.com/cortexhub/cortex/pkg/models"
)

// internalSecretHeader authenticates gateway-to-engine traffic.
const internalSecretHeader = "X-Cortex-Internal-Secret"

// errBodyLimit bounds how much of an upstream error body is read.
const errBodyLimit = 64 << 10

// Proxy routes OpenAI-compatible requests to healthy upstreams.
type Proxy struct {
	store store.Store
	reg   *registry.Registry
	gate  *ratelimit.StreamGate
	met   *metrics.Metrics
	meter *usage.Meter

	client            *http.Client
	secret            string
	maxBody           int64
	requestTimeout    time.Duration
	streamIdleTimeout time.Duration
	nowFn             func() time.Time
}

func New(s store.Store, reg *registry.Registry, gate *ratelimit.StreamGate, met *metrics.Metrics, meter *usage.Meter, secret string, maxBody int64, requestTimeout, streamIdleTimeout time.Duration) *Proxy {
	return &Proxy{
		store: s,
		reg:   reg,
		gate:  gate,
		met:   met,
		meter: meter,
		// Streaming responses outlive any client-level timeout; the
		// per-request context carries the deadline instead.
		client:            &http.Client{},
		secret:            secret,
		maxBody:           maxBody,
		requestTimeout:    requestTimeout,
		streamIdleTimeout: streamIdleTimeout,
		nowFn:             time.Now,
	}
}

// ChatCompletions handles POST /v1/chat/completions.
func (p *Proxy) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	p.handle(w, r, "/v1/chat/completions", models.TaskGenerate)
}

// Completions handles POST /v1/completions.
func (p *Proxy) Completions(w http.ResponseWriter, r *http.Request) {
	p.handle(w, r, "/v1/completions", models.TaskGenerate)
}

// Embeddings handles POST /v1/embeddings.
func (p *Proxy) Embeddings(w http.ResponseWriter, r *http.Request) {
	p.handle(w, r, "/v1/embeddings", models.TaskEmbed)
}

func (p *Proxy) handle(w http.ResponseWriter, r *http.Request, endpoint string, task models.Task) {
	start := p.nowFn()
	ctx := r.Context()
	reqID := auth.RequestIDFrom(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, p.maxBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			p.writeError(w, http.StatusRequestEntityTooLarge, models.APIError{
				Message: fmt.Sprintf("request body exceeds %d bytes", p.maxBody),
				Type:    models.ErrTypeInvalidRequest,
				Code:    models.ErrCodeBodyTooLarge,
			})
			return
		}
		p.writeError(w, http.StatusBadRequest, models.APIError{
			Message: "could not read request body",
			Type:    models.ErrTypeInvalidRequest,
		})
		return
	}

	var req models.InferenceRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Model == "" {
		p.writeError(w, http.StatusBadRequest, models.APIError{
			Message: "body must be a JSON object with a model field",
			Type:    models.ErrTypeInvalidRequest,
		})
		return
	}

	// Overlay the model's request defaults; client fields win. Stream
	// can come from the defaults, so re-read it afterwards.
	var modelRow *models.Model
	if mr, err := p.store.GetModelByServedName(ctx, req.Model); err == nil {
		modelRow = mr
	}
	outBody := json.RawMessage(body)
	if modelRow != nil && len(modelRow.RequestDefaults) > 0 {
		outBody, err = mergeDefaults(modelRow.RequestDefaults, outBody)
		if err != nil {
			p.writeError(w, http.StatusBadRequest, models.APIError{
				Message: err.Error(),
				Type:    models.ErrTypeInvalidRequest,
			})
			return
		}
		_ = json.Unmarshal(outBody, &req)
	}

	principal := auth.PrincipalFrom(ctx)
	rec := models.UsageRecord{
		Timestamp: start.UTC(),
		RequestID: reqID,
		Model:     req.Model,
		Task:      task,
		Endpoint:  endpoint,
	}
	if principal != nil && principal.Key != nil {
		rec.APIKeyID = principal.Key.ID
		rec.UserID = principal.Key.UserID
		rec.OrgID = principal.Key.OrgID
	}
	finish := func(status int, engine models.Engine, us *models.Usage, ttft *int64, streamed bool) {
		rec.StatusCode = status
		rec.LatencyMs = p.nowFn().Sub(start).Milliseconds()
		rec.TTFTMs = ttft
		if us != nil {
			rec.PromptTokens = us.PromptTokens
			rec.CompletionTokens = us.CompletionTokens
			rec.TotalTokens = us.TotalTokens
		}
		p.meter.Record(rec)
		p.met.Requests.WithLabelValues(endpoint, metrics.StatusClass(status), string(engine)).Inc()
		if status < 400 {
			p.met.UpstreamLatency.WithLabelValues(endpoint, string(engine)).
				Observe(float64(rec.LatencyMs) / 1000)
		}
	}

	if req.Stream {
		subject := clientSubject(principal, r)
		release, retryAfter, ok := p.gate.Acquire(subject)
		if !ok {
			p.writeError(w, http.StatusTooManyRequests, models.APIError{
				Message:      "too many concurrent streams",
				Type:         models.ErrTypeRateLimit,
				Code:         models.ErrCodeStreamLimitReached,
				RetryAfter:   int(retryAfter.Seconds()),
				RetryAfterMS: retryAfter.Milliseconds(),
			})
			finish(http.StatusTooManyRequests, "", nil, nil, true)
			return
		}
		defer release()
	} else {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.requestTimeout)
		defer cancel()
	}

	resp, entry, terr := p.dispatch(ctx, req.Model, task, endpoint, outBody, modelRow)
	if terr != nil {
		p.writeError(w, terr.status, terr.apiErr)
		finish(terr.status, entry.Engine, nil, nil, req.Stream)
		return
	}
	defer resp.Body.Close()

	if req.Stream {
		us, ttft, status := p.pipeStream(ctx, w, resp, entry)
		finish(status, entry.Engine, us, ttft, true)
		return
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		p.writeError(w, http.StatusBadGateway, models.APIError{
			Message: "upstream read failed: " + err.Error(),
			Type:    models.ErrTypeServer,
		})
		finish(http.StatusBadGateway, entry.Engine, nil, nil, false)
		return
	}

	var us *models.Usage
	var parsed struct {
		Usage *models.Usage `json:"usage"`
	}
	if err := json.Unmarshal(respBody, &parsed); err == nil {
		us = parsed.Usage
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(respBody); err != nil {
		log.Debug().Err(err).Str("request_id", reqID).Msg("client write failed")
	}
	finish(resp.StatusCode, entry.Engine, us, nil, false)
}

// dispatch resolves an upstream and forwards the request, retrying once
// on a different upstream when the first fails before any client bytes.
func (p *Proxy) dispatch(ctx context.Context, model string, task models.Task, endpoint string, body []byte, modelRow *models.Model) (*http.Response, models.RegistryEntry, *translated) {
	tried := map[string]bool{}
	var lastEntry models.RegistryEntry
	for attempt := 0; attempt < 2; attempt++ {
		entry, err := p.reg.Resolve(model, task)
		if err != nil || tried[entry.UpstreamURL] {
			if attempt == 0 {
				return nil, lastEntry, p.resolveFailure(model, modelRow)
			}
			// Second attempt found nothing new: surface the first error.
			return nil, lastEntry, &translated{
				status: http.StatusServiceUnavailable,
				apiErr: models.APIError{
					Message:    "no healthy upstream for model " + model,
					Type:       models.ErrTypeServiceUnavailable,
					Code:       models.ErrCodeNoHealthyUpstream,
					RetryAfter: 5,
				},
			}
		}
		tried[entry.UpstreamURL] = true
		lastEntry = entry
		p.met.UpstreamSelected.WithLabelValues(model, entry.UpstreamURL).Inc()

		resp, err := p.forward(ctx, entry, endpoint, body)
		if err != nil {
			if ctx.Err() != nil {
				return nil, entry, &translated{
					status: 499,
					apiErr: models.APIError{Message: "request cancelled", Type: models.ErrTypeInvalidRequest},
				}
			}
			log.Warn().Err(err).Str("upstream", entry.UpstreamURL).Str("model", model).
				Int("attempt", attempt).Msg("upstream request failed")
			continue
		}
		if resp.StatusCode >= 400 {
			errBody, _ := io.ReadAll(io.LimitReader(resp.Body, errBodyLimit))
			resp.Body.Close()
			t := translateUpstream(entry.Engine, resp.StatusCode, errBody)
			if t.retryElsewhere && attempt == 0 {
				continue
			}
			return nil, entry, &t
		}
		return resp, entry, nil
	}
	return nil, lastEntry, &translated{
		status: http.StatusServiceUnavailable,
		apiErr: models.APIError{
			Message:    "no healthy upstream for model " + model,
			Type:       models.ErrTypeServiceUnavailable,
			Code:       models.ErrCodeNoHealthyUpstream,
			RetryAfter: 5,
		},
	}
}

// resolveFailure distinguishes unknown models from known-but-unavailable
// ones.
func (p *Proxy) resolveFailure(model string, modelRow *models.Model) *translated {
	if modelRow != nil {
		switch modelRow.State {
		case models.StateStarting, models.StateLoading:
			return &translated{
				status: http.StatusServiceUnavailable,
				apiErr: models.APIError{
					Message:    "model is still loading; retry with backoff",
					Type:       models.ErrTypeServiceUnavailable,
					Code:       models.ErrCodeModelLoading,
					RetryAfter: 5,
				},
			}
		}
	}
	if modelRow != nil || p.reg.HasName(model) {
		return &translated{
			status: http.StatusServiceUnavailable,
			apiErr: models.APIError{
				Message:    "no healthy upstream for model " + model,
				Type:       models.ErrTypeServiceUnavailable,
				Code:       models.ErrCodeNoHealthyUpstream,
				RetryAfter: 5,
			},
		}
	}
	return &translated{
		status: http.StatusNotFound,
		apiErr: models.APIError{
			Message: "model not found",
			Type:    models.ErrTypeInvalidRequest,
			Code:    models.ErrCodeModelNotFound,
		},
	}
}

func (p *Proxy) forward(ctx context.Context, entry models.RegistryEntry, endpoint string, body []byte) (*http.Response, error) {
	url := strings.TrimRight(entry.UpstreamURL, "/") + endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.secret != "" {
		req.Header.Set(internalSecretHeader, p.secret)
	}
	return p.client.Do(req)
}

// pipeStream copies the upstream SSE stream to the client verbatim,
// observing time to first byte and scraping token usage from chunks
// that carry it. Client disconnects cancel the upstream immediately via
// the shared context.
func (p *Proxy) pipeStream(ctx context.Context, w http.ResponseWriter, resp *http.Response, entry models.RegistryEntry) (*models.Usage, *int64, int) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	start := p.nowFn()

	// Idle watchdog: abort when the upstream goes silent mid-stream.
	var lastByte int64
	watchdogCtx, stopWatchdog := context.WithCancel(ctx)
	defer stopWatchdog()
	if p.streamIdleTimeout > 0 {
		lastByte = start.UnixNano()
		go func() {
			ticker := time.NewTicker(p.streamIdleTimeout / 4)
			defer ticker.Stop()
			for {
				select {
				case <-watchdogCtx.Done():
					return
				case <-ticker.C:
					last := time.Unix(0, atomic.LoadInt64(&lastByte))
					if p.nowFn().Sub(last) > p.streamIdleTimeout {
						resp.Body.Close()
						return
					}
				}
			}
		}()
	}

	var us *models.Usage
	var ttft *int64
	firstByte := false
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if !firstByte {
			firstByte = true
			ms := p.nowFn().Sub(start).Milliseconds()
			ttft = &ms
			p.met.TTFT.WithLabelValues(string(entry.Engine)).Observe(float64(ms) / 1000)
		}
		atomic.StoreInt64(&lastByte, p.nowFn().UnixNano())

		if data, ok := strings.CutPrefix(string(line), "data: "); ok && data != "[DONE]" {
			var chunk struct {
				Usage *models.Usage `json:"usage"`
			}
			if err := json.Unmarshal([]byte(data), &chunk); err == nil && chunk.Usage != nil {
				us = chunk.Usage
			}
		}

		if _, err := w.Write(append(line, '\n')); err != nil {
			// Client gone; the deferred cancel tears down the upstream.
			return us, ttft, http.StatusOK
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		log.Debug().Err(err).Str("upstream", entry.UpstreamURL).Msg("stream ended with error")
	}
	return us, ttft, http.StatusOK
}

func (p *Proxy) writeError(w http.ResponseWriter, status int, apiErr models.APIError) {
	if apiErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(apiErr.RetryAfter))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(models.ErrorEnvelope{Error: apiErr})
}

// clientSubject is the stream-gate and limiter key: API key id when
// authenticated, client address otherwise.
func clientSubject(p *auth.Principal, r *http.Request) string {
	if p != nil && p.Key != nil {
		return p.Key.ID
	}
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		host = h
	}
	return "ip:" + host
}
