package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cortexhub/cortex/internal/metrics"
	"github.com/cortexhub/cortex/pkg/models"
)

// Poller probes every registry entry on a fixed interval and feeds the
// outcomes back into the registry. Static and managed entries are
// treated identically.
type Poller struct {
	reg      *Registry
	client   *http.Client
	interval time.Duration
	timeout  time.Duration
	met      *metrics.Metrics
}

func NewPoller(reg *Registry, interval, probeTimeout time.Duration, met *metrics.Metrics) *Poller {
	return &Poller{
		reg:      reg,
		client:   &http.Client{Timeout: probeTimeout},
		interval: interval,
		timeout:  probeTimeout,
		met:      met,
	}
}

// Run polls until the context is cancelled. Probe errors never stop the
// loop.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// Sweep probes all current entries concurrently and waits for the round
// to finish.
func (p *Poller) Sweep(ctx context.Context) {
	entries := p.reg.Snapshot()
	var wg sync.WaitGroup
	for _, e := range entries {
		if !p.reg.BreakerAllows(e.ServedName, e.UpstreamURL) {
			continue
		}
		wg.Add(1)
		go func(e models.RegistryEntry) {
			defer wg.Done()
			ok := p.probe(ctx, e)
			p.reg.ReportProbe(e.ServedName, e.UpstreamURL, ok)
			if ok {
				p.met.HealthProbes.WithLabelValues("ok").Inc()
			} else {
				p.met.HealthProbes.WithLabelValues("fail").Inc()
			}
		}(e)
	}
	wg.Wait()
}

// probe checks liveness then readiness. Readiness requires the served
// model list to contain the entry's name.
func (p *Poller) probe(ctx context.Context, e models.RegistryEntry) bool {
	base := strings.TrimRight(e.UpstreamURL, "/")

	if !p.get(ctx, base+"/health", nil) {
		return false
	}

	var list models.ModelList
	if !p.get(ctx, base+"/v1/models", &list) {
		return false
	}
	for _, m := range list.Data {
		if m.ID == e.ServedName {
			return true
		}
	}
	log.Debug().Str("served_model_name", e.ServedName).Str("upstream", e.UpstreamURL).
		Msg("upstream live but model not served")
	return false
}

func (p *Poller) get(ctx context.Context, url string, out interface{}) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return false
		}
	}
	return true
}
