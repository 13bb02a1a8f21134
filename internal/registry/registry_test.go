package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cortexhub/cortex/internal/metrics"
	"github.com/cortexhub/cortex/pkg/models"
)

func healthyEntry(name, url string) models.RegistryEntry {
	return models.RegistryEntry{
		ServedName:  name,
		UpstreamURL: url,
		Task:        models.TaskGenerate,
		Engine:      models.EngineVLLM,
		Health:      models.UpstreamHealth{OK: true, LastCheckAt: time.Now()},
	}
}

func TestResolveUnknownName(t *testing.T) {
	r := New(3, time.Minute, 0)
	if _, err := r.Resolve("nope", ""); err != ErrNoHealthyUpstream {
		t.Fatalf("err = %v, want ErrNoHealthyUpstream", err)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	r := New(3, time.Minute, 0)
	r.Register(healthyEntry("m", "http://u1:8000"))
	r.Register(healthyEntry("m", "http://u2:8000"))

	// Two failures: still in rotation.
	r.ReportProbe("m", "http://u1:8000", false)
	r.ReportProbe("m", "http://u1:8000", false)
	seen := map[string]bool{}
	for i := 0; i < 8; i++ {
		e, err := r.Resolve("m", models.TaskGenerate)
		if err != nil {
			t.Fatal(err)
		}
		seen[e.UpstreamURL] = true
	}
	if !seen["http://u1:8000"] || !seen["http://u2:8000"] {
		t.Fatalf("both upstreams should rotate before the breaker trips, got %v", seen)
	}

	// Third consecutive failure trips the breaker.
	r.ReportProbe("m", "http://u1:8000", false)
	for i := 0; i < 8; i++ {
		e, err := r.Resolve("m", models.TaskGenerate)
		if err != nil {
			t.Fatal(err)
		}
		if e.UpstreamURL != "http://u2:8000" {
			t.Fatalf("resolved %s while u1's breaker is open", e.UpstreamURL)
		}
	}
	if r.BreakerAllows("m", "http://u1:8000") {
		t.Fatal("open breaker should block probes until cooldown")
	}
}

func TestBreakerRecoversAfterCooldown(t *testing.T) {
	r := New(2, 30*time.Millisecond, 0)
	r.Register(healthyEntry("m", "http://u1:8000"))

	r.ReportProbe("m", "http://u1:8000", false)
	r.ReportProbe("m", "http://u1:8000", false)
	if _, err := r.Resolve("m", ""); err != ErrNoHealthyUpstream {
		t.Fatalf("err = %v, want ErrNoHealthyUpstream while open", err)
	}

	time.Sleep(50 * time.Millisecond)
	if !r.BreakerAllows("m", "http://u1:8000") {
		t.Fatal("half-open breaker should permit a probe after cooldown")
	}
	r.ReportProbe("m", "http://u1:8000", true)
	e, err := r.Resolve("m", "")
	if err != nil {
		t.Fatalf("resolve after recovery: %v", err)
	}
	if e.Health.BreakerState != models.BreakerClosed {
		t.Fatalf("breaker state = %s, want closed", e.Health.BreakerState)
	}
}

func TestFreshnessTTL(t *testing.T) {
	r := New(3, time.Minute, 10*time.Second)
	e := healthyEntry("m", "http://u1:8000")

	now := time.Now()
	r.nowFn = func() time.Time { return now }
	e.Health.LastCheckAt = now
	r.Register(e)

	if _, err := r.Resolve("m", ""); err != nil {
		t.Fatalf("fresh entry: %v", err)
	}
	now = now.Add(11 * time.Second)
	if _, err := r.Resolve("m", ""); err != ErrNoHealthyUpstream {
		t.Fatalf("stale entry resolved: err = %v", err)
	}
}

func TestSelectionPrefersLeastRecentlyUsed(t *testing.T) {
	r := New(3, time.Minute, 0)
	r.Register(healthyEntry("m", "http://u1:8000"))
	r.Register(healthyEntry("m", "http://u2:8000"))

	now := time.Now()
	r.nowFn = func() time.Time { now = now.Add(time.Millisecond); return now }

	first, _ := r.Resolve("m", "")
	second, _ := r.Resolve("m", "")
	if first.UpstreamURL == second.UpstreamURL {
		t.Fatalf("LRU selection repeated %s", first.UpstreamURL)
	}
	third, _ := r.Resolve("m", "")
	if third.UpstreamURL != first.UpstreamURL {
		t.Fatalf("expected rotation back to %s, got %s", first.UpstreamURL, third.UpstreamURL)
	}
}

func TestDeregisterRemovesManagedEntries(t *testing.T) {
	r := New(3, time.Minute, 0)
	e := healthyEntry("m", "http://u1:8000")
	e.ModelID = 42
	r.Register(e)
	r.Register(healthyEntry("other", "http://u2:8000"))

	r.Deregister(42)
	if _, err := r.Resolve("m", ""); err != ErrNoHealthyUpstream {
		t.Fatalf("deregistered entry still resolvable: %v", err)
	}
	if len(r.Snapshot()) != 1 {
		t.Fatalf("snapshot len = %d, want 1", len(r.Snapshot()))
	}
}

func fakeUpstream(t *testing.T, servedName string, healthOK *atomic.Bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		if !healthOK.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(models.ModelList{
			Object: "list",
			Data:   []models.ModelInfo{{ID: servedName, Object: "model"}},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestPollerSweep(t *testing.T) {
	var up, down atomic.Bool
	up.Store(true)
	down.Store(false)
	good := fakeUpstream(t, "m", &up)
	bad := fakeUpstream(t, "m", &down)

	r := New(1, time.Minute, 0)
	r.Register(healthyEntry("m", good.URL))
	r.Register(healthyEntry("m", bad.URL))

	p := NewPoller(r, time.Second, time.Second, metrics.New(prometheus.NewRegistry()))
	p.Sweep(context.Background())

	for i := 0; i < 4; i++ {
		e, err := r.Resolve("m", "")
		if err != nil {
			t.Fatal(err)
		}
		if e.UpstreamURL != good.URL {
			t.Fatalf("resolved failed upstream %s", e.UpstreamURL)
		}
	}
}

func TestPollerReadinessRequiresServedName(t *testing.T) {
	var up atomic.Bool
	up.Store(true)
	srv := fakeUpstream(t, "something-else", &up)

	r := New(1, time.Minute, 0)
	r.Register(healthyEntry("m", srv.URL))

	p := NewPoller(r, time.Second, time.Second, metrics.New(prometheus.NewRegistry()))
	p.Sweep(context.Background())

	if _, err := r.Resolve("m", ""); err != ErrNoHealthyUpstream {
		t.Fatalf("live upstream without the served name resolved: %v", err)
	}
}
