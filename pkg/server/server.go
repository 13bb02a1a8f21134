// Package server wires the gateway together: store, limiter, registry,
// lifecycle controller, proxy, and the HTTP router. It is the single
// composition root used by cmd/server.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/cortexhub/cortex/internal/api"
	"github.com/cortexhub/cortex/internal/api/handlers"
	"github.com/cortexhub/cortex/internal/auth"
	"github.com/cortexhub/cortex/internal/config"
	"github.com/cortexhub/cortex/internal/deploy"
	"github.com/cortexhub/cortex/internal/lifecycle"
	"github.com/cortexhub/cortex/internal/metrics"
	"github.com/cortexhub/cortex/internal/proxy"
	"github.com/cortexhub/cortex/internal/ratelimit"
	"github.com/cortexhub/cortex/internal/registry"
	"github.com/cortexhub/cortex/internal/store"
	"github.com/cortexhub/cortex/internal/telemetry"
	"github.com/cortexhub/cortex/internal/usage"
	"github.com/cortexhub/cortex/pkg/models"
)

// sessionJanitorInterval is how often expired admin sessions are pruned.
const sessionJanitorInterval = 10 * time.Minute

// Server is the initialized gateway.
type Server struct {
	Handler http.Handler
	Store   store.Store
	Host    string
	Port    int

	poller     *registry.Poller
	controller *lifecycle.Controller
	meter      *usage.Meter
	sessions   *auth.SessionManager

	shutdownTelemetry func(context.Context) error
}

// New initializes every gateway component from environment config.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the gateway with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	met := metrics.New(promReg)

	rdb, err := openRedis(cfg)
	if err != nil {
		return nil, err
	}
	limiter := ratelimit.NewLimiter(rdb, ratelimit.Policy{
		RPS:    cfg.Limits.RPS,
		Burst:  cfg.Limits.Burst,
		Window: time.Duration(cfg.Limits.WindowSec) * time.Second,
	}, cfg.Limits.FailOpen, met)
	gate := ratelimit.NewStreamGate(cfg.Limits.MaxConcurrentStreams, met)

	reg := registry.New(cfg.Health.BreakerThreshold, cfg.Health.BreakerCooldown, cfg.Health.FreshnessTTL)
	poller := registry.NewPoller(reg, cfg.Health.Interval, cfg.Health.ProbeTimeout, met)

	rt, err := lifecycle.NewDockerRuntime()
	if err != nil {
		return nil, fmt.Errorf("connect container runtime: %w", err)
	}
	ctl := lifecycle.NewController(st, rt, reg, met, cfg.Engine, cfg.Auth.InternalSecret)
	if err := reseedRegistry(ctx, st, reg); err != nil {
		return nil, err
	}

	meter := usage.NewMeter(st, met)
	px := proxy.New(st, reg, gate, met, meter, cfg.Auth.InternalSecret,
		cfg.MaxBodyBytes, cfg.RequestTimeout, cfg.StreamIdleTimeout)

	authn := auth.NewAuthenticator(st, cfg.Auth.TrustedProxies, cfg.Auth.LastUsedInterval)
	authn.DevBypass = cfg.Auth.DevBypass
	sessions := auth.NewSessionManager(st, cfg.Auth.SessionTTL)
	if err := auth.Bootstrap(ctx, st, cfg.Auth.BootstrapUser, cfg.Auth.BootstrapPassword); err != nil {
		return nil, fmt.Errorf("bootstrap admin: %w", err)
	}

	depMgr := deploy.NewManager(st, rt, cfg.Engine, cfg.Deploy)
	jobs := deploy.NewRunner(st)

	h := handlers.New(st, sessions, ctl, meter, depMgr, jobs, cfg.Version)
	router := api.NewRouter(api.Deps{
		Cfg:         cfg,
		Met:         met,
		PromReg:     promReg,
		Auth:        authn,
		Sessions:    sessions,
		Limiter:     limiter,
		Proxy:       px,
		Handlers:    h,
		CORSOrigins: corsOrigins(ctx, st, cfg),
	})

	return &Server{
		Handler:           router,
		Store:             st,
		Host:              cfg.Host,
		Port:              cfg.Port,
		poller:            poller,
		controller:        ctl,
		meter:             meter,
		sessions:          sessions,
		shutdownTelemetry: shutdown,
	}, nil
}

// Run drives the background loops until ctx is cancelled, then waits
// for the usage meter's final flush.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { s.poller.Run(ctx); return nil })
	g.Go(func() error { s.controller.WatchContainers(ctx); return nil })
	g.Go(func() error { s.meter.Run(ctx); return nil })
	g.Go(func() error { s.sessions.Janitor(ctx, sessionJanitorInterval); return nil })
	err := g.Wait()
	s.meter.Wait()
	return err
}

// Shutdown flushes telemetry and closes the store.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.shutdownTelemetry(ctx); err != nil {
		log.Warn().Err(err).Msg("telemetry shutdown")
	}
	return s.Store.Close()
}

// openStore connects to Postgres, or falls back to the in-memory store
// for the zero-config "memory://" URL.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if strings.HasPrefix(cfg.Database.URL, "memory://") {
		log.Warn().Msg("using in-memory store; data will not survive a restart")
		return store.NewMemoryStore(), nil
	}
	st, err := store.NewPostgresStore(ctx, cfg.Database.URL, cfg.Database.MaxConnections)
	if err != nil {
		return nil, fmt.Errorf("connect store: %w", err)
	}
	log.Info().Msg("postgres store initialized")
	return st, nil
}

func openRedis(cfg *config.Config) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// reseedRegistry re-registers models persisted as running. Their
// containers run independently of the gateway process; the health
// poller reconciles stale entries and the container watcher demotes
// models whose containers died.
func reseedRegistry(ctx context.Context, st store.Store, reg *registry.Registry) error {
	list, err := st.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	for _, m := range list {
		if m.State != models.StateRunning || m.HostPort == 0 {
			continue
		}
		reg.Register(models.RegistryEntry{
			ServedName:  m.ServedModelName,
			ModelID:     m.ID,
			UpstreamURL: fmt.Sprintf("http://127.0.0.1:%d", m.HostPort),
			Task:        m.Task,
			Engine:      m.Engine,
			Health: models.UpstreamHealth{
				OK:          true,
				LastCheckAt: time.Now().UTC(),
			},
		})
		log.Info().Str("served_name", m.ServedModelName).Int("port", m.HostPort).
			Msg("re-registered running model")
	}
	return nil
}

// corsOrigins resolves the effective CORS allowlist: the config value,
// unless a "cors_origins" runtime override exists.
func corsOrigins(ctx context.Context, st store.Store, cfg *config.Config) []string {
	kv, err := st.GetConfigKV(ctx, "cors_origins")
	if err != nil || kv == nil {
		return cfg.CORSOrigins
	}
	var origins []string
	if err := json.Unmarshal(kv.Value, &origins); err != nil || len(origins) == 0 {
		log.Warn().Msg("ignoring malformed cors_origins override")
		return cfg.CORSOrigins
	}
	return origins
}
