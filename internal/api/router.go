// Package api assembles the HTTP surface of the gateway: the
// OpenAI-compatible inference routes, the admin API, and the
// operational endpoints.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cortexhub/cortex/internal/api/handlers"
	"github.com/cortexhub/cortex/internal/api/middleware"
	"github.com/cortexhub/cortex/internal/auth"
	"github.com/cortexhub/cortex/internal/config"
	"github.com/cortexhub/cortex/internal/metrics"
	"github.com/cortexhub/cortex/internal/proxy"
	"github.com/cortexhub/cortex/internal/ratelimit"
)

// Deps carries everything the router wires together.
type Deps struct {
	Cfg      *config.Config
	Met      *metrics.Metrics
	PromReg  *prometheus.Registry
	Auth     *auth.Authenticator
	Sessions *auth.SessionManager
	Limiter  *ratelimit.Limiter
	Proxy    *proxy.Proxy
	Handlers *handlers.Handlers

	// CORSOrigins is the effective allowlist after any runtime override.
	CORSOrigins []string
}

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Operational endpoints.
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(d.Cfg))
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(d.PromReg, promhttp.HandlerOpts{}))

	// Inference data plane.
	r.Route("/v1", func(r chi.Router) {
		// Status panel endpoint; intentionally unauthenticated.
		r.Get("/models/status", d.Proxy.ModelsStatus)

		r.Group(func(r chi.Router) {
			r.Use(middleware.KeyOrSession(d.Auth, d.Sessions, d.Met))
			r.Get("/models", d.Proxy.ListModels)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.KeyAuth(d.Auth, d.Met))
			r.Use(middleware.RateLimit(d.Limiter))
			r.Post("/chat/completions", d.Proxy.ChatCompletions)
			r.Post("/completions", d.Proxy.Completions)
			r.Post("/embeddings", d.Proxy.Embeddings)
		})
	})

	// Sessions.
	r.Post("/auth/login", d.Handlers.Login)
	r.Post("/auth/logout", d.Handlers.Logout)

	// Admin API.
	r.Route("/admin", func(r chi.Router) {
		// Self-service keys admit any session user.
		r.Route("/keys/me", func(r chi.Router) {
			r.Use(middleware.UserSession(d.Sessions))
			r.Get("/", d.Handlers.ListMyKeys)
			r.Post("/", d.Handlers.CreateMyKey)
			r.Post("/{keyID}/revoke", d.Handlers.RevokeMyKey)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.AdminSession(d.Sessions))

			r.Route("/orgs", func(r chi.Router) {
				r.Get("/", d.Handlers.ListOrgs)
				r.Post("/", d.Handlers.CreateOrg)
				r.Delete("/{orgID}", d.Handlers.DeleteOrg)
			})

			r.Route("/users", func(r chi.Router) {
				r.Get("/", d.Handlers.ListUsers)
				r.Post("/", d.Handlers.CreateUser)
				r.Put("/{userID}/role", d.Handlers.UpdateUserRole)
				r.Delete("/{userID}", d.Handlers.DeleteUser)
			})

			r.Route("/keys", func(r chi.Router) {
				r.Get("/", d.Handlers.ListKeys)
				r.Post("/", d.Handlers.CreateKey)
				r.Post("/{keyID}/revoke", d.Handlers.RevokeKey)
				r.Delete("/{keyID}", d.Handlers.DeleteKey)
			})

			r.Route("/models", func(r chi.Router) {
				r.Get("/", d.Handlers.ListModels)
				r.Post("/", d.Handlers.CreateModel)
				r.Route("/{modelID}", func(r chi.Router) {
					r.Get("/", d.Handlers.GetModel)
					r.Put("/", d.Handlers.UpdateModel)
					r.Delete("/", d.Handlers.DeleteModel)
					r.Post("/start", d.Handlers.StartModel)
					r.Post("/stop", d.Handlers.StopModel)
					r.Post("/test", d.Handlers.TestModel)
					r.Get("/logs", d.Handlers.ModelLogs)
					r.Post("/dry-run", d.Handlers.DryRunModel)
				})
			})

			r.Route("/usage", func(r chi.Router) {
				r.Get("/", d.Handlers.QueryUsage)
				r.Get("/export", d.Handlers.ExportUsage)
			})

			r.Route("/deployment", func(r chi.Router) {
				r.Post("/export", d.Handlers.StartExport)
				r.Post("/import-db", d.Handlers.StartImportDB)
				r.Post("/import-model", d.Handlers.StartImportModel)
				r.Post("/load-images", d.Handlers.LoadImages)
				r.Post("/cancel", d.Handlers.CancelDeployment)
				r.Get("/status", d.Handlers.DeploymentStatus)
				r.Get("/model-manifests", d.Handlers.ModelManifests)
			})

			r.Route("/config", func(r chi.Router) {
				r.Get("/", d.Handlers.ListConfig)
				r.Get("/{key}", d.Handlers.GetConfig)
				r.Put("/{key}", d.Handlers.SetConfig)
			})
		})
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "cortex-gateway",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
		})
	}
}
