// Cortex — self-hosted OpenAI-compatible inference gateway.
//
// This is the main entry point for the Cortex gateway server. It provides:
//   - OpenAI-compatible inference routes (/v1/chat/completions, /v1/completions, /v1/embeddings)
//   - Model lifecycle management over Docker (vLLM and llama.cpp engines)
//   - API key auth with scopes, rate limiting, and usage metering
//   - Admin API for orgs, users, keys, models, usage, and deployment bundles

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cortexhub/cortex/pkg/server"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	log.Info().Msg("Cortex gateway starting...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := server.New(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize server")
	}

	httpServer := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", srv.Host, srv.Port),
		Handler:     srv.Handler,
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: SSE streams stay open for as long as the
		// upstream generates tokens. The proxy enforces its own idle
		// timeout per stream.
		IdleTimeout: 120 * time.Second,
	}

	// Background loops: health poller, container watcher, usage meter,
	// session janitor.
	go func() {
		if err := srv.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Background runner stopped")
		}
	}()

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("Shutting down gracefully...")
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancelShutdown()
		httpServer.Shutdown(shutdownCtx)
		cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().
		Str("host", srv.Host).
		Int("port", srv.Port).
		Msg("Cortex is ready")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server failed")
	}
}
