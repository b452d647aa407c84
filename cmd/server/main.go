// Form-Bridge server.
//
// Multi-tenant form-submission ingestion and fan-out: signed submissions come
// in over POST /ingest, get persisted with tenant isolation, and are
// delivered asynchronously to each tenant's configured destinations with
// retries, idempotency, and a full audit trail of attempts.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/formbridge/formbridge/internal/config"
	"github.com/formbridge/formbridge/pkg/server"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg := config.Load()
	if level, err := zerolog.ParseLevel(cfg.Log.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	log.Info().Msg("Form-Bridge starting...")

	ctx := context.Background()
	srv, err := server.NewWithConfig(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize server")
	}
	defer srv.Store.Close()

	httpServer := &http.Server{
		Addr:         cfg.HTTP.ListenAddr,
		Handler:      srv.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown: stop accepting requests, drain in-flight work, then
	// let the bus drop what it couldn't finish (redelivered on restart for
	// durable bus implementations).
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.GracefulShutdownTimeout)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
		srv.ShutdownFunc(shutdownCtx)
	}()

	log.Info().
		Str("addr", cfg.HTTP.ListenAddr).
		Str("store", cfg.Store.Driver).
		Msg("Form-Bridge is accepting submissions")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server failed")
	}
}
