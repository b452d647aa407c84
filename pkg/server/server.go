// Package server provides the public entry point for composing the
// Form-Bridge server: ports, bus subscriptions, connectors, and the HTTP
// surface.
//
// It lives in pkg/ (not internal/) so hosted deployments can import it and
// swap the managed-service implementations in behind the same ports:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(cfg.HTTP.ListenAddr, srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/formbridge/formbridge/internal/api"
	"github.com/formbridge/formbridge/internal/api/handlers"
	"github.com/formbridge/formbridge/internal/api/middleware"
	"github.com/formbridge/formbridge/internal/auth"
	"github.com/formbridge/formbridge/internal/bus"
	"github.com/formbridge/formbridge/internal/config"
	"github.com/formbridge/formbridge/internal/connector"
	"github.com/formbridge/formbridge/internal/deliver"
	"github.com/formbridge/formbridge/internal/persist"
	"github.com/formbridge/formbridge/internal/ratelimit"
	"github.com/formbridge/formbridge/internal/retention"
	"github.com/formbridge/formbridge/internal/secrets"
	"github.com/formbridge/formbridge/internal/store"
	"github.com/formbridge/formbridge/internal/telemetry"
	"github.com/formbridge/formbridge/pkg/models"
)

// Server holds the initialized Form-Bridge pipeline.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the submission store behind the SubmissionStore port.
	Store store.Store

	// Secrets is the seedable secret store backing the SecretStore port.
	Secrets *secrets.StaticStore

	// Sessions is the seedable dashboard session verifier.
	Sessions *auth.StaticVerifier

	// Bus is the event bus carrying the pipeline topics.
	Bus *bus.InProcBus

	// Config is the loaded process configuration.
	Config *config.Config

	// ShutdownFunc drains the pipeline: stop the bus, the janitor, and
	// flush telemetry.
	ShutdownFunc func(context.Context) error
}

// New initializes the server from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the server with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	telemetryShutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	// Submission store
	var dataStore store.Store
	switch cfg.Store.Driver {
	case "bolt":
		if err := os.MkdirAll(cfg.Store.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		dataStore, err = store.NewBoltStore(cfg.Store.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open bolt store: %w", err)
		}
		log.Info().Str("data_dir", cfg.Store.DataDir).Msg("Bolt store initialized")
	case "memory", "":
		dataStore = store.NewMemoryStore()
		log.Info().Msg("In-memory store initialized")
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	// Secrets: static store seeded from env, wrapped in the TTL cache.
	staticSecrets := secrets.NewStaticStore()
	seedSecrets(staticSecrets)
	secretStore := secrets.NewCachedStore(staticSecrets, cfg.SecretStore.CacheTTL)

	// Connectors
	registry := connector.NewRegistry()
	registry.Register(connector.NewREST())
	registry.Register(connector.NewEmail())

	limiter := ratelimit.New(dataStore)

	// Event bus and subscriptions
	eventBus := bus.NewInProcBus()

	persister := persist.New(dataStore)
	eventBus.Subscribe(bus.TopicSubmissionReceived, "persister", persister.HandleEvent, bus.Policy{
		MaxAttempts: 8,
		BaseDelay:   time.Second,
		MaxDelay:    60 * time.Second,
		MaxEventAge: cfg.Retry.MaxEventAge,
		DLQTopic:    bus.TopicPersistDLQ,
		Concurrency: cfg.Persister.MaxConcurrentEvents,
	})

	defaultRetry := models.RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
		MaxEventAge: cfg.Retry.MaxEventAge,
	}
	orchestrator := deliver.New(dataStore, secretStore, eventBus, registry, limiter, deliver.Options{
		PerSubmissionFanout: cfg.Orchestrator.PerSubmissionFanout,
		PerTenantCap:        cfg.Orchestrator.PerTenantCap,
		DefaultRetry:        defaultRetry,
	})
	eventBus.Subscribe(bus.TopicSubmissionReceived, "orchestrator", orchestrator.HandleEvent, bus.Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    60 * time.Second,
		MaxEventAge: cfg.Retry.MaxEventAge,
		DLQTopic:    bus.TopicDeliverDLQ,
		Concurrency: cfg.Orchestrator.MaxConcurrentEvents,
	})

	eventBus.Subscribe(bus.TopicPersistDLQ, "persist-dlq", deliver.DLQHandler(dataStore, bus.TopicPersistDLQ), bus.Policy{Concurrency: 1})
	eventBus.Subscribe(bus.TopicDeliverDLQ, "deliver-dlq", deliver.DLQHandler(dataStore, bus.TopicDeliverDLQ), bus.Policy{Concurrency: 1})

	eventBus.Start()

	// Retention janitor
	janitorCtx, cancelJanitor := context.WithCancel(context.Background())
	go retention.NewJanitor(dataStore, cfg.Retention.Interval).Start(janitorCtx)

	// HTTP surface
	hmacAuth := middleware.NewHMACAuth(secretStore, dataStore, cfg.Auth.ReplayWindow, int64(cfg.Ingest.MaxPayloadBytes))
	sessions := auth.NewStaticVerifier(dataStore)
	seedSessions(sessions)
	cursors := handlers.NewCursorCodec(cfg.Query.CursorSecret)
	h := handlers.New(dataStore, eventBus, limiter, cursors, cfg)
	router := api.NewRouter(cfg, h, hmacAuth, auth.NewChain(sessions))

	shutdown := func(ctx context.Context) error {
		cancelJanitor()
		if err := eventBus.Close(); err != nil {
			log.Warn().Err(err).Msg("Bus close failed")
		}
		return telemetryShutdown(ctx)
	}

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Secrets:      staticSecrets,
		Sessions:     sessions,
		Bus:          eventBus,
		Config:       cfg,
		ShutdownFunc: shutdown,
	}, nil
}

// seedSecrets loads tenant HMAC secrets and destination credentials from the
// environment:
//
//	FORMBRIDGE_TENANT_SECRETS="t_a=s3cret,t_b=other"
//	FORMBRIDGE_CREDENTIALS="crm-key=abc123"
func seedSecrets(s *secrets.StaticStore) {
	for tenant, secret := range parsePairs(os.Getenv("FORMBRIDGE_TENANT_SECRETS")) {
		s.SetTenantSecret(tenant, []byte(secret))
	}
	for ref, value := range parsePairs(os.Getenv("FORMBRIDGE_CREDENTIALS")) {
		s.SetCredential(ref, []byte(value))
	}
}

// seedSessions loads dashboard session tokens from
// FORMBRIDGE_SESSION_TOKENS="token=tenant_id,...".
func seedSessions(v *auth.StaticVerifier) {
	for token, tenant := range parsePairs(os.Getenv("FORMBRIDGE_SESSION_TOKENS")) {
		v.AddToken(token, tenant)
	}
}

func parsePairs(raw string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if ok && key != "" {
			out[key] = value
		}
	}
	return out
}
