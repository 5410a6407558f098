package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/mrmushfiq/codeassist-gateway/internal/gateway/capabilities"
	"github.com/mrmushfiq/codeassist-gateway/internal/gateway/fallback"
	"github.com/mrmushfiq/codeassist-gateway/internal/gateway/handlers"
	"github.com/mrmushfiq/codeassist-gateway/internal/gateway/providers"
	"github.com/mrmushfiq/codeassist-gateway/internal/gateway/tokens"
	"github.com/mrmushfiq/codeassist-gateway/internal/shared/config"
	"github.com/mrmushfiq/codeassist-gateway/internal/shared/database"
	"github.com/mrmushfiq/codeassist-gateway/internal/shared/kvstore"
	"github.com/mrmushfiq/codeassist-gateway/internal/shared/logging"
	"github.com/mrmushfiq/codeassist-gateway/internal/shared/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogFile); err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}

	log.WithFields(log.Fields{"port": cfg.Port, "env": cfg.Env}).Info("Starting Code Assist gateway")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Init(ctx, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}

	// Shared KV store for the token cache and cooldown keys
	var store kvstore.Store
	if cfg.RedisURL != "" {
		redisStore, err := kvstore.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisStore.Close()
		store = redisStore
		log.Info("✓ Connected to Redis")
	} else {
		store = kvstore.NewMemory()
		log.Warn("REDIS_URL not set, using in-process store; cooldowns and tokens are not shared across instances")
	}

	// Optional request audit log
	var audit handlers.RequestLogger
	if cfg.DatabaseURL != "" {
		db, err := database.New(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		if err := db.EnsureSchema(ctx); err != nil {
			log.Fatalf("Failed to prepare audit schema: %v", err)
		}
		audit = db
		log.Info("✓ Connected to PostgreSQL")
	}

	caps := capabilities.Default()
	if cfg.CapabilitiesFile != "" {
		caps, err = capabilities.LoadFile(cfg.CapabilitiesFile)
		if err != nil {
			log.Fatalf("Failed to load capabilities: %v", err)
		}
		go func() {
			if err := capabilities.Watch(ctx, cfg.CapabilitiesFile, caps); err != nil {
				log.WithError(err).Warn("capabilities hot reload disabled")
			}
		}()
	}

	tokenCache := tokens.New(store, tokens.Options{
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthClientSecret,
		RefreshToken: cfg.RefreshToken,
		TokenURL:     cfg.TokenURL,
	})
	if cfg.RefreshToken == "" {
		log.Warn("no refresh credential configured, chat requests will fail with 401")
	}

	client := providers.NewClient(tokenCache, providers.ClientOptions{
		Endpoint:      cfg.CodeAssistEndpoint,
		APIVersion:    cfg.CodeAssistAPIVersion,
		HeaderTimeout: cfg.UpstreamHeaderTimeout,
	})
	engine := fallback.New(store, cfg.PersonalProjectID)
	if !cfg.HasPersonalIdentity() {
		log.Warn("PERSONAL_PROJECT_ID not set, routing aliases will never fall back")
	}
	manager := providers.NewManager(client, engine)
	log.Info("✓ Initialized Code Assist client")

	chatHandler := handlers.NewChatHandler(manager, caps, audit, handlers.Defaults{
		IncludeReasoning: cfg.IncludeReasoning,
		ShowReasoning:    cfg.ShowReasoning,
		CleanContext:     cfg.CleanContext,
	})
	middleware := handlers.NewMiddleware(cfg.GatewayAPIKey)

	r := chi.NewRouter()

	// Streams can run for minutes, so there is no request timeout here.
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORSMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware)

		r.Post("/v1/chat/completions", chatHandler.HandleChatCompletion)
		r.Post("/chat/completions", chatHandler.HandleChatCompletion)
		r.Get("/v1/models", handlers.ModelsHandler(caps))
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Infof("🚀 Server listening on http://localhost:%s", cfg.Port)
		log.Info("   POST /v1/chat/completions - Chat completions (OpenAI-compatible)")
		log.Info("   GET  /v1/models           - Model list")
		log.Info("   GET  /health              - Health check")
		log.Info("   GET  /metrics             - Prometheus metrics")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down gracefully...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Server shutdown error")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.WithError(err).Warn("Tracing shutdown error")
	}

	log.Info("Server stopped")
}
