package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"instareply/internal/config"
	"instareply/internal/graph"
	"instareply/internal/handlers"
	"instareply/internal/logging"
	"instareply/internal/middleware"
	"instareply/internal/pipeline"
	"instareply/internal/storage"
	"instareply/internal/trigger"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxInFlightPayloads = 8

func openStore(cfg *config.Config) storage.Store {
	for {
		store, err := storage.Open(cfg.DatabaseURL)
		if err != nil {
			slog.Error("Failed to open store, retrying in 30s", "error", err)
			time.Sleep(30 * time.Second)
			continue
		}
		return store
	}
}

func main() {
	cfg := config.Load()
	logging.SetupLogger(cfg.LogLevel, cfg.LogFormat)

	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting instareply",
		slog.String("environment", cfg.Environment),
		slog.Bool("postgres", cfg.UsesPostgres()),
		slog.Bool("signature_verification", cfg.AppSecret != ""),
	)
	if cfg.AppSecret == "" {
		slog.Warn("APP_SECRET is not set; webhook signatures will not be verified")
	}
	if cfg.PageAccessToken == "" {
		slog.Warn("PAGE_ACCESS_TOKEN is not set; outbound sends will fail fast")
	}

	store := openStore(cfg)
	defer store.Close()

	graphClient := graph.New(graph.Config{
		BaseURL:     cfg.GraphBaseURL,
		APIVersion:  cfg.GraphAPIVersion,
		AccessToken: cfg.PageAccessToken,
		BusinessID:  cfg.IGBusinessID,
	})

	processor := pipeline.NewProcessor(store, graphClient,
		trigger.Options{MatchEmptyAny: cfg.MatchEmptyAny}, maxInFlightPayloads)

	webhookHandler := handlers.NewWebhookHandler(cfg.VerifyToken, cfg.AppSecret, processor)
	adminHandler := handlers.NewAdminHandler(store, processor)

	router := mux.NewRouter()
	router.Use(middleware.LoggingMiddleware)
	router.Use(middleware.MetricsMiddleware)

	// Webhook routes with rate limiting
	webhookRouter := router.PathPrefix("/webhook").Subrouter()
	webhookRouter.Use(middleware.WebhookRateLimitMiddleware())
	webhookRouter.HandleFunc("", webhookHandler.HandleVerify).Methods("GET", "HEAD")
	webhookRouter.HandleFunc("", webhookHandler.HandleDelivery).Methods("POST")

	// Admin routes with rate limiting and basic auth
	adminRouter := router.PathPrefix("/admin").Subrouter()
	adminRouter.Use(middleware.APIRateLimitMiddleware())
	adminRouter.Use(middleware.BasicAuthMiddleware(cfg.AdminUser, cfg.AdminPass))
	adminHandler.Register(adminRouter)

	router.HandleFunc("/debug/last_webhook", webhookHandler.HandleLastPayload).Methods("GET")

	// System routes
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	router.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if _, err := store.ListThreads(ctx); err != nil {
			slog.Error("Readiness check failed", "error", err)
			http.Error(w, "Not Ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Ready"))
	}).Methods("GET")

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("Server starting", slog.String("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Server shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	// Drain in-flight webhook payloads before closing the store.
	processor.Wait()

	slog.Info("Server exited gracefully")
}
