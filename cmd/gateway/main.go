// Command gateway runs the HTTP API and the pool-processing scheduler.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	app "github.com/R3E-Network/poolflow/internal/app"
	"github.com/R3E-Network/poolflow/internal/app/httpapi"
	"github.com/R3E-Network/poolflow/internal/app/services/pipeline"
	"github.com/R3E-Network/poolflow/internal/app/storage/postgres"
	"github.com/R3E-Network/poolflow/internal/config"
	"github.com/R3E-Network/poolflow/pkg/logger"
)

func main() {
	_ = godotenv.Load()

	log := logger.NewDefault("gateway")

	cfg, err := config.FromEnv()
	if err != nil {
		log.WithError(err).Error("invalid configuration")
		os.Exit(1)
	}
	if cfg.JWTSecret == "" {
		log.Warn("JWT_SECRET not set; using an ephemeral development secret")
		cfg.JWTSecret = devSecret()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, closeStores, err := buildStores(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Error("storage initialisation failed")
		os.Exit(1)
	}
	defer closeStores()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	application, err := app.New(stores, app.Options{
		Pipeline: pipeline.Config{
			MaxMembers: cfg.PoolMaxMembers,
			MaxAge:     cfg.PoolMaxAge,
			Staleness:  cfg.StalenessThreshold,
			Workers:    cfg.Workers,
		},
		TickInterval: cfg.TickInterval,
		TokenTTL:     cfg.TokenTTL,
		Registry:     registry,
	}, log)
	if err != nil {
		log.WithError(err).Error("application initialisation failed")
		os.Exit(1)
	}

	if err := application.Start(ctx); err != nil {
		log.WithError(err).Error("service startup failed")
		os.Exit(1)
	}

	router := buildRouter(application, cfg, registry, log)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("gateway listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		log.WithError(err).Error("http server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("service shutdown incomplete")
	}
	log.Info("gateway stopped")
}

// buildStores opens postgres when DATABASE_URL is set, otherwise every
// service shares the in-memory store.
func buildStores(ctx context.Context, cfg config.Config, log *logger.Logger) (app.Stores, func(), error) {
	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL not set; using in-memory storage")
		return app.Stores{}, func() {}, nil
	}

	db, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return app.Stores{}, nil, err
	}
	if err := db.EnsureSchema(ctx); err != nil {
		db.Close()
		return app.Stores{}, nil, err
	}
	log.Info("connected to postgres")

	return app.Stores{
		Orders:   db,
		Pools:    db,
		Results:  db,
		Tokens:   db,
		Users:    db,
		RunLocks: db,
	}, func() { db.Close() }, nil
}

func buildRouter(application *app.Application, cfg config.Config, registry *prometheus.Registry, log *logger.Logger) http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/", healthHandler(application)).Methods(http.MethodGet)
	router.HandleFunc("/health", healthHandler(application)).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	auth := newAuthHandlers(application.Users, cfg.JWTSecret, log)
	router.HandleFunc("/api/auth/register", auth.register).Methods(http.MethodPost)
	router.HandleFunc("/api/auth/login", auth.login).Methods(http.MethodPost)

	api := router.PathPrefix("/api").Subrouter()
	httpapi.Register(api, application)

	handler := authMiddleware(cfg.JWTSecret, log)(router)
	handler = rateLimitMiddleware(cfg.RateLimitRPS, cfg.RateLimitBurst)(handler)
	handler = corsMiddleware(cfg.AllowedOrigins)(handler)
	return handler
}

func healthHandler(application *app.Application) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status": "ok",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}
