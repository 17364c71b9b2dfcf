package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	"github.com/spf13/cobra"

	"github.com/frahmantamala/member-payments/api"
	"github.com/frahmantamala/member-payments/internal/intent"
	"github.com/frahmantamala/member-payments/internal/transport"
	"github.com/frahmantamala/member-payments/internal/transport/middleware"
	"github.com/frahmantamala/member-payments/internal/transport/rest"
	"github.com/frahmantamala/member-payments/internal/webhook"
)

var httpServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start HTTP server",
	Long:  `Start the HTTP server for intent and gateway webhook requests. The sweeper runs alongside it unless disabled.`,
	Run: func(cmd *cobra.Command, args []string) {
		startHTTPServer()
	},
}

func startHTTPServer() {
	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	deps, err := initializeDependencies(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}
	defer deps.Close()

	router, err := setupRoutes(deps)
	if err != nil {
		slog.Error("Failed to set up routes", "error", err)
		os.Exit(1)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	deps.Reconciler.Start(ctx)
	if cfg.Sweeper.Enabled {
		go func() {
			if err := deps.Sweeper().Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("sweeper stopped", "error", err)
			}
		}()
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	slog.Info("Starting HTTP server", "address", addr, "provider", cfg.Payment.Provider)

	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- server.ListenAndServe()
	}()

	select {
	case sig := <-sigChan:
		slog.Info("Received signal, shutting down...", "signal", sig)
		stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}
	case err := <-serverErrChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed to start", "error", err)
			deps.Close()
			os.Exit(1)
		}
	}

	slog.Info("Server stopped")
}

func setupRoutes(deps *Dependencies) (*chi.Mux, error) {
	cfg := deps.Config
	routes := rest.Routes{
		Base:         transport.NewBaseHandler(deps.Logger),
		Intents:      intent.NewHandler(deps.Coordinator(), deps.Logger),
		Webhooks:     webhook.NewHandler(deps.Parser, deps.Reconciler, deps.Logger),
		HealthChecks: healthChecks(deps),
	}

	if cfg.Observability.Metrics.Enabled {
		routes.MetricsPath = cfg.Observability.Metrics.Path
	}

	if cfg.Security.AuthEnabled {
		publicKey, err := cfg.Security.GetPublicKey()
		if err != nil {
			return nil, fmt.Errorf("load jwt public key: %w", err)
		}
		routes.Authenticator = middleware.NewAuthenticator(publicKey, cfg.Security.JWTIssuer, deps.Logger)
	}

	if cfg.Server.OpenAPIValidation {
		validator, err := middleware.NewRequestValidator(api.Spec, deps.Logger)
		if err != nil {
			return nil, err
		}
		routes.Validator = validator
	}

	router := chi.NewRouter()
	rest.RegisterAllRoutes(router, routes)
	return router, nil
}

func healthChecks(deps *Dependencies) map[string]rest.Check {
	checks := map[string]rest.Check{
		"postgres": func(ctx context.Context) error {
			return deps.DB.PingContext(ctx)
		},
	}
	if deps.Redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return deps.Redis.Ping(ctx).Err()
		}
	}
	return checks
}
