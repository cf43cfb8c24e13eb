package main

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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/jwtauth"
	"github.com/tendant/chi-demo/app"
	"github.com/tendant/simple-media/pkg/simplemedia/api"
	"github.com/tendant/simple-media/pkg/simplemedia/config"
)

func main() {
	cfg, err := config.Load(config.WithEnv())
	if err != nil {
		slog.Error("Failed to load configuration", "err", err)
		os.Exit(1)
	}

	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	if cfg.JWTSecret == "" {
		logger.Error("JWT_SECRET is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := cfg.Build(ctx, logger)
	if err != nil {
		logger.Error("Failed to initialize", "err", err)
		os.Exit(1)
	}
	defer rt.Close()

	if cfg.SweepInterval > 0 {
		sweeper := rt.Pipeline.Sweeper(cfg.SweepGrace)
		go sweeper.Run(ctx, cfg.SweepInterval)
		logger.Info("Orphan sweeper started", "interval", cfg.SweepInterval, "grace", cfg.SweepGrace)
	}

	auth := jwtauth.New("HS256", []byte(cfg.JWTSecret), nil)
	mediaHandler := api.NewHandler(rt.Pipeline, auth,
		api.WithLogger(logger),
		api.WithMaxUploadBytes(cfg.MaxUploadBytes))

	server := app.DefaultApp()

	app.RoutesHealthz(server.R)
	app.RoutesHealthzReady(server.R)

	server.R.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequestID)
		r.Mount("/", mediaHandler.Routes())
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           server.R,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Server starting", "port", cfg.Port, "database", cfg.DatabaseType, "storage", cfg.StorageBackend)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.PutTimeout+10*time.Second)
	defer cancel()

	// In-flight uploads may hold a transaction open for up to the PUT deadline.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "err", err)
	}
}
