package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/chatsql/chatsql/internal/api"
	"github.com/chatsql/chatsql/internal/app"
	"github.com/chatsql/chatsql/internal/auth"
	"github.com/chatsql/chatsql/internal/config"
	"github.com/chatsql/chatsql/internal/observability"
)

func main() {
	dotenvErr := godotenv.Load()

	cfg, err := config.LoadFromEnv("chatsql-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	if dotenvErr != nil && !errors.Is(dotenvErr, fs.ErrNotExist) {
		logger.Warn(".env file not loaded", slog.Any("error", dotenvErr))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pipeline, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build chat pipeline", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = pipeline.Close() }()

	deps := api.Dependencies{
		Logger:            logger,
		Chat:              pipeline.Sessions,
		Schemas:           pipeline.Schemas,
		Readiness:         api.CombineReadinessChecks(pipeline.Ready, api.CheckModelConfig(cfg)),
		DependencyTimeout: 2 * time.Second,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      api.NewHandler(cfg, deps),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		if err := pipeline.RunBackground(ctx); err != nil {
			logger.Error("background task failed", slog.Any("error", err))
			stop()
		}
	}()

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		_ = pipeline.Close()
		os.Exit(1)
	}
}
