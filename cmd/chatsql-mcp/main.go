package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/chatsql/chatsql/internal/app"
	"github.com/chatsql/chatsql/internal/config"
	"github.com/chatsql/chatsql/internal/mcpserver"
	"github.com/chatsql/chatsql/internal/observability"
)

var version = "dev"

func main() {
	dotenvErr := godotenv.Load()

	cfg, err := config.LoadFromEnv("chatsql-mcp")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	// stdout carries the MCP protocol.
	logger := observability.NewLogger(cfg, os.Stderr)
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

	go func() {
		if err := pipeline.RunBackground(ctx); err != nil {
			logger.Error("background task failed", slog.Any("error", err))
			stop()
		}
	}()

	server := mcpserver.New(pipeline.Sessions, pipeline.Schemas, mcpserver.Config{
		Name:         cfg.Service.Name,
		Version:      version,
		ConnectionID: cfg.DataAccess.ConnectionID,
	}, logger)

	logger.Info("serving mcp over stdio")
	if err := server.ServeStdio(); err != nil {
		logger.Error("mcp server failed", slog.Any("error", err))
		_ = pipeline.Close()
		os.Exit(1)
	}
}
