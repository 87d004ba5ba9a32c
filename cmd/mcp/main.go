package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	mcpadapter "github.com/kirillkom/docsearch/internal/adapters/mcp"
	"github.com/kirillkom/docsearch/internal/bootstrap"
	"github.com/kirillkom/docsearch/internal/config"
	"github.com/kirillkom/docsearch/internal/observability/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config_load_failed", "error", err)
		os.Exit(1)
	}
	// stdout carries JSON-RPC.
	logger := logging.NewJSONLoggerTo(os.Stderr, "docsearch-mcp", cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	srv := mcpadapter.NewServer(mcpadapter.Dependencies{
		Index:        app.IndexUC,
		Retriever:    app.Retriever,
		Answers:      app.Synthesizer,
		Sessions:     app.Sessions,
		SessionPairs: cfg.SessionPairs,
		Logger:       logger,
	})
	logger.Info("mcp_serving_stdio")
	if err := srv.ServeStdio(); err != nil {
		logger.Error("mcp_server_failed", "error", err)
	}
}
