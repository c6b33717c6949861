// agentd — agent orchestration server: drives tool-using LLM conversations
// over an HTTP/WebSocket API with file-backed event logs.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/agentd-project/agentd/pkg/agent"
	"github.com/agentd-project/agentd/pkg/api"
	"github.com/agentd-project/agentd/pkg/bash"
	"github.com/agentd-project/agentd/pkg/config"
	"github.com/agentd-project/agentd/pkg/conversation"
	"github.com/agentd-project/agentd/pkg/models"
	"github.com/agentd-project/agentd/pkg/store"
	"github.com/agentd-project/agentd/pkg/version"
	"github.com/agentd-project/agentd/pkg/workspace"
)

const shutdownTimeout = 30 * time.Second

func main() {
	envFile := flag.String("env-file", ".env", "Path to the .env file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envFile, "error", err)
	}

	cfg, err := config.Load(os.Getenv)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting agentd",
		"version", version.Full(),
		"host", cfg.Host,
		"port", cfg.Port,
		"conversations_path", cfg.ConversationsPath,
		"llm_provider", cfg.LLM.Provider)

	conversationStore, err := store.NewFSStore(cfg.ConversationsPath)
	if err != nil {
		slog.Error("Failed to open conversation store", "error", err)
		os.Exit(1)
	}
	workspaces, err := workspace.NewManager(cfg.WorkspacePath)
	if err != nil {
		slog.Error("Failed to prepare workspace root", "error", err)
		os.Exit(1)
	}
	bashStore, err := store.NewFSStore(cfg.BashEventsDir)
	if err != nil {
		slog.Error("Failed to open bash event store", "error", err)
		os.Exit(1)
	}
	bashEvents, err := bash.NewEventStore(bashStore)
	if err != nil {
		slog.Error("Failed to load bash events", "error", err)
		os.Exit(1)
	}

	conversations, err := conversation.NewService(conversation.Options{
		Store:                     conversationStore,
		Workspaces:                workspaces,
		BashEvents:                bashEvents,
		Webhooks:                  cfg.Webhooks,
		SessionAPIKey:             cfg.PrimarySessionAPIKey(),
		LLMFactory:                func(llmCfg models.LLMConfig) (agent.LLMClient, error) { return agent.NewClient(llmCfg, os.Getenv) },
		DefaultLLM:                cfg.LLM,
		DefaultMaxIterations:      cfg.MaxIterations,
		DefaultConfirmationPolicy: cfg.ConfirmationPolicy,
		StuckCheckInterval:        cfg.StuckCheckInterval(),
		StuckThreshold:            cfg.StuckAfter(),
	})
	if err != nil {
		slog.Error("Failed to start conversation service", "error", err)
		os.Exit(1)
	}

	server := api.NewServer(conversations, bashEvents, cfg, slog.Default())
	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop accepting requests first, then drain conversations so webhook
	// flushes and metadata writes complete.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	if err := conversations.Close(shutdownCtx); err != nil {
		slog.Error("Conversation service shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
