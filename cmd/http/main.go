package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"storyreel/internal/clips"
	"storyreel/internal/compose"
	"storyreel/internal/config"
	"storyreel/internal/endpoints"
	"storyreel/internal/ledger"
	"storyreel/internal/progress"
	"storyreel/internal/queue"
	"storyreel/internal/render"
	"storyreel/internal/server"
	"storyreel/internal/store"
)

func main() {
	// Initialize structured logging
	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	slog.SetDefault(slog.New(jsonHandler))

	// Get port from environment or use default
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.NewS3Store(ctx, store.S3Config{
		Region:      config.S3Region,
		Bucket:      config.S3Bucket,
		AccessKey:   config.S3AccessKey,
		SecretKey:   config.S3SecretKey,
		EndpointURL: config.S3EndpointURL,
		BaseURL:     config.S3BaseURL,
	})
	if err != nil {
		slog.Error("Failed to connect to object store", "error", err)
		os.Exit(1)
	}

	creditLedger, err := ledger.Open(config.LedgerDBPath)
	if err != nil {
		slog.Error("Failed to open credit ledger", "error", err)
		os.Exit(1)
	}
	defer creditLedger.Close()

	bus, err := progress.NewBus(ctx)
	if err != nil {
		slog.Error("Failed to connect to progress mirror", "error", err)
		os.Exit(1)
	}
	defer bus.Close()
	go bus.Run(ctx)

	jobQueue, err := queue.NewQueue(ctx)
	if err != nil {
		slog.Error("Failed to connect to job queue", "error", err)
		os.Exit(1)
	}
	defer jobQueue.Close()

	generator := clips.NewGenerator(st, clips.NewQueueProvider())
	orchestrator := render.New(st, creditLedger, generator, compose.New(), bus)

	// Create HTTP server
	srv := server.NewServer(port, endpoints.Deps{
		Renderer: orchestrator,
		Queue:    jobQueue,
		Bus:      bus,
		Store:    st,
	})

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed to start", "error", err)
			cancel()
		}
	}()

	slog.Info("StoryReel HTTP server started", "port", port)

	// Wait for shutdown signal
	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case <-ctx.Done():
		slog.Info("Context cancelled")
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	} else {
		slog.Info("Server exited gracefully")
	}
}
