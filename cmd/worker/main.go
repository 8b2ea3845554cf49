package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"storyreel/internal/clips"
	"storyreel/internal/compose"
	"storyreel/internal/config"
	"storyreel/internal/ledger"
	"storyreel/internal/progress"
	"storyreel/internal/queue"
	"storyreel/internal/render"
	"storyreel/internal/store"
)

func main() {
	// Initialize structured logging with JSON handler
	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	slog.SetDefault(slog.New(jsonHandler))

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

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

	// Initialize job queue
	jobQueue, err := queue.NewQueue(ctx)
	if err != nil {
		slog.Error("Failed to connect to job queue", "error", err)
		os.Exit(1)
	}
	defer jobQueue.Close()

	generator := clips.NewGenerator(st, clips.NewQueueProvider())
	orchestrator := render.New(st, creditLedger, generator, compose.New(), bus)

	slog.Info("Worker started, waiting for jobs...")

	// Main worker loop
	for {
		select {
		case <-ctx.Done():
			slog.Info("Context cancelled, shutting down")
			return
		case sig := <-sigChan:
			slog.Info("Received signal, shutting down gracefully", "signal", sig)
			cancel()
			return
		default:
			// Dequeue job (blocks until job available or timeout)
			job, err := jobQueue.Dequeue(ctx)
			if err != nil {
				if err == context.Canceled {
					return
				}
				slog.Error("Failed to dequeue job", "error", err)
				continue
			}

			if job == nil {
				// Timeout, no job available - loop continues
				continue
			}

			// Try to mark user as running
			started, err := jobQueue.StartJob(ctx, job.UserID)
			if err != nil {
				slog.Error("Failed to mark job as started", "error", err, "job_id", job.ID)
				jobQueue.FailJob(ctx, job, "Failed to acquire user lock")
				continue
			}

			if !started {
				// User already has a running render - fail this one (don't hold lock)
				slog.Warn("User already has running render, failing new job",
					"user_id", job.UserID, "job_id", job.ID)
				jobQueue.FailJob(ctx, job, "User already has a render being processed")
				continue
			}

			// Process the job - use a function to ensure defer runs
			func() {
				// Always release the user lock when done
				defer func() {
					if err := jobQueue.CompleteJob(ctx, job.UserID); err != nil {
						slog.Error("Failed to release user lock", "error", err, "user_id", job.UserID)
					}
				}()

				slog.Info("Processing render", "job_id", job.ID, "user_id", job.UserID, "project_id", job.Request.ProjectID)

				// The principal is not serialized with the request payload
				job.Request.UserID = job.UserID

				if _, err := orchestrator.Render(ctx, job.Request); err != nil {
					slog.Error("Render failed", "error", err, "job_id", job.ID)
					jobQueue.FailJob(ctx, job, err.Error())
				} else {
					slog.Info("Render completed successfully", "job_id", job.ID)
				}
			}()
		}
	}
}
