package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/Poz83/Myjoe-CBS-sub001/internal/app"
	"github.com/Poz83/Myjoe-CBS-sub001/internal/infra"
)

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	container, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to build application")
	}
	defer container.Close()

	logger.Info().
		Int("concurrency", cfg.WorkerConcurrency).
		Dur("poll_interval", cfg.WorkerPollInterval).
		Dur("stuck_after", cfg.JobStuckAfter).
		Msg("worker: started")

	if err := container.RunWorkers(ctx); err != nil {
		logger.Error().Err(err).Msg("worker: stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("worker: stopped")
}
