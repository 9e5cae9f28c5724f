package main

import (
	"context"
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	container, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build application")
	}
	defer container.Close()

	server := infra.NewHTTPServer(cfg, container.Router())

	// Single-node deployments process items in the API process.
	workersDone := make(chan error, 1)
	if cfg.EmbeddedWorkers {
		go func() { workersDone <- container.RunWorkers(ctx) }()
	} else {
		close(workersDone)
	}

	go func() {
		logger.Info().Str("addr", server.Addr()).Bool("embedded_workers", cfg.EmbeddedWorkers).Msg("API listening")
		if err := server.Start(); err != nil {
			logger.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	if err := <-workersDone; err != nil {
		logger.Error().Err(err).Msg("workers stopped with error")
	}
	logger.Info().Msg("server stopped")
}
