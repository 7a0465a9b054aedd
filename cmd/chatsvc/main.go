package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	_ "go.uber.org/automaxprocs"

	"github.com/techresidents/chatsvc/internal/config"
	"github.com/techresidents/chatsvc/internal/membership"
	"github.com/techresidents/chatsvc/internal/monitoring"
	"github.com/techresidents/chatsvc/internal/service"
	"github.com/techresidents/chatsvc/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "chatsvc: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is a development convenience; absence is fine.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := monitoring.NewLogger(cfg.LogLevel, cfg.LogPretty)
	cfg.LogConfig(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := store.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	pg := store.NewPG(pool)

	bus, err := membership.ConnectNATS(cfg.NATSURL, logger)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer bus.Close()

	svc, err := service.New(cfg, service.Deps{
		Logger:   logger,
		Metadata: pg,
		Archive:  pg,
		Bus:      bus,
		Health:   bus,
	})
	if err != nil {
		return err
	}
	if err := svc.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")
	svc.Stop()
	return nil
}
