package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Oceloteg/Shishki-picking/api"
	"github.com/Oceloteg/Shishki-picking/infrastructure/config"
	"github.com/Oceloteg/Shishki-picking/infrastructure/sqlite"
	"github.com/Oceloteg/Shishki-picking/onec"
	"github.com/Oceloteg/Shishki-picking/syncer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	db, err := sqlite.OpenDB(cfg.SQLitePath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	if err := sqlite.ApplyEmbeddedMigrations(context.Background(), db); err != nil {
		log.Fatalf("apply migrations: %v", err)
	}

	client, err := onec.New(cfg, logger)
	if err != nil {
		log.Fatalf("create 1C client: %v", err)
	}
	logger.Info("1C client ready", "mode", cfg.OnecMode)

	engine := syncer.New(db, cfg, client, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	driver := syncer.NewDriver(engine, cfg.SyncInterval, logger)
	go driver.Run(ctx)

	server, err := api.NewServer(cfg, db, engine, logger)
	if err != nil {
		log.Fatalf("create server: %v", err)
	}
	if err := server.Start(); err != nil {
		log.Fatalf("start server: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	cancel()
	if err := server.Shutdown(context.Background()); err != nil {
		logger.Error("graceful shutdown", "err", err)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if cfg.Debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
