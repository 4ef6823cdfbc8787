// MCPClaw - Security interception proxy for the Model Context Protocol
// License: MIT
//
// Copyright (c) 2026 MCPClaw contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/freitascorp/mcpclaw/pkg/config"
	"github.com/freitascorp/mcpclaw/pkg/detect"
	"github.com/freitascorp/mcpclaw/pkg/journal"
	"github.com/freitascorp/mcpclaw/pkg/notify"
	"github.com/freitascorp/mcpclaw/pkg/proxy"
	"github.com/freitascorp/mcpclaw/pkg/server"
	"github.com/freitascorp/mcpclaw/pkg/state"
	"github.com/freitascorp/mcpclaw/pkg/verify"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the MCPClaw server (remote transports, detectors, journal)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func serve() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	policy, err := config.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		return err
	}

	store, err := journal.NewStore(journal.StoreConfig{
		Backend:     cfg.JournalBackend,
		SQLitePath:  cfg.JournalPath,
		PostgresDSN: cfg.JournalPostgres,
	}, logger)
	if err != nil {
		return err
	}
	retention, err := journal.NewRetention(store, cfg.RetentionDays, cfg.RetentionSchedule, logger)
	if err != nil {
		return err
	}

	shared := state.New()
	shared.SetFilterDefault(policy.FilterDangerous)
	hub := notify.NewHub(logger)

	var scorer detect.Scorer
	if cfg.LLMAPIKey != "" {
		scorer = detect.NewLLMScorer(cfg.LLMAPIKey, cfg.LLMBaseURL, cfg.LLMModel, logger)
	} else {
		logger.Warn("no LLM API key; semantic-gap scoring disabled")
	}
	bus := detect.NewBus(store, hub, logger,
		detect.NewCommandInjection(),
		detect.NewFilesystemExposure(),
		detect.NewPIILeak(store, logger),
		detect.NewSemanticGap(scorer, store, shared, policy.DangerThreshold, logger),
	)
	bus.Start()

	gate := verify.NewGatekeeper(bus, shared, policy, logger)
	remote := proxy.NewRemote(gate, shared, cfg, logger)
	srv := server.New(cfg, gate, remote, shared, store, hub, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gate.StartReaper(ctx)
	go retention.Run(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		store.Close()
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	// A second signal skips the graceful path.
	go func() {
		<-sigCh
		logger.Warn("forced exit")
		os.Exit(1)
	}()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := srv.Stop(stopCtx); err != nil {
		logger.Warn("server stop failed", "error", err)
	}
	bus.Shutdown(stopCtx)
	if err := store.Close(); err != nil {
		logger.Warn("journal close failed", "error", err)
	}
	return nil
}
