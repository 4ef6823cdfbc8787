// MCPClaw - Security interception proxy for the Model Context Protocol
// License: MIT
//
// Copyright (c) 2026 MCPClaw contributors

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/freitascorp/mcpclaw/pkg/config"
	"github.com/freitascorp/mcpclaw/pkg/proxy"
	"github.com/freitascorp/mcpclaw/pkg/state"
	"github.com/freitascorp/mcpclaw/pkg/verify"
)

var version = "dev"

// exitCode carries the child's exit code past cobra back to main.
var exitCode int

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mcpclaw-proxy [command [args...]]",
		Short: "MCPClaw stdio proxy shim",
		Long: `mcpclaw-proxy wraps an MCP server for a stdio client. Given a command it
spawns the server as a child process and intercepts its stdio; with
MCP_TARGET_URL set the command is ignored and frames are bridged to the
MCPClaw server's HTTP transport instead.`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args)
		},
	}
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mcpclaw-proxy %s\n", version)
			fmt.Printf("  Go: %s\n", runtime.Version())
		},
	})
	return root
}

func run(args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	// stdout is the JSON-RPC channel; logs go to stderr as NDJSON.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.TargetURL != "" {
		logger.Info("remote mode", "target", cfg.TargetURL, "supervisor", cfg.ServerBaseURL())
		bridge := proxy.NewBridge(cfg.ServerBaseURL(), cfg.AppName, cfg.ServerName, cfg.TargetURL, cfg.AccessToken, logger)
		return bridge.Run(ctx)
	}

	if len(args) == 0 {
		return fmt.Errorf("no command given and MCP_TARGET_URL not set")
	}

	verifier := verify.NewRemoteVerifier(cfg.ServerBaseURL(), cfg.AccessToken, logger)
	sidecar := proxy.NewSidecar(cfg.ServerBaseURL(), cfg.AccessToken, logger)
	p := proxy.NewStdioProxy(proxy.StdioConfig{
		App:     cfg.AppName,
		Server:  cfg.ServerName,
		Command: args[0],
		Args:    args[1:],
	}, verifier, sidecar, state.New(), logger)

	code, err := p.Run(ctx)
	exitCode = code
	return err
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	os.Exit(exitCode)
}
