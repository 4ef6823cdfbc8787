// MCPClaw - Security interception proxy for the Model Context Protocol
// License: MIT
//
// Copyright (c) 2026 MCPClaw contributors

package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	gitCommit string
)

func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mcpclaw %s\n", formatVersion())
			fmt.Printf("  Go: %s\n", runtime.Version())
		},
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mcpclaw",
		Short: "MCPClaw — security interception proxy for the Model Context Protocol",
		Long: `MCPClaw sits between MCP clients and servers, journals every JSON-RPC
exchange, runs detection engines over the traffic, and blocks or filters
what its policy flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCmd(),
		newVersionCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
