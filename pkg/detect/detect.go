// MCPClaw - Security interception proxy for the Model Context Protocol
// License: MIT
//
// Copyright (c) 2026 MCPClaw contributors

// Package detect implements the detection pipeline: an event bus that fans
// every observed MCPEvent out to a bank of analyzers, persists their
// findings to the journal and pushes them to the notifier.
package detect

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/freitascorp/mcpclaw/pkg/event"
	"github.com/freitascorp/mcpclaw/pkg/jsonrpc"
)

// Detector engine names as persisted in engine_results.
const (
	EngineCommandInjection   = "command_injection"
	EngineFilesystemExposure = "filesystem_exposure"
	EnginePIILeak            = "pii_leak"
	EngineSemanticGap        = "semantic_gap"
)

// Detector analyzes one event and optionally produces a finding.
// A nil finding with nil error means "nothing to report".
type Detector interface {
	Name() string

	// Wants filters by event type and producer before Analyze is called.
	Wants(e *event.MCPEvent) bool

	Analyze(ctx context.Context, e *event.MCPEvent) (*event.Finding, error)
}

// scanText flattens the interesting parts of a message into one string for
// the pattern detectors: task, method, tool name, arguments and any result
// content text.
func scanText(e *event.MCPEvent) string {
	m := e.Data.Message
	var sb strings.Builder
	sb.WriteString(string(e.Data.Task))
	if m.Method != "" {
		sb.WriteByte(' ')
		sb.WriteString(m.Method)
	}
	if call, ok := m.ToolCall(); ok {
		sb.WriteByte(' ')
		sb.WriteString(call.Name)
		if call.Arguments != nil {
			if raw, err := json.Marshal(call.Arguments); err == nil {
				sb.WriteByte(' ')
				sb.Write(raw)
			}
		}
	}
	if text := m.ResultText(); text != "" {
		sb.WriteByte(' ')
		sb.WriteString(text)
	}
	return sb.String()
}

// callArguments returns the request argument tree, or nil.
func callArguments(m *jsonrpc.Message) map[string]any {
	call, ok := m.ToolCall()
	if !ok {
		return nil
	}
	return call.Arguments
}
