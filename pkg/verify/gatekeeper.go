// MCPClaw - Security interception proxy for the Model Context Protocol
// License: MIT
//
// Copyright (c) 2026 MCPClaw contributors

// Package verify is the synchronous decision point every transport consults
// before forwarding a JSON-RPC message. The gatekeeper is a leaf: it returns
// a verdict and feeds the event bus, and transports are its only callers.
// Detectors never call back into it; their influence arrives through the
// pre-computed DangerousToolSet at schema-rewrite time.
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/freitascorp/mcpclaw/pkg/config"
	"github.com/freitascorp/mcpclaw/pkg/detect"
	"github.com/freitascorp/mcpclaw/pkg/event"
	"github.com/freitascorp/mcpclaw/pkg/jsonrpc"
	"github.com/freitascorp/mcpclaw/pkg/rewrite"
	"github.com/freitascorp/mcpclaw/pkg/state"
)

// Stage marks where in the connection lifecycle a message sits.
type Stage string

const (
	StageNone    Stage = ""
	StagePreInit Stage = "pre_init"
)

// CheckInput carries one message into verification.
type CheckInput struct {
	App      string           `json:"app,omitempty"`
	Server   string           `json:"server,omitempty"`
	MCPTag   string           `json:"mcp_tag"`
	Stage    Stage            `json:"stage,omitempty"`
	Producer event.Producer   `json:"producer"`
	Message  *jsonrpc.Message `json:"message"`

	// SkipAnalysis marks replayed cache traffic the detectors already saw.
	SkipAnalysis bool `json:"skip_analysis,omitempty"`
}

// Result is the gatekeeper's verdict. A block is an outcome, not an error.
type Result struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Allow is the pass-through verdict.
var Allow = Result{Allowed: true}

// Block builds a blocking verdict.
func Block(reason string) Result { return Result{Allowed: false, Reason: reason} }

// Verifier is what transports call. The gatekeeper implements it in
// process; the STDIO proxy binary reaches one over HTTP.
type Verifier interface {
	CheckRequest(ctx context.Context, in CheckInput) Result
	CheckResponse(ctx context.Context, in CheckInput) Result
}

// Gatekeeper is the in-process Verifier.
type Gatekeeper struct {
	bus    *detect.Bus
	shared *state.State
	policy *config.Policy
	calls  *CallTable
	logger *slog.Logger
}

// NewGatekeeper wires the gatekeeper over the bus and shared state.
func NewGatekeeper(bus *detect.Bus, shared *state.State, policy *config.Policy, logger *slog.Logger) *Gatekeeper {
	if policy == nil {
		policy = config.DefaultPolicy()
	}
	return &Gatekeeper{
		bus:    bus,
		shared: shared,
		policy: policy,
		calls:  NewCallTable(),
		logger: logger,
	}
}

// Calls exposes the state table for the reaper and tests.
func (g *Gatekeeper) Calls() *CallTable { return g.calls }

// StartReaper ticks the pending-response reaper until ctx ends.
func (g *Gatekeeper) StartReaper(ctx context.Context) {
	maxAge := g.policy.PendingMaxAge
	if maxAge <= 0 {
		maxAge = DefaultStaleAge
	}
	ticker := time.NewTicker(time.Minute)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := g.calls.Reap(maxAge); n > 0 {
					g.logger.Info("dropped stale calls", "count", n)
				}
				if n := g.shared.ReapPending(maxAge); n > 0 {
					g.logger.Info("reaped pending tool calls", "count", n)
				}
			}
		}
	}()
}

// CheckRequest verifies a client-to-target message. Side effect: the
// message is published to the event bus regardless of verdict.
func (g *Gatekeeper) CheckRequest(ctx context.Context, in CheckInput) Result {
	e := g.newEvent(in, event.TaskSend)
	g.bus.Publish(e)

	m := in.Message
	call, isCall := m.ToolCall()
	if isCall && m.IsRequest() {
		g.calls.BeginRequest(in.App, in.Server, m.IDKey())
	}

	verdict := Allow
	if isCall {
		if hit := g.denylistHit(call); hit != "" {
			verdict = Block(fmt.Sprintf("arguments match denied pattern %q", hit))
		}
	}

	if isCall && m.IsRequest() {
		g.calls.ResolveRequest(in.App, in.Server, m.IDKey(), verdict.Allowed)
		if verdict.Allowed {
			g.shared.AddPending(state.PendingCall{
				App:       in.App,
				Server:    in.Server,
				RequestID: m.IDKey(),
				ToolName:  call.Name,
				// The pending record holds the arguments the target will
				// see, so the injected reason key never lands in it.
				Arguments: rewrite.StrippedCopy(call.Arguments),
			})
		}
	}
	if !verdict.Allowed {
		g.logger.Warn("request blocked", "mcp_tag", in.MCPTag, "id", m.IDKey(), "reason", verdict.Reason)
	}
	return verdict
}

// CheckResponse verifies a target-to-client message. tools/list responses
// run the bus synchronously so the DangerousToolSet is current before the
// caller rewrites the tool schema; everything else fans out async.
func (g *Gatekeeper) CheckResponse(ctx context.Context, in CheckInput) Result {
	e := g.newEvent(in, event.TaskRecv)

	if _, ok := in.Message.Tools(); ok {
		g.bus.PublishSync(ctx, e)
	} else {
		g.bus.Publish(e)
	}

	if in.Message.IsResponse() {
		g.calls.ResolveResponse(in.App, in.Server, in.Message.IDKey())
	}

	// Policy today: all responses pass.
	return Allow
}

// BlockedMessage builds the synthetic reply written in place of blocked
// traffic, preserving the original id.
func BlockedMessage(m *jsonrpc.Message, r Result, isResponse bool) *jsonrpc.Message {
	prefix := "Request blocked: "
	if isResponse {
		prefix = "Response blocked: "
	}
	return jsonrpc.NewBlockedResult(m.ID, prefix+r.Reason)
}

// newEvent builds the bus event for one verified message. Pre-init probe
// traffic is typed Proxy so the journal can tell it from relayed frames.
func (g *Gatekeeper) newEvent(in CheckInput, task event.Task) *event.MCPEvent {
	etype := event.TypeMCP
	if in.Stage == StagePreInit {
		etype = event.TypeProxy
	}
	e := event.New(in.Producer, etype, in.MCPTag, task, in.Message)
	e.App = in.App
	e.Server = in.Server
	e.SkipAnalysis = in.SkipAnalysis
	return e
}

// denylistHit returns the first denylist entry found in the call arguments.
func (g *Gatekeeper) denylistHit(call *jsonrpc.ToolCallParams) string {
	if call.Arguments == nil {
		return ""
	}
	raw, err := json.Marshal(call.Arguments)
	if err != nil {
		return ""
	}
	haystack := strings.ToLower(string(raw))
	for _, needle := range g.policy.Denylist {
		if needle != "" && strings.Contains(haystack, strings.ToLower(needle)) {
			return needle
		}
	}
	return ""
}
