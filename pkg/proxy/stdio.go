// MCPClaw - Security interception proxy for the Model Context Protocol
// License: MIT
//
// Copyright (c) 2026 MCPClaw contributors

package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/freitascorp/mcpclaw/pkg/event"
	"github.com/freitascorp/mcpclaw/pkg/jsonrpc"
	"github.com/freitascorp/mcpclaw/pkg/rewrite"
	"github.com/freitascorp/mcpclaw/pkg/state"
	"github.com/freitascorp/mcpclaw/pkg/verify"
)

// preToolsID is the id of the synthetic tools/list probe sent during
// pre-initialization.
const preToolsID = "pre_tools_1"

// StdioConfig configures one STDIO proxy session.
type StdioConfig struct {
	App     string // observing client identity
	Server  string // friendly server name; doubles as mcp_tag for local
	Command string
	Args    []string
}

// StdioProxy wraps a child MCP server process. It speaks newline-delimited
// JSON-RPC on both sides, runs the pre-initialization probe before the
// client sees the initialize reply, and holds single-writer discipline on
// its stdout.
type StdioProxy struct {
	cfg      StdioConfig
	verifier verify.Verifier
	sidecar  *Sidecar // nil when running without a supervisor
	shared   *state.State
	logger   *slog.Logger

	stdin  io.Reader
	stdout io.Writer
	outMu  sync.Mutex

	mu            sync.Mutex
	pendingList   map[string]bool // forwarded tools/list request ids
	cached        bool
	serverVersion string
}

// NewStdioProxy builds a proxy reading the client on stdin and answering on
// stdout. shared holds the local catalog and dangerous set.
func NewStdioProxy(cfg StdioConfig, verifier verify.Verifier, sidecar *Sidecar, shared *state.State, logger *slog.Logger) *StdioProxy {
	return &StdioProxy{
		cfg:         cfg,
		verifier:    verifier,
		sidecar:     sidecar,
		shared:      shared,
		logger:      logger,
		stdin:       os.Stdin,
		stdout:      os.Stdout,
		pendingList: make(map[string]bool),
	}
}

// SetStreams overrides the client-side pipes, for tests.
func (p *StdioProxy) SetStreams(in io.Reader, out io.Writer) {
	p.stdin = in
	p.stdout = out
}

// Run executes the session until the child exits, returning the child's
// exit code. Pre-init failures return an error and code 1.
func (p *StdioProxy) Run(ctx context.Context) (int, error) {
	cmd := exec.CommandContext(ctx, p.cfg.Command, p.cfg.Args...)
	cmd.Stderr = os.Stderr
	childIn, err := cmd.StdinPipe()
	if err != nil {
		return 1, fmt.Errorf("child stdin: %w", err)
	}
	childOutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return 1, fmt.Errorf("child stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return 1, fmt.Errorf("start %s: %w", p.cfg.Command, err)
	}

	clientIn := bufio.NewScanner(p.stdin)
	clientIn.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	childOut := bufio.NewScanner(childOutPipe)
	childOut.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	if err := p.preInit(ctx, clientIn, childIn, childOut); err != nil {
		childIn.Close()
		cmd.Process.Kill()
		cmd.Wait()
		return 1, fmt.Errorf("pre-initialization failed: %w", err)
	}

	childDone := make(chan struct{})
	go func() {
		defer close(childDone)
		p.childToClient(ctx, childOut)
	}()
	go func() {
		// Closing the child's stdin asks a well-behaved server to exit.
		defer childIn.Close()
		p.clientToChild(ctx, clientIn, childIn)
	}()

	err = cmd.Wait()
	// Drain whatever the child wrote before exiting. The client reader may
	// still be blocked on stdin; it dies with the process.
	<-childDone

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return 1, fmt.Errorf("child: %w", err)
	}
	return 0, nil
}

// ── pre-initialization ─────────────────────────────────────────────

// preInit runs the probe handshake the client never observes: forward the
// client's initialize, send notifications/initialized, pull the catalog
// with a synthetic tools/list, and only then reply to the client.
func (p *StdioProxy) preInit(ctx context.Context, clientIn *bufio.Scanner, childIn io.Writer, childOut *bufio.Scanner) error {
	if !clientIn.Scan() {
		if err := clientIn.Err(); err != nil {
			return fmt.Errorf("read initialize: %w", err)
		}
		return fmt.Errorf("client closed before initialize")
	}
	initMsg, err := jsonrpc.Parse(clientIn.Bytes())
	if err != nil {
		return err
	}
	if initMsg.Method != jsonrpc.MethodInitialize {
		return fmt.Errorf("first client message is %q, want initialize", initMsg.Method)
	}

	// The client's own request plus the proxy-side copy about to hit the
	// child, so the journal shows both legs.
	p.verifier.CheckRequest(ctx, p.input(initMsg, verify.StageNone, event.ProducerLocal))
	p.verifier.CheckRequest(ctx, p.input(initMsg, verify.StagePreInit, event.ProducerProxy))

	if err := writeFrame(childIn, initMsg); err != nil {
		return err
	}
	initResp, err := p.readChild(childOut)
	if err != nil {
		return fmt.Errorf("initialize reply: %w", err)
	}
	p.verifier.CheckResponse(ctx, p.input(initResp, verify.StagePreInit, event.ProducerProxy))
	if name, version := initResp.ServerInfo(); name != "" {
		p.mu.Lock()
		p.serverVersion = version
		p.mu.Unlock()
		p.logger.Info("target initialized", "server", name, "version", version)
	}

	initialized, err := jsonrpc.NewNotification(jsonrpc.MethodInitialized, nil)
	if err != nil {
		return err
	}
	if err := writeFrame(childIn, initialized); err != nil {
		return err
	}

	probe, err := jsonrpc.NewRequest(preToolsID, jsonrpc.MethodToolsList, map[string]any{})
	if err != nil {
		return err
	}
	p.verifier.CheckRequest(ctx, p.input(probe, verify.StagePreInit, event.ProducerProxy))
	if err := writeFrame(childIn, probe); err != nil {
		return err
	}

	toolsResp, err := p.awaitResponse(childOut, preToolsID)
	if err != nil {
		return fmt.Errorf("tools probe: %w", err)
	}
	// Synchronous pass: by the time this returns, every discovered tool is
	// scored and the dangerous set is current.
	p.verifier.CheckResponse(ctx, p.input(toolsResp, verify.StagePreInit, event.ProducerProxy))

	if tools, ok := toolsResp.Tools(); ok {
		p.shared.SetCatalog(p.cfg.App, p.cfg.Server, state.CatalogEntry{
			Tools:         tools,
			ServerName:    p.cfg.Server,
			ServerVersion: p.serverVersion,
		})
		p.mu.Lock()
		p.cached = true
		p.mu.Unlock()
		p.publishCatalog(ctx, tools)
	} else {
		p.logger.Warn("tools probe returned no tool list")
	}

	return p.writeOut(initResp)
}

// publishCatalog pushes the catalog to the supervisor and pulls back the
// scored dangerous set. Best-effort on both legs.
func (p *StdioProxy) publishCatalog(ctx context.Context, tools []jsonrpc.Tool) {
	if p.sidecar == nil {
		return
	}
	if err := p.sidecar.RegisterTools(ctx, RegisterToolsRequest{
		MCPTag:   p.cfg.Server,
		Server:   p.cfg.Server,
		Producer: event.ProducerLocal,
		Tools:    tools,
	}); err != nil {
		p.logger.Warn("tool registration failed", "error", err)
	}
	p.refreshSafety(ctx)
}

// refreshSafety syncs the local dangerous set with the supervisor's view.
func (p *StdioProxy) refreshSafety(ctx context.Context) {
	if p.sidecar == nil {
		return
	}
	res, err := p.sidecar.FetchSafety(ctx, ToolSafetyRequest{MCPTag: p.cfg.Server, Server: p.cfg.Server})
	if err != nil {
		p.logger.Warn("safety fetch failed", "error", err)
		return
	}
	for _, name := range res.Dangerous {
		p.shared.MarkDangerous(p.cfg.Server, name)
	}
	p.shared.SetFilterEnabled(p.cfg.Server, res.FilterEnabled)
}

// ── steady-state forwarding ────────────────────────────────────────

func (p *StdioProxy) clientToChild(ctx context.Context, in *bufio.Scanner, childIn io.Writer) {
	for in.Scan() {
		line := in.Bytes()
		if len(line) == 0 {
			continue
		}
		m, err := jsonrpc.Parse(line)
		if err != nil {
			p.logger.Warn("dropping malformed client frame", "error", err)
			continue
		}

		res := p.verifier.CheckRequest(ctx, p.input(m, verify.StageNone, event.ProducerLocal))
		if !res.Allowed {
			if err := p.writeOut(verify.BlockedMessage(m, res, false)); err != nil {
				return
			}
			continue
		}

		if m.Method == jsonrpc.MethodToolsList && m.IsRequest() && p.hasCache() {
			if err := p.serveCachedList(ctx, m); err != nil {
				p.logger.Warn("cached tools/list failed, forwarding to child", "error", err)
			} else {
				continue
			}
		}

		if _, ok := m.ToolCall(); ok {
			if _, err := rewrite.StripFromMessage(m); err != nil {
				p.logger.Warn("reason strip failed", "error", err)
			}
		}
		if m.Method == jsonrpc.MethodToolsList && m.IsRequest() {
			p.mu.Lock()
			p.pendingList[m.IDKey()] = true
			p.mu.Unlock()
		}

		if err := writeFrame(childIn, m); err != nil {
			p.logger.Warn("child write failed", "error", err)
			return
		}
	}
	if err := in.Err(); err != nil {
		p.logger.Warn("client read failed", "error", err)
	}
}

func (p *StdioProxy) childToClient(ctx context.Context, out *bufio.Scanner) {
	for out.Scan() {
		line := out.Bytes()
		if len(line) == 0 {
			continue
		}
		m, err := jsonrpc.Parse(line)
		if err != nil {
			p.logger.Warn("dropping malformed child frame", "error", err)
			continue
		}

		p.verifier.CheckResponse(ctx, p.input(m, verify.StageNone, event.ProducerLocal))

		if m.IsResponse() && p.takePendingList(m.IDKey()) {
			if tools, ok := m.Tools(); ok {
				p.shared.SetCatalog(p.cfg.App, p.cfg.Server, state.CatalogEntry{
					Tools:      tools,
					ServerName: p.cfg.Server,
				})
				p.mu.Lock()
				p.cached = true
				p.mu.Unlock()
				p.publishCatalog(ctx, tools)

				dangerous, filter := p.shared.DangerousTools(p.cfg.Server)
				if err := m.ReplaceTools(rewrite.Tools(tools, dangerous, filter)); err != nil {
					p.logger.Warn("tools rewrite failed", "error", err)
				}
			}
		}

		if err := p.writeOut(m); err != nil {
			p.logger.Warn("client write failed", "error", err)
			return
		}
	}
	if err := out.Err(); err != nil {
		p.logger.Warn("child read failed", "error", err)
	}
}

// serveCachedList answers a tools/list from the pre-init cache without
// touching the child. This assumes the catalog is stable for the life of
// the session; MCP does not guarantee that, so a server that changes its
// tools mid-session will be served the stale list.
func (p *StdioProxy) serveCachedList(ctx context.Context, req *jsonrpc.Message) error {
	entry, ok := p.shared.Catalog(p.cfg.App, p.cfg.Server)
	if !ok {
		return fmt.Errorf("catalog missing")
	}
	p.refreshSafety(ctx)
	dangerous, filter := p.shared.DangerousTools(p.cfg.Server)
	rewritten := rewrite.Tools(entry.Tools, dangerous, filter)

	resp, err := jsonrpc.NewToolsResult(req.ID, rewritten)
	if err != nil {
		return err
	}

	in := p.input(resp, verify.StageNone, event.ProducerLocal)
	in.SkipAnalysis = true
	p.verifier.CheckResponse(ctx, in)

	return p.writeOut(resp)
}

// ── plumbing ───────────────────────────────────────────────────────

func (p *StdioProxy) input(m *jsonrpc.Message, stage verify.Stage, producer event.Producer) verify.CheckInput {
	return verify.CheckInput{
		App:      p.cfg.App,
		Server:   p.cfg.Server,
		MCPTag:   p.cfg.Server,
		Stage:    stage,
		Producer: producer,
		Message:  m,
	}
}

func (p *StdioProxy) hasCache() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cached
}

func (p *StdioProxy) takePendingList(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pendingList[id] {
		delete(p.pendingList, id)
		return true
	}
	return false
}

// readChild reads the next parseable frame from the child.
func (p *StdioProxy) readChild(out *bufio.Scanner) (*jsonrpc.Message, error) {
	for out.Scan() {
		if len(out.Bytes()) == 0 {
			continue
		}
		m, err := jsonrpc.Parse(out.Bytes())
		if err != nil {
			p.logger.Warn("dropping malformed child frame", "error", err)
			continue
		}
		return m, nil
	}
	if err := out.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// awaitResponse reads frames until the one answering id arrives. Anything
// else the child emits this early is dropped with a warning: the client
// has not completed its handshake and cannot receive it.
func (p *StdioProxy) awaitResponse(out *bufio.Scanner, id string) (*jsonrpc.Message, error) {
	for {
		m, err := p.readChild(out)
		if err != nil {
			return nil, err
		}
		if m.IsResponse() && m.IDKey() == id {
			return m, nil
		}
		p.logger.Warn("dropping early child frame", "method", m.Method, "id", m.IDKey())
	}
}

// writeOut writes one frame to the client under the single-writer lock.
func (p *StdioProxy) writeOut(m *jsonrpc.Message) error {
	data, err := m.Encode()
	if err != nil {
		return err
	}
	p.outMu.Lock()
	defer p.outMu.Unlock()
	if _, err := p.stdout.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write client frame: %w", err)
	}
	return nil
}

// writeFrame writes one newline-delimited frame.
func writeFrame(w io.Writer, m *jsonrpc.Message) error {
	data, err := m.Encode()
	if err != nil {
		return err
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
