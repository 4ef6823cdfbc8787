// MCPClaw - Security interception proxy for the Model Context Protocol
// License: MIT
//
// Copyright (c) 2026 MCPClaw contributors

package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/freitascorp/mcpclaw/pkg/config"
	"github.com/freitascorp/mcpclaw/pkg/event"
	"github.com/freitascorp/mcpclaw/pkg/jsonrpc"
	"github.com/freitascorp/mcpclaw/pkg/rewrite"
	"github.com/freitascorp/mcpclaw/pkg/state"
	"github.com/freitascorp/mcpclaw/pkg/verify"
)

// sseChunk bounds a single write to the client stream. Large tools/list
// payloads otherwise trip intermediary framers.
const sseChunk = 4096

// Remote serves the SSE-bidirectional and stateless HTTP transports for
// remote MCP targets.
type Remote struct {
	verifier verify.Verifier
	shared   *state.State
	cfg      *config.Config
	logger   *slog.Logger
}

// NewRemote wires the remote transports.
func NewRemote(verifier verify.Verifier, shared *state.State, cfg *config.Config, logger *slog.Logger) *Remote {
	return &Remote{verifier: verifier, shared: shared, cfg: cfg, logger: logger}
}

// targetFor resolves the target URL: query, header, then environment.
func (r *Remote) targetFor(req *http.Request) string {
	if t := req.URL.Query().Get("target"); t != "" {
		return t
	}
	if t := req.Header.Get("X-MCP-Target-URL"); t != "" {
		return t
	}
	return r.cfg.TargetURL
}

// targetHeaders builds the extra headers every target call carries.
func (r *Remote) targetHeaders() map[string]string {
	headers, err := r.cfg.ParseTargetHeaders()
	if err != nil {
		r.logger.Warn("bad MCP_TARGET_HEADERS, ignoring", "error", err)
	}
	if headers == nil {
		headers = map[string]string{}
	}
	if r.cfg.AccessToken != "" {
		if _, ok := headers["Authorization"]; !ok {
			headers["Authorization"] = "Bearer " + r.cfg.AccessToken
		}
	}
	return headers
}

// sseWriter serializes frame writes to one client stream. No interleaving
// of partial events is permitted, so every frame goes out under the lock,
// flushed in bounded chunks.
type sseWriter struct {
	mu sync.Mutex
	w  http.ResponseWriter
	f  http.Flusher
}

func (s *sseWriter) writeFrame(ev, data string) error {
	var frame string
	if ev != "" {
		frame = fmt.Sprintf("event: %s\ndata: %s\n\n", ev, data)
	} else {
		frame = fmt.Sprintf("data: %s\n\n", data)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	raw := []byte(frame)
	for len(raw) > 0 {
		n := len(raw)
		if n > sseChunk {
			n = sseChunk
		}
		if _, err := s.w.Write(raw[:n]); err != nil {
			return err
		}
		s.f.Flush()
		raw = raw[n:]
	}
	return nil
}

func (s *sseWriter) writeMessage(m *jsonrpc.Message) error {
	data, err := m.Encode()
	if err != nil {
		return err
	}
	return s.writeFrame("message", string(data))
}

// ServeSSE handles GET /{app}/{server}: opens the target session, announces
// the proxy-side endpoint, then relays both directions until either side
// closes.
func (r *Remote) ServeSSE(w http.ResponseWriter, req *http.Request, app, server string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	targetURL := r.targetFor(req)
	if targetURL == "" {
		http.Error(w, "no target configured", http.StatusBadGateway)
		return
	}

	ctx := req.Context()
	session, err := DialTarget(ctx, targetURL, r.targetHeaders(), r.logger)
	if err != nil {
		r.logger.Warn("target dial failed", "target", targetURL, "error", err)
		http.Error(w, "target unreachable", http.StatusBadGateway)
		return
	}

	mcpTag := state.MCPTagForURL(targetURL)
	conn := state.NewSSEConnection(uuid.NewString(), app, server, targetURL, r.targetHeaders(), 64)
	r.shared.RegisterSSE(conn)
	defer func() {
		r.shared.UnregisterSSE(conn.ID)
		conn.Close()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	out := &sseWriter{w: w, f: flusher}
	if err := out.writeFrame("endpoint", fmt.Sprintf("/%s/%s/message", app, server)); err != nil {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.targetToClient(gctx, session, conn, out, app, server, mcpTag) })
	g.Go(func() error { return r.clientToTarget(gctx, session, conn, out, app, server, mcpTag) })
	if err := g.Wait(); err != nil && gctx.Err() == nil {
		r.logger.Warn("sse session ended", "mcp_tag", mcpTag, "error", err)
	}
}

// targetToClient relays target frames, rewriting tool lists and gating
// tool-call responses on the way through.
func (r *Remote) targetToClient(ctx context.Context, session *TargetSession, conn *state.SSEConnection, out *sseWriter, app, server, mcpTag string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-conn.Done():
			return nil
		case frame, ok := <-session.Events():
			if !ok {
				if err := session.Err(); err != nil {
					return fmt.Errorf("target stream: %w", err)
				}
				return nil
			}
			m, err := jsonrpc.Parse([]byte(frame.Data))
			if err != nil {
				// Not JSON-RPC; relay untouched.
				if err := out.writeFrame(frame.Event, frame.Data); err != nil {
					return err
				}
				continue
			}
			forward, err := r.handleTargetMessage(ctx, m, app, server, mcpTag)
			if err != nil {
				return err
			}
			if err := out.writeMessage(forward); err != nil {
				return err
			}
		}
	}
}

// handleTargetMessage runs one target-origin message through verification
// and rewriting, returning the message to forward.
func (r *Remote) handleTargetMessage(ctx context.Context, m *jsonrpc.Message, app, server, mcpTag string) (*jsonrpc.Message, error) {
	pending, tracked := state.PendingCall{}, false
	if m.IsResponse() {
		pending, tracked = r.shared.TakePending(app, server, m.IDKey())
	}

	res := r.verifier.CheckResponse(ctx, verify.CheckInput{
		App: app, Server: server, MCPTag: mcpTag,
		Producer: event.ProducerRemote, Message: m,
	})
	if tracked && !res.Allowed {
		r.logger.Warn("response blocked", "tool", pending.ToolName, "reason", res.Reason)
		return verify.BlockedMessage(m, res, true), nil
	}

	if tools, ok := m.Tools(); ok {
		r.shared.SetCatalog(app, server, state.CatalogEntry{Tools: tools, ServerName: server})
		// The dangerous set is keyed by server name, the same key the
		// detectors mark under. The tag only identifies the target URL.
		dangerous, filter := r.shared.DangerousTools(server)
		if err := m.ReplaceTools(rewrite.Tools(tools, dangerous, filter)); err != nil {
			return nil, fmt.Errorf("rewrite tools: %w", err)
		}
	}
	return m, nil
}

// clientToTarget drains the connection queue, gates each message and posts
// it to the captured target endpoint.
func (r *Remote) clientToTarget(ctx context.Context, session *TargetSession, conn *state.SSEConnection, out *sseWriter, app, server, mcpTag string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-conn.Done():
			return nil
		case m, ok := <-conn.Dequeue():
			if !ok {
				return nil
			}
			res := r.verifier.CheckRequest(ctx, verify.CheckInput{
				App: app, Server: server, MCPTag: mcpTag,
				Producer: event.ProducerRemote, Message: m,
			})
			if !res.Allowed {
				if err := out.writeMessage(verify.BlockedMessage(m, res, false)); err != nil {
					return err
				}
				continue
			}
			if _, isCall := m.ToolCall(); isCall {
				if _, err := rewrite.StripFromMessage(m); err != nil {
					r.logger.Warn("reason strip failed", "error", err)
				}
			}

			outcome, err := session.PostMessage(ctx, m)
			if err != nil {
				r.logger.Warn("target post failed", "status", outcome.Status, "error", err)
				// Status 0 means the POST never got an HTTP answer.
				detail := fmt.Sprintf("target returned %d", outcome.Status)
				if outcome.Status == 0 {
					detail = "target unreachable: " + err.Error()
				}
				errMsg := jsonrpc.NewErrorResponse(m.ID, jsonrpc.ErrInternal, detail)
				if werr := out.writeMessage(errMsg); werr != nil {
					return werr
				}
				continue
			}
			if outcome.Reply != nil {
				forward, err := r.handleTargetMessage(ctx, outcome.Reply, app, server, mcpTag)
				if err != nil {
					return err
				}
				if err := out.writeMessage(forward); err != nil {
					return err
				}
			}
			// 202: the reply arrives on the SSE stream.
		}
	}
}

// ServeMessage handles POST /{app}/{server}/message: queue the frame for
// the live session's client-to-target loop.
func (r *Remote) ServeMessage(w http.ResponseWriter, req *http.Request, app, server string) {
	m, err := readMessage(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	conn, ok := r.shared.FindSSE(app, server)
	if !ok {
		http.Error(w, "no live session", http.StatusNotFound)
		return
	}
	if err := conn.Enqueue(m); err != nil {
		if err == state.ErrQueueFull {
			http.Error(w, "session queue full", http.StatusTooManyRequests)
			return
		}
		http.Error(w, "session closed", http.StatusGone)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
