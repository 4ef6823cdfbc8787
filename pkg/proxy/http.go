// MCPClaw - Security interception proxy for the Model Context Protocol
// License: MIT
//
// Copyright (c) 2026 MCPClaw contributors

package proxy

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/freitascorp/mcpclaw/pkg/event"
	"github.com/freitascorp/mcpclaw/pkg/jsonrpc"
	"github.com/freitascorp/mcpclaw/pkg/rewrite"
	"github.com/freitascorp/mcpclaw/pkg/state"
	"github.com/freitascorp/mcpclaw/pkg/verify"
)

// hopHeaders never cross the proxy in either direction.
var hopHeaders = map[string]struct{}{
	"host":              {},
	"content-length":    {},
	"connection":        {},
	"transfer-encoding": {},
}

// readMessage decodes a JSON-RPC body, bounded to 16 MiB.
func readMessage(req *http.Request) (*jsonrpc.Message, error) {
	raw, err := io.ReadAll(io.LimitReader(req.Body, 16*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return jsonrpc.Parse(raw)
}

// ServeHTTP handles POST /{app}/{server} for targets that speak plain
// request/response MCP without a stream. Stateless per message.
func (r *Remote) ServeHTTP(w http.ResponseWriter, req *http.Request, app, server string) {
	targetURL := r.targetFor(req)
	if targetURL == "" {
		http.Error(w, "no target configured", http.StatusBadGateway)
		return
	}
	mcpTag := state.MCPTagForURL(targetURL)
	ctx := req.Context()

	m, err := readMessage(req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, jsonrpc.NewErrorResponse(nil, jsonrpc.ErrParse, err.Error()))
		return
	}

	res := r.verifier.CheckRequest(ctx, verify.CheckInput{
		App: app, Server: server, MCPTag: mcpTag,
		Producer: event.ProducerRemote, Message: m,
	})
	if !res.Allowed {
		// The HTTP transport surfaces blocks as -32000 errors.
		writeJSON(w, http.StatusOK, jsonrpc.NewErrorResponse(m.ID, jsonrpc.ErrBlocked, "Request blocked: "+res.Reason))
		return
	}
	if _, isCall := m.ToolCall(); isCall {
		if _, err := rewrite.StripFromMessage(m); err != nil {
			r.logger.Warn("reason strip failed", "error", err)
		}
	}

	reply, status, err := r.forward(req, targetURL, m)
	if err != nil {
		r.logger.Warn("target forward failed", "target", targetURL, "error", err)
		if status == 0 {
			status = http.StatusBadGateway
		}
		writeJSON(w, status, jsonrpc.NewErrorResponse(m.ID, jsonrpc.ErrInternal, err.Error()))
		return
	}
	if reply == nil {
		// 202, no body: the target accepted a notification.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	forward, err := r.handleTargetMessage(ctx, reply, app, server, mcpTag)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, jsonrpc.NewErrorResponse(m.ID, jsonrpc.ErrInternal, err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, forward)
}

// forward posts the message to the target, handling JSON, one-shot
// event-stream and 202 reply shapes.
func (r *Remote) forward(in *http.Request, targetURL string, m *jsonrpc.Message) (*jsonrpc.Message, int, error) {
	body, err := m.Encode()
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(in.Context(), http.MethodPost, targetURL, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("build target request: %w", err)
	}
	for name, values := range in.Header {
		if _, hop := hopHeaders[strings.ToLower(name)]; hop {
			continue
		}
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range r.targetHeaders() {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: postTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("post to target: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusAccepted:
		io.Copy(io.Discard, resp.Body)
		return nil, resp.StatusCode, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		reply, err := parseReplyBody(resp)
		if err != nil {
			return nil, resp.StatusCode, err
		}
		return reply, resp.StatusCode, nil
	default:
		io.Copy(io.Discard, resp.Body)
		return nil, resp.StatusCode, fmt.Errorf("target returned %d", resp.StatusCode)
	}
}

// writeJSON writes one JSON-RPC message as an HTTP response.
func writeJSON(w http.ResponseWriter, status int, m *jsonrpc.Message) {
	data, err := m.Encode()
	if err != nil {
		http.Error(w, "encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
