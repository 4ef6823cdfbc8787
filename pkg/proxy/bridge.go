// MCPClaw - Security interception proxy for the Model Context Protocol
// License: MIT
//
// Copyright (c) 2026 MCPClaw contributors

package proxy

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/freitascorp/mcpclaw/pkg/jsonrpc"
)

// Bridge is the proxy binary's remote mode: a stdio client on one side, the
// supervisor's stateless HTTP transport on the other. Every frame read from
// stdin is posted to /{app}/{server} with the target URL attached; the
// supervisor does all gating and rewriting.
type Bridge struct {
	serverBase string
	app        string
	server     string
	targetURL  string
	token      string
	client     *http.Client
	logger     *slog.Logger

	stdin  io.Reader
	stdout io.Writer
}

// NewBridge builds a remote-mode bridge against the supervisor.
func NewBridge(serverBase, app, server, targetURL, token string, logger *slog.Logger) *Bridge {
	return &Bridge{
		serverBase: serverBase,
		app:        app,
		server:     server,
		targetURL:  targetURL,
		token:      token,
		client:     &http.Client{Timeout: 60 * time.Second},
		logger:     logger,
		stdin:      os.Stdin,
		stdout:     os.Stdout,
	}
}

// SetStreams overrides the client-side pipes, for tests.
func (b *Bridge) SetStreams(in io.Reader, out io.Writer) {
	b.stdin = in
	b.stdout = out
}

// Run relays frames until stdin closes or ctx ends.
func (b *Bridge) Run(ctx context.Context) error {
	in := bufio.NewScanner(b.stdin)
	in.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for in.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := in.Bytes()
		if len(line) == 0 {
			continue
		}
		m, err := jsonrpc.Parse(line)
		if err != nil {
			b.logger.Warn("dropping malformed client frame", "error", err)
			continue
		}
		reply, err := b.relay(ctx, line)
		if err != nil {
			b.logger.Warn("supervisor relay failed", "error", err)
			if m.IsRequest() {
				errResp := jsonrpc.NewErrorResponse(m.ID, jsonrpc.ErrInternal, err.Error())
				if werr := b.writeOut(errResp); werr != nil {
					return werr
				}
			}
			continue
		}
		if reply == nil {
			continue // notification accepted with 202
		}
		if err := b.writeOut(reply); err != nil {
			return err
		}
	}
	return in.Err()
}

// relay posts one raw frame to the supervisor's HTTP transport.
func (b *Bridge) relay(ctx context.Context, frame []byte) (*jsonrpc.Message, error) {
	url := fmt.Sprintf("%s/%s/%s", b.serverBase, b.app, b.server)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(frame))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-MCP-Target-URL", b.targetURL)
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post to supervisor: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusAccepted:
		io.Copy(io.Discard, resp.Body)
		return nil, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 16*1024*1024))
		if err != nil {
			return nil, fmt.Errorf("read supervisor reply: %w", err)
		}
		return jsonrpc.Parse(raw)
	default:
		// Error statuses still carry a JSON-RPC error body.
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
		if m, perr := jsonrpc.Parse(raw); perr == nil {
			return m, nil
		}
		return nil, fmt.Errorf("supervisor returned %d", resp.StatusCode)
	}
}

func (b *Bridge) writeOut(m *jsonrpc.Message) error {
	data, err := m.Encode()
	if err != nil {
		return err
	}
	if _, err := b.stdout.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write client frame: %w", err)
	}
	return nil
}
