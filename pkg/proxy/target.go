// MCPClaw - Security interception proxy for the Model Context Protocol
// License: MIT
//
// Copyright (c) 2026 MCPClaw contributors

// Package proxy implements the three transports: the STDIO child-process
// proxy, the SSE-bidirectional proxy and the stateless HTTP proxy.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/freitascorp/mcpclaw/pkg/jsonrpc"
)

// SSEFrame is one parsed server-sent event.
type SSEFrame struct {
	Event string
	Data  string
}

// postTimeout bounds non-streaming target calls.
const postTimeout = 30 * time.Second

// endpointWait is how long bring-up waits for the target's endpoint event
// before falling back to <target>/message.
const endpointWait = 5 * time.Second

// TargetSession is one live connection to a remote MCP server speaking the
// HTTP+SSE profile. Frames stream out of Events; requests go in through
// PostMessage against the endpoint the target announced.
type TargetSession struct {
	targetURL string
	headers   map[string]string
	stream    *http.Client
	post      *http.Client
	logger    *slog.Logger

	mu         sync.Mutex
	endpoint   string
	endpointCh chan struct{}

	events chan SSEFrame
	done   chan struct{}
	err    error
}

// DialTarget opens the target's SSE stream. Targets that answer 405 to the
// plain GET get a second chance via POST, which some servers require for
// stream bring-up.
func DialTarget(ctx context.Context, targetURL string, headers map[string]string, logger *slog.Logger) (*TargetSession, error) {
	s := &TargetSession{
		targetURL:  targetURL,
		headers:    headers,
		stream:     &http.Client{}, // no timeout: the stream lives as long as the session
		post:       &http.Client{Timeout: postTimeout},
		logger:     logger,
		endpointCh: make(chan struct{}),
		events:     make(chan SSEFrame, 64),
		done:       make(chan struct{}),
	}

	resp, err := s.open(ctx, http.MethodGet, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusMethodNotAllowed {
		resp.Body.Close()
		resp, err = s.open(ctx, http.MethodPost, []byte("{}"))
		if err != nil {
			return nil, err
		}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("target stream returned %d", resp.StatusCode)
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		resp.Body.Close()
		return nil, fmt.Errorf("target answered %q, not an event stream", resp.Header.Get("Content-Type"))
	}

	go s.readLoop(resp.Body)
	return s, nil
}

func (s *TargetSession) open(ctx context.Context, method string, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.targetURL, rd)
	if err != nil {
		return nil, fmt.Errorf("open target stream: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}
	resp, err := s.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open target stream: %w", err)
	}
	return resp, nil
}

// readLoop parses the SSE stream into frames. The endpoint event is
// captured, never forwarded.
func (s *TargetSession) readLoop(body io.ReadCloser) {
	defer body.Close()
	defer close(s.done)
	defer close(s.events)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var frame SSEFrame
	var data []string
	flush := func() {
		if len(data) == 0 && frame.Event == "" {
			return
		}
		frame.Data = strings.Join(data, "\n")
		if frame.Event == "endpoint" {
			s.setEndpoint(frame.Data)
		} else {
			select {
			case s.events <- frame:
			case <-time.After(30 * time.Second):
				s.logger.Warn("target frame dropped, consumer stalled", "event", frame.Event)
			}
		}
		frame = SSEFrame{}
		data = nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "event:"):
			frame.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case strings.HasPrefix(line, ":"):
			// comment/heartbeat, dropped
		}
	}
	flush()
	s.err = scanner.Err()
}

// Events is the stream of non-endpoint frames from the target.
func (s *TargetSession) Events() <-chan SSEFrame { return s.events }

// Done closes when the target stream ends.
func (s *TargetSession) Done() <-chan struct{} { return s.done }

// Err reports why the stream ended, if it ended badly.
func (s *TargetSession) Err() error { return s.err }

func (s *TargetSession) setEndpoint(raw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endpoint != "" {
		return
	}
	s.endpoint = resolveEndpoint(s.targetURL, raw)
	close(s.endpointCh)
}

// Endpoint blocks briefly for the target's announced message sink, falling
// back to <target>/message when none arrives.
func (s *TargetSession) Endpoint(ctx context.Context) string {
	select {
	case <-s.endpointCh:
	case <-time.After(endpointWait):
		s.logger.Warn("no endpoint event from target, using fallback sink")
	case <-ctx.Done():
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endpoint != "" {
		return s.endpoint
	}
	return strings.TrimRight(s.targetURL, "/") + "/message"
}

// resolveEndpoint joins a possibly relative endpoint path onto the target.
func resolveEndpoint(targetURL, raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw
	}
	base := targetURL
	if i := strings.Index(base, "://"); i >= 0 {
		if j := strings.Index(base[i+3:], "/"); j >= 0 {
			base = base[:i+3+j]
		}
	}
	if !strings.HasPrefix(raw, "/") {
		raw = "/" + raw
	}
	return base + raw
}

// PostOutcome describes what a message POST produced.
type PostOutcome struct {
	// Reply is the inline JSON-RPC reply for 200 responses; nil when the
	// answer will arrive on the SSE stream (202) instead.
	Reply  *jsonrpc.Message
	Status int
}

// PostMessage sends one JSON-RPC message to the captured endpoint.
func (s *TargetSession) PostMessage(ctx context.Context, m *jsonrpc.Message) (PostOutcome, error) {
	endpoint := s.Endpoint(ctx)
	body, err := m.Encode()
	if err != nil {
		return PostOutcome{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return PostOutcome{}, fmt.Errorf("post to target: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.post.Do(req)
	if err != nil {
		return PostOutcome{}, fmt.Errorf("post to target: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusAccepted:
		io.Copy(io.Discard, resp.Body)
		return PostOutcome{Status: resp.StatusCode}, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		reply, err := parseReplyBody(resp)
		if err != nil {
			return PostOutcome{Status: resp.StatusCode}, err
		}
		return PostOutcome{Reply: reply, Status: resp.StatusCode}, nil
	default:
		io.Copy(io.Discard, resp.Body)
		return PostOutcome{Status: resp.StatusCode},
			fmt.Errorf("target endpoint returned %d", resp.StatusCode)
	}
}

// parseReplyBody handles both plain JSON replies and one-shot event-stream
// bodies some targets use for POST responses.
func parseReplyBody(resp *http.Response) (*jsonrpc.Message, error) {
	ct := resp.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "text/event-stream") {
		return firstStreamMessage(resp.Body)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read target reply: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	return jsonrpc.Parse(raw)
}

// firstStreamMessage reads the first data event off a one-shot stream body.
func firstStreamMessage(body io.Reader) (*jsonrpc.Message, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data:") {
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			continue
		}
		if line == "" && len(data) > 0 {
			break
		}
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("event-stream reply carried no data")
	}
	return jsonrpc.Parse([]byte(strings.Join(data, "\n")))
}
