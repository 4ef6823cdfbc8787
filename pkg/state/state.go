// Package state holds the process-wide mutable state the transports and
// detectors share: live SSE connections, outstanding tool calls, the
// per-server tool catalog and the dangerous-tool set.
//
// One coarse mutex guards everything. Throughput here is a handful of
// operations per relayed message; fine-grained locking buys nothing.
package state

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/freitascorp/mcpclaw/pkg/jsonrpc"
)

// MCPTagForURL derives the opaque server identifier for a remote target.
func MCPTagForURL(targetURL string) string {
	sum := sha256.Sum256([]byte(targetURL))
	return hex.EncodeToString(sum[:])
}

// PendingCall tracks a tools/call awaiting its response.
type PendingCall struct {
	App       string
	Server    string
	RequestID string
	ToolName  string
	Arguments map[string]any
	CreatedAt time.Time
}

// CatalogEntry is the most recently observed unmodified tool list for one
// (app, server) pair. The rewriter never mutates these; it works on copies.
type CatalogEntry struct {
	Tools         []jsonrpc.Tool
	ServerName    string
	ServerVersion string
	UpdatedAt     time.Time
}

// AnalysisStatus is the per-server detector progress surfaced at
// GET /analysis/status.
type AnalysisStatus struct {
	ToolsDiscovered int       `json:"tools_discovered"`
	ToolsScored     int       `json:"tools_scored"`
	LastUpdated     time.Time `json:"last_updated"`
}

type dangerEntry struct {
	tools         map[string]struct{}
	filterEnabled bool
}

// State is the supervisor-scoped holder passed by handle to components.
type State struct {
	mu sync.Mutex

	pending  map[string]PendingCall     // app \x00 server \x00 id
	catalog  map[string]CatalogEntry    // app \x00 server
	danger   map[string]*dangerEntry    // server name
	analysis map[string]AnalysisStatus  // server name
	sseConns map[string]*SSEConnection  // connection id

	// filterDefault seeds filterEnabled for servers without an explicit
	// per-server override. Set once at startup from the policy.
	filterDefault bool
}

// New creates empty shared state.
func New() *State {
	return &State{
		pending:       make(map[string]PendingCall),
		catalog:       make(map[string]CatalogEntry),
		danger:        make(map[string]*dangerEntry),
		analysis:      make(map[string]AnalysisStatus),
		sseConns:      make(map[string]*SSEConnection),
		filterDefault: true,
	}
}

// SetFilterDefault applies the policy-wide filter_dangerous setting.
// Per-server SetFilterEnabled calls still override it.
func (s *State) SetFilterDefault(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filterDefault = enabled
}

func callKey(app, server, id string) string {
	return app + "\x00" + server + "\x00" + id
}

func catKey(app, server string) string {
	return app + "\x00" + server
}

// ── PendingCalls ───────────────────────────────────────────────────

// AddPending records an outstanding tools/call.
func (s *State) AddPending(p PendingCall) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[callKey(p.App, p.Server, p.RequestID)] = p
}

// TakePending consumes the matching pending call, if any.
func (s *State) TakePending(app, server, id string) (PendingCall, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := callKey(app, server, id)
	p, ok := s.pending[k]
	if ok {
		delete(s.pending, k)
	}
	return p, ok
}

// ReapPending drops pending calls older than maxAge and returns how many.
func (s *State) ReapPending(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, p := range s.pending {
		if p.CreatedAt.Before(cutoff) {
			delete(s.pending, k)
			n++
		}
	}
	return n
}

// PendingCount reports outstanding calls.
func (s *State) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// ── ToolsCatalog ───────────────────────────────────────────────────

// SetCatalog stores the unmodified tool list for (app, server).
func (s *State) SetCatalog(app, server string, entry CatalogEntry) {
	entry.UpdatedAt = time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.catalog[catKey(app, server)] = entry

	st := s.analysis[server]
	st.ToolsDiscovered = len(entry.Tools)
	st.LastUpdated = time.Now()
	s.analysis[server] = st
}

// Catalog returns the stored tool list for (app, server).
func (s *State) Catalog(app, server string) (CatalogEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.catalog[catKey(app, server)]
	return e, ok
}

// ToolSpec looks up one tool descriptor in any catalog for the server.
func (s *State) ToolSpec(server, toolName string) (jsonrpc.Tool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.catalog {
		if e.ServerName != server && !hasServer(k, server) {
			continue
		}
		for _, t := range e.Tools {
			if t.Name == toolName {
				return t, true
			}
		}
	}
	return jsonrpc.Tool{}, false
}

func hasServer(key, server string) bool {
	// key is app \x00 server
	for i := 0; i < len(key); i++ {
		if key[i] == '\x00' {
			return key[i+1:] == server
		}
	}
	return false
}

// ── DangerousToolSet ───────────────────────────────────────────────

// MarkDangerous adds a tool to the server's dangerous set.
func (s *State) MarkDangerous(server, tool string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.danger[server]
	if e == nil {
		e = &dangerEntry{tools: make(map[string]struct{}), filterEnabled: s.filterDefault}
		s.danger[server] = e
	}
	e.tools[tool] = struct{}{}
}

// ClearDangerous removes a tool from the server's dangerous set.
func (s *State) ClearDangerous(server, tool string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.danger[server]; e != nil {
		delete(e.tools, tool)
	}
}

// SetFilterEnabled toggles filtering for one server.
func (s *State) SetFilterEnabled(server string, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.danger[server]
	if e == nil {
		e = &dangerEntry{tools: make(map[string]struct{})}
		s.danger[server] = e
	}
	e.filterEnabled = enabled
}

// DangerousTools returns a snapshot of the server's dangerous set plus the
// filter flag. The returned map is a copy.
func (s *State) DangerousTools(server string) (map[string]struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.danger[server]
	if e == nil {
		return map[string]struct{}{}, false
	}
	out := make(map[string]struct{}, len(e.tools))
	for t := range e.tools {
		out[t] = struct{}{}
	}
	return out, e.filterEnabled
}

// RecordScored bumps the per-server scored-tool counter.
func (s *State) RecordScored(server string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.analysis[server]
	st.ToolsScored++
	st.LastUpdated = time.Now()
	s.analysis[server] = st
}

// Analysis returns a copy of all per-server analysis statuses.
func (s *State) Analysis() map[string]AnalysisStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]AnalysisStatus, len(s.analysis))
	for k, v := range s.analysis {
		out[k] = v
	}
	return out
}

// ── SSE connections ────────────────────────────────────────────────

// ErrQueueFull is returned when a connection's inbound queue is saturated.
var ErrQueueFull = fmt.Errorf("sse connection queue full")

// SSEConnection is the registry row for one live SSE client.
type SSEConnection struct {
	ID        string
	App       string
	Server    string
	TargetURL string
	Headers   map[string]string
	CreatedAt time.Time

	queue  chan *jsonrpc.Message
	closed chan struct{}
	once   sync.Once
}

// NewSSEConnection builds a connection row with a bounded inbound queue.
func NewSSEConnection(id, app, server, targetURL string, headers map[string]string, queueSize int) *SSEConnection {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &SSEConnection{
		ID:        id,
		App:       app,
		Server:    server,
		TargetURL: targetURL,
		Headers:   headers,
		CreatedAt: time.Now(),
		queue:     make(chan *jsonrpc.Message, queueSize),
		closed:    make(chan struct{}),
	}
}

// Enqueue queues a client message for the target loop. Fails fast when the
// client outruns the target.
func (c *SSEConnection) Enqueue(m *jsonrpc.Message) error {
	select {
	case <-c.closed:
		return fmt.Errorf("sse connection closed")
	case c.queue <- m:
		return nil
	default:
		return ErrQueueFull
	}
}

// Dequeue returns the inbound message channel.
func (c *SSEConnection) Dequeue() <-chan *jsonrpc.Message { return c.queue }

// Close marks the connection dead. Safe to call twice.
func (c *SSEConnection) Close() {
	c.once.Do(func() { close(c.closed) })
}

// Done reports connection shutdown.
func (c *SSEConnection) Done() <-chan struct{} { return c.closed }

// RegisterSSE adds a connection to the registry.
func (s *State) RegisterSSE(c *SSEConnection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sseConns[c.ID] = c
}

// UnregisterSSE removes a connection.
func (s *State) UnregisterSSE(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sseConns, id)
}

// FindSSE locates the most recent live connection for (app, server).
func (s *State) FindSSE(app, server string) (*SSEConnection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *SSEConnection
	for _, c := range s.sseConns {
		if c.App == app && c.Server == server {
			if best == nil || c.CreatedAt.After(best.CreatedAt) {
				best = c
			}
		}
	}
	return best, best != nil
}

// CloseAllSSE shuts every live connection (supervisor shutdown).
func (s *State) CloseAllSSE() {
	s.mu.Lock()
	conns := make([]*SSEConnection, 0, len(s.sseConns))
	for _, c := range s.sseConns {
		conns = append(conns, c)
	}
	s.sseConns = make(map[string]*SSEConnection)
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}
