// MCPClaw - Security interception proxy for the Model Context Protocol
// License: MIT
//
// Copyright (c) 2026 MCPClaw contributors

// Package server is the HTTP surface of the mcpclaw binary: the remote
// transports, the stdio proxy's side channel, and the frontend push socket
// all hang off one mux.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/freitascorp/mcpclaw/pkg/config"
	"github.com/freitascorp/mcpclaw/pkg/journal"
	"github.com/freitascorp/mcpclaw/pkg/notify"
	"github.com/freitascorp/mcpclaw/pkg/proxy"
	"github.com/freitascorp/mcpclaw/pkg/state"
	"github.com/freitascorp/mcpclaw/pkg/verify"
)

// Server routes the fixed control endpoints and the /{app}/{server} session
// entrypoints.
type Server struct {
	cfg    *config.Config
	gate   *verify.Gatekeeper
	remote *proxy.Remote
	shared *state.State
	store  journal.Store
	hub    *notify.Hub
	logger *slog.Logger

	httpSrv *http.Server
}

// New wires the HTTP surface. hub may be nil when no frontend is attached.
func New(cfg *config.Config, gate *verify.Gatekeeper, remote *proxy.Remote, shared *state.State, store journal.Store, hub *notify.Hub, logger *slog.Logger) *Server {
	return &Server{
		cfg:    cfg,
		gate:   gate,
		remote: remote,
		shared: shared,
		store:  store,
		hub:    hub,
		logger: logger,
	}
}

// buildMux creates the HTTP mux with all routes. Exact paths win over the
// "/" catch-all, so the control endpoints shadow same-named apps.
func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/verify/request", s.handleVerifyRequest)
	mux.HandleFunc("/verify/response", s.handleVerifyResponse)
	mux.HandleFunc("/register-tools", s.handleRegisterTools)
	mux.HandleFunc("/tools/safety", s.handleToolSafety)
	mux.HandleFunc("/analysis/status", s.handleAnalysisStatus)
	if s.hub != nil {
		mux.HandleFunc("/ws", s.hub.ServeHTTP)
	}
	mux.HandleFunc("/", s.handleSession)
	return mux
}

// Start runs the server until ctx ends or ListenAndServe fails.
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:    s.cfg.ProxyAddr(),
		Handler: s.buildMux(),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	s.logger.Info("server starting", "addr", s.cfg.ProxyAddr())
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts the server down: live SSE sessions are closed first
// so their handlers return and Shutdown can drain.
func (s *Server) Stop(ctx context.Context) error {
	s.shared.CloseAllSSE()
	if s.hub != nil {
		s.hub.Shutdown()
	}
	if s.httpSrv != nil {
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}

// authorized enforces the optional bearer token on the side-channel
// endpoints. An empty configured token means open access (localhost default).
func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.AccessToken == "" {
		return true
	}
	token := r.Header.Get("Authorization")
	expected := "Bearer " + s.cfg.AccessToken
	return len(token) == len(expected) && subtle.ConstantTimeCompare([]byte(token), []byte(expected)) == 1
}

// ── control endpoints ──────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	clients := 0
	if s.hub != nil {
		clients = s.hub.ClientCount()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":        "ok",
		"pending_calls": s.shared.PendingCount(),
		"ws_clients":    clients,
		"timestamp":     time.Now(),
	})
}

func (s *Server) handleVerifyRequest(w http.ResponseWriter, r *http.Request) {
	s.handleVerify(w, r, s.gate.CheckRequest)
}

func (s *Server) handleVerifyResponse(w http.ResponseWriter, r *http.Request) {
	s.handleVerify(w, r, s.gate.CheckResponse)
}

// handleVerify serves one leg of the stdio proxy's remote verification.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request, check func(context.Context, verify.CheckInput) verify.Result) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var in verify.CheckInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "decode check input: "+err.Error(), http.StatusBadRequest)
		return
	}
	if in.Message == nil {
		http.Error(w, "check input has no message", http.StatusBadRequest)
		return
	}
	res := check(r.Context(), in)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

// handleRegisterTools records a stdio proxy's discovered catalog: shared
// state for the rewriter plus a tool ledger row per tool. Scoring happens
// separately, when the tools/list response flows through /verify/response.
func (s *Server) handleRegisterTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req proxy.RegisterToolsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "decode registration: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.MCPTag == "" {
		http.Error(w, "registration has no mcp_tag", http.StatusBadRequest)
		return
	}
	server := req.Server
	if server == "" {
		server = req.MCPTag
	}

	s.shared.SetCatalog("", server, state.CatalogEntry{
		Tools:      req.Tools,
		ServerName: server,
	})
	for _, tool := range req.Tools {
		schema, _ := json.Marshal(tool.InputSchema)
		rec := journal.ToolRecord{
			MCPTag:      req.MCPTag,
			Producer:    req.Producer,
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: string(schema),
		}
		if err := s.store.UpsertTool(r.Context(), rec); err != nil {
			s.logger.Warn("tool ledger write failed", "tool", tool.Name, "error", err)
		}
	}
	s.logger.Info("tools registered", "mcp_tag", req.MCPTag, "count", len(req.Tools))
	w.WriteHeader(http.StatusOK)
}

// handleToolSafety returns the current DangerousToolSet for one server.
func (s *Server) handleToolSafety(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req proxy.ToolSafetyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "decode safety request: "+err.Error(), http.StatusBadRequest)
		return
	}
	key := req.Server
	if key == "" {
		key = req.MCPTag
	}
	dangerous, filterEnabled := s.shared.DangerousTools(key)
	names := make([]string, 0, len(dangerous))
	for name := range dangerous {
		names = append(names, name)
	}
	sort.Strings(names)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(proxy.ToolSafetyResponse{
		Dangerous:     names,
		FilterEnabled: filterEnabled,
	})
}

func (s *Server) handleAnalysisStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.shared.Analysis())
}

// ── session entrypoints ────────────────────────────────────────────

// handleSession is the "/" catch-all serving /{app}/{server} and
// /{app}/{server}/message. A GET that accepts text/event-stream opens the
// SSE-bidirectional transport; a POST on the same path is the stateless
// HTTP transport.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case len(parts) == 2 && parts[0] != "" && parts[1] != "":
		app, server := parts[0], parts[1]
		switch {
		case r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/event-stream"):
			s.remote.ServeSSE(w, r, app, server)
		case r.Method == http.MethodPost:
			s.remote.ServeHTTP(w, r, app, server)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	case len(parts) == 3 && parts[2] == "message":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.remote.ServeMessage(w, r, parts[0], parts[1])
	default:
		http.NotFound(w, r)
	}
}
