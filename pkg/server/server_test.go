// MCPClaw - Security interception proxy for the Model Context Protocol
// License: MIT
//
// Copyright (c) 2026 MCPClaw contributors

package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/freitascorp/mcpclaw/pkg/config"
	"github.com/freitascorp/mcpclaw/pkg/detect"
	"github.com/freitascorp/mcpclaw/pkg/journal"
	"github.com/freitascorp/mcpclaw/pkg/jsonrpc"
	"github.com/freitascorp/mcpclaw/pkg/notify"
	"github.com/freitascorp/mcpclaw/pkg/proxy"
	"github.com/freitascorp/mcpclaw/pkg/state"
	"github.com/freitascorp/mcpclaw/pkg/verify"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	srv    *Server
	mux    *http.ServeMux
	shared *state.State
	store  *journal.MemoryStore
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{}
	}
	store := journal.NewMemoryStore()
	shared := state.New()
	bus := detect.NewBus(store, nil, testLogger())
	gate := verify.NewGatekeeper(bus, shared, config.DefaultPolicy(), testLogger())
	remote := proxy.NewRemote(gate, shared, cfg, testLogger())
	hub := notify.NewHub(testLogger())
	srv := New(cfg, gate, remote, shared, store, hub, testLogger())
	return &fixture{srv: srv, mux: srv.buildMux(), shared: shared, store: store}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out["status"] != "ok" {
		t.Fatalf("status field = %v", out["status"])
	}
}

func TestVerifyRequestRoundTrip(t *testing.T) {
	f := newFixture(t, nil)

	clean := `{"mcp_tag":"files","producer":"local","message":` +
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"read_file","arguments":{"path":"notes.txt"}}}}`
	rec := f.do(t, http.MethodPost, "/verify/request", clean)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var res verify.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if !res.Allowed {
		t.Fatalf("clean call denied: %q", res.Reason)
	}

	denied := `{"mcp_tag":"files","producer":"local","message":` +
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"read_file","arguments":{"path":"/etc/shadow"}}}}`
	rec = f.do(t, http.MethodPost, "/verify/request", denied)
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.Allowed {
		t.Fatal("denylisted call allowed")
	}
	if res.Reason == "" {
		t.Fatal("block carries no reason")
	}
}

func TestVerifyRejectsBadInput(t *testing.T) {
	f := newFixture(t, nil)
	if rec := f.do(t, http.MethodPost, "/verify/request", "{not json"); rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/verify/response", `{"mcp_tag":"x"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing message status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/verify/request", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET status = %d", rec.Code)
	}
}

func TestRegisterToolsAndSafety(t *testing.T) {
	f := newFixture(t, nil)

	reg := `{"mcp_tag":"files","server":"files","producer":"local","tools":[` +
		`{"name":"read_file","description":"Read a file","inputSchema":{"type":"object"}},` +
		`{"name":"run_shell","description":"Run a command"}]}`
	rec := f.do(t, http.MethodPost, "/register-tools", reg)
	if rec.Code != http.StatusOK {
		t.Fatalf("register status = %d", rec.Code)
	}

	if _, ok := f.shared.ToolSpec("files", "read_file"); !ok {
		t.Fatal("catalog not recorded in shared state")
	}
	if _, ok := f.store.Tool("files", "run_shell"); !ok {
		t.Fatal("tool ledger row missing")
	}

	// Nothing flagged yet.
	rec = f.do(t, http.MethodPost, "/tools/safety", `{"mcp_tag":"files"}`)
	var safety proxy.ToolSafetyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &safety); err != nil {
		t.Fatal(err)
	}
	if len(safety.Dangerous) != 0 {
		t.Fatalf("dangerous = %v, want empty", safety.Dangerous)
	}

	f.shared.MarkDangerous("files", "run_shell")
	rec = f.do(t, http.MethodPost, "/tools/safety", `{"mcp_tag":"files"}`)
	if err := json.Unmarshal(rec.Body.Bytes(), &safety); err != nil {
		t.Fatal(err)
	}
	if len(safety.Dangerous) != 1 || safety.Dangerous[0] != "run_shell" {
		t.Fatalf("dangerous = %v", safety.Dangerous)
	}
	if !safety.FilterEnabled {
		t.Fatal("filter flag lost")
	}
}

func TestSideChannelAuth(t *testing.T) {
	f := newFixture(t, &config.Config{AccessToken: "s3cret"})

	req := httptest.NewRequest(http.MethodPost, "/tools/safety", strings.NewReader(`{"mcp_tag":"files"}`))
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/tools/safety", strings.NewReader(`{"mcp_tag":"files"}`))
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid token status = %d", rec.Code)
	}

	// Health stays open either way.
	if rec := f.do(t, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
}

func TestAnalysisStatus(t *testing.T) {
	f := newFixture(t, nil)
	f.shared.SetCatalog("cursor", "files", state.CatalogEntry{
		Tools:      []jsonrpc.Tool{{Name: "read_file"}},
		ServerName: "files",
	})
	f.shared.RecordScored("files")

	rec := f.do(t, http.MethodGet, "/analysis/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out map[string]state.AnalysisStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	st, ok := out["files"]
	if !ok {
		t.Fatalf("no entry for files: %v", out)
	}
	if st.ToolsDiscovered != 1 || st.ToolsScored != 1 {
		t.Fatalf("status = %+v", st)
	}
}

func TestSessionRouting(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":{"content":[{"type":"text","text":"ok"}]}}`)
	}))
	defer target.Close()

	f := newFixture(t, nil)

	body := `{"jsonrpc":"2.0","id":1,"method":"ping"}`
	rec := f.do(t, http.MethodPost, "/cursor/gh?target="+target.URL, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("session POST status = %d", rec.Code)
	}
	m, err := jsonrpc.Parse(rec.Body.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if m.ResultText() != "ok" {
		t.Fatalf("reply text = %q", m.ResultText())
	}

	// GET without an event-stream accept is not a transport.
	if rec := f.do(t, http.MethodGet, "/cursor/gh", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("plain GET status = %d", rec.Code)
	}

	// Message sink with no live session.
	if rec := f.do(t, http.MethodPost, "/cursor/gh/message", body); rec.Code != http.StatusNotFound {
		t.Fatalf("orphan message status = %d", rec.Code)
	}

	if rec := f.do(t, http.MethodGet, "/nosuch", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("one-segment path status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/a/b/c/d", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("deep path status = %d", rec.Code)
	}
}
