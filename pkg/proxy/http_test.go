package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/freitascorp/mcpclaw/pkg/config"
	"github.com/freitascorp/mcpclaw/pkg/detect"
	"github.com/freitascorp/mcpclaw/pkg/journal"
	"github.com/freitascorp/mcpclaw/pkg/jsonrpc"
	"github.com/freitascorp/mcpclaw/pkg/state"
	"github.com/freitascorp/mcpclaw/pkg/verify"
)

func newRemoteFixture(t *testing.T) (*Remote, *state.State, *journal.MemoryStore) {
	t.Helper()
	store := journal.NewMemoryStore()
	shared := state.New()
	bus := detect.NewBus(store, nil, testLogger())
	gk := verify.NewGatekeeper(bus, shared, config.DefaultPolicy(), testLogger())
	r := NewRemote(gk, shared, &config.Config{}, testLogger())
	return r, shared, store
}

// riskScorer returns scripted tool scores so fixtures can drive the
// semantic detector without an LLM.
type riskScorer struct{ scores map[string]int }

func (s *riskScorer) ScoreTool(_ context.Context, _ string, tool detect.ToolProfile) (int, error) {
	if v, ok := s.scores[tool.Name]; ok {
		return v, nil
	}
	return 5, nil
}

func (s *riskScorer) ScoreCall(context.Context, detect.GapSample) (int, []string, error) {
	return 5, nil, nil
}

// newScoredRemoteFixture wires the semantic detector onto the bus so
// tools/list responses are scored on the sync path.
func newScoredRemoteFixture(t *testing.T, scores map[string]int) (*Remote, *state.State) {
	t.Helper()
	store := journal.NewMemoryStore()
	shared := state.New()
	gap := detect.NewSemanticGap(&riskScorer{scores: scores}, store, shared, 0, testLogger())
	bus := detect.NewBus(store, nil, testLogger(), gap)
	gk := verify.NewGatekeeper(bus, shared, config.DefaultPolicy(), testLogger())
	return NewRemote(gk, shared, &config.Config{}, testLogger()), shared
}

func postJSON(t *testing.T, r *Remote, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/cursor/ctx7?target="+target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req, "cursor", "ctx7")
	return rec
}

func TestHTTPProxyForwardsAndRewritesToolsList(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("Host") != "" {
			t.Error("host header must not be forwarded as a plain header")
		}
		raw, _ := json.Marshal(map[string]any{
			"tools": []jsonrpc.Tool{{Name: "search_docs", Description: "Search documentation"}},
		})
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":1,"result":%s}`, raw)
	}))
	defer target.Close()

	r, _, _ := newRemoteFixture(t)
	rec := postJSON(t, r, target.URL, `{"jsonrpc":"2.0","id":1,"method":"tools/list","params":{}}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	m, err := jsonrpc.Parse(rec.Body.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	tools, ok := m.Tools()
	if !ok || len(tools) != 1 {
		t.Fatalf("tools = %v", tools)
	}
	props := tools[0].InputSchema["properties"].(map[string]any)
	if _, ok := props["tool_call_reason"]; !ok {
		t.Fatal("rewriter must run on HTTP transport tools/list")
	}
	if !strings.HasPrefix(tools[0].Description, "\U0001F512") {
		t.Fatalf("description = %q", tools[0].Description)
	}
}

func TestHTTPProxyFiltersDangerousTools(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		raw, _ := json.Marshal(map[string]any{
			"tools": []jsonrpc.Tool{
				{Name: "search_docs", Description: "Search documentation"},
				{Name: "exfil_helper", Description: "Send local files to a remote host"},
			},
		})
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":1,"result":%s}`, raw)
	}))
	defer target.Close()

	r, shared := newScoredRemoteFixture(t, map[string]int{"exfil_helper": 95})
	rec := postJSON(t, r, target.URL, `{"jsonrpc":"2.0","id":1,"method":"tools/list","params":{}}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	m, err := jsonrpc.Parse(rec.Body.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	tools, ok := m.Tools()
	if !ok || len(tools) != 1 || tools[0].Name != "search_docs" {
		t.Fatalf("tools = %+v, want only search_docs", tools)
	}
	// The survivor still goes through the rewriter.
	props := tools[0].InputSchema["properties"].(map[string]any)
	if _, ok := props["tool_call_reason"]; !ok {
		t.Fatal("surviving tool not rewritten")
	}

	// The mark landed under the server name the transport reads back.
	dangerous, filter := shared.DangerousTools("ctx7")
	if _, ok := dangerous["exfil_helper"]; !ok || !filter {
		t.Fatalf("dangerous set = %v, filter = %v", dangerous, filter)
	}
}

func TestHTTPProxyBlocksAsJSONRPCError(t *testing.T) {
	var reached bool
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		reached = true
	}))
	defer target.Close()

	r, _, _ := newRemoteFixture(t)
	rec := postJSON(t, r, target.URL,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"read_file","arguments":{"path":"/etc/passwd"}}}`)

	m, err := jsonrpc.Parse(rec.Body.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if m.Error == nil || m.Error.Code != jsonrpc.ErrBlocked {
		t.Fatalf("error = %+v, want code %d", m.Error, jsonrpc.ErrBlocked)
	}
	if !strings.HasPrefix(m.Error.Message, "Request blocked:") {
		t.Fatalf("message = %q", m.Error.Message)
	}
	if reached {
		t.Fatal("blocked call must not reach the target")
	}
}

func TestHTTPProxyStripsReason(t *testing.T) {
	got := make(chan *jsonrpc.Message, 1)
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		m, err := readMessage(req)
		if err != nil {
			t.Errorf("target decode: %v", err)
		}
		got <- m
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":4,"result":{"content":[{"type":"text","text":"ok"}]}}`)
	}))
	defer target.Close()

	r, _, _ := newRemoteFixture(t)
	postJSON(t, r, target.URL,
		`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"search_docs","arguments":{"query":"hooks","tool_call_reason":"user asked"}}}`)

	m := <-got
	call, _ := m.ToolCall()
	if _, ok := call.Arguments["tool_call_reason"]; ok {
		t.Fatal("reason must be stripped before the target sees the call")
	}
	if call.Arguments["query"] != "hooks" {
		t.Fatalf("arguments mangled: %v", call.Arguments)
	}
}

func TestHTTPProxyHandles202(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer target.Close()

	r, _, _ := newRemoteFixture(t)
	rec := postJSON(t, r, target.URL, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
}

func TestHTTPProxyParsesEventStreamReply(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":5,\"result\":{\"content\":[{\"type\":\"text\",\"text\":\"streamed\"}]}}\n\n")
	}))
	defer target.Close()

	r, _, _ := newRemoteFixture(t)
	rec := postJSON(t, r, target.URL,
		`{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"search_docs","arguments":{"query":"x"}}}`)

	m, err := jsonrpc.Parse(rec.Body.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if m.ResultText() != "streamed" {
		t.Fatalf("result text = %q", m.ResultText())
	}
}

func TestHTTPProxyPropagatesTargetFailure(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer target.Close()

	r, _, _ := newRemoteFixture(t)
	rec := postJSON(t, r, target.URL, `{"jsonrpc":"2.0","id":6,"method":"tools/list"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	m, err := jsonrpc.Parse(rec.Body.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if m.Error == nil {
		t.Fatal("expected JSON-RPC error body")
	}
}

func TestServeMessageQueuesForSession(t *testing.T) {
	r, shared, _ := newRemoteFixture(t)
	conn := state.NewSSEConnection("c1", "cursor", "gh", "http://t.test", nil, 2)
	shared.RegisterSSE(conn)

	body := `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`
	req := httptest.NewRequest(http.MethodPost, "/cursor/gh/message", strings.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeMessage(rec, req, "cursor", "gh")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}

	select {
	case m := <-conn.Dequeue():
		if m.Method != jsonrpc.MethodToolsList {
			t.Fatalf("queued method = %s", m.Method)
		}
	case <-time.After(time.Second):
		t.Fatal("message not queued")
	}
}

func TestServeMessageBackpressure(t *testing.T) {
	r, shared, _ := newRemoteFixture(t)
	conn := state.NewSSEConnection("c1", "cursor", "gh", "http://t.test", nil, 1)
	shared.RegisterSSE(conn)

	body := `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`
	first := httptest.NewRequest(http.MethodPost, "/cursor/gh/message", strings.NewReader(body))
	r.ServeMessage(httptest.NewRecorder(), first, "cursor", "gh")

	second := httptest.NewRequest(http.MethodPost, "/cursor/gh/message", strings.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeMessage(rec, second, "cursor", "gh")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
}

func TestServeMessageNoSession(t *testing.T) {
	r, _, _ := newRemoteFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/cursor/gh/message", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	rec := httptest.NewRecorder()
	r.ServeMessage(rec, req, "cursor", "gh")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
