package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestBridgeRelaysFrames(t *testing.T) {
	supervisor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cursor/gh" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("X-MCP-Target-URL") != "http://t.test/mcp" {
			t.Errorf("target header = %q", r.Header.Get("X-MCP-Target-URL"))
		}
		m, err := readMessage(r)
		if err != nil {
			t.Errorf("decode: %v", err)
		}
		if m.Method == "notifications/initialized" {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%q,"result":{"content":[{"type":"text","text":"ok"}]}}`, m.IDKey())
	}))
	defer supervisor.Close()

	b := NewBridge(supervisor.URL, "cursor", "gh", "http://t.test/mcp", "", testLogger())
	out := &syncBuffer{}
	input := `{"jsonrpc":"2.0","id":"1","method":"tools/list"}` + "\n" +
		`{"jsonrpc":"2.0","method":"notifications/initialized"}` + "\n"
	b.SetStreams(strings.NewReader(input), out)

	if err := b.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	replies := out.lines(t)
	if len(replies) != 1 {
		t.Fatalf("client frames = %d, want 1 (202 produces none)", len(replies))
	}
	if replies[0].IDKey() != "1" || replies[0].ResultText() != "ok" {
		t.Fatalf("reply = %+v", replies[0])
	}
}

func TestBridgeSynthesizesErrorOnSupervisorFailure(t *testing.T) {
	b := NewBridge("http://127.0.0.1:1", "cursor", "gh", "http://t.test", "", testLogger())
	out := &syncBuffer{}
	b.SetStreams(strings.NewReader(`{"jsonrpc":"2.0","id":"7","method":"tools/list"}`+"\n"), out)

	if err := b.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	replies := out.lines(t)
	if len(replies) != 1 {
		t.Fatalf("client frames = %d", len(replies))
	}
	if replies[0].Error == nil || replies[0].IDKey() != "7" {
		t.Fatalf("want JSON-RPC error for id 7, got %+v", replies[0])
	}
}
