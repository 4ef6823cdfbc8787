// MCPClaw - Security interception proxy for the Model Context Protocol
// License: MIT
//
// Copyright (c) 2026 MCPClaw contributors

package jsonrpc

import (
	"encoding/json"
	"testing"
)

func TestParseRequest(t *testing.T) {
	line := []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/list","params":{}}`)
	m, err := Parse(line)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !m.IsRequest() {
		t.Error("expected request")
	}
	if m.IsNotification() || m.IsResponse() {
		t.Error("misclassified request")
	}
	if m.Method != MethodToolsList {
		t.Errorf("method = %q", m.Method)
	}
	if m.IDKey() != "2" {
		t.Errorf("IDKey = %q, want 2", m.IDKey())
	}
}

func TestParseNotification(t *testing.T) {
	m, err := Parse([]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !m.IsNotification() {
		t.Error("expected notification")
	}
	if m.IDKey() != "" {
		t.Errorf("IDKey = %q, want empty", m.IDKey())
	}
}

func TestIDKeyStringAndFraction(t *testing.T) {
	m, _ := Parse([]byte(`{"jsonrpc":"2.0","id":"pre_tools_1","method":"tools/list"}`))
	if m.IDKey() != "pre_tools_1" {
		t.Errorf("IDKey = %q", m.IDKey())
	}
	m2 := &Message{ID: float64(1.5)}
	if m2.IDKey() != "1.5" {
		t.Errorf("IDKey = %q", m2.IDKey())
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	line := []byte(`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"read_file","arguments":{"path":"/tmp/x","nested":{"deep":true}},"_meta":{"progressToken":7}}}`)
	m, err := Parse(line)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	out, err := m.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var a, b map[string]any
	if err := json.Unmarshal(line, &a); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(out, &b); err != nil {
		t.Fatal(err)
	}
	if !deepEqualJSON(a, b) {
		t.Errorf("round trip changed message:\n in: %s\nout: %s", line, out)
	}
}

func deepEqualJSON(a, b any) bool {
	ab, _ := json.Marshal(a)
	bb, _ := json.Marshal(b)
	var av, bv any
	json.Unmarshal(ab, &av)
	json.Unmarshal(bb, &bv)
	return string(mustCanonical(av)) == string(mustCanonical(bv))
}

// mustCanonical re-marshals; Go maps marshal with sorted keys, which is
// canonical enough for equality here.
func mustCanonical(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

func TestToolCall(t *testing.T) {
	m, _ := Parse([]byte(`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"read_file","arguments":{"path":"/etc/passwd"}}}`))
	p, ok := m.ToolCall()
	if !ok {
		t.Fatal("expected tool call")
	}
	if p.Name != "read_file" {
		t.Errorf("name = %q", p.Name)
	}
	if p.Arguments["path"] != "/etc/passwd" {
		t.Errorf("arguments = %v", p.Arguments)
	}

	other, _ := Parse([]byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`))
	if _, ok := other.ToolCall(); ok {
		t.Error("initialize is not a tool call")
	}
}

func TestSetToolCallArgumentsKeepsSiblings(t *testing.T) {
	m, _ := Parse([]byte(`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"t","arguments":{"a":1},"_meta":{"k":"v"}}}`))
	if err := m.SetToolCallArguments(map[string]any{"a": float64(1), "b": "x"}); err != nil {
		t.Fatal(err)
	}
	var params map[string]any
	json.Unmarshal(m.Params, &params)
	if params["_meta"] == nil {
		t.Error("_meta dropped")
	}
	args := params["arguments"].(map[string]any)
	if args["b"] != "x" {
		t.Errorf("arguments = %v", args)
	}
}

func TestToolsAndReplaceTools(t *testing.T) {
	m, _ := Parse([]byte(`{"jsonrpc":"2.0","id":2,"result":{"tools":[{"name":"read_file","description":"Read a file"}],"nextCursor":"abc"}}`))
	tools, ok := m.Tools()
	if !ok || len(tools) != 1 {
		t.Fatalf("Tools = %v, %v", tools, ok)
	}

	tools[0].Description = "changed"
	if err := m.ReplaceTools(tools); err != nil {
		t.Fatal(err)
	}
	var res map[string]any
	json.Unmarshal(m.Result, &res)
	if res["nextCursor"] != "abc" {
		t.Error("nextCursor dropped by ReplaceTools")
	}
	again, _ := m.Tools()
	if again[0].Description != "changed" {
		t.Errorf("description = %q", again[0].Description)
	}
}

func TestToolsOnNonToolsResponse(t *testing.T) {
	m, _ := Parse([]byte(`{"jsonrpc":"2.0","id":9,"result":{"content":[{"type":"text","text":"hi"}]}}`))
	if _, ok := m.Tools(); ok {
		t.Error("content response misread as tools/list")
	}
}

func TestResultText(t *testing.T) {
	m, _ := Parse([]byte(`{"jsonrpc":"2.0","id":9,"result":{"content":[{"type":"text","text":"first"},{"type":"text","text":"second"}],"structuredContent":{"rows":3}}}`))
	got := m.ResultText()
	want := "first\nsecond\n{\"rows\":3}"
	if got != want {
		t.Errorf("ResultText = %q, want %q", got, want)
	}
}

func TestServerInfo(t *testing.T) {
	m, _ := Parse([]byte(`{"jsonrpc":"2.0","id":1,"result":{"protocolVersion":"2024-11-05","serverInfo":{"name":"fs","version":"1.2.0"}}}`))
	name, version := m.ServerInfo()
	if name != "fs" || version != "1.2.0" {
		t.Errorf("ServerInfo = %q %q", name, version)
	}
}

func TestNewBlockedResult(t *testing.T) {
	m := NewBlockedResult(float64(3), "Request blocked: denylist match")
	if m.IDKey() != "3" {
		t.Errorf("id = %v", m.ID)
	}
	if m.ResultText() != "Request blocked: denylist match" {
		t.Errorf("text = %q", m.ResultText())
	}
}

func TestNewErrorResponse(t *testing.T) {
	m := NewErrorResponse("abc", ErrBlocked, "Request blocked: nope")
	if m.Error == nil || m.Error.Code != -32000 {
		t.Fatalf("error = %+v", m.Error)
	}
	if !m.IsResponse() {
		t.Error("expected response")
	}
}

func TestNewRequestAndNotification(t *testing.T) {
	req, err := NewRequest("pre_tools_1", MethodToolsList, map[string]any{})
	if err != nil {
		t.Fatal(err)
	}
	if !req.IsRequest() {
		t.Error("expected request")
	}

	note, err := NewNotification(MethodInitialized, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !note.IsNotification() {
		t.Error("expected notification")
	}
}
