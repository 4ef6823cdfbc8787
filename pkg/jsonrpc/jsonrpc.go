// MCPClaw - Security interception proxy for the Model Context Protocol
// License: MIT
//
// Copyright (c) 2026 MCPClaw contributors

// Package jsonrpc implements the JSON-RPC 2.0 subset that MCP traffic uses.
// The proxy never interprets more of a message than it needs to: id, method,
// params.name, params.arguments, result.tools and result.content are the
// only fields it inspects. Everything else rides through as raw JSON.
//
// Spec: https://modelcontextprotocol.io/specification
package jsonrpc

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Well-known MCP methods the proxy cares about.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodToolsList   = "tools/list"
	MethodToolsCall   = "tools/call"
)

// JSON-RPC error codes.
const (
	ErrParse      = -32700
	ErrInvalidReq = -32600
	ErrNotFound   = -32601
	ErrInternal   = -32603
	ErrBlocked    = -32000 // proxy verification block
)

// Message is a JSON-RPC 2.0 request, notification or response.
// Params, Result and Error stay raw so unknown fields survive the proxy
// byte-for-byte in value (field order is not preserved).
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"` // float64 or string after decode; nil for notifications
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Parse decodes a single JSON-RPC frame.
func Parse(line []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return nil, fmt.Errorf("parse json-rpc frame: %w", err)
	}
	if m.JSONRPC == "" {
		m.JSONRPC = "2.0"
	}
	return &m, nil
}

// Encode serializes the message as a single line (no trailing newline).
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode json-rpc frame: %w", err)
	}
	return data, nil
}

// IsNotification reports whether the message is a request without an id.
func (m *Message) IsNotification() bool {
	return m.Method != "" && m.ID == nil
}

// IsRequest reports whether the message expects a response.
func (m *Message) IsRequest() bool {
	return m.Method != "" && m.ID != nil
}

// IsResponse reports whether the message answers an earlier request.
func (m *Message) IsResponse() bool {
	return m.Method == "" && (m.Result != nil || m.Error != nil)
}

// IDKey normalizes the message id into a map key. Notifications yield "".
// JSON numbers decode as float64; MCP ids are small integers in practice.
func (m *Message) IDKey() string {
	switch v := m.ID.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// ── tools/call ─────────────────────────────────────────────────────

// ToolCallParams is the decoded params of a tools/call request.
type ToolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolCall decodes tools/call params. Returns false for any other message.
func (m *Message) ToolCall() (*ToolCallParams, bool) {
	if m.Method != MethodToolsCall || len(m.Params) == 0 {
		return nil, false
	}
	var p ToolCallParams
	if err := json.Unmarshal(m.Params, &p); err != nil {
		return nil, false
	}
	return &p, true
}

// SetToolCallArguments re-encodes params with the given arguments, keeping
// any sibling params fields (e.g. _meta) intact.
func (m *Message) SetToolCallArguments(args map[string]any) error {
	var params map[string]any
	if err := json.Unmarshal(m.Params, &params); err != nil {
		return fmt.Errorf("decode tools/call params: %w", err)
	}
	params["arguments"] = args
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode tools/call params: %w", err)
	}
	m.Params = raw
	return nil
}

// ── tools/list ─────────────────────────────────────────────────────

// Tool describes one MCP tool as returned by tools/list.
type Tool struct {
	Name        string         `json:"name"`
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
	Annotations map[string]any `json:"annotations,omitempty"`
}

// Tools decodes result.tools from a tools/list response.
// Returns false if the message carries no tools array.
func (m *Message) Tools() ([]Tool, bool) {
	if len(m.Result) == 0 {
		return nil, false
	}
	var res struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(m.Result, &res); err != nil {
		return nil, false
	}
	if res.Tools == nil {
		return nil, false
	}
	return res.Tools, true
}

// ReplaceTools swaps result.tools in place, keeping all sibling result
// fields (nextCursor etc.) untouched.
func (m *Message) ReplaceTools(tools []Tool) error {
	var res map[string]any
	if err := json.Unmarshal(m.Result, &res); err != nil {
		return fmt.Errorf("decode tools/list result: %w", err)
	}
	res["tools"] = tools
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode tools/list result: %w", err)
	}
	m.Result = raw
	return nil
}

// ServerInfo decodes serverInfo from an initialize response.
func (m *Message) ServerInfo() (name, version string) {
	if len(m.Result) == 0 {
		return "", ""
	}
	var res struct {
		ServerInfo struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
	}
	if err := json.Unmarshal(m.Result, &res); err != nil {
		return "", ""
	}
	return res.ServerInfo.Name, res.ServerInfo.Version
}

// ── content extraction ─────────────────────────────────────────────

// ResultText concatenates every result.content[].text plus the
// structuredContent block, for detector scanning.
func (m *Message) ResultText() string {
	if len(m.Result) == 0 {
		return ""
	}
	var res struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		StructuredContent json.RawMessage `json:"structuredContent"`
	}
	if err := json.Unmarshal(m.Result, &res); err != nil {
		return ""
	}
	var sb strings.Builder
	for _, c := range res.Content {
		if c.Text != "" {
			if sb.Len() > 0 {
				sb.WriteByte('\n')
			}
			sb.WriteString(c.Text)
		}
	}
	if len(res.StructuredContent) > 0 {
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.Write(res.StructuredContent)
	}
	return sb.String()
}

// ── synthetic responses ────────────────────────────────────────────

// NewBlockedResult builds the synthetic response written in place of
// blocked traffic: a result whose single content item explains the block.
func NewBlockedResult(id any, text string) *Message {
	result := map[string]any{
		"content": []map[string]any{
			{"type": "text", "text": text},
		},
		"isError": true,
	}
	raw, _ := json.Marshal(result)
	return &Message{JSONRPC: "2.0", ID: id, Result: raw}
}

// NewToolsResult builds a tools/list response carrying the given tools.
func NewToolsResult(id any, tools []Tool) (*Message, error) {
	raw, err := json.Marshal(map[string]any{"tools": tools})
	if err != nil {
		return nil, fmt.Errorf("encode tools result: %w", err)
	}
	return &Message{JSONRPC: "2.0", ID: id, Result: raw}, nil
}

// NewErrorResponse builds a JSON-RPC error response.
func NewErrorResponse(id any, code int, message string) *Message {
	return &Message{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &Error{Code: code, Message: message},
	}
}

// NewRequest builds a request with pre-encoded params.
func NewRequest(id any, method string, params any) (*Message, error) {
	m := &Message{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode %s params: %w", method, err)
		}
		m.Params = raw
	}
	return m, nil
}

// NewNotification builds a notification (no id).
func NewNotification(method string, params any) (*Message, error) {
	m, err := NewRequest(nil, method, params)
	if err != nil {
		return nil, err
	}
	m.ID = nil
	return m, nil
}
