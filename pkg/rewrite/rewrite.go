// MCPClaw - Security interception proxy for the Model Context Protocol
// License: MIT
//
// Copyright (c) 2026 MCPClaw contributors

// Package rewrite transforms tool schemas on their way to the client:
// every tool gains a required tool_call_reason argument, descriptions are
// prefixed with a lock glyph, and dangerous tools are filtered out.
// Rewriting is output-only; catalogs always hold the originals.
package rewrite

import (
	"github.com/freitascorp/mcpclaw/pkg/jsonrpc"
)

// ReasonKey is the argument the proxy injects into every tool schema and
// strips from every outgoing call.
const ReasonKey = "tool_call_reason"

const lockGlyph = "\U0001F512" // 🔒

const reasonDescription = "Explain the reasoning and context for why you are calling this tool."

// Tools produces the client-facing view of a tool list. Total and
// deterministic: no failure modes. Applying it twice equals applying once.
func Tools(tools []jsonrpc.Tool, dangerous map[string]struct{}, filterEnabled bool) []jsonrpc.Tool {
	out := make([]jsonrpc.Tool, 0, len(tools))
	for _, t := range tools {
		if filterEnabled {
			if _, bad := dangerous[t.Name]; bad {
				continue
			}
		}
		out = append(out, rewriteTool(t))
	}
	return out
}

func rewriteTool(t jsonrpc.Tool) jsonrpc.Tool {
	schema := deepCopyMap(t.InputSchema)
	if schema == nil {
		schema = map[string]any{
			"type":       "object",
			"properties": map[string]any{},
			"required":   []any{},
		}
	}

	props, _ := schema["properties"].(map[string]any)
	if props == nil {
		props = map[string]any{}
	}
	props[ReasonKey] = map[string]any{
		"type":        "string",
		"description": reasonDescription,
	}
	schema["properties"] = props

	schema["required"] = appendRequired(schema["required"])

	t.InputSchema = schema
	if t.Description != "" && !hasGlyphPrefix(t.Description) {
		t.Description = lockGlyph + " " + t.Description
	}
	return t
}

// appendRequired adds ReasonKey exactly once, preserving existing entries
// and their order. Handles both []any (decoded JSON) and []string.
func appendRequired(required any) []any {
	var out []any
	switch r := required.(type) {
	case []any:
		out = append(out, r...)
	case []string:
		for _, v := range r {
			out = append(out, v)
		}
	}
	for _, v := range out {
		if s, ok := v.(string); ok && s == ReasonKey {
			return out
		}
	}
	return append(out, ReasonKey)
}

func hasGlyphPrefix(desc string) bool {
	return len(desc) >= len(lockGlyph) && desc[:len(lockGlyph)] == lockGlyph
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}

// ── argument stripping ─────────────────────────────────────────────

// StripReason removes ReasonKey from an argument tree, returning whether
// anything was removed. Arguments never leave the proxy with the key.
func StripReason(args map[string]any) bool {
	if args == nil {
		return false
	}
	changed := false
	if _, ok := args[ReasonKey]; ok {
		delete(args, ReasonKey)
		changed = true
	}
	for _, v := range args {
		if sub, ok := v.(map[string]any); ok {
			if StripReason(sub) {
				changed = true
			}
		}
		if list, ok := v.([]any); ok {
			for _, item := range list {
				if sub, ok := item.(map[string]any); ok && StripReason(sub) {
					changed = true
				}
			}
		}
	}
	return changed
}

// StrippedCopy returns a deep copy of args with ReasonKey removed at every
// level. The input is never touched.
func StrippedCopy(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := deepCopyMap(args)
	StripReason(out)
	return out
}

// ExtractReason pulls the caller's stated reason (if any) before stripping.
func ExtractReason(args map[string]any) string {
	if args == nil {
		return ""
	}
	if s, ok := args[ReasonKey].(string); ok {
		return s
	}
	return ""
}

// StripFromMessage strips ReasonKey from a tools/call message in place.
// Non-tool-call messages pass through untouched.
func StripFromMessage(m *jsonrpc.Message) (string, error) {
	call, ok := m.ToolCall()
	if !ok || call.Arguments == nil {
		return "", nil
	}
	reason := ExtractReason(call.Arguments)
	if !StripReason(call.Arguments) {
		return reason, nil
	}
	return reason, m.SetToolCallArguments(call.Arguments)
}
