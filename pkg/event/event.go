// Package event defines the unit of observation flowing through MCPClaw:
// every JSON-RPC exchange a transport sees becomes an MCPEvent, and every
// detector verdict about one becomes a Finding.
package event

import (
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/freitascorp/mcpclaw/pkg/jsonrpc"
)

// Producer identifies which side of the proxy originated a message.
type Producer string

const (
	ProducerLocal  Producer = "local"  // stdio child process
	ProducerRemote Producer = "remote" // remote HTTP/SSE target
	ProducerProxy  Producer = "proxy"  // synthesized by the proxy itself
)

// Task is the traffic direction relative to the target server.
type Task string

const (
	TaskSend Task = "SEND"
	TaskRecv Task = "RECV"
)

// Type categorizes events. MCP is ordinary relayed traffic; Proxy marks
// pre-initialization probe traffic the client never observes.
type Type string

const (
	TypeMCP     Type = "MCP"
	TypeProxy   Type = "Proxy"
	TypeFile    Type = "File"
	TypeProcess Type = "Process"
	TypeNetwork Type = "Network"
)

// Data wraps the observed JSON-RPC message with its direction.
type Data struct {
	Task    Task             `json:"task"`
	Message *jsonrpc.Message `json:"message"`
}

// MCPEvent is a single observed JSON-RPC exchange leg.
// Created by a transport adapter on every read, consumed synchronously by
// the gatekeeper and asynchronously by the event bus.
type MCPEvent struct {
	ID          string   `json:"id"`
	Timestamp   int64    `json:"ts"` // unix milliseconds
	Producer    Producer `json:"producer"`
	PID         int      `json:"pid,omitempty"`
	ProcessName string   `json:"process_name,omitempty"`
	EventType   Type     `json:"event_type"`
	MCPTag      string   `json:"mcp_tag"`
	App         string   `json:"app,omitempty"`
	Server      string   `json:"server,omitempty"`
	// SkipAnalysis marks events replayed from the proxy's own cache; the
	// detectors already scored the underlying tools once.
	SkipAnalysis bool `json:"skip_analysis,omitempty"`
	Data         Data `json:"data"`
}

// New creates an MCPEvent for the given message.
func New(producer Producer, etype Type, mcpTag string, task Task, msg *jsonrpc.Message) *MCPEvent {
	return &MCPEvent{
		ID:          uuid.NewString(),
		Timestamp:   time.Now().UnixMilli(),
		Producer:    producer,
		PID:         os.Getpid(),
		EventType:   etype,
		MCPTag:      mcpTag,
		Data:        Data{Task: task, Message: msg},
	}
}

// ── Findings ───────────────────────────────────────────────────────

// Severity ranks a finding.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Detail is one structured sub-finding.
type Detail struct {
	Category string `json:"category"`
	Match    string `json:"match,omitempty"`
	Reason   string `json:"reason"`
}

// Finding is a detector verdict about one MCPEvent.
type Finding struct {
	Engine     string   `json:"engine"`
	Severity   Severity `json:"severity"`
	Score      int      `json:"score"` // 0..100
	Details    []Detail `json:"details,omitempty"`
	EventID    string   `json:"event_id,omitempty"`
	ServerName string   `json:"server_name,omitempty"`
	Producer   Producer `json:"producer,omitempty"`
}
