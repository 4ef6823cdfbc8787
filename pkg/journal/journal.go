// Package journal persists everything MCPClaw observes: raw events, the
// JSON-RPC view of them, detector findings, the per-server tool ledger and
// user-supplied custom detection rules.
//
// The journal is advisory. Write failures are logged by callers and never
// stall the forwarding path.
package journal

import (
	"context"
	"time"

	"github.com/freitascorp/mcpclaw/pkg/event"
)

// Safety tiers derived from the semantic-gap detector's score.
const (
	SafetyActionRequired    = "action-required"    // score >= 80
	SafetyActionRecommended = "action-recommended" // 40..79
	SafetySafe              = "safe"               // < 40
)

// TierForScore maps an LLM safety score onto a tier.
func TierForScore(score int) string {
	switch {
	case score >= 80:
		return SafetyActionRequired
	case score >= 40:
		return SafetyActionRecommended
	default:
		return SafetySafe
	}
}

// ToolRecord is one row of the mcpl tool ledger, unique per (mcp_tag, tool).
type ToolRecord struct {
	MCPTag      string
	Producer    event.Producer
	Name        string
	Title       string
	Description string
	InputSchema string // JSON
	Annotations string // JSON
	Safety      string
	CheckedAt   time.Time
}

// CustomRule is a user-supplied detection rule, unique per (engine, name).
type CustomRule struct {
	Engine      string
	Name        string
	Content     string // regex source
	Category    string
	Description string
	Enabled     bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Store is the persistence interface for the journal.
type Store interface {
	// AppendEvent writes one raw_events row plus its rpc_events projection
	// and returns the raw event id. For response rows with no method the
	// method is back-filled from the matching request.
	AppendEvent(ctx context.Context, e *event.MCPEvent) (int64, error)

	// AppendFinding writes one engine_results row linked to a raw event.
	AppendFinding(ctx context.Context, rawEventID int64, f *event.Finding) error

	// UpsertTool records or refreshes a tool ledger row.
	UpsertTool(ctx context.Context, t ToolRecord) error

	// SetToolSafety updates the safety tier of an already-recorded tool.
	SetToolSafety(ctx context.Context, mcpTag, tool, tier string) error

	// CustomRules returns the enabled custom rules for one engine.
	CustomRules(ctx context.Context, engine string) ([]CustomRule, error)

	// AddCustomRule inserts or replaces a custom rule.
	AddCustomRule(ctx context.Context, r CustomRule) error

	// PruneBefore deletes raw events (and dependent rows) older than the
	// cutoff, returning the number of raw rows removed.
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}
