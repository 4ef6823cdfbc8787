package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/freitascorp/mcpclaw/pkg/event"
	"github.com/freitascorp/mcpclaw/pkg/journal"
	"github.com/freitascorp/mcpclaw/pkg/jsonrpc"
	"github.com/freitascorp/mcpclaw/pkg/rewrite"
	"github.com/freitascorp/mcpclaw/pkg/state"
)

// DefaultDangerThreshold is the risk score at or above which a tool joins
// the DangerousToolSet when the policy does not override it.
const DefaultDangerThreshold = 80

// SemanticGap is the LLM-backed detector. It does two jobs:
//
//   - tools/list responses: ledger every advertised tool and score it for
//     poisoning, feeding the safety tier and the DangerousToolSet. This runs
//     on the sync path so the rewriter sees a current set.
//   - tools/call request/response pairs: judge whether the call matched the
//     tool's advertised purpose. Requests are parked until the response
//     arrives; a response with no parked request is logged and skipped.
type SemanticGap struct {
	scorer    Scorer
	journal   journal.Store
	shared    *state.State
	threshold int
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[string]*gapPending // mcp_tag \x00 id
}

type gapPending struct {
	sample  GapSample
	created time.Time
}

// NewSemanticGap creates the detector. scorer may be backed by any
// OpenAI-compatible endpoint. dangerThreshold is the policy's cutoff for
// the DangerousToolSet; zero or negative selects the default.
func NewSemanticGap(scorer Scorer, store journal.Store, shared *state.State, dangerThreshold int, logger *slog.Logger) *SemanticGap {
	if dangerThreshold <= 0 {
		dangerThreshold = DefaultDangerThreshold
	}
	return &SemanticGap{
		scorer:    scorer,
		journal:   store,
		shared:    shared,
		threshold: dangerThreshold,
		logger:    logger,
		pending:   make(map[string]*gapPending),
	}
}

// Name implements Detector.
func (d *SemanticGap) Name() string { return EngineSemanticGap }

// Wants implements Detector: tools/call legs plus tools/list responses,
// including the proxy's own pre-initialization probe.
func (d *SemanticGap) Wants(e *event.MCPEvent) bool {
	m := e.Data.Message
	if _, ok := m.ToolCall(); ok {
		return true
	}
	if e.Data.Task != event.TaskRecv {
		return false
	}
	if _, ok := m.Tools(); ok {
		return true
	}
	return m.IsResponse()
}

// Analyze implements Detector.
func (d *SemanticGap) Analyze(ctx context.Context, e *event.MCPEvent) (*event.Finding, error) {
	m := e.Data.Message

	if tools, ok := m.Tools(); ok && e.Data.Task == event.TaskRecv {
		return d.analyzeCatalog(ctx, e, tools)
	}

	if call, ok := m.ToolCall(); ok && e.Data.Task == event.TaskSend {
		d.parkRequest(e, call)
		return nil, nil
	}

	if m.IsResponse() && e.Data.Task == event.TaskRecv {
		return d.analyzePair(ctx, e)
	}
	return nil, nil
}

// ── tool poisoning (tools/list) ────────────────────────────────────

func (d *SemanticGap) analyzeCatalog(ctx context.Context, e *event.MCPEvent, tools []jsonrpc.Tool) (*event.Finding, error) {
	var details []event.Detail
	worst := 0

	for _, t := range tools {
		rec := journal.ToolRecord{
			MCPTag:      e.MCPTag,
			Producer:    e.Producer,
			Name:        t.Name,
			Title:       t.Title,
			Description: t.Description,
			InputSchema: marshalJSON(t.InputSchema),
			Annotations: marshalJSON(t.Annotations),
			Safety:      journal.SafetySafe,
			CheckedAt:   time.Now(),
		}
		if err := d.journal.UpsertTool(ctx, rec); err != nil {
			d.logger.Warn("tool ledger write failed", "tool", t.Name, "error", err)
		}

		if d.scorer == nil {
			continue
		}
		score, err := d.scorer.ScoreTool(ctx, e.Server, ToolProfile{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: rec.InputSchema,
		})
		if err != nil {
			d.logger.Warn("tool scoring failed", "tool", t.Name, "error", err)
			continue
		}

		tier := journal.TierForScore(score)
		if err := d.journal.SetToolSafety(ctx, e.MCPTag, t.Name, tier); err != nil {
			d.logger.Warn("safety tier write failed", "tool", t.Name, "error", err)
		}
		d.shared.RecordScored(d.serverKey(e))
		if score >= d.threshold {
			d.shared.MarkDangerous(d.serverKey(e), t.Name)
		}

		if score > worst {
			worst = score
		}
		if score >= 40 {
			details = append(details, event.Detail{
				Category: "tool-poisoning",
				Match:    t.Name,
				Reason:   fmt.Sprintf("risk %d (%s)", score, tier),
			})
		}
	}

	if worst < 40 {
		return nil, nil
	}
	severity := event.SeverityMedium
	if worst >= d.threshold {
		severity = event.SeverityHigh
	}
	return &event.Finding{
		Engine:   EngineSemanticGap,
		Severity: severity,
		Score:    worst,
		Details:  details,
	}, nil
}

// ── semantic gap (tools/call pairs) ────────────────────────────────

func (d *SemanticGap) parkRequest(e *event.MCPEvent, call *jsonrpc.ToolCallParams) {
	profile := ToolProfile{Name: call.Name}
	if spec, ok := d.shared.ToolSpec(d.serverKey(e), call.Name); ok {
		profile.Description = spec.Description
		profile.InputSchema = marshalJSON(spec.InputSchema)
	}

	// ToolCall decodes a fresh map, so stripping in place is safe here.
	reason := rewrite.ExtractReason(call.Arguments)
	args := call.Arguments
	rewrite.StripReason(args)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending[pairKey(e.MCPTag, e.Data.Message.IDKey())] = &gapPending{
		sample: GapSample{
			Tool:      profile,
			Reason:    reason,
			Arguments: marshalJSON(args),
		},
		created: time.Now(),
	}
	d.reapLocked()
}

func (d *SemanticGap) analyzePair(ctx context.Context, e *event.MCPEvent) (*event.Finding, error) {
	key := pairKey(e.MCPTag, e.Data.Message.IDKey())
	d.mu.Lock()
	p, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	}
	d.mu.Unlock()
	if !ok {
		// Response with no observed request: restart mid-session or
		// evicted pending entry. Never fatal.
		d.logger.Warn("unmatched tools/call response", "mcp_tag", e.MCPTag, "id", e.Data.Message.IDKey())
		return nil, nil
	}
	if d.scorer == nil {
		return nil, nil
	}

	p.sample.ResponsePre = truncate(e.Data.Message.ResultText(), 2000)
	risk, notes, err := d.scorer.ScoreCall(ctx, p.sample)
	if err != nil {
		return nil, fmt.Errorf("score call %s: %w", p.sample.Tool.Name, err)
	}

	// Observed behavior feeds the same safety view the catalog pass fills,
	// so a tool that misbehaves at call time loses its "safe" tier.
	tier := journal.TierForScore(risk)
	if err := d.journal.SetToolSafety(ctx, e.MCPTag, p.sample.Tool.Name, tier); err != nil {
		d.logger.Warn("safety tier write failed", "tool", p.sample.Tool.Name, "error", err)
	}
	if risk >= d.threshold {
		d.shared.MarkDangerous(d.serverKey(e), p.sample.Tool.Name)
	}
	if risk < 40 {
		return nil, nil
	}

	severity := event.SeverityMedium
	if risk >= d.threshold {
		severity = event.SeverityHigh
	}
	details := []event.Detail{{
		Category: "semantic-gap",
		Match:    p.sample.Tool.Name,
		Reason:   fmt.Sprintf("call diverges from advertised purpose, risk %d", risk),
	}}
	for _, n := range notes {
		details = append(details, event.Detail{Category: "judge-note", Reason: n})
	}
	return &event.Finding{
		Engine:   EngineSemanticGap,
		Severity: severity,
		Score:    risk,
		Details:  details,
	}, nil
}

// serverKey prefers the human server name, falling back to the tag.
func (d *SemanticGap) serverKey(e *event.MCPEvent) string {
	if e.Server != "" {
		return e.Server
	}
	return e.MCPTag
}

const pendingPairMaxAge = 10 * time.Minute

// reapLocked drops stale parked requests. Caller holds d.mu.
func (d *SemanticGap) reapLocked() {
	cutoff := time.Now().Add(-pendingPairMaxAge)
	for k, p := range d.pending {
		if p.created.Before(cutoff) {
			delete(d.pending, k)
		}
	}
}

func pairKey(mcpTag, id string) string {
	return mcpTag + "\x00" + id
}

func marshalJSON(v any) string {
	if v == nil {
		return ""
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}
