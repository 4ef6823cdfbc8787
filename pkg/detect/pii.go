package detect

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"

	"github.com/freitascorp/mcpclaw/pkg/event"
	"github.com/freitascorp/mcpclaw/pkg/journal"
)

// PII categories.
const (
	CategoryPII       = "PII"
	CategoryFinancial = "Financial PII"
	CategoryMedical   = "Medical PII"
	CategoryCustom    = "Custom"
)

// piiRule is one compiled detection rule.
type piiRule struct {
	name     string
	category string
	pattern  *regexp.Regexp
	custom   bool
}

// Built-in ruleset. Custom rules from the journal are compiled on top at
// scan time so frontend edits take effect without a restart.
var builtinPIIRules = []piiRule{
	{"email-address", CategoryPII, regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), false},
	{"us-ssn", CategoryPII, regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), false},
	{"us-phone", CategoryPII, regexp.MustCompile(`\b(\+1[ .-]?)?\(?\d{3}\)?[ .-]\d{3}[ .-]\d{4}\b`), false},
	{"passport-number", CategoryPII, regexp.MustCompile(`\b[A-Z]{1,2}\d{6,9}\b`), false},
	{"credit-card", CategoryFinancial, regexp.MustCompile(`\b(?:4\d{3}|5[1-5]\d{2}|3[47]\d{2}|6011)[ -]?\d{4}[ -]?\d{4}[ -]?\d{1,4}\b`), false},
	{"iban", CategoryFinancial, regexp.MustCompile(`\b[A-Z]{2}\d{2}[A-Z0-9]{11,30}\b`), false},
	{"us-bank-routing", CategoryFinancial, regexp.MustCompile(`\b(aba|routing)[ #:]*\d{9}\b`), false},
	{"medical-record-number", CategoryMedical, regexp.MustCompile(`(?i)\b(mrn|medical record)[ #:]*\d{5,10}\b`), false},
	{"diagnosis-code", CategoryMedical, regexp.MustCompile(`(?i)\b(diagnos(is|ed)|prescription|icd-10)[ :]+[A-Za-z0-9 .-]{3,40}`), false},
}

// PIILeak scans tools/call arguments and responses against the built-in
// ruleset plus the journal's custom rules.
type PIILeak struct {
	journal journal.Store
	logger  *slog.Logger
}

// NewPIILeak creates the detector.
func NewPIILeak(store journal.Store, logger *slog.Logger) *PIILeak {
	return &PIILeak{journal: store, logger: logger}
}

// Name implements Detector.
func (d *PIILeak) Name() string { return EnginePIILeak }

// Wants implements Detector: MCP traffic from either endpoint, not the
// proxy's own probes.
func (d *PIILeak) Wants(e *event.MCPEvent) bool {
	if e.EventType != event.TypeMCP {
		return false
	}
	if e.Producer != event.ProducerLocal && e.Producer != event.ProducerRemote {
		return false
	}
	m := e.Data.Message
	if _, ok := m.ToolCall(); ok {
		return true
	}
	return e.Data.Task == event.TaskRecv && m.ResultText() != ""
}

// Analyze implements Detector.
func (d *PIILeak) Analyze(ctx context.Context, e *event.MCPEvent) (*event.Finding, error) {
	text := d.scanTarget(e)
	if text == "" {
		return nil, nil
	}

	rules := d.rules(ctx)

	var details []event.Detail
	severity := event.SeverityNone
	matches := 0
	for _, r := range rules {
		found := r.pattern.FindAllString(text, 8)
		if len(found) == 0 {
			continue
		}
		matches += len(found)
		name := r.name
		if r.custom {
			name = "custom:" + name
		}
		for _, m := range found {
			details = append(details, event.Detail{
				Category: r.category,
				Match:    truncate(m, 80),
				Reason:   "rule " + name,
			})
		}
		tier := event.SeverityMedium
		if r.category == CategoryFinancial || r.category == CategoryMedical || r.category == CategoryCustom {
			tier = event.SeverityHigh
		}
		if rank(tier) > rank(severity) {
			severity = tier
		}
	}

	if severity == event.SeverityNone {
		return nil, nil
	}

	base := 50 // medium: plain PII
	if severity == event.SeverityHigh {
		base = 85
	} else if severity == event.SeverityLow {
		base = 20
	}
	bonus := 5 * matches
	if bonus > 15 {
		bonus = 15
	}
	score := base + bonus
	if score > 100 {
		score = 100
	}

	return &event.Finding{
		Engine:   EnginePIILeak,
		Severity: severity,
		Score:    score,
		Details:  details,
	}, nil
}

// scanTarget picks arguments for requests, content text for responses.
func (d *PIILeak) scanTarget(e *event.MCPEvent) string {
	m := e.Data.Message
	if e.Data.Task == event.TaskSend {
		args := callArguments(m)
		if args == nil {
			return ""
		}
		raw, err := json.Marshal(args)
		if err != nil {
			return ""
		}
		return string(raw)
	}
	return m.ResultText()
}

// rules returns built-ins plus compiled custom rules. Compile failures are
// logged and skipped so one bad rule never disables the ruleset.
func (d *PIILeak) rules(ctx context.Context) []piiRule {
	out := builtinPIIRules
	if d.journal == nil {
		return out
	}
	custom, err := d.journal.CustomRules(ctx, EnginePIILeak)
	if err != nil {
		d.logger.Warn("custom rule load failed", "error", err)
		return out
	}
	for _, r := range custom {
		re, err := regexp.Compile(r.Content)
		if err != nil {
			d.logger.Warn("custom rule does not compile", "rule", r.Name, "error", err)
			continue
		}
		category := r.Category
		if category == "" {
			category = CategoryCustom
		}
		out = append(out, piiRule{name: r.Name, category: category, pattern: re, custom: true})
	}
	return out
}
