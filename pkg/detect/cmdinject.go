package detect

import (
	"context"
	"regexp"
	"strings"

	"github.com/freitascorp/mcpclaw/pkg/event"
)

// CommandInjection scans tools/call traffic for shell injection patterns.
// Three regex tiers plus a dangerous-command word list; severities collapse
// to high/medium/low.
type CommandInjection struct{}

// NewCommandInjection creates the detector.
func NewCommandInjection() *CommandInjection { return &CommandInjection{} }

type injectionRule struct {
	name    string
	pattern *regexp.Regexp
}

// Critical tier: destructive chaining, dynamic code execution, privilege
// escalation, exfiltration primitives.
var criticalInjectionRules = []injectionRule{
	{"destructive-chain", regexp.MustCompile(`(?i)(;|&&|\|\|)\s*rm\s+-rf?\b|rm\s+-rf?\s+[/~]`)},
	{"dynamic-eval", regexp.MustCompile(`(?i)\beval\s*\(`)},
	{"dynamic-exec", regexp.MustCompile(`(?i)\bexec\s*\(`)},
	{"os-system", regexp.MustCompile(`(?i)\bos\.system\s*\(|\bos\.popen\s*\(|subprocess\.`)},
	{"shell-true", regexp.MustCompile(`shell\s*=\s*True`)},
	{"priv-escalation", regexp.MustCompile(`(?i)\bsudo\s+|\bchmod\s+777\b|\bsetuid\b`)},
	{"netcat-exfil", regexp.MustCompile(`(?i)\bnc\s+(-\w+\s+)*-e\b|\bcurl\b[^|;&]*\|\s*(ba)?sh\b|\bwget\b[^|;&]*\|\s*(ba)?sh\b`)},
}

// High tier: command chaining with known binaries, env abuse, traversal,
// script-injection handlers.
var highInjectionRules = []injectionRule{
	{"command-chain", regexp.MustCompile(`(?i)(;|&&|\|\|)\s*(curl|wget|bash|sh|python|perl|ruby|php)\b`)},
	{"pipe-to-shell", regexp.MustCompile(`(?i)\|\s*(ba|z)?sh\b`)},
	{"env-abuse", regexp.MustCompile(`(?i)\$\{?IFS\}?|\$\(\s*printf|\bexport\s+\w+=`)},
	{"dir-traversal", regexp.MustCompile(`\.\./\.\./|\.\.\\\.\.\\`)},
	{"xss-handler", regexp.MustCompile(`(?i)<script\b|\bonerror\s*=|\bonload\s*=|javascript:`)},
}

// Medium tier: mere presence of interpreters or file-op verbs.
var mediumInjectionRules = []injectionRule{
	{"shell-interpreter", regexp.MustCompile(`(?i)\b(bash|zsh|cmd\.exe|powershell(\.exe)?)\b|(^|[\s"'=/])sh\s+-c\b`)},
	{"file-op-verb", regexp.MustCompile(`(?i)\b(rmdir|mkfs|fdisk|shred)\b|\bdd\s+if=`)},
}

// dangerousCommands add raw substring hits on top of the regex tiers.
var dangerousCommands = []string{
	"rm -rf", "rm -fr", "mkfs", "dd if=", ":(){", "del /f", "format c:",
	"shutdown", "reboot", "halt", "killall", "> /dev/sda",
}

// Name implements Detector.
func (d *CommandInjection) Name() string { return EngineCommandInjection }

// Wants implements Detector: tools/call traffic from either side.
func (d *CommandInjection) Wants(e *event.MCPEvent) bool {
	if e.EventType != event.TypeMCP && e.EventType != event.TypeProxy {
		return false
	}
	m := e.Data.Message
	if _, ok := m.ToolCall(); ok {
		return true
	}
	return e.Data.Task == event.TaskRecv && m.ResultText() != ""
}

// Analyze implements Detector.
func (d *CommandInjection) Analyze(_ context.Context, e *event.MCPEvent) (*event.Finding, error) {
	text := scanText(e)

	var details []event.Detail
	severity := event.SeverityNone

	check := func(rules []injectionRule, tier event.Severity, category string) {
		for _, r := range rules {
			if loc := r.pattern.FindString(text); loc != "" {
				details = append(details, event.Detail{
					Category: category,
					Match:    truncate(loc, 120),
					Reason:   "pattern " + r.name,
				})
				if rank(tier) > rank(severity) {
					severity = tier
				}
			}
		}
	}

	// Critical regex hits collapse into "high" for scoring.
	check(criticalInjectionRules, event.SeverityHigh, "critical")
	check(highInjectionRules, event.SeverityHigh, "high")
	check(mediumInjectionRules, event.SeverityMedium, "medium")

	lower := strings.ToLower(text)
	for _, w := range dangerousCommands {
		if strings.Contains(lower, w) {
			details = append(details, event.Detail{
				Category: "dangerous-command",
				Match:    w,
				Reason:   "dangerous command word",
			})
			if severity == event.SeverityNone {
				severity = event.SeverityLow
			}
		}
	}

	if severity == event.SeverityNone {
		return nil, nil
	}

	return &event.Finding{
		Engine:   EngineCommandInjection,
		Severity: severity,
		Score:    injectionScore(severity, len(details)),
		Details:  details,
	}, nil
}

func injectionScore(sev event.Severity, hits int) int {
	base := 0
	switch sev {
	case event.SeverityLow:
		base = 20
	case event.SeverityMedium:
		base = 50
	case event.SeverityHigh:
		base = 85
	}
	bonus := hits * 3
	if bonus > 15 {
		bonus = 15
	}
	score := base + bonus
	if score > 100 {
		score = 100
	}
	return score
}

func rank(s event.Severity) int {
	switch s {
	case event.SeverityLow:
		return 1
	case event.SeverityMedium:
		return 2
	case event.SeverityHigh:
		return 3
	case event.SeverityCritical:
		return 4
	default:
		return 0
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
