package detect

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/freitascorp/mcpclaw/pkg/event"
)

// FilesystemExposure scores path-like arguments of tools/call requests.
// Five independent checks sum into a per-path score; the finding carries
// the worst path.
type FilesystemExposure struct{}

// NewFilesystemExposure creates the detector.
func NewFilesystemExposure() *FilesystemExposure { return &FilesystemExposure{} }

// pathArgKeys are the argument names treated as path-like.
var pathArgKeys = map[string]struct{}{
	"path": {}, "file": {}, "filename": {}, "dir": {}, "directory": {},
	"folder": {}, "location": {}, "source": {}, "destination": {},
	"target": {}, "url": {}, "uri": {}, "endpoint": {},
}

var criticalSystemPaths = regexp.MustCompile(`(?i)^(/etc/|/root/|/proc/|/sys/|/boot/|/dev/)|(^|[/\\])\.ssh([/\\]|$)|(?i)c:\\windows\\system32|(?i)c:\\windows\\syswow64`)

var (
	criticalKeywords = []string{"passwd", "shadow", "sudoers", "id_rsa", "id_ed25519", "private_key", "authorized_keys"}
	highKeywords     = []string{"credential", "secret", "token", "apikey", "api_key", "keychain", "wallet"}
	mediumKeywords   = []string{"config", "backup", "dump", "history", "cookie"}
)

var (
	criticalExtensions = []string{".pem", ".key", ".p12", ".pfx", ".ppk"}
	highExtensions     = []string{".env", ".sql", ".db", ".sqlite", ".sqlite3", ".kdbx"}
	mediumExtensions   = []string{".conf", ".cfg", ".ini", ".yaml", ".yml", ".log", ".bak"}
)

var traversalPatterns = []struct {
	pattern *regexp.Regexp
	points  int
	name    string
}{
	{regexp.MustCompile(`%252e%252e`), 40, "double-encoded traversal"},
	{regexp.MustCompile(`(?i)%2e%2e(%2f|%5c|/)`), 35, "url-encoded traversal"},
	{regexp.MustCompile(`\.\./|\.\.\\`), 30, "path traversal"},
}

// Name implements Detector.
func (d *FilesystemExposure) Name() string { return EngineFilesystemExposure }

// Wants implements Detector: tools/call requests only.
func (d *FilesystemExposure) Wants(e *event.MCPEvent) bool {
	if e.Data.Task != event.TaskSend {
		return false
	}
	_, ok := e.Data.Message.ToolCall()
	return ok
}

// Analyze implements Detector.
func (d *FilesystemExposure) Analyze(_ context.Context, e *event.MCPEvent) (*event.Finding, error) {
	args := callArguments(e.Data.Message)
	if args == nil {
		return nil, nil
	}

	paths := collectPathArgs(args)
	if len(paths) == 0 {
		return nil, nil
	}

	var details []event.Detail
	best := 0
	for _, p := range paths {
		score, reasons := scorePath(p)
		if score <= 0 {
			continue
		}
		if score > best {
			best = score
		}
		details = append(details, event.Detail{
			Category: "filesystem",
			Match:    truncate(p, 200),
			Reason:   fmt.Sprintf("score %d: %s", score, strings.Join(reasons, "; ")),
		})
	}

	if best == 0 {
		return nil, nil
	}

	severity := event.SeverityLow
	switch {
	case best >= 70:
		severity = event.SeverityHigh
	case best >= 40:
		severity = event.SeverityMedium
	}
	if best > 100 {
		best = 100
	}

	return &event.Finding{
		Engine:   EngineFilesystemExposure,
		Severity: severity,
		Score:    best,
		Details:  details,
	}, nil
}

// collectPathArgs walks the argument tree keeping leaves under path-like keys.
func collectPathArgs(args map[string]any) []string {
	var out []string
	var walk func(key string, v any)
	walk = func(key string, v any) {
		switch t := v.(type) {
		case string:
			if _, ok := pathArgKeys[strings.ToLower(key)]; ok && t != "" {
				out = append(out, t)
			}
		case map[string]any:
			for k, sub := range t {
				walk(k, sub)
			}
		case []any:
			for _, item := range t {
				walk(key, item)
			}
		}
	}
	for k, v := range args {
		walk(k, v)
	}
	return out
}

func scorePath(p string) (int, []string) {
	score := 0
	var reasons []string
	lower := strings.ToLower(p)

	// 1. Critical system path prefix.
	if criticalSystemPaths.MatchString(p) {
		score += 50
		reasons = append(reasons, "critical system path")
	}

	// 2. System keyword tiers (best tier only).
	switch {
	case containsAny(lower, criticalKeywords):
		score += 40
		reasons = append(reasons, "critical keyword")
	case containsAny(lower, highKeywords):
		score += 30
		reasons = append(reasons, "sensitive keyword")
	case containsAny(lower, mediumKeywords):
		score += 20
		reasons = append(reasons, "system keyword")
	}

	// 3. Dangerous extension: suffix match takes priority over substring.
	if pts, name := extensionScore(lower); pts > 0 {
		score += pts
		reasons = append(reasons, name)
	}

	// 4. Depth bonus.
	depth := strings.Count(p, "/") + strings.Count(p, "\\")
	bonus := 2 * (depth - 3)
	if bonus < 0 {
		bonus = 0
	}
	if bonus > 10 {
		bonus = 10
	}
	if bonus > 0 {
		score += bonus
		reasons = append(reasons, fmt.Sprintf("depth %d", depth))
	}

	// 5. Traversal patterns (worst match only).
	for _, t := range traversalPatterns {
		if t.pattern.MatchString(lower) {
			score += t.points
			reasons = append(reasons, t.name)
			break
		}
	}

	return score, reasons
}

func extensionScore(lower string) (int, string) {
	type tier struct {
		exts   []string
		points int
		name   string
	}
	tiers := []tier{
		{criticalExtensions, 55, "critical extension"},
		{highExtensions, 35, "sensitive extension"},
		{mediumExtensions, 15, "config extension"},
	}
	// Suffix match first across all tiers.
	for _, t := range tiers {
		for _, ext := range t.exts {
			if strings.HasSuffix(lower, ext) {
				return t.points, t.name
			}
		}
	}
	// Then mid-path occurrences (e.g. key.pem.txt).
	for _, t := range tiers {
		for _, ext := range t.exts {
			if strings.Contains(lower, ext+".") || strings.Contains(lower, ext+"/") {
				return t.points, t.name + " (embedded)"
			}
		}
	}
	return 0, ""
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
