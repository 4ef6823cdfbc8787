package detect

import (
	"context"
	"testing"

	"github.com/freitascorp/mcpclaw/pkg/event"
)

func TestFilesystemExposureScoring(t *testing.T) {
	d := NewFilesystemExposure()
	cases := []struct {
		name string
		args map[string]any
		want event.Severity
	}{
		{"benign relative path", map[string]any{"path": "docs/readme.md"}, event.SeverityNone},
		{"etc passwd", map[string]any{"path": "/etc/passwd"}, event.SeverityHigh},
		{"ssh key", map[string]any{"file": "/home/user/.ssh/id_rsa"}, event.SeverityHigh},
		{"pem suffix", map[string]any{"target": "certs/server.pem"}, event.SeverityMedium},
		{"env file", map[string]any{"source": "config/.env"}, event.SeverityMedium},
		{"config extension", map[string]any{"file": "app.ini"}, event.SeverityLow},
		{"traversal to shadow", map[string]any{"path": "../../../../etc/shadow"}, event.SeverityHigh},
		{"encoded traversal", map[string]any{"url": "files?p=%2e%2e%2f%2e%2e%2fconfig"}, event.SeverityMedium},
		{"non-path arg ignored", map[string]any{"query": "/etc/passwd"}, event.SeverityNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := callEvent(t, "tag", "read_file", tc.args)
			f, err := d.Analyze(context.Background(), e)
			if err != nil {
				t.Fatal(err)
			}
			got := event.SeverityNone
			if f != nil {
				got = f.Severity
			}
			if got != tc.want {
				t.Fatalf("severity = %s, want %s (finding %+v)", got, tc.want, f)
			}
		})
	}
}

func TestFilesystemExposureNestedArgs(t *testing.T) {
	d := NewFilesystemExposure()
	e := callEvent(t, "tag", "batch_read", map[string]any{
		"options": map[string]any{
			"files": []any{
				map[string]any{"path": "/etc/sudoers"},
				map[string]any{"path": "notes.txt"},
			},
		},
	})
	f, err := d.Analyze(context.Background(), e)
	if err != nil {
		t.Fatal(err)
	}
	if f == nil || f.Severity != event.SeverityHigh {
		t.Fatalf("nested path not found: %+v", f)
	}
}

func TestFilesystemExposureWorstPathWins(t *testing.T) {
	d := NewFilesystemExposure()
	e := callEvent(t, "tag", "copy", map[string]any{
		"source":      "/etc/shadow",
		"destination": "backup.txt",
	})
	f, err := d.Analyze(context.Background(), e)
	if err != nil {
		t.Fatal(err)
	}
	if f == nil {
		t.Fatal("expected finding")
	}
	// /etc/shadow: critical path +50, critical keyword +40.
	if f.Score != 90 {
		t.Fatalf("score = %d, want 90", f.Score)
	}
}

func TestFilesystemExposureIgnoresResponses(t *testing.T) {
	d := NewFilesystemExposure()
	if d.Wants(resultEvent(t, "tag", "/etc/passwd contents")) {
		t.Fatal("responses carry no path arguments to score")
	}
}
