package detect

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/freitascorp/mcpclaw/pkg/event"
	"github.com/freitascorp/mcpclaw/pkg/journal"
)

// stubDetector lets tests script detector behavior.
type stubDetector struct {
	name    string
	finding *event.Finding
	err     error
	panics  bool
	seen    int
}

func (s *stubDetector) Name() string { return s.name }

func (s *stubDetector) Wants(*event.MCPEvent) bool { return true }

func (s *stubDetector) Analyze(_ context.Context, _ *event.MCPEvent) (*event.Finding, error) {
	s.seen++
	if s.panics {
		panic("boom")
	}
	return s.finding, s.err
}

func TestBusPersistsEventAndFindings(t *testing.T) {
	store := journal.NewMemoryStore()
	d := &stubDetector{name: "stub", finding: &event.Finding{
		Engine: "stub", Severity: event.SeverityHigh, Score: 90,
	}}
	b := NewBus(store, nil, testLogger(), d)
	b.Start()
	defer b.Shutdown(context.Background())

	e := callEvent(t, "tag", "run", map[string]any{"cmd": "ls"})
	c := b.Publish(e)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	if store.EventCount() != 1 {
		t.Fatalf("events = %d", store.EventCount())
	}
	findings := store.Findings()
	if len(findings) != 1 {
		t.Fatalf("findings = %d", len(findings))
	}
	if findings[0].EventID != e.ID {
		t.Fatalf("finding event id = %q, want %q", findings[0].EventID, e.ID)
	}
	if ids := store.FindingEventIDs(); ids[0] != 1 {
		t.Fatalf("finding raw id = %d", ids[0])
	}
}

func TestBusIsolatesFailingDetectors(t *testing.T) {
	store := journal.NewMemoryStore()
	bad := &stubDetector{name: "bad", err: errors.New("detector exploded")}
	worse := &stubDetector{name: "worse", panics: true}
	good := &stubDetector{name: "good", finding: &event.Finding{
		Engine: "good", Severity: event.SeverityLow, Score: 20,
	}}
	b := NewBus(store, nil, testLogger(), bad, worse, good)

	b.PublishSync(context.Background(), callEvent(t, "tag", "run", nil))

	findings := store.Findings()
	if len(findings) != 1 || findings[0].Engine != "good" {
		t.Fatalf("findings = %+v, want only the healthy detector's", findings)
	}
}

func TestBusSkipAnalysis(t *testing.T) {
	store := journal.NewMemoryStore()
	d := &stubDetector{name: "stub", finding: &event.Finding{Engine: "stub", Severity: event.SeverityHigh}}
	b := NewBus(store, nil, testLogger(), d)

	e := callEvent(t, "tag", "run", nil)
	e.SkipAnalysis = true
	b.PublishSync(context.Background(), e)

	if store.EventCount() != 1 {
		t.Fatal("raw event must still be journaled")
	}
	if d.seen != 0 {
		t.Fatal("detectors must not run on skip_analysis events")
	}
	if len(store.Findings()) != 0 {
		t.Fatal("no findings expected")
	}
}

func TestBusSyncModeIsImmediate(t *testing.T) {
	store := journal.NewMemoryStore()
	d := &stubDetector{name: "stub", finding: &event.Finding{Engine: "stub", Severity: event.SeverityMedium, Score: 50}}
	b := NewBus(store, nil, testLogger(), d)
	// No Start: sync mode must not depend on the worker.

	b.PublishSync(context.Background(), callEvent(t, "tag", "run", nil))
	if len(store.Findings()) != 1 {
		t.Fatal("sync publish must complete inline")
	}
}

func TestBusShedsOldestWhenSaturated(t *testing.T) {
	store := journal.NewMemoryStore()
	b := NewBus(store, nil, testLogger())
	// Worker never started, so the queue only fills.

	for i := 0; i < defaultQueueSize+10; i++ {
		b.Publish(callEvent(t, "tag", "run", nil))
	}
	if got := b.Shed.Load(); got != 10 {
		t.Fatalf("shed = %d, want 10", got)
	}
}
