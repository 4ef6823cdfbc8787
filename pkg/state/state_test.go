package state

import (
	"testing"
	"time"

	"github.com/freitascorp/mcpclaw/pkg/jsonrpc"
)

func TestPendingCallLifecycle(t *testing.T) {
	s := New()
	s.AddPending(PendingCall{App: "cursor", Server: "files", RequestID: "1", ToolName: "read_file"})

	if n := s.PendingCount(); n != 1 {
		t.Fatalf("pending = %d", n)
	}
	p, ok := s.TakePending("cursor", "files", "1")
	if !ok || p.ToolName != "read_file" {
		t.Fatalf("take = %+v, %v", p, ok)
	}
	if _, ok := s.TakePending("cursor", "files", "1"); ok {
		t.Fatal("second take must miss")
	}
}

func TestReapPending(t *testing.T) {
	s := New()
	s.AddPending(PendingCall{App: "a", Server: "s", RequestID: "old", CreatedAt: time.Now().Add(-time.Hour)})
	s.AddPending(PendingCall{App: "a", Server: "s", RequestID: "new"})

	if n := s.ReapPending(10 * time.Minute); n != 1 {
		t.Fatalf("reaped = %d", n)
	}
	if _, ok := s.TakePending("a", "s", "new"); !ok {
		t.Fatal("fresh call reaped")
	}
}

func TestCatalogAndToolSpec(t *testing.T) {
	s := New()
	s.SetCatalog("cursor", "files", CatalogEntry{
		Tools:      []jsonrpc.Tool{{Name: "read_file", Description: "Read a file"}},
		ServerName: "files",
	})

	entry, ok := s.Catalog("cursor", "files")
	if !ok || len(entry.Tools) != 1 {
		t.Fatalf("catalog = %+v, %v", entry, ok)
	}
	if entry.UpdatedAt.IsZero() {
		t.Fatal("UpdatedAt not stamped")
	}

	tool, ok := s.ToolSpec("files", "read_file")
	if !ok || tool.Description != "Read a file" {
		t.Fatalf("spec = %+v, %v", tool, ok)
	}
	if _, ok := s.ToolSpec("files", "nope"); ok {
		t.Fatal("unknown tool found")
	}

	st := s.Analysis()["files"]
	if st.ToolsDiscovered != 1 {
		t.Fatalf("discovered = %d", st.ToolsDiscovered)
	}
}

func TestDangerousToolSet(t *testing.T) {
	s := New()

	// Unknown server: empty set, filter off.
	set, filter := s.DangerousTools("files")
	if len(set) != 0 || filter {
		t.Fatalf("zero state = %v, %v", set, filter)
	}

	s.MarkDangerous("files", "run_shell")
	set, filter = s.DangerousTools("files")
	if _, ok := set["run_shell"]; !ok || !filter {
		t.Fatalf("after mark = %v, %v", set, filter)
	}

	// The snapshot is a copy.
	delete(set, "run_shell")
	set, _ = s.DangerousTools("files")
	if _, ok := set["run_shell"]; !ok {
		t.Fatal("caller mutated internal set")
	}

	s.SetFilterEnabled("files", false)
	if _, filter = s.DangerousTools("files"); filter {
		t.Fatal("filter still on")
	}
	s.ClearDangerous("files", "run_shell")
	if set, _ = s.DangerousTools("files"); len(set) != 0 {
		t.Fatalf("after clear = %v", set)
	}
}

func TestFilterDefaultSeedsNewEntries(t *testing.T) {
	s := New()
	s.SetFilterDefault(false)

	s.MarkDangerous("files", "run_shell")
	if _, filter := s.DangerousTools("files"); filter {
		t.Fatal("policy opt-out must carry into new entries")
	}

	// An explicit per-server toggle still wins.
	s.SetFilterEnabled("files", true)
	if _, filter := s.DangerousTools("files"); !filter {
		t.Fatal("per-server override lost")
	}
}

func TestSSERegistryFindsNewest(t *testing.T) {
	s := New()
	older := NewSSEConnection("c1", "cursor", "gh", "http://t", nil, 4)
	older.CreatedAt = time.Now().Add(-time.Minute)
	newer := NewSSEConnection("c2", "cursor", "gh", "http://t", nil, 4)
	s.RegisterSSE(older)
	s.RegisterSSE(newer)

	c, ok := s.FindSSE("cursor", "gh")
	if !ok || c.ID != "c2" {
		t.Fatalf("find = %+v, %v", c, ok)
	}
	if _, ok := s.FindSSE("cursor", "other"); ok {
		t.Fatal("wrong pair matched")
	}

	s.UnregisterSSE("c2")
	c, _ = s.FindSSE("cursor", "gh")
	if c.ID != "c1" {
		t.Fatalf("after unregister = %s", c.ID)
	}
}

func TestSSEConnectionBackpressure(t *testing.T) {
	c := NewSSEConnection("c1", "a", "s", "http://t", nil, 1)
	m := &jsonrpc.Message{JSONRPC: "2.0", Method: "ping"}

	if err := c.Enqueue(m); err != nil {
		t.Fatal(err)
	}
	if err := c.Enqueue(m); err != ErrQueueFull {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}

	c.Close()
	c.Close() // idempotent
	if err := c.Enqueue(m); err == nil || err == ErrQueueFull {
		t.Fatalf("enqueue on closed = %v, want closed error", err)
	}
	select {
	case <-c.Done():
	default:
		t.Fatal("Done not signalled after Close")
	}
}

func TestCloseAllSSE(t *testing.T) {
	s := New()
	c := NewSSEConnection("c1", "a", "s", "http://t", nil, 4)
	s.RegisterSSE(c)
	s.CloseAllSSE()

	select {
	case <-c.Done():
	default:
		t.Fatal("connection not closed")
	}
	if _, ok := s.FindSSE("a", "s"); ok {
		t.Fatal("registry not emptied")
	}
}

func TestMCPTagForURLStable(t *testing.T) {
	a := MCPTagForURL("http://x.test/sse")
	b := MCPTagForURL("http://x.test/sse")
	if a != b {
		t.Fatal("tag not deterministic")
	}
	if a == MCPTagForURL("http://y.test/sse") {
		t.Fatal("distinct URLs collide")
	}
	if len(a) != 64 {
		t.Fatalf("tag length = %d", len(a))
	}
}
