package journal

import (
	"context"
	"sync"
	"time"

	"github.com/freitascorp/mcpclaw/pkg/event"
)

// MemoryStore is the non-durable journal backend for development and tests.
type MemoryStore struct {
	mu       sync.Mutex
	nextID   int64
	events   []memEvent
	findings []memFinding
	tools    map[string]ToolRecord // key: mcpTag + "\x00" + tool
	rules    map[string]CustomRule // key: engine + "\x00" + name
}

type memEvent struct {
	id     int64
	event  event.MCPEvent
	method string // back-filled view
}

type memFinding struct {
	rawEventID int64
	finding    event.Finding
}

// NewMemoryStore creates an empty in-memory journal.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID: 1,
		tools:  make(map[string]ToolRecord),
		rules:  make(map[string]CustomRule),
	}
}

// AppendEvent records the event and returns its id.
func (s *MemoryStore) AppendEvent(_ context.Context, e *event.MCPEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	method := e.Data.Message.Method
	idKey := e.Data.Message.IDKey()
	if method == "" && idKey != "" {
		for i := len(s.events) - 1; i >= 0; i-- {
			prev := s.events[i]
			if prev.event.MCPTag == e.MCPTag && prev.event.Data.Task == event.TaskSend &&
				prev.event.Data.Message.IDKey() == idKey && prev.method != "" {
				method = prev.method
				break
			}
		}
	}

	id := s.nextID
	s.nextID++
	s.events = append(s.events, memEvent{id: id, event: *e, method: method})
	return id, nil
}

// AppendFinding records a finding.
func (s *MemoryStore) AppendFinding(_ context.Context, rawEventID int64, f *event.Finding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.findings = append(s.findings, memFinding{rawEventID: rawEventID, finding: *f})
	return nil
}

// UpsertTool records a tool ledger row.
func (s *MemoryStore) UpsertTool(_ context.Context, t ToolRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := t.MCPTag + "\x00" + t.Name
	if prev, ok := s.tools[key]; ok && t.Safety == "" {
		t.Safety = prev.Safety
	}
	s.tools[key] = t
	return nil
}

// SetToolSafety updates a recorded tool's tier.
func (s *MemoryStore) SetToolSafety(_ context.Context, mcpTag, tool, tier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := mcpTag + "\x00" + tool
	if t, ok := s.tools[key]; ok {
		t.Safety = tier
		t.CheckedAt = time.Now()
		s.tools[key] = t
	}
	return nil
}

// CustomRules returns enabled rules for one engine.
func (s *MemoryStore) CustomRules(_ context.Context, engine string) ([]CustomRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []CustomRule
	for _, r := range s.rules {
		if r.Engine == engine && r.Enabled {
			out = append(out, r)
		}
	}
	return out, nil
}

// AddCustomRule inserts or replaces a custom rule.
func (s *MemoryStore) AddCustomRule(_ context.Context, r CustomRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[r.Engine+"\x00"+r.Name] = r
	return nil
}

// PruneBefore drops events older than the cutoff.
func (s *MemoryStore) PruneBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms := cutoff.UnixMilli()
	var kept []memEvent
	var removed int64
	for _, e := range s.events {
		if e.event.Timestamp < ms {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return removed, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// ── test inspection helpers ────────────────────────────────────────

// EventCount returns the number of stored events.
func (s *MemoryStore) EventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// EventAt returns a copy of the i-th stored event.
func (s *MemoryStore) EventAt(i int) event.MCPEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[i].event
}

// MethodAt returns the (possibly back-filled) method of the i-th event.
func (s *MemoryStore) MethodAt(i int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[i].method
}

// Findings returns a copy of all stored findings with their event ids.
func (s *MemoryStore) Findings() []event.Finding {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.Finding, 0, len(s.findings))
	for _, f := range s.findings {
		out = append(out, f.finding)
	}
	return out
}

// FindingEventIDs returns the raw event id each finding points at.
func (s *MemoryStore) FindingEventIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.findings))
	for _, f := range s.findings {
		out = append(out, f.rawEventID)
	}
	return out
}

// Tool returns a recorded tool ledger row.
func (s *MemoryStore) Tool(mcpTag, name string) (ToolRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tools[mcpTag+"\x00"+name]
	return t, ok
}
