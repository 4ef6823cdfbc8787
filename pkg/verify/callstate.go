package verify

import (
	"sync"
	"time"
)

// CallState tracks one intercepted call through verification.
type CallState int

const (
	StateNone CallState = iota
	StatePendingReq
	StateAllowed
	StateBlockedReq
	StatePendingResp
	StateForwarded
	StateBlockedResp
	StateDropped
)

func (s CallState) String() string {
	switch s {
	case StatePendingReq:
		return "pending_req"
	case StateAllowed:
		return "allowed"
	case StateBlockedReq:
		return "blocked_req"
	case StatePendingResp:
		return "pending_resp"
	case StateForwarded:
		return "forwarded"
	case StateBlockedResp:
		return "blocked_resp"
	case StateDropped:
		return "dropped"
	default:
		return "none"
	}
}

// DefaultStaleAge is how long an answered-nothing call may sit in
// pending_resp before the reaper drops it.
const DefaultStaleAge = 600 * time.Second

type callEntry struct {
	state   CallState
	updated time.Time
}

// CallTable is the per-call verification state machine. Terminal entries
// (blocked, forwarded, dropped) are removed as they are reached; the table
// only ever holds calls in flight.
type CallTable struct {
	mu      sync.Mutex
	entries map[string]*callEntry
}

// NewCallTable creates an empty table.
func NewCallTable() *CallTable {
	return &CallTable{entries: make(map[string]*callEntry)}
}

func tableKey(app, server, id string) string {
	return app + "\x00" + server + "\x00" + id
}

// BeginRequest moves a call NONE -> PENDING_REQ.
func (t *CallTable) BeginRequest(app, server, id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[tableKey(app, server, id)] = &callEntry{state: StatePendingReq, updated: time.Now()}
}

// ResolveRequest settles the request verdict. Allowed calls advance to
// PENDING_RESP awaiting the target's answer; blocked calls terminate.
func (t *CallTable) ResolveRequest(app, server, id string, allowed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := tableKey(app, server, id)
	if !allowed {
		delete(t.entries, k)
		return
	}
	t.entries[k] = &callEntry{state: StatePendingResp, updated: time.Now()}
}

// ResolveResponse settles the response verdict and terminates the call.
// Returns the state the call was in, so callers can spot responses for
// calls the table never saw (StateNone).
func (t *CallTable) ResolveResponse(app, server, id string) CallState {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := tableKey(app, server, id)
	e, ok := t.entries[k]
	if !ok {
		return StateNone
	}
	delete(t.entries, k)
	return e.state
}

// State reports the current state of a call.
func (t *CallTable) State(app, server, id string) CallState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[tableKey(app, server, id)]; ok {
		return e.state
	}
	return StateNone
}

// Len reports in-flight calls.
func (t *CallTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Reap drops pending_resp entries older than maxAge and returns how many
// calls were moved to dropped. Runs on a timer, never on the hot path.
func (t *CallTable) Reap(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for k, e := range t.entries {
		if e.state == StatePendingResp && e.updated.Before(cutoff) {
			delete(t.entries, k)
			n++
		}
	}
	return n
}
