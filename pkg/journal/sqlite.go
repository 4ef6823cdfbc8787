// Package journal — SQLite-backed journal store.
//
// SQLiteStore is the default single-node backend. It uses the pure-Go
// driver so the proxy binaries stay CGo-free.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGo)

	"github.com/freitascorp/mcpclaw/pkg/event"
)

// SQLiteStore implements Store with SQLite persistence.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the journal database at dbPath.
// Use ":memory:" for tests.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// modernc pragma syntax; the cascades on rpc_events and engine_results
	// depend on foreign_keys being on.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}

	// The journal is single-writer per table; one connection keeps the
	// writes serialized without busy retries.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS raw_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			producer TEXT NOT NULL,
			pid INTEGER,
			pname TEXT,
			event_type TEXT NOT NULL,
			mcp_tag TEXT NOT NULL,
			data_json TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_raw_events_ts ON raw_events(ts)`,
		`CREATE TABLE IF NOT EXISTS rpc_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			raw_event_id INTEGER NOT NULL REFERENCES raw_events(id) ON DELETE CASCADE,
			ts INTEGER NOT NULL,
			mcptype TEXT NOT NULL,
			mcptag TEXT NOT NULL,
			direction TEXT NOT NULL,
			method TEXT,
			message_id TEXT,
			params_json TEXT,
			result_json TEXT,
			error_json TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rpc_events_corr ON rpc_events(mcptag, message_id, direction)`,
		`CREATE TABLE IF NOT EXISTS engine_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			raw_event_id INTEGER NOT NULL REFERENCES raw_events(id) ON DELETE CASCADE,
			engine_name TEXT NOT NULL,
			producer TEXT,
			server_name TEXT,
			severity TEXT NOT NULL,
			score INTEGER NOT NULL,
			detail_json TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS mcpl (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			mcp_tag TEXT NOT NULL,
			producer TEXT,
			tool TEXT NOT NULL,
			tool_title TEXT,
			tool_description TEXT,
			tool_parameter TEXT,
			annotations TEXT,
			safety TEXT,
			safety_checked_at INTEGER,
			UNIQUE(mcp_tag, tool)
		)`,
		`CREATE TABLE IF NOT EXISTS custom_rules (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			engine_name TEXT NOT NULL,
			rule_name TEXT NOT NULL,
			rule_content TEXT NOT NULL,
			category TEXT,
			description TEXT,
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE(engine_name, rule_name)
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// AppendEvent writes the raw row and its JSON-RPC projection.
func (s *SQLiteStore) AppendEvent(ctx context.Context, e *event.MCPEvent) (int64, error) {
	dataJSON, err := json.Marshal(e.Data)
	if err != nil {
		return 0, fmt.Errorf("marshal event data: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO raw_events (ts, producer, pid, pname, event_type, mcp_tag, data_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Timestamp, string(e.Producer), e.PID, e.ProcessName, string(e.EventType), e.MCPTag, string(dataJSON))
	if err != nil {
		return 0, fmt.Errorf("insert raw event: %w", err)
	}
	rawID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("raw event id: %w", err)
	}

	msg := e.Data.Message
	method := msg.Method
	idKey := msg.IDKey()

	// Response rows carry no method on the wire; back-fill from the
	// matching request so the journal stays queryable by method.
	if method == "" && idKey != "" {
		var req sql.NullString
		err := s.db.QueryRowContext(ctx,
			`SELECT method FROM rpc_events
			 WHERE mcptag = ? AND message_id = ? AND direction = ? AND method != ''
			 ORDER BY id DESC LIMIT 1`,
			e.MCPTag, idKey, string(event.TaskSend)).Scan(&req)
		if err == nil && req.Valid {
			method = req.String
		}
	}

	var errJSON []byte
	if msg.Error != nil {
		errJSON, _ = json.Marshal(msg.Error)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rpc_events (raw_event_id, ts, mcptype, mcptag, direction, method, message_id, params_json, result_json, error_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rawID, e.Timestamp, string(e.EventType), e.MCPTag, string(e.Data.Task),
		method, idKey, nullable(msg.Params), nullable(msg.Result), nullable(errJSON))
	if err != nil {
		return 0, fmt.Errorf("insert rpc event: %w", err)
	}
	return rawID, nil
}

func nullable(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// AppendFinding writes one engine result row.
func (s *SQLiteStore) AppendFinding(ctx context.Context, rawEventID int64, f *event.Finding) error {
	detail, err := json.Marshal(f.Details)
	if err != nil {
		return fmt.Errorf("marshal finding detail: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO engine_results (raw_event_id, engine_name, producer, server_name, severity, score, detail_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rawEventID, f.Engine, string(f.Producer), f.ServerName, string(f.Severity), f.Score, string(detail))
	if err != nil {
		return fmt.Errorf("insert finding: %w", err)
	}
	return nil
}

// UpsertTool records a tool ledger row, preserving an existing safety tier.
func (s *SQLiteStore) UpsertTool(ctx context.Context, t ToolRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO mcpl (mcp_tag, producer, tool, tool_title, tool_description, tool_parameter, annotations, safety, safety_checked_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(mcp_tag, tool) DO UPDATE SET
		   producer = excluded.producer,
		   tool_title = excluded.tool_title,
		   tool_description = excluded.tool_description,
		   tool_parameter = excluded.tool_parameter,
		   annotations = excluded.annotations`,
		t.MCPTag, string(t.Producer), t.Name, t.Title, t.Description,
		t.InputSchema, t.Annotations, t.Safety, t.CheckedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert tool %s/%s: %w", t.MCPTag, t.Name, err)
	}
	return nil
}

// SetToolSafety updates the safety tier of a recorded tool.
func (s *SQLiteStore) SetToolSafety(ctx context.Context, mcpTag, tool, tier string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE mcpl SET safety = ?, safety_checked_at = ? WHERE mcp_tag = ? AND tool = ?`,
		tier, time.Now().UnixMilli(), mcpTag, tool)
	if err != nil {
		return fmt.Errorf("set tool safety %s/%s: %w", mcpTag, tool, err)
	}
	return nil
}

// CustomRules returns enabled rules for one engine.
func (s *SQLiteStore) CustomRules(ctx context.Context, engine string) ([]CustomRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT engine_name, rule_name, rule_content, category, description, enabled, created_at, updated_at
		 FROM custom_rules WHERE engine_name = ? AND enabled = 1 ORDER BY rule_name`,
		engine)
	if err != nil {
		return nil, fmt.Errorf("query custom rules: %w", err)
	}
	defer rows.Close()

	var out []CustomRule
	for rows.Next() {
		var r CustomRule
		var enabled int
		var created, updated int64
		if err := rows.Scan(&r.Engine, &r.Name, &r.Content, &r.Category, &r.Description, &enabled, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan custom rule: %w", err)
		}
		r.Enabled = enabled != 0
		r.CreatedAt = time.UnixMilli(created)
		r.UpdatedAt = time.UnixMilli(updated)
		out = append(out, r)
	}
	return out, rows.Err()
}

// AddCustomRule inserts or replaces a custom rule.
func (s *SQLiteStore) AddCustomRule(ctx context.Context, r CustomRule) error {
	now := time.Now().UnixMilli()
	enabled := 0
	if r.Enabled {
		enabled = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO custom_rules (engine_name, rule_name, rule_content, category, description, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(engine_name, rule_name) DO UPDATE SET
		   rule_content = excluded.rule_content,
		   category = excluded.category,
		   description = excluded.description,
		   enabled = excluded.enabled,
		   updated_at = excluded.updated_at`,
		r.Engine, r.Name, r.Content, r.Category, r.Description, enabled, now, now)
	if err != nil {
		return fmt.Errorf("add custom rule %s/%s: %w", r.Engine, r.Name, err)
	}
	return nil
}

// PruneBefore deletes raw events older than the cutoff. Dependent rpc and
// engine rows cascade.
func (s *SQLiteStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM raw_events WHERE ts < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune raw events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
