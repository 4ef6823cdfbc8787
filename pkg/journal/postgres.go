// Package journal — PostgreSQL-backed journal store.
//
// PostgresStore exists for deployments where several proxies feed one
// shared journal. Schema matches the SQLite backend one-to-one.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/freitascorp/mcpclaw/pkg/event"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects with the given DSN and ensures the schema.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS raw_events (
			id BIGSERIAL PRIMARY KEY,
			ts BIGINT NOT NULL,
			producer TEXT NOT NULL,
			pid INTEGER,
			pname TEXT,
			event_type TEXT NOT NULL,
			mcp_tag TEXT NOT NULL,
			data_json JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_raw_events_ts ON raw_events(ts)`,
		`CREATE TABLE IF NOT EXISTS rpc_events (
			id BIGSERIAL PRIMARY KEY,
			raw_event_id BIGINT NOT NULL REFERENCES raw_events(id) ON DELETE CASCADE,
			ts BIGINT NOT NULL,
			mcptype TEXT NOT NULL,
			mcptag TEXT NOT NULL,
			direction TEXT NOT NULL,
			method TEXT,
			message_id TEXT,
			params_json JSONB,
			result_json JSONB,
			error_json JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rpc_events_corr ON rpc_events(mcptag, message_id, direction)`,
		`CREATE TABLE IF NOT EXISTS engine_results (
			id BIGSERIAL PRIMARY KEY,
			raw_event_id BIGINT NOT NULL REFERENCES raw_events(id) ON DELETE CASCADE,
			engine_name TEXT NOT NULL,
			producer TEXT,
			server_name TEXT,
			severity TEXT NOT NULL,
			score INTEGER NOT NULL,
			detail_json JSONB
		)`,
		`CREATE TABLE IF NOT EXISTS mcpl (
			id BIGSERIAL PRIMARY KEY,
			mcp_tag TEXT NOT NULL,
			producer TEXT,
			tool TEXT NOT NULL,
			tool_title TEXT,
			tool_description TEXT,
			tool_parameter TEXT,
			annotations TEXT,
			safety TEXT,
			safety_checked_at BIGINT,
			UNIQUE(mcp_tag, tool)
		)`,
		`CREATE TABLE IF NOT EXISTS custom_rules (
			id BIGSERIAL PRIMARY KEY,
			engine_name TEXT NOT NULL,
			rule_name TEXT NOT NULL,
			rule_content TEXT NOT NULL,
			category TEXT,
			description TEXT,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			UNIQUE(engine_name, rule_name)
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// AppendEvent writes the raw row and its JSON-RPC projection.
func (s *PostgresStore) AppendEvent(ctx context.Context, e *event.MCPEvent) (int64, error) {
	dataJSON, err := json.Marshal(e.Data)
	if err != nil {
		return 0, fmt.Errorf("marshal event data: %w", err)
	}

	var rawID int64
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO raw_events (ts, producer, pid, pname, event_type, mcp_tag, data_json)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		e.Timestamp, string(e.Producer), e.PID, e.ProcessName, string(e.EventType), e.MCPTag, string(dataJSON)).Scan(&rawID)
	if err != nil {
		return 0, fmt.Errorf("insert raw event: %w", err)
	}

	msg := e.Data.Message
	method := msg.Method
	idKey := msg.IDKey()
	if method == "" && idKey != "" {
		var req sql.NullString
		err := s.db.QueryRowContext(ctx,
			`SELECT method FROM rpc_events
			 WHERE mcptag = $1 AND message_id = $2 AND direction = $3 AND method != ''
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rawID, e.Timestamp, string(e.EventType), e.MCPTag, string(e.Data.Task),
		method, idKey, nullable(msg.Params), nullable(msg.Result), nullable(errJSON))
	if err != nil {
		return 0, fmt.Errorf("insert rpc event: %w", err)
	}
	return rawID, nil
}

// AppendFinding writes one engine result row.
func (s *PostgresStore) AppendFinding(ctx context.Context, rawEventID int64, f *event.Finding) error {
	detail, err := json.Marshal(f.Details)
	if err != nil {
		return fmt.Errorf("marshal finding detail: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO engine_results (raw_event_id, engine_name, producer, server_name, severity, score, detail_json)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rawEventID, f.Engine, string(f.Producer), f.ServerName, string(f.Severity), f.Score, string(detail))
	if err != nil {
		return fmt.Errorf("insert finding: %w", err)
	}
	return nil
}

// UpsertTool records a tool ledger row.
func (s *PostgresStore) UpsertTool(ctx context.Context, t ToolRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO mcpl (mcp_tag, producer, tool, tool_title, tool_description, tool_parameter, annotations, safety, safety_checked_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
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
func (s *PostgresStore) SetToolSafety(ctx context.Context, mcpTag, tool, tier string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE mcpl SET safety = $1, safety_checked_at = $2 WHERE mcp_tag = $3 AND tool = $4`,
		tier, time.Now().UnixMilli(), mcpTag, tool)
	if err != nil {
		return fmt.Errorf("set tool safety %s/%s: %w", mcpTag, tool, err)
	}
	return nil
}

// CustomRules returns enabled rules for one engine.
func (s *PostgresStore) CustomRules(ctx context.Context, engine string) ([]CustomRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT engine_name, rule_name, rule_content, category, description, enabled, created_at, updated_at
		 FROM custom_rules WHERE engine_name = $1 AND enabled ORDER BY rule_name`,
		engine)
	if err != nil {
		return nil, fmt.Errorf("query custom rules: %w", err)
	}
	defer rows.Close()

	var out []CustomRule
	for rows.Next() {
		var r CustomRule
		var created, updated int64
		if err := rows.Scan(&r.Engine, &r.Name, &r.Content, &r.Category, &r.Description, &r.Enabled, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan custom rule: %w", err)
		}
		r.CreatedAt = time.UnixMilli(created)
		r.UpdatedAt = time.UnixMilli(updated)
		out = append(out, r)
	}
	return out, rows.Err()
}

// AddCustomRule inserts or replaces a custom rule.
func (s *PostgresStore) AddCustomRule(ctx context.Context, r CustomRule) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO custom_rules (engine_name, rule_name, rule_content, category, description, enabled, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT(engine_name, rule_name) DO UPDATE SET
		   rule_content = excluded.rule_content,
		   category = excluded.category,
		   description = excluded.description,
		   enabled = excluded.enabled,
		   updated_at = excluded.updated_at`,
		r.Engine, r.Name, r.Content, r.Category, r.Description, r.Enabled, now, now)
	if err != nil {
		return fmt.Errorf("add custom rule %s/%s: %w", r.Engine, r.Name, err)
	}
	return nil
}

// PruneBefore deletes raw events older than the cutoff.
func (s *PostgresStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM raw_events WHERE ts < $1`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune raw events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Close closes the underlying database.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
