package journal

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// StoreConfig selects and parameterizes a journal backend.
type StoreConfig struct {
	Backend     string // "memory", "sqlite", "postgres"
	SQLitePath  string // explicit SQLite path; defaults under the user home
	PostgresDSN string
}

// NewStore creates the configured journal backend.
//
// Backends:
//   - "memory"   — in-process, non-durable (dev/test only)
//   - "sqlite"   — single-file durable journal (default)
//   - "postgres" — shared journal for multi-proxy deployments
func NewStore(cfg StoreConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case "memory":
		logger.Info("journal: using in-memory backend (non-durable)")
		return NewMemoryStore(), nil

	case "", "sqlite":
		dbPath := cfg.SQLitePath
		if dbPath == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("sqlite journal: resolve home dir: %w", err)
			}
			dir := filepath.Join(home, ".mcpclaw")
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("sqlite journal: create %s: %w", dir, err)
			}
			dbPath = filepath.Join(dir, "journal.db")
		}
		logger.Info("journal: using SQLite backend", "path", dbPath)
		return NewSQLiteStore(dbPath)

	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres journal requires MCP_JOURNAL_POSTGRES_DSN")
		}
		logger.Info("journal: using PostgreSQL backend")
		return NewPostgresStore(cfg.PostgresDSN)

	default:
		return nil, fmt.Errorf("unknown journal backend: %q (supported: memory, sqlite, postgres)", cfg.Backend)
	}
}
