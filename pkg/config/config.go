// Package config holds MCPClaw's runtime configuration: environment
// variables for deployment knobs and an optional YAML policy file for the
// verification denylist and detector thresholds.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is populated from the environment.
type Config struct {
	ProxyHost string `env:"MCP_PROXY_HOST" envDefault:"127.0.0.1"`
	ProxyPort int    `env:"MCP_PROXY_PORT" envDefault:"8282"`
	Debug     bool   `env:"MCP_DEBUG"`

	// Identity the stdio proxy reports for itself.
	AppName    string `env:"MCP_OBSERVER_APP_NAME" envDefault:"unknown-app"`
	ServerName string `env:"MCP_OBSERVER_SERVER_NAME" envDefault:"unknown-server"`

	// Remote target. When TargetURL is set the proxy binary ignores its
	// command arguments and runs in remote mode.
	TargetURL     string `env:"MCP_TARGET_URL"`
	TargetHeaders string `env:"MCP_TARGET_HEADERS"` // JSON object
	AccessToken   string `env:"API_ACCESS_TOKEN"`

	// LLM judge (Mistral or any OpenAI-compatible endpoint).
	LLMAPIKey  string `env:"MISTRAL_API_KEY"`
	LLMBaseURL string `env:"MCP_LLM_BASE_URL" envDefault:"https://api.mistral.ai/v1"`
	LLMModel   string `env:"MCP_LLM_MODEL" envDefault:"mistral-small-latest"`

	// Journal backend: "sqlite" (default), "postgres", "memory".
	JournalBackend    string `env:"MCP_JOURNAL_BACKEND" envDefault:"sqlite"`
	JournalPath       string `env:"MCP_JOURNAL_PATH"`
	JournalPostgres   string `env:"MCP_JOURNAL_POSTGRES_DSN"`
	RetentionDays     int    `env:"MCP_JOURNAL_RETENTION_DAYS" envDefault:"30"`
	RetentionSchedule string `env:"MCP_JOURNAL_RETENTION_SCHEDULE" envDefault:"0 3 * * *"`

	// Policy file path (YAML). Empty means built-in defaults.
	PolicyPath string `env:"MCP_POLICY_FILE"`
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return &cfg, nil
}

// ProxyAddr returns the host:port the server binary binds to.
func (c *Config) ProxyAddr() string {
	return net.JoinHostPort(c.ProxyHost, strconv.Itoa(c.ProxyPort))
}

// ServerBaseURL returns the URL the stdio proxy uses to reach the server.
func (c *Config) ServerBaseURL() string {
	return "http://" + c.ProxyAddr()
}

// ParseTargetHeaders decodes MCP_TARGET_HEADERS.
func (c *Config) ParseTargetHeaders() (map[string]string, error) {
	if c.TargetHeaders == "" {
		return nil, nil
	}
	var h map[string]string
	if err := json.Unmarshal([]byte(c.TargetHeaders), &h); err != nil {
		return nil, fmt.Errorf("parse MCP_TARGET_HEADERS: %w", err)
	}
	return h, nil
}

// ── Policy ─────────────────────────────────────────────────────────

// Policy drives the gatekeeper and detector thresholds.
type Policy struct {
	// Denylist is matched as naive substrings against request arguments.
	Denylist []string `yaml:"denylist"`

	// DangerThreshold is the LLM safety score at which a tool enters the
	// DangerousToolSet (inclusive).
	DangerThreshold int `yaml:"danger_threshold"`

	// FilterDangerous removes DangerousToolSet members from tools/list
	// responses when true.
	FilterDangerous bool `yaml:"filter_dangerous"`

	// PendingMaxAge bounds how long an unanswered tools/call is tracked.
	PendingMaxAge time.Duration `yaml:"pending_max_age"`
}

// DefaultPolicy mirrors the shipped defaults.
func DefaultPolicy() *Policy {
	return &Policy{
		Denylist:        []string{"rm -rf", "/etc/", "format", "del /f"},
		DangerThreshold: 80,
		FilterDangerous: true,
		PendingMaxAge:   600 * time.Second,
	}
}

// LoadPolicy reads a YAML policy file, falling back to defaults for any
// unset field. An empty path returns the defaults.
func LoadPolicy(path string) (*Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file %s: %w", path, err)
	}
	// FilterDangerous is a pointer here so an omitted key keeps the
	// default instead of decoding to false.
	var loaded struct {
		Denylist        []string      `yaml:"denylist"`
		DangerThreshold int           `yaml:"danger_threshold"`
		FilterDangerous *bool         `yaml:"filter_dangerous"`
		PendingMaxAge   time.Duration `yaml:"pending_max_age"`
	}
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	if loaded.Denylist != nil {
		p.Denylist = loaded.Denylist
	}
	if loaded.DangerThreshold > 0 {
		p.DangerThreshold = loaded.DangerThreshold
	}
	if loaded.FilterDangerous != nil {
		p.FilterDangerous = *loaded.FilterDangerous
	}
	if loaded.PendingMaxAge > 0 {
		p.PendingMaxAge = loaded.PendingMaxAge
	}
	return p, nil
}
