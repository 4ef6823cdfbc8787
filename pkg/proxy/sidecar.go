package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/freitascorp/mcpclaw/pkg/event"
	"github.com/freitascorp/mcpclaw/pkg/jsonrpc"
)

// Sidecar is the STDIO proxy's side channel to the supervisor: it publishes
// the discovered tool catalog and pulls back the DangerousToolSet once the
// detectors have scored it. Every call is best-effort; the proxied session
// works without a supervisor.
type Sidecar struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// NewSidecar builds a side channel against the supervisor at baseURL.
func NewSidecar(baseURL, token string, logger *slog.Logger) *Sidecar {
	return &Sidecar{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
}

// RegisterToolsRequest is the POST /register-tools body.
type RegisterToolsRequest struct {
	MCPTag   string         `json:"mcp_tag"`
	Server   string         `json:"server,omitempty"`
	Producer event.Producer `json:"producer"`
	Tools    []jsonrpc.Tool `json:"tools"`
}

// ToolSafetyRequest is the POST /tools/safety body.
type ToolSafetyRequest struct {
	MCPTag string `json:"mcp_tag"`
	Server string `json:"server,omitempty"`
}

// ToolSafetyResponse carries the supervisor's current dangerous set.
type ToolSafetyResponse struct {
	Dangerous     []string `json:"dangerous"`
	FilterEnabled bool     `json:"filter_enabled"`
}

// RegisterTools publishes the unmodified catalog to the supervisor.
func (s *Sidecar) RegisterTools(ctx context.Context, req RegisterToolsRequest) error {
	return s.post(ctx, "/register-tools", req, nil)
}

// FetchSafety pulls the DangerousToolSet for one mcp_tag.
func (s *Sidecar) FetchSafety(ctx context.Context, req ToolSafetyRequest) (ToolSafetyResponse, error) {
	var out ToolSafetyResponse
	err := s.post(ctx, "/tools/safety", req, &out)
	return out, err
}

func (s *Sidecar) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s body: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
