package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// RemoteVerifier reaches a gatekeeper over the supervisor's HTTP surface.
// The STDIO proxy binary uses it when it runs as a separate process.
//
// Verification fails open: if the supervisor is unreachable the message is
// forwarded and the miss is logged. A broken observer must never take the
// observed session down with it.
type RemoteVerifier struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// NewRemoteVerifier builds a verifier against the supervisor at baseURL.
func NewRemoteVerifier(baseURL, token string, logger *slog.Logger) *RemoteVerifier {
	return &RemoteVerifier{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

// CheckRequest implements Verifier.
func (v *RemoteVerifier) CheckRequest(ctx context.Context, in CheckInput) Result {
	return v.check(ctx, "/verify/request", in)
}

// CheckResponse implements Verifier.
func (v *RemoteVerifier) CheckResponse(ctx context.Context, in CheckInput) Result {
	return v.check(ctx, "/verify/response", in)
}

func (v *RemoteVerifier) check(ctx context.Context, path string, in CheckInput) Result {
	res, err := v.post(ctx, path, in)
	if err != nil {
		v.logger.Warn("verification unavailable, forwarding unchecked", "path", path, "error", err)
		return Allow
	}
	return res
}

func (v *RemoteVerifier) post(ctx context.Context, path string, in CheckInput) (Result, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return Allow, fmt.Errorf("encode verification request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return Allow, err
	}
	req.Header.Set("Content-Type", "application/json")
	if v.token != "" {
		req.Header.Set("Authorization", "Bearer "+v.token)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return Allow, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Allow, fmt.Errorf("verification endpoint returned %d", resp.StatusCode)
	}

	var out Result
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Allow, fmt.Errorf("decode verification result: %w", err)
	}
	return out, nil
}
