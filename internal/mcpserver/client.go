package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the Guardian API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
}

// GuardianClient is a pure HTTP client for the Guardian risk API.
type GuardianClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewGuardianClient creates a new client for the Guardian API.
func NewGuardianClient(cfg Config) *GuardianClient {
	return &GuardianClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// apiEnvelope is the standard v1 response wrapper.
type apiEnvelope struct {
	APIVersion string          `json:"apiVersion"`
	Data       json.RawMessage `json:"data"`
}

// doRequest makes an HTTP request to the API and returns the unwrapped data.
func (c *GuardianClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	var env apiEnvelope
	if err := json.Unmarshal(respBody, &env); err == nil && env.Data != nil {
		return env.Data, nil
	}
	return json.RawMessage(respBody), nil
}

// GetApprovals returns scored approvals for a wallet.
func (c *GuardianClient) GetApprovals(ctx context.Context, wallet string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/wallets/"+wallet+"/approvals", nil, nil)
}

// GetSnapshot returns the aggregated risk snapshot for a wallet.
func (c *GuardianClient) GetSnapshot(ctx context.Context, wallet string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/wallets/"+wallet+"/snapshot", nil, nil)
}

// GetActions returns recommended actions for a wallet.
func (c *GuardianClient) GetActions(ctx context.Context, wallet string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/wallets/"+wallet+"/actions", nil, nil)
}

// GetHistory returns historical risk snapshots for a wallet.
func (c *GuardianClient) GetHistory(ctx context.Context, wallet string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/wallets/"+wallet+"/history", q, nil)
}

// ScoreApproval scores a single approval record without persisting it.
func (c *GuardianClient) ScoreApproval(ctx context.Context, record map[string]any) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/score", nil, record)
}

// PostEvent sends a cache invalidation event.
func (c *GuardianClient) PostEvent(ctx context.Context, kind, wallet string) (json.RawMessage, error) {
	body := map[string]string{"kind": kind}
	if wallet != "" {
		body["wallet"] = wallet
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/events", nil, body)
}

// GetWeights returns the current scoring policy.
func (c *GuardianClient) GetWeights(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/policy/weights", nil, nil)
}
