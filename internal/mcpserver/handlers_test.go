package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	client := NewGuardianClient(Config{APIURL: ts.URL})
	return NewHandlers(client), ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func enveloped(data any) map[string]any {
	return map[string]any{"apiVersion": "v1", "data": data}
}

// ============================================================
// Client tests
// ============================================================

func TestClient_UnwrapsEnvelope(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(enveloped(map[string]any{"wallet": "0xabc"}))
	}))
	defer ts.Close()

	client := NewGuardianClient(Config{APIURL: ts.URL})
	raw, err := client.GetSnapshot(context.Background(), "0xabc")
	require.NoError(t, err)

	var data map[string]any
	require.NoError(t, json.Unmarshal(raw, &data))
	assert.Equal(t, "0xabc", data["wallet"])
}

func TestClient_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   "invalid_address",
			"message": "address must be a valid Ethereum address",
		})
	}))
	defer ts.Close()

	client := NewGuardianClient(Config{APIURL: ts.URL})
	_, err := client.GetApprovals(context.Background(), "garbage")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), "valid Ethereum address")
}

func TestClient_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	client := NewGuardianClient(Config{APIURL: ts.URL})
	_, err := client.GetSnapshot(context.Background(), "0xabc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestClient_PostEventBody(t *testing.T) {
	var gotBody map[string]string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		_ = json.NewEncoder(w).Encode(enveloped(map[string]any{"kind": gotBody["kind"], "purged": 3}))
	}))
	defer ts.Close()

	client := NewGuardianClient(Config{APIURL: ts.URL})
	_, err := client.PostEvent(context.Background(), "new_transaction_detected", "0xabc")
	require.NoError(t, err)
	assert.Equal(t, "new_transaction_detected", gotBody["kind"])
	assert.Equal(t, "0xabc", gotBody["wallet"])
}

// ============================================================
// Handler tests
// ============================================================

func TestHandleWalletApprovals_RequiresWallet(t *testing.T) {
	h, cleanup := newTestSetup(http.NotFoundHandler())
	defer cleanup()

	result, err := h.HandleWalletApprovals(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleWalletApprovals_FormatsRisks(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/wallets/0xabc/approvals", r.URL.Path)
		_ = json.NewEncoder(w).Encode(enveloped(map[string]any{
			"wallet": "0xabc",
			"count":  1,
			"approvals": []map[string]any{{
				"token":          "0xtoken",
				"spender":        "0xspender",
				"riskScore":      0.8123,
				"severity":       "critical",
				"valueAtRiskUsd": 2500.0,
				"riskReasons":    []string{"INFINITE_ALLOWANCE", "UNKNOWN_SPENDER"},
				"contributingFactors": []map[string]any{
					{"name": "scope", "contribution": 0.25},
				},
			}},
		}))
	}))
	defer cleanup()

	result, err := h.HandleWalletApprovals(context.Background(), makeRequest(map[string]any{"wallet": "0xabc"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "CRITICAL")
	assert.Contains(t, text, "0.8123")
	assert.Contains(t, text, "INFINITE_ALLOWANCE")
	assert.Contains(t, text, "scope=0.2500")
}

func TestHandleWalletApprovals_Empty(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(enveloped(map[string]any{
			"wallet": "0xabc", "count": 0, "approvals": []any{},
		}))
	}))
	defer cleanup()

	result, err := h.HandleWalletApprovals(context.Background(), makeRequest(map[string]any{"wallet": "0xabc"}))
	require.NoError(t, err)

	assert.Contains(t, resultText(t, result), "No approvals found")
}

func TestHandleWalletSnapshot_Formats(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(enveloped(map[string]any{
			"wallet":          "0xabc",
			"overallSeverity": "high",
			"maxRiskScore":    0.72,
			"totalValueUsd":   9001.5,
			"approvalCount":   4,
			"criticalCount":   0,
			"highCount":       2,
			"mediumCount":     1,
			"lowCount":        1,
		}))
	}))
	defer cleanup()

	result, err := h.HandleWalletSnapshot(context.Background(), makeRequest(map[string]any{"wallet": "0xabc"}))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "HIGH")
	assert.Contains(t, text, "$9001.50")
	assert.Contains(t, text, "2 high")
}

func TestHandleRecommendedActions_Formats(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(enveloped(map[string]any{
			"wallet": "0xabc",
			"count":  1,
			"actions": []map[string]any{{
				"action":   "revoke",
				"token":    "0xtoken",
				"spender":  "0xspender",
				"severity": "critical",
				"reasons":  []string{"INFINITE_ALLOWANCE"},
			}},
		}))
	}))
	defer cleanup()

	result, err := h.HandleRecommendedActions(context.Background(), makeRequest(map[string]any{"wallet": "0xabc"}))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "REVOKE")
	assert.Contains(t, text, "INFINITE_ALLOWANCE")
}

func TestHandleScoreApproval_BuildsRecord(t *testing.T) {
	var gotRecord map[string]any
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/score", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotRecord)
		_ = json.NewEncoder(w).Encode(enveloped(map[string]any{
			"token": "0xtoken", "spender": "0xspender",
			"riskScore": 0.8, "severity": "critical", "valueAtRiskUsd": 100.0,
		}))
	}))
	defer cleanup()

	result, err := h.HandleScoreApproval(context.Background(), makeRequest(map[string]any{
		"wallet":            "0xabc",
		"token":             "0xtoken",
		"spender":           "0xspender",
		"amount":            "unlimited",
		"age_days":          float64(400),
		"value_at_risk_usd": float64(100),
		"contract_verified": true,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	assert.Equal(t, "unlimited", gotRecord["amount"])
	assert.Equal(t, float64(400), gotRecord["ageDays"])
	assert.Contains(t, resultText(t, result), "CRITICAL")
}

func TestHandleScoreApproval_RequiresAddresses(t *testing.T) {
	h, cleanup := newTestSetup(http.NotFoundHandler())
	defer cleanup()

	result, err := h.HandleScoreApproval(context.Background(), makeRequest(map[string]any{"wallet": "0xabc"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleInvalidateCache(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(enveloped(map[string]any{
			"kind": "new_transaction_detected", "purged": 3,
		}))
	}))
	defer cleanup()

	result, err := h.HandleInvalidateCache(context.Background(), makeRequest(map[string]any{
		"kind":   "new_transaction_detected",
		"wallet": "0xabc",
	}))
	require.NoError(t, err)

	assert.Contains(t, resultText(t, result), "3 cache entries purged")
}

func TestHandleRiskHistory_Formats(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "20", r.URL.Query().Get("limit"))
		_ = json.NewEncoder(w).Encode(enveloped(map[string]any{
			"wallet": "0xabc",
			"count":  1,
			"snapshots": []map[string]any{{
				"token": "0xtoken", "spender": "0xspender",
				"riskScore": 0.44, "severity": "medium",
				"createdAt": "2026-08-01T00:00:00Z",
			}},
			"hasMore": true,
		}))
	}))
	defer cleanup()

	result, err := h.HandleRiskHistory(context.Background(), makeRequest(map[string]any{"wallet": "0xabc"}))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "MEDIUM")
	assert.Contains(t, text, "more history available")
}
