package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphawhale/guardian/internal/alerts"
	"github.com/alphawhale/guardian/internal/approval"
	"github.com/alphawhale/guardian/internal/config"
	"github.com/alphawhale/guardian/internal/risk"
)

const (
	testWallet  = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	testToken   = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	testSpender = "0xcccccccccccccccccccccccccccccccccccccccc"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Port:         "0",
		Env:          "test",
		LogLevel:     "error",
		Chain:        "base",
		RPCURL:       "", // no chain ingestion in tests
		TrustFloor:   0.20,
		IngestRPS:    10,
		RateLimitRPM: 100000,
	}

	srv, err := New(cfg)
	require.NoError(t, err)
	srv.ready.Store(true)
	return srv
}

func doRequest(srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp struct {
		APIVersion string                 `json:"apiVersion"`
		Data       map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "v1", resp.APIVersion)
	return resp.Data
}

func ptr(v float64) *float64 { return &v }

func seedRecord(t *testing.T, srv *Server, wallet, token, spender string) {
	t.Helper()
	rec := &approval.Record{
		Wallet:         wallet,
		Chain:          "base",
		Token:          token,
		Spender:        spender,
		TxHash:         "0x01",
		Amount:         approval.UnlimitedAmount(),
		AgeDays:        30,
		ValueAtRiskUSD: 1500,
		Trust:          ptr(0.9),
		Factors: approval.Factors{
			AgeDays:            ptr(0.3),
			Scope:              ptr(1.0),
			ValueAtRisk:        ptr(0.6),
			SpenderTrust:       ptr(0.1),
			ContractRisk:       ptr(0.2),
			InteractionContext: ptr(0.2),
		},
		ObservedAt: time.Now().UTC(),
	}
	_, err := srv.approvals.Put(context.Background(), rec)
	require.NoError(t, err)
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t)

	w := doRequest(srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")

	w = doRequest(srv, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(srv, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	srv.ready.Store(false)
	w = doRequest(srv, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRequestIDHeader(t *testing.T) {
	srv := newTestServer(t)

	w := doRequest(srv, http.MethodGet, "/health/live", nil)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "req_test123")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, "req_test123", rec.Header().Get("X-Request-ID"))
}

func TestAddressValidation(t *testing.T) {
	srv := newTestServer(t)

	w := doRequest(srv, http.MethodGet, "/v1/wallets/not-an-address/approvals", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_address")
}

func TestGetApprovals(t *testing.T) {
	srv := newTestServer(t)
	seedRecord(t, srv, testWallet, testToken, testSpender)

	w := doRequest(srv, http.MethodGet, "/v1/wallets/"+testWallet+"/approvals", nil)
	require.Equal(t, http.StatusOK, w.Code)

	data := decodeData(t, w)
	assert.Equal(t, testWallet, data["wallet"])
	assert.Equal(t, float64(1), data["count"])
}

func TestGetApprovalsEmptyWallet(t *testing.T) {
	srv := newTestServer(t)

	w := doRequest(srv, http.MethodGet, "/v1/wallets/"+testWallet+"/approvals", nil)
	require.Equal(t, http.StatusOK, w.Code)

	data := decodeData(t, w)
	assert.Equal(t, float64(0), data["count"])
}

func TestGetSnapshot(t *testing.T) {
	srv := newTestServer(t)
	seedRecord(t, srv, testWallet, testToken, testSpender)

	w := doRequest(srv, http.MethodGet, "/v1/wallets/"+testWallet+"/snapshot", nil)
	require.Equal(t, http.StatusOK, w.Code)

	data := decodeData(t, w)
	assert.Equal(t, float64(1), data["approvalCount"])
	assert.NotEmpty(t, data["overallSeverity"])
}

func TestGetActions(t *testing.T) {
	srv := newTestServer(t)
	seedRecord(t, srv, testWallet, testToken, testSpender)

	w := doRequest(srv, http.MethodGet, "/v1/wallets/"+testWallet+"/actions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decodeData(t, w)
}

func TestScoreApproval(t *testing.T) {
	srv := newTestServer(t)

	body := map[string]interface{}{
		"wallet":  testWallet,
		"token":   testToken,
		"spender": testSpender,
		"factors": map[string]float64{
			"ageDays":            0.5,
			"scope":              0.5,
			"valueAtRisk":        0.5,
			"spenderTrust":       0.5,
			"contractRisk":       0.5,
			"interactionContext": 0.5,
		},
	}

	w := doRequest(srv, http.MethodPost, "/v1/score", body)
	require.Equal(t, http.StatusOK, w.Code)

	data := decodeData(t, w)
	assert.InDelta(t, 0.5, data["riskScore"].(float64), 0.0001)
	assert.Equal(t, "medium", data["severity"])
}

func TestScoreApprovalDerivesFactors(t *testing.T) {
	srv := newTestServer(t)

	// No factors supplied: the server derives them from the raw signals.
	body := map[string]interface{}{
		"wallet":         testWallet,
		"token":          testToken,
		"spender":        testSpender,
		"amount":         "unlimited",
		"ageDays":        400,
		"valueAtRiskUsd": 5000,
		"contract":       map[string]interface{}{"verified": true},
	}

	w := doRequest(srv, http.MethodPost, "/v1/score", body)
	require.Equal(t, http.StatusOK, w.Code)

	data := decodeData(t, w)
	score := data["riskScore"].(float64)
	assert.Greater(t, score, 0.0)
	assert.LessOrEqual(t, score, 1.0)
}

func TestScoreApprovalMissingFields(t *testing.T) {
	srv := newTestServer(t)

	w := doRequest(srv, http.MethodPost, "/v1/score", map[string]interface{}{
		"token":   testToken,
		"spender": testSpender,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "missing_fields")
}

func TestPostEventPurgesCache(t *testing.T) {
	srv := newTestServer(t)
	seedRecord(t, srv, testWallet, testToken, testSpender)

	// Warm the cache.
	w := doRequest(srv, http.MethodGet, "/v1/wallets/"+testWallet+"/approvals", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(srv, http.MethodPost, "/v1/events", map[string]interface{}{
		"kind":   "new_transaction_detected",
		"wallet": testWallet,
	})
	require.Equal(t, http.StatusOK, w.Code)

	data := decodeData(t, w)
	assert.GreaterOrEqual(t, data["purged"].(float64), float64(1))
}

func TestPostEventUnknownKind(t *testing.T) {
	srv := newTestServer(t)

	w := doRequest(srv, http.MethodPost, "/v1/events", map[string]interface{}{
		"kind": "solar_flare",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPostEventMissingKind(t *testing.T) {
	srv := newTestServer(t)

	w := doRequest(srv, http.MethodPost, "/v1/events", map[string]interface{}{
		"wallet": testWallet,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPolicyWeightsRoundTrip(t *testing.T) {
	srv := newTestServer(t)

	w := doRequest(srv, http.MethodGet, "/v1/policy/weights", nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := decodeData(t, w)
	weights := data["weights"].(map[string]interface{})
	assert.InDelta(t, 0.25, weights["scope"].(float64), 0.0001)

	w = doRequest(srv, http.MethodPut, "/v1/policy/weights", risk.FactorWeights{
		AgeDays:            0.2,
		Scope:              0.2,
		ValueAtRisk:        0.2,
		SpenderTrust:       0.2,
		ContractRisk:       0.1,
		InteractionContext: 0.1,
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(srv, http.MethodGet, "/v1/policy/weights", nil)
	data = decodeData(t, w)
	weights = data["weights"].(map[string]interface{})
	assert.InDelta(t, 0.2, weights["scope"].(float64), 0.0001)
}

func TestPolicyWeightsRejectsAllZero(t *testing.T) {
	srv := newTestServer(t)

	w := doRequest(srv, http.MethodPut, "/v1/policy/weights", risk.FactorWeights{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHistoryPagination(t *testing.T) {
	srv := newTestServer(t)

	base := time.Now().UTC().Add(-time.Hour)
	var snaps []*risk.Snapshot
	for i := 0; i < 5; i++ {
		snaps = append(snaps, &risk.Snapshot{
			Wallet:    testWallet,
			Chain:     "base",
			Token:     testToken,
			Spender:   testSpender,
			RiskScore: 0.5,
			Severity:  risk.SeverityMedium,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}
	require.NoError(t, srv.snapshots.SaveBatch(context.Background(), snaps))

	w := doRequest(srv, http.MethodGet, fmt.Sprintf("/v1/wallets/%s/history?limit=2", testWallet), nil)
	require.Equal(t, http.StatusOK, w.Code)

	data := decodeData(t, w)
	assert.Equal(t, float64(2), data["count"])
	assert.Equal(t, true, data["hasMore"])
	cursor := data["nextCursor"].(string)
	require.NotEmpty(t, cursor)

	w = doRequest(srv, http.MethodGet,
		fmt.Sprintf("/v1/wallets/%s/history?limit=10&cursor=%s", testWallet, cursor), nil)
	require.Equal(t, http.StatusOK, w.Code)

	data = decodeData(t, w)
	assert.Equal(t, float64(3), data["count"])
	assert.Equal(t, false, data["hasMore"])
}

func TestHistoryInvalidCursor(t *testing.T) {
	srv := newTestServer(t)

	w := doRequest(srv, http.MethodGet, "/v1/wallets/"+testWallet+"/history?cursor=garbage", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_cursor")
}

func TestInfoEndpoint(t *testing.T) {
	srv := newTestServer(t)

	w := doRequest(srv, http.MethodGet, "/api", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "guardian")
}

func TestAlertSubscriptionRejectsInternalURL(t *testing.T) {
	srv := newTestServer(t)

	w := doRequest(srv, http.MethodPost, "/v1/wallets/"+testWallet+"/alerts", map[string]interface{}{
		"url":    "http://127.0.0.1:8080/hook",
		"events": []string{"risk.critical"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_url")
}

func TestAlertSubscriptionListAndDelete(t *testing.T) {
	srv := newTestServer(t)

	sub := &alerts.Subscription{
		ID:        "alrt_test1",
		Wallet:    testWallet,
		URL:       "https://example.com/hook",
		Secret:    "whsec_test",
		Events:    []alerts.EventType{alerts.EventRiskCritical},
		Active:    true,
		CreatedAt: time.Now(),
	}
	require.NoError(t, srv.alertStore.Create(context.Background(), sub))

	w := doRequest(srv, http.MethodGet, "/v1/wallets/"+testWallet+"/alerts", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Alerts []map[string]interface{} `json:"alerts"`
		Count  int                      `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	// Secrets never appear in list responses.
	assert.NotContains(t, w.Body.String(), "whsec_test")

	// Another wallet cannot delete the subscription.
	other := "0xdddddddddddddddddddddddddddddddddddddddd"
	w = doRequest(srv, http.MethodDelete, "/v1/wallets/"+other+"/alerts/alrt_test1", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doRequest(srv, http.MethodDelete, "/v1/wallets/"+testWallet+"/alerts/alrt_test1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(srv, http.MethodGet, "/v1/wallets/"+testWallet+"/alerts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":0`)
}
