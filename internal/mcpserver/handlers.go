package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *GuardianClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *GuardianClient) *Handlers {
	return &Handlers{client: client}
}

// HandleWalletApprovals lists scored approvals for a wallet.
func (h *Handlers) HandleWalletApprovals(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	wallet := req.GetString("wallet", "")
	if wallet == "" {
		return mcp.NewToolResultError("wallet is required"), nil
	}

	raw, err := h.client.GetApprovals(ctx, wallet)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get approvals: %v", err)), nil
	}

	text, err := formatApprovals(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse approvals: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleWalletSnapshot returns the aggregated risk snapshot.
func (h *Handlers) HandleWalletSnapshot(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	wallet := req.GetString("wallet", "")
	if wallet == "" {
		return mcp.NewToolResultError("wallet is required"), nil
	}

	raw, err := h.client.GetSnapshot(ctx, wallet)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get snapshot: %v", err)), nil
	}

	text, err := formatSnapshot(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse snapshot: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleRecommendedActions returns remediation recommendations.
func (h *Handlers) HandleRecommendedActions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	wallet := req.GetString("wallet", "")
	if wallet == "" {
		return mcp.NewToolResultError("wallet is required"), nil
	}

	raw, err := h.client.GetActions(ctx, wallet)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get actions: %v", err)), nil
	}

	text, err := formatActions(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse actions: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleScoreApproval scores a single approval from raw signals.
func (h *Handlers) HandleScoreApproval(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	wallet := req.GetString("wallet", "")
	token := req.GetString("token", "")
	spender := req.GetString("spender", "")
	if wallet == "" || token == "" || spender == "" {
		return mcp.NewToolResultError("wallet, token and spender are required"), nil
	}

	record := map[string]any{
		"wallet":  wallet,
		"token":   token,
		"spender": spender,
	}
	if amount := req.GetString("amount", ""); amount != "" {
		record["amount"] = amount
	}
	if age := req.GetFloat("age_days", -1); age >= 0 {
		record["ageDays"] = int(age)
	}
	if v := req.GetFloat("value_at_risk_usd", -1); v >= 0 {
		record["valueAtRiskUsd"] = v
	}
	record["contract"] = map[string]any{
		"verified": req.GetBool("contract_verified", false),
	}

	raw, err := h.client.ScoreApproval(ctx, record)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Scoring failed: %v", err)), nil
	}

	text, err := formatRisk(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse result: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleRiskHistory returns historical snapshots.
func (h *Handlers) HandleRiskHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	wallet := req.GetString("wallet", "")
	if wallet == "" {
		return mcp.NewToolResultError("wallet is required"), nil
	}
	limit := int(req.GetFloat("limit", 20))

	raw, err := h.client.GetHistory(ctx, wallet, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get history: %v", err)), nil
	}

	text, err := formatHistory(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse history: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleInvalidateCache sends a cache invalidation event.
func (h *Handlers) HandleInvalidateCache(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	kind := req.GetString("kind", "")
	if kind == "" {
		return mcp.NewToolResultError("kind is required"), nil
	}
	wallet := req.GetString("wallet", "")

	raw, err := h.client.PostEvent(ctx, kind, wallet)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Invalidation failed: %v", err)), nil
	}

	var result struct {
		Kind   string `json:"kind"`
		Purged int    `json:"purged"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse result: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Event %s applied, %d cache entries purged.", result.Kind, result.Purged)), nil
}

// HandleScoringPolicy returns the current scoring policy.
func (h *Handlers) HandleScoringPolicy(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetWeights(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get policy: %v", err)), nil
	}
	return mcp.NewToolResultText("Current scoring policy:\n" + formatJSON(raw)), nil
}

// -----------------------------------------------------------------------------
// Formatting
// -----------------------------------------------------------------------------

type approvalRisk struct {
	Token               string  `json:"token"`
	Spender             string  `json:"spender"`
	RiskScore           float64 `json:"riskScore"`
	Severity            string  `json:"severity"`
	ValueAtRiskUSD      float64 `json:"valueAtRiskUsd"`
	ContributingFactors []struct {
		Name         string  `json:"name"`
		Contribution float64 `json:"contribution"`
	} `json:"contributingFactors"`
	RiskReasons []string `json:"riskReasons"`
}

func formatRiskLine(sb *strings.Builder, r approvalRisk) {
	fmt.Fprintf(sb, "[%s] %.4f  token %s -> spender %s ($%.2f at risk)\n",
		strings.ToUpper(r.Severity), r.RiskScore, r.Token, r.Spender, r.ValueAtRiskUSD)
	if len(r.RiskReasons) > 0 {
		fmt.Fprintf(sb, "  reasons: %s\n", strings.Join(r.RiskReasons, ", "))
	}
	if len(r.ContributingFactors) > 0 {
		parts := make([]string, 0, len(r.ContributingFactors))
		for _, f := range r.ContributingFactors {
			parts = append(parts, fmt.Sprintf("%s=%.4f", f.Name, f.Contribution))
		}
		fmt.Fprintf(sb, "  factors: %s\n", strings.Join(parts, ", "))
	}
}

func formatApprovals(raw json.RawMessage) (string, error) {
	var data struct {
		Wallet    string         `json:"wallet"`
		Approvals []approvalRisk `json:"approvals"`
		Count     int            `json:"count"`
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return "", err
	}

	if data.Count == 0 {
		return fmt.Sprintf("No approvals found for %s.", data.Wallet), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d approval(s) for %s:\n\n", data.Count, data.Wallet)
	for _, r := range data.Approvals {
		formatRiskLine(&sb, r)
	}
	return sb.String(), nil
}

func formatRisk(raw json.RawMessage) (string, error) {
	var r approvalRisk
	if err := json.Unmarshal(raw, &r); err != nil {
		return "", err
	}
	var sb strings.Builder
	formatRiskLine(&sb, r)
	return sb.String(), nil
}

func formatSnapshot(raw json.RawMessage) (string, error) {
	var snap struct {
		Wallet          string  `json:"wallet"`
		OverallSeverity string  `json:"overallSeverity"`
		MaxRiskScore    float64 `json:"maxRiskScore"`
		TotalValueUSD   float64 `json:"totalValueUsd"`
		ApprovalCount   int     `json:"approvalCount"`
		CriticalCount   int     `json:"criticalCount"`
		HighCount       int     `json:"highCount"`
		MediumCount     int     `json:"mediumCount"`
		LowCount        int     `json:"lowCount"`
	}
	if err := json.Unmarshal(raw, &snap); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Wallet %s\n", snap.Wallet)
	fmt.Fprintf(&sb, "Overall severity: %s (max score %.4f)\n", strings.ToUpper(snap.OverallSeverity), snap.MaxRiskScore)
	fmt.Fprintf(&sb, "Total value at risk: $%.2f across %d approval(s)\n", snap.TotalValueUSD, snap.ApprovalCount)
	fmt.Fprintf(&sb, "Breakdown: %d critical, %d high, %d medium, %d low\n",
		snap.CriticalCount, snap.HighCount, snap.MediumCount, snap.LowCount)
	return sb.String(), nil
}

func formatActions(raw json.RawMessage) (string, error) {
	var data struct {
		Wallet  string `json:"wallet"`
		Actions []struct {
			Action   string   `json:"action"`
			Token    string   `json:"token"`
			Spender  string   `json:"spender"`
			Severity string   `json:"severity"`
			Reasons  []string `json:"reasons"`
		} `json:"actions"`
		Count int `json:"count"`
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return "", err
	}

	if data.Count == 0 {
		return fmt.Sprintf("No recommended actions for %s. All approvals are low risk.", data.Wallet), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d recommended action(s) for %s:\n\n", data.Count, data.Wallet)
	for _, a := range data.Actions {
		fmt.Fprintf(&sb, "%s: token %s / spender %s (%s)\n",
			strings.ToUpper(a.Action), a.Token, a.Spender, a.Severity)
		if len(a.Reasons) > 0 {
			fmt.Fprintf(&sb, "  reasons: %s\n", strings.Join(a.Reasons, ", "))
		}
	}
	return sb.String(), nil
}

func formatHistory(raw json.RawMessage) (string, error) {
	var data struct {
		Wallet    string `json:"wallet"`
		Snapshots []struct {
			Token     string  `json:"token"`
			Spender   string  `json:"spender"`
			RiskScore float64 `json:"riskScore"`
			Severity  string  `json:"severity"`
			CreatedAt string  `json:"createdAt"`
		} `json:"snapshots"`
		Count   int  `json:"count"`
		HasMore bool `json:"hasMore"`
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return "", err
	}

	if data.Count == 0 {
		return fmt.Sprintf("No historical snapshots for %s.", data.Wallet), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d snapshot(s) for %s (newest first):\n\n", data.Count, data.Wallet)
	for _, s := range data.Snapshots {
		fmt.Fprintf(&sb, "%s  [%s] %.4f  token %s / spender %s\n",
			s.CreatedAt, strings.ToUpper(s.Severity), s.RiskScore, s.Token, s.Spender)
	}
	if data.HasMore {
		sb.WriteString("\n(more history available)\n")
	}
	return sb.String(), nil
}

// formatJSON pretty-prints raw JSON, falling back to the raw string.
func formatJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}
