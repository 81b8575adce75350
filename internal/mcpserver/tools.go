package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the Guardian MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolWalletApprovals = mcp.NewTool("wallet_approvals",
	mcp.WithDescription(
		"List all token approvals for a wallet with their risk scores. "+
			"Each approval shows severity (low/medium/high/critical), the top contributing "+
			"risk factors, and any override reasons like INFINITE_ALLOWANCE."),
	mcp.WithString("wallet",
		mcp.Required(),
		mcp.Description("The wallet address (e.g. '0x1234...')")),
)

var ToolWalletSnapshot = mcp.NewTool("wallet_snapshot",
	mcp.WithDescription(
		"Get the aggregated risk snapshot for a wallet: overall severity, max risk score, "+
			"total value at risk in USD, and approval counts per severity bucket. "+
			"Use this for a quick overview before drilling into individual approvals."),
	mcp.WithString("wallet",
		mcp.Required(),
		mcp.Description("The wallet address (e.g. '0x1234...')")),
)

var ToolRecommendedActions = mcp.NewTool("recommended_actions",
	mcp.WithDescription(
		"Get recommended remediation actions for a wallet's risky approvals. "+
			"Critical approvals get 'revoke', high get 'decrease', medium get 'review'."),
	mcp.WithString("wallet",
		mcp.Required(),
		mcp.Description("The wallet address (e.g. '0x1234...')")),
)

var ToolScoreApproval = mcp.NewTool("score_approval",
	mcp.WithDescription(
		"Score a single token approval without persisting it. "+
			"Supply the wallet, token and spender addresses plus whatever signals you have "+
			"(allowance amount, age in days, USD value at risk, contract verification). "+
			"Returns the risk score, severity, and contributing factors."),
	mcp.WithString("wallet",
		mcp.Required(),
		mcp.Description("The wallet address granting the approval")),
	mcp.WithString("token",
		mcp.Required(),
		mcp.Description("The token contract address")),
	mcp.WithString("spender",
		mcp.Required(),
		mcp.Description("The spender contract address")),
	mcp.WithString("amount",
		mcp.Description("Allowance amount: 'unlimited' or a decimal string (e.g. '5000')")),
	mcp.WithNumber("age_days",
		mcp.Description("Days since the approval was granted")),
	mcp.WithNumber("value_at_risk_usd",
		mcp.Description("USD value reachable through this approval")),
	mcp.WithBoolean("contract_verified",
		mcp.Description("Whether the spender contract source is verified")),
)

var ToolRiskHistory = mcp.NewTool("risk_history",
	mcp.WithDescription(
		"Get historical risk snapshots for a wallet, newest first. "+
			"Shows how risk scores evolved over time for each approval."),
	mcp.WithString("wallet",
		mcp.Required(),
		mcp.Description("The wallet address (e.g. '0x1234...')")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of snapshots to return (default 20)")),
)

var ToolInvalidateCache = mcp.NewTool("invalidate_cache",
	mcp.WithDescription(
		"Invalidate cached risk data. Use kind 'new_transaction_detected' with a wallet "+
			"to force recomputation after on-chain activity, or 'policy_config_changed' "+
			"to purge all policy-derived entries."),
	mcp.WithString("kind",
		mcp.Required(),
		mcp.Description("Event kind"),
		mcp.Enum("new_transaction_detected", "wallet_switched", "policy_config_changed")),
	mcp.WithString("wallet",
		mcp.Description("Wallet address, required for new_transaction_detected")),
)

var ToolScoringPolicy = mcp.NewTool("scoring_policy",
	mcp.WithDescription(
		"Get the current scoring policy: per-factor weights, the spender trust floor, "+
			"and the verified Permit2 operator allowlist."),
)
