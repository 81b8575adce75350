package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all Guardian tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("guardian", "1.0.0")
	client := NewGuardianClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolWalletApprovals, h.HandleWalletApprovals)
	s.AddTool(ToolWalletSnapshot, h.HandleWalletSnapshot)
	s.AddTool(ToolRecommendedActions, h.HandleRecommendedActions)
	s.AddTool(ToolScoreApproval, h.HandleScoreApproval)
	s.AddTool(ToolRiskHistory, h.HandleRiskHistory)
	s.AddTool(ToolInvalidateCache, h.HandleInvalidateCache)
	s.AddTool(ToolScoringPolicy, h.HandleScoringPolicy)

	return s
}
