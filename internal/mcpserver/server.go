package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all escrowd tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("escrowd", "1.0.0")
	client := NewClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolCreateEscrow, h.HandleCreateEscrow)
	s.AddTool(ToolAcceptEscrow, h.HandleAcceptEscrow)
	s.AddTool(ToolDeliverService, h.HandleDeliverService)
	s.AddTool(ToolConfirmAndRelease, h.HandleConfirmAndRelease)
	s.AddTool(ToolInitiateDispute, h.HandleInitiateDispute)
	s.AddTool(ToolVoteOnDispute, h.HandleVoteOnDispute)
	s.AddTool(ToolGetEscrowStatus, h.HandleGetEscrowStatus)
	s.AddTool(ToolGetAgentReputation, h.HandleGetAgentReputation)
	s.AddTool(ToolListEscrows, h.HandleListEscrows)

	return s
}
