// Escrowd MCP Server - Exposes escrow operations as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/nanba-labs/escrowd/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL:       envOrDefault("ESCROWD_API_URL", "http://localhost:8080"),
		AgentAddress: os.Getenv("ESCROWD_AGENT_ADDRESS"),
	}

	if cfg.AgentAddress == "" {
		fmt.Fprintln(os.Stderr, "ESCROWD_AGENT_ADDRESS is required")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
