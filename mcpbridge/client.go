package mcpbridge

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// mcpClient is the subset of *mark3labs/mcp-go/client.Client the bridge
// depends on; the real client and a test double both satisfy it.
type mcpClient interface {
	Start(ctx context.Context) error
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// clientFactory constructs an mcpClient for a server's configuration.
// Overridden in tests to avoid dialing a real SSE endpoint.
type clientFactory func(cfg ServerConfig) (mcpClient, error)

func defaultClientFactory(cfg ServerConfig) (mcpClient, error) {
	if cfg.Type != "sse" {
		return nil, fmt.Errorf("mcpbridge: unsupported server type %q", cfg.Type)
	}
	return client.NewSSEMCPClient(cfg.URL)
}

// initializeAndList starts c, performs the MCP handshake, and lists its
// tools.
func initializeAndList(ctx context.Context, c mcpClient) ([]mcp.Tool, error) {
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("mcpbridge: start client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "rockbot", Version: "0.1.0"}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	if _, err := c.Initialize(ctx, initReq); err != nil {
		return nil, fmt.Errorf("mcpbridge: initialize: %w", err)
	}

	listed, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("mcpbridge: list tools: %w", err)
	}
	return listed.Tools, nil
}
