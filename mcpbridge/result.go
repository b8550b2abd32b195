package mcpbridge

import (
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

func buildCallToolRequest(toolName string, arguments map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = toolName
	req.Params.Arguments = arguments
	return req
}

// renderCallResult flattens an MCP tool result's text content into a single
// string, along with whether the server reported an error.
func renderCallResult(result *mcp.CallToolResult) (string, bool) {
	var parts []string
	for _, c := range result.Content {
		if text, ok := c.(mcp.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	return strings.Join(parts, "\n"), result.IsError
}
