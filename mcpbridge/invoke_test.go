package mcpbridge

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MarimerLLC/rockbot/envelope"
)

func invokeRequestEnvelope(t *testing.T, req ToolInvokeRequest) envelope.Envelope {
	t.Helper()
	e, err := envelope.ToEnvelope("ToolInvokeRequest", req, "test")
	require.NoError(t, err)
	return e
}

func TestHandleInvokeRejectsMalformedJSON(t *testing.T) {
	broker := newFakeBroker()
	path := writeManifest(t, map[string]ServerConfig{"search": {Type: "sse", URL: "http://example.invalid/sse"}})
	client := &fakeMcpClient{tools: []mcp.Tool{{Name: "search_web"}}}
	b := newTestBridge(t, broker, path, client)
	startBridge(t, b)

	req := invokeRequestEnvelope(t, ToolInvokeRequest{ToolCallId: "1", ToolName: "search_web", Arguments: "{not json"})
	b.handleInvoke(context.Background(), req)

	e, ok := broker.last("tool.result.rockbot")
	require.True(t, ok)
	payload, ok := envelope.GetPayload[ToolError](e)
	require.True(t, ok)
	assert.Equal(t, ErrCodeInvalidArguments, payload.Code)
}

func TestHandleInvokeForwardsNonObjectArgumentsAndHintsOnError(t *testing.T) {
	broker := newFakeBroker()
	path := writeManifest(t, map[string]ServerConfig{"search": {Type: "sse", URL: "http://example.invalid/sse"}})
	client := &fakeMcpClient{
		tools:      []mcp.Tool{{Name: "search_web"}},
		callResult: &mcp.CallToolResult{IsError: true, Content: []mcp.Content{mcp.TextContent{Text: "missing required argument: query"}}},
	}
	b := newTestBridge(t, broker, path, client)
	startBridge(t, b)

	req := invokeRequestEnvelope(t, ToolInvokeRequest{ToolCallId: "1", ToolName: "search_web", Arguments: `"just a string"`})
	b.handleInvoke(context.Background(), req)

	e, ok := broker.last("tool.result.rockbot")
	require.True(t, ok)
	payload, ok := envelope.GetPayload[ToolInvokeResponse](e)
	require.True(t, ok)
	assert.True(t, payload.IsError)
	assert.Contains(t, payload.Content, "hint: arguments must be a JSON object")
}

func TestHandleInvokeAcceptsObjectArgumentsWithoutHint(t *testing.T) {
	broker := newFakeBroker()
	path := writeManifest(t, map[string]ServerConfig{"search": {Type: "sse", URL: "http://example.invalid/sse"}})
	client := &fakeMcpClient{
		tools:      []mcp.Tool{{Name: "search_web"}},
		callResult: &mcp.CallToolResult{IsError: true, Content: []mcp.Content{mcp.TextContent{Text: "server-side failure"}}},
	}
	b := newTestBridge(t, broker, path, client)
	startBridge(t, b)

	req := invokeRequestEnvelope(t, ToolInvokeRequest{ToolCallId: "1", ToolName: "search_web", Arguments: `{"query":"weather"}`})
	b.handleInvoke(context.Background(), req)

	e, ok := broker.last("tool.result.rockbot")
	require.True(t, ok)
	payload, ok := envelope.GetPayload[ToolInvokeResponse](e)
	require.True(t, ok)
	assert.True(t, payload.IsError)
	assert.NotContains(t, payload.Content, "hint:")
}
